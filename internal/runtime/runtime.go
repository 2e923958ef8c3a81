package runtime

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/roach88/cepcore/internal/config"
	"github.com/roach88/cepcore/internal/event"
	"github.com/roach88/cepcore/internal/except"
	"github.com/roach88/cepcore/internal/filter"
	"github.com/roach88/cepcore/internal/latch"
	"github.com/roach88/cepcore/internal/metrics"
	"github.com/roach88/cepcore/internal/schedule"
	"github.com/roach88/cepcore/internal/table"
	"github.com/roach88/cepcore/internal/threading"
	"github.com/roach88/cepcore/internal/variable"
)

// UnmatchedListener receives events that matched no statement. It runs
// without the engine lock held, so it may deploy or undeploy statements.
type UnmatchedListener func(p *Pass, ev event.Event)

// Interceptor runs before an event is processed. Returning false discards it.
type Interceptor func(ev event.Event) bool

// Runtime is the event processing engine.
//
// Thread-safety model:
//   - Ingress, route and time APIs: safe from any goroutine
//   - Administration (Deploy, Undeploy, CreateWindow): safe from any
//     goroutine except from inside statement code
//   - Pass: owned by the goroutine it was handed to
type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	types      *event.Registry
	filters    filter.Service
	schedules  *schedule.Service
	variables  *variable.Service
	tables     *table.Registry
	exceptions *except.Service
	metrics    *metrics.Service
	ids        IDGenerator
	meter      metric.Meter
	latchMode  latch.Mode

	// rw is the engine lock.
	rw sync.RWMutex

	passes  atomic.Pointer[sync.Pool]
	threads *threading.Service[*Pass]

	// mu guards the statement and window registries. Writers also hold rw
	// exclusively; readers on the processing path rely on rw alone.
	mu              sync.Mutex
	statements      map[string]*Statement
	windows         map[string]*Window
	nextStatementID int

	unmatched   atomic.Pointer[UnmatchedListener]
	interceptor atomic.Pointer[Interceptor]

	routedInternal   atomic.Int64
	routedExternal   atomic.Int64
	filterFaultDrops atomic.Int64

	initialized bool
	destroyed   atomic.Bool
	clockCancel context.CancelFunc
	clockDone   chan struct{}
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) { r.logger = l }
}

// WithTypes shares an existing event type registry.
func WithTypes(t *event.Registry) Option {
	return func(r *Runtime) { r.types = t }
}

// WithFilterService replaces the filter matching service.
func WithFilterService(f filter.Service) Option {
	return func(r *Runtime) { r.filters = f }
}

// WithJournal records statement failures to an incident journal.
func WithJournal(j except.Journal) Option {
	return func(r *Runtime) { r.exceptions.SetJournal(j) }
}

// WithMeter records statement metrics on meter instead of the global
// meter provider.
func WithMeter(m metric.Meter) Option {
	return func(r *Runtime) { r.meter = m }
}

// WithIDGenerator sets the deployment id generator.
// Default: UUIDv7Generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(r *Runtime) { r.ids = g }
}

// New creates and initializes a runtime.
func New(cfg config.Config, opts ...Option) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mode, err := latch.ParseMode(cfg.Execution.LatchMode)
	if err != nil {
		return nil, err
	}

	start := cfg.Time.Start
	if !cfg.Time.External {
		start = time.Now().UnixMilli()
	}

	r := &Runtime{
		cfg:        cfg,
		logger:     slog.Default(),
		types:      event.NewRegistry(),
		filters:    filter.NewIndexService(),
		schedules:  schedule.NewService(start),
		variables:  variable.NewService(),
		tables:     table.NewRegistry(),
		exceptions: except.NewService(nil),
		ids:        UUIDv7Generator{},
		latchMode:  mode,
		statements: make(map[string]*Statement),
		windows:    make(map[string]*Window),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.exceptions.SetLogger(r.logger)

	r.metrics, err = metrics.NewService(r.meter)
	if err != nil {
		return nil, err
	}

	r.Initialize()
	return r, nil
}

// Initialize allocates the pass pool, starts the worker pools enabled in the
// configuration and, for an internal clock, the clock goroutine. Calling it
// again is a no-op.
func (r *Runtime) Initialize() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialized || r.destroyed.Load() {
		return
	}
	r.initialized = true
	r.passes.Store(r.newPassPool())

	r.threads = threading.NewService(context.Background(), threading.Config{
		Inbound:  r.cfg.Threading.InboundWorkers,
		Route:    r.cfg.Threading.RouteWorkers,
		Timer:    r.cfg.Threading.TimerWorkers,
		Capacity: r.cfg.Threading.QueueCapacity,
	}, func(pool string) *Pass {
		p := r.newPass()
		p.worker = pool
		return p
	})

	if !r.cfg.Time.External {
		ctx, cancel := context.WithCancel(context.Background())
		r.clockCancel = cancel
		r.clockDone = make(chan struct{})
		go r.runClock(ctx, r.cfg.Time.Resolution)
	}

	r.logger.Debug("runtime initialized",
		"prioritized", r.cfg.Execution.Prioritized,
		"external_clock", r.cfg.Time.External,
		"inbound_workers", r.cfg.Threading.InboundWorkers,
		"route_workers", r.cfg.Threading.RouteWorkers,
		"timer_workers", r.cfg.Threading.TimerWorkers)
}

func (r *Runtime) newPassPool() *sync.Pool {
	return &sync.Pool{New: func() any { return r.newPass() }}
}

// ClearCaches drops every pooled pass so scratch buffers are reallocated.
func (r *Runtime) ClearCaches() {
	if r.destroyed.Load() {
		return
	}
	r.passes.Store(r.newPassPool())
}

// Destroy stops the clock and the worker pools, undeploys every statement
// and releases pooled passes. The runtime cannot be used afterwards.
func (r *Runtime) Destroy() error {
	if !r.destroyed.CompareAndSwap(false, true) {
		return nil
	}

	if r.clockCancel != nil {
		r.clockCancel()
		<-r.clockDone
	}

	var err error
	if r.threads != nil {
		err = r.threads.Close()
	}

	r.rw.Lock()
	defer r.rw.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	for name, st := range r.statements {
		st.handle.Destroy()
		delete(r.statements, name)
	}
	r.windows = make(map[string]*Window)
	r.filters.Destroy()
	r.schedules.Clear()
	r.passes.Store(nil)
	r.unmatched.Store(nil)
	r.interceptor.Store(nil)

	r.logger.Debug("runtime destroyed")
	return err
}

// IsDestroyed reports whether Destroy was called.
func (r *Runtime) IsDestroyed() bool { return r.destroyed.Load() }

// Config returns the configuration the runtime was created with.
func (r *Runtime) Config() config.Config { return r.cfg }

// Types returns the event type registry.
func (r *Runtime) Types() *event.Registry { return r.types }

// Variables returns the variable service.
func (r *Runtime) Variables() *variable.Service { return r.variables }

// Tables returns the table registry.
func (r *Runtime) Tables() *table.Registry { return r.tables }

// Exceptions returns the exception-handling service.
func (r *Runtime) Exceptions() *except.Service { return r.exceptions }

// Metrics returns the statement metrics service.
func (r *Runtime) Metrics() *metrics.Service { return r.metrics }

// SetUnmatchedListener registers the listener for events matching no
// statement; nil removes it.
func (r *Runtime) SetUnmatchedListener(l UnmatchedListener) {
	if l == nil {
		r.unmatched.Store(nil)
		return
	}
	r.unmatched.Store(&l)
}

// SetInterceptor registers the pre-processing hook; nil removes it.
func (r *Runtime) SetInterceptor(i Interceptor) {
	if i == nil {
		r.interceptor.Store(nil)
		return
	}
	r.interceptor.Store(&i)
}

// RoutedInternal returns the number of insert-into routes.
func (r *Runtime) RoutedInternal() int64 { return r.routedInternal.Load() }

// RoutedExternal returns the number of route-API calls.
func (r *Runtime) RoutedExternal() int64 { return r.routedExternal.Load() }

// NumEventsEvaluated returns the number of filter evaluations.
func (r *Runtime) NumEventsEvaluated() int64 { return r.filters.NumEventsEvaluated() }

// FilterFaultDrops returns how many event and statement pairs were dropped
// after exhausting filter-fault re-evaluation.
func (r *Runtime) FilterFaultDrops() int64 { return r.filterFaultDrops.Load() }

// ResetStats zeroes every counter.
func (r *Runtime) ResetStats() {
	r.routedInternal.Store(0)
	r.routedExternal.Store(0)
	r.filterFaultDrops.Store(0)
	r.filters.ResetStats()
	r.metrics.Reset()
}

// Quiesce waits until the worker pools have no queued or running work.
// Without worker pools it returns immediately.
func (r *Runtime) Quiesce(ctx context.Context) error {
	if r.threads == nil {
		return nil
	}
	return r.threads.Quiesce(ctx)
}
