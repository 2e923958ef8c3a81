package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/roach88/cepcore/internal/compiler"
	"github.com/roach88/cepcore/internal/config"
	"github.com/roach88/cepcore/internal/event"
	"github.com/roach88/cepcore/internal/except"
	"github.com/roach88/cepcore/internal/runtime"
)

// quiesceTimeout bounds the wait for worker pools after each step.
const quiesceTimeout = 5 * time.Second

// Option configures a scenario run.
type Option func(*Harness)

// WithConfig sets the base configuration the scenario overrides apply to.
func WithConfig(cfg config.Config) Option {
	return func(h *Harness) { h.base = cfg }
}

// WithJournal persists incidents reported during the run.
func WithJournal(j except.Journal) Option {
	return func(h *Harness) { h.journal = j }
}

// WithLogger sets the runtime logger. Logs are discarded by default.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// Harness runs one scenario against a fresh runtime.
type Harness struct {
	base    config.Config
	journal except.Journal
	logger  *slog.Logger

	mu        sync.Mutex
	seq       int64
	trace     []TraceEvent
	incidents []Incident
}

// Run executes a test scenario and returns the result.
//
// Execution flow:
// 1. Build the runtime from the base config plus scenario overrides
// 2. Register event types, compile and deploy statements
// 3. Attach a trace listener to every statement
// 4. Execute steps, waiting for worker pools after each
// 5. Evaluate assertions
//
// Step failures are recorded in the result; setup failures return an error.
func Run(s *Scenario, opts ...Option) (*Result, error) {
	h := &Harness{
		base:   config.Default(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(h)
	}

	cfg := h.base
	if s.Config.Kind != 0 {
		if err := s.Config.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("scenario config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("scenario config: %w", err)
	}

	rt, err := runtime.New(cfg,
		runtime.WithLogger(h.logger),
		runtime.WithIDGenerator(runtime.NewFixedGenerator(s.Name)),
	)
	if err != nil {
		return nil, fmt.Errorf("create runtime: %w", err)
	}
	defer rt.Destroy()

	if h.journal != nil {
		rt.Exceptions().SetJournal(h.journal)
	}
	rt.Exceptions().AddHandler(h.recordIncident)

	if err := h.deploy(rt, s); err != nil {
		return nil, err
	}

	result := NewResult()
	ctx, cancel := context.WithTimeout(context.Background(), quiesceTimeout)
	defer cancel()

	for i, step := range s.Steps {
		if err := runStep(rt, step); err != nil {
			result.AddError(fmt.Sprintf("steps[%d]: %v", i, err))
		}
		if err := rt.Quiesce(ctx); err != nil {
			return nil, fmt.Errorf("steps[%d]: wait for workers: %w", i, err)
		}
	}

	h.mu.Lock()
	result.Trace = append(result.Trace, h.trace...)
	result.Incidents = append(result.Incidents, h.incidents...)
	h.mu.Unlock()

	result.Stats = Stats{
		RoutedInternal:   rt.RoutedInternal(),
		RoutedExternal:   rt.RoutedExternal(),
		EventsEvaluated:  rt.NumEventsEvaluated(),
		FilterFaultDrops: rt.FilterFaultDrops(),
		CurrentTime:      rt.CurrentTime(),
	}

	for _, assertion := range s.Assertions {
		if err := Evaluate(result.Trace, assertion); err != nil {
			result.AddError(err.Error())
		}
	}
	return result, nil
}

func (h *Harness) deploy(rt *runtime.Runtime, s *Scenario) error {
	for _, ts := range s.Types {
		kindName := ts.Kind
		if kindName == "" {
			kindName = "map"
		}
		kind, err := event.ParseKind(kindName)
		if err != nil {
			return fmt.Errorf("type %s: %w", ts.Name, err)
		}
		if _, err := rt.Types().Register(event.Type{Name: ts.Name, Kind: kind, Properties: ts.Properties}); err != nil {
			return fmt.Errorf("type %s: %w", ts.Name, err)
		}
	}

	var sources []compiler.Source
	for _, path := range s.Specs {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read spec: %w", err)
		}
		sources = append(sources, compiler.Source{Name: path, Text: string(data)})
	}
	if s.Statements != "" {
		sources = append(sources, compiler.Source{Name: s.Name + ".cue", Text: s.Statements})
	}

	m, err := compiler.Compile(sources...)
	if err != nil {
		return err
	}
	if errs := compiler.Validate(m, rt.Types().Names()...); len(errs) > 0 {
		return fmt.Errorf("invalid statements: %w", errs[0])
	}
	for _, w := range compiler.AnalyzeCycles(m.Statements) {
		h.logger.Warn("insert-into cycle", "path", w.Path)
	}
	if err := m.Deploy(rt); err != nil {
		return err
	}

	for _, name := range rt.Statements() {
		st, _ := rt.Statement(name)
		st.AddListener(h.record)
	}
	return nil
}

func (h *Harness) record(_ *runtime.Pass, u runtime.Update) {
	te := TraceEvent{
		Statement: u.Statement,
		Time:      u.Time,
		Timer:     u.Timer,
		Streams:   u.Streams,
	}
	if u.Event != nil {
		te.EventType = u.Event.Type().Name
		te.Event = u.Event.Underlying()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	te.Seq = h.seq
	h.trace = append(h.trace, te)
}

func (h *Harness) recordIncident(c except.Context) {
	inc := Incident{
		Type:      string(c.Type),
		Statement: c.StatementName,
		EventType: c.EventType,
	}
	if c.Err != nil {
		inc.Message = c.Err.Error()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.incidents = append(h.incidents, inc)
}

func runStep(rt *runtime.Runtime, step Step) error {
	switch {
	case step.Send != nil:
		send := step.Send
		switch {
		case send.Event != nil:
			return rt.SendEventMap(send.Event, send.Type)
		case send.Array != nil:
			return rt.SendEventObjectArray(send.Array, send.Type)
		default:
			return rt.SendEventJSON(send.JSON, send.Type)
		}
	case step.Advance != nil:
		return rt.AdvanceTime(*step.Advance)
	case step.AdvanceSpan != nil:
		return rt.AdvanceTimeSpan(step.AdvanceSpan.To, step.AdvanceSpan.Resolution)
	}
	return fmt.Errorf("empty step")
}
