// Package threading provides the optional worker pools the engine can hand
// inbound events, statement routing and timer execution to.
//
// Each worker owns a state value created once when the worker starts; the
// engine uses it for the per-worker pass context so workers never share
// scratch buffers.
package threading

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"golang.org/x/sync/errgroup"
)

// ErrPoolClosed is returned when submitting to a closed pool.
var ErrPoolClosed = errors.New("worker pool closed")

// Pool runs tasks on a fixed set of workers. W is the per-worker state.
//
// Submit never blocks. The backlog is an unbounded FIFO; capacity is the
// backlog size above which the pool logs a warning.
type Pool[W any] struct {
	name     string
	capacity int

	mu       sync.Mutex
	ready    *sync.Cond
	backlog  *queue.Queue
	closed   bool
	overflow bool

	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
	stop   func() bool

	inflight  atomic.Int64
	submitted atomic.Int64
	completed atomic.Int64
}

// NewPool starts workers goroutines, each with its own state from newState.
func NewPool[W any](ctx context.Context, name string, workers, capacity int, newState func() W) *Pool[W] {
	if workers <= 0 {
		workers = 1
	}
	if capacity <= 0 {
		capacity = workers * 4
	}

	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	p := &Pool[W]{
		name:     name,
		capacity: capacity,
		backlog:  queue.New(),
		group:    g,
		ctx:      ctx,
		cancel:   cancel,
	}
	p.ready = sync.NewCond(&p.mu)
	// Wake idle workers when the parent context ends.
	p.stop = context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.ready.Broadcast()
		p.mu.Unlock()
	})

	for i := 0; i < workers; i++ {
		g.Go(func() error {
			state := newState()
			for {
				task, err := p.next()
				if err != nil || task == nil {
					return err
				}
				p.run(state, task)
			}
		})
	}
	return p
}

// next blocks until a task is queued. It returns nil once the pool is
// closed and the backlog is empty.
func (p *Pool[W]) next() (func(W), error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.backlog.Length() == 0 {
		if err := p.ctx.Err(); err != nil {
			return nil, err
		}
		if p.closed {
			return nil, nil
		}
		p.ready.Wait()
	}
	task := p.backlog.Remove().(func(W))
	if p.overflow && p.backlog.Length() <= p.capacity {
		p.overflow = false
	}
	return task, nil
}

func (p *Pool[W]) run(state W, task func(W)) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("worker task panicked", "pool", p.name, "panic", fmt.Sprint(r))
		}
		p.completed.Add(1)
		p.inflight.Add(-1)
	}()
	task(state)
}

// Submit queues a task without blocking. Thread-safe: may be called from any
// goroutine, including from inside another task of this pool.
func (p *Pool[W]) Submit(task func(W)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}
	p.inflight.Add(1)
	p.submitted.Add(1)
	p.backlog.Add(task)
	if !p.overflow && p.backlog.Length() > p.capacity {
		p.overflow = true
		slog.Warn("worker pool backlog above capacity", "pool", p.name, "capacity", p.capacity)
	}
	p.ready.Signal()
	return nil
}

// Backlog returns the number of queued tasks not yet picked up by a worker.
func (p *Pool[W]) Backlog() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.backlog.Length()
}

// Idle reports whether no task is queued or running.
func (p *Pool[W]) Idle() bool { return p.inflight.Load() == 0 }

// Stats returns the submitted and completed task counts.
func (p *Pool[W]) Stats() (submitted, completed int64) {
	return p.submitted.Load(), p.completed.Load()
}

// Close stops accepting tasks, lets workers finish what is queued and
// waits for them. Tasks submitted by running tasks after Close are rejected
// with ErrPoolClosed.
func (p *Pool[W]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.ready.Broadcast()
	p.mu.Unlock()

	err := p.group.Wait()
	p.stop()
	p.cancel()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Config sizes the pools of a Service. A zero worker count leaves that
// offload point disabled and its work runs on the calling goroutine.
type Config struct {
	Inbound  int
	Route    int
	Timer    int
	Capacity int
}

// Service bundles the inbound, route and timer pools.
type Service[W any] struct {
	Inbound *Pool[W]
	Route   *Pool[W]
	Timer   *Pool[W]
}

// Pool names passed to the state constructor of a Service.
const (
	PoolInbound = "inbound"
	PoolRoute   = "route"
	PoolTimer   = "timer"
)

// NewService starts the pools enabled in cfg. newState receives the name of
// the pool the worker belongs to.
func NewService[W any](ctx context.Context, cfg Config, newState func(pool string) W) *Service[W] {
	s := &Service[W]{}
	start := func(name string, workers int) *Pool[W] {
		return NewPool(ctx, name, workers, cfg.Capacity, func() W { return newState(name) })
	}
	if cfg.Inbound > 0 {
		s.Inbound = start(PoolInbound, cfg.Inbound)
	}
	if cfg.Route > 0 {
		s.Route = start(PoolRoute, cfg.Route)
	}
	if cfg.Timer > 0 {
		s.Timer = start(PoolTimer, cfg.Timer)
	}
	return s
}

// Idle reports whether every enabled pool is idle.
func (s *Service[W]) Idle() bool {
	for _, p := range s.pools() {
		if !p.Idle() {
			return false
		}
	}
	return true
}

// Quiesce waits until every pool is idle or ctx is done. Tasks may submit
// further tasks to other pools, so idleness is re-checked until stable.
func (s *Service[W]) Quiesce(ctx context.Context) error {
	backoff := 50 * time.Microsecond
	for {
		if s.Idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 5*time.Millisecond {
			backoff *= 2
		}
	}
}

// Close closes every enabled pool.
func (s *Service[W]) Close() error {
	var errs []error
	for _, p := range s.pools() {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Service[W]) pools() []*Pool[W] {
	var out []*Pool[W]
	for _, p := range []*Pool[W]{s.Inbound, s.Route, s.Timer} {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}
