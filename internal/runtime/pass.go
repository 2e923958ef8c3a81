package runtime

import (
	"fmt"

	"github.com/roach88/cepcore/internal/event"
	"github.com/roach88/cepcore/internal/except"
	"github.com/roach88/cepcore/internal/filter"
	"github.com/roach88/cepcore/internal/schedule"
	"github.com/roach88/cepcore/internal/statement"
	"github.com/roach88/cepcore/internal/table"
	"github.com/roach88/cepcore/internal/workqueue"
)

// Pass is the execution context of one processing pass: the scratch
// buffers, the work queue and the pending listener and named-window
// deliveries. It implements statement.Unit.
//
// A Pass belongs to one goroutine. Listeners receive the Pass that
// delivered to them and may use its route API.
type Pass struct {
	rt *Runtime

	matches         []filter.Match
	due             []schedule.Due
	filterBatches   batchSet[statement.FilterCallback]
	scheduleBatches batchSet[statement.ScheduleCallback]
	filterScratch   []statement.FilterCallback
	scheduleScratch []statement.ScheduleCallback

	queue      *workqueue.Queue
	dispatches []func()
	windowOut  []func()

	tables     table.LockHolder
	varVersion int64

	// worker names the pool owning this pass, empty for caller passes.
	// Work meant for that pool runs inline on the pass instead.
	worker string
}

var _ statement.Unit = (*Pass)(nil)

func (r *Runtime) newPass() *Pass {
	return &Pass{rt: r, queue: workqueue.New()}
}

// acquirePass borrows a pass for the calling goroutine.
func (r *Runtime) acquirePass() (*Pass, error) {
	pool := r.passes.Load()
	if pool == nil || r.destroyed.Load() {
		return nil, errDestroyed
	}
	return pool.Get().(*Pass), nil
}

func (r *Runtime) releasePass(p *Pass) {
	if pool := r.passes.Load(); pool != nil && p.queue.Len() == 0 {
		pool.Put(p)
	}
}

// Time implements statement.Unit.
func (p *Pass) Time() int64 { return p.rt.schedules.Time() }

// Runtime returns the runtime the pass belongs to.
func (p *Pass) Runtime() *Runtime { return p.rt }

// Route implements statement.Unit. It is the insert-into entry point: the
// event goes to the front queue when addToFront is set, otherwise to the
// back queue. With latching enabled the event is wrapped in a latch from the
// producing statement so concurrent consumers see production order.
func (p *Pass) Route(ev event.Event, h *statement.AgentInstanceHandle, addToFront bool, precedence int) {
	p.rt.routedInternal.Add(1)

	item := workqueue.Item{Event: ev}
	if h != nil {
		factory := h.BackLatches
		if addToFront {
			factory = h.FrontLatches
		}
		if factory != nil {
			item = workqueue.Item{Latch: factory.NewLatch(ev)}
		}
	}
	p.queue.Add(item, addToFront, precedence)
}

// Add implements statement.Unit. The event goes to the back queue with
// default precedence.
func (p *Pass) Add(ev event.Event) {
	p.rt.routedInternal.Add(1)
	p.queue.AddBack(ev)
}

// AddFront implements statement.Unit. The event is processed before any
// queued back item and before control returns to the caller.
func (p *Pass) AddFront(ev event.Event) {
	p.rt.routedInternal.Add(1)
	p.queue.AddFront(workqueue.Item{Event: ev})
}

// Dispatch implements statement.Unit.
func (p *Pass) Dispatch(fn func()) {
	p.dispatches = append(p.dispatches, fn)
}

// DispatchWindow implements statement.Unit.
func (p *Pass) DispatchWindow(fn func()) {
	p.windowOut = append(p.windowOut, fn)
}

// Tables implements statement.Unit.
func (p *Pass) Tables() *table.LockHolder { return &p.tables }

// VariableVersion implements statement.Unit.
func (p *Pass) VariableVersion() int64 { return p.varVersion }

// dispatch flushes queued listener deliveries. Listener failures are
// reported and never propagate.
func (p *Pass) dispatch() {
	for len(p.dispatches) > 0 {
		pending := p.dispatches
		p.dispatches = nil
		for i, fn := range pending {
			pending[i] = nil
			p.runListener(fn)
		}
	}
}

func (p *Pass) runListener(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			p.rt.exceptions.Handle(fmt.Errorf("listener panic: %v", rec), nil, except.TypeListener, nil)
		}
	}()
	fn()
}

// dispatchWindows delivers pending named-window output until none is left.
// It reports whether anything was delivered.
func (p *Pass) dispatchWindows() bool {
	if len(p.windowOut) == 0 {
		return false
	}
	for len(p.windowOut) > 0 {
		pending := p.windowOut
		p.windowOut = nil
		p.rt.withReadLock(func() {
			for i, fn := range pending {
				pending[i] = nil
				fn()
			}
		})
	}
	return true
}

// clearScratch resets every buffer after a failed pass. Latches still in
// the queue are released so other passes do not wait on them.
func (p *Pass) clearScratch() {
	clear(p.matches)
	p.matches = p.matches[:0]
	clear(p.due)
	p.due = p.due[:0]
	p.filterBatches.clear()
	p.scheduleBatches.clear()
	clear(p.filterScratch)
	p.filterScratch = p.filterScratch[:0]
	clear(p.scheduleScratch)
	p.scheduleScratch = p.scheduleScratch[:0]
	p.tables.ReleaseAll()

	for {
		item, ok := p.queue.PollFront()
		if !ok {
			break
		}
		if item.Latch != nil {
			item.Latch.Done()
		}
	}
	for {
		item, ok := p.queue.PollBack()
		if !ok {
			break
		}
		if item.Latch != nil {
			item.Latch.Done()
		}
	}
	p.dispatches = nil
	p.windowOut = nil
}

func (r *Runtime) withReadLock(fn func()) {
	r.rw.RLock()
	defer r.rw.RUnlock()
	fn()
}

// recoverFailure converts a panic escaping the engine loop into an error and
// clears the pass.
func (p *Pass) recoverFailure(typeName string, errp *error) {
	if rec := recover(); rec != nil {
		p.clearScratch()
		*errp = newProcessingError(typeName, rec)
		p.rt.logger.Error("processing pass failed", "event_type", typeName, "error", *errp)
	}
}
