package runtime

import (
	"fmt"
	"time"

	"github.com/roach88/cepcore/internal/event"
	"github.com/roach88/cepcore/internal/except"
	"github.com/roach88/cepcore/internal/filter"
	"github.com/roach88/cepcore/internal/statement"
	"github.com/roach88/cepcore/internal/threading"
)

// step is the outcome of one locked execution attempt.
//
//	Matched -> VersionCheck -> {Proceed | Refault(count)} -> Terminal
type step int

const (
	stepExecuted step = iota
	stepSkipped
	stepRefault
)

// ProcessWrappedEvent processes an already constructed event on the calling
// goroutine, or hands it to the inbound pool when one is configured.
func (r *Runtime) ProcessWrappedEvent(ev event.Event) error {
	if ev == nil {
		return newInvalidInput("", "event is nil")
	}
	if r.destroyed.Load() {
		return errDestroyed
	}

	if r.threads != nil && r.threads.Inbound != nil {
		err := r.threads.Inbound.Submit(func(w *Pass) {
			if err := r.processWrappedEvent(w, ev); err != nil {
				r.logger.Error("inbound event failed", "event_type", ev.Type().Name, "error", err)
			}
		})
		if err != nil {
			return &RuntimeError{Code: ErrCodeDestroyed, Message: "inbound pool closed", EventType: ev.Type().Name, Err: err}
		}
		return nil
	}

	p, err := r.acquirePass()
	if err != nil {
		return err
	}
	defer r.releasePass(p)
	return r.processWrappedEvent(p, ev)
}

// processWrappedEvent is the main event path of one pass: interception,
// matching under the shared engine lock, listener dispatch, then the
// work-queue drain.
func (r *Runtime) processWrappedEvent(p *Pass, ev event.Event) (err error) {
	if ic := r.interceptor.Load(); ic != nil && !(*ic)(ev) {
		return nil
	}

	defer p.recoverFailure(ev.Type().Name, &err)

	r.processMatchesLocked(p, ev)
	p.dispatch()
	r.processThreadWorkQueue(p)
	return nil
}

func (r *Runtime) processMatchesLocked(p *Pass, ev event.Event) {
	r.rw.RLock()
	defer r.rw.RUnlock()
	r.processMatches(p, ev)
}

// processMatches evaluates filters for ev and executes the matching
// statements. The caller holds the engine lock shared.
func (r *Runtime) processMatches(p *Pass, ev event.Event) {
	var version int64
	p.matches, version = r.filters.Evaluate(ev, p.matches[:0])

	if len(p.matches) == 0 {
		if l := r.unmatched.Load(); l != nil {
			// The listener is user code that may deploy statements, which
			// needs the engine lock exclusively.
			r.rw.RUnlock()
			r.callUnmatched(p, *l, ev)
			r.rw.RLock()
		}
		return
	}

	prioritized := r.cfg.Execution.Prioritized
	for i, m := range p.matches {
		p.matches[i] = filter.Match{}
		h := m.Handle

		// Self-joins need every stream evaluated before the internal
		// dispatch; prioritized execution needs the full match set first.
		if h.CanSelfJoin || prioritized {
			p.filterBatches.add(h, m.Callback)
			continue
		}

		switch {
		case r.routeThreading(p):
			r.submitRouteSingle(h, m.Callback, ev, version)
		case h.MetricsEnabled:
			start := time.Now()
			r.processStatementFilterSingle(p, h, m.Callback, ev, version, 0)
			r.metrics.AccountTime(h, time.Since(start), 1)
		default:
			r.processStatementFilterSingle(p, h, m.Callback, ev, version, 0)
		}
	}
	p.matches = p.matches[:0]

	if p.filterBatches.empty() {
		return
	}
	if prioritized {
		p.filterBatches.sortByPriority()
	}

	batches := p.filterBatches.take()
	defer p.filterBatches.recycle(batches)

	preempted := false
	preemptPriority := 0
	for _, b := range batches {
		h := b.handle
		if preempted && h.Priority < preemptPriority {
			break
		}

		if r.routeThreading(p) {
			r.submitRouteMultiple(h, b.callbacks(nil), ev, version)
		} else {
			start := time.Now()
			if b.n == 1 {
				r.processStatementFilterSingle(p, h, b.single, ev, version, 0)
			} else {
				p.filterScratch = b.callbacks(p.filterScratch[:0])
				callbacks := append([]statement.FilterCallback(nil), p.filterScratch...)
				clear(p.filterScratch)
				r.processStatementFilterMultiple(p, h, callbacks, ev, version, 0)
			}
			if h.MetricsEnabled {
				r.metrics.AccountTime(h, time.Since(start), b.n)
			}
		}

		if prioritized && h.Preemptive && !preempted {
			preempted = true
			preemptPriority = h.Priority
		}
	}
}

func (r *Runtime) callUnmatched(p *Pass, l UnmatchedListener, ev event.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("unmatched listener panic: %v", rec)
			r.exceptions.Handle(err, nil, except.TypeUnmatched, ev)
		}
	}()
	l(p, ev)
}

// processStatementFilterSingle executes one matched callback, re-evaluating
// the statement's filters if they changed since the match was computed.
func (r *Runtime) processStatementFilterSingle(p *Pass, h *statement.AgentInstanceHandle, cb statement.FilterCallback, ev event.Event, version int64, faults int) {
	if r.executeSingle(p, h, cb, ev, version) == stepRefault {
		r.handleFilterFault(p, h, ev, faults+1)
	}
}

// processStatementFilterMultiple executes several matches of one statement
// as one delivery through the statement's multi-match handler.
func (r *Runtime) processStatementFilterMultiple(p *Pass, h *statement.AgentInstanceHandle, callbacks []statement.FilterCallback, ev event.Event, version int64, faults int) {
	if r.executeMultiple(p, h, callbacks, ev, version) == stepRefault {
		r.handleFilterFault(p, h, ev, faults+1)
	}
}

func (r *Runtime) executeSingle(p *Pass, h *statement.AgentInstanceHandle, cb statement.FilterCallback, ev event.Event, version int64) step {
	return r.executeLocked(p, h, ev, version, func() error {
		return cb.MatchFound(p, ev)
	})
}

func (r *Runtime) executeMultiple(p *Pass, h *statement.AgentInstanceHandle, callbacks []statement.FilterCallback, ev event.Event, version int64) step {
	return r.executeLocked(p, h, ev, version, func() error {
		handler := h.MultiMatchHandler
		if handler == nil {
			handler = statement.InOrderMultiMatch{}
		}
		return handler.Handle(p, callbacks, ev)
	})
}

// executeLocked runs body under the statement write lock after the filter
// version check, followed by the statement's internal dispatch. Table locks
// are released before the statement lock, also when body fails.
func (r *Runtime) executeLocked(p *Pass, h *statement.AgentInstanceHandle, ev event.Event, version int64, body func() error) step {
	h.Lock.Lock()
	defer func() {
		p.tables.ReleaseAll()
		h.Lock.Unlock()
	}()

	if h.IsDestroyed() {
		return stepSkipped
	}
	if h.HasVariables {
		p.varVersion = r.variables.Version()
	}

	if !h.FilterVersion.IsCurrent(version) {
		if ffh := h.FilterFaultHandler; ffh != nil && ffh.HandleFilterFault(ev, version) {
			return stepSkipped
		}
		return stepRefault
	}

	err := invoke(func() error {
		if err := body(); err != nil {
			return err
		}
		if h.Dispatcher != nil {
			return h.Dispatcher.InternalDispatch(p)
		}
		return nil
	})
	if err != nil {
		r.exceptions.Handle(err, h, except.TypeProcess, ev)
	}
	return stepExecuted
}

// handleFilterFault re-evaluates ev against the current filters of the
// faulting statement only and executes the fresh matches. After
// MaxFilterFaults attempts the event is dropped for that statement.
func (r *Runtime) handleFilterFault(p *Pass, faulting *statement.AgentInstanceHandle, ev event.Event, faults int) {
	if faults > r.cfg.Execution.MaxFilterFaults {
		r.filterFaultDrops.Add(1)
		r.logger.Warn("event dropped after repeated filter faults",
			"statement", faulting.StatementName,
			"event_type", ev.Type().Name,
			"faults", faults-1)
		r.exceptions.Handle(fmt.Errorf("filter changed %d times during delivery", faults-1), faulting, except.TypeFilterFault, ev)
		return
	}

	matches, version := r.filters.EvaluateStatement(ev, nil, faulting.StatementID)
	switch len(matches) {
	case 0:
		return
	case 1:
		r.processStatementFilterSingle(p, matches[0].Handle, matches[0].Callback, ev, version, faults)
	default:
		callbacks := make([]statement.FilterCallback, len(matches))
		for i, m := range matches {
			callbacks[i] = m.Callback
		}
		r.processStatementFilterMultiple(p, faulting, callbacks, ev, version, faults)
	}
}

// invoke runs statement code, converting a panic into an error.
func invoke(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			if e, ok := rec.(error); ok {
				err = fmt.Errorf("statement panic: %w", e)
				return
			}
			err = fmt.Errorf("statement panic: %v", rec)
		}
	}()
	return fn()
}

// routeThreading reports whether statement execution for p goes to the
// route pool. A route worker executes its own follow-on work inline.
func (r *Runtime) routeThreading(p *Pass) bool {
	return r.threads != nil && r.threads.Route != nil && p.worker != threading.PoolRoute
}

// submitRouteSingle hands one statement execution to the route pool. The
// worker executes it, then flushes its own dispatches and work queue.
func (r *Runtime) submitRouteSingle(h *statement.AgentInstanceHandle, cb statement.FilterCallback, ev event.Event, version int64) {
	r.submitRoute(h, ev, func(w *Pass) {
		r.timed(h, 1, func() {
			r.withReadLock(func() {
				r.processStatementFilterSingle(w, h, cb, ev, version, 0)
			})
		})
	})
}

func (r *Runtime) submitRouteMultiple(h *statement.AgentInstanceHandle, callbacks []statement.FilterCallback, ev event.Event, version int64) {
	r.submitRoute(h, ev, func(w *Pass) {
		r.timed(h, len(callbacks), func() {
			r.withReadLock(func() {
				if len(callbacks) == 1 {
					r.processStatementFilterSingle(w, h, callbacks[0], ev, version, 0)
					return
				}
				r.processStatementFilterMultiple(w, h, callbacks, ev, version, 0)
			})
		})
	})
}

// timed runs fn and accounts its wall time when h has metrics enabled.
func (r *Runtime) timed(h *statement.AgentInstanceHandle, numInput int, fn func()) {
	if !h.MetricsEnabled {
		fn()
		return
	}
	start := time.Now()
	defer func() { r.metrics.AccountTime(h, time.Since(start), numInput) }()
	fn()
}

func (r *Runtime) submitRoute(h *statement.AgentInstanceHandle, ev event.Event, unit func(w *Pass)) {
	err := r.threads.Route.Submit(func(w *Pass) {
		var err error
		func() {
			defer w.recoverFailure(ev.Type().Name, &err)
			unit(w)
			w.dispatch()
			r.processThreadWorkQueue(w)
		}()
		if err != nil {
			r.logger.Error("route unit failed", "statement", h.StatementName, "error", err)
		}
	})
	if err != nil {
		r.logger.Warn("route pool rejected work", "statement", h.StatementName, "error", err)
	}
}
