package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/cepcore/internal/except"
	"github.com/roach88/cepcore/internal/statement"
	"github.com/roach88/cepcore/internal/threading"
)

// CurrentTime returns the engine time in milliseconds.
func (r *Runtime) CurrentTime() int64 { return r.schedules.Time() }

// NextScheduledTime returns the time of the earliest scheduled callback.
func (r *Runtime) NextScheduledTime() (int64, bool) { return r.schedules.NearestTime() }

// AdvanceTime sets the external clock to t, executes every callback due at
// or before t, flushes listeners and drains the work queue.
func (r *Runtime) AdvanceTime(t int64) error {
	if err := r.checkTimeControl(t); err != nil {
		return err
	}
	p, err := r.acquirePass()
	if err != nil {
		return err
	}
	defer r.releasePass(p)
	return r.advance(p, t)
}

// AdvanceTimeSpan moves the external clock to target in steps, running the
// full evaluate, dispatch and drain cycle at every step. With a positive
// resolution every step is resolution milliseconds; otherwise each step goes
// to the next scheduled time. Steps never overshoot target.
func (r *Runtime) AdvanceTimeSpan(target, resolution int64) error {
	if err := r.checkTimeControl(target); err != nil {
		return err
	}
	p, err := r.acquirePass()
	if err != nil {
		return err
	}
	defer r.releasePass(p)

	current := r.schedules.Time()
	for current < target {
		next := target
		if resolution > 0 {
			next = current + resolution
		} else if nearest, ok := r.schedules.NearestTime(); ok && nearest < target {
			// Callbacks scheduled at or before current while the last step
			// ran fire at current before the clock moves on.
			next = max(nearest, current)
		}
		current = min(next, target)
		if err := r.advance(p, current); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) checkTimeControl(t int64) error {
	if r.destroyed.Load() {
		return errDestroyed
	}
	if !r.cfg.Time.External {
		return &RuntimeError{Code: ErrCodeTimeControl, Message: "time is advanced by the runtime", Err: ErrInternalClock}
	}
	if now := r.schedules.Time(); t < now {
		return &RuntimeError{Code: ErrCodeTimeControl, Message: fmt.Sprintf("cannot move time backwards from %d to %d", now, t)}
	}
	return nil
}

func (r *Runtime) advance(p *Pass, t int64) (err error) {
	defer p.recoverFailure("", &err)

	r.schedules.SetTime(t)
	r.processSchedule(p, t)
	p.dispatch()
	r.processThreadWorkQueue(p)
	return nil
}

// processSchedule evaluates due callbacks and executes them under one
// acquisition of the shared engine lock.
func (r *Runtime) processSchedule(p *Pass, t int64) {
	r.withReadLock(func() {
		p.due = r.schedules.Evaluate(t, p.due[:0])
		if len(p.due) > 0 {
			r.processScheduleHandles(p)
		}
	})
	clear(p.due)
	p.due = p.due[:0]
}

// processScheduleHandles mirrors processMatches for due schedule callbacks.
func (r *Runtime) processScheduleHandles(p *Pass) {
	if len(p.due) == 1 {
		d := p.due[0]
		if r.timerThreading(p) {
			r.submitTimerSingle(d.Handle, d.Callback)
		} else {
			r.processStatementScheduleSingle(p, d.Handle, d.Callback)
		}
		return
	}

	prioritized := r.cfg.Execution.Prioritized
	for _, d := range p.due {
		h := d.Handle
		if h.CanSelfJoin || prioritized {
			p.scheduleBatches.add(h, d.Callback)
			continue
		}
		if r.timerThreading(p) {
			r.submitTimerSingle(h, d.Callback)
		} else {
			r.processStatementScheduleSingle(p, h, d.Callback)
		}
	}

	if p.scheduleBatches.empty() {
		return
	}
	if prioritized {
		p.scheduleBatches.sortByPriority()
	}

	batches := p.scheduleBatches.take()
	defer p.scheduleBatches.recycle(batches)

	preempted := false
	preemptPriority := 0
	for _, b := range batches {
		h := b.handle
		if preempted && h.Priority < preemptPriority {
			break
		}

		callbacks := b.callbacks(nil)
		if r.timerThreading(p) {
			r.submitTimerMultiple(h, callbacks)
		} else {
			r.processStatementScheduleMultiple(p, h, callbacks)
		}

		if prioritized && h.Preemptive && !preempted {
			preempted = true
			preemptPriority = h.Priority
		}
	}
}

func (r *Runtime) processStatementScheduleSingle(p *Pass, h *statement.AgentInstanceHandle, cb statement.ScheduleCallback) {
	r.processStatementScheduleMultiple(p, h, []statement.ScheduleCallback{cb})
}

// processStatementScheduleMultiple fires the callbacks of one statement
// under its write lock, then runs its internal dispatch once.
func (r *Runtime) processStatementScheduleMultiple(p *Pass, h *statement.AgentInstanceHandle, callbacks []statement.ScheduleCallback) {
	start := time.Now()

	h.Lock.Lock()
	defer func() {
		p.tables.ReleaseAll()
		h.Lock.Unlock()
		if h.MetricsEnabled {
			r.metrics.AccountTime(h, time.Since(start), 0)
		}
	}()

	if h.IsDestroyed() {
		return
	}
	if h.HasVariables {
		p.varVersion = r.variables.Version()
	}

	err := invoke(func() error {
		for _, cb := range callbacks {
			if err := cb.ScheduledTrigger(p); err != nil {
				return err
			}
		}
		if h.Dispatcher != nil {
			return h.Dispatcher.InternalDispatch(p)
		}
		return nil
	})
	if err != nil {
		r.exceptions.Handle(err, h, except.TypeProcess, nil)
	}
}

// timerThreading reports whether schedule callbacks for p go to the timer
// pool. A timer worker advancing time runs them inline.
func (r *Runtime) timerThreading(p *Pass) bool {
	return r.threads != nil && r.threads.Timer != nil && p.worker != threading.PoolTimer
}

func (r *Runtime) submitTimerSingle(h *statement.AgentInstanceHandle, cb statement.ScheduleCallback) {
	r.submitTimerMultiple(h, []statement.ScheduleCallback{cb})
}

func (r *Runtime) submitTimerMultiple(h *statement.AgentInstanceHandle, callbacks []statement.ScheduleCallback) {
	err := r.threads.Timer.Submit(func(w *Pass) {
		var err error
		func() {
			defer w.recoverFailure("", &err)
			r.withReadLock(func() {
				r.processStatementScheduleMultiple(w, h, callbacks)
			})
			w.dispatch()
			r.processThreadWorkQueue(w)
		}()
		if err != nil {
			r.logger.Error("timer unit failed", "statement", h.StatementName, "error", err)
		}
	})
	if err != nil {
		r.logger.Warn("timer pool rejected work", "statement", h.StatementName, "error", err)
	}
}

// runClock drives time from the wall clock when the runtime owns its clock.
func (r *Runtime) runClock(ctx context.Context, resolution time.Duration) {
	defer close(r.clockDone)

	ticker := time.NewTicker(resolution)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			p, err := r.acquirePass()
			if err != nil {
				return
			}
			if err := r.advance(p, now.UnixMilli()); err != nil {
				r.logger.Error("clock tick failed", "error", err)
			}
			r.releasePass(p)
		}
	}
}
