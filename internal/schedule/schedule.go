// Package schedule implements the scheduling service: a time-ordered set of
// callbacks that the engine evaluates whenever its clock moves.
package schedule

import (
	"container/heap"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/roach88/cepcore/internal/statement"
)

// ErrPastTime is returned when a callback is scheduled before the current time.
var ErrPastTime = errors.New("cannot schedule in the past")

// Slot identifies one scheduled callback.
type Slot int64

// Due is a callback whose time has been reached.
type Due struct {
	Slot     Slot
	Time     int64
	Handle   *statement.AgentInstanceHandle
	Callback statement.ScheduleCallback
}

type entry struct {
	slot   Slot
	at     int64
	seq    int64
	handle *statement.AgentInstanceHandle
	cb     statement.ScheduleCallback

	// Re-arming: a fixed period in milliseconds, or a cron expression.
	period int64
	cron   string

	index int
}

// Service is a heap of scheduled callbacks.
// Thread-safety: all methods are safe for concurrent use.
type Service struct {
	mu     sync.Mutex
	heap   entryHeap
	slots  map[Slot]*entry
	now    int64
	seq    int64
	nextID Slot
}

// NewService creates a scheduling service with its clock at start.
func NewService(start int64) *Service {
	return &Service{slots: make(map[Slot]*entry), now: start}
}

// Time returns the current time in milliseconds.
func (s *Service) Time() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// SetTime moves the clock. The engine never moves it backwards.
func (s *Service) SetTime(t int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = t
}

// Add schedules cb to fire delta milliseconds after the current time.
func (s *Service) Add(h *statement.AgentInstanceHandle, cb statement.ScheduleCallback, delta int64) (Slot, error) {
	if delta < 0 {
		return 0, fmt.Errorf("%w: delta %d", ErrPastTime, delta)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.push(&entry{at: s.now + delta, handle: h, cb: cb}), nil
}

// AddAt schedules cb to fire at an absolute time.
func (s *Service) AddAt(h *statement.AgentInstanceHandle, cb statement.ScheduleCallback, at int64) (Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if at < s.now {
		return 0, fmt.Errorf("%w: %d < %d", ErrPastTime, at, s.now)
	}
	return s.push(&entry{at: at, handle: h, cb: cb}), nil
}

// AddPeriodic schedules cb every period milliseconds, first firing one
// period from now.
func (s *Service) AddPeriodic(h *statement.AgentInstanceHandle, cb statement.ScheduleCallback, period int64) (Slot, error) {
	if period <= 0 {
		return 0, fmt.Errorf("period must be positive, got %d", period)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.push(&entry{at: s.now + period, handle: h, cb: cb, period: period}), nil
}

// AddCron schedules cb at every tick of a cron expression, evaluated in UTC
// against engine time.
func (s *Service) AddCron(h *statement.AgentInstanceHandle, cb statement.ScheduleCallback, expr string) (Slot, error) {
	if !gronx.New().IsValid(expr) {
		return 0, fmt.Errorf("invalid cron expression %q", expr)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	at, err := nextCron(expr, s.now)
	if err != nil {
		return 0, err
	}
	return s.push(&entry{at: at, handle: h, cb: cb, cron: expr}), nil
}

func nextCron(expr string, after int64) (int64, error) {
	next, err := gronx.NextTickAfter(expr, time.UnixMilli(after).UTC(), false)
	if err != nil {
		return 0, fmt.Errorf("cron %q: %w", expr, err)
	}
	return next.UnixMilli(), nil
}

func (s *Service) push(e *entry) Slot {
	s.nextID++
	s.seq++
	e.slot = s.nextID
	e.seq = s.seq
	s.slots[e.slot] = e
	heap.Push(&s.heap, e)
	return e.slot
}

// Remove cancels a scheduled callback. Unknown slots are ignored.
func (s *Service) Remove(slot Slot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remove(slot)
}

func (s *Service) remove(slot Slot) {
	e, ok := s.slots[slot]
	if !ok {
		return
	}
	delete(s.slots, slot)
	if e.index >= 0 {
		heap.Remove(&s.heap, e.index)
	}
}

// RemoveStatement cancels every callback owned by a statement.
func (s *Service) RemoveStatement(statementID int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for slot, e := range s.slots {
		if e.handle != nil && e.handle.StatementID == statementID {
			s.remove(slot)
		}
	}
}

// Evaluate removes every callback due at or before now and appends it to
// buf in non-decreasing time order, insertion order among equal times.
// Periodic and cron callbacks are re-armed and fire once per elapsed tick.
func (s *Service) Evaluate(now int64, buf []Due) []Due {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.heap) > 0 && s.heap[0].at <= now {
		e := heap.Pop(&s.heap).(*entry)
		buf = append(buf, Due{Slot: e.slot, Time: e.at, Handle: e.handle, Callback: e.cb})

		switch {
		case e.period > 0:
			e.at += e.period
		case e.cron != "":
			next, err := nextCron(e.cron, e.at)
			if err != nil {
				delete(s.slots, e.slot)
				continue
			}
			e.at = next
		default:
			delete(s.slots, e.slot)
			continue
		}
		s.seq++
		e.seq = s.seq
		heap.Push(&s.heap, e)
	}
	return buf
}

// NearestTime returns the time of the earliest scheduled callback.
func (s *Service) NearestTime() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.heap) == 0 {
		return 0, false
	}
	return s.heap[0].at, true
}

// Len returns the number of scheduled callbacks.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.heap)
}

// Clear cancels everything.
func (s *Service) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heap = nil
	s.slots = make(map[Slot]*entry)
}
