package statement

import (
	"github.com/roach88/cepcore/internal/event"
	"github.com/roach88/cepcore/internal/table"
)

// Unit is the execution context of one processing pass as seen by
// statement code. A Unit is owned by a single goroutine for the duration
// of the pass.
type Unit interface {
	// Time returns the engine time of the pass in milliseconds.
	Time() int64

	// Route hands a derived event to the work queue of the pass.
	// A nil handle routes to the back queue.
	Route(ev event.Event, h *AgentInstanceHandle, addToFront bool, precedence int)

	// Add queues ev to the back of the work queue.
	Add(ev event.Event)

	// AddFront queues ev to the front of the work queue with default
	// precedence, for continuations of the running statement.
	AddFront(ev event.Event)

	// Dispatch queues listener delivery, flushed after the pass.
	Dispatch(fn func())

	// DispatchWindow queues named-window output, delivered by the
	// named-window step of the work-queue drain.
	DispatchWindow(fn func())

	// Tables returns the table lock holder of the pass.
	Tables() *table.LockHolder

	// VariableVersion returns the variable snapshot version taken when the
	// statement lock was acquired.
	VariableVersion() int64
}

// FilterCallback receives events matched by one filter of a statement.
type FilterCallback interface {
	MatchFound(u Unit, ev event.Event) error
}

// FilterCallbackFunc adapts a function to FilterCallback.
type FilterCallbackFunc func(u Unit, ev event.Event) error

// MatchFound calls f.
func (f FilterCallbackFunc) MatchFound(u Unit, ev event.Event) error { return f(u, ev) }

// ScheduleCallback fires when a scheduled time is reached.
type ScheduleCallback interface {
	ScheduledTrigger(u Unit) error
}

// ScheduleCallbackFunc adapts a function to ScheduleCallback.
type ScheduleCallbackFunc func(u Unit) error

// ScheduledTrigger calls f.
func (f ScheduleCallbackFunc) ScheduledTrigger(u Unit) error { return f(u) }

// MultiMatchHandler delivers several matches of one event to one statement.
type MultiMatchHandler interface {
	Handle(u Unit, callbacks []FilterCallback, ev event.Event) error
}

// InOrderMultiMatch invokes each callback in discovery order.
type InOrderMultiMatch struct{}

// Handle calls every callback; the first error stops delivery.
func (InOrderMultiMatch) Handle(u Unit, callbacks []FilterCallback, ev event.Event) error {
	for _, cb := range callbacks {
		if err := cb.MatchFound(u, ev); err != nil {
			return err
		}
	}
	return nil
}

// FilterFaultHandler gets first refusal when a statement's filters changed
// after an event was matched against them. Returning true means the fault
// was handled and no automatic re-evaluation takes place.
type FilterFaultHandler interface {
	HandleFilterFault(ev event.Event, version int64) bool
}

// FilterFaultHandlerFunc adapts a function to FilterFaultHandler.
type FilterFaultHandlerFunc func(ev event.Event, version int64) bool

// HandleFilterFault calls f(ev, version).
func (f FilterFaultHandlerFunc) HandleFilterFault(ev event.Event, version int64) bool {
	return f(ev, version)
}

// InternalDispatcher runs once per pass after all callbacks of a statement
// executed, letting the statement combine what its streams received.
type InternalDispatcher interface {
	InternalDispatch(u Unit) error
}
