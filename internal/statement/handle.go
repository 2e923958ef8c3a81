package statement

import (
	"fmt"
	"sync/atomic"

	"github.com/roach88/cepcore/internal/latch"
)

// FilterVersion is the filter-service version a statement's filters were
// last changed at.
type FilterVersion struct {
	v atomic.Int64
}

// Set records the version of the latest filter change.
func (f *FilterVersion) Set(version int64) { f.v.Store(version) }

// Get returns the recorded version.
func (f *FilterVersion) Get() int64 { return f.v.Load() }

// IsCurrent reports whether a match computed at version is still valid.
// A match computed before the statement's latest filter change is stale.
func (f *FilterVersion) IsCurrent(version int64) bool {
	return version >= f.v.Load()
}

// AgentInstanceHandle identifies one running instance of a statement.
//
// Handles are created at deployment and are immutable afterwards except
// for the filter version and the destroyed flag.
type AgentInstanceHandle struct {
	StatementID     int
	StatementName   string
	AgentInstanceID int

	// Priority orders statements in prioritized mode; higher runs first.
	Priority int

	// Preemptive stops delivery to lower-priority statements once this
	// statement executed for an event, in prioritized mode.
	Preemptive bool

	// CanSelfJoin is set when the statement may match one event on more
	// than one of its streams.
	CanSelfJoin bool

	HasVariables   bool
	MetricsEnabled bool

	Lock          Lock
	FilterVersion *FilterVersion

	FilterFaultHandler FilterFaultHandler
	MultiMatchHandler  MultiMatchHandler
	Dispatcher         InternalDispatcher

	// Insert-into latch factories, nil unless latching is enabled and the
	// statement produces insert-into output.
	FrontLatches *latch.Factory
	BackLatches  *latch.Factory

	destroyed atomic.Bool
}

// NewHandle creates a handle with a fresh lock and filter version.
func NewHandle(id int, name string, priority int) *AgentInstanceHandle {
	return &AgentInstanceHandle{
		StatementID:       id,
		StatementName:     name,
		Priority:          priority,
		Lock:              NewLock(name),
		FilterVersion:     &FilterVersion{},
		MultiMatchHandler: InOrderMultiMatch{},
	}
}

// Destroy marks the instance as stopped. Callbacks already matched against
// it are skipped.
func (h *AgentInstanceHandle) Destroy() { h.destroyed.Store(true) }

// IsDestroyed reports whether the instance was stopped.
func (h *AgentInstanceHandle) IsDestroyed() bool { return h.destroyed.Load() }

func (h *AgentInstanceHandle) String() string {
	return fmt.Sprintf("%s#%d/%d", h.StatementName, h.StatementID, h.AgentInstanceID)
}

// Compare orders handles by descending priority, then ascending statement
// id, then ascending agent instance id. It returns a negative number when a
// runs before b.
func Compare(a, b *AgentInstanceHandle) int {
	switch {
	case a.Priority != b.Priority:
		if a.Priority > b.Priority {
			return -1
		}
		return 1
	case a.StatementID != b.StatementID:
		return a.StatementID - b.StatementID
	default:
		return a.AgentInstanceID - b.AgentInstanceID
	}
}
