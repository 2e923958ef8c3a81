// Package filter implements the filter matching service: given an event it
// returns the statement callbacks whose filters accept it, together with
// the version of the filter set the matches were computed under.
package filter

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/roach88/cepcore/internal/event"
	"github.com/roach88/cepcore/internal/statement"
)

// Match pairs a statement instance with the callback of one of its filters.
// It is only valid against the version it was computed under.
type Match struct {
	Handle   *statement.AgentInstanceHandle
	Callback statement.FilterCallback
}

// ID identifies one registered filter.
type ID int64

// Service is the filter matching contract used by the engine.
//
// Implementations must be safe for concurrent Evaluate calls from passes
// holding the shared engine lock.
type Service interface {
	// Evaluate appends the matches for ev to buf and returns the filter
	// version they were computed under.
	Evaluate(ev event.Event, buf []Match) ([]Match, int64)

	// EvaluateStatement is Evaluate restricted to one statement.
	EvaluateStatement(ev event.Event, buf []Match, statementID int) ([]Match, int64)

	// Add registers a filter and returns its id and the new version.
	Add(spec Spec, h *statement.AgentInstanceHandle, cb statement.FilterCallback) (ID, int64, error)

	// Remove unregisters a filter and returns the new version.
	Remove(id ID) int64

	// Version returns the current filter version.
	Version() int64

	NumEventsEvaluated() int64
	ResetStats()
	Destroy()
}

type entry struct {
	id     ID
	spec   Spec
	handle *statement.AgentInstanceHandle
	cb     statement.FilterCallback
}

// IndexService indexes filters by event type name. Filters of one type are
// evaluated in registration order, which is the discovery order of matches.
type IndexService struct {
	mu      sync.RWMutex
	byType  map[string][]*entry
	byID    map[ID]*entry
	nextID  ID
	version atomic.Int64

	evaluated atomic.Int64
}

// NewIndexService creates an empty filter service.
func NewIndexService() *IndexService {
	return &IndexService{
		byType: make(map[string][]*entry),
		byID:   make(map[ID]*entry),
	}
}

// Evaluate implements Service.
func (s *IndexService) Evaluate(ev event.Event, buf []Match) ([]Match, int64) {
	return s.evaluate(ev, buf, func(*entry) bool { return true })
}

// EvaluateStatement implements Service.
func (s *IndexService) EvaluateStatement(ev event.Event, buf []Match, statementID int) ([]Match, int64) {
	return s.evaluate(ev, buf, func(e *entry) bool { return e.handle.StatementID == statementID })
}

func (s *IndexService) evaluate(ev event.Event, buf []Match, keep func(*entry) bool) ([]Match, int64) {
	s.evaluated.Add(1)

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.byType[ev.Type().Name] {
		if keep(e) && e.spec.Matches(ev) {
			buf = append(buf, Match{Handle: e.handle, Callback: e.cb})
		}
	}
	return buf, s.version.Load()
}

// Add implements Service.
func (s *IndexService) Add(spec Spec, h *statement.AgentInstanceHandle, cb statement.FilterCallback) (ID, int64, error) {
	if err := spec.Validate(); err != nil {
		return 0, 0, err
	}
	if h == nil || cb == nil {
		return 0, 0, fmt.Errorf("filter %s: handle and callback are required", spec.TypeName)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	e := &entry{id: s.nextID, spec: spec, handle: h, cb: cb}
	s.byType[spec.TypeName] = append(s.byType[spec.TypeName], e)
	s.byID[e.id] = e
	return e.id, s.version.Add(1), nil
}

// Remove implements Service. Removing an unknown id leaves the version as is.
func (s *IndexService) Remove(id ID) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[id]
	if !ok {
		return s.version.Load()
	}
	delete(s.byID, id)

	entries := s.byType[e.spec.TypeName]
	kept := entries[:0]
	for _, other := range entries {
		if other.id != id {
			kept = append(kept, other)
		}
	}
	for i := len(kept); i < len(entries); i++ {
		entries[i] = nil
	}
	if len(kept) == 0 {
		delete(s.byType, e.spec.TypeName)
	} else {
		s.byType[e.spec.TypeName] = kept
	}
	return s.version.Add(1)
}

// Version implements Service.
func (s *IndexService) Version() int64 { return s.version.Load() }

// NumEventsEvaluated implements Service.
func (s *IndexService) NumEventsEvaluated() int64 { return s.evaluated.Load() }

// ResetStats implements Service.
func (s *IndexService) ResetStats() { s.evaluated.Store(0) }

// Destroy drops every registered filter.
func (s *IndexService) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byType = make(map[string][]*entry)
	s.byID = make(map[ID]*entry)
	s.version.Add(1)
}

// Len returns the number of registered filters.
func (s *IndexService) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
