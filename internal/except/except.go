// Package except is the central exception-handling service. Failures of
// statement code are reported here instead of propagating, so one statement
// cannot abort processing for the others.
package except

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/cepcore/internal/event"
	"github.com/roach88/cepcore/internal/statement"
)

// Type classifies where a failure happened.
type Type string

const (
	// TypeProcess is a failure inside a statement callback.
	TypeProcess Type = "PROCESS"
	// TypeUnmatched is a failure inside the unmatched-event listener.
	TypeUnmatched Type = "UNMATCHED_LISTENER"
	// TypeListener is a failure inside a statement listener.
	TypeListener Type = "LISTENER"
	// TypeFilterFault is an event dropped after too many filter faults.
	TypeFilterFault Type = "FILTER_FAULT"
)

// Context describes one reported failure.
type Context struct {
	Type          Type
	StatementName string
	StatementID   int
	EventType     string
	Event         event.Event
	Err           error
	Time          time.Time
}

// Handler receives reported failures. Handlers must not panic.
type Handler func(Context)

// Journal persists incidents. Implemented by the sqlite store.
type Journal interface {
	RecordIncident(ctx context.Context, inc Incident) error
}

// Incident is the persisted form of a failure.
type Incident struct {
	Type      string
	Statement string
	EventType string
	Message   string
	At        time.Time
}

// Service dispatches failures to handlers and the journal.
// Thread-safety: all methods are safe for concurrent use.
type Service struct {
	mu       sync.RWMutex
	handlers []Handler
	journal  Journal
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a service that logs through logger when no handler is
// registered. A nil logger uses slog.Default().
func NewService(logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{logger: logger, now: time.Now}
}

// AddHandler registers a failure handler.
func (s *Service) AddHandler(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

// SetLogger replaces the fallback logger.
func (s *Service) SetLogger(l *slog.Logger) {
	if l == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = l
}

// SetJournal sets the incident journal; nil disables journaling.
func (s *Service) SetJournal(j Journal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journal = j
}

// Handle reports a failure. h and ev may be nil.
func (s *Service) Handle(err error, h *statement.AgentInstanceHandle, typ Type, ev event.Event) {
	c := Context{Type: typ, Event: ev, Err: err, Time: s.now()}
	if h != nil {
		c.StatementName = h.StatementName
		c.StatementID = h.StatementID
	}
	if ev != nil {
		c.EventType = ev.Type().Name
	}

	s.mu.RLock()
	handlers := s.handlers
	journal := s.journal
	logger := s.logger
	s.mu.RUnlock()

	if len(handlers) == 0 {
		logger.Error("statement failure",
			"type", string(typ),
			"statement", c.StatementName,
			"event_type", c.EventType,
			"error", err)
	}
	for _, fn := range handlers {
		fn(c)
	}

	if journal != nil {
		inc := Incident{
			Type:      string(typ),
			Statement: c.StatementName,
			EventType: c.EventType,
			At:        c.Time,
		}
		if err != nil {
			inc.Message = err.Error()
		}
		if jerr := journal.RecordIncident(context.Background(), inc); jerr != nil {
			logger.Warn("failed to journal incident", "type", string(typ), "error", jerr)
		}
	}
}
