// Package variable implements versioned runtime variables.
//
// Every Set produces a new global version. A statement that uses variables
// takes the current version when its lock is acquired and reads all
// variables at that version, so one callback sees a consistent snapshot
// even while other passes keep writing.
package variable

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// ErrUnknownVariable is returned for reads and writes of undeclared variables.
var ErrUnknownVariable = errors.New("unknown variable")

// maxHistory bounds the number of versions retained per variable.
const maxHistory = 32

type versioned struct {
	version int64
	value   any
}

// Service holds the declared variables.
// Thread-safety: all methods are safe for concurrent use.
type Service struct {
	mu      sync.RWMutex
	vars    map[string][]versioned
	version atomic.Int64
}

// NewService creates an empty variable service.
func NewService() *Service {
	return &Service{vars: make(map[string][]versioned)}
}

// Declare creates a variable with an initial value. Declaring an existing
// variable is an error.
func (s *Service) Declare(name string, initial any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.vars[name]; ok {
		return fmt.Errorf("variable %s already declared", name)
	}
	v := s.version.Add(1)
	s.vars[name] = []versioned{{version: v, value: initial}}
	return nil
}

// Set writes a new value and returns the version it was written at.
func (s *Service) Set(name string, value any) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	history, ok := s.vars[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownVariable, name)
	}
	v := s.version.Add(1)
	history = append(history, versioned{version: v, value: value})
	if len(history) > maxHistory {
		history = append(history[:0], history[len(history)-maxHistory:]...)
	}
	s.vars[name] = history
	return v, nil
}

// Version returns the current global version.
func (s *Service) Version() int64 {
	return s.version.Load()
}

// Read returns the value of name as of version. When the history no longer
// reaches back that far the oldest retained value is returned.
func (s *Service) Read(name string, version int64) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history, ok := s.vars[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVariable, name)
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].version <= version {
			return history[i].value, nil
		}
	}
	return history[0].value, nil
}

// Names returns the declared variable names in sorted order.
func (s *Service) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.vars))
	for n := range s.vars {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
