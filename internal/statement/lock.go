package statement

import "sync"

// Lock is the per-statement read/write lock.
//
// Statement execution and statement administration both take the write side.
type Lock interface {
	Lock()
	Unlock()
	RLock()
	RUnlock()
}

// RWLock is the default statement lock.
type RWLock struct {
	sync.RWMutex
	name string
}

// NewLock creates a lock for the named statement.
func NewLock(name string) *RWLock {
	return &RWLock{name: name}
}

func (l *RWLock) String() string { return "statement lock " + l.name }
