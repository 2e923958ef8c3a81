// Package table holds shared keyed tables that statements read and write
// while executing.
//
// A table has its own read/write lock, separate from statement locks.
// Statements acquire table locks through a per-pass LockHolder and the
// engine releases everything the holder acquired before it releases the
// statement lock. Tables are always released first.
package table

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownTable is returned when a table name has not been created.
var ErrUnknownTable = errors.New("unknown table")

// Row is one table row.
type Row map[string]any

// Table is a named keyed row store.
//
// Row operations do not lock. Callers hold the table lock through a
// LockHolder for the duration of their access.
type Table struct {
	name string
	mu   sync.RWMutex
	rows map[string]Row
}

// New creates an empty table.
func New(name string) *Table {
	return &Table{name: name, rows: make(map[string]Row)}
}

// Name returns the table name.
func (t *Table) Name() string { return t.name }

// Get returns the row stored under key.
func (t *Table) Get(key string) (Row, bool) {
	r, ok := t.rows[key]
	return r, ok
}

// Put stores a row under key, replacing any existing row.
func (t *Table) Put(key string, row Row) {
	t.rows[key] = row
}

// Delete removes the row stored under key.
func (t *Table) Delete(key string) {
	delete(t.rows, key)
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.rows) }

// Keys returns the row keys in sorted order.
func (t *Table) Keys() []string {
	keys := make([]string, 0, len(t.rows))
	for k := range t.rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Registry owns the tables of one runtime.
type Registry struct {
	mu     sync.RWMutex
	tables map[string]*Table
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tables: make(map[string]*Table)}
}

// Create returns the table registered under name, creating it if needed.
func (r *Registry) Create(name string) *Table {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.tables[name]; ok {
		return t
	}
	t := New(name)
	r.tables[name] = t
	return t
}

// Lookup returns the table registered under name.
func (r *Registry) Lookup(name string) (*Table, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, name)
	}
	return t, nil
}
