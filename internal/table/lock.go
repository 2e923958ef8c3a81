package table

type held struct {
	table *Table
	write bool
}

// LockHolder records the table locks taken during one statement execution.
//
// A holder belongs to a single pass and is not safe for concurrent use.
// Acquiring a table that is already held is a no-op; a read lock is never
// upgraded, so statements that write a table must acquire it for write first.
type LockHolder struct {
	held []held
}

// AcquireWrite takes the write lock of t unless the holder already has it.
func (h *LockHolder) AcquireWrite(t *Table) {
	if h.holds(t) {
		return
	}
	t.mu.Lock()
	h.held = append(h.held, held{table: t, write: true})
}

// AcquireRead takes the read lock of t unless the holder already has it.
func (h *LockHolder) AcquireRead(t *Table) {
	if h.holds(t) {
		return
	}
	t.mu.RLock()
	h.held = append(h.held, held{table: t})
}

// Held reports how many table locks are currently held.
func (h *LockHolder) Held() int { return len(h.held) }

// ReleaseAll releases every held lock in reverse acquisition order.
func (h *LockHolder) ReleaseAll() {
	for i := len(h.held) - 1; i >= 0; i-- {
		entry := h.held[i]
		if entry.write {
			entry.table.mu.Unlock()
		} else {
			entry.table.mu.RUnlock()
		}
		h.held[i] = held{}
	}
	h.held = h.held[:0]
}

func (h *LockHolder) holds(t *Table) bool {
	for _, entry := range h.held {
		if entry.table == t {
			return true
		}
	}
	return false
}
