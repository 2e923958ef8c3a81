package testutil

import (
	"slices"
	"sync"
	"time"

	"github.com/roach88/cepcore/internal/event"
)

// Entry is one recorded delivery.
type Entry struct {
	// Seq is 1 for the first recorded entry and increases by one.
	Seq   int64
	Label string
	Time  int64
	Event event.Event
}

// Recorder collects deliveries from listeners and statement code in the
// order they happen.
//
// Thread-safety: All methods are safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	seq     int64
	entries []Entry
	changed chan struct{}
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{changed: make(chan struct{})}
}

// Record appends an entry and returns its sequence number.
func (r *Recorder) Record(label string, at int64, ev event.Event) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	r.entries = append(r.entries, Entry{Seq: r.seq, Label: label, Time: at, Event: ev})
	close(r.changed)
	r.changed = make(chan struct{})
	return r.seq
}

// Entries returns a copy of every entry.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.entries)
}

// Labels returns the recorded labels in order.
func (r *Recorder) Labels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	labels := make([]string, len(r.entries))
	for i, e := range r.entries {
		labels[i] = e.Label
	}
	return labels
}

// Times returns the recorded times in order.
func (r *Recorder) Times() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	times := make([]int64, len(r.entries))
	for i, e := range r.entries {
		times[i] = e.Time
	}
	return times
}

// Count returns how many entries carry label.
func (r *Recorder) Count(label string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.entries {
		if e.Label == label {
			n++
		}
	}
	return n
}

// Len returns the number of entries.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// WaitFor blocks until at least n entries exist or timeout elapses.
// It reports whether n entries were reached.
func (r *Recorder) WaitFor(n int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		r.mu.Lock()
		if len(r.entries) >= n {
			r.mu.Unlock()
			return true
		}
		changed := r.changed
		r.mu.Unlock()

		select {
		case <-changed:
		case <-deadline.C:
			return false
		}
	}
}

// Reset drops every entry. The next entry gets sequence number 1.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq = 0
	r.entries = nil
}
