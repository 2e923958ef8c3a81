// Package latch orders insert-into output across concurrently executing
// passes.
//
// Each statement that inserts into a stream owns a Factory. Every produced
// event gets a Latch chained to the previously produced one; a consumer
// awaits the earlier latch before processing, so consumers observe the
// producer's output in production order even when the producing passes ran
// on different workers.
package latch

import (
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/cepcore/internal/event"
)

// Mode selects how a consumer waits for an earlier latch.
type Mode int

const (
	// ModeSpin busy-polls, yielding the processor between checks.
	ModeSpin Mode = iota + 1
	// ModeBlock waits on a channel.
	ModeBlock
)

func (m Mode) String() string {
	switch m {
	case ModeSpin:
		return "spin"
	case ModeBlock:
		return "block"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode maps a configuration string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "spin", "":
		return ModeSpin, nil
	case "block":
		return ModeBlock, nil
	default:
		return 0, fmt.Errorf("unknown latch mode %q", s)
	}
}

// Latch is one produced event waiting for its predecessor.
type Latch interface {
	// Await blocks until the earlier latch completed or the timeout
	// elapsed, then returns the produced event.
	Await() event.Event

	// Done marks this latch complete, releasing the next waiter.
	Done()
}

// Factory chains latches for one producing statement.
type Factory struct {
	name    string
	mode    Mode
	timeout time.Duration

	mu      sync.Mutex
	current node
}

type node interface {
	Latch
	completed() bool
}

// NewFactory creates a factory whose first latch has nothing to wait for.
func NewFactory(name string, mode Mode, timeout time.Duration) *Factory {
	f := &Factory{name: name, mode: mode, timeout: timeout}
	switch mode {
	case ModeBlock:
		sentinel := &blockLatch{done: make(chan struct{})}
		close(sentinel.done)
		f.current = sentinel
	default:
		f.mode = ModeSpin
		sentinel := &spinLatch{}
		sentinel.isDone.Store(true)
		f.current = sentinel
	}
	return f
}

// Mode returns the wait mode of the factory.
func (f *Factory) Mode() Mode { return f.mode }

// NewLatch creates the latch for ev, chained after the last produced latch.
func (f *Factory) NewLatch(ev event.Event) Latch {
	f.mu.Lock()
	defer f.mu.Unlock()

	var next node
	switch f.mode {
	case ModeBlock:
		earlier, _ := f.current.(*blockLatch)
		next = &blockLatch{factory: f, earlier: earlier, ev: ev, done: make(chan struct{})}
	default:
		earlier, _ := f.current.(*spinLatch)
		next = &spinLatch{factory: f, earlier: earlier, ev: ev}
	}
	f.current = next
	return next
}

func (f *Factory) logTimeout() {
	slog.Info("insert-into latch wait timed out",
		"statement", f.name,
		"mode", f.mode.String(),
		"timeout", f.timeout)
}

type spinLatch struct {
	factory *Factory
	earlier *spinLatch
	ev      event.Event
	isDone  atomic.Bool
}

func (l *spinLatch) Await() event.Event {
	if l.earlier == nil || l.earlier.completed() {
		return l.ev
	}
	deadline := time.Now().Add(l.factory.timeout)
	for !l.earlier.completed() {
		if time.Now().After(deadline) {
			l.factory.logTimeout()
			break
		}
		runtime.Gosched()
	}
	return l.ev
}

func (l *spinLatch) Done() {
	l.isDone.Store(true)
	l.earlier = nil
}

func (l *spinLatch) completed() bool { return l.isDone.Load() }

type blockLatch struct {
	factory *Factory
	earlier *blockLatch
	ev      event.Event
	done    chan struct{}
	once    sync.Once
}

func (l *blockLatch) Await() event.Event {
	if l.earlier == nil {
		return l.ev
	}
	timer := time.NewTimer(l.factory.timeout)
	defer timer.Stop()

	select {
	case <-l.earlier.done:
	case <-timer.C:
		l.factory.logTimeout()
	}
	return l.ev
}

func (l *blockLatch) Done() {
	l.once.Do(func() { close(l.done) })
	l.earlier = nil
}

func (l *blockLatch) completed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}
