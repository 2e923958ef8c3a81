package runtime

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/roach88/cepcore/internal/event"
)

// Window is a named window: a retained event collection that statements
// insert into and consume from. Consumers receive inserts after the
// inserting statement released its lock, before the pass continues with its
// work queue.
type Window struct {
	name   string
	typ    *event.Type
	retain int

	mu     sync.Mutex
	events []event.Event

	// consumers changes only with the engine lock held exclusively.
	consumers []windowConsumer
}

type windowConsumer struct {
	st     *Statement
	stream *stream
}

// Name returns the window name.
func (w *Window) Name() string { return w.name }

// Type returns the event type of the window.
func (w *Window) Type() *event.Type { return w.typ }

// Len returns the number of retained events.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.events)
}

// Snapshot returns the retained events, oldest first.
func (w *Window) Snapshot() []event.Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.events)
}

// insert retains ev and queues one delivery per consumer on p.
func (w *Window) insert(p *Pass, ev event.Event) {
	ev = event.Retype(ev, w.typ)

	w.mu.Lock()
	w.events = append(w.events, ev)
	if w.retain > 0 && len(w.events) > w.retain {
		drop := len(w.events) - w.retain
		clear(w.events[:drop])
		w.events = w.events[drop:]
	}
	w.mu.Unlock()

	for _, c := range w.consumers {
		p.DispatchWindow(func() { p.rt.deliverWindow(p, c, ev) })
	}
}

func (w *Window) removeConsumer(st *Statement) {
	w.consumers = slices.DeleteFunc(w.consumers, func(c windowConsumer) bool {
		return c.st == st
	})
}

// deliverWindow executes one consumer of a named-window insert. The caller
// holds the engine lock shared.
func (r *Runtime) deliverWindow(p *Pass, c windowConsumer, ev event.Event) {
	h := c.st.handle
	start := time.Now()
	r.executeSingle(p, h, c.stream.callback, ev, windowVersion)
	if h.MetricsEnabled {
		r.metrics.AccountTime(h, time.Since(start), 1)
	}
}

// CreateWindow declares a named window holding events of typeName. retain
// bounds the number of retained events; zero keeps everything.
func (r *Runtime) CreateWindow(name, typeName string, retain int) (*Window, error) {
	if r.destroyed.Load() {
		return nil, errDestroyed
	}
	if name == "" {
		return nil, newDeploymentError(name, errors.New("window name is required"))
	}
	if retain < 0 {
		return nil, newDeploymentError(name, fmt.Errorf("negative retain %d", retain))
	}
	t, err := r.types.Lookup(typeName)
	if err != nil {
		return nil, newUnknownType(typeName, err)
	}

	r.rw.Lock()
	defer r.rw.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.windows[name]; exists {
		return nil, newDeploymentError(name, errors.New("window already exists"))
	}
	w := &Window{name: name, typ: t, retain: retain}
	r.windows[name] = w
	r.logger.Info("window created", "window", name, "event_type", t.Name, "retain", retain)
	return w, nil
}

// Window returns a named window.
func (r *Runtime) Window(name string) (*Window, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.windows[name]
	return w, ok
}
