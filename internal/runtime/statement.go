package runtime

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/roach88/cepcore/internal/event"
	"github.com/roach88/cepcore/internal/filter"
	"github.com/roach88/cepcore/internal/latch"
	"github.com/roach88/cepcore/internal/schedule"
	"github.com/roach88/cepcore/internal/statement"
	"github.com/roach88/cepcore/internal/table"
)

// SelfJoin controls whether a statement batches all matches of one event.
type SelfJoin int

const (
	// SelfJoinAuto enables batching when two streams read the same source.
	SelfJoinAuto SelfJoin = iota
	SelfJoinOn
	SelfJoinOff
)

// StreamDef is one input stream: a filter over an event type, or a named
// window.
type StreamDef struct {
	Filter *filter.Spec
	Window string
}

// TimerDef schedules a statement callback. Exactly one of At, AfterMs,
// EveryMs or Cron is set.
type TimerDef struct {
	Name    string
	At      int64
	AfterMs int64
	EveryMs int64
	Cron    string
}

// InsertInto routes statement output to another event type.
type InsertInto struct {
	TypeName string
	// Back routes to the back queue; the default is the front queue.
	Back       bool
	Precedence int
}

// Update is one delivery to statement listeners.
type Update struct {
	Statement string
	Time      int64
	Event     event.Event
	Streams   []int
	Timer     string
}

// Listener receives statement output after the statement released its lock.
type Listener func(p *Pass, u Update)

// EventFunc is the statement body for matched events. streams lists the
// input streams that matched ev in this delivery.
type EventFunc func(sc *StatementContext, ev event.Event, streams []int) error

// TimerFunc is the statement body for timers.
type TimerFunc func(sc *StatementContext, timer string) error

// StatementDef describes a statement to deploy.
type StatementDef struct {
	Name       string
	Priority   int
	Preemptive bool
	SelfJoin   SelfJoin

	Streams []StreamDef
	Timers  []TimerDef

	InsertInto *InsertInto
	IntoWindow string

	Variables []string
	Tables    []string
	Metrics   bool

	// OnEvent defaults to emitting the matched event.
	OnEvent EventFunc
	// OnTimer defaults to notifying listeners of the timer.
	OnTimer TimerFunc

	FilterFaultHandler statement.FilterFaultHandler
	Listeners          []Listener
}

func (d StatementDef) validate() error {
	if d.Name == "" {
		return errors.New("statement name is required")
	}
	if len(d.Streams) == 0 && len(d.Timers) == 0 {
		return errors.New("statement needs at least one stream or timer")
	}
	for i, s := range d.Streams {
		if (s.Filter == nil) == (s.Window == "") {
			return fmt.Errorf("stream %d: exactly one of filter or window is required", i)
		}
		if s.Filter != nil {
			if err := s.Filter.Validate(); err != nil {
				return fmt.Errorf("stream %d: %w", i, err)
			}
		}
	}
	for i, t := range d.Timers {
		set := 0
		for _, on := range []bool{t.At > 0, t.AfterMs > 0, t.EveryMs > 0, t.Cron != ""} {
			if on {
				set++
			}
		}
		if set != 1 {
			return fmt.Errorf("timer %d: exactly one of at, after, every or cron is required", i)
		}
	}
	if d.InsertInto != nil && d.InsertInto.TypeName == "" {
		return errors.New("insert-into needs a type name")
	}
	return nil
}

func (d StatementDef) canSelfJoin() bool {
	switch d.SelfJoin {
	case SelfJoinOn:
		return true
	case SelfJoinOff:
		return false
	}
	seen := make(map[string]bool, len(d.Streams))
	for _, s := range d.Streams {
		key := "window:" + s.Window
		if s.Filter != nil {
			key = "type:" + s.Filter.TypeName
		}
		if seen[key] {
			return true
		}
		seen[key] = true
	}
	return false
}

type stream struct {
	index    int
	spec     *filter.Spec
	filterID filter.ID
	active   bool
	window   *Window
	callback *streamCallback
}

// Statement is a deployed statement with one agent instance.
type Statement struct {
	rt           *Runtime
	def          StatementDef
	deploymentID string
	handle       *statement.AgentInstanceHandle

	streams    []*stream
	slots      []schedule.Slot
	insertType *event.Type
	window     *Window

	listenerMu sync.Mutex
	listeners  atomic.Pointer[[]Listener]

	// Guarded by the statement lock.
	pending      []int
	pendingEvent event.Event
}

// Name returns the statement name.
func (s *Statement) Name() string { return s.def.Name }

// DeploymentID returns the id assigned at deployment.
func (s *Statement) DeploymentID() string { return s.deploymentID }

// Handle returns the agent-instance handle.
func (s *Statement) Handle() *statement.AgentInstanceHandle { return s.handle }

// AddListener registers a listener for statement output.
func (s *Statement) AddListener(l Listener) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()

	var next []Listener
	if cur := s.listeners.Load(); cur != nil {
		next = append(next, *cur...)
	}
	next = append(next, l)
	s.listeners.Store(&next)
}

// streamCallback is the filter callback of one input stream.
type streamCallback struct {
	st    *Statement
	index int
}

func (c *streamCallback) MatchFound(_ statement.Unit, ev event.Event) error {
	c.st.pending = append(c.st.pending, c.index)
	c.st.pendingEvent = ev
	return nil
}

// InternalDispatch runs the statement body once for everything its streams
// received in this delivery.
func (s *Statement) InternalDispatch(u statement.Unit) error {
	if len(s.pending) == 0 {
		return nil
	}
	streams := slices.Clone(s.pending)
	ev := s.pendingEvent
	s.pending = s.pending[:0]
	s.pendingEvent = nil

	sc := &StatementContext{p: u.(*Pass), st: s}
	if s.def.OnEvent != nil {
		return s.def.OnEvent(sc, ev, streams)
	}
	sc.emit(ev, streams)
	return nil
}

type timerCallback struct {
	st   *Statement
	name string
}

func (c *timerCallback) ScheduledTrigger(u statement.Unit) error {
	sc := &StatementContext{p: u.(*Pass), st: c.st}
	if c.st.def.OnTimer != nil {
		return c.st.def.OnTimer(sc, c.name)
	}
	sc.Notify(Update{Timer: c.name})
	return nil
}

// StatementContext is what statement bodies see of the engine.
type StatementContext struct {
	p  *Pass
	st *Statement
}

// Pass returns the pass executing the statement.
func (sc *StatementContext) Pass() *Pass { return sc.p }

// Statement returns the executing statement.
func (sc *StatementContext) Statement() *Statement { return sc.st }

// Time returns the engine time.
func (sc *StatementContext) Time() int64 { return sc.p.Time() }

// Emit publishes ev as statement output: to the insert-into stream, the
// target named window and the statement listeners.
func (sc *StatementContext) Emit(ev event.Event) {
	sc.emit(ev, nil)
}

func (sc *StatementContext) emit(ev event.Event, streams []int) {
	st := sc.st
	out := ev
	if st.insertType != nil {
		out = event.Retype(ev, st.insertType)
		ii := st.def.InsertInto
		sc.p.Route(out, st.handle, !ii.Back, ii.Precedence)
	}
	if st.window != nil {
		st.window.insert(sc.p, out)
	}
	sc.Notify(Update{Event: out, Streams: streams})
}

// Notify delivers u to the statement listeners after the pass releases the
// statement. Statement and Time are filled in.
func (sc *StatementContext) Notify(u Update) {
	listeners := sc.st.listeners.Load()
	if listeners == nil || len(*listeners) == 0 {
		return
	}
	u.Statement = sc.st.def.Name
	u.Time = sc.p.Time()
	p := sc.p
	for _, l := range *listeners {
		p.Dispatch(func() { l(p, u) })
	}
}

// Variable reads a variable at the snapshot taken when the statement lock
// was acquired.
func (sc *StatementContext) Variable(name string) (any, error) {
	version := sc.p.VariableVersion()
	if !sc.st.handle.HasVariables {
		version = sc.p.rt.variables.Version()
	}
	return sc.p.rt.variables.Read(name, version)
}

// SetVariable writes a variable.
func (sc *StatementContext) SetVariable(name string, value any) error {
	_, err := sc.p.rt.variables.Set(name, value)
	return err
}

// Table returns a declared table locked for write until the statement
// finishes executing.
func (sc *StatementContext) Table(name string) (*table.Table, error) {
	t, err := sc.declaredTable(name)
	if err != nil {
		return nil, err
	}
	sc.p.Tables().AcquireWrite(t)
	return t, nil
}

// TableRead returns a declared table locked for read.
func (sc *StatementContext) TableRead(name string) (*table.Table, error) {
	t, err := sc.declaredTable(name)
	if err != nil {
		return nil, err
	}
	sc.p.Tables().AcquireRead(t)
	return t, nil
}

func (sc *StatementContext) declaredTable(name string) (*table.Table, error) {
	if !slices.Contains(sc.st.def.Tables, name) {
		return nil, fmt.Errorf("statement %s does not declare table %s", sc.st.def.Name, name)
	}
	return sc.p.rt.tables.Lookup(name)
}

// ReplaceStream changes the filter of one of the executing statement's own
// streams. Matches computed against the old filter fault and are
// re-evaluated.
func (sc *StatementContext) ReplaceStream(index int, spec filter.Spec) error {
	return sc.st.replaceStream(index, &spec)
}

// RemoveStream stops one of the executing statement's own streams.
func (sc *StatementContext) RemoveStream(index int) error {
	return sc.st.replaceStream(index, nil)
}

// replaceStream requires the statement lock.
func (s *Statement) replaceStream(index int, spec *filter.Spec) error {
	if index < 0 || index >= len(s.streams) {
		return fmt.Errorf("statement %s has no stream %d", s.def.Name, index)
	}
	str := s.streams[index]
	if str.window != nil {
		return fmt.Errorf("statement %s: stream %d reads a named window", s.def.Name, index)
	}
	filters := s.rt.filters

	version := filters.Version()
	if str.active {
		version = filters.Remove(str.filterID)
		str.active = false
	}
	if spec != nil {
		id, v, err := filters.Add(*spec, s.handle, str.callback)
		if err != nil {
			s.handle.FilterVersion.Set(version)
			return err
		}
		str.spec, str.filterID, str.active = spec, id, true
		version = v
	}
	s.handle.FilterVersion.Set(version)
	return nil
}

// ReplaceStream changes the filter of a deployed statement's stream under
// that statement's lock, without stopping event processing. A nil spec
// removes the stream. Statement code changes its own streams through
// StatementContext instead.
func (r *Runtime) ReplaceStream(name string, index int, spec *filter.Spec) error {
	r.mu.Lock()
	st, ok := r.statements[name]
	r.mu.Unlock()
	if !ok {
		return newDeploymentError(name, errors.New("statement not deployed"))
	}

	st.handle.Lock.Lock()
	defer st.handle.Lock.Unlock()
	if st.handle.IsDestroyed() {
		return newDeploymentError(name, errors.New("statement not deployed"))
	}
	return st.replaceStream(index, spec)
}

// Deploy starts a statement. It takes the engine lock exclusively.
func (r *Runtime) Deploy(def StatementDef) (*Statement, error) {
	if r.destroyed.Load() {
		return nil, errDestroyed
	}
	if err := def.validate(); err != nil {
		return nil, newDeploymentError(def.Name, err)
	}

	r.rw.Lock()
	defer r.rw.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.statements[def.Name]; exists {
		return nil, newDeploymentError(def.Name, errors.New("statement already deployed"))
	}
	for _, v := range def.Variables {
		if !slices.Contains(r.variables.Names(), v) {
			return nil, newDeploymentError(def.Name, fmt.Errorf("variable %s not declared", v))
		}
	}

	r.nextStatementID++
	h := statement.NewHandle(r.nextStatementID, def.Name, def.Priority)
	h.Preemptive = def.Preemptive
	h.CanSelfJoin = def.canSelfJoin()
	h.HasVariables = len(def.Variables) > 0
	h.MetricsEnabled = def.Metrics
	h.FilterFaultHandler = def.FilterFaultHandler

	st := &Statement{rt: r, def: def, handle: h, deploymentID: r.ids.Generate()}
	h.Dispatcher = st
	for _, l := range def.Listeners {
		st.AddListener(l)
	}
	for _, name := range def.Tables {
		r.tables.Create(name)
	}

	if def.IntoWindow != "" {
		w, ok := r.windows[def.IntoWindow]
		if !ok {
			return nil, newDeploymentError(def.Name, fmt.Errorf("named window %s not created", def.IntoWindow))
		}
		st.window = w
	}

	if def.InsertInto != nil {
		t, err := r.insertType(def)
		if err != nil {
			return nil, newDeploymentError(def.Name, err)
		}
		st.insertType = t
		if r.cfg.Execution.Latching {
			h.FrontLatches = latch.NewFactory(def.Name, r.latchMode, r.cfg.Execution.LatchTimeout)
			h.BackLatches = latch.NewFactory(def.Name, r.latchMode, r.cfg.Execution.LatchTimeout)
		}
	}

	if err := st.start(); err != nil {
		st.stop()
		return nil, newDeploymentError(def.Name, err)
	}

	r.statements[def.Name] = st
	r.logger.Info("statement deployed",
		"statement", def.Name,
		"statement_id", h.StatementID,
		"deployment_id", st.deploymentID,
		"priority", def.Priority,
		"self_join", h.CanSelfJoin)
	return st, nil
}

// insertType resolves the insert-into type, registering it with the kind of
// the statement's first input when it does not exist yet.
func (r *Runtime) insertType(def StatementDef) (*event.Type, error) {
	name := def.InsertInto.TypeName
	if t, err := r.types.Lookup(name); err == nil {
		return t, nil
	}
	kind := event.KindMap
	for _, s := range def.Streams {
		var source string
		if s.Filter != nil {
			source = s.Filter.TypeName
		} else if w, ok := r.windows[s.Window]; ok {
			source = w.typ.Name
		}
		if t, err := r.types.Lookup(source); err == nil && t.Kind != event.KindObjectArray {
			kind = t.Kind
		}
		break
	}
	return r.types.Register(event.Type{Name: name, Kind: kind})
}

// start registers filters, window consumers and timers.
// The caller holds the engine lock exclusively.
func (s *Statement) start() error {
	r := s.rt
	var version int64
	for i, sd := range s.def.Streams {
		str := &stream{index: i, callback: &streamCallback{st: s, index: i}}
		s.streams = append(s.streams, str)

		if sd.Window != "" {
			w, ok := r.windows[sd.Window]
			if !ok {
				return fmt.Errorf("named window %s not created", sd.Window)
			}
			str.window = w
			w.consumers = append(w.consumers, windowConsumer{st: s, stream: str})
			continue
		}

		spec := *sd.Filter
		id, v, err := r.filters.Add(spec, s.handle, str.callback)
		if err != nil {
			return err
		}
		str.spec, str.filterID, str.active = &spec, id, true
		version = v
	}
	if version > 0 {
		s.handle.FilterVersion.Set(version)
	}

	for _, td := range s.def.Timers {
		cb := &timerCallback{st: s, name: td.Name}
		var slot schedule.Slot
		var err error
		switch {
		case td.At > 0:
			slot, err = r.schedules.AddAt(s.handle, cb, td.At)
		case td.AfterMs > 0:
			slot, err = r.schedules.Add(s.handle, cb, td.AfterMs)
		case td.EveryMs > 0:
			slot, err = r.schedules.AddPeriodic(s.handle, cb, td.EveryMs)
		default:
			slot, err = r.schedules.AddCron(s.handle, cb, td.Cron)
		}
		if err != nil {
			return fmt.Errorf("timer %s: %w", td.Name, err)
		}
		s.slots = append(s.slots, slot)
	}
	return nil
}

// stop unregisters everything start registered. The caller holds the
// engine lock exclusively.
func (s *Statement) stop() {
	r := s.rt
	version := r.filters.Version()
	for _, str := range s.streams {
		if str.active {
			version = r.filters.Remove(str.filterID)
			str.active = false
		}
		if str.window != nil {
			str.window.removeConsumer(s)
		}
	}
	s.handle.FilterVersion.Set(version)
	for _, slot := range s.slots {
		r.schedules.Remove(slot)
	}
	s.slots = nil
}

// Undeploy stops a statement. Matches already computed against it are
// skipped.
func (r *Runtime) Undeploy(name string) error {
	if r.destroyed.Load() {
		return errDestroyed
	}

	r.rw.Lock()
	defer r.rw.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.statements[name]
	if !ok {
		return newDeploymentError(name, errors.New("statement not deployed"))
	}

	st.handle.Lock.Lock()
	st.stop()
	st.handle.Destroy()
	st.handle.Lock.Unlock()

	delete(r.statements, name)
	r.logger.Info("statement undeployed", "statement", name, "deployment_id", st.deploymentID)
	return nil
}

// Statement returns a deployed statement.
func (r *Runtime) Statement(name string) (*Statement, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.statements[name]
	return st, ok
}

// Statements returns the deployed statement names in sorted order.
func (r *Runtime) Statements() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.statements))
	for n := range r.statements {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// windowVersion is used for window deliveries, which are never stale.
const windowVersion = math.MaxInt64
