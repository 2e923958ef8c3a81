package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cepcore/internal/config"
	"github.com/roach88/cepcore/internal/event"
	"github.com/roach88/cepcore/internal/except"
	"github.com/roach88/cepcore/internal/filter"
	"github.com/roach88/cepcore/internal/statement"
	"github.com/roach88/cepcore/internal/testutil"
)

// collectIncidents registers an exception handler and returns the slice it
// appends to.
func collectIncidents(rt *Runtime) *[]except.Context {
	var mu sync.Mutex
	var got []except.Context
	rt.Exceptions().AddHandler(func(c except.Context) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, c)
	})
	return &got
}

func TestProcess_EveryMatchingStatementOnce(t *testing.T) {
	rt := newTestRuntime(t)
	rec := testutil.NewRecorder()

	for _, name := range []string{"a", "b"} {
		_, err := rt.Deploy(StatementDef{
			Name:    name,
			Streams: []StreamDef{{Filter: orderFilter(filter.OpGt, 10)}},
			OnEvent: recordEvents(rec, name),
		})
		require.NoError(t, err)
	}
	_, err := rt.Deploy(StatementDef{
		Name:    "small",
		Streams: []StreamDef{{Filter: orderFilter(filter.OpLt, 10)}},
		OnEvent: recordEvents(rec, "small"),
	})
	require.NoError(t, err)

	sendOrder(t, rt, 50)

	assert.Equal(t, 1, rec.Count("a"))
	assert.Equal(t, 1, rec.Count("b"))
	assert.Equal(t, 0, rec.Count("small"))
}

func TestProcess_PreemptiveStatementSkipsLowerPriority(t *testing.T) {
	rt := newTestRuntime(t, prioritized)
	rec := testutil.NewRecorder()

	_, err := rt.Deploy(StatementDef{
		Name:     "low",
		Priority: 5,
		Streams:  []StreamDef{{Filter: anyOrder()}},
		OnEvent:  recordEvents(rec, "low"),
	})
	require.NoError(t, err)
	_, err = rt.Deploy(StatementDef{
		Name:       "high",
		Priority:   10,
		Preemptive: true,
		Streams:    []StreamDef{{Filter: anyOrder()}},
		OnEvent:    recordEvents(rec, "high"),
	})
	require.NoError(t, err)

	sendOrder(t, rt, 1)
	assert.Equal(t, []string{"high"}, rec.Labels())
}

func TestProcess_PreemptionKeepsEqualPriority(t *testing.T) {
	rt := newTestRuntime(t, prioritized)
	rec := testutil.NewRecorder()

	defs := []StatementDef{
		{Name: "first", Priority: 10, Preemptive: true},
		{Name: "peer", Priority: 10},
		{Name: "below", Priority: 9},
	}
	for _, def := range defs {
		def.Streams = []StreamDef{{Filter: anyOrder()}}
		def.OnEvent = recordEvents(rec, def.Name)
		_, err := rt.Deploy(def)
		require.NoError(t, err)
	}

	sendOrder(t, rt, 1)
	assert.Equal(t, []string{"first", "peer"}, rec.Labels())
}

func TestProcess_PrioritizedOrder(t *testing.T) {
	rt := newTestRuntime(t, prioritized)
	rec := testutil.NewRecorder()

	for _, def := range []StatementDef{
		{Name: "low", Priority: 1},
		{Name: "high", Priority: 100},
		{Name: "mid", Priority: 50},
		{Name: "mid-later", Priority: 50},
	} {
		def.Streams = []StreamDef{{Filter: anyOrder()}}
		def.OnEvent = recordEvents(rec, def.Name)
		_, err := rt.Deploy(def)
		require.NoError(t, err)
	}

	sendOrder(t, rt, 1)
	assert.Equal(t, []string{"high", "mid", "mid-later", "low"}, rec.Labels())
}

func TestProcess_PreemptionIgnoredWhenNotPrioritized(t *testing.T) {
	rt := newTestRuntime(t)
	rec := testutil.NewRecorder()

	_, err := rt.Deploy(StatementDef{Name: "high", Priority: 10, Preemptive: true, Streams: []StreamDef{{Filter: anyOrder()}}, OnEvent: recordEvents(rec, "high")})
	require.NoError(t, err)
	_, err = rt.Deploy(StatementDef{Name: "low", Priority: 1, Streams: []StreamDef{{Filter: anyOrder()}}, OnEvent: recordEvents(rec, "low")})
	require.NoError(t, err)

	sendOrder(t, rt, 1)
	assert.Equal(t, 2, rec.Len())
}

func TestProcess_SelfJoinInvokedOnce(t *testing.T) {
	rt := newTestRuntime(t)

	var calls [][]int
	st, err := rt.Deploy(StatementDef{
		Name: "pair",
		Streams: []StreamDef{
			{Filter: orderFilter(filter.OpGt, 10)},
			{Filter: orderFilter(filter.OpGt, 20)},
		},
		OnEvent: func(_ *StatementContext, _ event.Event, streams []int) error {
			calls = append(calls, streams)
			return nil
		},
	})
	require.NoError(t, err)
	assert.True(t, st.Handle().CanSelfJoin)

	sendOrder(t, rt, 50)
	assert.Equal(t, [][]int{{0, 1}}, calls)

	// Only one stream matches
	sendOrder(t, rt, 15)
	assert.Equal(t, [][]int{{0, 1}, {0}}, calls)
}

func TestProcess_SelfJoinOff(t *testing.T) {
	rt := newTestRuntime(t)

	var calls [][]int
	st, err := rt.Deploy(StatementDef{
		Name:     "pair",
		SelfJoin: SelfJoinOff,
		Streams: []StreamDef{
			{Filter: orderFilter(filter.OpGt, 10)},
			{Filter: orderFilter(filter.OpGt, 20)},
		},
		OnEvent: func(_ *StatementContext, _ event.Event, streams []int) error {
			calls = append(calls, streams)
			return nil
		},
	})
	require.NoError(t, err)
	assert.False(t, st.Handle().CanSelfJoin)

	sendOrder(t, rt, 50)
	assert.Equal(t, [][]int{{0}, {1}}, calls)
}

func TestProcess_FilterChangeDuringDelivery(t *testing.T) {
	tests := []struct {
		name      string
		newFilter *filter.Spec
		wantCalls int
	}{
		{"stream removed", nil, 0},
		{"narrowed past the event", orderFilter(filter.OpGt, 100), 0},
		{"narrowed but still matching", orderFilter(filter.OpGt, 20), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := newTestRuntime(t, prioritized)
			rec := testutil.NewRecorder()

			_, err := rt.Deploy(StatementDef{
				Name:     "target",
				Priority: 1,
				Streams:  []StreamDef{{Filter: orderFilter(filter.OpGt, 10)}},
				OnEvent:  recordEvents(rec, "target"),
			})
			require.NoError(t, err)

			// The higher priority statement runs first and changes the
			// target's filter after the match set was computed.
			_, err = rt.Deploy(StatementDef{
				Name:     "changer",
				Priority: 10,
				Streams:  []StreamDef{{Filter: anyOrder()}},
				OnEvent: func(*StatementContext, event.Event, []int) error {
					return rt.ReplaceStream("target", 0, tt.newFilter)
				},
			})
			require.NoError(t, err)

			sendOrder(t, rt, 50)
			assert.Equal(t, tt.wantCalls, rec.Count("target"))
			assert.Equal(t, int64(0), rt.FilterFaultDrops())
		})
	}
}

func TestProcess_FilterFaultRetryIsBounded(t *testing.T) {
	rt := newTestRuntime(t, func(c *config.Config) { c.Execution.MaxFilterFaults = 3 })
	incidents := collectIncidents(rt)
	rec := testutil.NewRecorder()

	var target *Statement
	faults := 0
	var err error
	target, err = rt.Deploy(StatementDef{
		Name:    "unstable",
		Streams: []StreamDef{{Filter: anyOrder()}},
		OnEvent: recordEvents(rec, "unstable"),
		// Every check finds a newer filter version.
		FilterFaultHandler: statement.FilterFaultHandlerFunc(func(_ event.Event, version int64) bool {
			faults++
			target.Handle().FilterVersion.Set(version + 1)
			return false
		}),
	})
	require.NoError(t, err)
	target.Handle().FilterVersion.Set(rt.filters.Version() + 1)

	sendOrder(t, rt, 1)

	assert.Equal(t, 4, faults)
	assert.Equal(t, 0, rec.Len())
	assert.Equal(t, int64(1), rt.FilterFaultDrops())
	require.Len(t, *incidents, 1)
	assert.Equal(t, except.TypeFilterFault, (*incidents)[0].Type)
	assert.Equal(t, "unstable", (*incidents)[0].StatementName)
}

func TestProcess_FilterFaultHandlerRefusal(t *testing.T) {
	rt := newTestRuntime(t)
	rec := testutil.NewRecorder()

	handled := 0
	st, err := rt.Deploy(StatementDef{
		Name:    "guarded",
		Streams: []StreamDef{{Filter: anyOrder()}},
		OnEvent: recordEvents(rec, "guarded"),
		FilterFaultHandler: statement.FilterFaultHandlerFunc(func(event.Event, int64) bool {
			handled++
			return true
		}),
	})
	require.NoError(t, err)
	st.Handle().FilterVersion.Set(rt.filters.Version() + 1)

	sendOrder(t, rt, 1)
	assert.Equal(t, 1, handled)
	assert.Equal(t, 0, rec.Len())
	assert.Equal(t, int64(0), rt.FilterFaultDrops())
}

func TestProcess_ReplaceStreamFromStatement(t *testing.T) {
	rt := newTestRuntime(t)
	rec := testutil.NewRecorder()

	// Fires once, then narrows itself past every later order.
	_, err := rt.Deploy(StatementDef{
		Name:    "once",
		Streams: []StreamDef{{Filter: anyOrder()}},
		OnEvent: func(sc *StatementContext, ev event.Event, _ []int) error {
			rec.Record("once", sc.Time(), ev)
			return sc.ReplaceStream(0, *orderFilter(filter.OpGt, 1000))
		},
	})
	require.NoError(t, err)

	sendOrder(t, rt, 1)
	sendOrder(t, rt, 2)
	sendOrder(t, rt, 2000)
	assert.Equal(t, 2, rec.Count("once"))

	err = rt.ReplaceStream("once", 3, nil)
	assert.Error(t, err)
	err = rt.ReplaceStream("missing", 0, nil)
	assert.True(t, IsDeployment(err))
}

func TestProcess_StatementFailureIsIsolated(t *testing.T) {
	rt := newTestRuntime(t)
	incidents := collectIncidents(rt)
	rec := testutil.NewRecorder()

	_, err := rt.Deploy(StatementDef{
		Name:    "panics",
		Streams: []StreamDef{{Filter: anyOrder()}},
		OnEvent: func(*StatementContext, event.Event, []int) error { panic("statement bug") },
	})
	require.NoError(t, err)
	_, err = rt.Deploy(StatementDef{
		Name:    "fails",
		Streams: []StreamDef{{Filter: anyOrder()}},
		OnEvent: func(*StatementContext, event.Event, []int) error { return errors.New("bad input") },
	})
	require.NoError(t, err)
	_, err = rt.Deploy(StatementDef{
		Name:    "healthy",
		Streams: []StreamDef{{Filter: anyOrder()}},
		OnEvent: recordEvents(rec, "healthy"),
	})
	require.NoError(t, err)

	require.NoError(t, rt.SendEventMap(map[string]any{"amount": 1}, "Order"))
	require.NoError(t, rt.SendEventMap(map[string]any{"amount": 2}, "Order"))

	assert.Equal(t, 2, rec.Count("healthy"))
	require.Len(t, *incidents, 4)
	names := map[string]int{}
	for _, c := range *incidents {
		assert.Equal(t, except.TypeProcess, c.Type)
		assert.Equal(t, "Order", c.EventType)
		names[c.StatementName]++
	}
	assert.Equal(t, map[string]int{"panics": 2, "fails": 2}, names)
}

func TestProcess_ListenerPanicIsReported(t *testing.T) {
	rt := newTestRuntime(t)
	incidents := collectIncidents(rt)
	rec := testutil.NewRecorder()

	_, err := rt.Deploy(StatementDef{
		Name:    "orders",
		Streams: []StreamDef{{Filter: anyOrder()}},
		Listeners: []Listener{
			func(*Pass, Update) { panic("listener bug") },
			recordTo(rec, "second"),
		},
	})
	require.NoError(t, err)

	require.NoError(t, rt.SendEventMap(map[string]any{"amount": 1}, "Order"))
	assert.Equal(t, 1, rec.Count("second"))
	require.Len(t, *incidents, 1)
	assert.Equal(t, except.TypeListener, (*incidents)[0].Type)
}

func TestProcess_JournalReceivesIncidents(t *testing.T) {
	journal := &memoryJournal{}
	cfg := config.Default()
	rt, err := New(cfg, WithLogger(discardLogger()), WithJournal(journal))
	require.NoError(t, err)
	t.Cleanup(func() { rt.Destroy() })
	_, err = rt.Types().Register(event.Type{Name: "Order", Kind: event.KindMap})
	require.NoError(t, err)

	_, err = rt.Deploy(StatementDef{
		Name:    "fails",
		Streams: []StreamDef{{Filter: anyOrder()}},
		OnEvent: func(*StatementContext, event.Event, []int) error { return errors.New("bad input") },
	})
	require.NoError(t, err)

	sendOrder(t, rt, 1)
	incidents := journal.all()
	require.Len(t, incidents, 1)
	assert.Equal(t, "PROCESS", incidents[0].Type)
	assert.Equal(t, "fails", incidents[0].Statement)
	assert.Equal(t, "bad input", incidents[0].Message)
}

func TestProcess_FailedPassClearsScratch(t *testing.T) {
	rt := newTestRuntime(t)
	p, err := rt.acquirePass()
	require.NoError(t, err)

	var caught error
	func() {
		defer p.recoverFailure("Order", &caught)
		p.matches = append(p.matches, filter.Match{})
		p.queue.AddBack(nil)
		panic("scratch corrupted")
	}()

	require.Error(t, caught)
	assert.True(t, IsProcessingFailed(caught))
	assert.Empty(t, p.matches)
	assert.Equal(t, 0, p.queue.Len())
}

type memoryJournal struct {
	mu        sync.Mutex
	incidents []except.Incident
}

func (j *memoryJournal) RecordIncident(_ context.Context, inc except.Incident) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.incidents = append(j.incidents, inc)
	return nil
}

func (j *memoryJournal) all() []except.Incident {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]except.Incident(nil), j.incidents...)
}
