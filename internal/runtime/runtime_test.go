package runtime

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cepcore/internal/config"
	"github.com/roach88/cepcore/internal/event"
	"github.com/roach88/cepcore/internal/filter"
	"github.com/roach88/cepcore/internal/testutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRuntime(t *testing.T, configure ...func(*config.Config)) *Runtime {
	t.Helper()
	cfg := config.Default()
	for _, fn := range configure {
		fn(&cfg)
	}
	rt, err := New(cfg, WithLogger(discardLogger()), WithIDGenerator(NewFixedGenerator("dep")))
	require.NoError(t, err)
	t.Cleanup(func() { rt.Destroy() })

	for _, name := range []string{"Order", "Audit", "Enriched", "Tick"} {
		_, err := rt.Types().Register(event.Type{Name: name, Kind: event.KindMap})
		require.NoError(t, err)
	}
	return rt
}

func prioritized(c *config.Config) { c.Execution.Prioritized = true }

func orderFilter(op filter.Op, amount any) *filter.Spec {
	return &filter.Spec{
		TypeName:   "Order",
		Predicates: []filter.Predicate{{Property: "amount", Op: op, Value: amount}},
	}
}

func anyOrder() *filter.Spec { return &filter.Spec{TypeName: "Order"} }

// recordEvents returns a statement body that records its name and emits
// nothing.
func recordEvents(rec *testutil.Recorder, label string) EventFunc {
	return func(sc *StatementContext, ev event.Event, _ []int) error {
		rec.Record(label, sc.Time(), ev)
		return nil
	}
}

func recordTo(rec *testutil.Recorder, label string) Listener {
	return func(_ *Pass, u Update) {
		rec.Record(label, u.Time, u.Event)
	}
}

func sendOrder(t *testing.T, rt *Runtime, amount int) {
	t.Helper()
	require.NoError(t, rt.SendEventMap(map[string]any{"amount": amount, "symbol": "ACME"}, "Order"))
}

func TestRuntime_New(t *testing.T) {
	rt := newTestRuntime(t)

	assert.False(t, rt.IsDestroyed())
	assert.True(t, rt.Config().Time.External)
	assert.Equal(t, int64(0), rt.CurrentTime())
	assert.Empty(t, rt.Statements())
}

func TestRuntime_NewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Execution.MaxFilterFaults = 0
	_, err := New(cfg)
	assert.Error(t, err)

	cfg = config.Default()
	cfg.Execution.LatchMode = "sleep"
	_, err = New(cfg)
	assert.Error(t, err)
}

func TestRuntime_DeployAndList(t *testing.T) {
	rt := newTestRuntime(t)

	st, err := rt.Deploy(StatementDef{Name: "b", Streams: []StreamDef{{Filter: anyOrder()}}})
	require.NoError(t, err)
	_, err = rt.Deploy(StatementDef{Name: "a", Streams: []StreamDef{{Filter: anyOrder()}}})
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, rt.Statements())
	assert.Equal(t, "dep-1", st.DeploymentID())
	assert.Equal(t, "b", st.Name())
	assert.Equal(t, 1, st.Handle().StatementID)

	got, ok := rt.Statement("a")
	require.True(t, ok)
	assert.Equal(t, 2, got.Handle().StatementID)
}

func TestRuntime_DeployErrors(t *testing.T) {
	rt := newTestRuntime(t)
	_, err := rt.Deploy(StatementDef{Name: "dup", Streams: []StreamDef{{Filter: anyOrder()}}})
	require.NoError(t, err)

	tests := []struct {
		name string
		def  StatementDef
	}{
		{"missing name", StatementDef{Streams: []StreamDef{{Filter: anyOrder()}}}},
		{"no streams or timers", StatementDef{Name: "empty"}},
		{"duplicate", StatementDef{Name: "dup", Streams: []StreamDef{{Filter: anyOrder()}}}},
		{"filter and window", StatementDef{Name: "both", Streams: []StreamDef{{Filter: anyOrder(), Window: "w"}}}},
		{"unknown window", StatementDef{Name: "w", Streams: []StreamDef{{Window: "missing"}}}},
		{"unknown into window", StatementDef{Name: "iw", Streams: []StreamDef{{Filter: anyOrder()}}, IntoWindow: "missing"}},
		{"undeclared variable", StatementDef{Name: "v", Streams: []StreamDef{{Filter: anyOrder()}}, Variables: []string{"missing"}}},
		{"bad operator", StatementDef{Name: "op", Streams: []StreamDef{{Filter: orderFilter("~", 1)}}}},
		{"timer without schedule", StatementDef{Name: "t", Timers: []TimerDef{{Name: "t"}}}},
		{"bad cron", StatementDef{Name: "c", Timers: []TimerDef{{Name: "c", Cron: "every day"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := rt.Deploy(tt.def)
			require.Error(t, err)
			assert.True(t, IsDeployment(err), "got %v", err)
		})
	}

	// Failed deployments leave nothing behind
	assert.Equal(t, []string{"dup"}, rt.Statements())
	assert.Equal(t, 0, rt.schedules.Len())
}

func TestRuntime_Undeploy(t *testing.T) {
	rt := newTestRuntime(t)
	rec := testutil.NewRecorder()

	_, err := rt.Deploy(StatementDef{
		Name:    "orders",
		Streams: []StreamDef{{Filter: anyOrder()}},
		Timers:  []TimerDef{{Name: "later", AfterMs: 100}},
		OnEvent: recordEvents(rec, "orders"),
	})
	require.NoError(t, err)

	sendOrder(t, rt, 1)
	require.NoError(t, rt.Undeploy("orders"))
	sendOrder(t, rt, 2)

	assert.Equal(t, 1, rec.Count("orders"))
	assert.Equal(t, 0, rt.schedules.Len())
	assert.Empty(t, rt.Statements())

	err = rt.Undeploy("orders")
	assert.True(t, IsDeployment(err))
}

func TestRuntime_SendEventErrors(t *testing.T) {
	rt := newTestRuntime(t)
	_, err := rt.Types().Register(event.Type{Name: "Bean", Kind: event.KindBean})
	require.NoError(t, err)

	type payload struct{ Amount int }
	var nilPayload *payload

	err = rt.SendEventMap(nil, "Order")
	assert.True(t, IsInvalidInput(err), "nil map: %v", err)

	err = rt.SendEventBean(nil, "Bean")
	assert.True(t, IsInvalidInput(err), "nil bean: %v", err)

	err = rt.SendEventBean(nilPayload, "Bean")
	assert.True(t, IsInvalidInput(err), "typed nil bean: %v", err)

	err = rt.SendEventMap(map[string]any{}, "Unknown")
	assert.True(t, IsUnknownEventType(err), "unknown type: %v", err)

	err = rt.SendEventBean(payload{Amount: 1}, "Order")
	assert.True(t, IsInvalidInput(err), "kind mismatch: %v", err)

	err = rt.SendEventJSON("", "Order")
	assert.True(t, IsInvalidInput(err), "empty json: %v", err)

	err = rt.ProcessWrappedEvent(nil)
	assert.True(t, IsInvalidInput(err))
}

func TestRuntime_SendEventRepresentations(t *testing.T) {
	rt := newTestRuntime(t)
	rec := testutil.NewRecorder()

	types := []event.Type{
		{Name: "BeanOrder", Kind: event.KindBean},
		{Name: "ArrayOrder", Kind: event.KindObjectArray, Properties: []string{"amount"}},
		{Name: "XMLOrder", Kind: event.KindXML},
		{Name: "JSONOrder", Kind: event.KindJSON},
		{Name: "AvroOrder", Kind: event.KindAvro},
	}
	for _, typ := range types {
		_, err := rt.Types().Register(typ)
		require.NoError(t, err)
		_, err = rt.Deploy(StatementDef{
			Name: "on" + typ.Name,
			Streams: []StreamDef{{Filter: &filter.Spec{
				TypeName:   typ.Name,
				Predicates: []filter.Predicate{{Property: "amount", Op: filter.OpGte, Value: 5}},
			}}},
			OnEvent: recordEvents(rec, typ.Name),
		})
		require.NoError(t, err)
	}

	type order struct {
		Amount int `cep:"amount"`
	}
	require.NoError(t, rt.SendEventBean(order{Amount: 5}, "BeanOrder"))
	require.NoError(t, rt.SendEventObjectArray([]any{6}, "ArrayOrder"))
	require.NoError(t, rt.SendEventXML([]byte(`<order><amount>7</amount></order>`), "XMLOrder"))
	require.NoError(t, rt.SendEventJSON(`{"amount": 8}`, "JSONOrder"))
	require.NoError(t, rt.SendEventAvro(map[string]any{"amount": 9}, "AvroOrder"))

	assert.Equal(t, []string{"BeanOrder", "ArrayOrder", "XMLOrder", "JSONOrder", "AvroOrder"}, rec.Labels())

	err := rt.SendEventObjectArray([]any{1, 2}, "ArrayOrder")
	assert.True(t, IsInvalidInput(err), "too many values: %v", err)
}

func TestRuntime_EventSender(t *testing.T) {
	rt := newTestRuntime(t)
	rec := testutil.NewRecorder()

	_, err := rt.Deploy(StatementDef{
		Name:    "orders",
		Streams: []StreamDef{{Filter: anyOrder()}},
	})
	require.NoError(t, err)
	_, err = rt.Deploy(StatementDef{
		Name:    "audit",
		Streams: []StreamDef{{Filter: &filter.Spec{TypeName: "Audit"}}},
		OnEvent: recordEvents(rec, "audit"),
	})
	require.NoError(t, err)

	orders, err := rt.EventSender("Order")
	require.NoError(t, err)
	audits, err := rt.EventSender("Audit")
	require.NoError(t, err)

	st(t, rt, "orders").AddListener(func(p *Pass, u Update) {
		rec.Record("orders", u.Time, u.Event)
		assert.NoError(t, audits.RouteEvent(p, map[string]any{"of": u.Event.Underlying()}))
	})

	require.NoError(t, orders.SendEvent(map[string]any{"amount": 1}))
	assert.Equal(t, []string{"orders", "audit"}, rec.Labels())
	assert.Equal(t, int64(1), rt.RoutedExternal())

	err = orders.SendEvent("not a map")
	assert.True(t, IsInvalidInput(err))

	_, err = rt.EventSender("Unknown")
	assert.True(t, IsUnknownEventType(err))
}

func TestRuntime_RouteFromListenerRunsInSamePass(t *testing.T) {
	rt := newTestRuntime(t)
	rec := testutil.NewRecorder()

	_, err := rt.Deploy(StatementDef{
		Name:    "orders",
		Streams: []StreamDef{{Filter: anyOrder()}},
		Listeners: []Listener{func(p *Pass, u Update) {
			rec.Record("orders", u.Time, u.Event)
			assert.NoError(t, p.RouteEventMap(map[string]any{"amount": 0}, "Audit"))
		}},
	})
	require.NoError(t, err)
	_, err = rt.Deploy(StatementDef{
		Name:      "audit",
		Streams:   []StreamDef{{Filter: &filter.Spec{TypeName: "Audit"}}},
		Listeners: []Listener{recordTo(rec, "audit")},
	})
	require.NoError(t, err)

	sendOrder(t, rt, 3)
	assert.Equal(t, []string{"orders", "audit"}, rec.Labels())

	err = func() error {
		p, err := rt.acquirePass()
		require.NoError(t, err)
		defer rt.releasePass(p)
		return p.RouteEventMap(nil, "Audit")
	}()
	assert.True(t, IsInvalidInput(err))
}

func TestRuntime_AddFrontRunsBeforeQueuedBackEvents(t *testing.T) {
	rt := newTestRuntime(t)
	rec := testutil.NewRecorder()
	audit, err := rt.Types().Lookup("Audit")
	require.NoError(t, err)

	_, err = rt.Deploy(StatementDef{
		Name:    "split",
		Streams: []StreamDef{{Filter: anyOrder()}},
		OnEvent: func(sc *StatementContext, _ event.Event, _ []int) error {
			sc.Pass().Add(event.NewMap(audit, map[string]any{"tag": "back"}))
			sc.Pass().AddFront(event.NewMap(audit, map[string]any{"tag": "front"}))
			return nil
		},
	})
	require.NoError(t, err)
	_, err = rt.Deploy(StatementDef{
		Name:    "audit",
		Streams: []StreamDef{{Filter: &filter.Spec{TypeName: "Audit"}}},
		OnEvent: func(sc *StatementContext, ev event.Event, _ []int) error {
			tag, _ := ev.Get("tag")
			rec.Record(tag.(string), sc.Time(), ev)
			return nil
		},
	})
	require.NoError(t, err)

	sendOrder(t, rt, 1)
	assert.Equal(t, []string{"front", "back"}, rec.Labels())
	assert.Equal(t, int64(2), rt.RoutedInternal())
}

func TestRuntime_UnmatchedListener(t *testing.T) {
	rt := newTestRuntime(t)
	rec := testutil.NewRecorder()

	// Deploying from the unmatched listener must not deadlock.
	rt.SetUnmatchedListener(func(p *Pass, ev event.Event) {
		rec.Record("unmatched", p.Time(), ev)
		if _, ok := rt.Statement("late"); !ok {
			_, err := rt.Deploy(StatementDef{
				Name:    "late",
				Streams: []StreamDef{{Filter: anyOrder()}},
				OnEvent: recordEvents(rec, "late"),
			})
			assert.NoError(t, err)
		}
	})

	sendOrder(t, rt, 1)
	sendOrder(t, rt, 2)
	assert.Equal(t, []string{"unmatched", "late"}, rec.Labels())

	rt.SetUnmatchedListener(nil)
	require.NoError(t, rt.Undeploy("late"))
	sendOrder(t, rt, 3)
	assert.Equal(t, 2, rec.Len())
}

func TestRuntime_UnmatchedListenerPanicIsSuppressed(t *testing.T) {
	rt := newTestRuntime(t)
	rt.SetUnmatchedListener(func(*Pass, event.Event) { panic("boom") })

	assert.NotPanics(t, func() { sendOrder(t, rt, 1) })
}

func TestRuntime_Interceptor(t *testing.T) {
	rt := newTestRuntime(t)
	rec := testutil.NewRecorder()

	_, err := rt.Deploy(StatementDef{
		Name:    "orders",
		Streams: []StreamDef{{Filter: anyOrder()}},
		OnEvent: recordEvents(rec, "orders"),
	})
	require.NoError(t, err)

	rt.SetInterceptor(func(ev event.Event) bool {
		amount, _ := ev.Get("amount")
		return amount != 13
	})
	sendOrder(t, rt, 13)
	sendOrder(t, rt, 14)
	assert.Equal(t, 1, rec.Len())

	rt.SetInterceptor(nil)
	sendOrder(t, rt, 13)
	assert.Equal(t, 2, rec.Len())
}

func TestRuntime_Variables(t *testing.T) {
	rt := newTestRuntime(t)
	require.NoError(t, rt.Variables().Declare("threshold", 10))

	var seen []any
	_, err := rt.Deploy(StatementDef{
		Name:      "threshold",
		Streams:   []StreamDef{{Filter: anyOrder()}},
		Variables: []string{"threshold"},
		OnEvent: func(sc *StatementContext, ev event.Event, _ []int) error {
			v, err := sc.Variable("threshold")
			if err != nil {
				return err
			}
			seen = append(seen, v)
			amount, _ := ev.Get("amount")
			return sc.SetVariable("threshold", amount)
		},
	})
	require.NoError(t, err)

	sendOrder(t, rt, 20)
	sendOrder(t, rt, 30)
	assert.Equal(t, []any{10, 20}, seen)
	assert.True(t, st(t, rt, "threshold").Handle().HasVariables)
}

func TestRuntime_Tables(t *testing.T) {
	rt := newTestRuntime(t)

	_, err := rt.Deploy(StatementDef{
		Name:    "last",
		Streams: []StreamDef{{Filter: anyOrder()}},
		Tables:  []string{"latest"},
		OnEvent: func(sc *StatementContext, ev event.Event, _ []int) error {
			tbl, err := sc.Table("latest")
			if err != nil {
				return err
			}
			symbol, _ := ev.Get("symbol")
			amount, _ := ev.Get("amount")
			tbl.Put(symbol.(string), map[string]any{"amount": amount})
			assert.Equal(t, 1, sc.Pass().Tables().Held())

			_, err = sc.Table("other")
			assert.Error(t, err)
			return nil
		},
	})
	require.NoError(t, err)

	sendOrder(t, rt, 5)
	tbl, err := rt.Tables().Lookup("latest")
	require.NoError(t, err)
	row, ok := tbl.Get("ACME")
	require.True(t, ok)
	assert.Equal(t, 5, row["amount"])
}

func TestRuntime_Metrics(t *testing.T) {
	rt := newTestRuntime(t)
	_, err := rt.Deploy(StatementDef{Name: "measured", Streams: []StreamDef{{Filter: anyOrder()}}, Metrics: true})
	require.NoError(t, err)
	_, err = rt.Deploy(StatementDef{Name: "plain", Streams: []StreamDef{{Filter: anyOrder()}}})
	require.NoError(t, err)

	sendOrder(t, rt, 1)
	sendOrder(t, rt, 2)

	stats := rt.Metrics().Snapshot()
	require.Len(t, stats, 1)
	assert.Equal(t, "measured", stats[0].Statement)
	assert.Equal(t, int64(2), stats[0].Invocations)
	assert.Equal(t, int64(2), stats[0].InputEvents)
	assert.Equal(t, int64(2), rt.NumEventsEvaluated())

	rt.ResetStats()
	assert.Empty(t, rt.Metrics().Snapshot())
	assert.Equal(t, int64(0), rt.NumEventsEvaluated())
}

func TestRuntime_Destroy(t *testing.T) {
	rt := newTestRuntime(t)
	st, err := rt.Deploy(StatementDef{Name: "orders", Streams: []StreamDef{{Filter: anyOrder()}}})
	require.NoError(t, err)

	require.NoError(t, rt.Destroy())
	require.NoError(t, rt.Destroy())

	assert.True(t, rt.IsDestroyed())
	assert.True(t, st.Handle().IsDestroyed())
	assert.True(t, IsDestroyed(rt.SendEventMap(map[string]any{"amount": 1}, "Order")))
	assert.True(t, IsDestroyed(rt.AdvanceTime(10)))
	_, err = rt.Deploy(StatementDef{Name: "x", Streams: []StreamDef{{Filter: anyOrder()}}})
	assert.True(t, IsDestroyed(err))

	// Initialize after Destroy is a no-op
	rt.Initialize()
	assert.Nil(t, rt.passes.Load())
}

func TestRuntime_ClearCaches(t *testing.T) {
	rt := newTestRuntime(t)
	rec := testutil.NewRecorder()
	_, err := rt.Deploy(StatementDef{Name: "orders", Streams: []StreamDef{{Filter: anyOrder()}}, OnEvent: recordEvents(rec, "orders")})
	require.NoError(t, err)

	before := rt.passes.Load()
	rt.ClearCaches()
	assert.NotSame(t, before, rt.passes.Load())

	sendOrder(t, rt, 1)
	assert.Equal(t, 1, rec.Len())
}

func st(t *testing.T, rt *Runtime, name string) *Statement {
	t.Helper()
	s, ok := rt.Statement(name)
	require.True(t, ok)
	return s
}
