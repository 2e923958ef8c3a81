package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cepcore/internal/config"
	"github.com/roach88/cepcore/internal/event"
	"github.com/roach88/cepcore/internal/filter"
	"github.com/roach88/cepcore/internal/testutil"
)

func quiesce(t *testing.T, rt *Runtime) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, rt.Quiesce(ctx))
}

func TestThreading_InboundPool(t *testing.T) {
	rt := newTestRuntime(t, func(c *config.Config) { c.Threading.InboundWorkers = 4 })
	rec := testutil.NewRecorder()

	_, err := rt.Deploy(StatementDef{
		Name:    "orders",
		Streams: []StreamDef{{Filter: anyOrder()}},
		OnEvent: recordEvents(rec, "orders"),
	})
	require.NoError(t, err)

	const events = 200
	for i := range events {
		sendOrder(t, rt, i)
	}
	quiesce(t, rt)

	assert.Equal(t, events, rec.Count("orders"))
	assert.Equal(t, int64(events), rt.NumEventsEvaluated())
}

func TestThreading_RoutePool(t *testing.T) {
	rt := newTestRuntime(t, func(c *config.Config) { c.Threading.RouteWorkers = 4 })
	rec := testutil.NewRecorder()

	for _, name := range []string{"a", "b", "c"} {
		_, err := rt.Deploy(StatementDef{
			Name:       name,
			Streams:    []StreamDef{{Filter: anyOrder()}},
			InsertInto: &InsertInto{TypeName: "Audit"},
		})
		require.NoError(t, err)
	}
	_, err := rt.Deploy(StatementDef{
		Name:    "audit",
		Streams: []StreamDef{{Filter: &filter.Spec{TypeName: "Audit"}}},
		OnEvent: recordEvents(rec, "audit"),
	})
	require.NoError(t, err)

	const events = 50
	for i := range events {
		sendOrder(t, rt, i)
	}
	quiesce(t, rt)

	assert.Equal(t, 3*events, rec.Count("audit"))
}

func TestThreading_TimerPool(t *testing.T) {
	rt := newTestRuntime(t, func(c *config.Config) { c.Threading.TimerWorkers = 2 })
	rec := testutil.NewRecorder()

	for _, name := range []string{"x", "y"} {
		_, err := rt.Deploy(StatementDef{
			Name:      name,
			Timers:    []TimerDef{{Name: name, EveryMs: 10}},
			Listeners: []Listener{recordTimers(rec)},
		})
		require.NoError(t, err)
	}

	require.NoError(t, rt.AdvanceTimeSpan(100, 0))
	quiesce(t, rt)

	assert.Equal(t, 10, rec.Count("x"))
	assert.Equal(t, 10, rec.Count("y"))
}

func TestThreading_LatchingKeepsProductionOrder(t *testing.T) {
	for _, mode := range []string{"spin", "block"} {
		t.Run(mode, func(t *testing.T) {
			rt := newTestRuntime(t, func(c *config.Config) {
				c.Threading.InboundWorkers = 4
				c.Execution.Latching = true
				c.Execution.LatchMode = mode
				c.Execution.LatchTimeout = time.Second
			})

			var mu sync.Mutex
			var produced, consumed []any

			_, err := rt.Deploy(StatementDef{
				Name:       "producer",
				Streams:    []StreamDef{{Filter: anyOrder()}},
				InsertInto: &InsertInto{TypeName: "Audit"},
				OnEvent: func(sc *StatementContext, ev event.Event, _ []int) error {
					amount, _ := ev.Get("amount")
					mu.Lock()
					produced = append(produced, amount)
					mu.Unlock()
					sc.Emit(ev)
					return nil
				},
			})
			require.NoError(t, err)
			_, err = rt.Deploy(StatementDef{
				Name:    "consumer",
				Streams: []StreamDef{{Filter: &filter.Spec{TypeName: "Audit"}}},
				OnEvent: func(_ *StatementContext, ev event.Event, _ []int) error {
					amount, _ := ev.Get("amount")
					mu.Lock()
					consumed = append(consumed, amount)
					mu.Unlock()
					return nil
				},
			})
			require.NoError(t, err)

			producer := st(t, rt, "producer")
			require.NotNil(t, producer.Handle().FrontLatches)

			const events = 100
			for i := range events {
				sendOrder(t, rt, i)
			}
			quiesce(t, rt)

			mu.Lock()
			defer mu.Unlock()
			require.Len(t, produced, events)
			assert.Equal(t, produced, consumed)
		})
	}
}

func TestThreading_DestroyClosesPools(t *testing.T) {
	rt := newTestRuntime(t, func(c *config.Config) {
		c.Threading.InboundWorkers = 2
		c.Threading.RouteWorkers = 2
	})

	require.NoError(t, rt.Destroy())
	err := rt.SendEventMap(map[string]any{"amount": 1}, "Order")
	assert.True(t, IsDestroyed(err))
}

func TestThreading_RoutePoolSaturated(t *testing.T) {
	rt := newTestRuntime(t, func(c *config.Config) {
		c.Threading.RouteWorkers = 1
		c.Threading.QueueCapacity = 1
	})
	rec := testutil.NewRecorder()

	for _, name := range []string{"p1", "p2"} {
		_, err := rt.Deploy(StatementDef{
			Name:       name,
			Streams:    []StreamDef{{Filter: anyOrder()}},
			InsertInto: &InsertInto{TypeName: "Audit"},
		})
		require.NoError(t, err)
	}
	for _, name := range []string{"c1", "c2", "c3"} {
		_, err := rt.Deploy(StatementDef{
			Name:    name,
			Streams: []StreamDef{{Filter: &filter.Spec{TypeName: "Audit"}}},
			OnEvent: recordEvents(rec, name),
		})
		require.NoError(t, err)
	}

	const events = 40
	for i := range events {
		sendOrder(t, rt, i)
	}
	quiesce(t, rt)

	for _, name := range []string{"c1", "c2", "c3"} {
		assert.Equal(t, 2*events, rec.Count(name), name)
	}

	done := make(chan error, 1)
	go func() { done <- rt.Destroy() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("destroy did not return")
	}
}

func TestThreading_InboundPoolSaturatedBySelfSend(t *testing.T) {
	rt := newTestRuntime(t, func(c *config.Config) {
		c.Threading.InboundWorkers = 1
		c.Threading.RouteWorkers = 1
		c.Threading.QueueCapacity = 1
	})
	rec := testutil.NewRecorder()

	_, err := rt.Deploy(StatementDef{
		Name:       "orders",
		Streams:    []StreamDef{{Filter: anyOrder()}},
		InsertInto: &InsertInto{TypeName: "Audit"},
		Listeners: []Listener{func(_ *Pass, u Update) {
			amount, _ := u.Event.Get("amount")
			assert.NoError(t, rt.SendEventMap(map[string]any{"amount": amount}, "Tick"))
		}},
	})
	require.NoError(t, err)
	for _, name := range []string{"Audit", "Tick"} {
		_, err := rt.Deploy(StatementDef{
			Name:    name,
			Streams: []StreamDef{{Filter: &filter.Spec{TypeName: name}}},
			OnEvent: recordEvents(rec, name),
		})
		require.NoError(t, err)
	}

	const events = 40
	for i := range events {
		sendOrder(t, rt, i)
	}
	quiesce(t, rt)

	assert.Equal(t, events, rec.Count("Audit"))
	assert.Equal(t, events, rec.Count("Tick"))
}

func TestThreading_RoutePoolKeepsMetrics(t *testing.T) {
	rt := newTestRuntime(t, func(c *config.Config) { c.Threading.RouteWorkers = 2 })
	rec := testutil.NewRecorder()

	_, err := rt.Deploy(StatementDef{
		Name:       "producer",
		Streams:    []StreamDef{{Filter: anyOrder()}},
		InsertInto: &InsertInto{TypeName: "Audit"},
	})
	require.NoError(t, err)
	_, err = rt.Deploy(StatementDef{
		Name:    "measured",
		Streams: []StreamDef{{Filter: &filter.Spec{TypeName: "Audit"}}},
		OnEvent: recordEvents(rec, "measured"),
		Metrics: true,
	})
	require.NoError(t, err)

	const events = 20
	for i := range events {
		sendOrder(t, rt, i)
	}
	quiesce(t, rt)

	require.Equal(t, events, rec.Count("measured"))
	stats := rt.Metrics().Snapshot()
	require.Len(t, stats, 1)
	assert.Equal(t, "measured", stats[0].Statement)
	assert.Equal(t, int64(events), stats[0].Invocations)
	assert.Equal(t, int64(events), stats[0].InputEvents)
}
