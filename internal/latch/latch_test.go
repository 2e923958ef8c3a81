package latch

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cepcore/internal/event"
)

func testEvent(t *testing.T, n int) event.Event {
	t.Helper()
	r := event.NewRegistry()
	typ, err := r.Register(event.Type{Name: "Out", Kind: event.KindMap})
	require.NoError(t, err)
	return event.NewMap(typ, map[string]any{"n": n})
}

func TestFactory_OrdersConsumers(t *testing.T) {
	for _, mode := range []Mode{ModeSpin, ModeBlock} {
		t.Run(mode.String(), func(t *testing.T) {
			f := NewFactory("producer", mode, time.Second)

			first := f.NewLatch(testEvent(t, 1))
			second := f.NewLatch(testEvent(t, 2))

			var mu sync.Mutex
			var order []any
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				ev := second.Await()
				v, _ := ev.Get("n")
				mu.Lock()
				order = append(order, v)
				mu.Unlock()
				second.Done()
			}()

			time.Sleep(10 * time.Millisecond)
			ev := first.Await()
			v, _ := ev.Get("n")
			mu.Lock()
			order = append(order, v)
			mu.Unlock()
			first.Done()

			wg.Wait()
			assert.Equal(t, []any{1, 2}, order)
		})
	}
}

func TestFactory_TimeoutProceeds(t *testing.T) {
	for _, mode := range []Mode{ModeSpin, ModeBlock} {
		t.Run(mode.String(), func(t *testing.T) {
			f := NewFactory("producer", mode, 5*time.Millisecond)
			_ = f.NewLatch(testEvent(t, 1))
			second := f.NewLatch(testEvent(t, 2))

			start := time.Now()
			ev := second.Await()
			assert.NotNil(t, ev)
			assert.Less(t, time.Since(start), time.Second)
		})
	}
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("Block")
	require.NoError(t, err)
	assert.Equal(t, ModeBlock, m)

	m, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeSpin, m)

	_, err = ParseMode("sleep")
	assert.Error(t, err)
}
