package harness

import (
	"fmt"
	"reflect"
	"strings"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, ev := range e.Trace {
		if ev.Timer != "" {
			fmt.Fprintf(&buf, "  [%d] t=%d %s timer %s\n", ev.Seq, ev.Time, ev.Statement, ev.Timer)
			continue
		}
		fmt.Fprintf(&buf, "  [%d] t=%d %s %s %v\n", ev.Seq, ev.Time, ev.Statement, ev.EventType, ev.Event)
	}

	return buf.String()
}

// Evaluate checks one assertion against a trace.
func Evaluate(trace []TraceEvent, a Assertion) error {
	switch a.Type {
	case AssertTraceCount:
		return assertTraceCount(trace, a)
	case AssertTraceOrder:
		return assertTraceOrder(trace, a)
	case AssertNotDelivered:
		return assertNotDelivered(trace, a)
	case AssertTraceContains:
		return assertTraceContains(trace, a)
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

// assertTraceCount checks the statement appears exactly Count times.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if ev.Statement == a.Statement {
			count++
		}
	}

	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d deliveries to %s", a.Count, a.Statement),
			Actual:   fmt.Sprintf("%d deliveries", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertTraceOrder checks the statements appear as a subsequence of the
// trace. Intervening deliveries are allowed and a name may repeat.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	next := 0
	for _, ev := range trace {
		if next < len(a.Statements) && ev.Statement == a.Statements[next] {
			next++
		}
	}

	if next < len(a.Statements) {
		return &AssertionError{
			Type:     AssertTraceOrder,
			Expected: fmt.Sprintf("statements in order: %v", a.Statements),
			Actual:   fmt.Sprintf("matched %v, missing %s", a.Statements[:next], a.Statements[next]),
			Trace:    trace,
		}
	}
	return nil
}

// assertNotDelivered checks the statement never appears.
func assertNotDelivered(trace []TraceEvent, a Assertion) error {
	for _, ev := range trace {
		if ev.Statement == a.Statement {
			return &AssertionError{
				Type:     AssertNotDelivered,
				Expected: fmt.Sprintf("no deliveries to %s", a.Statement),
				Actual:   fmt.Sprintf("delivered at seq %d", ev.Seq),
				Trace:    trace,
			}
		}
	}
	return nil
}

// assertTraceContains checks the statement received an event whose payload
// holds every property in a.Event (subset match).
func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, ev := range trace {
		if ev.Statement != a.Statement {
			continue
		}
		if matchProperties(ev.Event, a.Event) {
			return nil
		}
	}

	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("%s with event %v", a.Statement, a.Event),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// matchProperties reports whether payload carries every expected property.
// Numbers compare by value so YAML ints match float payloads.
func matchProperties(payload any, expected map[string]any) bool {
	if len(expected) == 0 {
		return true
	}
	m, ok := payload.(map[string]any)
	if !ok {
		return false
	}
	for k, want := range expected {
		got, ok := m[k]
		if !ok || !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

func valuesEqual(a, b any) bool {
	af, aok := number(a)
	bf, bok := number(b)
	if aok && bok {
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
