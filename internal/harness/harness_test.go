package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cepcore/internal/config"
)

func mustParse(t *testing.T, src string) *Scenario {
	t.Helper()
	s, err := ParseScenario([]byte(src))
	require.NoError(t, err)
	return s
}

func TestRun_Representations(t *testing.T) {
	s := mustParse(t, `
name: representations
types:
  - name: Row
    kind: objectarray
    properties: [id, amount]
  - name: Doc
    kind: json
statements: |
  statement: rows: { from: [{type: "Row", where: [{property: "amount", op: ">=", value: 10}]}] }
  statement: docs: { from: [{type: "Doc", where: [{property: "amount", op: ">=", value: 10}]}] }
steps:
  - send: { type: Row, array: [1, 20] }
  - send: { type: Row, array: [2, 5] }
  - send: { type: Doc, json: '{"amount": 30}' }
  - send: { type: Doc, json: '{"amount": 3}' }
assertions:
  - type: trace_count
    statement: rows
    count: 1
  - type: trace_count
    statement: docs
    count: 1
`)

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, []string{"rows", "docs"}, result.Labels())
	assert.Equal(t, []any{1, 20}, result.Trace[0].Event)
	assert.Equal(t, int64(4), result.Stats.EventsEvaluated)
}

func TestRun_FailedAssertion(t *testing.T) {
	s := mustParse(t, `
name: failing
types: [{name: Order}]
statements: |
  statement: all: { from: [{type: "Order"}] }
steps:
  - send: { type: Order, event: { amount: 1 } }
assertions:
  - type: not_delivered
    statement: all
`)

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "not_delivered")
}

func TestRun_StepErrorsAreRecorded(t *testing.T) {
	s := mustParse(t, `
name: step_errors
types: [{name: Order}]
statements: |
  statement: all: { from: [{type: "Order"}] }
steps:
  - send: { type: Missing, event: { amount: 1 } }
  - advance: 100
  - advance: 50
  - send: { type: Order, event: { amount: 1 } }
`)

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "steps[0]")
	assert.Contains(t, result.Errors[1], "steps[2]")
	require.Len(t, result.Trace, 1)
	assert.Equal(t, int64(100), result.Trace[0].Time)
	assert.Equal(t, int64(100), result.Stats.CurrentTime)
}

func TestRun_InvalidStatements(t *testing.T) {
	s := mustParse(t, `
name: invalid
types: [{name: Order}]
statements: |
  statement: all: { from: [{window: "Nope"}] }
steps:
  - advance: 1
`)

	_, err := Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown window")
}

func TestRun_UnknownTypeInStatements(t *testing.T) {
	s := mustParse(t, `
name: unknown_type
statements: |
  statement: all: { from: [{type: "Order"}] }
steps:
  - advance: 1
`)

	_, err := Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown event type")
}

func TestRun_BadConfig(t *testing.T) {
	s := mustParse(t, `
name: bad_config
config:
  execution:
    max_filter_faults: 0
types: [{name: Order}]
statements: |
  statement: all: { from: [{type: "Order"}] }
steps:
  - advance: 1
`)

	_, err := Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_filter_faults")
}

func TestRun_BaseConfig(t *testing.T) {
	base := config.Default()
	base.Time.Start = 1000

	s := mustParse(t, `
name: base_config
types: [{name: Order}]
statements: |
  statement: all: { from: [{type: "Order"}] }
steps:
  - send: { type: Order, event: { amount: 1 } }
`)

	result, err := Run(s, WithConfig(base))
	require.NoError(t, err)
	require.Len(t, result.Trace, 1)
	assert.Equal(t, int64(1000), result.Trace[0].Time)
}

func TestRun_ThreadedInbound(t *testing.T) {
	s := mustParse(t, `
name: threaded
config:
  threading:
    inbound_workers: 2
types: [{name: Order}]
statements: |
  statement: all: { from: [{type: "Order"}] }
steps:
  - send: { type: Order, event: { amount: 1 } }
  - send: { type: Order, event: { amount: 2 } }
  - send: { type: Order, event: { amount: 3 } }
assertions:
  - type: trace_count
    statement: all
    count: 3
`)

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}
