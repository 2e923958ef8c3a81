// Package harness runs YAML scenarios against a fresh runtime and checks the
// resulting listener trace.
//
// # Scenario Format
//
//	name: preemption
//	description: "A preemptive statement stops lower priorities"
//	config:
//	  execution:
//	    prioritized: true
//	types:
//	  - name: Order
//	    kind: map
//	statements: |
//	  statement: guard: {
//	    priority: 10
//	    preemptive: true
//	    from: [{type: "Order", where: [{property: "amount", op: ">", value: 100}]}]
//	  }
//	  statement: log: { from: [{type: "Order"}] }
//	steps:
//	  - send: { type: Order, event: { amount: 150 } }
//	  - advance: 1000
//	  - advance_span: { to: 5000, resolution: 100 }
//	assertions:
//	  - type: trace_count
//	    statement: guard
//	    count: 1
//	  - type: not_delivered
//	    statement: log
//
// # Assertion Types
//
//   - trace_count: a statement delivered exactly N updates
//   - trace_order: statements appear in this relative order
//   - not_delivered: a statement delivered nothing
//   - trace_contains: a statement delivered an event with these properties
//
// # Deterministic Traces
//
// The runtime clock is external and starts at zero unless the scenario
// config says otherwise, and deployment ids come from a fixed generator, so
// the same scenario always yields the same trace. Snapshot renders it as
// canonical JSON for golden comparison.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/preemption.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, msg := range result.Errors {
//	    log.Println(msg)
//	}
package harness
