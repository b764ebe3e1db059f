// Package harness runs simulation test scenarios.
//
// A scenario names a model directory, drives the model's world through a
// list of steps and checks the recorded trace and the final state.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: pingpong_rally
//	description: "Players alternate serving"
//	model: ../models/pingpong
//	run_id: test-run-pingpong
//	settings: { time_step: 0.25 }
//	steps:
//	  - evolve: 4.5
//	  - snapshot: true
//	  - set: { a.t: 0.5 }
//	  - push: { component: b, queue: inbox, value: { kind: ball, n: 9 } }
//	  - steps: 10
//	    expect_error: ZENO
//	assertions:
//	  - type: value
//	    component: a
//	    var: hits
//	    equals: 3
//	  - type: trace_order
//	    transitions: [a.serve, b.receive]
//
// Unknown fields are rejected so typos fail loudly.
//
// # Assertion Types
//
//   - value: a variable of a live component (equals with tolerance, min, max)
//   - state: the discrete state of a live component
//   - exited: the component has left the world
//   - queue_length: number of entries in a queue
//   - clock: the final simulated time
//   - trace_contains: a transition fired
//   - trace_order: transitions first fired in the given order
//   - trace_count: a transition fired exactly count or at_least times
//
// # Deterministic Testing
//
// Every scenario runs with a fixed run ID (scenario.run_id or
// "test-run-default"), a discard logger and a fresh in-memory store, so
// the same scenario produces a byte-identical trace on every run. Snapshot
// steps round-trip the world through that store.
//
// Golden files hold the canonical JSON of the trace and final state and
// live in golden/ next to the scenario file.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/pingpong.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(ctx, scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, msg := range result.Errors {
//	    log.Println(msg)
//	}
package harness
