// Package harness runs scripted tracepoint scenarios against an in-process
// coordinator.
//
// A scenario connects a set of clients, drives Do/Wait/Notify steps on their
// behalf and then checks the coordinator's event trace and final state.
// Blocking steps may run in the background; the harness waits until the
// coordinator has registered such a step before moving on, so the event
// order, and therefore the golden trace, is the same on every run.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: latch_before_wait
//	description: "A notify sent before the wait is latched"
//	schedule: ../schedules/words.yaml   # optional, relative to this file
//	exclusive_ids: true                 # optional, default false
//	clients: [0, 1]                     # connected before the first step
//	steps:
//	  - {client: 0, notify: C2/-1/0}
//	  - {client: 1, wait: C2/-1/0}
//	  - {client: 1, wait: B/1/0, async: true}
//	  - {client: 1, disconnect: true}
//	  - {client: 1, await: true, expect: ClientDisconnected}
//	assertions:
//	  - type: trace_contains
//	    event: release
//	    invocation: C2/-1/0
//	    detail: latched
//	  - type: trace_order
//	    events: ["latch C2/-1/0", "release C2/-1/0"]
//	  - type: trace_count
//	    event: abandon
//	    count: 1
//	  - type: final_state
//	    invocation: C2/-1/0
//	    state: Satisfied
//	  - type: connected
//	    sessions: [0]
//
// Invocations accept every form the schedule files accept: "name/client/seq",
// [name, client, seq] or {hook, client, seq}.
//
// # Steps
//
// Each step names a client and exactly one operation: connect, do, wait,
// notify, disconnect, await or reset. do and wait may be marked async; a
// later await step on the same client collects the outcome. expect names the
// error kind the step must fail with (for example ClientDisconnected or
// Timeout); without it the step must succeed. A synchronous step that blocks
// longer than its timeout fails with Timeout.
//
// # Deterministic Testing
//
// Run ids come from testutil.SequentialRunIDs prefixed with the scenario
// name and every event carries a seq from the coordinator's logical clock,
// so RunWithGolden can compare the trace byte for byte.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/latch.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Pass {
//	    for _, msg := range result.Errors {
//	        log.Println(msg)
//	    }
//	}
package harness
