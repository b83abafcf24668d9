// Package harness runs conformance scenarios against the Reach engine.
//
// A scenario names a pack, the inputs to start it with, and a script of
// tool responses. The harness submits the run to a real engine backed by
// an in-memory store, works its queue with a scripted executor, answers
// approval requests from the scenario, and then checks the resulting
// event log.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: retry-then-continue
//	description: "A flaky first attempt is retried on the same job"
//	pack: packs/retry.yaml
//	run_id: run-retry
//	inputs: { region: eu }
//	script:
//	  A:
//	    - error: "connection reset"
//	    - result: { rows: 3 }
//	approvals:
//	  - node: deploy
//	    approved: false
//	    reason: "change freeze"
//	expect:
//	  status: completed
//	assertions:
//	  - type: trace_count
//	    event: retry.scheduled
//	    node: A
//	    count: 1
//
// Script keys are scoped node keys ("A", "fan#001/mirror") or tool names.
// Each call plays the next response; the last one repeats. A response
// with a code such as SECURITY_VIOLATION is a hard tool error.
//
// # Assertion Types
//
//   - trace_contains: an event of the given type (and node) exists whose
//     payload contains the given fields
//   - trace_order: events appear in the given order, not necessarily
//     adjacent; each entry is "type" or "type node-key"
//   - trace_count: an event type (and node) appears exactly N times
//   - final_state: the value at a dotted path of the run context
//
// # Deterministic Testing
//
// Every scenario runs with a fixed clock, fixed run id and sequential
// lease tokens, so two runs of one scenario produce the same log and the
// same fingerprint. Traces can be compared against golden files in
// testdata/golden; regenerate them with:
//
//	go test ./internal/harness -update
package harness
