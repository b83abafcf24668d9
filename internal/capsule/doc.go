// Package capsule exports finished runs as portable, self-verifying
// bundles and checks them offline.
//
// A capsule is a manifest plus the run's complete event log:
//
//	{"event_log":[...],"manifest":{"audit_root":...,"run_fingerprint":...}}
//
// Capsule files are canonical JSON. Nothing in a capsule is trusted as
// stored: Verify recomputes the fingerprint, the audit root and the policy
// outcome from the log itself, and Replay re-drives the run state machine
// over the log without a queue, a tool or a network.
//
// Three checks, from cheapest to strongest:
//
//	Decode  - the bytes are a canonical encoding (any edit shows up here)
//	Verify  - manifest hashes match the log, sequence numbers are contiguous
//	Replay  - the pack's transition logic reproduces every recorded event
//
// Integrity failures are *ir.Error values with code INTEGRITY_ERROR;
// replay divergence uses REPLAY_MISMATCH. Neither path writes anything.
package capsule
