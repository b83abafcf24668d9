// Package engine runs packs: the run state machine, the store-backed
// driver that applies it, and the workers that execute tools.
//
// ARCHITECTURE:
//
// Pure Stepper:
// Machine.Step(run, input) -> (run', events, commands) holds every
// semantic rule (routing, retries, fallbacks, joins, subgraph scopes,
// policy checks). It does no IO and reads no clock, which is what lets
// replay reproduce a run from its log alone.
//
// Durable Driver:
// Engine loads a run, steps it and commits the new run document, its
// events and its jobs in one store transaction. A version column on the
// run serializes concurrent steps; the loser recomputes. Nothing
// authoritative lives in memory, so a restarted process resumes from the
// database (Engine.Recover).
//
// Workers:
// WorkerPool leases jobs from the queue, runs the tool through a
// ToolExecutor and reports the outcome back through Engine.HandleOutcome.
//
// CRITICAL PATTERNS:
//
// Logical Clock:
// Events are numbered by Clock, continuing from the run's last sequence.
// Wall-clock timestamps are recorded but never used for ordering and
// never enter the fingerprint.
//
// Deterministic Scheduling:
// Conditional edges are tried in declaration order. Parallel branches
// are activated in index order, and their job outcomes are applied in
// waves sorted by scoped node key, so the log does not depend on which
// worker finished first.
package engine
