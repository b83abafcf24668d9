// Package store provides SQLite-backed durable state for Reach: packs,
// runs, the append-only event log, the job queue tables and the gate's
// audit trail.
//
// # Write Patterns
//
// Every engine step is committed with ApplyStep in one transaction: the
// run document is updated under an optimistic version check, the step's
// events are appended and its jobs are inserted. A concurrent step on the
// same run fails with ErrVersionConflict and nothing is written.
//
// Event sequence numbers are checked for contiguity on every append, so
// the log can never contain a gap or a duplicate.
//
// Job inserts use ON CONFLICT(id) DO NOTHING. Job IDs are derived from
// (run, node, epoch), so re-enqueueing after a crash is a no-op.
//
// # Deterministic Reads
//
// All list queries carry an ORDER BY with an id tiebreaker.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//   - _txlock=immediate: Transactions take the write lock up front
package store
