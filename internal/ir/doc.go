// Package ir provides the value model and domain records shared by every
// Reach package: packs, runs, events, jobs and capsules, plus the canonical
// JSON encoding and the hashes derived from it.
//
// All other internal packages import ir; ir imports nothing internal.
//
// Key constraints:
//   - Identity is content-addressed (SHA-256 with a domain prefix), never random
//   - Canonical bytes are the only input to any hash
//   - Wall-clock timestamps are carried for operators but never hashed
//   - All JSON tags use snake_case
package ir
