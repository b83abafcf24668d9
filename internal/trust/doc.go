// Package trust implements the handshake two Reach nodes run before one
// delegates an action to the other.
//
// The verifying node issues a Challenge. The peer answers with a Response
// carrying its capability Advertisement (registry snapshot, policy
// version, determinism level, optimization modes) and an ed25519
// signature over the canonical challenge and advertisement. Verify then
// checks, in order:
//
//  1. the response comes from the expected node and tenant
//  2. its signature, if any, has not been accepted before
//  3. it answers a challenge this Handshaker issued and that has not
//     expired; each challenge is answered at most once
//  4. the advertised registry snapshot hashes to the advertised hash, and
//     registry hash and policy version match the local node
//  5. the signature verifies; it is required across tenants
//
// Every outcome is reported to the audit hook. A Session records the
// negotiated peer; Session.Accept refuses delegated work that needs a
// higher determinism level than the local node supports.
//
// Refusals are *ir.Error values with code SECURITY_VIOLATION wrapping one
// of the Err* sentinels, so callers can use errors.Is or ir.HasCode.
package trust
