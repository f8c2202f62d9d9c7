// Package tokenstore is the system of record for issued tokens and the
// signing-key rotation chain.
//
// Lifecycle of a token record:
//
//	pending -> active -> expired (lazily, on lookup) -> removed (cleanup sweep)
//	                  \-> revoked (explicit, irreversible)
//
// Revocation lives in a blacklist that is consulted in O(1) and never
// shrinks; the cleanup sweep removes records, not blacklist entries.
//
// An optional Backend makes writes durable. Writes are write-through: if the
// backend fails, the call fails.
package tokenstore
