// Package isolation stores opaque data per tenant namespace under
// namespace-specific encryption keys and enforces namespace boundaries.
//
// English design notes:
//   - Namespace keys are derived with PBKDF2-SHA256 from the master key and a
//     salt bound to (namespace, tenant_id, scope, nonce). They are kept only
//     sealed with XChaCha20-Poly1305 under an HKDF-derived wrapping key, and
//     unsealed for the duration of a single operation.
//   - Payloads are sealed with the namespace key; the AAD binds namespace,
//     scope, path and key id, so records cannot be swapped between paths.
//   - A requester acting outside its own namespace needs a live grant naming
//     the operation. Every allowed or denied operation is appended to an
//     access log and audited.
package isolation
