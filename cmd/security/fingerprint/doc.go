// Package fingerprint derives stable, non-reversible identifiers for secrets.
//
// Raw tokens and client secrets never appear in logs, audit events or cache
// keys; their fingerprints do.
//
// Modes:
// - Dev/back-compat: SHA-256(value) when no key is configured.
// - Keyed: HMAC-SHA256(value, key) when AEGIS_FINGERPRINT_KEY is set.
//
// Output is always a 64-char lowercase hex string.
package fingerprint
