// Package keys provides signing-key material to token issuance and validation.
//
// Provider is the seam to an external secret store. Keyring is the in-process
// implementation: it seeds the chain from configured material, swaps the
// active key atomically on rotation, and keeps retired keys verifiable for a
// retention window that must cover the longest token lifetime. Rotated keys
// are sealed onto their chain link and reopened after a restart.
package keys
