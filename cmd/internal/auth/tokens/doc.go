// Package tokens issues and validates aegis identity tokens.
//
// A token is an HS256 JWT whose subject is an identity.Alias and whose kid
// header names the signing key. Generator mints tokens and registers them in
// the token store; Validator re-derives trust from a presented token:
//
//	Parse -> VerifySignature -> CheckTimeBounds -> CheckRevocation -> Policy -> Accept
//
// Revocation is always answered by the store's blacklist. The validator's
// positive cache only saves policy round-trips and is never trusted for
// revocation.
package tokens
