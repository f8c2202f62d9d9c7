// Package tier drives the five-step authentication ladder:
//
//	T1 public -> T2 password -> T3 TOTP -> T4 hardware key -> T5 biometric
//
// Elevation is strictly sequential. Every step above T1 must present a valid
// token of the tier directly below it, minted for the same principal, and the
// new token continues that token's elevation chain (same alias, same chain id).
//
// Security model:
//   - Credentials are only examined after the prior-tier proof succeeds.
//   - Password failures feed a progressive per-principal lockout. Unknown
//     principals cost the same Argon2id work as known ones.
//   - TOTP codes are compared in constant time and each time step can be used
//     once per principal.
//   - Hardware challenges are single-use, expire, and are bound to an origin.
//   - Biometric verification is external and fails closed.
package tier
