// Package password provides the Argon2id hashing used by the password tier.
//
// It implements a PHC-like encoded hash format and includes:
// - Argon2id parameters loaded from AEGIS_* environment variables
// - Password policy validation for enrollment
// - Strict hash decoding with anti-DoS bounds
// - A dummy verification path so unknown principals cost the same as known ones
//
// Security notes:
// - Hash strings are treated as untrusted input during Verify.
// - Verification refuses hashes with parameters that exceed reasonable bounds.
package password
