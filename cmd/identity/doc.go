// Package identity holds the primitives every aegis component agrees on:
// the Alias wire format, tier levels, namespace derivation, and the stable
// error taxonomy used for errors.Is checks and status mapping.
//
// It has no dependencies on the rest of the module.
package identity
