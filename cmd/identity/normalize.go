package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// NormalizeName performs case-insensitive canonicalization of tenant names.
// Note: for now we only trim + lower-case. Unicode confusables can be added
// later behind a versioned policy.
func NormalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizePrincipal canonicalizes principal identifiers before they are used
// as lockout, credential or replay keys.
func NormalizePrincipal(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NamespacePrefix marks derived tenant namespaces.
const NamespacePrefix = "ns-"

// NamespaceFor derives the namespace for a tenant: "ns-" + the first 24 hex
// characters of SHA-256(tenant_id). The result also satisfies the alias label
// charset, so it can be used as an alias zone.
func NamespaceFor(tenantID string) string {
	sum := sha256.Sum256([]byte(tenantID))
	return NamespacePrefix + hex.EncodeToString(sum[:])[:24]
}
