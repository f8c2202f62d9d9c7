package introspect

import (
	"strings"
	"sync"

	"aegis/cmd/identity"
	"aegis/cmd/security/fingerprint"
)

// Credentials identify the caller of Introspect.
type Credentials struct {
	ClientID string
	Secret   string
}

// Clients holds registered introspection clients. Only secret fingerprints
// are kept.
type Clients struct {
	fp fingerprint.Fingerprinter

	mu      sync.RWMutex
	secrets map[string]string
}

// NewClients uses fp to fingerprint secrets. A keyed fingerprinter keeps a
// leaked registry from being brute-forced offline.
func NewClients(fp fingerprint.Fingerprinter) *Clients {
	return &Clients{fp: fp, secrets: make(map[string]string)}
}

// Register adds or replaces a client.
func (c *Clients) Register(clientID, secret string) error {
	id := strings.TrimSpace(clientID)
	if id == "" || len(secret) < 16 {
		return identity.Fail("introspect.Register", identity.ErrInvalidInput, "client id required and secret must be at least 16 bytes")
	}
	c.mu.Lock()
	c.secrets[id] = c.fp.Of(secret)
	c.mu.Unlock()
	return nil
}

// Remove deletes a client.
func (c *Clients) Remove(clientID string) {
	c.mu.Lock()
	delete(c.secrets, strings.TrimSpace(clientID))
	c.mu.Unlock()
}

// Authenticate checks creds in constant time and returns the canonical client
// id that limits, caching and audit are keyed on. Unknown clients cost the
// same comparison as known ones.
func (c *Clients) Authenticate(creds Credentials) (string, error) {
	id := strings.TrimSpace(creds.ClientID)
	c.mu.RLock()
	want, ok := c.secrets[id]
	c.mu.RUnlock()
	if !ok {
		want = c.fp.Of("\x00unknown-client")
	}
	if !c.fp.Matches(creds.Secret, want) || !ok {
		return "", identity.Fail("introspect.Authenticate", identity.ErrAccessDenied, "unknown client or bad secret")
	}
	return id, nil
}
