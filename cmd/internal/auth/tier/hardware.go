package tier

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"aegis/cmd/identity"
)

// Challenge is a single-use hardware-key challenge.
type Challenge struct {
	ID        string
	Principal string
	Origin    string
	Nonce     []byte
	ExpiresAt time.Time
}

// Message is the byte string the authenticator signs. It binds the challenge
// id, nonce, origin and principal.
func (c Challenge) Message() []byte {
	return []byte("aegis-hw-v1\n" + c.ID + "\n" + hex.EncodeToString(c.Nonce) + "\n" + c.Origin + "\n" + c.Principal)
}

// HardwareVerifier checks a signature from an enrolled key. Remote verifiers
// report outages with identity.ErrProviderUnavailable.
type HardwareVerifier interface {
	Verify(ctx context.Context, key HardwareKey, message, signature []byte) error
}

// Ed25519Verifier verifies locally.
type Ed25519Verifier struct{}

// Verify implements HardwareVerifier.
func (Ed25519Verifier) Verify(_ context.Context, key HardwareKey, message, signature []byte) error {
	if len(key.PublicKey) != ed25519.PublicKeySize || !ed25519.Verify(key.PublicKey, message, signature) {
		return identity.Fail("tier.Ed25519Verifier", identity.ErrInvalidCredentials, "signature does not verify")
	}
	return nil
}

type challengeBook struct {
	ttl time.Duration
	now func() time.Time

	mu sync.Mutex
	m  map[string]Challenge
}

func newChallengeBook(ttl time.Duration, now func() time.Time) *challengeBook {
	return &challengeBook{ttl: ttl, now: now, m: make(map[string]Challenge)}
}

func (b *challengeBook) issue(principal, origin string) (Challenge, error) {
	now := b.now()
	id, err := identity.NewULID(now)
	if err != nil {
		return Challenge{}, err
	}
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return Challenge{}, err
	}
	ch := Challenge{ID: id, Principal: principal, Origin: origin, Nonce: nonce, ExpiresAt: now.Add(b.ttl)}

	b.mu.Lock()
	b.m[id] = ch
	b.mu.Unlock()
	return ch, nil
}

// take removes and returns the challenge. A challenge can be taken once,
// whatever the outcome of the attempt.
func (b *challengeBook) take(id string) (Challenge, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.m[id]
	if ok {
		delete(b.m, id)
	}
	return ch, ok
}

func (b *challengeBook) prune() int {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for id, ch := range b.m {
		if !now.Before(ch.ExpiresAt) {
			delete(b.m, id)
			n++
		}
	}
	return n
}
