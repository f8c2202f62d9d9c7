package tier

import (
	"context"
	"crypto/ed25519"
	"encoding/base32"
	"strings"
	"sync"
	"time"

	"aegis/cmd/identity"
	"aegis/cmd/security/password"
)

// HardwareKey is an enrolled Ed25519 authenticator.
type HardwareKey struct {
	ID        string
	PublicKey ed25519.PublicKey
	AddedAt   time.Time
}

// CredentialStore is the read side used during authentication. Missing
// credentials are identity.ErrNotFound.
type CredentialStore interface {
	PasswordHash(ctx context.Context, principal string) (string, error)
	TOTPSecret(ctx context.Context, principal string) (string, error)
	HardwareKeys(ctx context.Context, principal string) ([]HardwareKey, error)
}

// PasswordRehasher is implemented by stores that accept upgraded hashes.
// The swap only happens while the stored hash is still oldHash.
type PasswordRehasher interface {
	ReplacePasswordHash(ctx context.Context, principal, oldHash, newHash string) error
}

// MemoryCredentials is an in-process CredentialStore with enrollment.
type MemoryCredentials struct {
	hasher password.Config

	mu        sync.RWMutex
	passwords map[string]string
	totp      map[string]string
	hardware  map[string][]HardwareKey
}

// NewMemoryCredentials hashes enrolled passwords with hasher.
func NewMemoryCredentials(hasher password.Config) *MemoryCredentials {
	return &MemoryCredentials{
		hasher:    hasher,
		passwords: make(map[string]string),
		totp:      make(map[string]string),
		hardware:  make(map[string][]HardwareKey),
	}
}

// SetPassword validates plain against the password policy and stores its hash.
func (m *MemoryCredentials) SetPassword(principal, plain string) error {
	const op = "tier.SetPassword"
	p := identity.NormalizePrincipal(principal)
	if p == "" {
		return identity.Fail(op, identity.ErrInvalidInput, "principal required")
	}
	if err := m.hasher.Validate(plain); err != nil {
		return identity.Failf(op, identity.ErrInvalidInput, "%v", err)
	}
	h, err := m.hasher.Hash(plain)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.passwords[p] = h
	m.mu.Unlock()
	return nil
}

// ReplacePasswordHash implements PasswordRehasher.
func (m *MemoryCredentials) ReplacePasswordHash(_ context.Context, principal, oldHash, newHash string) error {
	p := identity.NormalizePrincipal(principal)
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.passwords[p]; !ok || cur != oldHash {
		return identity.ConflictError{Op: "tier.ReplacePasswordHash", Field: "password"}
	}
	m.passwords[p] = newHash
	return nil
}

// SetTOTPSecret stores a base32 (RFC 4648, unpadded or padded) shared secret.
func (m *MemoryCredentials) SetTOTPSecret(principal, secret string) error {
	const op = "tier.SetTOTPSecret"
	p := identity.NormalizePrincipal(principal)
	if p == "" {
		return identity.Fail(op, identity.ErrInvalidInput, "principal required")
	}
	secret = strings.ToUpper(strings.TrimSpace(secret))
	raw, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.TrimRight(secret, "="))
	if err != nil || len(raw) < 10 {
		return identity.Fail(op, identity.ErrInvalidInput, "totp secret must be base32 and at least 80 bits")
	}
	m.mu.Lock()
	m.totp[p] = secret
	m.mu.Unlock()
	return nil
}

// AddHardwareKey enrolls an Ed25519 public key under id.
func (m *MemoryCredentials) AddHardwareKey(principal, id string, pub ed25519.PublicKey) error {
	const op = "tier.AddHardwareKey"
	p := identity.NormalizePrincipal(principal)
	if p == "" || strings.TrimSpace(id) == "" {
		return identity.Fail(op, identity.ErrInvalidInput, "principal and key id required")
	}
	if len(pub) != ed25519.PublicKeySize {
		return identity.Fail(op, identity.ErrInvalidInput, "not an ed25519 public key")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.hardware[p] {
		if k.ID == id {
			return identity.ConflictError{Op: op, Field: "hardware_key_id"}
		}
	}
	m.hardware[p] = append(m.hardware[p], HardwareKey{ID: id, PublicKey: append(ed25519.PublicKey(nil), pub...), AddedAt: time.Now().UTC()})
	return nil
}

// PasswordHash implements CredentialStore.
func (m *MemoryCredentials) PasswordHash(_ context.Context, principal string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.passwords[identity.NormalizePrincipal(principal)]
	if !ok {
		return "", identity.NotFoundError{Op: "tier.PasswordHash", Resource: "password"}
	}
	return h, nil
}

// TOTPSecret implements CredentialStore.
func (m *MemoryCredentials) TOTPSecret(_ context.Context, principal string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.totp[identity.NormalizePrincipal(principal)]
	if !ok {
		return "", identity.NotFoundError{Op: "tier.TOTPSecret", Resource: "totp_secret"}
	}
	return s, nil
}

// HardwareKeys implements CredentialStore.
func (m *MemoryCredentials) HardwareKeys(_ context.Context, principal string) ([]HardwareKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ks := m.hardware[identity.NormalizePrincipal(principal)]
	if len(ks) == 0 {
		return nil, identity.NotFoundError{Op: "tier.HardwareKeys", Resource: "hardware_key"}
	}
	return append([]HardwareKey(nil), ks...), nil
}
