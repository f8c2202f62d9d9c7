package tokenstore

import (
	"context"
	"time"
)

// Status is the lifecycle state of a stored token.
type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusRevoked Status = "revoked"
)

// Revocation is the metadata of the first revocation of a token.
type Revocation struct {
	By     string    `json:"by"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Record is a stored token. It never contains the signed token itself.
type Record struct {
	TokenID         string
	Alias           string
	SigningKeyID    string
	Realm           string
	Zone            string
	IssuedAt        time.Time
	ExpiresAt       time.Time
	Status          Status
	Revocation      *Revocation
	ValidationCount int64
	LastValidatedAt *time.Time
}

func (r Record) clone() Record {
	if r.Revocation != nil {
		rv := *r.Revocation
		r.Revocation = &rv
	}
	if r.LastValidatedAt != nil {
		t := *r.LastValidatedAt
		r.LastValidatedAt = &t
	}
	return r
}

// KeyRotationRecord is one link of the signing-key chain.
// At most one record has DeactivatedAt == nil.
type KeyRotationRecord struct {
	KeyID         string
	CreatedAt     time.Time
	ActivatedAt   time.Time
	DeactivatedAt *time.Time
	Reason        string
	PredecessorID string
	SuccessorID   string
	// SealedMaterial is the AEAD-sealed key for keys generated in-process.
	// Keys supplied by configuration carry none.
	SealedMaterial []byte
}

// Active reports whether the key is the current signing key.
func (k KeyRotationRecord) Active() bool { return k.DeactivatedAt == nil }

// Backend persists token records and the key chain.
type Backend interface {
	InsertToken(ctx context.Context, r Record) error
	SetStatus(ctx context.Context, tokenID string, status Status) error
	MarkRevoked(ctx context.Context, tokenID string, rv Revocation) error
	DeleteTokens(ctx context.Context, tokenIDs []string) error
	// SaveRotation deactivates prev (if non-nil) and inserts next atomically.
	SaveRotation(ctx context.Context, prev *KeyRotationRecord, next KeyRotationRecord) error
	// Load returns unexpired records, all revoked token IDs and the key chain
	// ordered by activation time.
	Load(ctx context.Context, now time.Time) ([]Record, []string, []KeyRotationRecord, error)
}
