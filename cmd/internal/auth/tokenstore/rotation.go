package tokenstore

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"aegis/cmd/identity"
)

// RecordKeyRotation deactivates oldKeyID and activates newKeyID as its
// successor. An empty oldKeyID registers the first key of the chain and is
// only accepted while no key is active.
func (s *Store) RecordKeyRotation(ctx context.Context, oldKeyID, newKeyID, reason string) error {
	return s.RecordSealedKeyRotation(ctx, oldKeyID, newKeyID, reason, nil)
}

// RecordSealedKeyRotation is RecordKeyRotation that also persists the new
// key's sealed material on its chain link, so it survives a restart.
func (s *Store) RecordSealedKeyRotation(ctx context.Context, oldKeyID, newKeyID, reason string, sealed []byte) error {
	const op = "tokenstore.RecordKeyRotation"

	newKeyID = strings.TrimSpace(newKeyID)
	if newKeyID == "" || newKeyID == oldKeyID {
		return identity.Fail(op, identity.ErrInvalidInput, "new key id must be non-empty and differ from the old one")
	}

	s.rotMu.Lock()
	defer s.rotMu.Unlock()

	if _, exists := s.rotIndex[newKeyID]; exists {
		return identity.ConflictError{Op: op, Field: "key_id"}
	}

	now := s.now()
	next := KeyRotationRecord{
		KeyID:         newKeyID,
		CreatedAt:     now,
		ActivatedAt:   now,
		Reason:        reason,
		PredecessorID: oldKeyID,
	}
	if len(sealed) > 0 {
		next.SealedMaterial = append([]byte(nil), sealed...)
	}

	var prev *KeyRotationRecord
	if oldKeyID == "" {
		if _, ok := s.activeLocked(); ok {
			return identity.Fail(op, identity.ErrConflict, "a signing key is already active")
		}
	} else {
		i, ok := s.rotIndex[oldKeyID]
		if !ok {
			return identity.NotFoundError{Op: op, Resource: "key"}
		}
		if !s.rotations[i].Active() {
			return identity.Fail(op, identity.ErrConflict, "old key is not the active key")
		}
		p := s.rotations[i]
		p.DeactivatedAt = &now
		p.SuccessorID = newKeyID
		prev = &p
	}

	if s.backend != nil {
		if err := s.backend.SaveRotation(ctx, prev, next); err != nil {
			return fmt.Errorf("%s: persist: %w", op, err)
		}
	}

	if prev != nil {
		s.rotations[s.rotIndex[oldKeyID]] = *prev
	}
	s.rotIndex[newKeyID] = len(s.rotations)
	s.rotations = append(s.rotations, next)

	s.metrics.KeyRotated()
	s.log.Infow("key.rotated", "old_key_id", oldKeyID, "new_key_id", newKeyID, "reason", reason)
	return nil
}

func (s *Store) activeLocked() (KeyRotationRecord, bool) {
	for i := len(s.rotations) - 1; i >= 0; i-- {
		if s.rotations[i].Active() {
			return s.rotations[i], true
		}
	}
	return KeyRotationRecord{}, false
}

// ActiveKey returns the active link of the chain, if any.
func (s *Store) ActiveKey() (KeyRotationRecord, bool) {
	s.rotMu.Lock()
	defer s.rotMu.Unlock()
	return s.activeLocked()
}

// ActiveKeyID returns the id of the active key, if any.
func (s *Store) ActiveKeyID() (string, bool) {
	k, ok := s.ActiveKey()
	return k.KeyID, ok
}

// KeyRecord returns the chain link for keyID.
func (s *Store) KeyRecord(keyID string) (KeyRotationRecord, bool) {
	s.rotMu.Lock()
	defer s.rotMu.Unlock()
	i, ok := s.rotIndex[keyID]
	if !ok {
		return KeyRotationRecord{}, false
	}
	return s.rotations[i], true
}

// KeyHistory returns the chain ordered by activation time.
func (s *Store) KeyHistory() []KeyRotationRecord {
	s.rotMu.Lock()
	out := make([]KeyRotationRecord, len(s.rotations))
	copy(out, s.rotations)
	s.rotMu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].ActivatedAt.Before(out[j].ActivatedAt) })
	return out
}

// VerifyKeyChain checks the chain invariants: at most one active key, and
// every deactivated key names an existing successor that points back at it.
// A violation is fatal for the process.
func (s *Store) VerifyKeyChain() error {
	const op = "tokenstore.VerifyKeyChain"

	s.rotMu.Lock()
	defer s.rotMu.Unlock()

	active := 0
	for _, k := range s.rotations {
		if k.Active() {
			active++
			if k.SuccessorID != "" {
				return identity.Failf(op, identity.ErrKeyChainCorrupted, "active key %s has a successor", k.KeyID)
			}
			continue
		}
		if k.SuccessorID == "" {
			return identity.Failf(op, identity.ErrKeyChainCorrupted, "retired key %s has no successor", k.KeyID)
		}
		j, ok := s.rotIndex[k.SuccessorID]
		if !ok || s.rotations[j].PredecessorID != k.KeyID {
			return identity.Failf(op, identity.ErrKeyChainCorrupted, "successor link of %s is broken", k.KeyID)
		}
	}
	if active > 1 {
		return identity.Failf(op, identity.ErrKeyChainCorrupted, "%d active keys", active)
	}
	return nil
}
