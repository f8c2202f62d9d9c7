package tokenstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"aegis/cmd/identity"
	"aegis/cmd/internal/obs"

	"go.uber.org/zap"
)

// Options configures a Store. Every field is optional.
type Options struct {
	Backend Backend
	Log     *zap.SugaredLogger
	Metrics *obs.Metrics
	Now     func() time.Time
}

// Store is an in-memory token registry with optional write-through persistence.
type Store struct {
	mu     sync.RWMutex
	tokens map[string]*Record

	revoked sync.Map // token_id -> struct{}

	rotMu     sync.Mutex
	rotations []KeyRotationRecord
	rotIndex  map[string]int

	lmu       sync.RWMutex
	listeners []func(tokenID string)

	backend Backend
	log     *zap.SugaredLogger
	metrics *obs.Metrics
	now     func() time.Time
}

// New builds an empty Store.
func New(o Options) *Store {
	if o.Log == nil {
		o.Log = zap.NewNop().Sugar()
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Store{
		tokens:   make(map[string]*Record),
		rotIndex: make(map[string]int),
		backend:  o.Backend,
		log:      o.Log,
		metrics:  o.Metrics,
		now:      o.Now,
	}
}

// Restore loads persisted state from the backend. Call it once at startup,
// before the store is shared.
func (s *Store) Restore(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	recs, revoked, chain, err := s.backend.Load(ctx, s.now())
	if err != nil {
		return fmt.Errorf("tokenstore.Restore: %w", err)
	}

	s.mu.Lock()
	for i := range recs {
		r := recs[i].clone()
		s.tokens[r.TokenID] = &r
	}
	s.mu.Unlock()

	for _, id := range revoked {
		s.revoked.Store(id, struct{}{})
	}

	s.rotMu.Lock()
	s.rotations = append(s.rotations[:0], chain...)
	s.rotIndex = make(map[string]int, len(chain))
	for i, k := range s.rotations {
		s.rotIndex[k.KeyID] = i
	}
	s.rotMu.Unlock()

	s.log.Infow("tokenstore.restore", "tokens", len(recs), "revoked", len(revoked), "keys", len(chain))
	return s.VerifyKeyChain()
}

// Store registers a newly issued token. A duplicate token_id is a conflict.
// The record is visible as pending until the backend write succeeds.
func (s *Store) Store(ctx context.Context, rec Record) error {
	const op = "tokenstore.Store"

	if strings.TrimSpace(rec.TokenID) == "" {
		return identity.Fail(op, identity.ErrInvalidInput, "token_id required")
	}
	if !rec.ExpiresAt.After(rec.IssuedAt) {
		return identity.Fail(op, identity.ErrInvalidInput, "expires_at must be after issued_at")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	rec = rec.clone()
	rec.Revocation = nil
	rec.Status = StatusPending

	s.mu.Lock()
	if _, dup := s.tokens[rec.TokenID]; dup {
		s.mu.Unlock()
		return identity.ConflictError{Op: op, Field: "token_id"}
	}
	s.tokens[rec.TokenID] = &rec
	s.mu.Unlock()

	if s.backend != nil {
		stored := rec
		stored.Status = StatusActive
		if err := s.backend.InsertToken(ctx, stored); err != nil {
			s.mu.Lock()
			delete(s.tokens, rec.TokenID)
			s.mu.Unlock()
			return fmt.Errorf("%s: persist: %w", op, err)
		}
	}

	s.mu.Lock()
	if r, ok := s.tokens[rec.TokenID]; ok && r.Status == StatusPending {
		r.Status = StatusActive
	}
	s.mu.Unlock()
	return nil
}

// Get returns a copy of the record. Active records past expires_at are
// transitioned to expired on the way out.
func (s *Store) Get(ctx context.Context, tokenID string) (Record, error) {
	s.mu.RLock()
	r, ok := s.tokens[tokenID]
	if !ok {
		s.mu.RUnlock()
		return Record{}, identity.NotFoundError{Op: "tokenstore.Get", Resource: "token"}
	}
	out := r.clone()
	s.mu.RUnlock()

	if out.Status != StatusActive || s.now().Before(out.ExpiresAt) {
		return out, nil
	}

	s.mu.Lock()
	if r, ok := s.tokens[tokenID]; ok && r.Status == StatusActive {
		r.Status = StatusExpired
	}
	s.mu.Unlock()
	out.Status = StatusExpired

	if s.backend != nil {
		if err := s.backend.SetStatus(ctx, tokenID, StatusExpired); err != nil {
			s.log.Warnw("tokenstore.expire.persist.fail", "token_id", tokenID, "err", err)
		}
	}
	return out, nil
}

// Revoke blacklists tokenID. It is idempotent: the first revocation's
// metadata is kept. Unknown token IDs are blacklisted too.
func (s *Store) Revoke(ctx context.Context, tokenID, by, reason string) error {
	const op = "tokenstore.Revoke"

	if strings.TrimSpace(tokenID) == "" {
		return identity.Fail(op, identity.ErrInvalidInput, "token_id required")
	}

	rv := Revocation{By: by, Reason: reason, At: s.now()}

	s.mu.Lock()
	first := true
	if r, ok := s.tokens[tokenID]; ok {
		if r.Revocation != nil {
			first = false
		} else {
			r.Status = StatusRevoked
			cp := rv
			r.Revocation = &cp
		}
	} else if _, seen := s.revoked.Load(tokenID); seen {
		first = false
	}
	s.revoked.Store(tokenID, struct{}{})
	s.mu.Unlock()

	if !first {
		return nil
	}

	s.metrics.Revoked()
	s.notifyRevoked(tokenID)

	if s.backend != nil {
		if err := s.backend.MarkRevoked(ctx, tokenID, rv); err != nil {
			return fmt.Errorf("%s: revoked in memory, persist failed: %w", op, err)
		}
	}
	return nil
}

// IsRevoked is an O(1) blacklist lookup.
func (s *Store) IsRevoked(tokenID string) bool {
	_, ok := s.revoked.Load(tokenID)
	return ok
}

// OnRevoke registers fn to run synchronously after every first-time revocation.
func (s *Store) OnRevoke(fn func(tokenID string)) {
	if fn == nil {
		return
	}
	s.lmu.Lock()
	s.listeners = append(s.listeners, fn)
	s.lmu.Unlock()
}

func (s *Store) notifyRevoked(tokenID string) {
	s.lmu.RLock()
	ls := s.listeners
	s.lmu.RUnlock()
	for _, fn := range ls {
		fn(tokenID)
	}
}

// MarkValidated bumps the validation counter. Unknown IDs are ignored.
func (s *Store) MarkValidated(tokenID string) {
	now := s.now()
	s.mu.Lock()
	if r, ok := s.tokens[tokenID]; ok {
		r.ValidationCount++
		r.LastValidatedAt = &now
	}
	s.mu.Unlock()
}

// Len returns the number of records currently held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens)
}
