package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"aegis/cmd/identity"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func rec(id string, issued time.Time, ttl time.Duration) Record {
	return Record{
		TokenID:      id,
		Alias:        "enterprise/prod/v2.00112233445566778899aabbccddeeff-00000000",
		SigningKeyID: "k1",
		Realm:        "enterprise",
		Zone:         "prod",
		IssuedAt:     issued,
		ExpiresAt:    issued.Add(ttl),
	}
}

func TestStore_StoreGetAndConflict(t *testing.T) {
	clk := newClock()
	s := New(Options{Now: clk.Now})
	ctx := context.Background()

	if err := s.Store(ctx, rec("t1", clk.Now(), time.Hour)); err != nil {
		t.Fatalf("Store: %v", err)
	}
	got, err := s.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusActive || got.SigningKeyID != "k1" {
		t.Fatalf("unexpected record %+v", got)
	}

	if err := s.Store(ctx, rec("t1", clk.Now(), time.Hour)); !identity.IsConflict(err) {
		t.Fatalf("want conflict, got %v", err)
	}
	if _, err := s.Get(ctx, "missing"); !identity.IsNotFound(err) {
		t.Fatalf("want not found, got %v", err)
	}
	if err := s.Store(ctx, rec("t2", clk.Now(), 0)); !errors.Is(err, identity.ErrInvalidInput) {
		t.Fatalf("want invalid input for zero ttl, got %v", err)
	}
}

func TestStore_LazyExpiry(t *testing.T) {
	clk := newClock()
	s := New(Options{Now: clk.Now})
	ctx := context.Background()

	if err := s.Store(ctx, rec("t1", clk.Now(), time.Minute)); err != nil {
		t.Fatalf("Store: %v", err)
	}

	clk.Advance(time.Minute)
	got, err := s.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusExpired {
		t.Fatalf("status=%s want expired at exact expiry", got.Status)
	}
}

func TestStore_RevokeIdempotentAndIrreversible(t *testing.T) {
	clk := newClock()
	s := New(Options{Now: clk.Now})
	ctx := context.Background()

	var notified []string
	s.OnRevoke(func(id string) { notified = append(notified, id) })

	if err := s.Store(ctx, rec("t1", clk.Now(), time.Hour)); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if s.IsRevoked("t1") {
		t.Fatalf("fresh token reported revoked")
	}

	if err := s.Revoke(ctx, "t1", "admin", "compromised"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	clk.Advance(time.Second)
	if err := s.Revoke(ctx, "t1", "someone-else", "again"); err != nil {
		t.Fatalf("second Revoke: %v", err)
	}

	got, _ := s.Get(ctx, "t1")
	if got.Status != StatusRevoked || got.Revocation == nil || got.Revocation.By != "admin" || got.Revocation.Reason != "compromised" {
		t.Fatalf("first revocation metadata lost: %+v", got.Revocation)
	}
	if len(notified) != 1 || notified[0] != "t1" {
		t.Fatalf("listeners notified %v, want exactly once", notified)
	}

	// Expiry and cleanup never clear the blacklist.
	clk.Advance(2 * time.Hour)
	if _, err := s.CleanupExpired(ctx, 10); err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	if !s.IsRevoked("t1") {
		t.Fatalf("revocation must survive cleanup")
	}

	// Unknown tokens can be blacklisted ahead of time.
	if err := s.Revoke(ctx, "never-issued", "admin", "preemptive"); err != nil {
		t.Fatalf("Revoke unknown: %v", err)
	}
	if !s.IsRevoked("never-issued") {
		t.Fatalf("unknown token not blacklisted")
	}
}

func TestStore_CleanupExpiredBatch(t *testing.T) {
	clk := newClock()
	s := New(Options{Now: clk.Now})
	ctx := context.Background()

	for i := 0; i < 150; i++ {
		ttl := time.Minute
		if i%3 == 0 {
			ttl = time.Hour
		}
		if err := s.Store(ctx, rec(fmt.Sprintf("t%03d", i), clk.Now(), ttl)); err != nil {
			t.Fatalf("Store: %v", err)
		}
	}
	clk.Advance(2 * time.Minute)

	n, err := s.CleanupExpired(ctx, 70)
	if err != nil || n != 70 {
		t.Fatalf("first sweep removed %d (%v), want 70", n, err)
	}
	n, err = s.CleanupExpired(ctx, 70)
	if err != nil || n != 30 {
		t.Fatalf("second sweep removed %d (%v), want 30", n, err)
	}
	if s.Len() != 50 {
		t.Fatalf("remaining=%d want=50", s.Len())
	}
}

func TestStore_KeyRotationChain(t *testing.T) {
	clk := newClock()
	s := New(Options{Now: clk.Now})
	ctx := context.Background()

	if err := s.RecordKeyRotation(ctx, "", "k1", "initial"); err != nil {
		t.Fatalf("initial: %v", err)
	}
	if err := s.RecordKeyRotation(ctx, "", "k9", "initial"); !errors.Is(err, identity.ErrConflict) {
		t.Fatalf("second initial key must conflict, got %v", err)
	}

	clk.Advance(time.Hour)
	if err := s.RecordKeyRotation(ctx, "k1", "k2", "scheduled"); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if err := s.RecordKeyRotation(ctx, "k1", "k3", "stale"); !errors.Is(err, identity.ErrConflict) {
		t.Fatalf("rotating a retired key must conflict, got %v", err)
	}

	active, ok := s.ActiveKey()
	if !ok || active.KeyID != "k2" || active.PredecessorID != "k1" {
		t.Fatalf("active=%+v ok=%v", active, ok)
	}
	old, _ := s.KeyRecord("k1")
	if old.Active() || old.SuccessorID != "k2" {
		t.Fatalf("k1 not retired correctly: %+v", old)
	}
	if hist := s.KeyHistory(); len(hist) != 2 || hist[0].KeyID != "k1" {
		t.Fatalf("history=%+v", hist)
	}
	if err := s.VerifyKeyChain(); err != nil {
		t.Fatalf("VerifyKeyChain: %v", err)
	}
}

type fakeBackend struct {
	failInsert bool
	chain      []KeyRotationRecord
	inserted   []string
}

func (b *fakeBackend) InsertToken(_ context.Context, r Record) error {
	if b.failInsert {
		return errors.New("db down")
	}
	b.inserted = append(b.inserted, r.TokenID)
	return nil
}
func (b *fakeBackend) SetStatus(context.Context, string, Status) error { return nil }
func (b *fakeBackend) MarkRevoked(context.Context, string, Revocation) error { return nil }
func (b *fakeBackend) DeleteTokens(context.Context, []string) error { return nil }
func (b *fakeBackend) SaveRotation(context.Context, *KeyRotationRecord, KeyRotationRecord) error {
	return nil
}
func (b *fakeBackend) Load(context.Context, time.Time) ([]Record, []string, []KeyRotationRecord, error) {
	return nil, []string{"revoked-before-restart"}, b.chain, nil
}

func TestStore_BackendFailureRollsBack(t *testing.T) {
	clk := newClock()
	b := &fakeBackend{failInsert: true}
	s := New(Options{Now: clk.Now, Backend: b})

	if err := s.Store(context.Background(), rec("t1", clk.Now(), time.Hour)); err == nil {
		t.Fatalf("expected persistence error")
	}
	if _, err := s.Get(context.Background(), "t1"); !identity.IsNotFound(err) {
		t.Fatalf("failed store must leave no record, got %v", err)
	}
}

func TestStore_RestoreDetectsCorruptedChain(t *testing.T) {
	now := newClock().Now()
	b := &fakeBackend{chain: []KeyRotationRecord{
		{KeyID: "k1", ActivatedAt: now},
		{KeyID: "k2", ActivatedAt: now.Add(time.Hour)},
	}}
	s := New(Options{Backend: b})

	err := s.Restore(context.Background())
	if !errors.Is(err, identity.ErrKeyChainCorrupted) {
		t.Fatalf("want ErrKeyChainCorrupted, got %v", err)
	}
	if !s.IsRevoked("revoked-before-restart") {
		t.Fatalf("restored blacklist missing entry")
	}
}
