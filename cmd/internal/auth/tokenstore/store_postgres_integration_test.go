package tokenstore

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"aegis/cmd/identity/ids"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when AEGIS_DATABASE_URL is set.

func TestPostgresBackend_RoundTrip(t *testing.T) {
	ctx := context.Background()
	dbURL := os.Getenv("AEGIS_DATABASE_URL")
	if dbURL == "" {
		t.Skip("AEGIS_DATABASE_URL is not set; skipping Postgres integration test")
	}

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		t.Skipf("postgres unreachable: %v", err)
	}

	backend := NewPostgresBackend(pool)
	now := time.Now().UTC().Truncate(time.Microsecond)

	tokenID, _ := ids.NewULID(now)
	k1, _ := ids.NewULID(now)
	k2, _ := ids.NewULID(now.Add(time.Millisecond))
	t.Cleanup(func() {
		_, _ = pool.Exec(ctx, `DELETE FROM aegis.tokens WHERE token_id = $1`, tokenID)
		_, _ = pool.Exec(ctx, `DELETE FROM aegis.token_revocations WHERE token_id = $1`, tokenID)
		_, _ = pool.Exec(ctx, `DELETE FROM aegis.key_rotations WHERE key_id = ANY($1)`, []string{k1, k2})
	})

	s := New(Options{Backend: backend, Now: func() time.Time { return now }})
	if err := s.Store(ctx, rec(tokenID, now, time.Hour)); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := s.Revoke(ctx, tokenID, "it", "integration"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	recs, revoked, _, err := backend.Load(ctx, now)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	var found bool
	for _, r := range recs {
		if r.TokenID == tokenID {
			found = true
			if r.Status != StatusRevoked || r.Revocation == nil || r.Revocation.By != "it" {
				t.Fatalf("unexpected persisted record %+v", r)
			}
		}
	}
	if !found {
		t.Fatalf("token not persisted")
	}

	var blacklisted bool
	for _, id := range revoked {
		blacklisted = blacklisted || id == tokenID
	}
	if !blacklisted {
		t.Fatalf("revocation not persisted")
	}

	prev := KeyRotationRecord{KeyID: k1, CreatedAt: now, ActivatedAt: now, Reason: "initial"}
	if err := backend.SaveRotation(ctx, nil, prev); err != nil {
		t.Fatalf("SaveRotation initial: %v", err)
	}
	retired := now.Add(time.Minute)
	prev.DeactivatedAt, prev.SuccessorID = &retired, k2
	next := KeyRotationRecord{KeyID: k2, CreatedAt: retired, ActivatedAt: retired, Reason: "scheduled", PredecessorID: k1, SealedMaterial: []byte{1, 2, 3}}
	if err := backend.SaveRotation(ctx, &prev, next); err != nil {
		t.Fatalf("SaveRotation: %v", err)
	}

	_, _, chain, err := backend.Load(ctx, now)
	if err != nil {
		t.Fatalf("Load chain: %v", err)
	}
	found = false
	for _, k := range chain {
		switch k.KeyID {
		case k1:
			if k.SuccessorID != k2 || len(k.SealedMaterial) != 0 {
				t.Fatalf("retired link = %+v", k)
			}
		case k2:
			found = true
			if k.PredecessorID != k1 || !bytes.Equal(k.SealedMaterial, []byte{1, 2, 3}) {
				t.Fatalf("active link = %+v", k)
			}
		}
	}
	if !found {
		t.Fatalf("rotated key missing from chain")
	}
}
