package tokenstore

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresBackend implements Backend using aegis.tokens,
// aegis.token_revocations and aegis.key_rotations.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend creates a Postgres-backed token backend. The app owns the pool.
func NewPostgresBackend(pool *pgxpool.Pool) *PostgresBackend {
	return &PostgresBackend{pool: pool}
}

// InsertToken inserts a new token row.
func (b *PostgresBackend) InsertToken(ctx context.Context, r Record) error {
	_, err := b.pool.Exec(ctx, `
		INSERT INTO aegis.tokens (
			token_id, alias, signing_key_id, realm, zone,
			issued_at, expires_at, status
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8
		)
	`, r.TokenID, r.Alias, r.SigningKeyID, r.Realm, r.Zone, r.IssuedAt, r.ExpiresAt, string(r.Status))
	return err
}

// SetStatus updates a token's status. Revoked rows are never downgraded.
func (b *PostgresBackend) SetStatus(ctx context.Context, tokenID string, status Status) error {
	_, err := b.pool.Exec(ctx, `
		UPDATE aegis.tokens
		SET status = $2
		WHERE token_id = $1 AND status <> 'revoked'
	`, tokenID, string(status))
	return err
}

// MarkRevoked records the first revocation of tokenID.
func (b *PostgresBackend) MarkRevoked(ctx context.Context, tokenID string, rv Revocation) error {
	tx, err := b.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		INSERT INTO aegis.token_revocations (token_id, revoked_by, reason, revoked_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (token_id) DO NOTHING
	`, tokenID, rv.By, rv.Reason, rv.At); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE aegis.tokens
		SET status = 'revoked'
		WHERE token_id = $1
	`, tokenID); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// DeleteTokens removes token rows. Revocation rows are kept.
func (b *PostgresBackend) DeleteTokens(ctx context.Context, tokenIDs []string) error {
	if len(tokenIDs) == 0 {
		return nil
	}
	_, err := b.pool.Exec(ctx, `
		DELETE FROM aegis.tokens
		WHERE token_id = ANY($1)
	`, tokenIDs)
	return err
}

// SaveRotation deactivates prev and inserts next in one transaction.
func (b *PostgresBackend) SaveRotation(ctx context.Context, prev *KeyRotationRecord, next KeyRotationRecord) error {
	tx, err := b.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if prev != nil {
		if _, err := tx.Exec(ctx, `
			UPDATE aegis.key_rotations
			SET deactivated_at = $2, successor_id = $3
			WHERE key_id = $1 AND deactivated_at IS NULL
		`, prev.KeyID, prev.DeactivatedAt, prev.SuccessorID); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO aegis.key_rotations (
			key_id, created_at, activated_at, deactivated_at,
			rotation_reason, predecessor_id, successor_id, sealed_material
		) VALUES (
			$1, $2, $3, NULL,
			$4, $5, NULL, $6
		)
	`, next.KeyID, next.CreatedAt, next.ActivatedAt, next.Reason, nullIfEmpty(next.PredecessorID), next.SealedMaterial); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// Load returns unexpired tokens, revoked IDs and the key chain.
func (b *PostgresBackend) Load(ctx context.Context, now time.Time) ([]Record, []string, []KeyRotationRecord, error) {
	recs, err := b.loadTokens(ctx, now)
	if err != nil {
		return nil, nil, nil, err
	}
	revoked, err := b.loadRevoked(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	chain, err := b.loadChain(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	return recs, revoked, chain, nil
}

func (b *PostgresBackend) loadTokens(ctx context.Context, now time.Time) ([]Record, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT
			t.token_id, t.alias, t.signing_key_id, t.realm, t.zone,
			t.issued_at, t.expires_at, t.status,
			r.revoked_by, r.reason, r.revoked_at
		FROM aegis.tokens t
		LEFT JOIN aegis.token_revocations r ON r.token_id = t.token_id
		WHERE t.expires_at > $1
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r        Record
			status   string
			by, why  *string
			revokeAt *time.Time
		)
		if err := rows.Scan(
			&r.TokenID, &r.Alias, &r.SigningKeyID, &r.Realm, &r.Zone,
			&r.IssuedAt, &r.ExpiresAt, &status,
			&by, &why, &revokeAt,
		); err != nil {
			return nil, err
		}
		r.Status = Status(status)
		if revokeAt != nil {
			r.Status = StatusRevoked
			r.Revocation = &Revocation{By: deref(by), Reason: deref(why), At: *revokeAt}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (b *PostgresBackend) loadRevoked(ctx context.Context) ([]string, error) {
	rows, err := b.pool.Query(ctx, `SELECT token_id FROM aegis.token_revocations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (b *PostgresBackend) loadChain(ctx context.Context) ([]KeyRotationRecord, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT
			key_id, created_at, activated_at, deactivated_at,
			rotation_reason, predecessor_id, successor_id, sealed_material
		FROM aegis.key_rotations
		ORDER BY activated_at ASC, key_id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []KeyRotationRecord
	for rows.Next() {
		var (
			k          KeyRotationRecord
			pred, succ *string
		)
		if err := rows.Scan(&k.KeyID, &k.CreatedAt, &k.ActivatedAt, &k.DeactivatedAt, &k.Reason, &pred, &succ, &k.SealedMaterial); err != nil {
			return nil, err
		}
		k.PredecessorID, k.SuccessorID = deref(pred), deref(succ)
		out = append(out, k)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
