package audit

import (
	"context"
	"encoding/json"
	"strings"

	"aegis/cmd/identity/ids"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSink appends events to aegis.audit_log.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink creates a Postgres-backed sink. The app owns the pool.
func NewPostgresSink(pool *pgxpool.Pool) *PostgresSink {
	return &PostgresSink{pool: pool}
}

// Write implements Sink.
func (s *PostgresSink) Write(ctx context.Context, e Event) error {
	if s == nil || s.pool == nil {
		return nil
	}
	if strings.TrimSpace(e.Type) == "" {
		return nil
	}

	id, err := ids.NewULID(e.Time)
	if err != nil {
		return err
	}

	var meta *string
	if len(e.Fields) > 0 {
		if b, err := json.Marshal(e.Fields); err == nil {
			m := string(b)
			meta = &m
		}
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO aegis.audit_log (
			id, event_type, outcome, kind, reason,
			principal, token_ref, tenant_id, namespace, meta, created_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10::jsonb, $11
		)
	`, id, e.Type, string(e.Outcome), nullIfEmpty(e.Kind), nullIfEmpty(e.Reason),
		nullIfEmpty(e.Principal), nullIfEmpty(e.TokenRef), nullIfEmpty(e.TenantID),
		nullIfEmpty(e.Namespace), meta, e.Time)
	return err
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
