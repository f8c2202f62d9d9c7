package isolation

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"aegis/cmd/identity"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// KeyStore persists sealed namespace keys. Payloads are not persisted here.
type KeyStore interface {
	SaveKey(ctx context.Context, k NamespaceKey) error
	DeleteKey(ctx context.Context, namespace, scope, keyID string) error
	LoadKeys(ctx context.Context) ([]NamespaceKey, error)
}

// PostgresKeyStore implements KeyStore over <schema>.namespace_keys.
// The pgx pool is owned by the caller.
type PostgresKeyStore struct {
	pool   *pgxpool.Pool
	schema string
}

var schemaRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// NewPostgresKeyStore constructs a PostgresKeyStore. schema defaults to "aegis".
func NewPostgresKeyStore(pool *pgxpool.Pool, schema string) (*PostgresKeyStore, error) {
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = "aegis"
	}
	if pool == nil || !schemaRe.MatchString(schema) {
		return nil, fmt.Errorf("%w: namespace key store needs a pool and a valid schema", identity.ErrConfig)
	}
	return &PostgresKeyStore{pool: pool, schema: schema}, nil
}

func (s *PostgresKeyStore) table() string {
	return pgx.Identifier{s.schema, "namespace_keys"}.Sanitize()
}

// SaveKey inserts k, replacing a row with the same key id.
func (s *PostgresKeyStore) SaveKey(ctx context.Context, k NamespaceKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table()+` (namespace, scope, key_id, tenant_id, sealed_key, salt, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (namespace, scope, key_id) DO UPDATE
		    SET sealed_key = EXCLUDED.sealed_key,
		        salt = EXCLUDED.salt,
		        expires_at = EXCLUDED.expires_at`,
		k.Namespace, k.Scope, k.KeyID, k.TenantID, k.Sealed, k.Salt, k.CreatedAt, k.ExpiresAt,
	)
	return err
}

// DeleteKey removes a retired key.
func (s *PostgresKeyStore) DeleteKey(ctx context.Context, namespace, scope, keyID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM `+s.table()+` WHERE namespace = $1 AND scope = $2 AND key_id = $3`,
		namespace, scope, keyID,
	)
	return err
}

// LoadKeys returns every key, oldest first.
func (s *PostgresKeyStore) LoadKeys(ctx context.Context) ([]NamespaceKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT namespace, scope, key_id, tenant_id, sealed_key, salt, created_at, expires_at
		   FROM `+s.table()+`
		  ORDER BY created_at ASC, key_id ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []NamespaceKey
	for rows.Next() {
		var k NamespaceKey
		if err := rows.Scan(&k.Namespace, &k.Scope, &k.KeyID, &k.TenantID, &k.Sealed, &k.Salt, &k.CreatedAt, &k.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}
