package app

import (
	"context"
	"fmt"
	"time"

	"aegis/cmd/internal/audit"
	"aegis/cmd/internal/auth/tokenstore"
	"aegis/cmd/internal/isolation"
	"aegis/cmd/internal/tenant"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewDBPool builds a pgxpool and validates connectivity.
// Note: it does NOT run migrations; apply migrations/ before starting.
func NewDBPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("db: parse url: %w", err)
	}

	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	pcfg.MinConns = cfg.DBMinConns

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("db: %w", err)
	}

	if err := PingDB(ctx, pool, 3*time.Second); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db: ping: %w", err)
	}

	return pool, nil
}

// PingDB checks if we can acquire a connection within timeout.
func PingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn.Release()
	return nil
}

// backends are the Postgres implementations of every persistence seam.
// A zero value (no pool) means in-memory operation.
type backends struct {
	tokens  tokenstore.Backend
	tenants tenant.Store
	nsKeys  isolation.KeyStore
	audit   audit.Sink
}

// Ownership model:
// - app owns the pool lifecycle
// - backends borrow it and never close it
func newBackends(pool *pgxpool.Pool) (backends, error) {
	if pool == nil {
		return backends{tenants: tenant.NewMemoryStore()}, nil
	}
	tenants, err := tenant.NewPostgresStore(pool)
	if err != nil {
		return backends{}, err
	}
	keys, err := isolation.NewPostgresKeyStore(pool, "")
	if err != nil {
		return backends{}, err
	}
	return backends{
		tokens:  tokenstore.NewPostgresBackend(pool),
		tenants: tenants,
		nsKeys:  keys,
		audit:   audit.NewPostgresSink(pool),
	}, nil
}
