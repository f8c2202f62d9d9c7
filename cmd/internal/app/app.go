// Package app wires the aegis runtime: config, logging, persistence, every
// identity component and the operations HTTP server.
//
// English design notes:
// - Components are built here and handed their collaborators explicitly. There
//   are no package-level singletons, so tests can build several Apps side by side.
// - Postgres is optional. Without AEGIS_DATABASE_URL every store is in-memory.
// - Startup is fail-fast: a missing signing key, an unreadable namespace key or
//   a broken key chain stops the process before anything is served.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"aegis/cmd/internal/audit"
	"aegis/cmd/internal/auth/introspect"
	"aegis/cmd/internal/auth/keys"
	"aegis/cmd/internal/auth/tier"
	"aegis/cmd/internal/auth/tokens"
	"aegis/cmd/internal/auth/tokenstore"
	"aegis/cmd/internal/isolation"
	"aegis/cmd/internal/obs"
	"aegis/cmd/internal/policy"
	"aegis/cmd/internal/tenant"
	"aegis/cmd/security/fingerprint"
	"aegis/cmd/security/password"

	"github.com/hashicorp/go-multierror"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

// ComponentConfig gathers the per-package configuration App needs.
type ComponentConfig struct {
	Keys       keys.Config
	Tokens     tokens.Config
	Tier       tier.Config
	Passwords  password.Config
	Tenant     tenant.Config
	Isolation  isolation.Config
	Introspect introspect.Config
}

// LoadComponentConfig loads every component config from the environment.
func LoadComponentConfig() (ComponentConfig, error) {
	var (
		cc  ComponentConfig
		err error
	)
	if cc.Keys, err = keys.LoadConfigFromEnv(); err != nil {
		return cc, err
	}
	if cc.Tokens, err = tokens.LoadConfigFromEnv(); err != nil {
		return cc, err
	}
	if cc.Tier, err = tier.LoadConfigFromEnv(); err != nil {
		return cc, err
	}
	if cc.Passwords, err = password.LoadConfigFromEnv(); err != nil {
		return cc, err
	}
	if cc.Tenant, err = tenant.LoadConfigFromEnv(); err != nil {
		return cc, err
	}
	if cc.Isolation, err = isolation.LoadConfigFromEnv(); err != nil {
		return cc, err
	}
	if cc.Introspect, err = introspect.LoadConfigFromEnv(); err != nil {
		return cc, err
	}
	return cc, nil
}

// App is the aegis runtime. The exported component fields are ready to use
// once New returns.
type App struct {
	cfg Config
	log Logger

	registry *prometheus.Registry
	Metrics  *obs.Metrics

	pool  *pgxpool.Pool
	Audit *audit.Dispatcher
	wsink *audit.WebSocketSink

	Tokens     *tokenstore.Store
	Keys       *keys.Keyring
	Guard      *policy.Guard
	Generator  *tokens.Generator
	Validator  *tokens.Validator
	Tier       *tier.Authenticator
	Tenants    *tenant.Manager
	Isolation  *isolation.Engine
	Introspect *introspect.Service

	rotationInterval time.Duration
}

// New constructs a fully wired App. On error every resource acquired so far
// is released.
func New(ctx context.Context, cfg Config, cc ComponentConfig, log Logger) (a *App, err error) {
	if log == nil {
		if log, err = NewLogger(cfg.LogLevel, cfg.LogFormat); err != nil {
			return nil, err
		}
	}
	if err := ValidateSecurityConfig(cfg, cc); err != nil {
		return nil, err
	}

	a = &App{cfg: cfg, log: log, rotationInterval: cc.Keys.RotationInterval}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
			a = nil
		}
	}()

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics = obs.NewMetrics(a.registry)

	if cfg.DatabaseURL != "" {
		if a.pool, err = NewDBPool(ctx, cfg); err != nil {
			return a, err
		}
		log.Infow("db.enabled.postgres_store")
	} else {
		log.Infow("db.disabled.inmemory_store")
	}
	be, err := newBackends(a.pool)
	if err != nil {
		return a, err
	}

	sinks := []audit.Sink{audit.NewLogSink(log)}
	if be.audit != nil {
		sinks = append(sinks, be.audit)
	}
	if u := strings.TrimSpace(cfg.AuditWSURL); u != "" {
		a.wsink = audit.NewWebSocketSink(u, nil)
		sinks = append(sinks, a.wsink)
	}
	a.Audit = audit.NewDispatcher(log, audit.DispatcherConfig{Buffer: cfg.AuditBuffer, SinkTimeout: cfg.AuditSinkTimeout}, a.Metrics, sinks...)

	if err := a.buildTokens(ctx, cc, be); err != nil {
		return a, err
	}
	if err := a.buildLayers(ctx, cc, be); err != nil {
		return a, err
	}
	return a, nil
}

// buildTokens wires the token registry, the keyring, the policy guard and
// the generator/validator pair.
func (a *App) buildTokens(ctx context.Context, cc ComponentConfig, be backends) error {
	a.Tokens = tokenstore.New(tokenstore.Options{Backend: be.tokens, Log: a.log, Metrics: a.Metrics})
	if err := a.Tokens.Restore(ctx); err != nil {
		return err
	}
	if err := a.Tokens.VerifyKeyChain(); err != nil {
		return fmt.Errorf("startup: %w", err)
	}

	material, err := cc.Keys.Material()
	if err != nil {
		return err
	}
	a.Keys, err = keys.NewKeyring(ctx, material, cc.Keys.SigningKeyID, keys.KeyringOptions{
		Recorder:  a.Tokens,
		Retention: cc.Keys.Retention,
		Log:       a.log,
	})
	clear(material)
	if err != nil {
		return err
	}

	hook, err := newPolicyHook(ctx, a.cfg)
	if err != nil {
		return err
	}
	a.Guard = policy.NewGuard(hook, policy.GuardConfig{
		Timeout:          a.cfg.PolicyTimeout,
		FailMode:         a.cfg.PolicyFailMode,
		AllowWithoutHook: a.cfg.PolicyAllowAll,
	}, a.log, a.Metrics)

	a.Generator, err = tokens.NewGenerator(ctx, cc.Tokens, tokens.GeneratorOptions{
		Keys:     a.Keys,
		Registry: a.Tokens,
		Audit:    a.Audit,
		Metrics:  a.Metrics,
		Log:      a.log,
	})
	if err != nil {
		return err
	}
	a.Validator, err = tokens.NewValidator(cc.Tokens, tokens.ValidatorOptions{
		Keys:        a.Keys,
		Revocations: a.Tokens,
		Guard:       a.Guard,
		Audit:       a.Audit,
		Metrics:     a.Metrics,
		Log:         a.log,
	})
	return err
}

// buildLayers wires the components layered on issued tokens.
func (a *App) buildLayers(ctx context.Context, cc ComponentConfig, be backends) error {
	var err error
	a.Tier, err = tier.New(cc.Tier, tier.Options{
		Minter:      a.Generator,
		Validator:   a.Validator,
		Guard:       a.Guard,
		Credentials: tier.NewMemoryCredentials(cc.Passwords),
		Passwords:   cc.Passwords,
		Audit:       a.Audit,
		Metrics:     a.Metrics,
		Log:         a.log,
	})
	if err != nil {
		return err
	}

	a.Tenants, err = tenant.New(cc.Tenant, tenant.Options{
		Store:     be.tenants,
		Minter:    a.Generator,
		Validator: a.Validator,
		Audit:     a.Audit,
		Metrics:   a.Metrics,
		Log:       a.log,
	})
	if err != nil {
		return err
	}

	a.Isolation, err = isolation.New(cc.Isolation, isolation.Options{
		Keys:    be.nsKeys,
		Audit:   a.Audit,
		Metrics: a.Metrics,
		Log:     a.log,
	})
	if err != nil {
		return err
	}
	if err := a.Isolation.Restore(ctx); err != nil {
		return fmt.Errorf("startup: %w", err)
	}

	fp, err := fingerprint.FromEnv(a.cfg.RequireFingerprintKey)
	if err != nil {
		return fmt.Errorf("startup: fingerprint key: %w", err)
	}
	clients := introspect.NewClients(fp)
	for id, secret := range a.cfg.IntrospectClients {
		if err := clients.Register(id, secret); err != nil {
			return err
		}
	}
	a.Introspect, err = introspect.New(cc.Introspect, introspect.Options{
		Validator:   a.Validator,
		Revocations: a.Tokens,
		Clients:     clients,
		Fingerprint: fp,
		Audit:       a.Audit,
		Metrics:     a.Metrics,
		Log:         a.log,
	})
	return err
}

// newPolicyHook selects the hook named by cfg. A nil hook leaves the
// decision to GuardConfig.AllowWithoutHook.
func newPolicyHook(ctx context.Context, cfg Config) (policy.Hook, error) {
	switch {
	case strings.TrimSpace(cfg.PolicyRego) != "":
		return policy.NewRegoHook(ctx, cfg.PolicyRego, cfg.PolicyRegoQuery)
	case strings.TrimSpace(cfg.PolicyRules) != "":
		return policy.ParseRules(cfg.PolicyRules)
	default:
		return nil, nil
	}
}

// Run starts the operations server and the maintenance loops and blocks
// until ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Router(),
		ReadHeaderTimeout: a.cfg.ReadHeaderTimeout,
		ReadTimeout:       a.cfg.ReadTimeout,
		WriteTimeout:      a.cfg.WriteTimeout,
		IdleTimeout:       a.cfg.IdleTimeout,
	}

	a.log.Infow("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.pool != nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Errorw("server.fail", "err", err)
			return err
		}
		return nil
	})
	g.Go(func() error { return a.Tokens.RunCleanup(gctx, a.cfg.CleanupInterval, a.cfg.CleanupBatch) })
	g.Go(func() error { return a.Keys.RunRotation(gctx, a.rotationInterval) })
	g.Go(func() error { return a.runSweeper(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		a.log.Infow("server.stop", "reason", "context_done")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Errorw("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	runErr := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	if err := a.Close(closeCtx); err != nil {
		a.log.Errorw("app.close.fail", "err", err)
	}
	a.log.Infow("server.stopped")
	return runErr
}

// runSweeper prunes in-memory bookkeeping of the layered components.
func (a *App) runSweeper(ctx context.Context) error {
	interval := a.cfg.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		a.sweep()
	}
}

func (a *App) sweep() {
	a.Tier.Sweep()
	a.Introspect.Sweep()
	if n := a.Isolation.Sweep(); n > 0 {
		a.log.Debugw("isolation.sweep", "grants", n)
	}
}

// Close releases the caches, flushes audit and closes the pool. It is safe
// on a partially built App.
func (a *App) Close(ctx context.Context) error {
	var errs *multierror.Error
	if a.Introspect != nil {
		a.Introspect.Close()
	}
	if a.Audit != nil {
		if err := a.Audit.Close(ctx); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("audit: %w", err))
		}
	}
	if a.wsink != nil {
		if err := a.wsink.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("audit websocket: %w", err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
	return errs.ErrorOrNil()
}
