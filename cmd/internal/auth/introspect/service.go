// Package introspect answers "is this token active?" for registered clients.
//
// Calls are authenticated and rate limited per client before any validation
// work happens. Active results are cached briefly; inactive results never
// are, and every cache hit re-checks the revocation blacklist.
package introspect

import (
	"context"
	"errors"
	"fmt"
	"time"

	"aegis/cmd/identity"
	"aegis/cmd/internal/audit"
	"aegis/cmd/internal/auth/tokens"
	"aegis/cmd/internal/obs"
	"aegis/cmd/security/fingerprint"

	"github.com/dgraph-io/ristretto/v2"
	"go.uber.org/zap"
)

// Action is the policy action evaluated for introspection.
const Action = "token.introspect"

// TokenValidator is the validation surface used (tokens.Validator).
type TokenValidator interface {
	Validate(ctx context.Context, raw string, opts tokens.Options) (tokens.Result, error)
}

// RevocationChecker is the blacklist lookup (tokenstore.Store).
type RevocationChecker interface {
	IsRevoked(tokenID string) bool
}

// Result is the introspection response. Only Active is set for inactive tokens.
type Result struct {
	Active bool

	TokenID     string
	Subject     string
	Issuer      string
	Audience    []string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	Tier        identity.Tier
	Namespace   string
	TenantID    string
	Principal   string
	Permissions []string

	PolicyApproved bool
	PolicyReason   string
	Cached         bool
}

// Options are the collaborators of a Service. Validator, Revocations and
// Clients are required.
type Options struct {
	Validator   TokenValidator
	Revocations RevocationChecker
	Clients     *Clients
	Fingerprint fingerprint.Fingerprinter
	Audit       audit.Emitter
	Metrics     *obs.Metrics
	Log         *zap.SugaredLogger
	Now         func() time.Time
}

// Service implements token introspection.
type Service struct {
	cfg     Config
	val     TokenValidator
	revs    RevocationChecker
	clients *Clients
	fp      fingerprint.Fingerprinter
	limits  *limiter
	cache   *ristretto.Cache[string, Result]
	audit   audit.Emitter
	metrics *obs.Metrics
	log     *zap.SugaredLogger
	now     func() time.Time
}

// New builds a Service. Close releases the cache.
func New(cfg Config, o Options) (*Service, error) {
	if err := cfg.check(); err != nil {
		return nil, err
	}
	if o.Validator == nil || o.Revocations == nil || o.Clients == nil {
		return nil, fmt.Errorf("%w: introspection needs a validator, revocation checker and client registry", identity.ErrConfig)
	}
	if o.Log == nil {
		o.Log = zap.NewNop().Sugar()
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}

	s := &Service{
		cfg:     cfg,
		val:     o.Validator,
		revs:    o.Revocations,
		clients: o.Clients,
		fp:      o.Fingerprint,
		limits:  newLimiter(cfg, o.Now),
		audit:   audit.OrNop(o.Audit),
		metrics: o.Metrics,
		log:     o.Log,
		now:     o.Now,
	}

	if cfg.CacheTTL > 0 && cfg.CacheEntries > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config[string, Result]{
			NumCounters:        cfg.CacheEntries * 10,
			MaxCost:            cfg.CacheEntries,
			BufferItems:        64,
			IgnoreInternalCost: true,
		})
		if err != nil {
			return nil, fmt.Errorf("introspect: init cache: %w", err)
		}
		s.cache = cache
	}
	return s, nil
}

// Close stops the cache's background goroutines.
func (s *Service) Close() {
	if s.cache != nil {
		s.cache.Close()
	}
}

// Introspect reports whether token is active. Invalid tokens are not an
// error: they produce Result{Active: false}. Errors are reserved for the
// caller: bad client credentials, rate limiting and cancellation.
func (s *Service) Introspect(ctx context.Context, token string, creds Credentials) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	clientID, err := s.clients.Authenticate(creds)
	if err != nil {
		s.metrics.Introspection("denied")
		s.log.Infow("introspect.denied", "client_id", creds.ClientID)
		return Result{}, err
	}
	if err := s.limits.allow(clientID); err != nil {
		s.metrics.Introspection("rate_limited")
		var rl *RateLimitError
		if errors.As(err, &rl) {
			s.log.Infow("introspect.rate_limited", "client_id", clientID, "retry_after", rl.RetryAfter.String())
		}
		return Result{}, err
	}

	key := clientID + ":" + s.fp.Of(token)
	if r, ok := s.cached(key); ok {
		s.metrics.Introspection("active")
		return r, nil
	}

	res, err := s.val.Validate(ctx, token, tokens.Options{
		Audience:       s.cfg.Audience,
		Action:         Action,
		Context:        map[string]any{"requester": clientID},
		PolicyAdvisory: true,
	})
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		kind := identity.KindOf(err)
		s.metrics.Introspection("inactive")
		s.audit.Emit(audit.Event{
			Type:     audit.Introspection,
			Time:     s.now(),
			Outcome:  audit.OutcomeFailure,
			Kind:     kind,
			TokenRef: "fp:" + s.fp.Short(token),
			Fields:   map[string]any{"requester": clientID},
		})
		return Result{Active: false}, nil
	}

	out := fromValidation(res)
	if out.PolicyApproved {
		s.store(key, out)
	}
	s.metrics.Introspection("active")
	s.audit.Emit(audit.Event{
		Type:      audit.Introspection,
		Time:      s.now(),
		Outcome:   audit.OutcomeSuccess,
		Principal: out.Principal,
		TokenRef:  out.TokenID,
		TenantID:  out.TenantID,
		Namespace: out.Namespace,
		Fields:    map[string]any{"requester": clientID, "policy_approved": out.PolicyApproved},
	})
	return out, nil
}

// Sweep forgets idle requesters.
func (s *Service) Sweep() {
	if n := s.limits.prune(); n > 0 {
		s.log.Debugw("introspect.sweep", "requesters", n)
	}
}

func (s *Service) cached(key string) (Result, bool) {
	if s.cache == nil {
		return Result{}, false
	}
	r, ok := s.cache.Get(key)
	if !ok {
		s.metrics.CacheLookup("introspection", false)
		return Result{}, false
	}
	if s.revs.IsRevoked(r.TokenID) || !s.now().Before(r.ExpiresAt) {
		s.cache.Del(key)
		s.metrics.CacheLookup("introspection", false)
		return Result{}, false
	}
	s.metrics.CacheLookup("introspection", true)
	r.Cached = true
	return r, true
}

// store caches r for min(CacheTTL, time to expiry).
func (s *Service) store(key string, r Result) {
	if s.cache == nil {
		return
	}
	ttl := s.cfg.CacheTTL
	if left := r.ExpiresAt.Sub(s.now()); left < ttl {
		ttl = left
	}
	if ttl <= 0 {
		return
	}
	s.cache.SetWithTTL(key, r, 1, ttl)
	s.cache.Wait()
}

func fromValidation(res tokens.Result) Result {
	c := res.Claims
	out := Result{
		Active:         true,
		TokenID:        c.ID,
		Subject:        c.Subject,
		Issuer:         c.Issuer,
		Audience:       []string(c.Audience),
		Tier:           c.Tier,
		Namespace:      c.Namespace,
		TenantID:       c.TenantID,
		Principal:      c.Principal,
		Permissions:    c.Permissions,
		PolicyApproved: res.PolicyApproved,
		PolicyReason:   res.PolicyReason,
	}
	if c.IssuedAt != nil {
		out.IssuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		out.ExpiresAt = c.ExpiresAt.Time
	}
	return out
}
