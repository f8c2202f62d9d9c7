package tokens

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"time"

	"aegis/cmd/identity"
	"aegis/cmd/internal/audit"
	"aegis/cmd/internal/auth/keys"
	"aegis/cmd/internal/auth/tokenstore"
	"aegis/cmd/internal/obs"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Registry records issued tokens (tokenstore.Store).
type Registry interface {
	Store(ctx context.Context, rec tokenstore.Record) error
}

// GeneratorOptions are the collaborators of a Generator. Keys and Registry
// are required.
type GeneratorOptions struct {
	Keys     keys.Provider
	Registry Registry
	Codec    identity.AliasCodec
	Audit    audit.Emitter
	Metrics  *obs.Metrics
	Log      *zap.SugaredLogger
	Now      func() time.Time
}

// Generator mints signed tokens.
type Generator struct {
	cfg      Config
	keys     keys.Provider
	registry Registry
	codec    identity.AliasCodec
	audit    audit.Emitter
	metrics  *obs.Metrics
	log      *zap.SugaredLogger
	now      func() time.Time
}

// NewGenerator fails when the key provider cannot hand out a signing key, so
// a misconfigured process never starts issuing.
func NewGenerator(ctx context.Context, cfg Config, o GeneratorOptions) (*Generator, error) {
	const op = "tokens.NewGenerator"

	if err := cfg.check(); err != nil {
		return nil, err
	}
	if o.Registry == nil {
		return nil, fmt.Errorf("%w: token registry is required", identity.ErrConfig)
	}
	if o.Keys == nil {
		return nil, identity.Fail(op, identity.ErrProviderUnavailable, "no key provider")
	}
	if _, err := o.Keys.CurrentSigningKey(ctx); err != nil {
		return nil, identity.Failf(op, identity.ErrProviderUnavailable, "signing key: %v", err)
	}
	if o.Log == nil {
		o.Log = zap.NewNop().Sugar()
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}

	return &Generator{
		cfg:      cfg,
		keys:     o.Keys,
		registry: o.Registry,
		codec:    o.Codec,
		audit:    audit.OrNop(o.Audit),
		metrics:  o.Metrics,
		log:      o.Log,
		now:      o.Now,
	}, nil
}

// MinTTL is the shortest lifetime Create accepts.
const MinTTL = time.Second

// MaxTTL is the longest lifetime Create accepts.
func (g *Generator) MaxTTL() time.Duration { return g.cfg.MaxTTL }

// Issuer is the iss claim stamped on every token.
func (g *Generator) Issuer() string { return g.cfg.Issuer }

// Create signs cs for ttl and registers the token. Exactly one stored record
// exists per returned token; if registration fails nothing is returned.
func (g *Generator) Create(ctx context.Context, cs ClaimSet, realm, zone string, ttl time.Duration) (Signed, error) {
	const op = "tokens.Generator.Create"

	if err := ctx.Err(); err != nil {
		return Signed{}, err
	}
	// exp and iat are whole seconds on the wire.
	if ttl < MinTTL || ttl > g.cfg.MaxTTL {
		return Signed{}, identity.Failf(op, identity.ErrInvalidInput, "ttl must be in [%s, %s]", MinTTL, g.cfg.MaxTTL)
	}
	if cs.Tier != identity.TierNone && !cs.Tier.Valid() {
		return Signed{}, identity.Fail(op, identity.ErrFieldOutOfRange, "tier out of range")
	}

	alias, err := g.resolveAlias(cs, realm, zone)
	if err != nil {
		return Signed{}, err
	}

	key, err := g.keys.CurrentSigningKey(ctx)
	if err != nil {
		return Signed{}, identity.Failf(op, identity.ErrProviderUnavailable, "signing key: %v", err)
	}

	now := g.now()
	tokenID, err := identity.NewULID(now)
	if err != nil {
		return Signed{}, fmt.Errorf("%s: token id: %w", op, err)
	}

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    g.cfg.Issuer,
			Subject:   alias.String(),
			Audience:  jwt.ClaimStrings(cs.Audience),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        tokenID,
		},
		Tier:        cs.Tier,
		Namespace:   cs.Namespace,
		TenantID:    cs.TenantID,
		Principal:   cs.Principal,
		ChainID:     cs.ChainID,
		Permissions: dedupe(cs.Permissions),
	}
	if len(cs.Custom) > 0 {
		claims.Ext = maps.Clone(cs.Custom)
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tok.Header["kid"] = key.ID
	signed, err := tok.SignedString(key.Material)
	if err != nil {
		return Signed{}, fmt.Errorf("%s: sign: %w", op, err)
	}

	rec := tokenstore.Record{
		TokenID:      tokenID,
		Alias:        claims.Subject,
		SigningKeyID: key.ID,
		Realm:        alias.Realm,
		Zone:         alias.Zone,
		IssuedAt:     claims.IssuedAt.Time,
		ExpiresAt:    claims.ExpiresAt.Time,
	}
	if err := g.registry.Store(ctx, rec); err != nil {
		g.log.Errorw("token.issue.store.fail", "token_id", tokenID, "err", err)
		return Signed{}, err
	}

	g.metrics.TokenIssued(cs.Tier.String())
	g.audit.Emit(audit.Event{
		Type:      audit.TokenIssued,
		Time:      now,
		Outcome:   audit.OutcomeSuccess,
		Principal: cs.Principal,
		TokenRef:  tokenID,
		TenantID:  cs.TenantID,
		Namespace: cs.Namespace,
		Fields:    map[string]any{"tier": int(cs.Tier), "key_id": key.ID, "ttl_seconds": int64(ttl / time.Second)},
	})

	return Signed{
		Token:     signed,
		TokenID:   tokenID,
		KeyID:     key.ID,
		Alias:     alias,
		Claims:    claims,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

func (g *Generator) resolveAlias(cs ClaimSet, realm, zone string) (identity.Alias, error) {
	if strings.TrimSpace(cs.Alias) == "" {
		return g.codec.Generate(realm, zone, cs.Major)
	}
	a, err := g.codec.Parse(cs.Alias)
	if err != nil {
		return identity.Alias{}, err
	}
	if (realm != "" && realm != a.Realm) || (zone != "" && zone != a.Zone) {
		return identity.Alias{}, identity.Fail("tokens.Generator.Create", identity.ErrInvalidInput, "alias realm/zone do not match the requested realm/zone")
	}
	return a, nil
}
