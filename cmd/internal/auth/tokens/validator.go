package tokens

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"aegis/cmd/identity"
	"aegis/cmd/internal/audit"
	"aegis/cmd/internal/auth/keys"
	"aegis/cmd/internal/obs"
	"aegis/cmd/internal/policy"
	"aegis/cmd/security/fingerprint"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultAction is the policy action used when Options.Action is empty.
const DefaultAction = "token.validate"

// Revocations is the revocation surface of the token store (tokenstore.Store).
type Revocations interface {
	IsRevoked(tokenID string) bool
	Revoke(ctx context.Context, tokenID, by, reason string) error
	OnRevoke(fn func(tokenID string))
	MarkValidated(tokenID string)
}

// Options tune a single validation.
type Options struct {
	// Audience, when set, must appear in the token's aud claim.
	Audience string
	// Issuer overrides the configured issuer.
	Issuer string
	// Action and Context are passed to the policy hook.
	Action  string
	Context map[string]any
	// PolicyAdvisory reports a policy rejection in the Result instead of
	// failing the validation.
	PolicyAdvisory bool
}

// Result describes an accepted token.
type Result struct {
	Claims           Claims
	Alias            identity.Alias
	KeyID            string
	PolicyApproved   bool
	PolicyReason     string
	PolicyScore      float64
	PolicyFailedOpen bool
	Cached           bool
}

// ValidatorOptions are the collaborators of a Validator. Keys, Revocations
// and Guard are required.
type ValidatorOptions struct {
	Keys        keys.Provider
	Revocations Revocations
	Guard       *policy.Guard
	Codec       identity.AliasCodec
	Audit       audit.Emitter
	Metrics     *obs.Metrics
	Log         *zap.SugaredLogger
	Now         func() time.Time
}

// Validator verifies presented tokens.
type Validator struct {
	cfg     Config
	keys    keys.Provider
	revs    Revocations
	guard   *policy.Guard
	codec   identity.AliasCodec
	parser  *jwt.Parser
	keyLoad singleflight.Group
	cache   *resultCache
	audit   audit.Emitter
	metrics *obs.Metrics
	log     *zap.SugaredLogger
	now     func() time.Time
}

// NewValidator builds a Validator and subscribes its cache to revocations.
func NewValidator(cfg Config, o ValidatorOptions) (*Validator, error) {
	if err := cfg.check(); err != nil {
		return nil, err
	}
	if o.Keys == nil || o.Revocations == nil || o.Guard == nil {
		return nil, fmt.Errorf("%w: validator needs keys, revocations and a policy guard", identity.ErrConfig)
	}
	if o.Log == nil {
		o.Log = zap.NewNop().Sugar()
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}

	v := &Validator{
		cfg:   cfg,
		keys:  o.Keys,
		revs:  o.Revocations,
		guard: o.Guard,
		codec: o.Codec,
		// Time bounds are checked by hand so skew and the exact-equality
		// boundary stay under our control.
		parser:  jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation()),
		cache:   newResultCache(cfg.CacheSize, cfg.CacheTTL, o.Metrics),
		audit:   audit.OrNop(o.Audit),
		metrics: o.Metrics,
		log:     o.Log,
		now:     o.Now,
	}
	v.revs.OnRevoke(v.cache.invalidate)
	return v, nil
}

// Validate runs the full validation pipeline on raw.
func (v *Validator) Validate(ctx context.Context, raw string, opts Options) (res Result, err error) {
	ctx, span := obs.StartSpan(ctx, "tokens.validate", attribute.Bool("policy.advisory", opts.PolicyAdvisory))
	tokenRef := ""
	defer func() {
		kind := identity.KindOf(err)
		obs.EndSpan(span, err, kind)
		if err == nil {
			v.metrics.Validation("ok")
			return
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			v.metrics.Validation("canceled")
			return
		}
		v.metrics.Validation(kind)
		if tokenRef == "" {
			tokenRef = "fp:" + fingerprint.SHA256Hex(raw)[:16]
		}
		v.audit.Emit(audit.Event{
			Type:     audit.TokenValidationFailed,
			Time:     v.now(),
			Outcome:  audit.OutcomeFailure,
			Kind:     kind,
			Reason:   identity.Reason(err),
			TokenRef: tokenRef,
		})
		v.log.Debugw("token.validate.fail", "token_ref", tokenRef, "kind", kind)
	}()

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	// Parse + VerifySignature.
	claims, keyID, err := v.parse(ctx, raw)
	if err != nil {
		return Result{}, err
	}
	tokenRef = claims.ID

	alias, err := v.codec.Parse(claims.Subject)
	if err != nil {
		return Result{}, identity.Failf("tokens.Validate", identity.ErrMalformedToken, "subject: %s", identity.Reason(err))
	}

	// CheckTimeBounds.
	if err := v.checkTime(claims); err != nil {
		return Result{}, err
	}

	// CheckRevocation. Consulted on every call, cached or not.
	if v.revs.IsRevoked(claims.ID) {
		return Result{}, identity.Fail("tokens.Validate", identity.ErrRevoked, "token has been revoked")
	}

	if opts.Audience != "" && !slices.Contains(claims.Audience, opts.Audience) {
		return Result{}, identity.Fail("tokens.Validate", identity.ErrAudienceMismatch, "audience not accepted")
	}
	wantIss := v.cfg.Issuer
	if opts.Issuer != "" {
		wantIss = opts.Issuer
	}
	if claims.Issuer != wantIss {
		return Result{}, identity.Fail("tokens.Validate", identity.ErrIssuerMismatch, "issuer not accepted")
	}

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	action := opts.Action
	if action == "" {
		action = DefaultAction
	}
	policyHash := policy.InputHash(action, opts.Context)

	if hit, ok := v.cache.get(claims.ID, policyHash); ok {
		// A revocation may have landed between the check above and now.
		if v.revs.IsRevoked(claims.ID) {
			v.cache.invalidate(claims.ID)
			return Result{}, identity.Fail("tokens.Validate", identity.ErrRevoked, "token has been revoked")
		}
		hit.Cached = true
		v.revs.MarkValidated(claims.ID)
		return hit, nil
	}

	// InvokePolicyHook.
	verdict, err := v.guard.Check(ctx, action, policyInput(claims, opts.Context))
	if err != nil {
		return Result{}, err
	}
	if verdict.FailedOpen {
		v.audit.Emit(audit.Event{
			Type:      audit.TokenPolicyFailOpen,
			Time:      v.now(),
			Outcome:   audit.OutcomeSuccess,
			Reason:    verdict.HookErr,
			Principal: claims.Principal,
			TokenRef:  claims.ID,
			TenantID:  claims.TenantID,
			Namespace: claims.Namespace,
			Fields:    map[string]any{"action": action},
		})
	}

	res = Result{
		Claims:           *claims,
		Alias:            alias,
		KeyID:            keyID,
		PolicyApproved:   verdict.Approved,
		PolicyReason:     verdict.Reason,
		PolicyScore:      verdict.Score,
		PolicyFailedOpen: verdict.FailedOpen,
	}

	if !verdict.Approved && !opts.PolicyAdvisory {
		return Result{}, identity.Fail("tokens.Validate", identity.ErrPolicyRejected, verdict.Reason)
	}

	if verdict.Approved && !verdict.FailedOpen {
		v.cache.put(claims.ID, policyHash, res)
	}
	v.revs.MarkValidated(claims.ID)
	return res, nil
}

// Revoke blacklists tokenID. Cached results are dropped by the store's
// revocation listener before Revoke returns.
func (v *Validator) Revoke(ctx context.Context, tokenID, by, reason string) error {
	if err := v.revs.Revoke(ctx, tokenID, by, reason); err != nil {
		return err
	}
	v.audit.Emit(audit.Event{
		Type:      audit.TokenRevoked,
		Time:      v.now(),
		Outcome:   audit.OutcomeSuccess,
		Reason:    reason,
		Principal: by,
		TokenRef:  tokenID,
	})
	return nil
}

// CachedEntries reports how many tokens have cached results.
func (v *Validator) CachedEntries() int { return v.cache.len() }

func (v *Validator) parse(ctx context.Context, raw string) (*Claims, string, error) {
	const op = "tokens.Validate"

	if raw == "" || len(raw) > 8192 {
		return nil, "", identity.Fail(op, identity.ErrMalformedToken, "token empty or too large")
	}

	var keyID string
	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, identity.Fail(op, identity.ErrSignatureInvalid, "missing kid")
		}
		keyID = kid
		return v.keyMaterial(ctx, kid)
	})
	if err == nil {
		if claims.ID == "" || claims.ExpiresAt == nil || claims.IssuedAt == nil || (!claims.Tier.Valid() && claims.Tier != identity.TierNone) {
			return nil, "", identity.Fail(op, identity.ErrMalformedToken, "required claims missing")
		}
		return claims, keyID, nil
	}

	if cerr := ctx.Err(); cerr != nil {
		return nil, "", cerr
	}
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return nil, "", identity.Fail(op, identity.ErrMalformedToken, "token is not a well-formed JWT")
	case errors.Is(err, identity.ErrSignatureInvalid), errors.Is(err, identity.ErrNotFound):
		return nil, "", identity.Fail(op, identity.ErrSignatureInvalid, "unknown or retired signing key")
	case errors.Is(err, identity.ErrProviderUnavailable), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, "", identity.Fail(op, identity.ErrProviderUnavailable, "signing key unavailable")
	default:
		return nil, "", identity.Fail(op, identity.ErrSignatureInvalid, "signature verification failed")
	}
}

// keyMaterial deduplicates concurrent lookups of the same kid. The shared
// lookup runs detached from the first caller's context under its own
// timeout; each caller stops waiting when its own context ends.
func (v *Validator) keyMaterial(ctx context.Context, kid string) ([]byte, error) {
	timeout := v.cfg.KeyLookupTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().KeyLookupTimeout
	}
	ch := v.keyLoad.DoChan(kid, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		m, err := v.keys.KeyMaterialFor(lctx, kid)
		if err != nil && !identity.IsNotFound(err) {
			return nil, identity.Failf("tokens.keyMaterial", identity.ErrProviderUnavailable, "%v", err)
		}
		return m, err
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.([]byte), nil
	}
}

func (v *Validator) checkTime(c *Claims) error {
	const op = "tokens.Validate"
	now := v.now()
	skew := v.cfg.ClockSkew

	// exp + skew is already outside the window.
	if !now.Before(c.ExpiresAt.Add(skew)) {
		return identity.Fail(op, identity.ErrExpired, "token has expired")
	}
	if c.NotBefore != nil && now.Before(c.NotBefore.Add(-skew)) {
		return identity.Fail(op, identity.ErrNotYetValid, "token is not valid yet")
	}
	return nil
}

func policyInput(c *Claims, ctxInput map[string]any) map[string]any {
	return map[string]any{
		"token_id":    c.ID,
		"subject":     c.Subject,
		"tier":        int(c.Tier),
		"namespace":   c.Namespace,
		"tenant_id":   c.TenantID,
		"principal":   c.Principal,
		"permissions": c.Permissions,
		"context":     ctxInput,
	}
}
