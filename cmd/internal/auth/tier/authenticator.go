package tier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"aegis/cmd/identity"
	"aegis/cmd/internal/audit"
	"aegis/cmd/internal/auth/tokens"
	"aegis/cmd/internal/obs"
	"aegis/cmd/internal/policy"
	"aegis/cmd/security/password"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Minter issues tier tokens (tokens.Generator).
type Minter interface {
	Create(ctx context.Context, cs tokens.ClaimSet, realm, zone string, ttl time.Duration) (tokens.Signed, error)
}

// TokenValidator checks prior-tier tokens (tokens.Validator).
type TokenValidator interface {
	Validate(ctx context.Context, raw string, opts tokens.Options) (tokens.Result, error)
}

// Options are the collaborators of an Authenticator. Minter, Validator,
// Guard and Credentials are required.
type Options struct {
	Minter      Minter
	Validator   TokenValidator
	Guard       *policy.Guard
	Credentials CredentialStore
	Passwords   password.Config
	Hardware    HardwareVerifier
	Biometric   BiometricProvider
	Audit       audit.Emitter
	Metrics     *obs.Metrics
	Log         *zap.SugaredLogger
	Now         func() time.Time
}

// Authenticator runs tier transitions.
type Authenticator struct {
	cfg       Config
	minter    Minter
	validator TokenValidator
	guard     *policy.Guard
	creds     CredentialStore
	passwords password.Config
	hardware  HardwareVerifier
	biometric BiometricProvider

	lock       *lockout
	otp        *totpVerifier
	challenges *challengeBook

	audit   audit.Emitter
	metrics *obs.Metrics
	log     *zap.SugaredLogger
	now     func() time.Time
}

// New builds an Authenticator. A nil Biometric provider makes T5 fail closed.
func New(cfg Config, o Options) (*Authenticator, error) {
	if err := cfg.check(); err != nil {
		return nil, err
	}
	if o.Minter == nil || o.Validator == nil || o.Guard == nil || o.Credentials == nil {
		return nil, fmt.Errorf("%w: authenticator needs a minter, validator, policy guard and credential store", identity.ErrConfig)
	}
	if o.Hardware == nil {
		o.Hardware = Ed25519Verifier{}
	}
	if o.Biometric == nil {
		o.Biometric = UnavailableProvider{}
	}
	if o.Log == nil {
		o.Log = zap.NewNop().Sugar()
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}

	return &Authenticator{
		cfg:        cfg,
		minter:     o.Minter,
		validator:  o.Validator,
		guard:      o.Guard,
		creds:      o.Credentials,
		passwords:  o.Passwords,
		hardware:   o.Hardware,
		biometric:  o.Biometric,
		lock:       newLockout(cfg, o.Now),
		otp:        newTOTPVerifier(cfg.TOTPSkewSteps),
		challenges: newChallengeBook(cfg.ChallengeTTL, o.Now),
		audit:      audit.OrNop(o.Audit),
		metrics:    o.Metrics,
		log:        o.Log,
		now:        o.Now,
	}, nil
}

// BeginHardwareChallenge issues a single-use challenge for a T4 attempt.
func (a *Authenticator) BeginHardwareChallenge(ctx context.Context, principal, origin string) (Challenge, error) {
	const op = "tier.BeginHardwareChallenge"
	if err := ctx.Err(); err != nil {
		return Challenge{}, err
	}
	p := identity.NormalizePrincipal(principal)
	origin = strings.TrimSpace(origin)
	if p == "" || origin == "" {
		return Challenge{}, identity.Fail(op, identity.ErrInvalidInput, "principal and origin required")
	}
	return a.challenges.issue(p, origin)
}

type chain struct {
	alias string
	id    string
}

// Authenticate elevates ac.Principal to ac.Target. On failure the returned
// AuthResult carries Kind and Reason and err wraps the same kind.
func (a *Authenticator) Authenticate(ctx context.Context, ac AuthContext) (res AuthResult, err error) {
	ctx, span := obs.StartSpan(ctx, "tier.authenticate", attribute.Int("tier.target", int(ac.Target)))
	defer func() { obs.EndSpan(span, err, identity.KindOf(err)) }()

	principal := identity.NormalizePrincipal(ac.Principal)
	target := ac.Target
	if principal == "" || !target.Valid() {
		return a.failed(principal, target, identity.Fail("tier.Authenticate", identity.ErrInvalidInput, "principal and a target tier in 1..5 are required"), 0)
	}
	if err := ctx.Err(); err != nil {
		return AuthResult{Tier: target}, err
	}

	ch, err := a.provePrior(ctx, principal, ac)
	if err != nil {
		return a.failed(principal, target, err, 0)
	}

	pin := map[string]any{
		"principal": principal,
		"tier":      int(target),
		"origin":    ac.Origin,
		"metadata":  ac.Metadata,
	}
	if err := a.checkPolicy(ctx, fmt.Sprintf("auth.tier.%d.pre", target), pin); err != nil {
		return a.failed(principal, target, err, 0)
	}

	if target == identity.TierPassword {
		d, ok := a.lock.acquire(principal)
		switch {
		case d > 0:
			return a.failed(principal, target, identity.Fail("tier.Authenticate", identity.ErrAccountLocked, "too many failed attempts"), d)
		case !ok:
			return a.failed(principal, target, identity.Fail("tier.Authenticate", identity.ErrRateLimited, "too many password attempts in flight"), 0)
		}
	}

	if err := a.verify(ctx, principal, ac); err != nil {
		var retry time.Duration
		if target == identity.TierPassword {
			if ctx.Err() == nil && errors.Is(err, identity.ErrInvalidCredentials) {
				retry = a.onPasswordFailure(principal)
			} else {
				a.lock.release(principal)
			}
		}
		if ctx.Err() != nil {
			return AuthResult{Tier: target}, ctx.Err()
		}
		return a.failed(principal, target, err, retry)
	}
	if target == identity.TierPassword {
		a.lock.succeed(principal)
	}

	if err := a.checkPolicy(ctx, fmt.Sprintf("auth.tier.%d.post", target), pin); err != nil {
		return a.failed(principal, target, err, 0)
	}

	if ch.id == "" {
		if ch.id, err = identity.NewULID(a.now()); err != nil {
			return a.failed(principal, target, err, 0)
		}
	}
	realm, zone := ac.Realm, ac.Zone
	if ch.alias == "" {
		if realm == "" {
			realm = a.cfg.Realm
		}
		if zone == "" {
			zone = a.cfg.Zone
		}
	}

	signed, err := a.minter.Create(ctx, tokens.ClaimSet{
		Alias:       ch.alias,
		Major:       1,
		Audience:    a.cfg.Audience,
		Tier:        target,
		Principal:   principal,
		ChainID:     ch.id,
		Permissions: Permissions(target),
		Custom:      map[string]any{"amr": tierMethods[target]},
	}, realm, zone, a.cfg.TTL(target))
	if err != nil {
		return a.failed(principal, target, err, 0)
	}

	a.metrics.AuthAttempt(target.String(), "ok")
	a.audit.Emit(audit.Event{
		Type:      audit.AuthTierSucceeded,
		Time:      a.now(),
		Outcome:   audit.OutcomeSuccess,
		Principal: principal,
		TokenRef:  signed.TokenID,
		Fields:    map[string]any{"tier": int(target), "chain_id": ch.id, "origin": ac.Origin},
	})
	a.log.Infow("auth.tier.ok", "principal", principal, "tier", int(target), "chain_id", ch.id)

	return AuthResult{
		Success:   true,
		Tier:      target,
		Token:     signed.Token,
		TokenID:   signed.TokenID,
		ChainID:   ch.id,
		Alias:     signed.Alias.String(),
		ExpiresAt: signed.ExpiresAt,
	}, nil
}

// Sweep drops expired challenges, stale lockout entries and replay markers.
func (a *Authenticator) Sweep() {
	c := a.challenges.prune()
	l := a.lock.prune()
	o := a.otp.prune(a.now())
	if c+l+o > 0 {
		a.log.Debugw("auth.tier.sweep", "challenges", c, "lockouts", l, "otp_steps", o)
	}
}

// provePrior validates the prior-tier token. T1 starts a new chain.
func (a *Authenticator) provePrior(ctx context.Context, principal string, ac AuthContext) (chain, error) {
	const op = "tier.Authenticate"
	if ac.Target == identity.TierPublic {
		return chain{}, nil
	}

	prior := ac.Target.Prior()
	if strings.TrimSpace(ac.PriorToken) == "" {
		return chain{}, identity.Failf(op, identity.ErrRequiresPriorTier, "tier %d requires a tier %d token", ac.Target, prior)
	}

	res, err := a.validator.Validate(ctx, ac.PriorToken, tokens.Options{
		Action:  "auth.tier.elevate",
		Context: map[string]any{"target": int(ac.Target)},
	})
	if err != nil {
		if ctx.Err() != nil {
			return chain{}, ctx.Err()
		}
		return chain{}, identity.Failf(op, identity.ErrRequiresPriorTier, "prior token rejected: %s", identity.KindOf(err))
	}
	switch {
	case res.Claims.Principal != principal:
		return chain{}, identity.Fail(op, identity.ErrRequiresPriorTier, "prior token was not issued to this principal")
	case res.Claims.Tier != prior:
		return chain{}, identity.Failf(op, identity.ErrRequiresPriorTier, "tier %d requires a tier %d token", ac.Target, prior)
	case res.Claims.ChainID == "":
		return chain{}, identity.Fail(op, identity.ErrRequiresPriorTier, "prior token is not part of an elevation chain")
	}
	return chain{alias: res.Claims.Subject, id: res.Claims.ChainID}, nil
}

func (a *Authenticator) checkPolicy(ctx context.Context, action string, input map[string]any) error {
	v, err := a.guard.Check(ctx, action, input)
	if err != nil {
		return err
	}
	if !v.Approved {
		return identity.Fail("tier.Authenticate", identity.ErrPolicyRejected, v.Reason)
	}
	return nil
}

func (a *Authenticator) verify(ctx context.Context, principal string, ac AuthContext) error {
	switch ac.Target {
	case identity.TierPublic:
		return nil
	case identity.TierPassword:
		return a.verifyPassword(ctx, principal, ac.Password)
	case identity.TierMFA:
		return a.verifyTOTP(ctx, principal, ac.TOTPCode)
	case identity.TierHardwareKey:
		return a.verifyHardware(ctx, principal, ac)
	case identity.TierBiometric:
		return a.verifyBiometric(ctx, principal, ac.Biometric)
	default:
		return identity.Fail("tier.Authenticate", identity.ErrInvalidInput, "unknown tier")
	}
}

func invalidCredentials() error {
	return identity.Fail("tier.Authenticate", identity.ErrInvalidCredentials, "invalid credentials")
}

func (a *Authenticator) verifyPassword(ctx context.Context, principal, pw string) error {
	hash, err := a.creds.PasswordHash(ctx, principal)
	if err != nil {
		if identity.IsNotFound(err) {
			// Same Argon2id cost for unknown principals.
			_ = a.passwords.DummyVerify(pw)
			return invalidCredentials()
		}
		return err
	}
	ok, err := a.passwords.Verify(hash, pw)
	if err != nil || !ok {
		return invalidCredentials()
	}
	a.rehash(ctx, principal, hash, pw)
	return nil
}

// rehash upgrades a hash made with outdated parameters. Failures are logged
// and never fail the login.
func (a *Authenticator) rehash(ctx context.Context, principal, hash, pw string) {
	rh, ok := a.creds.(PasswordRehasher)
	if !ok || !a.passwords.NeedsRehash(hash) {
		return
	}
	next, err := a.passwords.Hash(pw)
	if err == nil {
		err = rh.ReplacePasswordHash(ctx, principal, hash, next)
	}
	if err != nil {
		a.log.Warnw("auth.password.rehash.fail", "principal", principal, "err", err)
		return
	}
	a.log.Infow("auth.password.rehashed", "principal", principal)
}

func (a *Authenticator) verifyTOTP(ctx context.Context, principal, code string) error {
	secret, err := a.creds.TOTPSecret(ctx, principal)
	if err != nil {
		if identity.IsNotFound(err) {
			return invalidCredentials()
		}
		return err
	}
	return a.otp.verify(principal, secret, strings.TrimSpace(code), a.now())
}

func (a *Authenticator) verifyHardware(ctx context.Context, principal string, ac AuthContext) error {
	const op = "tier.verifyHardware"

	ch, ok := a.challenges.take(ac.ChallengeID)
	if !ok {
		return identity.Fail(op, identity.ErrChallengeExpired, "unknown or already used challenge")
	}
	if !a.now().Before(ch.ExpiresAt) {
		return identity.Fail(op, identity.ErrChallengeExpired, "challenge expired")
	}
	if ch.Principal != principal {
		return identity.Fail(op, identity.ErrInvalidCredentials, "challenge was not issued to this principal")
	}
	if ch.Origin != strings.TrimSpace(ac.Origin) {
		return identity.Fail(op, identity.ErrInvalidCredentials, "origin does not match the challenge")
	}

	enrolled, err := a.creds.HardwareKeys(ctx, principal)
	if err != nil {
		if identity.IsNotFound(err) {
			return invalidCredentials()
		}
		return err
	}

	msg := ch.Message()
	_, err = callExternal(ctx, a.cfg.ExternalTimeout, func(ctx context.Context) (struct{}, error) {
		for _, k := range enrolled {
			err := a.hardware.Verify(ctx, k, msg, ac.Signature)
			if err == nil {
				return struct{}{}, nil
			}
			if errors.Is(err, identity.ErrProviderUnavailable) {
				return struct{}{}, err
			}
		}
		return struct{}{}, invalidCredentials()
	})
	return err
}

func (a *Authenticator) verifyBiometric(ctx context.Context, principal string, att *BiometricAttestation) error {
	const op = "tier.verifyBiometric"
	if att == nil {
		return identity.Fail(op, identity.ErrInvalidCredentials, "biometric attestation required")
	}

	as, err := callExternal(ctx, a.cfg.ExternalTimeout, func(ctx context.Context) (Assessment, error) {
		return a.biometric.Evaluate(ctx, principal, *att)
	})
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, identity.ErrInvalidCredentials), errors.Is(err, identity.ErrChallengeExpired), errors.Is(err, identity.ErrProviderUnavailable):
			return err
		default:
			return identity.Failf(op, identity.ErrProviderUnavailable, "biometric provider: %v", err)
		}
	}

	switch {
	case !as.SignatureValid:
		return identity.Fail(op, identity.ErrInvalidCredentials, "attestation signature invalid")
	case identity.NormalizePrincipal(as.Principal) != principal:
		return identity.Fail(op, identity.ErrInvalidCredentials, "attestation was not issued for this principal")
	case as.Confidence < a.cfg.BiometricThreshold:
		return identity.Fail(op, identity.ErrInvalidCredentials, "confidence below threshold")
	}
	return nil
}

func (a *Authenticator) onPasswordFailure(principal string) time.Duration {
	d := a.lock.fail(principal)
	if d <= 0 {
		return 0
	}
	a.metrics.Lockout()
	a.audit.Emit(audit.Event{
		Type:      audit.AuthLockout,
		Time:      a.now(),
		Outcome:   audit.OutcomeDenied,
		Kind:      identity.ErrAccountLocked.Error(),
		Principal: principal,
		Fields:    map[string]any{"locked_seconds": int64(d / time.Second)},
	})
	a.log.Warnw("auth.lockout", "principal", principal, "duration", d.String())
	return d
}

func (a *Authenticator) failed(principal string, target identity.Tier, err error, retry time.Duration) (AuthResult, error) {
	kind := identity.KindOf(err)
	a.metrics.AuthAttempt(target.String(), kind)
	a.audit.Emit(audit.Event{
		Type:      audit.AuthTierFailed,
		Time:      a.now(),
		Outcome:   audit.OutcomeFailure,
		Kind:      kind,
		Reason:    identity.Reason(err),
		Principal: principal,
		Fields:    map[string]any{"tier": int(target)},
	})
	a.log.Infow("auth.tier.fail", "principal", principal, "tier", int(target), "kind", kind)
	return AuthResult{
		Tier:       target,
		Kind:       kind,
		Reason:     identity.Reason(err),
		RetryAfter: retry,
	}, err
}

// callExternal runs fn under timeout. A verifier that ignores its context
// still cannot hold the caller past the deadline.
func callExternal[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		v   T
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("external verifier panic: %v", r)}
			}
		}()
		v, err := fn(cctx)
		ch <- outcome{v: v, err: err}
	}()

	select {
	case o := <-ch:
		return o.v, o.err
	case <-cctx.Done():
		var zero T
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return zero, identity.Fail("tier.external", identity.ErrProviderUnavailable, "external verifier timed out")
	}
}
