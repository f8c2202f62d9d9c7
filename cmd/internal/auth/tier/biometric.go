package tier

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"time"

	"aegis/cmd/identity"
)

// BiometricAttestation is an attestation produced by a biometric device or
// vendor service: a JSON payload and a signature over it.
type BiometricAttestation struct {
	KeyID     string
	Payload   []byte
	Signature []byte
}

// AttestationClaims is the payload format understood by SignedAttestationProvider.
type AttestationClaims struct {
	Principal  string  `json:"principal"`
	Modality   string  `json:"modality"`
	Confidence float64 `json:"confidence"`
	IssuedAt   int64   `json:"issued_at"`
}

// Assessment is a provider's verdict on an attestation.
type Assessment struct {
	Principal      string
	Modality       string
	Confidence     float64
	SignatureValid bool
}

// BiometricProvider evaluates attestations. The authenticator applies the
// confidence threshold; providers only report.
type BiometricProvider interface {
	Evaluate(ctx context.Context, principal string, att BiometricAttestation) (Assessment, error)
}

// UnavailableProvider is the provider used when none is configured.
type UnavailableProvider struct{}

// Evaluate implements BiometricProvider.
func (UnavailableProvider) Evaluate(context.Context, string, BiometricAttestation) (Assessment, error) {
	return Assessment{}, identity.Fail("tier.biometric", identity.ErrProviderUnavailable, "no biometric provider configured")
}

// SignedAttestationProvider trusts attestations signed by known Ed25519 keys.
type SignedAttestationProvider struct {
	TrustedKeys map[string]ed25519.PublicKey
	MaxAge      time.Duration
	Now         func() time.Time
}

// Evaluate implements BiometricProvider.
func (p SignedAttestationProvider) Evaluate(ctx context.Context, _ string, att BiometricAttestation) (Assessment, error) {
	if err := ctx.Err(); err != nil {
		return Assessment{}, err
	}
	pub, ok := p.TrustedKeys[att.KeyID]
	if !ok || !ed25519.Verify(pub, att.Payload, att.Signature) {
		return Assessment{SignatureValid: false}, nil
	}

	var c AttestationClaims
	if err := json.Unmarshal(att.Payload, &c); err != nil {
		return Assessment{}, identity.Fail("tier.biometric", identity.ErrInvalidCredentials, "attestation payload is not valid JSON")
	}

	now := time.Now()
	if p.Now != nil {
		now = p.Now()
	}
	maxAge := p.MaxAge
	if maxAge <= 0 {
		maxAge = time.Minute
	}
	issued := time.Unix(c.IssuedAt, 0)
	if now.Sub(issued) > maxAge || issued.After(now.Add(maxAge)) {
		return Assessment{}, identity.Fail("tier.biometric", identity.ErrChallengeExpired, "attestation is stale")
	}

	return Assessment{
		Principal:      c.Principal,
		Modality:       c.Modality,
		Confidence:     c.Confidence,
		SignatureValid: true,
	}, nil
}

// SignAttestation builds an attestation the way an enrolled device does.
func SignAttestation(priv ed25519.PrivateKey, keyID string, c AttestationClaims) (BiometricAttestation, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return BiometricAttestation{}, err
	}
	return BiometricAttestation{KeyID: keyID, Payload: payload, Signature: ed25519.Sign(priv, payload)}, nil
}
