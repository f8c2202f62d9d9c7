package tier

import (
	"crypto/subtle"
	"sync"
	"time"

	"aegis/cmd/identity"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// RFC 6238 parameters used by every enrolled authenticator app.
const (
	totpPeriod = 30
	totpDigits = otp.DigitsSix
)

var totpOpts = totp.ValidateOpts{Period: totpPeriod, Digits: totpDigits, Algorithm: otp.AlgorithmSHA1}

// EnrollTOTP generates a new shared secret for principal and returns the
// otpauth:// URL to show as a QR code plus the base32 secret to store with
// SetTOTPSecret.
func EnrollTOTP(issuer, principal string) (url, secret string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: principal,
		Period:      totpPeriod,
		Digits:      totpDigits,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", "", err
	}
	return key.URL(), key.Secret(), nil
}

// totpVerifier checks codes across ±skew steps and remembers the last step
// each principal used so a code cannot be replayed.
type totpVerifier struct {
	skew uint

	mu       sync.Mutex
	lastStep map[string]int64
}

func newTOTPVerifier(skew uint) *totpVerifier {
	return &totpVerifier{skew: skew, lastStep: make(map[string]int64)}
}

func (v *totpVerifier) verify(principal, secret, code string, now time.Time) error {
	const op = "tier.verifyTOTP"

	step := now.Unix() / totpPeriod
	matched := int64(-1)
	// Every candidate step is computed and compared so timing does not reveal
	// which step matched.
	for d := -int64(v.skew); d <= int64(v.skew); d++ {
		s := step + d
		want, err := totp.GenerateCodeCustom(secret, time.Unix(s*totpPeriod, 0).UTC(), totpOpts)
		if err != nil {
			return identity.Fail(op, identity.ErrInvalidCredentials, "invalid one-time code")
		}
		if subtle.ConstantTimeCompare([]byte(want), []byte(code)) == 1 && matched < 0 {
			matched = s
		}
	}
	if matched < 0 {
		return identity.Fail(op, identity.ErrInvalidCredentials, "invalid one-time code")
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if last, ok := v.lastStep[principal]; ok && matched <= last {
		return identity.Fail(op, identity.ErrInvalidCredentials, "one-time code already used")
	}
	v.lastStep[principal] = matched
	return nil
}

// prune drops replay markers that can no longer match any accepted step.
func (v *totpVerifier) prune(now time.Time) int {
	floor := now.Unix()/totpPeriod - int64(v.skew) - 1
	v.mu.Lock()
	defer v.mu.Unlock()
	n := 0
	for p, s := range v.lastStep {
		if s < floor {
			delete(v.lastStep, p)
			n++
		}
	}
	return n
}
