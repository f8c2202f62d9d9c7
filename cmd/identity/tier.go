package identity

import (
	"fmt"
	"strconv"
	"strings"
)

// Tier is a position on the authentication ladder. Higher is stronger.
type Tier int

const (
	TierNone        Tier = 0
	TierPublic      Tier = 1
	TierPassword    Tier = 2
	TierMFA         Tier = 3
	TierHardwareKey Tier = 4
	TierBiometric   Tier = 5

	MinTier = TierPublic
	MaxTier = TierBiometric
)

var tierNames = map[Tier]string{
	TierNone:        "none",
	TierPublic:      "public",
	TierPassword:    "password",
	TierMFA:         "mfa",
	TierHardwareKey: "hardware_key",
	TierBiometric:   "biometric",
}

// Valid reports whether t is one of T1..T5.
func (t Tier) Valid() bool { return t >= MinTier && t <= MaxTier }

// Prior returns the tier that must be proven before t. TierPublic has no prior.
func (t Tier) Prior() Tier {
	if t <= MinTier {
		return TierNone
	}
	return t - 1
}

func (t Tier) String() string {
	if s, ok := tierNames[t]; ok {
		return s
	}
	return "tier(" + strconv.Itoa(int(t)) + ")"
}

// Clamp returns t limited to ceiling.
func (t Tier) Clamp(ceiling Tier) Tier {
	if t > ceiling {
		return ceiling
	}
	return t
}

// ParseTier accepts "1".."5", "t1".."t5" or a tier name.
func ParseTier(s string) (Tier, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "t")
	if n, err := strconv.Atoi(s); err == nil {
		t := Tier(n)
		if t.Valid() {
			return t, nil
		}
		return TierNone, fmt.Errorf("%w: tier %d out of range", ErrFieldOutOfRange, n)
	}
	for t, name := range tierNames {
		if t != TierNone && name == s {
			return t, nil
		}
	}
	return TierNone, fmt.Errorf("%w: unknown tier %q", ErrInvalidInput, s)
}
