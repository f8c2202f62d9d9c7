package tokens

import (
	"slices"
	"time"

	"aegis/cmd/identity"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the signed claim set. Custom claims live under "ext" so they can
// never shadow a registered or aegis claim.
type Claims struct {
	jwt.RegisteredClaims

	Tier        identity.Tier  `json:"tier"`
	Namespace   string         `json:"ns,omitempty"`
	TenantID    string         `json:"tid,omitempty"`
	Principal   string         `json:"prn,omitempty"`
	ChainID     string         `json:"chn,omitempty"`
	Permissions []string       `json:"perms,omitempty"`
	Ext         map[string]any `json:"ext,omitempty"`
}

// HasPermission reports whether p was granted.
func (c Claims) HasPermission(p string) bool {
	return slices.Contains(c.Permissions, p)
}

// HasAll reports whether every permission in ps was granted.
func (c Claims) HasAll(ps []string) bool {
	for _, p := range ps {
		if !c.HasPermission(p) {
			return false
		}
	}
	return true
}

// ClaimSet is what callers ask Generator.Create to sign.
type ClaimSet struct {
	// Alias is reused when set and must parse. Otherwise a fresh alias is
	// generated with Major as its major version.
	Alias string
	Major int

	Audience    []string
	Tier        identity.Tier
	Namespace   string
	TenantID    string
	Principal   string
	ChainID     string
	Permissions []string
	Custom      map[string]any
}

// Signed is a freshly minted token.
type Signed struct {
	Token     string
	TokenID   string
	KeyID     string
	Alias     identity.Alias
	Claims    Claims
	ExpiresAt time.Time
}

func dedupe(ps []string) []string {
	if len(ps) == 0 {
		return nil
	}
	out := slices.Clone(ps)
	slices.Sort(out)
	return slices.Compact(out)
}
