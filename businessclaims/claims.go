// Package businessclaims is a sample CustomClaimsProvider whose claims live
// in a PostgreSQL table keyed by token subject.
package businessclaims

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bionicotaku/lingo-utils-oauthx"
)

const defaultRole = "user"

// Claims are the business attributes used for API authorization.
type Claims struct {
	ManagerID string   `json:"manager_id,omitempty"`
	Role      string   `json:"role"`
	Regions   []string `json:"regions"`
}

// DefaultClaims are granted to subjects the store does not know.
func DefaultClaims() *Claims {
	return &Claims{Role: defaultRole}
}

// HasRegion reports whether the caller may act in region.
func (c *Claims) HasRegion(region string) bool {
	for _, r := range c.Regions {
		if strings.EqualFold(r, region) {
			return true
		}
	}
	return false
}

// FromPrincipal returns the business claims of p, if it carries any.
func FromPrincipal(p *oauthx.ClaimsPrincipal) (*Claims, bool) {
	if p == nil {
		return nil, false
	}
	c, ok := p.Custom.(*Claims)
	return c, ok && c != nil
}

// Finder looks up stored claims by token subject.
type Finder interface {
	FindBySubject(ctx context.Context, subject string) (*Claims, bool, error)
}

// Provider implements oauthx.CustomClaimsProvider.
type Provider struct {
	store Finder
}

var _ oauthx.CustomClaimsProvider = (*Provider)(nil)

// NewProvider builds a Provider. store may be nil when only the standard
// strategy is used.
func NewProvider(store Finder) *Provider {
	return &Provider{store: store}
}

// FromPayload reads manager_id, role and regions from the token. Absent
// claims keep their defaults.
func (p *Provider) FromPayload(_ context.Context, payload oauthx.Payload) (oauthx.CustomClaims, error) {
	claims := DefaultClaims()
	if v, ok := payload.String("manager_id"); ok {
		claims.ManagerID = v
	}
	if v, ok := payload.String("role"); ok && v != "" {
		claims.Role = v
	}
	claims.Regions = regionsFrom(payload["regions"])
	return claims, nil
}

// Lookup reads the subject's row from the store.
func (p *Provider) Lookup(ctx context.Context, _ string, base oauthx.BaseClaims, _ oauthx.UserInfoClaims) (oauthx.CustomClaims, error) {
	if p.store == nil {
		return DefaultClaims(), nil
	}
	claims, found, err := p.store.FindBySubject(ctx, base.Subject)
	if err != nil {
		return nil, oauthx.NewClaimsLookupError(err)
	}
	if !found {
		return DefaultClaims(), nil
	}
	return claims, nil
}

// Serialize implements oauthx.CustomClaimsProvider.
func (p *Provider) Serialize(claims oauthx.CustomClaims) ([]byte, error) {
	c, ok := claims.(*Claims)
	if !ok || c == nil {
		return nil, fmt.Errorf("unexpected custom claims type %T", claims)
	}
	return json.Marshal(c)
}

// Deserialize implements oauthx.CustomClaimsProvider.
func (p *Provider) Deserialize(data []byte) (oauthx.CustomClaims, error) {
	var c Claims
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode business claims: %w", err)
	}
	return &c, nil
}

func regionsFrom(v any) []string {
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...)
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		return strings.Fields(t)
	}
	return nil
}
