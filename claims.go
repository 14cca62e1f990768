package oauthx

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// Payload is the claim set of a token whose signature, issuer, audience and
// lifetime have been verified. Only a TokenValidator produces one.
type Payload map[string]any

// String returns a string claim, if present with that type.
func (p Payload) String(name string) (string, bool) {
	v, ok := p[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// BaseClaims are the fields every access token must carry.
type BaseClaims struct {
	Subject   string
	Scopes    []string
	ExpiresAt int64
}

// HasScope reports whether scope is granted, by exact match.
func (b BaseClaims) HasScope(scope string) bool {
	for _, s := range b.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Expiry returns ExpiresAt as a time.
func (b BaseClaims) Expiry() time.Time {
	return time.Unix(b.ExpiresAt, 0).UTC()
}

// UserInfoClaims are identity provider profile claims.
type UserInfoClaims struct {
	GivenName  string `json:"given_name,omitempty"`
	FamilyName string `json:"family_name,omitempty"`
	Email      string `json:"email,omitempty"`
}

// IsZero reports whether no user info is present.
func (u UserInfoClaims) IsZero() bool {
	return u == UserInfoClaims{}
}

// ClaimsPrincipal is the complete, read-only claim set of one request.
type ClaimsPrincipal struct {
	Base     BaseClaims
	UserInfo UserInfoClaims
	Custom   CustomClaims
}

// Subject returns the token subject.
func (p *ClaimsPrincipal) Subject() string {
	if p == nil {
		return ""
	}
	return p.Base.Subject
}

// Scopes returns a copy of the granted scopes.
func (p *ClaimsPrincipal) Scopes() []string {
	if p == nil {
		return nil
	}
	return append([]string(nil), p.Base.Scopes...)
}

// Enforce fails with ErrCodeInsufficientScope unless required is granted.
func (p *ClaimsPrincipal) Enforce(required string) error {
	if p == nil {
		return newError(ErrCodeNoToken, nil)
	}
	return EnforceScope(p.Base.Scopes, required)
}

// ReadBaseClaims extracts sub, scope and exp from a verified payload.
//
// A missing or mistyped claim means the issuer produced a malformed token, so
// the failure is ErrCodeMissingClaim (a server fault) rather than a client error.
func ReadBaseClaims(payload Payload) (BaseClaims, error) {
	subject, ok := payload.String("sub")
	if !ok || subject == "" {
		return BaseClaims{}, missingClaim("sub")
	}
	rawScope, ok := payload.String("scope")
	if !ok {
		return BaseClaims{}, missingClaim("scope")
	}
	scopes := splitScopes(rawScope)
	if len(scopes) == 0 {
		return BaseClaims{}, missingClaim("scope")
	}
	exp, ok := epochSeconds(payload["exp"])
	if !ok {
		return BaseClaims{}, missingClaim("exp")
	}
	return BaseClaims{Subject: subject, Scopes: scopes, ExpiresAt: exp}, nil
}

func missingClaim(name string) error {
	e := newError(ErrCodeMissingClaim, fmt.Errorf("claim %q is missing or has the wrong type", name)).(*Error)
	e.Detail = name
	return e
}

func splitScopes(raw string) []string {
	fields := strings.Fields(raw)
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

func epochSeconds(v any) (int64, bool) {
	switch t := v.(type) {
	case time.Time:
		if t.IsZero() {
			return 0, false
		}
		return t.Unix(), true
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return 0, false
		}
		return int64(t), true
	case int64:
		return t, true
	case int:
		return int64(t), true
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			f, ferr := t.Float64()
			if ferr != nil {
				return 0, false
			}
			return int64(f), true
		}
		return n, true
	}
	return 0, false
}

// userInfoFromPayload reads profile claims embedded in the token. Absent
// fields stay empty.
func userInfoFromPayload(payload Payload) UserInfoClaims {
	var info UserInfoClaims
	info.GivenName, _ = payload.String("given_name")
	info.FamilyName, _ = payload.String("family_name")
	if email, ok := payload.String("email"); ok {
		info.Email = strings.ToLower(email)
	}
	return info
}
