package oauthx

import "time"

const devBypassLifetime = time.Hour

// DevBypassClaims holds attributes used when issuing a synthetic principal in dev mode.
type DevBypassClaims struct {
	Subject string
	Scopes  []string
	Email   string
	Custom  CustomClaims
}

// ToPrincipal converts the dev bypass configuration into a principal that
// expires an hour from now.
func (d DevBypassClaims) ToPrincipal() *ClaimsPrincipal {
	return &ClaimsPrincipal{
		Base: BaseClaims{
			Subject:   d.Subject,
			Scopes:    append([]string(nil), d.Scopes...),
			ExpiresAt: time.Now().Add(devBypassLifetime).Unix(),
		},
		UserInfo: UserInfoClaims{Email: d.Email},
		Custom:   d.Custom,
	}
}

// DefaultDevBypassClaims returns a baseline set of claims suitable for local development.
func DefaultDevBypassClaims(scope string) DevBypassClaims {
	scopes := []string{"openid"}
	if scope != "" {
		scopes = append(scopes, scope)
	}
	return DevBypassClaims{
		Subject: "dev-bypass",
		Scopes:  scopes,
		Email:   "dev@oauthx.local",
		Custom:  MapClaims{},
	}
}
