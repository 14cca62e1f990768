package oauthx

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultMinRefresh      = 5 * time.Minute
	defaultHTTPTimeout     = 5 * time.Second
	defaultCacheTTLCeiling = 30 * time.Minute
	defaultGoogleIssuer    = "https://accounts.google.com"
)

// ValidatorConfig describes all issuers the validator should trust.
type ValidatorConfig struct {
	Issuers []IssuerConfig
}

// IssuerConfig contains validation parameters for a specific issuer.
//
// With JWKSURL empty, keys come from the issuer's OpenID Connect discovery
// document, except for Google which is validated through idtoken.
// ClockSkew is the leeway applied to exp and nbf; zero, the default, allows
// none.
type IssuerConfig struct {
	Name            string
	JWKSURL         string
	Issuer          string
	Audience        string
	AllowedSubjects []string
	ClockSkew       time.Duration
	MinRefresh      time.Duration
	HTTPTimeout     time.Duration
}

// normalize sets default values for optional fields.
func (c *IssuerConfig) normalize() {
	if c.JWKSURL == "" && c.Issuer == "" {
		c.Issuer = defaultGoogleIssuer
	}
	if c.ClockSkew < 0 {
		c.ClockSkew = 0
	}
	if c.MinRefresh <= 0 {
		c.MinRefresh = defaultMinRefresh
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = defaultHTTPTimeout
	}
}

// validate ensures the issuer configuration is usable.
func (c IssuerConfig) validate() error {
	switch {
	case c.Name == "":
		return errors.New("issuer name is required")
	case c.Audience == "":
		return errors.New("audience is required")
	case c.JWKSURL == "":
		// Google or discovery mode, issuer optional (defaults applied in normalize)
		return nil
	case c.Issuer == "":
		return errors.New("issuer claim expected value is required")
	}
	return nil
}

// GoogleIDToken reports whether the issuer is validated as Google ID tokens
// through idtoken. ID tokens carry no scope claim, so such an issuer can
// validate tokens but cannot back an Authorizer.
func (c IssuerConfig) GoogleIDToken() bool {
	c.normalize()
	return c.google()
}

func (c IssuerConfig) google() bool {
	return c.JWKSURL == "" && strings.TrimRight(c.Issuer, "/") == defaultGoogleIssuer
}

// issuerIndex returns the config mapped by issuer name.
func (c ValidatorConfig) issuerIndex() (map[string]IssuerConfig, error) {
	if len(c.Issuers) == 0 {
		return nil, errors.New("at least one issuer must be configured")
	}
	index := make(map[string]IssuerConfig, len(c.Issuers))
	for _, issuer := range c.Issuers {
		if err := issuer.validate(); err != nil {
			return nil, fmt.Errorf("issuer %q: %w", issuer.Name, err)
		}
		if _, exists := index[issuer.Name]; exists {
			return nil, fmt.Errorf("duplicate issuer name %q", issuer.Name)
		}
		clone := issuer
		clone.normalize()
		index[clone.Name] = clone
	}
	return index, nil
}

// Strategy selects how an Authorizer resolves claims beyond the token itself.
type Strategy string

const (
	// StrategyStandard reads every claim from the verified token.
	StrategyStandard Strategy = "standard"
	// StrategyClaimsCaching looks extra claims up once per token and caches them.
	StrategyClaimsCaching Strategy = "claims_caching"
)

// ParseStrategy maps a configuration value to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategyStandard:
		return StrategyStandard, nil
	case StrategyClaimsCaching, "claimscaching", "caching":
		return StrategyClaimsCaching, nil
	}
	return "", fmt.Errorf("unknown strategy %q", s)
}

// AuthorizerConfig wires the collaborators of an Authorizer.
type AuthorizerConfig struct {
	Strategy Strategy

	// Validator and IssuerName select the key material used for every token.
	Validator  TokenValidator
	IssuerName string

	// Provider supplies deployment-specific claims. Defaults to MapClaimsProvider.
	Provider CustomClaimsProvider

	// UserInfo is optional; without it user info is read from the token.
	UserInfo UserInfoFetcher

	// Cache is required for StrategyClaimsCaching.
	Cache ClaimsCache

	// CacheTTLCeiling caps how long resolved claims are cached, even for long-lived tokens.
	CacheTTLCeiling time.Duration

	// LookupTimeout bounds each custom claims lookup.
	LookupTimeout time.Duration

	Logger  *zap.Logger
	Metrics *Metrics
	Clock   func() time.Time
}

func (c *AuthorizerConfig) normalize() {
	if c.Strategy == "" {
		c.Strategy = StrategyStandard
	}
	if c.Provider == nil {
		c.Provider = MapClaimsProvider{}
	}
	if c.CacheTTLCeiling <= 0 {
		c.CacheTTLCeiling = defaultCacheTTLCeiling
	}
	if c.LookupTimeout <= 0 {
		c.LookupTimeout = defaultHTTPTimeout
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

func (c AuthorizerConfig) validate() error {
	switch {
	case c.Validator == nil:
		return errors.New("token validator is required")
	case c.googleIssuer() != "":
		return fmt.Errorf("issuer %q validates Google ID tokens, which carry no scope claim and cannot be authorized", c.googleIssuer())
	case c.Strategy != StrategyStandard && c.Strategy != StrategyClaimsCaching:
		return fmt.Errorf("unknown strategy %q", c.Strategy)
	case c.Strategy == StrategyClaimsCaching && c.Cache == nil:
		return errors.New("claims cache is required for the claims caching strategy")
	}
	return nil
}

func (c AuthorizerConfig) googleIssuer() string {
	v, ok := c.Validator.(*Validator)
	if !ok || v == nil {
		return ""
	}
	return v.googleIssuer(c.IssuerName)
}
