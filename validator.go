package oauthx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	jwtgo "github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"google.golang.org/api/idtoken"
)

var googleValidate = idtoken.Validate

// TokenValidator verifies raw access tokens.
type TokenValidator interface {
	Validate(ctx context.Context, token, issuerName string) (Payload, error)
}

// Validator validates JWT access tokens issued by configured issuers.
//
// Signing keys are process-wide state: one jwk.Cache per issuer, filled on
// Warmup or on first use, refreshed no more often than MinRefresh, and
// force-refreshed once when a token names a key id the cache does not hold.
type Validator struct {
	mu            sync.RWMutex
	issuers       map[string]*issuerState
	defaultIssuer string
}

type issuerState struct {
	cfg             IssuerConfig
	cache           *jwk.Cache
	httpClient      *http.Client
	allowedSubjects map[string]struct{}
	google          bool

	mu            sync.Mutex
	jwksURL       string
	userInfoURL   string
	lastForcedKey time.Time
}

// NewValidator builds a validator from the given configuration. Issuers
// without a JWKS URL are discovered lazily on Warmup or first Validate.
func NewValidator(cfg ValidatorConfig) (*Validator, error) {
	index, err := cfg.issuerIndex()
	if err != nil {
		return nil, err
	}

	defaultIssuer := ""
	if len(cfg.Issuers) == 1 {
		defaultIssuer = cfg.Issuers[0].Name
	}

	v := &Validator{
		issuers:       make(map[string]*issuerState, len(index)),
		defaultIssuer: defaultIssuer,
	}
	for name, issuerCfg := range index {
		state := &issuerState{
			cfg:             issuerCfg,
			allowedSubjects: toSet(issuerCfg.AllowedSubjects),
			google:          issuerCfg.google(),
			httpClient: &http.Client{
				Timeout: issuerCfg.HTTPTimeout,
				Transport: &http.Transport{
					Proxy: http.ProxyFromEnvironment,
				},
			},
		}
		if !state.google {
			state.cache = jwk.NewCache(context.Background())
			if issuerCfg.JWKSURL != "" {
				if err := state.register(issuerCfg.JWKSURL); err != nil {
					return nil, fmt.Errorf("register jwks for %q: %w", name, err)
				}
			}
		}
		v.issuers[name] = state
	}

	return v, nil
}

// Warmup fetches signing keys for the specified issuer, discovering the
// JWKS location first when needed.
func (v *Validator) Warmup(ctx context.Context, issuerName string) error {
	state, ok := v.lookupIssuer(issuerName)
	if !ok {
		return newError(ErrCodeIssuerNotRegistered, fmt.Errorf("issuer %q not found", issuerName))
	}
	if state.google {
		return nil
	}
	jwksURL, err := state.ensureJWKS(ctx)
	if err != nil {
		return err
	}
	refreshCtx, cancel := context.WithTimeout(ctx, state.cfg.HTTPTimeout)
	defer cancel()
	if _, err := state.cache.Refresh(refreshCtx, jwksURL); err != nil {
		return newError(ErrCodeMetadataLookup, err)
	}
	return nil
}

// UserInfoEndpoint returns the user-info URL announced in the issuer's
// discovery document, if the issuer was discovered.
func (v *Validator) UserInfoEndpoint(ctx context.Context, issuerName string) (string, error) {
	state, ok := v.lookupIssuer(issuerName)
	if !ok {
		return "", newError(ErrCodeIssuerNotRegistered, fmt.Errorf("issuer %q not found", issuerName))
	}
	if state.google || state.cfg.JWKSURL != "" {
		return "", nil
	}
	if _, err := state.ensureJWKS(ctx); err != nil {
		return "", err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.userInfoURL, nil
}

// Validate verifies the token using the issuer identified by issuerName and
// returns its verified claims. An empty issuerName selects the only issuer,
// or the issuer whose expected iss matches the token.
func (v *Validator) Validate(ctx context.Context, token, issuerName string) (Payload, error) {
	if token == "" {
		return nil, newError(ErrCodeNoToken, errors.New("token is empty"))
	}
	if issuerName == "" {
		issuerName = v.defaultIssuer
	}
	if issuerName == "" {
		name, err := v.issuerForToken(token)
		if err != nil {
			return nil, err
		}
		issuerName = name
	}

	state, ok := v.lookupIssuer(issuerName)
	if !ok {
		return nil, newError(ErrCodeIssuerNotRegistered, fmt.Errorf("issuer %q not found", issuerName))
	}
	if state.google {
		return v.validateGoogle(ctx, token, state)
	}
	return v.validateJWKS(ctx, token, state)
}

func (v *Validator) validateJWKS(ctx context.Context, token string, state *issuerState) (Payload, error) {
	kid, err := tokenKeyID(token)
	if err != nil {
		return nil, newError(ErrCodeInvalidToken, err)
	}
	jwksURL, err := state.ensureJWKS(ctx)
	if err != nil {
		return nil, err
	}
	keySet, err := state.keySet(ctx, jwksURL)
	if err != nil {
		return nil, err
	}
	if kid != "" {
		if _, found := keySet.LookupKeyID(kid); !found {
			if refreshed, ok := state.refreshForUnknownKey(ctx, jwksURL); ok {
				keySet = refreshed
			}
		}
	}

	parseOpts := []jwt.ParseOption{
		jwt.WithKeySet(keySet),
		jwt.WithAcceptableSkew(state.cfg.ClockSkew),
		jwt.WithIssuer(state.cfg.Issuer),
	}
	if state.cfg.Audience != "" {
		parseOpts = append(parseOpts, jwt.WithAudience(state.cfg.Audience))
	}
	parsed, err := jwt.Parse([]byte(token), parseOpts...)
	if err != nil {
		return nil, classifyJWKSError(err)
	}

	payload, err := parsed.AsMap(ctx)
	if err != nil {
		return nil, newError(ErrCodeInvalidToken, fmt.Errorf("read claims: %w", err))
	}
	if !state.subjectAllowed(Payload(payload)) {
		return nil, newDetailError(ErrCodeInvalidToken, DetailSubjectNotAllowed, fmt.Errorf("subject %q not allowed", parsed.Subject()))
	}
	return Payload(payload), nil
}

func (v *Validator) validateGoogle(ctx context.Context, token string, state *issuerState) (Payload, error) {
	validateCtx, cancel := context.WithTimeout(ctx, state.cfg.HTTPTimeout)
	defer cancel()

	payload, err := googleValidate(validateCtx, token, state.cfg.Audience)
	if err != nil {
		return nil, mapGoogleError(err)
	}
	if state.cfg.Issuer != "" && !strings.EqualFold(payload.Issuer, state.cfg.Issuer) {
		return nil, newDetailError(ErrCodeInvalidToken, DetailInvalidIssuer, fmt.Errorf("issuer mismatch: got %s, want %s", payload.Issuer, state.cfg.Issuer))
	}

	claims := payloadFromGoogle(payload)
	if !state.subjectAllowed(claims) {
		return nil, newDetailError(ErrCodeInvalidToken, DetailSubjectNotAllowed, fmt.Errorf("subject %q not allowed", payload.Subject))
	}
	return claims, nil
}

// googleIssuer returns the name of an issuer in Google ID token mode that a
// call with issuerName may reach: that issuer itself, or any issuer when
// tokens are routed by their iss claim.
func (v *Validator) googleIssuer(issuerName string) string {
	if issuerName == "" {
		issuerName = v.defaultIssuer
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	if issuerName != "" {
		if state, ok := v.issuers[issuerName]; ok && state.google {
			return issuerName
		}
		return ""
	}
	for name, state := range v.issuers {
		if state.google {
			return name
		}
	}
	return ""
}

func (v *Validator) lookupIssuer(name string) (*issuerState, bool) {
	if name == "" {
		name = v.defaultIssuer
	}
	if name == "" {
		return nil, false
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	state, ok := v.issuers[name]
	return state, ok
}

// issuerForToken peeks at the unverified iss claim to route a token when
// several issuers are configured. Nothing read here is trusted.
func (v *Validator) issuerForToken(token string) (string, error) {
	claims := jwtgo.MapClaims{}
	if _, _, err := jwtgo.NewParser().ParseUnverified(token, claims); err != nil {
		return "", newError(ErrCodeInvalidToken, fmt.Errorf("parse token: %w", err))
	}
	iss, _ := claims["iss"].(string)
	if iss == "" {
		return "", newError(ErrCodeInvalidToken, errors.New("token has no issuer"))
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	for name, state := range v.issuers {
		if strings.TrimRight(state.cfg.Issuer, "/") == strings.TrimRight(iss, "/") {
			return name, nil
		}
	}
	return "", newError(ErrCodeIssuerNotRegistered, fmt.Errorf("no issuer configured for %q", iss))
}

func (s *issuerState) register(jwksURL string) error {
	return s.cache.Register(
		jwksURL,
		jwk.WithMinRefreshInterval(s.cfg.MinRefresh),
		jwk.WithHTTPClient(s.httpClient),
	)
}

// ensureJWKS returns the JWKS URL, running discovery on first use.
func (s *issuerState) ensureJWKS(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jwksURL != "" {
		return s.jwksURL, nil
	}
	if s.cfg.JWKSURL != "" {
		s.jwksURL = s.cfg.JWKSURL
		return s.jwksURL, nil
	}
	meta, err := discover(ctx, s.cfg, s.httpClient)
	if err != nil {
		return "", err
	}
	if err := s.register(meta.JWKSURL); err != nil {
		return "", newError(ErrCodeMetadataLookup, fmt.Errorf("register discovered jwks: %w", err))
	}
	s.jwksURL = meta.JWKSURL
	s.userInfoURL = meta.UserInfoURL
	return s.jwksURL, nil
}

// keySet returns the cached keys. A failed fetch is retried once with a
// forced refresh before it is reported as a metadata failure.
func (s *issuerState) keySet(ctx context.Context, jwksURL string) (jwk.Set, error) {
	getCtx, cancel := context.WithTimeout(ctx, s.cfg.HTTPTimeout)
	set, err := s.cache.Get(getCtx, jwksURL)
	cancel()
	if err == nil {
		return set, nil
	}
	if ctx.Err() != nil {
		return nil, newError(ErrCodeMetadataLookup, err)
	}

	retryCtx, cancel := context.WithTimeout(ctx, s.cfg.HTTPTimeout)
	defer cancel()
	set, retryErr := s.cache.Refresh(retryCtx, jwksURL)
	if retryErr != nil {
		return nil, newError(ErrCodeMetadataLookup, fmt.Errorf("%w (retry: %v)", err, retryErr))
	}
	return set, nil
}

// refreshForUnknownKey force-refreshes the key set once per MinRefresh
// window, so tokens with random key ids cannot hammer the JWKS endpoint.
func (s *issuerState) refreshForUnknownKey(ctx context.Context, jwksURL string) (jwk.Set, bool) {
	s.mu.Lock()
	if !s.lastForcedKey.IsZero() && time.Since(s.lastForcedKey) < s.cfg.MinRefresh {
		s.mu.Unlock()
		return nil, false
	}
	s.lastForcedKey = time.Now()
	s.mu.Unlock()

	refreshCtx, cancel := context.WithTimeout(ctx, s.cfg.HTTPTimeout)
	defer cancel()
	set, err := s.cache.Refresh(refreshCtx, jwksURL)
	if err != nil {
		return nil, false
	}
	return set, true
}

func (s *issuerState) subjectAllowed(claims Payload) bool {
	if len(s.allowedSubjects) == 0 {
		return true
	}
	subject, _ := claims.String("sub")
	if _, ok := s.allowedSubjects[strings.ToLower(subject)]; ok {
		return true
	}
	if email, ok := claims.String("email"); ok && email != "" {
		if _, ok := s.allowedSubjects[strings.ToLower(email)]; ok {
			return true
		}
	}
	return false
}

func toSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		set[strings.ToLower(v)] = struct{}{}
	}
	return set
}

func tokenKeyID(token string) (string, error) {
	msg, err := jws.Parse([]byte(token))
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	sigs := msg.Signatures()
	if len(sigs) == 0 {
		return "", errors.New("token is not signed")
	}
	return sigs[0].ProtectedHeaders().KeyID(), nil
}

func payloadFromGoogle(payload *idtoken.Payload) Payload {
	out := make(Payload, len(payload.Claims)+4)
	for k, v := range payload.Claims {
		out[k] = v
	}
	out["sub"] = payload.Subject
	out["iss"] = payload.Issuer
	out["aud"] = payload.Audience
	out["exp"] = time.Unix(payload.Expires, 0).UTC()
	if payload.IssuedAt != 0 {
		out["iat"] = time.Unix(payload.IssuedAt, 0).UTC()
	}
	return out
}

func mapGoogleError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "audience provided does not match"):
		return newDetailError(ErrCodeInvalidToken, DetailInvalidAudience, err)
	case strings.Contains(msg, "token expired"):
		return newDetailError(ErrCodeInvalidToken, DetailExpired, err)
	case strings.Contains(msg, "could not find matching cert"):
		return newDetailError(ErrCodeInvalidToken, DetailInvalidSignature, err)
	case strings.Contains(msg, "invalid token"), strings.Contains(msg, "unable to decode JWT"):
		return newError(ErrCodeInvalidToken, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return newError(ErrCodeMetadataLookup, err)
	}
	return newError(ErrCodeInvalidToken, err)
}

func classifyJWKSError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrInvalidIssuer()):
		return newDetailError(ErrCodeInvalidToken, DetailInvalidIssuer, err)
	case errors.Is(err, jwt.ErrInvalidAudience()):
		return newDetailError(ErrCodeInvalidToken, DetailInvalidAudience, err)
	case errors.Is(err, jwt.ErrTokenExpired()):
		return newDetailError(ErrCodeInvalidToken, DetailExpired, err)
	case errors.Is(err, jwt.ErrTokenNotYetValid()):
		return newDetailError(ErrCodeInvalidToken, DetailNotYetValid, err)
	}
	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "token expired") || strings.Contains(lower, `"exp" not satisfied`):
		return newDetailError(ErrCodeInvalidToken, DetailExpired, err)
	case strings.Contains(lower, `"nbf" not satisfied`):
		return newDetailError(ErrCodeInvalidToken, DetailNotYetValid, err)
	case strings.Contains(lower, "could not verify") || strings.Contains(lower, "failed to find key"):
		return newDetailError(ErrCodeInvalidToken, DetailInvalidSignature, err)
	}
	return newError(ErrCodeInvalidToken, err)
}
