package oauthx

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"google.golang.org/api/idtoken"
)

const (
	testIssuer   = "https://login.example.com"
	testAudience = "api.example.com"
)

func TestValidator_JWKSSuccess(t *testing.T) {
	privateKey, jwksURL, kid := newJWKS(t)

	validator, err := NewValidator(ValidatorConfig{
		Issuers: []IssuerConfig{testIssuerConfig(jwksURL)},
	})
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	ctx := context.Background()
	if err := validator.Warmup(ctx, "primary"); err != nil {
		t.Fatalf("Warmup: %v", err)
	}

	now := time.Now().UTC()
	token := sign(t, jwt.NewBuilder().
		Issuer(testIssuer).
		Subject("user-1").
		Audience([]string{testAudience}).
		IssuedAt(now).
		NotBefore(now.Add(-time.Minute)).
		Expiration(now.Add(time.Hour)).
		Claim("scope", "openid email investments").
		Claim("email", "guestuser@example.com").
		Claim("role", "user"),
		privateKey, kid)

	payload, err := validator.Validate(ctx, token, "primary")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if sub, _ := payload.String("sub"); sub != "user-1" {
		t.Fatalf("unexpected subject: %s", sub)
	}
	if role, _ := payload.String("role"); role != "user" {
		t.Fatalf("unexpected role: %s", role)
	}
	base, err := ReadBaseClaims(payload)
	if err != nil {
		t.Fatalf("ReadBaseClaims: %v", err)
	}
	if base.ExpiresAt != now.Add(time.Hour).Unix() {
		t.Fatalf("unexpected exp: %d", base.ExpiresAt)
	}
}

func TestValidator_SubjectNotAllowed(t *testing.T) {
	privateKey, jwksURL, kid := newJWKS(t)

	cfg := ValidatorConfig{Issuers: []IssuerConfig{testIssuerConfig(jwksURL)}}
	validator, err := NewValidator(cfg)
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	token := sign(t, validBuilder("user-1").Claim("email", "user@example.com"), privateKey, kid)
	if _, err := validator.Validate(context.Background(), token, "primary"); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	cfg.Issuers[0].AllowedSubjects = []string{"user-allowed"}
	validator, err = NewValidator(cfg)
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	_, err = validator.Validate(context.Background(), token, "primary")
	assertErrorDetail(t, err, ErrCodeInvalidToken, DetailSubjectNotAllowed)
}

func TestValidator_InvalidIssuer(t *testing.T) {
	privateKey, jwksURL, kid := newJWKS(t)
	validator, err := NewValidator(ValidatorConfig{Issuers: []IssuerConfig{testIssuerConfig(jwksURL)}})
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	token := sign(t, validBuilder("user-1").Issuer("https://other-issuer"), privateKey, kid)

	_, err = validator.Validate(context.Background(), token, "primary")
	assertErrorDetail(t, err, ErrCodeInvalidToken, DetailInvalidIssuer)
}

func TestValidator_InvalidAudience(t *testing.T) {
	privateKey, jwksURL, kid := newJWKS(t)
	validator, err := NewValidator(ValidatorConfig{Issuers: []IssuerConfig{testIssuerConfig(jwksURL)}})
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	token := sign(t, validBuilder("user-1").Audience([]string{"someone-else"}), privateKey, kid)

	_, err = validator.Validate(context.Background(), token, "primary")
	assertErrorDetail(t, err, ErrCodeInvalidToken, DetailInvalidAudience)
}

func TestValidator_WrongSigningKey(t *testing.T) {
	_, jwksURL, kid := newJWKS(t)
	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	validator, err := NewValidator(ValidatorConfig{Issuers: []IssuerConfig{testIssuerConfig(jwksURL)}})
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	token := sign(t, validBuilder("user-1"), otherKey, kid)

	_, err = validator.Validate(context.Background(), token, "primary")
	assertErrorDetail(t, err, ErrCodeInvalidToken, DetailInvalidSignature)
}

func TestValidator_MalformedToken(t *testing.T) {
	_, jwksURL, _ := newJWKS(t)
	validator, err := NewValidator(ValidatorConfig{Issuers: []IssuerConfig{testIssuerConfig(jwksURL)}})
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	_, err = validator.Validate(context.Background(), "not-a-jwt", "primary")
	assertErrorDetail(t, err, ErrCodeInvalidToken, "")

	_, err = validator.Validate(context.Background(), "", "primary")
	assertErrorDetail(t, err, ErrCodeNoToken, "")
}

func TestValidator_UnknownIssuer(t *testing.T) {
	validator, err := NewValidator(ValidatorConfig{
		Issuers: []IssuerConfig{{
			Name:     "known",
			JWKSURL:  "https://example.com/jwks",
			Issuer:   "issuer",
			Audience: "aud",
		}},
	})
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	_, err = validator.Validate(context.Background(), "token", "missing")
	var oauthErr *Error
	if !errors.As(err, &oauthErr) || oauthErr.Code != ErrCodeIssuerNotRegistered {
		t.Fatalf("unexpected error: %v", err)
	}
	if oauthErr.Status != http.StatusInternalServerError {
		t.Fatalf("unexpected status: %d", oauthErr.Status)
	}
}

func TestValidator_RoutesByIssuerClaim(t *testing.T) {
	keyA, jwksA, kidA := newJWKS(t)
	_, jwksB, _ := newJWKS(t)

	second := testIssuerConfig(jwksB)
	second.Name = "secondary"
	second.Issuer = "https://other.example.com"

	validator, err := NewValidator(ValidatorConfig{Issuers: []IssuerConfig{testIssuerConfig(jwksA), second}})
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	token := sign(t, validBuilder("user-1"), keyA, kidA)
	if _, err := validator.Validate(context.Background(), token, ""); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	stranger := sign(t, validBuilder("user-1").Issuer("https://stranger.example.com"), keyA, kidA)
	_, err = validator.Validate(context.Background(), stranger, "")
	assertErrorDetail(t, err, ErrCodeIssuerNotRegistered, "")
}

func TestValidator_JWKSExpiredAndNotYetValid(t *testing.T) {
	privateKey, jwksURL, kid := newJWKS(t)
	validator, err := NewValidator(ValidatorConfig{Issuers: []IssuerConfig{testIssuerConfig(jwksURL)}})
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	t.Run("expired token", func(t *testing.T) {
		now := time.Now()
		token := sign(t, validBuilder("user-1").
			IssuedAt(now.Add(-2*time.Hour)).
			Expiration(now.Add(-10*time.Second)),
			privateKey, kid)

		_, err := validator.Validate(context.Background(), token, "primary")
		assertErrorDetail(t, err, ErrCodeInvalidToken, DetailExpired)
	})

	t.Run("not yet valid", func(t *testing.T) {
		now := time.Now()
		token := sign(t, validBuilder("user-1").
			NotBefore(now.Add(time.Hour)).
			Expiration(now.Add(2*time.Hour)),
			privateKey, kid)

		_, err := validator.Validate(context.Background(), token, "primary")
		assertErrorDetail(t, err, ErrCodeInvalidToken, DetailNotYetValid)
	})
}

func TestValidator_RefreshesOnUnknownKeyID(t *testing.T) {
	jwks := newRotatingJWKS(t)
	oldKey := jwks.addKey(t, "key-1")

	validator, err := NewValidator(ValidatorConfig{Issuers: []IssuerConfig{testIssuerConfig(jwks.server.URL)}})
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	if _, err := validator.Validate(context.Background(), sign(t, validBuilder("user-1"), oldKey, "key-1"), "primary"); err != nil {
		t.Fatalf("Validate with original key: %v", err)
	}

	newKey := jwks.addKey(t, "key-2")
	before := jwks.hits.Load()
	if _, err := validator.Validate(context.Background(), sign(t, validBuilder("user-1"), newKey, "key-2"), "primary"); err != nil {
		t.Fatalf("Validate with rotated key: %v", err)
	}
	if jwks.hits.Load() <= before {
		t.Fatalf("expected a forced JWKS refresh")
	}

	// A second unknown key inside the refresh window must not trigger another fetch.
	strayKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	afterRotation := jwks.hits.Load()
	_, err = validator.Validate(context.Background(), sign(t, validBuilder("user-1"), strayKey, "key-3"), "primary")
	assertErrorDetail(t, err, ErrCodeInvalidToken, DetailInvalidSignature)
	if got := jwks.hits.Load(); got != afterRotation {
		t.Fatalf("expected no extra JWKS fetch, got %d more", got-afterRotation)
	}
}

func TestValidator_MetadataLookupFailure(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	validator, err := NewValidator(ValidatorConfig{Issuers: []IssuerConfig{testIssuerConfig(server.URL)}})
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	_, err = validator.Validate(context.Background(), sign(t, validBuilder("user-1"), key, "key-1"), "primary")
	assertErrorDetail(t, err, ErrCodeMetadataLookup, "")
	if e := AsError(err); e.Status != http.StatusUnauthorized || !e.ServerFault() {
		t.Fatalf("expected 401 server fault, got %d (fault=%v)", e.Status, e.ServerFault())
	}
	if hits.Load() == 0 {
		t.Fatalf("expected the JWKS endpoint to be called")
	}
}

func TestValidator_Discovery(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	jwksPayload := jwksFor(t, map[string]*rsa.PrivateKey{"disc-key": key})

	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/.well-known/openid-configuration":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"issuer":                 server.URL,
				"authorization_endpoint": server.URL + "/authorize",
				"token_endpoint":         server.URL + "/token",
				"jwks_uri":               server.URL + "/jwks",
				"userinfo_endpoint":      server.URL + "/userinfo",
			})
		case "/jwks":
			_, _ = w.Write(jwksPayload)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)

	validator, err := NewValidator(ValidatorConfig{Issuers: []IssuerConfig{{
		Name:        "discovered",
		Issuer:      server.URL,
		Audience:    testAudience,
		ClockSkew:   time.Second,
		HTTPTimeout: time.Second,
	}}})
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	token := sign(t, validBuilder("user-1").Issuer(server.URL), key, "disc-key")
	if _, err := validator.Validate(context.Background(), token, "discovered"); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	endpoint, err := validator.UserInfoEndpoint(context.Background(), "discovered")
	if err != nil {
		t.Fatalf("UserInfoEndpoint: %v", err)
	}
	if endpoint != server.URL+"/userinfo" {
		t.Fatalf("unexpected userinfo endpoint: %s", endpoint)
	}
}

func TestValidator_DiscoveryRetriesOnce(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)

	validator, err := NewValidator(ValidatorConfig{Issuers: []IssuerConfig{{
		Name:        "discovered",
		Issuer:      server.URL,
		Audience:    testAudience,
		HTTPTimeout: time.Second,
	}}})
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	err = validator.Warmup(context.Background(), "discovered")
	assertErrorDetail(t, err, ErrCodeMetadataLookup, "")
	if got := hits.Load(); got != 2 {
		t.Fatalf("expected 2 discovery attempts, got %d", got)
	}
}

func TestValidator_GoogleValidationHonorsTimeout(t *testing.T) {
	original := googleValidate
	defer func() { googleValidate = original }()

	var (
		observedDeadline time.Time
		validateCalls    int
	)

	googleValidate = func(ctx context.Context, token, audience string) (*idtoken.Payload, error) {
		validateCalls++
		dl, ok := ctx.Deadline()
		if !ok {
			t.Fatal("expected validation context to have deadline")
		}
		observedDeadline = dl
		return &idtoken.Payload{
			Issuer:   "https://accounts.google.com",
			Audience: audience,
			Subject:  "112233",
			IssuedAt: time.Now().Add(-time.Minute).Unix(),
			Expires:  time.Now().Add(time.Hour).Unix(),
			Claims: map[string]any{
				"email":          "svc@example.com",
				"email_verified": true,
				"azp":            "svc@project.iam.gserviceaccount.com",
			},
		}, nil
	}

	timeout := 150 * time.Millisecond
	validator, err := NewValidator(ValidatorConfig{
		Issuers: []IssuerConfig{{
			Name:        "google",
			Audience:    "https://api.local.dev",
			Issuer:      "https://accounts.google.com",
			HTTPTimeout: timeout,
		}},
	})
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	start := time.Now()
	payload, err := validator.Validate(context.Background(), "dummy-token", "google")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if sub, _ := payload.String("sub"); sub != "112233" {
		t.Fatalf("unexpected subject: %s", sub)
	}
	if email, _ := payload.String("email"); email != "svc@example.com" {
		t.Fatalf("unexpected email: %s", email)
	}
	// Google ID tokens have no scope, so they never yield base claims.
	_, err = ReadBaseClaims(payload)
	assertErrorDetail(t, err, ErrCodeMissingClaim, "")
	if validateCalls != 1 {
		t.Fatalf("expected googleValidate invoked once, got %d", validateCalls)
	}

	elapsed := observedDeadline.Sub(start)
	if elapsed < timeout/2 || elapsed > timeout*2 {
		t.Fatalf("deadline outside expected bounds: want approx %v, got %v", timeout, elapsed)
	}
}

func TestValidator_GoogleErrorMapping(t *testing.T) {
	original := googleValidate
	defer func() { googleValidate = original }()

	googleValidate = func(context.Context, string, string) (*idtoken.Payload, error) {
		return nil, errors.New("idtoken: token expired: 1700000000 < 1700000100")
	}
	validator, err := NewValidator(ValidatorConfig{Issuers: []IssuerConfig{{Name: "google", Audience: "aud"}}})
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	_, err = validator.Validate(context.Background(), "token", "google")
	assertErrorDetail(t, err, ErrCodeInvalidToken, DetailExpired)
}

func testIssuerConfig(jwksURL string) IssuerConfig {
	return IssuerConfig{
		Name:        "primary",
		JWKSURL:     jwksURL,
		Issuer:      testIssuer,
		Audience:    testAudience,
		ClockSkew:   time.Second,
		MinRefresh:  time.Minute,
		HTTPTimeout: time.Second,
	}
}

func validBuilder(subject string) *jwt.Builder {
	now := time.Now()
	return jwt.NewBuilder().
		Issuer(testIssuer).
		Subject(subject).
		Audience([]string{testAudience}).
		IssuedAt(now).
		Expiration(now.Add(time.Hour)).
		Claim("scope", "openid email profile investments")
}

func assertErrorDetail(t *testing.T, err error, code ErrorCode, detail string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if e.Code != code {
		t.Fatalf("expected code %s, got %s (%v)", code, e.Code, err)
	}
	if detail != "" && e.Detail != detail {
		t.Fatalf("expected detail %s, got %q (%v)", detail, e.Detail, err)
	}
}

func newJWKS(t *testing.T) (*rsa.PrivateKey, string, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	const kid = "test-key"
	payload := jwksFor(t, map[string]*rsa.PrivateKey{kid: key})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	t.Cleanup(server.Close)

	return key, server.URL, kid
}

type rotatingJWKS struct {
	server *httptest.Server
	hits   atomic.Int32

	mu   sync.Mutex
	keys map[string]*rsa.PrivateKey
	body []byte
}

func newRotatingJWKS(t *testing.T) *rotatingJWKS {
	t.Helper()
	r := &rotatingJWKS{keys: map[string]*rsa.PrivateKey{}}
	r.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		r.hits.Add(1)
		r.mu.Lock()
		body := r.body
		r.mu.Unlock()
		_, _ = w.Write(body)
	}))
	t.Cleanup(r.server.Close)
	return r
}

func (r *rotatingJWKS) addKey(t *testing.T, kid string) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[kid] = key
	r.body = jwksFor(t, r.keys)
	return key
}

func jwksFor(t *testing.T, keys map[string]*rsa.PrivateKey) []byte {
	t.Helper()
	set := jwk.NewSet()
	for kid, key := range keys {
		pub, err := jwk.PublicKeyOf(key)
		if err != nil {
			t.Fatalf("public key: %v", err)
		}
		if err := pub.Set(jwk.KeyIDKey, kid); err != nil {
			t.Fatalf("set kid: %v", err)
		}
		if err := pub.Set(jwk.AlgorithmKey, jwa.RS256); err != nil {
			t.Fatalf("set alg: %v", err)
		}
		if err := set.AddKey(pub); err != nil {
			t.Fatalf("add key: %v", err)
		}
	}
	payload, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	return payload
}

func sign(t *testing.T, builder *jwt.Builder, key *rsa.PrivateKey, kid string) string {
	t.Helper()
	token, err := builder.Build()
	if err != nil {
		t.Fatalf("build token: %v", err)
	}
	jwkPriv, err := jwk.FromRaw(key)
	if err != nil {
		t.Fatalf("private key jwk: %v", err)
	}
	if err := jwkPriv.Set(jwk.AlgorithmKey, jwa.RS256); err != nil {
		t.Fatalf("set alg: %v", err)
	}
	if kid != "" {
		if err := jwkPriv.Set(jwk.KeyIDKey, kid); err != nil {
			t.Fatalf("set kid: %v", err)
		}
	}
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256, jwkPriv))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return string(signed)
}
