package oauthx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const tracerName = "github.com/bionicotaku/lingo-utils-oauthx"

const (
	sourceUserInfo = "userinfo"
	sourceClaims   = "claims"
)

// Authorizer turns a request's bearer token into a ClaimsPrincipal.
//
// Each request moves through reading the token, validating it and resolving
// claims, in that order; any step may reject. The strategy only changes how
// claims are resolved.
type Authorizer struct {
	cfg     AuthorizerConfig
	flights singleflight.Group
}

// requestState is owned by a single Authorize call.
type requestState struct {
	token   string
	payload Payload
	base    BaseClaims
	span    trace.Span
}

// NewAuthorizer validates cfg and builds an Authorizer.
func NewAuthorizer(cfg AuthorizerConfig) (*Authorizer, error) {
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Authorizer{cfg: cfg}, nil
}

// Strategy returns the configured claims strategy.
func (a *Authorizer) Strategy() Strategy {
	return a.cfg.Strategy
}

// Authorize reads the bearer token from r and resolves its principal.
func (a *Authorizer) Authorize(ctx context.Context, r *http.Request) (*ClaimsPrincipal, error) {
	token, err := BearerToken(r.Header.Get("Authorization"))
	if err != nil {
		a.cfg.Metrics.authorization(a.cfg.Strategy, string(ErrCodeNoToken))
		return nil, err
	}
	return a.AuthorizeToken(ctx, token)
}

// AuthorizeToken resolves the principal for a raw access token.
func (a *Authorizer) AuthorizeToken(ctx context.Context, token string) (*ClaimsPrincipal, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "oauthx.Authorize",
		trace.WithAttributes(attribute.String("oauthx.strategy", string(a.cfg.Strategy))))
	defer span.End()

	principal, err := a.execute(ctx, &requestState{token: token, span: span})
	if err != nil {
		e := AsError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(e.Code))
		a.cfg.Metrics.authorization(a.cfg.Strategy, string(e.Code))
		return nil, e
	}
	span.SetAttributes(attribute.String("oauthx.subject", principal.Base.Subject))
	a.cfg.Metrics.authorization(a.cfg.Strategy, "ok")
	return principal, nil
}

func (a *Authorizer) execute(ctx context.Context, st *requestState) (*ClaimsPrincipal, error) {
	if st.token == "" {
		return nil, newError(ErrCodeNoToken, errors.New("token is empty"))
	}

	payload, err := a.cfg.Validator.Validate(ctx, st.token, a.cfg.IssuerName)
	if err != nil {
		return nil, err
	}
	st.payload = payload

	base, err := ReadBaseClaims(payload)
	if err != nil {
		return nil, err
	}
	st.base = base

	switch a.cfg.Strategy {
	case StrategyClaimsCaching:
		return a.resolveCached(ctx, st)
	default:
		return a.resolveStandard(ctx, st)
	}
}

func (a *Authorizer) resolveStandard(ctx context.Context, st *requestState) (*ClaimsPrincipal, error) {
	custom, err := a.cfg.Provider.FromPayload(ctx, st.payload)
	if err != nil {
		return nil, newError(ErrCodeInternal, fmt.Errorf("read custom claims: %w", err))
	}
	return &ClaimsPrincipal{
		Base:     st.base,
		UserInfo: userInfoFromPayload(st.payload),
		Custom:   custom,
	}, nil
}

func (a *Authorizer) resolveCached(ctx context.Context, st *requestState) (*ClaimsPrincipal, error) {
	log := a.logger(ctx)
	fingerprint := Fingerprint(st.token)

	cached, hit, err := a.cfg.Cache.Get(ctx, fingerprint)
	if err != nil {
		log.Warn("claims cache read failed, treating as miss", zap.Error(err))
		hit = false
	}
	a.cfg.Metrics.cacheResult(hit)
	st.span.SetAttributes(attribute.Bool("oauthx.cache_hit", hit))

	if hit {
		principal, err := a.principalFromCache(st, *cached)
		if err == nil {
			return principal, nil
		}
		log.Warn("discarding undecodable claims cache entry", zap.Error(err))
	}

	// Concurrent misses for one token share a single lookup. The lookup runs
	// detached from this request so that a waiter going away does not fail
	// the others; every outbound call in it carries its own timeout.
	results := a.flights.DoChan(fingerprint, func() (any, error) {
		return a.lookupAndStore(persistentContext(ctx), st, fingerprint)
	})
	select {
	case <-ctx.Done():
		return nil, newError(ErrCodeClaimsLookup, ctx.Err())
	case res := <-results:
		if res.Err != nil {
			return nil, res.Err
		}
		st.span.SetAttributes(attribute.Bool("oauthx.lookup_shared", res.Shared))
		return a.principalFromCache(st, res.Val.(CachedClaims))
	}
}

// lookupAndStore runs the user-info and custom claims lookups concurrently
// and caches the combined result only once both have succeeded.
func (a *Authorizer) lookupAndStore(ctx context.Context, st *requestState, fingerprint string) (CachedClaims, error) {
	log := a.logger(ctx)
	embedded := userInfoFromPayload(st.payload)

	var (
		fetched UserInfoClaims
		custom  CustomClaims
	)
	g, gctx := errgroup.WithContext(ctx)
	if a.cfg.UserInfo != nil {
		g.Go(func() error {
			start := time.Now()
			info, err := a.cfg.UserInfo.GetUserInfo(gctx, st.token)
			a.cfg.Metrics.lookup(sourceUserInfo, time.Since(start).Seconds(), err)
			if err != nil {
				return err
			}
			fetched = info
			return nil
		})
	}
	g.Go(func() error {
		lookupCtx, cancel := context.WithTimeout(gctx, a.cfg.LookupTimeout)
		defer cancel()
		start := time.Now()
		claims, err := a.cfg.Provider.Lookup(lookupCtx, st.token, st.base, embedded)
		a.cfg.Metrics.lookup(sourceClaims, time.Since(start).Seconds(), err)
		if err != nil {
			return asLookupError(err)
		}
		custom = claims
		return nil
	})
	if err := g.Wait(); err != nil {
		return CachedClaims{}, err
	}

	data, err := a.cfg.Provider.Serialize(custom)
	if err != nil {
		return CachedClaims{}, newError(ErrCodeInternal, fmt.Errorf("serialize custom claims: %w", err))
	}
	result := CachedClaims{UserInfo: mergeUserInfo(fetched, embedded), Custom: data}

	expiresAt := st.base.ExpiresAt
	if ceiling := a.cfg.Clock().Add(a.cfg.CacheTTLCeiling).Unix(); ceiling < expiresAt {
		expiresAt = ceiling
	}
	if err := a.cfg.Cache.Set(ctx, fingerprint, result, expiresAt); err != nil {
		log.Warn("claims cache write failed", zap.Error(err))
	} else {
		log.Debug("cached resolved claims",
			zap.String("subject", st.base.Subject),
			zap.Time("expires_at", time.Unix(expiresAt, 0)))
	}
	return result, nil
}

// principalFromCache builds a principal with this request's own copy of the
// custom claims.
func (a *Authorizer) principalFromCache(st *requestState, cached CachedClaims) (*ClaimsPrincipal, error) {
	custom, err := a.cfg.Provider.Deserialize(cached.Custom)
	if err != nil {
		return nil, newError(ErrCodeInternal, fmt.Errorf("deserialize custom claims: %w", err))
	}
	return &ClaimsPrincipal{Base: st.base, UserInfo: cached.UserInfo, Custom: custom}, nil
}

func (a *Authorizer) logger(ctx context.Context) *zap.Logger {
	if id := CorrelationIDFromContext(ctx); id != "" {
		return a.cfg.Logger.With(zap.String("correlation_id", id))
	}
	return a.cfg.Logger
}

func asLookupError(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return NewClaimsLookupError(err)
}

// mergeUserInfo prefers fetched values, keeping token-embedded ones where the
// endpoint returned nothing.
func mergeUserInfo(fetched, embedded UserInfoClaims) UserInfoClaims {
	out := fetched
	if out.GivenName == "" {
		out.GivenName = embedded.GivenName
	}
	if out.FamilyName == "" {
		out.FamilyName = embedded.FamilyName
	}
	if out.Email == "" {
		out.Email = embedded.Email
	}
	return out
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", newError(ErrCodeNoToken, errors.New("missing Authorization header"))
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", newError(ErrCodeNoToken, errors.New("invalid Authorization format"))
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", newError(ErrCodeNoToken, errors.New("empty bearer token"))
	}
	return token, nil
}
