// Package server exposes the authorization pipeline over HTTP.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/bionicotaku/lingo-utils-oauthx"
)

// Deps are the collaborators the router serves.
type Deps struct {
	Authorizer oauthx.RequestAuthorizer
	Gatherer   prometheus.Gatherer
	Logger     *zap.Logger

	RequiredScope string
	DevBypass     *oauthx.DevBypassClaims
	CORSOrigins   []string

	// Ready reports whether downstream dependencies are reachable.
	Ready func(ctx context.Context) error
}

// PrincipalResponse is the body of GET /api/me.
type PrincipalResponse struct {
	Subject   string                `json:"subject"`
	Scopes    []string              `json:"scopes"`
	ExpiresAt time.Time             `json:"expires_at"`
	UserInfo  oauthx.UserInfoClaims `json:"user_info"`
	Custom    oauthx.CustomClaims   `json:"custom,omitempty"`
	DevBypass bool                  `json:"dev_bypass,omitempty"`
}

// NewRouter builds the HTTP handler.
func NewRouter(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	if len(d.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   d.CORSOrigins,
			AllowedMethods:   []string{"GET", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", oauthx.CorrelationHeader},
			ExposedHeaders:   []string{oauthx.CorrelationHeader, "WWW-Authenticate"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", readiness(d))
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Use(oauthx.Middleware(d.Authorizer, oauthx.MiddlewareOptions{
			RequiredScope: d.RequiredScope,
			Logger:        d.Logger,
			DevBypass:     d.DevBypass,
		}))
		r.Get("/me", me)
		r.With(oauthx.RequireScope("openid")).Get("/userinfo", userInfo)
		r.Get("/claims", claims)
	})
	return r
}

func readiness(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := d.Ready(ctx); err != nil {
				d.Logger.Warn("readiness check failed", zap.Error(err))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func me(w http.ResponseWriter, r *http.Request) {
	caller, ok := oauthx.PrincipalFromContext(r.Context())
	if !ok {
		oauthx.WriteError(w, r, oauthx.ErrNoPrincipal)
		return
	}
	p := caller.Principal
	writeJSON(w, http.StatusOK, PrincipalResponse{
		Subject:   p.Subject(),
		Scopes:    p.Scopes(),
		ExpiresAt: p.Base.Expiry(),
		UserInfo:  p.UserInfo,
		Custom:    p.Custom,
		DevBypass: caller.DevBypass,
	})
}

func userInfo(w http.ResponseWriter, r *http.Request) {
	caller, _ := oauthx.PrincipalFromContext(r.Context())
	writeJSON(w, http.StatusOK, caller.Principal.UserInfo)
}

func claims(w http.ResponseWriter, r *http.Request) {
	caller, ok := oauthx.PrincipalFromContext(r.Context())
	if !ok {
		oauthx.WriteError(w, r, oauthx.ErrNoPrincipal)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"subject": caller.Principal.Subject(),
		"custom":  caller.Principal.Custom,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
