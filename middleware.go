package oauthx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CorrelationHeader carries the request correlation id in both directions.
const CorrelationHeader = "X-Correlation-ID"

const maxCorrelationIDLength = 128

// RequestAuthorizer resolves the principal of an inbound request. *Authorizer implements it.
type RequestAuthorizer interface {
	Authorize(ctx context.Context, r *http.Request) (*ClaimsPrincipal, error)
}

// MiddlewareOptions configures Middleware.
type MiddlewareOptions struct {
	// RequiredScope, when set, is enforced for every request.
	RequiredScope string
	Logger        *zap.Logger
	// DevBypass skips token handling entirely. Never set it in production.
	DevBypass *DevBypassClaims
}

// ErrorResponse is the client-facing error body.
type ErrorResponse struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Middleware authorizes every request, binds the principal into the request
// context and writes a structured error response on failure.
func Middleware(authorizer RequestAuthorizer, opts MiddlewareOptions) func(http.Handler) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r = WithRequestCorrelation(w, r)

			var caller CallerPrincipal
			if opts.DevBypass != nil {
				caller = CallerPrincipal{Principal: opts.DevBypass.ToPrincipal(), DevBypass: true}
			} else {
				principal, err := authorizer.Authorize(r.Context(), r)
				if err != nil {
					LogFailure(logger, r, err)
					WriteError(w, r, err)
					return
				}
				caller = CallerPrincipal{Principal: principal}
			}

			if err := caller.Principal.Enforce(opts.RequiredScope); err != nil {
				LogFailure(logger, r, err)
				WriteError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(BindPrincipal(r.Context(), caller)))
		})
	}
}

// RequireScope rejects requests whose bound principal lacks scope. It must
// run after Middleware.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, ok := PrincipalFromContext(r.Context())
			if !ok {
				WriteError(w, r, ErrNoPrincipal)
				return
			}
			if err := caller.Principal.Enforce(scope); err != nil {
				WriteError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WithRequestCorrelation reuses the inbound correlation id or generates one,
// echoes it on the response and stores it in the request context.
func WithRequestCorrelation(w http.ResponseWriter, r *http.Request) *http.Request {
	if id := CorrelationIDFromContext(r.Context()); id != "" {
		return r
	}
	id := strings.TrimSpace(r.Header.Get(CorrelationHeader))
	if id == "" || len(id) > maxCorrelationIDLength {
		id = uuid.NewString()
	}
	w.Header().Set(CorrelationHeader, id)
	return r.WithContext(WithCorrelationID(r.Context(), id))
}

// WriteError writes err as an ErrorResponse with its HTTP status. 401 and
// 403 responses carry a WWW-Authenticate challenge.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	e := AsError(err)
	if challenge := Challenge(e); challenge != "" {
		w.Header().Set("WWW-Authenticate", challenge)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(NewErrorResponse(e, CorrelationIDFromContext(r.Context())))
}

// NewErrorResponse builds the client-facing body for e. Wrapped causes are
// never exposed.
func NewErrorResponse(e *Error, correlationID string) ErrorResponse {
	return ErrorResponse{Code: string(e.Code), Message: e.Message, CorrelationID: correlationID}
}

// Challenge returns the WWW-Authenticate value for e, or "" when the status
// needs none.
func Challenge(e *Error) string {
	if e.Status != http.StatusUnauthorized && e.Status != http.StatusForbidden {
		return ""
	}
	value := fmt.Sprintf(`Bearer error="%s", error_description="%s"`, e.Code, e.Message)
	if e.Code == ErrCodeInsufficientScope && e.Detail != "" {
		value += fmt.Sprintf(`, scope="%s"`, e.Detail)
	}
	return value
}

// LogFailure logs an authorization failure. Server and upstream faults log
// at error level, caller faults at warn.
func LogFailure(logger *zap.Logger, r *http.Request, err error) {
	e := AsError(err)
	fields := []zap.Field{
		zap.String("correlation_id", CorrelationIDFromContext(r.Context())),
		zap.String("code", string(e.Code)),
		zap.Int("status", e.Status),
		zap.String("path", r.URL.Path),
	}
	if e.Detail != "" {
		fields = append(fields, zap.String("detail", e.Detail))
	}
	if e.Err != nil {
		fields = append(fields, zap.Error(e.Err))
	}
	if e.ServerFault() {
		logger.Error("authorization failed", fields...)
		return
	}
	logger.Warn("authorization rejected", fields...)
}
