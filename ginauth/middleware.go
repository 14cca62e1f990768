// Package ginauth adapts oauthx authorization to gin routers.
package ginauth

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/bionicotaku/lingo-utils-oauthx"
)

// PrincipalKey is the gin context key holding the *oauthx.ClaimsPrincipal.
const PrincipalKey = "oauthx.principal"

// Middleware authorizes the request, stores the principal on both the gin
// context and the request context, and aborts with a structured error on failure.
func Middleware(authorizer oauthx.RequestAuthorizer, opts oauthx.MiddlewareOptions) gin.HandlerFunc {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		c.Request = oauthx.WithRequestCorrelation(c.Writer, c.Request)

		var caller oauthx.CallerPrincipal
		if opts.DevBypass != nil {
			caller = oauthx.CallerPrincipal{Principal: opts.DevBypass.ToPrincipal(), DevBypass: true}
		} else {
			principal, err := authorizer.Authorize(c.Request.Context(), c.Request)
			if err != nil {
				abort(c, logger, err)
				return
			}
			caller = oauthx.CallerPrincipal{Principal: principal}
		}

		if err := caller.Principal.Enforce(opts.RequiredScope); err != nil {
			abort(c, logger, err)
			return
		}
		c.Request = c.Request.WithContext(oauthx.BindPrincipal(c.Request.Context(), caller))
		c.Set(PrincipalKey, caller.Principal)
		c.Next()
	}
}

// RequireScope rejects requests whose principal lacks scope.
func RequireScope(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := Principal(c)
		if !ok {
			abort(c, nil, oauthx.ErrNoPrincipal)
			return
		}
		if err := principal.Enforce(scope); err != nil {
			abort(c, nil, err)
			return
		}
		c.Next()
	}
}

// Principal returns the principal stored by Middleware.
func Principal(c *gin.Context) (*oauthx.ClaimsPrincipal, bool) {
	v, ok := c.Get(PrincipalKey)
	if !ok {
		return nil, false
	}
	p, ok := v.(*oauthx.ClaimsPrincipal)
	return p, ok && p != nil
}

func abort(c *gin.Context, logger *zap.Logger, err error) {
	if logger != nil {
		oauthx.LogFailure(logger, c.Request, err)
	}
	e := oauthx.AsError(err)
	if challenge := oauthx.Challenge(e); challenge != "" {
		c.Header("WWW-Authenticate", challenge)
	}
	c.AbortWithStatusJSON(e.Status, oauthx.NewErrorResponse(e, oauthx.CorrelationIDFromContext(c.Request.Context())))
}
