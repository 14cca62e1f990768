package oauthx

import "context"

type principalKey struct{}

type correlationIDKey struct{}

// CallerPrincipal is the caller context stored after authorization.
type CallerPrincipal struct {
	Principal *ClaimsPrincipal
	DevBypass bool
}

// BindPrincipal stores the caller principal inside the context for downstream consumers.
func BindPrincipal(ctx context.Context, caller CallerPrincipal) context.Context {
	return context.WithValue(ctx, principalKey{}, caller)
}

// PrincipalFromContext retrieves the caller principal previously stored in the context.
func PrincipalFromContext(ctx context.Context) (CallerPrincipal, bool) {
	if ctx == nil {
		return CallerPrincipal{}, false
	}
	value := ctx.Value(principalKey{})
	if value == nil {
		return CallerPrincipal{}, false
	}
	caller, ok := value.(CallerPrincipal)
	return caller, ok
}

// WithCorrelationID stores the request correlation id used in logs and error bodies.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// CorrelationIDFromContext returns the correlation id, or "" when none was set.
func CorrelationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationIDKey{}).(string)
	return id
}

// persistentContext keeps the values of ctx (trace span, correlation id)
// while dropping its deadline and cancellation. Shared claims lookups run on
// it so one waiter leaving does not fail the others.
func persistentContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return context.WithoutCancel(ctx)
}
