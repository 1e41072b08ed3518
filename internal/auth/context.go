package auth

import (
	"context"
	"time"

	"github.com/dlddu/tiny-identity/internal/domain"
)

type contextKey struct{}

// WithUserSession stores the authenticated caller in ctx.
func WithUserSession(ctx context.Context, us domain.UserSession) context.Context {
	return context.WithValue(ctx, contextKey{}, us)
}

// FromContext returns the caller stored by WithUserSession.
func FromContext(ctx context.Context) (domain.UserSession, bool) {
	us, ok := ctx.Value(contextKey{}).(domain.UserSession)
	return us, ok
}

// UserSessionOrAnonymous returns the stored caller, or an anonymous session
// when the request carried no credential.
func UserSessionOrAnonymous(ctx context.Context, now time.Time) domain.UserSession {
	if us, ok := FromContext(ctx); ok {
		return us
	}
	return domain.AnonymousSession(now)
}
