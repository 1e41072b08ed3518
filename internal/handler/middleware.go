package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/dlddu/tiny-identity/internal/auth"
	"github.com/dlddu/tiny-identity/internal/domain"
	"github.com/dlddu/tiny-identity/internal/jwt"
	"github.com/dlddu/tiny-identity/internal/logging"
	"github.com/dlddu/tiny-identity/internal/service"
)

// TokenVerifier parses and verifies access credentials.
type TokenVerifier interface {
	Parse(token string) (*jwt.AccessClaims, error)
}

// SessionChecker reports whether the session behind an access credential is
// still live.
type SessionChecker interface {
	CheckActive(ctx context.Context, sessionID string) error
}

// APIKeyAuthenticator resolves an API key to its scope snapshot.
type APIKeyAuthenticator interface {
	Authenticate(ctx context.Context, raw string) (domain.UserSession, error)
}

// RequestLogger assigns a request id, attaches a request-scoped logger and
// writes one access log line per request.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" || len(id) > 64 {
			id = logging.NewRequestID()
		}
		w.Header().Set("X-Request-ID", id)

		ctx := logging.ContextWithRequestID(r.Context(), id)
		ctx = logging.ContextWithLogger(ctx, logging.Component("http"))

		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(ctx))

		route := r.URL.Path
		if rc := chi.RouteContext(ctx); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		logging.Ctx(ctx).Info().
			Str("method", r.Method).
			Str("route", route).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

// Authenticator resolves the Authorization header into a UserSession.
type Authenticator struct {
	tokens   TokenVerifier
	sessions SessionChecker
	apiKeys  APIKeyAuthenticator
}

// NewAuthenticator creates the bearer middleware.
func NewAuthenticator(tokens TokenVerifier, sessions SessionChecker, apiKeys APIKeyAuthenticator) *Authenticator {
	return &Authenticator{tokens: tokens, sessions: sessions, apiKeys: apiKeys}
}

// Middleware stores the caller in the request context. Requests without an
// Authorization header continue as anonymous; a header that does not verify
// is rejected outright.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, err := auth.ParseBearer(header)
		if err != nil {
			writeError(w, http.StatusUnauthorized, CodeUnauthorized, "authentication failed")
			return
		}
		us, err := a.resolve(r.Context(), token)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		ctx := auth.WithUserSession(r.Context(), us)
		log := logging.Ctx(ctx).With().Str("account_id", us.AccountID()).Logger()
		next.ServeHTTP(w, r.WithContext(logging.ContextWithLogger(ctx, log)))
	})
}

func (a *Authenticator) resolve(ctx context.Context, token string) (domain.UserSession, error) {
	if service.IsAPIKey(token) {
		return a.apiKeys.Authenticate(ctx, token)
	}

	claims, err := a.tokens.Parse(token)
	if err != nil {
		return domain.UserSession{}, err
	}
	us, err := claims.UserSession()
	if err != nil {
		return domain.UserSession{}, domain.Wrap(domain.KindInvalidCredential, "access_token_claims", err)
	}
	if us.IsAnonymous() || us.Kind() != domain.CredentialSession {
		return domain.UserSession{}, domain.Wrap(domain.KindInvalidCredential, "access_token_kind", nil)
	}
	if us.SessionID() != "" {
		if err := a.sessions.CheckActive(ctx, us.SessionID()); err != nil {
			return domain.UserSession{}, err
		}
	}
	return us, nil
}

// ParamsFunc supplies the parameters a permission check is evaluated with.
type ParamsFunc func(r *http.Request, us domain.UserSession) map[string]string

// OwnAccount scopes the check to the caller's own account.
func OwnAccount(_ *http.Request, us domain.UserSession) map[string]string {
	return map[string]string{domain.ParamAccountID: us.AccountID()}
}

// TargetAccount scopes the check to the {id} URL parameter.
func TargetAccount(r *http.Request, _ domain.UserSession) map[string]string {
	return map[string]string{domain.ParamAccountID: chi.URLParam(r, "id")}
}

// RequirePermission rejects anonymous callers with 401 and callers whose
// scope does not grant perm with 403.
func RequirePermission(perm string, params ParamsFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			us, ok := auth.FromContext(r.Context())
			if !ok || us.IsAnonymous() {
				writeError(w, http.StatusUnauthorized, CodeUnauthorized, "authentication required")
				return
			}
			var p map[string]string
			if params != nil {
				p = params(r, us)
			}
			if !us.HasPermission(perm, p) {
				logging.Ctx(r.Context()).Debug().Str("permission", perm).Msg("permission denied")
				writeError(w, http.StatusForbidden, CodeForbidden, "permission denied")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// caller returns the authenticated caller. RequirePermission guarantees it
// exists on every route that uses it.
func caller(r *http.Request) domain.UserSession {
	us, _ := auth.FromContext(r.Context())
	return us
}
