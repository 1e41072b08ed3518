// Package handler exposes the identity services over HTTP with chi.
package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/dlddu/tiny-identity/internal/metrics"
	"github.com/dlddu/tiny-identity/internal/permission"
)

// Services are the application services behind the routes.
type Services struct {
	Accounts AccountServiceInterface
	Sessions SessionServiceInterface
	APIKeys  APIKeyServiceInterface
	Passkeys PasskeyServiceInterface
	Roles    RoleServiceInterface
}

// RouterConfig holds transport settings.
type RouterConfig struct {
	Tokens  TokenVerifier
	Metrics *metrics.Metrics
	// LoginRequests per LoginWindow per client IP. Zero disables the limit.
	LoginRequests int
	LoginWindow   time.Duration
}

// NewRouter builds the HTTP surface.
func NewRouter(svc Services, cfg RouterConfig) http.Handler {
	authH := NewAuthHandler(svc.Accounts, svc.Sessions)
	sessionH := NewSessionHandler(svc.Sessions)
	keyH := NewAPIKeyHandler(svc.APIKeys)
	passkeyH := NewPasskeyHandler(svc.Passkeys)
	adminH := NewAdminHandler(svc.Accounts, svc.Roles)
	authn := NewAuthenticator(cfg.Tokens, svc.Sessions, svc.APIKeys)
	passwordLimit := loginLimiter(cfg)
	passkeyLimit := loginLimiter(cfg)

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(cfg.Metrics.Instrument)

	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", authH.Register)
		r.With(passwordLimit).Post("/login", authH.Login)
		r.Post("/refresh", authH.Refresh)
		r.Post("/logout", authH.Logout)
		r.With(passkeyLimit).Post("/passkeys/login/options", passkeyH.LoginOptions)
		r.With(passkeyLimit).Post("/passkeys/login", passkeyH.Login)

		r.Group(func(r chi.Router) {
			r.Use(authn.Middleware)

			r.With(RequirePermission(permission.AccountsRead, OwnAccount)).Get("/me", authH.Me)
			r.With(RequirePermission(permission.AccountsRead, OwnAccount)).Post("/password", authH.ChangePassword)

			r.With(RequirePermission(permission.SessionsRead, OwnAccount)).Get("/sessions", sessionH.List)
			r.With(RequirePermission(permission.SessionsRevoke, OwnAccount)).Delete("/sessions/{id}", sessionH.Revoke)
			r.With(RequirePermission(permission.SessionsRevoke, OwnAccount)).Post("/sessions/revoke-all", sessionH.RevokeAll)

			r.With(RequirePermission(permission.APIKeysCreate, OwnAccount)).Post("/api-keys", keyH.Create)
			r.With(RequirePermission(permission.APIKeysRead, OwnAccount)).Get("/api-keys", keyH.List)
			r.With(RequirePermission(permission.APIKeysRevoke, OwnAccount)).Delete("/api-keys/{id}", keyH.Revoke)

			r.With(RequirePermission(permission.PasskeysManage, OwnAccount)).Post("/passkeys/register/options", passkeyH.RegistrationOptions)
			r.With(RequirePermission(permission.PasskeysManage, OwnAccount)).Post("/passkeys/register", passkeyH.Register)
		})
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(authn.Middleware)

		r.Route("/accounts/{id}", func(r chi.Router) {
			r.With(RequirePermission(permission.AccountsManage, TargetAccount)).Post("/suspend", adminH.Suspend)
			r.With(RequirePermission(permission.AccountsManage, TargetAccount)).Post("/deactivate", adminH.Deactivate)
			r.With(RequirePermission(permission.AccountsManage, TargetAccount)).Post("/unlock", adminH.Unlock)
			r.With(RequirePermission(permission.RolesAssign, TargetAccount)).Post("/roles", adminH.AssignRole)
		})

		r.With(RequirePermission(permission.RolesManage, nil)).Get("/roles", adminH.ListRoles)
		r.With(RequirePermission(permission.RolesManage, nil)).Post("/roles", adminH.CreateRole)
		r.With(RequirePermission(permission.RolesManage, nil)).Delete("/roles/{id}", adminH.DeleteRole)
	})

	return r
}

func loginLimiter(cfg RouterConfig) func(http.Handler) http.Handler {
	if cfg.LoginRequests <= 0 || cfg.LoginWindow <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(
		cfg.LoginRequests,
		cfg.LoginWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
			writeError(w, http.StatusTooManyRequests, CodeRateLimited, "too many attempts, try again later")
		}),
	)
}
