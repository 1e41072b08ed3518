package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/dlddu/tiny-identity/internal/auth"
	"github.com/dlddu/tiny-identity/internal/domain"
	"github.com/dlddu/tiny-identity/internal/service"
)

// AccountServiceInterface defines the account operations the handlers use
type AccountServiceInterface interface {
	Register(ctx context.Context, req service.RegisterRequest) (*domain.Account, error)
	Login(ctx context.Context, username, password string, device domain.DeviceInfo) (*service.TokenPair, error)
	Profile(ctx context.Context, accountID string) (*service.Profile, error)
	ChangePassword(ctx context.Context, accountID, current, next string) error
	Suspend(ctx context.Context, accountID string) error
	Deactivate(ctx context.Context, accountID string) error
	Unlock(ctx context.Context, accountID string) error
	AssignRole(ctx context.Context, accountID, roleCode string, bindings map[string]string) error
}

// SessionServiceInterface defines the session operations the handlers use
type SessionServiceInterface interface {
	Refresh(ctx context.Context, raw string) (*service.TokenPair, error)
	Logout(ctx context.Context, raw string) error
	List(ctx context.Context, accountID, currentSessionID string) ([]service.SessionView, error)
	Revoke(ctx context.Context, accountID, sessionID string) error
	RevokeAll(ctx context.Context, accountID, reason string) (int, error)
	CheckActive(ctx context.Context, sessionID string) error
}

type registerRequest struct {
	Username    string `json:"username" validate:"required,max=64"`
	Email       string `json:"email" validate:"required,email,max=254"`
	Password    string `json:"password" validate:"required"`
	DisplayName string `json:"display_name" validate:"max=100"`
}

type loginRequest struct {
	Username   string `json:"username" validate:"required"`
	Password   string `json:"password" validate:"required"`
	DeviceName string `json:"device_name" validate:"max=100"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required"`
}

// AccountResponse is the public view of an account.
type AccountResponse struct {
	ID            string    `json:"id"`
	Username      string    `json:"username"`
	Email         string    `json:"email"`
	DisplayName   string    `json:"display_name,omitempty"`
	Status        string    `json:"status"`
	EmailVerified bool      `json:"email_verified"`
	CreatedAt     time.Time `json:"created_at"`
}

// ProfileResponse is returned by GET /auth/me.
type ProfileResponse struct {
	AccountResponse
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

func accountResponse(a *domain.Account) AccountResponse {
	return AccountResponse{
		ID:            a.ID(),
		Username:      a.Username(),
		Email:         a.Email(),
		DisplayName:   a.DisplayName(),
		Status:        string(a.Status()),
		EmailVerified: a.EmailVerified(),
		CreatedAt:     a.CreatedAt(),
	}
}

// AuthHandler serves registration, sign-in and the caller's own account.
type AuthHandler struct {
	accounts AccountServiceInterface
	sessions SessionServiceInterface
}

// NewAuthHandler creates a new AuthHandler instance
func NewAuthHandler(accounts AccountServiceInterface, sessions SessionServiceInterface) *AuthHandler {
	return &AuthHandler{accounts: accounts, sessions: sessions}
}

// Register handles POST /auth/register.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDomainError(w, r, err)
		return
	}
	account, err := h.accounts.Register(r.Context(), service.RegisterRequest{
		Username:    req.Username,
		Email:       req.Email,
		Password:    req.Password,
		DisplayName: req.DisplayName,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, accountResponse(account))
}

// Login handles POST /auth/login. Credentials come from the JSON body or,
// for non-browser clients, a Basic Authorization header.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if username, password, err := auth.ParseBasicAuth(r.Header.Get("Authorization")); err == nil {
		req = loginRequest{Username: username, Password: password, DeviceName: r.URL.Query().Get("device_name")}
	} else if err := decodeJSON(w, r, &req); err != nil {
		writeDomainError(w, r, err)
		return
	}

	pair, err := h.accounts.Login(r.Context(), req.Username, req.Password, deviceFrom(r, req.DeviceName))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// Refresh handles POST /auth/refresh.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDomainError(w, r, err)
		return
	}
	pair, err := h.sessions.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// Logout handles POST /auth/logout. Unknown or stale tokens succeed silently.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDomainError(w, r, err)
		return
	}
	if err := h.sessions.Logout(r.Context(), req.RefreshToken); err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Me handles GET /auth/me.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	profile, err := h.accounts.Profile(r.Context(), caller(r).AccountID())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ProfileResponse{
		AccountResponse: accountResponse(profile.Account),
		Roles:           nonNil(profile.Roles),
		Permissions:     nonNil(profile.Permissions),
	})
}

// ChangePassword handles POST /auth/password. It signs out every session,
// the caller's included.
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	us := caller(r)
	if us.Kind() != domain.CredentialSession {
		writeDomainError(w, r, service.ErrAPIKeyNotAllowed)
		return
	}
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDomainError(w, r, err)
		return
	}
	if err := h.accounts.ChangePassword(r.Context(), us.AccountID(), req.CurrentPassword, req.NewPassword); err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
