package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dlddu/tiny-identity/internal/domain"
)

// SessionResponse describes one live session.
type SessionResponse struct {
	ID         string    `json:"id"`
	DeviceName string    `json:"device_name,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	IP         string    `json:"ip,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	IsCurrent  bool      `json:"is_current"`
}

type revokeAllResponse struct {
	Revoked int `json:"revoked"`
}

// SessionHandler serves the caller's session list and revocation.
type SessionHandler struct {
	sessions SessionServiceInterface
}

func NewSessionHandler(sessions SessionServiceInterface) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

// List handles GET /auth/sessions.
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	us := caller(r)
	views, err := h.sessions.List(r.Context(), us.AccountID(), us.SessionID())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	out := make([]SessionResponse, 0, len(views))
	for _, v := range views {
		out = append(out, SessionResponse{
			ID:         v.Session.ID,
			DeviceName: v.Session.Device.Name,
			UserAgent:  v.Session.Device.UserAgent,
			IP:         v.Session.Device.IP,
			CreatedAt:  v.Session.CreatedAt,
			LastUsedAt: v.Session.LastUsedAt,
			ExpiresAt:  v.Session.ExpiresAt,
			IsCurrent:  v.Current,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// Revoke handles DELETE /auth/sessions/{id}.
func (h *SessionHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Revoke(r.Context(), caller(r).AccountID(), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RevokeAll handles POST /auth/sessions/revoke-all. The count includes the
// caller's own session.
func (h *SessionHandler) RevokeAll(w http.ResponseWriter, r *http.Request) {
	n, err := h.sessions.RevokeAll(r.Context(), caller(r).AccountID(), domain.RevokedByRevokeAll)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, revokeAllResponse{Revoked: n})
}
