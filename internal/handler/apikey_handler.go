package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dlddu/tiny-identity/internal/domain"
	"github.com/dlddu/tiny-identity/internal/service"
)

// APIKeyServiceInterface defines the API key operations the handlers use
type APIKeyServiceInterface interface {
	APIKeyAuthenticator
	Create(ctx context.Context, creator domain.UserSession, name string, expiresAt *time.Time) (*service.CreatedAPIKey, error)
	List(ctx context.Context, accountID string) ([]*domain.APIKey, error)
	Revoke(ctx context.Context, accountID, keyID string) error
}

type createAPIKeyRequest struct {
	Name      string     `json:"name" validate:"required,max=100"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// APIKeyResponse describes a key without its secret.
type APIKeyResponse struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Prefix     string     `json:"prefix"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// CreatedAPIKeyResponse carries the raw key. It is shown exactly once.
type CreatedAPIKeyResponse struct {
	APIKeyResponse
	Key string `json:"key"`
}

func apiKeyResponse(k *domain.APIKey) APIKeyResponse {
	return APIKeyResponse{
		ID:         k.ID,
		Name:       k.Name,
		Prefix:     k.Prefix,
		CreatedAt:  k.CreatedAt,
		ExpiresAt:  k.ExpiresAt,
		LastUsedAt: k.LastUsedAt,
	}
}

// APIKeyHandler serves API key management for the caller.
type APIKeyHandler struct {
	keys APIKeyServiceInterface
}

func NewAPIKeyHandler(keys APIKeyServiceInterface) *APIKeyHandler {
	return &APIKeyHandler{keys: keys}
}

// Create handles POST /auth/api-keys.
func (h *APIKeyHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createAPIKeyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDomainError(w, r, err)
		return
	}
	created, err := h.keys.Create(r.Context(), caller(r), req.Name, req.ExpiresAt)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, CreatedAPIKeyResponse{
		APIKeyResponse: apiKeyResponse(created.APIKey),
		Key:            created.Key,
	})
}

// List handles GET /auth/api-keys.
func (h *APIKeyHandler) List(w http.ResponseWriter, r *http.Request) {
	keys, err := h.keys.List(r.Context(), caller(r).AccountID())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	out := make([]APIKeyResponse, 0, len(keys))
	for _, k := range keys {
		out = append(out, apiKeyResponse(k))
	}
	writeJSON(w, http.StatusOK, out)
}

// Revoke handles DELETE /auth/api-keys/{id}.
func (h *APIKeyHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	if err := h.keys.Revoke(r.Context(), caller(r).AccountID(), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
