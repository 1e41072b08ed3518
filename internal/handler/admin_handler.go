package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dlddu/tiny-identity/internal/domain"
	"github.com/dlddu/tiny-identity/internal/service"
)

// RoleServiceInterface defines the role operations the handlers use
type RoleServiceInterface interface {
	Create(ctx context.Context, req service.CreateRoleRequest) (*domain.Role, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*domain.Role, error)
}

type assignRoleRequest struct {
	RoleCode string            `json:"role_code" validate:"required,max=64"`
	Bindings map[string]string `json:"bindings"`
}

type createRoleRequest struct {
	Code        string   `json:"code" validate:"required,max=64"`
	Name        string   `json:"name" validate:"required,max=100"`
	Description string   `json:"description" validate:"max=500"`
	Templates   []string `json:"templates" validate:"required,min=1,dive,required"`
}

// AdminHandler serves account administration and role management.
type AdminHandler struct {
	accounts AccountServiceInterface
	roles    RoleServiceInterface
}

func NewAdminHandler(accounts AccountServiceInterface, roles RoleServiceInterface) *AdminHandler {
	return &AdminHandler{accounts: accounts, roles: roles}
}

// Suspend handles POST /admin/accounts/{id}/suspend.
func (h *AdminHandler) Suspend(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.accounts.Suspend)
}

// Deactivate handles POST /admin/accounts/{id}/deactivate.
func (h *AdminHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.accounts.Deactivate)
}

// Unlock handles POST /admin/accounts/{id}/unlock.
func (h *AdminHandler) Unlock(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.accounts.Unlock)
}

func (h *AdminHandler) transition(w http.ResponseWriter, r *http.Request, apply func(context.Context, string) error) {
	if err := apply(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AssignRole handles POST /admin/accounts/{id}/roles.
func (h *AdminHandler) AssignRole(w http.ResponseWriter, r *http.Request) {
	var req assignRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDomainError(w, r, err)
		return
	}
	if err := h.accounts.AssignRole(r.Context(), chi.URLParam(r, "id"), req.RoleCode, req.Bindings); err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListRoles handles GET /admin/roles.
func (h *AdminHandler) ListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.roles.List(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if roles == nil {
		roles = []*domain.Role{}
	}
	writeJSON(w, http.StatusOK, roles)
}

// CreateRole handles POST /admin/roles.
func (h *AdminHandler) CreateRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDomainError(w, r, err)
		return
	}
	role, err := h.roles.Create(r.Context(), service.CreateRoleRequest{
		Code:        req.Code,
		Name:        req.Name,
		Description: req.Description,
		Templates:   req.Templates,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, role)
}

// DeleteRole handles DELETE /admin/roles/{id}.
func (h *AdminHandler) DeleteRole(w http.ResponseWriter, r *http.Request) {
	if err := h.roles.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
