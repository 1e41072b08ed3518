package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/dlddu/tiny-identity/internal/domain"
	"github.com/dlddu/tiny-identity/internal/permission"
	"github.com/dlddu/tiny-identity/internal/repository"
)

// ownTemplate scopes a permission to the assignee's own account.
func ownTemplate(perm string) string {
	return perm + "?" + domain.ParamAccountID + "={" + domain.ParamAccountID + "}"
}

// ownedTemplate scopes a permission family to rows owned by the assignee.
func ownedTemplate(family string) string {
	return family + ":*?" + permission.ParamOwnerID + "={" + domain.ParamAccountID + "}"
}

// SystemRoles returns the built-in roles created at bootstrap.
func SystemRoles() []domain.Role {
	return []domain.Role{
		{
			Code:        domain.RoleUser,
			Name:        "User",
			Description: "Self-service access to the account's own identity and business data",
			System:      true,
			Templates: []string{
				ownTemplate(permission.AccountsRead),
				ownTemplate(permission.SessionsRead),
				ownTemplate(permission.SessionsRevoke),
				ownTemplate(permission.APIKeysCreate),
				ownTemplate(permission.APIKeysRead),
				ownTemplate(permission.APIKeysRevoke),
				ownTemplate(permission.TokensRefresh),
				ownTemplate(permission.PasskeysManage),
				ownedTemplate("portfolios"),
				ownedTemplate("orders"),
				ownedTemplate("bots"),
			},
		},
		{
			Code:        domain.RoleAdmin,
			Name:        "Administrator",
			Description: "Unrestricted access",
			System:      true,
			Templates:   []string{"*"},
		},
	}
}

// RoleService manages role definitions.
type RoleService struct {
	roles repository.RoleRepository
	options
}

// NewRoleService creates a RoleService.
func NewRoleService(roles repository.RoleRepository, opts ...Option) *RoleService {
	return &RoleService{roles: roles, options: defaultOptions("roles", opts)}
}

// Bootstrap creates missing system roles. Existing roles are left alone so
// operators can tune their templates.
func (s *RoleService) Bootstrap(ctx context.Context) error {
	now := s.now()
	for _, def := range SystemRoles() {
		_, err := s.roles.FindByCode(ctx, def.Code)
		if err == nil {
			continue
		}
		if !errors.Is(err, repository.ErrRoleNotFound) {
			return fmt.Errorf("find role %s: %w", def.Code, err)
		}
		role := def
		role.ID = uuid.New().String()
		role.CreatedAt = now
		role.UpdatedAt = now
		if err := s.roles.Save(ctx, &role); err != nil {
			return fmt.Errorf("create role %s: %w", def.Code, err)
		}
		s.log.Info().Str("role", role.Code).Msg("system role created")
	}
	return nil
}

// CreateRoleRequest describes a custom role.
type CreateRoleRequest struct {
	Code        string
	Name        string
	Description string
	Templates   []string
}

// Create adds a custom role.
func (s *RoleService) Create(ctx context.Context, req CreateRoleRequest) (*domain.Role, error) {
	now := s.now()
	role := &domain.Role{
		ID:          uuid.New().String(),
		Code:        strings.ToLower(strings.TrimSpace(req.Code)),
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
		Templates:   append([]string(nil), req.Templates...),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := role.Validate(); err != nil {
		return nil, err
	}
	if err := s.roles.Save(ctx, role); err != nil {
		return nil, err
	}
	return role, nil
}

// Delete removes a custom role. System roles cannot be deleted.
func (s *RoleService) Delete(ctx context.Context, id string) error {
	return s.roles.Delete(ctx, id)
}

// List returns all roles ordered by code.
func (s *RoleService) List(ctx context.Context) ([]*domain.Role, error) {
	return s.roles.List(ctx)
}

// FindByCode returns the role with code.
func (s *RoleService) FindByCode(ctx context.Context, code string) (*domain.Role, error) {
	return s.roles.FindByCode(ctx, strings.ToLower(strings.TrimSpace(code)))
}
