package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/dlddu/tiny-identity/internal/domain"
)

type pgRoleRepository struct {
	db *sql.DB
}

// NewPgRoleRepository creates a PostgreSQL-backed RoleRepository.
func NewPgRoleRepository(db *sql.DB) RoleRepository {
	return &pgRoleRepository{db: db}
}

const roleColumns = `
	id, code, name, description, is_system, templates, created_at, updated_at`

func scanRole(row rowScanner) (*domain.Role, error) {
	var (
		role      domain.Role
		templates []byte
	)
	err := row.Scan(
		&role.ID,
		&role.Code,
		&role.Name,
		&role.Description,
		&role.System,
		&templates,
		&role.CreatedAt,
		&role.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(templates, &role.Templates); err != nil {
		return nil, fmt.Errorf("decode templates of role %s: %w", role.Code, err)
	}
	return &role, nil
}

func (r *pgRoleRepository) FindByID(ctx context.Context, id string) (*domain.Role, error) {
	query := `SELECT` + roleColumns + `
		FROM roles
		WHERE id = $1
	`
	role, err := scanRole(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, translate(err, ErrRoleNotFound)
	}
	return role, nil
}

func (r *pgRoleRepository) FindByCode(ctx context.Context, code string) (*domain.Role, error) {
	query := `SELECT` + roleColumns + `
		FROM roles
		WHERE code = $1
	`
	role, err := scanRole(r.db.QueryRowContext(ctx, query, code))
	if err != nil {
		return nil, translate(err, ErrRoleNotFound)
	}
	return role, nil
}

func (r *pgRoleRepository) FindByIDs(ctx context.Context, ids []string) (map[string]*domain.Role, error) {
	out := make(map[string]*domain.Role, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	query := `SELECT` + roleColumns + `
		FROM roles
		WHERE id IN (` + strings.Join(placeholders, ", ") + `)
	`
	roles, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	for _, role := range roles {
		out[role.ID] = role
	}
	return out, nil
}

func (r *pgRoleRepository) List(ctx context.Context) ([]*domain.Role, error) {
	query := `SELECT` + roleColumns + `
		FROM roles
		ORDER BY code
	`
	return r.query(ctx, query)
}

func (r *pgRoleRepository) query(ctx context.Context, query string, args ...any) ([]*domain.Role, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query roles: %w", err)
	}
	defer rows.Close()

	var out []*domain.Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, rows.Err()
}

func (r *pgRoleRepository) Save(ctx context.Context, role *domain.Role) error {
	if role == nil {
		return errors.New("role cannot be nil")
	}
	templates, err := encodeJSON(role.Templates)
	if err != nil {
		return fmt.Errorf("encode templates: %w", err)
	}
	query := `
		INSERT INTO roles (id, code, name, description, is_system, templates, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			code = EXCLUDED.code,
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			is_system = EXCLUDED.is_system,
			templates = EXCLUDED.templates,
			updated_at = EXCLUDED.updated_at
	`
	_, err = r.db.ExecContext(
		ctx,
		query,
		role.ID,
		role.Code,
		role.Name,
		role.Description,
		role.System,
		templates,
		role.CreatedAt,
		role.UpdatedAt,
	)
	return translate(err, ErrRoleNotFound)
}

// Delete removes a non-system role.
func (r *pgRoleRepository) Delete(ctx context.Context, id string) error {
	role, err := r.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if role.System {
		return ErrSystemRole
	}

	result, err := r.db.ExecContext(ctx, `DELETE FROM roles WHERE id = $1 AND NOT is_system`, id)
	if err != nil {
		return err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrRoleNotFound
	}
	return nil
}
