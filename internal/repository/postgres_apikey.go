package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dlddu/tiny-identity/internal/domain"
	"github.com/dlddu/tiny-identity/internal/permission"
)

type pgAPIKeyRepository struct {
	db *sql.DB
}

// NewPgAPIKeyRepository creates a PostgreSQL-backed APIKeyRepository.
func NewPgAPIKeyRepository(db *sql.DB) APIKeyRepository {
	return &pgAPIKeyRepository{db: db}
}

const apiKeyColumns = `
	id, account_id, name, key_hash, key_prefix, scope, created_at,
	expires_at, last_used_at, revoked_at`

func scanAPIKey(row rowScanner) (*domain.APIKey, error) {
	var (
		k          domain.APIKey
		scope      []byte
		expiresAt  sql.NullTime
		lastUsedAt sql.NullTime
		revokedAt  sql.NullTime
	)
	err := row.Scan(
		&k.ID,
		&k.AccountID,
		&k.Name,
		&k.KeyHash,
		&k.Prefix,
		&scope,
		&k.CreatedAt,
		&expiresAt,
		&lastUsedAt,
		&revokedAt,
	)
	if err != nil {
		return nil, err
	}

	var directives []string
	if err := decodeJSON(scope, &directives); err != nil {
		return nil, fmt.Errorf("decode scope of api key %s: %w", k.ID, err)
	}
	if k.Scope, err = permission.ParseScope(directives); err != nil {
		return nil, fmt.Errorf("parse scope of api key %s: %w", k.ID, err)
	}
	k.ExpiresAt = timePtr(expiresAt)
	k.LastUsedAt = timePtr(lastUsedAt)
	k.RevokedAt = timePtr(revokedAt)
	return &k, nil
}

func (r *pgAPIKeyRepository) FindByID(ctx context.Context, id string) (*domain.APIKey, error) {
	if id == "" {
		return nil, ErrAPIKeyNotFound
	}
	query := `SELECT` + apiKeyColumns + `
		FROM api_keys
		WHERE id = $1
	`
	k, err := scanAPIKey(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, translate(err, ErrAPIKeyNotFound)
	}
	return k, nil
}

func (r *pgAPIKeyRepository) ListByAccount(ctx context.Context, accountID string) ([]*domain.APIKey, error) {
	query := `SELECT` + apiKeyColumns + `
		FROM api_keys
		WHERE account_id = $1 AND revoked_at IS NULL
		ORDER BY created_at
	`
	rows, err := r.db.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("query api keys: %w", err)
	}
	defer rows.Close()

	var out []*domain.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (r *pgAPIKeyRepository) Save(ctx context.Context, k *domain.APIKey) error {
	if k == nil {
		return errors.New("api key cannot be nil")
	}
	scope, err := encodeJSON(k.Scope.Strings())
	if err != nil {
		return fmt.Errorf("encode scope: %w", err)
	}
	query := `
		INSERT INTO api_keys (
			id, account_id, name, key_hash, key_prefix, scope, created_at,
			expires_at, last_used_at, revoked_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			last_used_at = EXCLUDED.last_used_at,
			revoked_at = COALESCE(api_keys.revoked_at, EXCLUDED.revoked_at)
	`
	_, err = r.db.ExecContext(
		ctx,
		query,
		k.ID,
		k.AccountID,
		k.Name,
		k.KeyHash,
		k.Prefix,
		scope,
		k.CreatedAt,
		nullTimePtr(k.ExpiresAt),
		nullTimePtr(k.LastUsedAt),
		nullTimePtr(k.RevokedAt),
	)
	return translate(err, ErrAPIKeyNotFound)
}

// NewPostgresStore wires every repository to db.
func NewPostgresStore(db *sql.DB) *Store {
	return &Store{
		Accounts:    NewPgAccountRepository(db),
		Sessions:    NewPgSessionRepository(db),
		Roles:       NewPgRoleRepository(db),
		Challenges:  NewPgChallengeRepository(db),
		Credentials: NewPgCredentialRepository(db),
		APIKeys:     NewPgAPIKeyRepository(db),
	}
}
