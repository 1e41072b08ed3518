package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dlddu/tiny-identity/internal/domain"
)

type pgChallengeRepository struct {
	db *sql.DB
}

// NewPgChallengeRepository creates a PostgreSQL-backed PasskeyChallengeRepository.
func NewPgChallengeRepository(db *sql.DB) PasskeyChallengeRepository {
	return &pgChallengeRepository{db: db}
}

const challengeColumns = `
	id, challenge, account_id, challenge_type, options, credential_name,
	created_at, expires_at`

func scanChallenge(row rowScanner) (*domain.PasskeyChallenge, error) {
	var c domain.PasskeyChallenge
	err := row.Scan(
		&c.ID,
		&c.Challenge,
		&c.AccountID,
		&c.Type,
		&c.Options,
		&c.CredentialName,
		&c.CreatedAt,
		&c.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *pgChallengeRepository) Find(ctx context.Context, id string) (*domain.PasskeyChallenge, error) {
	query := `SELECT` + challengeColumns + `
		FROM passkey_challenges
		WHERE id = $1
	`
	c, err := scanChallenge(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, translate(err, ErrChallengeNotFound)
	}
	return c, nil
}

func (r *pgChallengeRepository) Save(ctx context.Context, c *domain.PasskeyChallenge) error {
	if c == nil {
		return errors.New("challenge cannot be nil")
	}
	query := `
		INSERT INTO passkey_challenges (
			id, challenge, account_id, challenge_type, options, credential_name,
			created_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.ExecContext(
		ctx,
		query,
		c.ID,
		c.Challenge,
		c.AccountID,
		string(c.Type),
		c.Options,
		c.CredentialName,
		c.CreatedAt,
		c.ExpiresAt,
	)
	return translate(err, ErrChallengeNotFound)
}

func (r *pgChallengeRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM passkey_challenges WHERE id = $1`, id)
	return err
}

// Consume relies on DELETE ... RETURNING: only one statement can remove the row.
func (r *pgChallengeRepository) Consume(ctx context.Context, id string) (*domain.PasskeyChallenge, error) {
	query := `
		DELETE FROM passkey_challenges
		WHERE id = $1
		RETURNING` + challengeColumns
	c, err := scanChallenge(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, translate(err, ErrChallengeNotFound)
	}
	return c, nil
}

type pgCredentialRepository struct {
	db *sql.DB
}

// NewPgCredentialRepository creates a PostgreSQL-backed PasskeyCredentialRepository.
func NewPgCredentialRepository(db *sql.DB) PasskeyCredentialRepository {
	return &pgCredentialRepository{db: db}
}

const credentialColumns = `
	id, account_id, name, credential_id, public_key, algorithm, sign_count,
	aaguid, user_handle, attestation_format, registered_at, last_used_at`

func scanCredential(row rowScanner) (*domain.PasskeyCredential, error) {
	var (
		c          domain.PasskeyCredential
		signCount  int64
		lastUsedAt sql.NullTime
	)
	err := row.Scan(
		&c.ID,
		&c.AccountID,
		&c.Name,
		&c.CredentialID,
		&c.PublicKey,
		&c.Algorithm,
		&signCount,
		&c.AAGUID,
		&c.UserHandle,
		&c.AttestationFormat,
		&c.RegisteredAt,
		&lastUsedAt,
	)
	if err != nil {
		return nil, err
	}
	c.SignCount = uint32(signCount)
	c.LastUsedAt = timePtr(lastUsedAt)
	return &c, nil
}

func (r *pgCredentialRepository) FindByCredentialID(ctx context.Context, credentialID []byte) (*domain.PasskeyCredential, error) {
	if len(credentialID) == 0 {
		return nil, ErrCredentialNotFound
	}
	query := `SELECT` + credentialColumns + `
		FROM passkey_credentials
		WHERE credential_id = $1
	`
	c, err := scanCredential(r.db.QueryRowContext(ctx, query, credentialID))
	if err != nil {
		return nil, translate(err, ErrCredentialNotFound)
	}
	return c, nil
}

func (r *pgCredentialRepository) ListByAccount(ctx context.Context, accountID string) ([]*domain.PasskeyCredential, error) {
	query := `SELECT` + credentialColumns + `
		FROM passkey_credentials
		WHERE account_id = $1
		ORDER BY registered_at
	`
	rows, err := r.db.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("query passkey credentials: %w", err)
	}
	defer rows.Close()

	var out []*domain.PasskeyCredential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan passkey credential: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *pgCredentialRepository) Save(ctx context.Context, c *domain.PasskeyCredential) error {
	if c == nil {
		return errors.New("credential cannot be nil")
	}
	query := `
		INSERT INTO passkey_credentials (
			id, account_id, name, credential_id, public_key, algorithm, sign_count,
			aaguid, user_handle, attestation_format, registered_at, last_used_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name
	`
	_, err := r.db.ExecContext(
		ctx,
		query,
		c.ID,
		c.AccountID,
		c.Name,
		c.CredentialID,
		c.PublicKey,
		c.Algorithm,
		int64(c.SignCount),
		c.AAGUID,
		c.UserHandle,
		c.AttestationFormat,
		c.RegisteredAt,
		nullTimePtr(c.LastUsedAt),
	)
	return translate(err, ErrCredentialNotFound)
}

// UpdateCounter is a compare-and-set on sign_count, so two assertions that
// read the same counter cannot both be accepted.
func (r *pgCredentialRepository) UpdateCounter(ctx context.Context, id string, expected, next uint32, usedAt time.Time) error {
	query := `
		UPDATE passkey_credentials
		SET sign_count = $3, last_used_at = $4
		WHERE id = $1 AND sign_count = $2
	`
	res, err := r.db.ExecContext(ctx, query, id, int64(expected), int64(next), usedAt)
	if err != nil {
		return fmt.Errorf("update passkey counter: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update passkey counter: %w", err)
	}
	if n == 0 {
		return ErrCounterConflict
	}
	return nil
}
