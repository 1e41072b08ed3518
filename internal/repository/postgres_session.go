package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dlddu/tiny-identity/internal/domain"
)

type pgSessionRepository struct {
	db *sql.DB
}

// NewPgSessionRepository creates a PostgreSQL-backed SessionRepository.
func NewPgSessionRepository(db *sql.DB) SessionRepository {
	return &pgSessionRepository{db: db}
}

const sessionColumns = `
	id, account_id, refresh_token_hash, generation, device_name, user_agent,
	ip_address, created_at, last_used_at, expires_at, revoked, revoked_at,
	revoked_reason`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var (
		s         domain.Session
		revokedAt sql.NullTime
	)
	err := row.Scan(
		&s.ID,
		&s.AccountID,
		&s.RefreshTokenHash,
		&s.Generation,
		&s.Device.Name,
		&s.Device.UserAgent,
		&s.Device.IP,
		&s.CreatedAt,
		&s.LastUsedAt,
		&s.ExpiresAt,
		&s.Revoked,
		&revokedAt,
		&s.RevokedReason,
	)
	if err != nil {
		return nil, err
	}
	s.RevokedAt = timePtr(revokedAt)
	return &s, nil
}

func (r *pgSessionRepository) FindByID(ctx context.Context, id string) (*domain.Session, error) {
	if id == "" {
		return nil, ErrSessionNotFound
	}
	query := `SELECT` + sessionColumns + `
		FROM sessions
		WHERE id = $1
	`
	s, err := scanSession(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, translate(err, ErrSessionNotFound)
	}
	return s, nil
}

func (r *pgSessionRepository) FindByHash(ctx context.Context, refreshTokenHash string) (*domain.Session, error) {
	if refreshTokenHash == "" {
		return nil, ErrSessionNotFound
	}
	query := `SELECT` + sessionColumns + `
		FROM sessions
		WHERE refresh_token_hash = $1
	`
	s, err := scanSession(r.db.QueryRowContext(ctx, query, refreshTokenHash))
	if err != nil {
		return nil, translate(err, ErrSessionNotFound)
	}
	return s, nil
}

func (r *pgSessionRepository) ListByAccount(ctx context.Context, accountID string) ([]*domain.Session, error) {
	query := `SELECT` + sessionColumns + `
		FROM sessions
		WHERE account_id = $1 AND NOT revoked
		ORDER BY created_at, id
	`
	rows, err := r.db.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Save inserts a new session or overwrites an existing one. Refresh hash
// changes must go through Rotate.
func (r *pgSessionRepository) Save(ctx context.Context, s *domain.Session) error {
	if s == nil {
		return errors.New("session cannot be nil")
	}
	query := `
		INSERT INTO sessions (
			id, account_id, refresh_token_hash, generation, device_name, user_agent,
			ip_address, created_at, last_used_at, expires_at, revoked, revoked_at,
			revoked_reason
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			last_used_at = EXCLUDED.last_used_at,
			expires_at = EXCLUDED.expires_at,
			revoked = sessions.revoked OR EXCLUDED.revoked,
			revoked_at = COALESCE(sessions.revoked_at, EXCLUDED.revoked_at),
			revoked_reason = CASE WHEN sessions.revoked THEN sessions.revoked_reason ELSE EXCLUDED.revoked_reason END
	`
	_, err := r.db.ExecContext(
		ctx,
		query,
		s.ID,
		s.AccountID,
		s.RefreshTokenHash,
		s.Generation,
		s.Device.Name,
		s.Device.UserAgent,
		s.Device.IP,
		s.CreatedAt,
		s.LastUsedAt,
		s.ExpiresAt,
		s.Revoked,
		nullTimePtr(s.RevokedAt),
		s.RevokedReason,
	)
	return translate(err, ErrSessionNotFound)
}

func (r *pgSessionRepository) Rotate(ctx context.Context, s *domain.Session, expectedHash string) error {
	query := `
		UPDATE sessions
		SET refresh_token_hash = $3, generation = $4, last_used_at = $5, expires_at = $6
		WHERE id = $1 AND refresh_token_hash = $2 AND NOT revoked
	`
	result, err := r.db.ExecContext(
		ctx,
		query,
		s.ID,
		expectedHash,
		s.RefreshTokenHash,
		s.Generation,
		s.LastUsedAt,
		s.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("rotate session %s: %w", s.ID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrRotationConflict
	}
	return nil
}

func (r *pgSessionRepository) RevokeAllForAccount(ctx context.Context, accountID, reason string, now time.Time) (int, error) {
	query := `
		UPDATE sessions
		SET revoked = TRUE, revoked_at = $2, revoked_reason = $3
		WHERE account_id = $1 AND NOT revoked AND expires_at > $2
	`
	result, err := r.db.ExecContext(ctx, query, accountID, now, reason)
	if err != nil {
		return 0, fmt.Errorf("revoke sessions of %s: %w", accountID, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(rowsAffected), nil
}
