package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/dlddu/tiny-identity/internal/domain"
)

type pgAccountRepository struct {
	db *sql.DB
}

// NewPgAccountRepository creates a PostgreSQL-backed AccountRepository.
func NewPgAccountRepository(db *sql.DB) AccountRepository {
	return &pgAccountRepository{db: db}
}

const accountColumns = `
	a.id, a.username, a.display_name, a.email, a.email_verified, a.password_hash,
	a.status, a.locked_until, a.failed_logins, a.must_reset_password,
	a.grants, a.roles, a.created_at, a.updated_at`

func (r *pgAccountRepository) FindByID(ctx context.Context, id string) (*domain.Account, error) {
	if id == "" {
		return nil, ErrAccountNotFound
	}
	query := `SELECT` + accountColumns + `
		FROM accounts a
		WHERE a.id = $1
	`
	return r.findOne(ctx, query, id)
}

func (r *pgAccountRepository) FindByUsername(ctx context.Context, username string) (*domain.Account, error) {
	username = domain.NormalizeUsername(username)
	if username == "" {
		return nil, ErrAccountNotFound
	}
	query := `SELECT` + accountColumns + `
		FROM accounts a
		WHERE a.username = $1
	`
	return r.findOne(ctx, query, username)
}

func (r *pgAccountRepository) FindByEmail(ctx context.Context, email string) (*domain.Account, error) {
	email = domain.NormalizeEmail(email)
	if email == "" {
		return nil, ErrAccountNotFound
	}
	query := `SELECT` + accountColumns + `
		FROM accounts a
		WHERE a.email = $1
	`
	return r.findOne(ctx, query, email)
}

func (r *pgAccountRepository) FindByExternalIdentity(ctx context.Context, provider, subject string) (*domain.Account, error) {
	if provider == "" || subject == "" {
		return nil, ErrAccountNotFound
	}
	query := `SELECT` + accountColumns + `
		FROM accounts a
		JOIN account_identities i ON i.account_id = a.id
		WHERE i.provider = $1 AND i.subject = $2
	`
	return r.findOne(ctx, query, provider, subject)
}

func (r *pgAccountRepository) findOne(ctx context.Context, query string, args ...any) (*domain.Account, error) {
	var (
		snap        domain.AccountSnapshot
		email       sql.NullString
		lockedUntil sql.NullTime
		grants      []byte
		roles       []byte
	)
	err := r.db.QueryRowContext(ctx, query, args...).Scan(
		&snap.ID,
		&snap.Username,
		&snap.DisplayName,
		&email,
		&snap.EmailVerified,
		&snap.PasswordHash,
		&snap.Status,
		&lockedUntil,
		&snap.FailedLogins,
		&snap.MustResetPassword,
		&grants,
		&roles,
		&snap.CreatedAt,
		&snap.UpdatedAt,
	)
	if err != nil {
		return nil, translate(err, ErrAccountNotFound)
	}

	snap.Email = email.String
	if lockedUntil.Valid {
		snap.LockedUntil = lockedUntil.Time
	}
	if err := decodeJSON(grants, &snap.Grants); err != nil {
		return nil, fmt.Errorf("decode grants of account %s: %w", snap.ID, err)
	}
	if err := decodeJSON(roles, &snap.Roles); err != nil {
		return nil, fmt.Errorf("decode roles of account %s: %w", snap.ID, err)
	}

	snap.Identities, err = r.identities(ctx, snap.ID)
	if err != nil {
		return nil, err
	}
	return domain.RehydrateAccount(snap)
}

func (r *pgAccountRepository) identities(ctx context.Context, accountID string) ([]domain.ExternalIdentity, error) {
	query := `
		SELECT provider, subject, linked_at
		FROM account_identities
		WHERE account_id = $1
		ORDER BY linked_at
	`
	rows, err := r.db.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("query identities: %w", err)
	}
	defer rows.Close()

	var out []domain.ExternalIdentity
	for rows.Next() {
		var id domain.ExternalIdentity
		if err := rows.Scan(&id.Provider, &id.Subject, &id.LinkedAt); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Save upserts the account row and replaces its identity links in one
// transaction.
func (r *pgAccountRepository) Save(ctx context.Context, account *domain.Account) error {
	if account == nil {
		return errors.New("account cannot be nil")
	}
	snap := account.Snapshot()

	grants, err := encodeJSON(snap.Grants)
	if err != nil {
		return fmt.Errorf("encode grants: %w", err)
	}
	roles, err := encodeJSON(snap.Roles)
	if err != nil {
		return fmt.Errorf("encode roles: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin account save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	upsert := `
		INSERT INTO accounts (
			id, username, display_name, email, email_verified, password_hash,
			status, locked_until, failed_logins, must_reset_password,
			grants, roles, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			username = EXCLUDED.username,
			display_name = EXCLUDED.display_name,
			email = EXCLUDED.email,
			email_verified = EXCLUDED.email_verified,
			password_hash = EXCLUDED.password_hash,
			status = EXCLUDED.status,
			locked_until = EXCLUDED.locked_until,
			failed_logins = EXCLUDED.failed_logins,
			must_reset_password = EXCLUDED.must_reset_password,
			grants = EXCLUDED.grants,
			roles = EXCLUDED.roles,
			updated_at = EXCLUDED.updated_at
	`
	_, err = tx.ExecContext(
		ctx,
		upsert,
		snap.ID,
		snap.Username,
		snap.DisplayName,
		nullString(snap.Email),
		snap.EmailVerified,
		snap.PasswordHash,
		string(snap.Status),
		nullTime(snap.LockedUntil),
		snap.FailedLogins,
		snap.MustResetPassword,
		grants,
		roles,
		snap.CreatedAt,
		snap.UpdatedAt,
	)
	if err != nil {
		return translate(err, ErrAccountNotFound)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM account_identities WHERE account_id = $1`, snap.ID); err != nil {
		return fmt.Errorf("clear identities: %w", err)
	}
	for _, id := range snap.Identities {
		_, err := tx.ExecContext(
			ctx,
			`INSERT INTO account_identities (provider, subject, account_id, linked_at) VALUES ($1, $2, $3, $4)`,
			id.Provider,
			id.Subject,
			snap.ID,
			id.LinkedAt,
		)
		if err != nil {
			return translate(err, ErrAccountNotFound)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit account save: %w", err)
	}
	return nil
}

func encodeJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

// decodeJSON treats an empty column as the zero value.
func decodeJSON(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
