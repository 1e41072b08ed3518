package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dlddu/tiny-identity/internal/domain"
	"github.com/dlddu/tiny-identity/internal/permission"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func expectationsMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

var accountRowColumns = []string{
	"id", "username", "display_name", "email", "email_verified", "password_hash",
	"status", "locked_until", "failed_logins", "must_reset_password",
	"grants", "roles", "created_at", "updated_at",
}

func TestPgAccountRepository_FindByUsername(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPgAccountRepository(db)

	mock.ExpectQuery("FROM accounts a\\s+WHERE a.username = \\$1").
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows(accountRowColumns).AddRow(
			"acc-1", "alice", "Alice", "alice@example.com", true, "hash",
			"active", nil, int64(2), false,
			[]byte(`["reports:read"]`), []byte(`[{"role_id":"role-user","bindings":{"accountId":"acc-1"}}]`),
			testNow, testNow,
		))
	mock.ExpectQuery("FROM account_identities").
		WithArgs("acc-1").
		WillReturnRows(sqlmock.NewRows([]string{"provider", "subject", "linked_at"}).AddRow("github", "42", testNow))

	account, err := repo.FindByUsername(context.Background(), "  Alice ")
	if err != nil {
		t.Fatalf("FindByUsername: %v", err)
	}

	if account.ID() != "acc-1" || account.Status() != domain.StatusActive {
		t.Errorf("unexpected account %s / %s", account.ID(), account.Status())
	}
	if account.FailedLogins() != 2 {
		t.Errorf("FailedLogins() = %d, want 2", account.FailedLogins())
	}
	if got := account.Grants(); len(got) != 1 || got[0] != "reports:read" {
		t.Errorf("Grants() = %v", got)
	}
	if roles := account.Roles(); len(roles) != 1 || roles[0].Bindings[domain.ParamAccountID] != "acc-1" {
		t.Errorf("Roles() = %+v", roles)
	}
	if ids := account.Identities(); len(ids) != 1 || ids[0].Subject != "42" {
		t.Errorf("Identities() = %+v", ids)
	}
	expectationsMet(t, mock)
}

func TestPgAccountRepository_FindByID_NotFound(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPgAccountRepository(db)

	mock.ExpectQuery("FROM accounts a").WithArgs("missing").WillReturnError(sql.ErrNoRows)

	_, err := repo.FindByID(context.Background(), "missing")

	if !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected domain not-found kind, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestPgAccountRepository_Save(t *testing.T) {
	account, err := domain.NewAccount("acc-1", "alice", "alice@example.com", testNow)
	if err != nil {
		t.Fatalf("NewAccount: %v", err)
	}
	if err := account.LinkIdentity("GitHub", "42", testNow); err != nil {
		t.Fatalf("LinkIdentity: %v", err)
	}

	t.Run("should upsert account and replace identities", func(t *testing.T) {
		db, mock := newMock(t)
		repo := NewPgAccountRepository(db)

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO accounts").
			WithArgs("acc-1", "alice", "alice", "alice@example.com", false, "",
				"pending_activation", nil, 0, false,
				[]byte(`[]`), []byte(`[]`), testNow, testNow).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("DELETE FROM account_identities").WithArgs("acc-1").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("INSERT INTO account_identities").
			WithArgs("github", "42", "acc-1", testNow).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		if err := repo.Save(context.Background(), account); err != nil {
			t.Fatalf("Save: %v", err)
		}
		expectationsMet(t, mock)
	})

	t.Run("should report duplicates as conflict", func(t *testing.T) {
		db, mock := newMock(t)
		repo := NewPgAccountRepository(db)

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO accounts").WillReturnError(&pgconn.PgError{Code: "23505"})
		mock.ExpectRollback()

		err := repo.Save(context.Background(), account)

		if !errors.Is(err, ErrDuplicate) || domain.KindOf(err) != domain.KindConflict {
			t.Errorf("expected duplicate conflict, got %v", err)
		}
		expectationsMet(t, mock)
	})
}

var sessionRowColumns = []string{
	"id", "account_id", "refresh_token_hash", "generation", "device_name", "user_agent",
	"ip_address", "created_at", "last_used_at", "expires_at", "revoked", "revoked_at",
	"revoked_reason",
}

func TestPgSessionRepository_FindByHash(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPgSessionRepository(db)

	mock.ExpectQuery("FROM sessions\\s+WHERE refresh_token_hash = \\$1").
		WithArgs("hash-1").
		WillReturnRows(sqlmock.NewRows(sessionRowColumns).AddRow(
			"sess-1", "acc-1", "hash-1", int64(3), "laptop", "curl/8", "10.0.0.1",
			testNow, testNow, testNow.Add(time.Hour), true, testNow, domain.RevokedByTheft,
		))

	s, err := repo.FindByHash(context.Background(), "hash-1")
	if err != nil {
		t.Fatalf("FindByHash: %v", err)
	}

	if s.Generation != 3 || s.Device.Name != "laptop" || s.Device.IP != "10.0.0.1" {
		t.Errorf("unexpected session %+v", s)
	}
	if !s.Revoked || s.RevokedAt == nil || s.RevokedReason != domain.RevokedByTheft {
		t.Errorf("revocation not mapped: %+v", s)
	}
	expectationsMet(t, mock)
}

func TestPgSessionRepository_Rotate(t *testing.T) {
	s := &domain.Session{
		ID:               "sess-1",
		RefreshTokenHash: "new-hash",
		Generation:       2,
		LastUsedAt:       testNow,
		ExpiresAt:        testNow.Add(24 * time.Hour),
	}

	tests := []struct {
		name     string
		affected int64
		wantErr  error
	}{
		{name: "should rotate when the expected hash is current", affected: 1},
		{name: "should report a lost compare-and-swap", affected: 0, wantErr: ErrRotationConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMock(t)
			repo := NewPgSessionRepository(db)

			mock.ExpectExec("UPDATE sessions\\s+SET refresh_token_hash = \\$3.*WHERE id = \\$1 AND refresh_token_hash = \\$2 AND NOT revoked").
				WithArgs("sess-1", "old-hash", "new-hash", 2, testNow, testNow.Add(24*time.Hour)).
				WillReturnResult(sqlmock.NewResult(0, tt.affected))

			err := repo.Rotate(context.Background(), s, "old-hash")

			if tt.wantErr == nil && err != nil {
				t.Fatalf("Rotate: %v", err)
			}
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				if !errors.Is(err, domain.ErrRefreshTokenInvalid) {
					t.Errorf("conflict should surface as refresh token invalid, got %v", err)
				}
			}
			expectationsMet(t, mock)
		})
	}
}

func TestPgSessionRepository_RevokeAllForAccount(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPgSessionRepository(db)

	mock.ExpectExec("UPDATE sessions\\s+SET revoked = TRUE").
		WithArgs("acc-1", testNow, domain.RevokedByRevokeAll).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repo.RevokeAllForAccount(context.Background(), "acc-1", domain.RevokedByRevokeAll, testNow)
	if err != nil {
		t.Fatalf("RevokeAllForAccount: %v", err)
	}
	if n != 3 {
		t.Errorf("revoked = %d, want 3", n)
	}
	expectationsMet(t, mock)
}

var challengeRowColumns = []string{
	"id", "challenge", "account_id", "challenge_type", "options", "credential_name",
	"created_at", "expires_at",
}

func TestPgChallengeRepository_Consume(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPgChallengeRepository(db)

	mock.ExpectQuery("DELETE FROM passkey_challenges\\s+WHERE id = \\$1\\s+RETURNING").
		WithArgs("ch-1").
		WillReturnRows(sqlmock.NewRows(challengeRowColumns).AddRow(
			"ch-1", []byte("0123456789abcdef0123456789abcdef"), "acc-1", "registration",
			[]byte(`{}`), "YubiKey", testNow, testNow.Add(5*time.Minute),
		))
	mock.ExpectQuery("DELETE FROM passkey_challenges").
		WithArgs("ch-1").
		WillReturnError(sql.ErrNoRows)

	c, err := repo.Consume(context.Background(), "ch-1")
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if c.Type != domain.ChallengeRegistration || c.CredentialName != "YubiKey" {
		t.Errorf("unexpected challenge %+v", c)
	}

	if _, err := repo.Consume(context.Background(), "ch-1"); !errors.Is(err, ErrChallengeNotFound) {
		t.Errorf("second consume should find nothing, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestPgCredentialRepository_FindByCredentialID(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPgCredentialRepository(db)

	columns := []string{
		"id", "account_id", "name", "credential_id", "public_key", "algorithm", "sign_count",
		"aaguid", "user_handle", "attestation_format", "registered_at", "last_used_at",
	}
	mock.ExpectQuery("FROM passkey_credentials\\s+WHERE credential_id = \\$1").
		WithArgs([]byte{1, 2, 3}).
		WillReturnRows(sqlmock.NewRows(columns).AddRow(
			"cred-1", "acc-1", "phone", []byte{1, 2, 3}, []byte{9}, int64(domain.AlgES256), int64(41),
			nil, nil, "none", testNow, nil,
		))

	c, err := repo.FindByCredentialID(context.Background(), []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("FindByCredentialID: %v", err)
	}
	if c.SignCount != 41 || c.Algorithm != domain.AlgES256 || c.LastUsedAt != nil {
		t.Errorf("unexpected credential %+v", c)
	}
	expectationsMet(t, mock)
}

func TestPgCredentialRepository_UpdateCounter(t *testing.T) {
	tests := []struct {
		name     string
		affected int64
		wantErr  error
	}{
		{name: "should store advanced counter", affected: 1},
		{name: "should report a counter that moved", affected: 0, wantErr: ErrCounterConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMock(t)
			repo := NewPgCredentialRepository(db)

			mock.ExpectExec("UPDATE passkey_credentials\\s+SET sign_count = \\$3, last_used_at = \\$4\\s+WHERE id = \\$1 AND sign_count = \\$2").
				WithArgs("cred-1", int64(41), int64(42), testNow).
				WillReturnResult(sqlmock.NewResult(0, tt.affected))

			err := repo.UpdateCounter(context.Background(), "cred-1", 41, 42, testNow)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("UpdateCounter: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			expectationsMet(t, mock)
		})
	}
}

func TestPgRoleRepository_FindByIDs(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPgRoleRepository(db)

	columns := []string{"id", "code", "name", "description", "is_system", "templates", "created_at", "updated_at"}
	mock.ExpectQuery("FROM roles\\s+WHERE id IN \\(\\$1, \\$2\\)").
		WithArgs("r1", "r2").
		WillReturnRows(sqlmock.NewRows(columns).AddRow(
			"r1", "user", "User", "", true, []byte(`["accounts:read?accountId={accountId}"]`), testNow, testNow,
		))

	roles, err := repo.FindByIDs(context.Background(), []string{"r1", "r2"})
	if err != nil {
		t.Fatalf("FindByIDs: %v", err)
	}
	if len(roles) != 1 || roles["r1"] == nil || len(roles["r1"].Templates) != 1 {
		t.Errorf("unexpected roles %+v", roles)
	}

	empty, err := repo.FindByIDs(context.Background(), nil)
	if err != nil || len(empty) != 0 {
		t.Errorf("empty id list should not query, got %v, %v", empty, err)
	}
	expectationsMet(t, mock)
}

func TestPgRoleRepository_Delete_SystemRole(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPgRoleRepository(db)

	columns := []string{"id", "code", "name", "description", "is_system", "templates", "created_at", "updated_at"}
	mock.ExpectQuery("FROM roles\\s+WHERE id = \\$1").
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows(columns).AddRow("r1", "admin", "Admin", "", true, []byte(`["*"]`), testNow, testNow))

	err := repo.Delete(context.Background(), "r1")
	if !errors.Is(err, ErrSystemRole) {
		t.Errorf("expected ErrSystemRole, got %v", err)
	}
	if domain.KindOf(err) != domain.KindPermissionDenied {
		t.Errorf("kind = %s, want %s", domain.KindOf(err), domain.KindPermissionDenied)
	}
	expectationsMet(t, mock)
}

func TestPgAPIKeyRepository_FindByID(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPgAPIKeyRepository(db)

	columns := []string{
		"id", "account_id", "name", "key_hash", "key_prefix", "scope", "created_at",
		"expires_at", "last_used_at", "revoked_at",
	}
	mock.ExpectQuery("FROM api_keys\\s+WHERE id = \\$1").
		WithArgs("key-1").
		WillReturnRows(sqlmock.NewRows(columns).AddRow(
			"key-1", "acc-1", "ci", "hash", "tik_key-1", []byte(`["reports:read","!apikeys:create"]`), testNow,
			nil, nil, nil,
		))

	k, err := repo.FindByID(context.Background(), "key-1")
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if !k.Scope.HasPermission("reports:read", nil) {
		t.Error("scope should allow reports:read")
	}
	if k.Scope.HasPermission(permission.APIKeysCreate, nil) {
		t.Error("scope should deny apikeys:create")
	}
	if k.ExpiresAt != nil || k.RevokedAt != nil {
		t.Errorf("nullable timestamps should map to nil: %+v", k)
	}
	expectationsMet(t, mock)
}

func TestBootstrap(t *testing.T) {
	db, mock := newMock(t)

	stmts := statements(Schema())
	if len(stmts) == 0 {
		t.Fatal("embedded schema is empty")
	}
	mock.ExpectBegin()
	for range stmts {
		mock.ExpectExec("CREATE").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectCommit()

	if err := Bootstrap(context.Background(), db); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	expectationsMet(t, mock)
}

func TestBootstrap_RollsBackOnError(t *testing.T) {
	db, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS roles").WillReturnError(errors.New("permission denied"))
	mock.ExpectRollback()

	if err := Bootstrap(context.Background(), db); err == nil {
		t.Fatal("expected error but got none")
	}
	expectationsMet(t, mock)
}
