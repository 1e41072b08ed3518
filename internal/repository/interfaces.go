package repository

import (
	"context"
	"time"

	"github.com/dlddu/tiny-identity/internal/domain"
)

// Not-found errors match both their own value and domain.ErrNotFound under
// errors.Is.
var (
	ErrAccountNotFound    = &domain.Error{Kind: domain.KindNotFound, Reason: "account_not_found"}
	ErrSessionNotFound    = &domain.Error{Kind: domain.KindNotFound, Reason: domain.ReasonSessionNotFound}
	ErrRoleNotFound       = &domain.Error{Kind: domain.KindNotFound, Reason: "role_not_found"}
	ErrChallengeNotFound  = &domain.Error{Kind: domain.KindNotFound, Reason: "challenge_not_found"}
	ErrCredentialNotFound = &domain.Error{Kind: domain.KindNotFound, Reason: "credential_not_found"}
	ErrAPIKeyNotFound     = &domain.Error{Kind: domain.KindNotFound, Reason: "api_key_not_found"}
)

var (
	// ErrDuplicate is returned when a unique column would be violated.
	ErrDuplicate = &domain.Error{Kind: domain.KindConflict, Reason: "duplicate"}

	// ErrRotationConflict is returned by SessionRepository.Rotate when the
	// stored hash no longer equals the expected one or the session was revoked.
	ErrRotationConflict = &domain.Error{Kind: domain.KindRefreshTokenInvalid, Reason: domain.ReasonRotationRace}

	// ErrCounterConflict is returned by PasskeyCredentialRepository.UpdateCounter
	// when the stored counter moved since it was read.
	ErrCounterConflict = &domain.Error{Kind: domain.KindInvalidCredential, Reason: domain.ReasonCounterRegressed}

	// ErrSystemRole is returned when deleting a system role.
	ErrSystemRole = &domain.Error{Kind: domain.KindPermissionDenied, Reason: "system_role"}
)

// AccountRepository persists the account aggregate including grants, role
// assignments and external identity links.
type AccountRepository interface {
	FindByID(ctx context.Context, id string) (*domain.Account, error)
	FindByUsername(ctx context.Context, username string) (*domain.Account, error)
	FindByEmail(ctx context.Context, email string) (*domain.Account, error)
	FindByExternalIdentity(ctx context.Context, provider, subject string) (*domain.Account, error)
	Save(ctx context.Context, account *domain.Account) error
}

// SessionRepository persists refresh-token lineages.
type SessionRepository interface {
	FindByID(ctx context.Context, id string) (*domain.Session, error)
	FindByHash(ctx context.Context, refreshTokenHash string) (*domain.Session, error)
	// ListByAccount returns the account's non-revoked sessions, oldest first.
	ListByAccount(ctx context.Context, accountID string) ([]*domain.Session, error)
	Save(ctx context.Context, session *domain.Session) error
	// Rotate persists a rotated session only if the stored hash still equals
	// expectedHash and the session is not revoked.
	Rotate(ctx context.Context, session *domain.Session, expectedHash string) error
	// RevokeAllForAccount revokes every live session of the account and
	// returns how many were revoked.
	RevokeAllForAccount(ctx context.Context, accountID, reason string, now time.Time) (int, error)
}

// RoleRepository persists role definitions.
type RoleRepository interface {
	FindByID(ctx context.Context, id string) (*domain.Role, error)
	FindByCode(ctx context.Context, code string) (*domain.Role, error)
	// FindByIDs returns the roles that exist, keyed by id. Missing ids are
	// skipped.
	FindByIDs(ctx context.Context, ids []string) (map[string]*domain.Role, error)
	Save(ctx context.Context, role *domain.Role) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*domain.Role, error)
}

// PasskeyChallengeRepository stores single-use ceremony challenges.
type PasskeyChallengeRepository interface {
	Find(ctx context.Context, id string) (*domain.PasskeyChallenge, error)
	Save(ctx context.Context, challenge *domain.PasskeyChallenge) error
	Delete(ctx context.Context, id string) error
	// Consume atomically removes and returns the challenge. Of two concurrent
	// callers at most one receives it.
	Consume(ctx context.Context, id string) (*domain.PasskeyChallenge, error)
}

// PasskeyCredentialRepository persists registered passkeys.
type PasskeyCredentialRepository interface {
	FindByCredentialID(ctx context.Context, credentialID []byte) (*domain.PasskeyCredential, error)
	ListByAccount(ctx context.Context, accountID string) ([]*domain.PasskeyCredential, error)
	// Save inserts a credential or renames an existing one. The counter is
	// only ever written by UpdateCounter.
	Save(ctx context.Context, credential *domain.PasskeyCredential) error
	// UpdateCounter stores next and the use time only if the stored counter
	// still equals expected. Of two concurrent callers with the same
	// expected value at most one succeeds.
	UpdateCounter(ctx context.Context, id string, expected, next uint32, usedAt time.Time) error
}

// APIKeyRepository persists restricted API keys.
type APIKeyRepository interface {
	FindByID(ctx context.Context, id string) (*domain.APIKey, error)
	ListByAccount(ctx context.Context, accountID string) ([]*domain.APIKey, error)
	Save(ctx context.Context, key *domain.APIKey) error
}

// Store groups the repositories a process needs.
type Store struct {
	Accounts    AccountRepository
	Sessions    SessionRepository
	Roles       RoleRepository
	Challenges  PasskeyChallengeRepository
	Credentials PasskeyCredentialRepository
	APIKeys     APIKeyRepository
}
