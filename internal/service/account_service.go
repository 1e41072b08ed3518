package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dlddu/tiny-identity/internal/domain"
	"github.com/dlddu/tiny-identity/internal/metrics"
	"github.com/dlddu/tiny-identity/internal/repository"
)

// Password length bounds. bcrypt ignores anything past 72 bytes.
const (
	MinPasswordLen = 8
	MaxPasswordLen = 72
)

// Login methods reported to metrics.
const (
	MethodPassword = "password"
	MethodExternal = "external"
	MethodPasskey  = "passkey"
)

// RegisterRequest carries the fields of a new account.
type RegisterRequest struct {
	Username    string
	Email       string
	Password    string
	DisplayName string
}

// Profile is an account with its resolved roles and permissions.
type Profile struct {
	Account     *domain.Account
	Roles       []string
	Permissions []string
}

// AccountService handles registration, sign-in and administrative account
// transitions.
type AccountService struct {
	accounts repository.AccountRepository
	roles    repository.RoleRepository
	hasher   Hasher
	sessions *SessionService
	policy   domain.LockoutPolicy
	options
}

// NewAccountService creates an AccountService. A zero policy uses
// domain.DefaultLockoutPolicy.
func NewAccountService(accounts repository.AccountRepository, roles repository.RoleRepository, hasher Hasher, sessions *SessionService, policy domain.LockoutPolicy, opts ...Option) *AccountService {
	if policy.Threshold <= 0 || policy.Duration <= 0 {
		policy = domain.DefaultLockoutPolicy
	}
	return &AccountService{
		accounts: accounts,
		roles:    roles,
		hasher:   hasher,
		sessions: sessions,
		policy:   policy,
		options:  defaultOptions("accounts", opts),
	}
}

func validatePassword(password string) error {
	if len(password) < MinPasswordLen || len(password) > MaxPasswordLen {
		return fmt.Errorf("%w: password must be %d to %d characters", ErrWeakPassword, MinPasswordLen, MaxPasswordLen)
	}
	return nil
}

// Register creates a pending account with a password and the user role
// bound to the new account.
func (s *AccountService) Register(ctx context.Context, req RegisterRequest) (*domain.Account, error) {
	now := s.now()

	// 1. Validate inputs
	account, err := domain.NewAccount(uuid.New().String(), req.Username, req.Email, now)
	if err != nil {
		return nil, err
	}
	if err := validatePassword(req.Password); err != nil {
		return nil, err
	}

	// 2. Check uniqueness
	if _, err := s.accounts.FindByUsername(ctx, account.Username()); err == nil {
		return nil, ErrUsernameTaken
	} else if !errors.Is(err, repository.ErrAccountNotFound) {
		return nil, fmt.Errorf("find account: %w", err)
	}
	if account.Email() != "" {
		if _, err := s.accounts.FindByEmail(ctx, account.Email()); err == nil {
			return nil, ErrEmailTaken
		} else if !errors.Is(err, repository.ErrAccountNotFound) {
			return nil, fmt.Errorf("find account: %w", err)
		}
	}

	// 3. Hash password
	hash, err := s.hasher.HashPassword(req.Password)
	if err != nil {
		return nil, err
	}
	if err := account.SetPassword(hash, now); err != nil {
		return nil, err
	}
	account.SetDisplayName(req.DisplayName, now)

	// 4. Default role
	if err := s.assignDefaultRole(ctx, account, now); err != nil {
		return nil, err
	}

	if err := s.accounts.Save(ctx, account); err != nil {
		return nil, err
	}
	s.log.Info().Str("account_id", account.ID()).Str("username", account.Username()).Msg("account registered")
	return account, nil
}

func (s *AccountService) assignDefaultRole(ctx context.Context, account *domain.Account, now time.Time) error {
	role, err := s.roles.FindByCode(ctx, domain.RoleUser)
	if errors.Is(err, repository.ErrRoleNotFound) {
		s.log.Warn().Msg("user role missing, account registered without roles")
		return nil
	}
	if err != nil {
		return fmt.Errorf("find role: %w", err)
	}
	return account.AssignRole(role.ID, map[string]string{domain.ParamAccountID: account.ID()}, now)
}

// Login verifies a username and password and starts a session.
func (s *AccountService) Login(ctx context.Context, username, password string, device domain.DeviceInfo) (*TokenPair, error) {
	now := s.now()

	account, err := s.accounts.FindByUsername(ctx, domain.NormalizeUsername(username))
	if errors.Is(err, repository.ErrAccountNotFound) {
		s.hasher.DummyVerify(password)
		s.rejectLogin(MethodPassword, "", domain.ReasonUnknownAccount)
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("find account: %w", err)
	}

	if err := account.AuthenticationError(now); err != nil {
		s.hasher.DummyVerify(password)
		s.rejectLogin(MethodPassword, account.ID(), domain.ReasonOf(err))
		return nil, err
	}

	if !account.HasPassword() {
		s.hasher.DummyVerify(password)
		s.rejectLogin(MethodPassword, account.ID(), domain.ReasonBadPassword)
		return nil, ErrInvalidCredentials
	}
	if err := s.hasher.VerifyPassword(account.PasswordHash(), password); err != nil {
		locked := account.RecordFailedLogin(now, s.policy)
		if err := s.accounts.Save(ctx, account); err != nil {
			return nil, fmt.Errorf("save account: %w", err)
		}
		if locked {
			s.metrics.Lockout()
			s.log.Warn().
				Str("account_id", account.ID()).
				Int("failed_logins", account.FailedLogins()).
				Time("locked_until", account.LockedUntil()).
				Msg("account locked after repeated failed logins")
		}
		s.rejectLogin(MethodPassword, account.ID(), domain.ReasonBadPassword)
		return nil, ErrInvalidCredentials
	}

	return s.completeLogin(ctx, account, MethodPassword, device)
}

// LoginExternal signs in the account linked to an external identity. The
// caller has already verified the provider's assertion.
func (s *AccountService) LoginExternal(ctx context.Context, provider, subject string, device domain.DeviceInfo) (*TokenPair, error) {
	account, err := s.accounts.FindByExternalIdentity(ctx, provider, subject)
	if errors.Is(err, repository.ErrAccountNotFound) {
		s.rejectLogin(MethodExternal, "", domain.ReasonUnknownAccount)
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("find account: %w", err)
	}
	if err := account.AuthenticationError(s.now()); err != nil {
		s.rejectLogin(MethodExternal, account.ID(), domain.ReasonOf(err))
		return nil, err
	}
	return s.completeLogin(ctx, account, MethodExternal, device)
}

// completeLogin records the success on the account and starts a session.
func (s *AccountService) completeLogin(ctx context.Context, account *domain.Account, method string, device domain.DeviceInfo) (*TokenPair, error) {
	if err := account.RecordSuccessfulLogin(s.now()); err != nil {
		s.rejectLogin(method, account.ID(), domain.ReasonOf(err))
		return nil, err
	}
	if err := s.accounts.Save(ctx, account); err != nil {
		return nil, fmt.Errorf("save account: %w", err)
	}
	pair, err := s.sessions.Issue(ctx, account, device)
	if err != nil {
		return nil, err
	}
	s.metrics.Login(method, metrics.ResultSuccess)
	s.log.Info().Str("account_id", account.ID()).Str("method", method).Str("session_id", pair.SessionID).Msg("login succeeded")
	return pair, nil
}

func (s *AccountService) rejectLogin(method, accountID, reason string) {
	s.metrics.Login(method, metrics.ResultFailure)
	s.log.Info().Str("account_id", accountID).Str("method", method).Str("reason", reason).Msg("login rejected")
}

// LinkIdentity attaches an external identity to an account.
func (s *AccountService) LinkIdentity(ctx context.Context, accountID, provider, subject string) error {
	account, err := s.accounts.FindByID(ctx, accountID)
	if err != nil {
		return err
	}
	if err := account.LinkIdentity(provider, subject, s.now()); err != nil {
		return err
	}
	return s.accounts.Save(ctx, account)
}

// Profile returns the account with its current roles and permissions.
func (s *AccountService) Profile(ctx context.Context, accountID string) (*Profile, error) {
	account, err := s.accounts.FindByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	us, err := s.sessions.UserSessionFor(ctx, account, "", s.now())
	if err != nil {
		return nil, err
	}
	return &Profile{Account: account, Roles: us.Roles(), Permissions: us.Permissions()}, nil
}

// ChangePassword replaces the password after checking the current one and
// revokes every session of the account.
func (s *AccountService) ChangePassword(ctx context.Context, accountID, current, next string) error {
	account, err := s.accounts.FindByID(ctx, accountID)
	if err != nil {
		return err
	}
	if !account.HasPassword() || s.hasher.VerifyPassword(account.PasswordHash(), current) != nil {
		return ErrInvalidCredentials
	}
	if err := validatePassword(next); err != nil {
		return err
	}
	hash, err := s.hasher.HashPassword(next)
	if err != nil {
		return err
	}
	if err := account.SetPassword(hash, s.now()); err != nil {
		return err
	}
	if err := s.accounts.Save(ctx, account); err != nil {
		return err
	}
	_, err = s.sessions.RevokeAll(ctx, accountID, domain.RevokedByRevokeAll)
	return err
}

// Suspend blocks the account for good and revokes its sessions.
func (s *AccountService) Suspend(ctx context.Context, accountID string) error {
	return s.disable(ctx, accountID, (*domain.Account).Suspend)
}

// Deactivate closes the account and revokes its sessions.
func (s *AccountService) Deactivate(ctx context.Context, accountID string) error {
	return s.disable(ctx, accountID, (*domain.Account).Deactivate)
}

func (s *AccountService) disable(ctx context.Context, accountID string, transition func(*domain.Account, time.Time) error) error {
	account, err := s.accounts.FindByID(ctx, accountID)
	if err != nil {
		return err
	}
	if err := transition(account, s.now()); err != nil {
		return err
	}
	if err := s.accounts.Save(ctx, account); err != nil {
		return err
	}
	s.log.Info().Str("account_id", accountID).Str("status", string(account.Status())).Msg("account disabled")
	_, err = s.sessions.RevokeAll(ctx, accountID, domain.RevokedByAccountLock)
	return err
}

// Unlock lifts a lockout before it expires.
func (s *AccountService) Unlock(ctx context.Context, accountID string) error {
	account, err := s.accounts.FindByID(ctx, accountID)
	if err != nil {
		return err
	}
	if err := account.Unlock(s.now()); err != nil {
		return err
	}
	return s.accounts.Save(ctx, account)
}

// AssignRole assigns the role with roleCode. The accountId binding is always
// the assignee's id, whatever the caller passed.
func (s *AccountService) AssignRole(ctx context.Context, accountID, roleCode string, bindings map[string]string) error {
	account, err := s.accounts.FindByID(ctx, accountID)
	if err != nil {
		return err
	}
	role, err := s.roles.FindByCode(ctx, roleCode)
	if err != nil {
		return err
	}

	if err := domain.ValidateBindings(bindings); err != nil {
		return err
	}
	// accountId always names the assignee.
	b := make(map[string]string, len(bindings)+1)
	for k, v := range bindings {
		b[k] = v
	}
	b[domain.ParamAccountID] = account.ID()
	if err := account.AssignRole(role.ID, b, s.now()); err != nil {
		return err
	}
	return s.accounts.Save(ctx, account)
}
