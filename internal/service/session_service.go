package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dlddu/tiny-identity/internal/crypto"
	"github.com/dlddu/tiny-identity/internal/domain"
	"github.com/dlddu/tiny-identity/internal/metrics"
	"github.com/dlddu/tiny-identity/internal/permission"
	"github.com/dlddu/tiny-identity/internal/repository"
)

// Default credential lifetimes.
const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour
)

// TokenPair is returned by every successful login or refresh.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	TokenType        string    `json:"token_type"`
	ExpiresIn        int64     `json:"expires_in"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	SessionID        string    `json:"session_id"`
}

// SessionView is a listed session with its relation to the caller.
type SessionView struct {
	Session *domain.Session
	Current bool
}

// SessionConfig holds the credential lifetimes.
type SessionConfig struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// SessionService issues token pairs, rotates refresh credentials and
// revokes session lineages.
type SessionService struct {
	accounts repository.AccountRepository
	sessions repository.SessionRepository
	roles    repository.RoleRepository
	issuer   TokenIssuer
	cfg      SessionConfig

	locks  *keyedMutex
	flight singleflight.Group

	options
}

// NewSessionService creates a SessionService. Zero lifetimes fall back to the
// defaults.
func NewSessionService(accounts repository.AccountRepository, sessions repository.SessionRepository, roles repository.RoleRepository, issuer TokenIssuer, cfg SessionConfig, opts ...Option) *SessionService {
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = DefaultAccessTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = DefaultRefreshTTL
	}
	return &SessionService{
		accounts: accounts,
		sessions: sessions,
		roles:    roles,
		issuer:   issuer,
		cfg:      cfg,
		locks:    newKeyedMutex(),
		options:  defaultOptions("sessions", opts),
	}
}

// FormatRefreshToken joins a session id and secret into the opaque credential.
func FormatRefreshToken(sessionID, secret string) string {
	return sessionID + "." + secret
}

// ParseRefreshToken splits a refresh credential into session id and secret.
func ParseRefreshToken(raw string) (sessionID, secret string, err error) {
	sessionID, secret, ok := strings.Cut(strings.TrimSpace(raw), ".")
	if !ok || sessionID == "" || secret == "" || strings.Contains(secret, ".") {
		return "", "", refreshError(domain.ReasonMalformedToken)
	}
	return sessionID, secret, nil
}

// Issue starts a new session for an account that has just authenticated and
// returns its first token pair.
func (s *SessionService) Issue(ctx context.Context, account *domain.Account, device domain.DeviceInfo) (*TokenPair, error) {
	now := s.now()

	secret, err := crypto.GenerateSecret(crypto.DefaultSecretBytes)
	if err != nil {
		return nil, err
	}
	sess, err := domain.NewSession(newSessionID(now), account.ID(), crypto.HashToken(secret), now.Add(s.cfg.RefreshTTL), device, now)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}

	return s.pair(ctx, account, sess, secret, now)
}

// UserSessionFor resolves the account's current roles into a fresh issuance
// snapshot bound to sessionID.
func (s *SessionService) UserSessionFor(ctx context.Context, account *domain.Account, sessionID string, now time.Time) (domain.UserSession, error) {
	assignments := account.Roles()
	ids := make([]string, 0, len(assignments))
	for _, a := range assignments {
		ids = append(ids, a.RoleID)
	}
	roles, err := s.roles.FindByIDs(ctx, ids)
	if err != nil {
		return domain.UserSession{}, fmt.Errorf("resolve roles: %w", err)
	}

	scope, err := permission.ParseScope(account.BuildEffectivePermissions(roles))
	if err != nil {
		return domain.UserSession{}, fmt.Errorf("build scope: %w", err)
	}

	return domain.NewUserSession(domain.UserSessionParams{
		AccountID:   account.ID(),
		Username:    account.Username(),
		DisplayName: account.DisplayName(),
		Email:       account.Email(),
		Scope:       scope,
		Roles:       account.RoleCodes(roles),
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.cfg.AccessTTL),
		SessionID:   sessionID,
		Kind:        domain.CredentialSession,
	}), nil
}

func (s *SessionService) pair(ctx context.Context, account *domain.Account, sess *domain.Session, secret string, now time.Time) (*TokenPair, error) {
	us, err := s.UserSessionFor(ctx, account, sess.ID, now)
	if err != nil {
		return nil, err
	}
	access, err := s.issuer.Issue(us)
	if err != nil {
		return nil, fmt.Errorf("issue access token: %w", err)
	}
	return &TokenPair{
		AccessToken:      access,
		TokenType:        "Bearer",
		ExpiresIn:        int64(s.cfg.AccessTTL.Seconds()),
		RefreshToken:     FormatRefreshToken(sess.ID, secret),
		RefreshExpiresAt: sess.ExpiresAt,
		SessionID:        sess.ID,
	}, nil
}

// Refresh exchanges the current refresh credential for a new pair.
//
// Presenting a superseded credential revokes the whole session. Concurrent
// presentations of the same current credential are collapsed: one rotates,
// the others fail without touching the session.
func (s *SessionService) Refresh(ctx context.Context, raw string) (*TokenPair, error) {
	sessionID, secret, err := ParseRefreshToken(raw)
	if err != nil {
		s.metrics.Refresh(metrics.ResultRejected)
		return nil, err
	}
	hash := crypto.HashToken(secret)

	leader := false
	v, err, _ := s.flight.Do(sessionID+":"+hash, func() (any, error) {
		leader = true
		return s.rotate(ctx, sessionID, hash)
	})
	if !leader {
		s.log.Debug().Str("session_id", sessionID).Msg("duplicate refresh collapsed")
		s.metrics.Refresh(metrics.ResultRace)
		return nil, refreshError(domain.ReasonRotationRace)
	}
	if err != nil {
		switch domain.ReasonOf(err) {
		case domain.ReasonTheftDetected:
			s.metrics.Refresh(metrics.ResultTheft)
		case domain.ReasonRotationRace:
			s.metrics.Refresh(metrics.ResultRace)
		default:
			s.metrics.Refresh(metrics.ResultRejected)
		}
		return nil, err
	}
	s.metrics.Refresh(metrics.ResultSuccess)
	return v.(*TokenPair), nil
}

func (s *SessionService) rotate(ctx context.Context, sessionID, presentedHash string) (*TokenPair, error) {
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	now := s.now()

	// 1. Locate the lineage
	sess, err := s.sessions.FindByID(ctx, sessionID)
	if errors.Is(err, repository.ErrSessionNotFound) {
		return nil, refreshError(domain.ReasonSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find session: %w", err)
	}
	if sess.Revoked {
		return nil, refreshError(domain.ReasonSessionRevoked)
	}
	if sess.IsExpired(now) {
		return nil, refreshError(domain.ReasonSessionExpired)
	}

	// 2. A live session with a different hash means a superseded token was replayed
	if !sess.MatchesHash(presentedHash) {
		if err := s.revokeStolen(ctx, sess, now); err != nil {
			return nil, err
		}
		return nil, refreshError(domain.ReasonTheftDetected)
	}

	// 3. Live mode: the account must still be allowed in
	account, err := s.accounts.FindByID(ctx, sess.AccountID)
	if errors.Is(err, repository.ErrAccountNotFound) {
		return nil, refreshError(domain.ReasonSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find account: %w", err)
	}
	if err := account.AuthenticationError(now); err != nil {
		return nil, err
	}

	// 4. Rotate with compare-and-swap on the presented hash
	secret, err := crypto.GenerateSecret(crypto.DefaultSecretBytes)
	if err != nil {
		return nil, err
	}
	next := *sess
	if err := next.RotateRefreshToken(crypto.HashToken(secret), now.Add(s.cfg.RefreshTTL), now); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.sessions.Rotate(ctx, &next, presentedHash); err != nil {
		if errors.Is(err, repository.ErrRotationConflict) {
			s.log.Info().Str("session_id", sessionID).Msg("refresh lost rotation race")
			return nil, refreshError(domain.ReasonRotationRace)
		}
		return nil, fmt.Errorf("rotate session: %w", err)
	}

	return s.pair(ctx, account, &next, secret, now)
}

func (s *SessionService) revokeStolen(ctx context.Context, sess *domain.Session, now time.Time) error {
	sess.Revoke(domain.RevokedByTheft, now)
	if err := s.sessions.Save(ctx, sess); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	s.log.Warn().
		Str("session_id", sess.ID).
		Str("account_id", sess.AccountID).
		Int("generation", sess.Generation).
		Str("reason", domain.ReasonTheftDetected).
		Msg("superseded refresh token presented, session revoked")
	s.metrics.SessionsRevoked(domain.RevokedByTheft, 1)
	return nil
}

// Logout revokes the session the refresh credential currently belongs to.
// A stale or unknown credential is a no-op.
func (s *SessionService) Logout(ctx context.Context, raw string) error {
	if strings.TrimSpace(raw) == "" {
		return domain.ValidationError("refresh token is required")
	}
	sessionID, secret, err := ParseRefreshToken(raw)
	if err != nil {
		return nil
	}

	sess, err := s.sessions.FindByHash(ctx, crypto.HashToken(secret))
	if errors.Is(err, repository.ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("find session: %w", err)
	}
	if sess.ID != sessionID {
		return nil
	}
	if !sess.Revoke(domain.RevokedByLogout, s.now()) {
		return nil
	}
	if err := s.sessions.Save(ctx, sess); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	s.metrics.SessionsRevoked(domain.RevokedByLogout, 1)
	return nil
}

// List returns the account's active sessions, marking currentSessionID.
func (s *SessionService) List(ctx context.Context, accountID, currentSessionID string) ([]SessionView, error) {
	sessions, err := s.sessions.ListByAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	now := s.now()
	out := make([]SessionView, 0, len(sessions))
	for _, sess := range sessions {
		if !sess.IsActive(now) {
			continue
		}
		out = append(out, SessionView{Session: sess, Current: sess.ID == currentSessionID})
	}
	return out, nil
}

// Revoke revokes one of the account's sessions. Sessions of other accounts
// are reported as not found.
func (s *SessionService) Revoke(ctx context.Context, accountID, sessionID string) error {
	sess, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.AccountID != accountID {
		return repository.ErrSessionNotFound
	}
	if !sess.Revoke(domain.RevokedByUser, s.now()) {
		return nil
	}
	if err := s.sessions.Save(ctx, sess); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	s.metrics.SessionsRevoked(domain.RevokedByUser, 1)
	return nil
}

// RevokeAll revokes every active session of the account, the caller's own
// included, and returns how many were revoked.
func (s *SessionService) RevokeAll(ctx context.Context, accountID, reason string) (int, error) {
	if reason == "" {
		reason = domain.RevokedByRevokeAll
	}
	n, err := s.sessions.RevokeAllForAccount(ctx, accountID, reason, s.now())
	if err != nil {
		return 0, fmt.Errorf("revoke sessions: %w", err)
	}
	s.metrics.SessionsRevoked(reason, n)
	s.log.Info().Str("account_id", accountID).Str("reason", reason).Int("revoked", n).Msg("sessions revoked")
	return n, nil
}

// CheckActive reports whether access credentials bound to sessionID may
// still be honoured.
func (s *SessionService) CheckActive(ctx context.Context, sessionID string) error {
	sess, err := s.sessions.FindByID(ctx, sessionID)
	if errors.Is(err, repository.ErrSessionNotFound) {
		return credentialError(domain.ReasonSessionNotFound)
	}
	if err != nil {
		return fmt.Errorf("find session: %w", err)
	}
	if !sess.IsActive(s.now()) {
		return credentialError(domain.ReasonSessionRevoked)
	}
	return nil
}
