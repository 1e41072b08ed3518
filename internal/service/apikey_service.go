package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dlddu/tiny-identity/internal/crypto"
	"github.com/dlddu/tiny-identity/internal/domain"
	"github.com/dlddu/tiny-identity/internal/metrics"
	"github.com/dlddu/tiny-identity/internal/repository"
)

// CreatedAPIKey is returned once at creation; Key is never shown again.
type CreatedAPIKey struct {
	APIKey *domain.APIKey
	Key    string
}

// APIKeyService mints and authenticates restricted API keys.
type APIKeyService struct {
	keys        repository.APIKeyRepository
	accounts    repository.AccountRepository
	maxLifetime time.Duration
	options
}

// NewAPIKeyService creates an APIKeyService. A positive maxLifetime caps key
// expiry and becomes the default expiry when none is requested.
func NewAPIKeyService(keys repository.APIKeyRepository, accounts repository.AccountRepository, maxLifetime time.Duration, opts ...Option) *APIKeyService {
	return &APIKeyService{
		keys:        keys,
		accounts:    accounts,
		maxLifetime: maxLifetime,
		options:     defaultOptions("apikeys", opts),
	}
}

// FormatAPIKey builds the raw credential from key id and secret.
func FormatAPIKey(id, secret string) string {
	return domain.APIKeyPrefix + id + "." + secret
}

// ParseAPIKey splits a raw credential into key id and secret.
func ParseAPIKey(raw string) (id, secret string, err error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(raw), domain.APIKeyPrefix)
	if !ok {
		return "", "", credentialError(domain.ReasonMalformedToken)
	}
	id, secret, ok = strings.Cut(rest, ".")
	if !ok || id == "" || secret == "" {
		return "", "", credentialError(domain.ReasonMalformedToken)
	}
	return id, secret, nil
}

// IsAPIKey reports whether a bearer credential looks like an API key.
func IsAPIKey(raw string) bool {
	return strings.HasPrefix(raw, domain.APIKeyPrefix)
}

// Create mints a key for the creator. Its scope is the creator's current
// scope with credential management removed and explicitly denied, fixed at
// this moment.
func (s *APIKeyService) Create(ctx context.Context, creator domain.UserSession, name string, expiresAt *time.Time) (*CreatedAPIKey, error) {
	now := s.now()

	// 1. Validate the request
	if creator.IsAnonymous() || creator.AccountID() == "" {
		return nil, ErrInvalidCredentials
	}
	if creator.Kind() == domain.CredentialAPIKey {
		return nil, ErrAPIKeyNotAllowed
	}
	if err := domain.ValidateAPIKeyRequest(name, expiresAt, now); err != nil {
		return nil, err
	}
	if s.maxLifetime > 0 {
		limit := now.Add(s.maxLifetime)
		switch {
		case expiresAt == nil:
			expiresAt = &limit
		case expiresAt.After(limit):
			return nil, domain.ValidationError("api key expiry exceeds %s", s.maxLifetime)
		}
	}

	// 2. The owner must still be able to sign in
	account, err := s.accounts.FindByID(ctx, creator.AccountID())
	if err != nil {
		return nil, err
	}
	if err := account.AuthenticationError(now); err != nil {
		return nil, err
	}

	// 3. Mint
	secret, err := crypto.GenerateSecret(crypto.DefaultSecretBytes)
	if err != nil {
		return nil, err
	}
	id := uuid.New().String()
	key := &domain.APIKey{
		ID:        id,
		AccountID: account.ID(),
		Name:      strings.TrimSpace(name),
		KeyHash:   crypto.HashToken(secret),
		Prefix:    domain.APIKeyPrefix + id[:8],
		Scope:     domain.RestrictForAPIKey(creator.Scope()),
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}
	if err := s.keys.Save(ctx, key); err != nil {
		return nil, fmt.Errorf("save api key: %w", err)
	}

	s.log.Info().Str("account_id", key.AccountID).Str("api_key_id", id).Msg("api key created")
	return &CreatedAPIKey{APIKey: key, Key: FormatAPIKey(id, secret)}, nil
}

// List returns the account's unrevoked keys.
func (s *APIKeyService) List(ctx context.Context, accountID string) ([]*domain.APIKey, error) {
	return s.keys.ListByAccount(ctx, accountID)
}

// Revoke revokes one of the account's keys. Keys of other accounts are
// reported as not found.
func (s *APIKeyService) Revoke(ctx context.Context, accountID, keyID string) error {
	key, err := s.keys.FindByID(ctx, keyID)
	if err != nil {
		return err
	}
	if key.AccountID != accountID {
		return repository.ErrAPIKeyNotFound
	}
	if !key.Revoke(s.now()) {
		return nil
	}
	if err := s.keys.Save(ctx, key); err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	s.log.Info().Str("account_id", accountID).Str("api_key_id", keyID).Msg("api key revoked")
	return nil
}

// Authenticate resolves a raw key into the snapshot it was issued with.
func (s *APIKeyService) Authenticate(ctx context.Context, raw string) (domain.UserSession, error) {
	us, err := s.authenticate(ctx, raw)
	if err != nil {
		s.metrics.APIKeyAuth(metrics.ResultRejected)
		return domain.UserSession{}, err
	}
	s.metrics.APIKeyAuth(metrics.ResultSuccess)
	return us, nil
}

func (s *APIKeyService) authenticate(ctx context.Context, raw string) (domain.UserSession, error) {
	now := s.now()

	id, secret, err := ParseAPIKey(raw)
	if err != nil {
		return domain.UserSession{}, err
	}
	key, err := s.keys.FindByID(ctx, id)
	if errors.Is(err, repository.ErrAPIKeyNotFound) {
		return domain.UserSession{}, ErrInvalidCredentials
	}
	if err != nil {
		return domain.UserSession{}, fmt.Errorf("find api key: %w", err)
	}
	if !key.MatchesHash(crypto.HashToken(secret)) {
		return domain.UserSession{}, ErrInvalidCredentials
	}
	if err := key.Usable(now); err != nil {
		return domain.UserSession{}, err
	}

	account, err := s.accounts.FindByID(ctx, key.AccountID)
	if err != nil {
		return domain.UserSession{}, err
	}
	if err := account.AuthenticationError(now); err != nil {
		return domain.UserSession{}, err
	}

	key.Touch(now)
	if err := s.keys.Save(ctx, key); err != nil {
		s.log.Warn().Err(err).Str("api_key_id", key.ID).Msg("failed to record api key use")
	}

	expires := now
	if key.ExpiresAt != nil {
		expires = *key.ExpiresAt
	}
	return domain.NewUserSession(domain.UserSessionParams{
		AccountID:   account.ID(),
		Username:    account.Username(),
		DisplayName: account.DisplayName(),
		Email:       account.Email(),
		Scope:       key.Scope,
		IssuedAt:    key.CreatedAt,
		ExpiresAt:   expires,
		APIKeyID:    key.ID,
		Kind:        domain.CredentialAPIKey,
	}), nil
}
