package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dlddu/tiny-identity/internal/crypto"
	"github.com/dlddu/tiny-identity/internal/domain"
	"github.com/dlddu/tiny-identity/internal/metrics"
	"github.com/dlddu/tiny-identity/internal/passkey"
	"github.com/dlddu/tiny-identity/internal/repository"
)

// Ceremony labels reported to metrics.
const (
	ceremonyRegistration   = "registration"
	ceremonyAuthentication = "authentication"
)

const (
	defaultCredentialName = "Passkey"
	maxCredentialNameLen  = 100
)

// PasskeyConfig configures the relying party and challenge handling.
type PasskeyConfig struct {
	RelyingParty passkey.Config
	ChallengeTTL time.Duration
	// DecoySecret keys the fake credential ids returned for unknown usernames.
	DecoySecret []byte
}

// ChallengeResponse is handed to the client to start a ceremony.
type ChallengeResponse struct {
	ChallengeID string          `json:"challenge_id"`
	Options     json.RawMessage `json:"options"`
}

// PasskeyService runs passkey registration and authentication ceremonies.
type PasskeyService struct {
	challenges  repository.PasskeyChallengeRepository
	credentials repository.PasskeyCredentialRepository
	accounts    repository.AccountRepository
	logins      *AccountService
	verifier    *passkey.Verifier
	cfg         PasskeyConfig
	options
}

// NewPasskeyService creates a PasskeyService. Successful authentications go
// through logins so they are recorded like any other sign-in.
func NewPasskeyService(challenges repository.PasskeyChallengeRepository, credentials repository.PasskeyCredentialRepository, accounts repository.AccountRepository, logins *AccountService, cfg PasskeyConfig, opts ...Option) *PasskeyService {
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = domain.DefaultChallengeTTL
	}
	if cfg.RelyingParty.Timeout <= 0 {
		cfg.RelyingParty.Timeout = cfg.ChallengeTTL
	}
	return &PasskeyService{
		challenges:  challenges,
		credentials: credentials,
		accounts:    accounts,
		logins:      logins,
		verifier:    passkey.NewVerifier(cfg.RelyingParty),
		cfg:         cfg,
		options:     defaultOptions("passkeys", opts),
	}
}

func (s *PasskeyService) newChallenge(ctx context.Context, accountID string, typ domain.ChallengeType, name string, build func(challenge []byte) any) (*ChallengeResponse, error) {
	now := s.now()
	raw, err := crypto.RandomBytes(domain.ChallengeSize)
	if err != nil {
		return nil, err
	}
	c, err := domain.NewPasskeyChallenge(uuid.New().String(), raw, accountID, typ, now, s.cfg.ChallengeTTL)
	if err != nil {
		return nil, err
	}
	opts, err := passkey.MarshalOptions(build(raw))
	if err != nil {
		return nil, err
	}
	c.Options = opts
	c.CredentialName = name
	if err := s.challenges.Save(ctx, c); err != nil {
		return nil, fmt.Errorf("save challenge: %w", err)
	}
	return &ChallengeResponse{ChallengeID: c.ID, Options: opts}, nil
}

// consume takes the challenge out of the store. A missing challenge was used
// before or never existed.
func (s *PasskeyService) consume(ctx context.Context, challengeID, ceremony string) (*domain.PasskeyChallenge, error) {
	c, err := s.challenges.Consume(ctx, challengeID)
	if errors.Is(err, repository.ErrChallengeNotFound) {
		s.log.Warn().Str("challenge_id", challengeID).Str("ceremony", ceremony).Str("reason", domain.ReasonChallengeReused).Msg("unknown or reused passkey challenge")
		return nil, &domain.Error{Kind: domain.KindChallengeInvalid, Reason: domain.ReasonChallengeReused}
	}
	if err != nil {
		return nil, fmt.Errorf("consume challenge: %w", err)
	}
	return c, nil
}

func (s *PasskeyService) fail(ceremony string, err error) error {
	result := metrics.ResultFailure
	if domain.KindOf(err) == domain.KindChallengeInvalid {
		result = metrics.ResultRejected
	}
	s.metrics.Passkey(ceremony, result)
	return err
}

// RegistrationOptions starts registering a new passkey for the account.
func (s *PasskeyService) RegistrationOptions(ctx context.Context, accountID, name string) (*ChallengeResponse, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = defaultCredentialName
	}
	if len(name) > maxCredentialNameLen {
		return nil, domain.ValidationError("credential name exceeds %d characters", maxCredentialNameLen)
	}

	account, err := s.accounts.FindByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if err := account.AuthenticationError(s.now()); err != nil {
		return nil, err
	}
	existing, err := s.credentials.ListByAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	exclude := make([][]byte, 0, len(existing))
	for _, c := range existing {
		exclude = append(exclude, c.CredentialID)
	}

	return s.newChallenge(ctx, accountID, domain.ChallengeRegistration, name, func(challenge []byte) any {
		return s.cfg.RelyingParty.NewCreationOptions(challenge, []byte(account.ID()), account.Username(), account.DisplayName(), exclude)
	})
}

// Register completes a registration for the calling account. The challenge
// is consumed whether or not verification succeeds.
func (s *PasskeyService) Register(ctx context.Context, accountID, challengeID string, attestation []byte) (*domain.PasskeyCredential, error) {
	c, err := s.consume(ctx, challengeID, ceremonyRegistration)
	if err != nil {
		return nil, s.fail(ceremonyRegistration, err)
	}
	now := s.now()
	if err := c.Validate(accountID, domain.ChallengeRegistration, now); err != nil {
		s.log.Warn().Str("challenge_id", c.ID).Str("account_id", accountID).Str("reason", domain.ReasonOf(err)).Msg("passkey challenge rejected")
		return nil, s.fail(ceremonyRegistration, err)
	}

	reg, err := s.verifier.VerifyRegistration(attestation, c.Challenge)
	if err != nil {
		s.log.Info().Err(err).Str("account_id", accountID).Msg("passkey attestation rejected")
		return nil, s.fail(ceremonyRegistration, err)
	}
	if _, err := s.credentials.FindByCredentialID(ctx, reg.CredentialID); err == nil {
		return nil, s.fail(ceremonyRegistration, domain.Errorf(domain.KindConflict, "credential already registered"))
	} else if !errors.Is(err, repository.ErrCredentialNotFound) {
		return nil, fmt.Errorf("find credential: %w", err)
	}

	cred := &domain.PasskeyCredential{
		ID:                uuid.New().String(),
		AccountID:         accountID,
		Name:              c.CredentialName,
		CredentialID:      reg.CredentialID,
		PublicKey:         reg.PublicKey,
		Algorithm:         reg.Algorithm,
		SignCount:         reg.SignCount,
		AAGUID:            reg.AAGUID,
		UserHandle:        []byte(accountID),
		AttestationFormat: reg.AttestationFormat,
		RegisteredAt:      now,
	}
	if err := s.credentials.Save(ctx, cred); err != nil {
		return nil, s.fail(ceremonyRegistration, err)
	}

	s.metrics.Passkey(ceremonyRegistration, metrics.ResultSuccess)
	s.log.Info().Str("account_id", accountID).Str("credential", cred.ID).Msg("passkey registered")
	return cred, nil
}

// AuthenticationOptions starts a passkey sign-in. For a username the allow
// list holds the account's credentials; unknown usernames and accounts
// without passkeys get stable decoys so the response reveals nothing.
func (s *PasskeyService) AuthenticationOptions(ctx context.Context, username string) (*ChallengeResponse, error) {
	username = domain.NormalizeUsername(username)

	var (
		accountID string
		allow     [][]byte
	)
	if username != "" {
		account, err := s.accounts.FindByUsername(ctx, username)
		switch {
		case err == nil:
			accountID = account.ID()
			creds, err := s.credentials.ListByAccount(ctx, accountID)
			if err != nil {
				return nil, fmt.Errorf("list credentials: %w", err)
			}
			for _, c := range creds {
				allow = append(allow, c.CredentialID)
			}
		case !errors.Is(err, repository.ErrAccountNotFound):
			return nil, fmt.Errorf("find account: %w", err)
		}
		if len(allow) == 0 {
			allow = passkey.DecoyCredentialIDs(s.cfg.DecoySecret, username)
		}
	}

	return s.newChallenge(ctx, accountID, domain.ChallengeAuthentication, "", func(challenge []byte) any {
		return s.cfg.RelyingParty.NewRequestOptions(challenge, allow)
	})
}

// Login completes a passkey sign-in and starts a session.
func (s *PasskeyService) Login(ctx context.Context, challengeID string, credential []byte, device domain.DeviceInfo) (*TokenPair, error) {
	c, err := s.consume(ctx, challengeID, ceremonyAuthentication)
	if err != nil {
		return nil, s.fail(ceremonyAuthentication, err)
	}
	now := s.now()

	assertion, err := passkey.ParseAssertion(credential)
	if err != nil {
		s.log.Info().Err(err).Str("challenge_id", c.ID).Msg("passkey assertion rejected")
		return nil, s.fail(ceremonyAuthentication, err)
	}
	cred, err := s.credentials.FindByCredentialID(ctx, assertion.CredentialID())
	if errors.Is(err, repository.ErrCredentialNotFound) {
		return nil, s.fail(ceremonyAuthentication, ErrInvalidCredentials)
	}
	if err != nil {
		return nil, fmt.Errorf("find credential: %w", err)
	}

	if err := c.Validate(cred.AccountID, domain.ChallengeAuthentication, now); err != nil {
		s.log.Warn().Str("challenge_id", c.ID).Str("account_id", cred.AccountID).Str("reason", domain.ReasonOf(err)).Msg("passkey challenge rejected")
		return nil, s.fail(ceremonyAuthentication, err)
	}

	if err := s.verifier.VerifyAssertion(assertion, c.Challenge, cred); err != nil {
		s.log.Info().Err(err).Str("account_id", cred.AccountID).Msg("passkey assertion rejected")
		return nil, s.fail(ceremonyAuthentication, err)
	}
	stored := cred.SignCount
	counterLog := func() *zerolog.Event {
		return s.log.Warn().
			Str("account_id", cred.AccountID).
			Str("credential", cred.ID).
			Uint32("stored_counter", stored).
			Uint32("presented_counter", assertion.SignCount()).
			Str("reason", domain.ReasonCounterRegressed)
	}
	if err := cred.RecordUse(assertion.SignCount(), now); err != nil {
		counterLog().Msg("passkey counter did not advance, possible cloned authenticator")
		return nil, s.fail(ceremonyAuthentication, err)
	}
	// Another sign-in may have advanced the counter since it was read.
	if err := s.credentials.UpdateCounter(ctx, cred.ID, stored, cred.SignCount, now); err != nil {
		if errors.Is(err, repository.ErrCounterConflict) {
			counterLog().Msg("passkey counter changed during sign-in, possible cloned authenticator")
			return nil, s.fail(ceremonyAuthentication, err)
		}
		return nil, fmt.Errorf("update credential counter: %w", err)
	}

	account, err := s.accounts.FindByID(ctx, cred.AccountID)
	if errors.Is(err, repository.ErrAccountNotFound) {
		s.log.Warn().Str("account_id", cred.AccountID).Str("credential", cred.ID).Msg("passkey owner no longer exists")
		return nil, s.fail(ceremonyAuthentication, ErrInvalidCredentials)
	}
	if err != nil {
		return nil, fmt.Errorf("find account: %w", err)
	}
	pair, err := s.logins.completeLogin(ctx, account, MethodPasskey, device)
	if err != nil {
		return nil, s.fail(ceremonyAuthentication, err)
	}
	s.metrics.Passkey(ceremonyAuthentication, metrics.ResultSuccess)
	return pair, nil
}
