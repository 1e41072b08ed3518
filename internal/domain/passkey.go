package domain

import (
	"time"
)

// ChallengeType distinguishes registration from authentication ceremonies.
type ChallengeType string

const (
	ChallengeRegistration   ChallengeType = "registration"
	ChallengeAuthentication ChallengeType = "authentication"
)

// DefaultChallengeTTL bounds how long a passkey challenge stays usable.
const DefaultChallengeTTL = 5 * time.Minute

// ChallengeSize is the number of random challenge bytes.
const ChallengeSize = 32

// COSE algorithm identifiers accepted for passkey public keys.
const (
	AlgES256 = -7
	AlgEdDSA = -8
)

// PasskeyChallenge is a single-use freshness token for one ceremony.
type PasskeyChallenge struct {
	ID             string        `json:"id"`
	Challenge      []byte        `json:"challenge"`
	AccountID      string        `json:"account_id,omitempty"`
	Type           ChallengeType `json:"type"`
	Options        []byte        `json:"options,omitempty"`
	CredentialName string        `json:"credential_name,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	ExpiresAt      time.Time     `json:"expires_at"`
}

// NewPasskeyChallenge creates a challenge that expires after ttl.
func NewPasskeyChallenge(id string, challenge []byte, accountID string, typ ChallengeType, now time.Time, ttl time.Duration) (*PasskeyChallenge, error) {
	if id == "" {
		return nil, ValidationError("challenge id is required")
	}
	if len(challenge) < 16 {
		return nil, ValidationError("challenge too short")
	}
	if typ != ChallengeRegistration && typ != ChallengeAuthentication {
		return nil, ValidationError("unknown challenge type %q", typ)
	}
	if typ == ChallengeRegistration && accountID == "" {
		return nil, ValidationError("registration challenge requires an account")
	}
	if ttl <= 0 {
		ttl = DefaultChallengeTTL
	}
	c := make([]byte, len(challenge))
	copy(c, challenge)
	return &PasskeyChallenge{
		ID:        id,
		Challenge: c,
		AccountID: accountID,
		Type:      typ,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}, nil
}

// IsExpired reports whether the challenge expired at or before now.
func (c *PasskeyChallenge) IsExpired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Validate checks the challenge against the ceremony about to use it.
// For registration accountID is the caller; for authentication it is the
// owner of the asserting credential, checked only when the challenge was
// bound to an account.
func (c *PasskeyChallenge) Validate(accountID string, typ ChallengeType, now time.Time) error {
	if c.IsExpired(now) {
		return &Error{Kind: KindChallengeInvalid, Reason: ReasonChallengeExpired}
	}
	if c.Type != typ {
		return &Error{Kind: KindChallengeInvalid, Reason: ReasonChallengeType}
	}
	switch typ {
	case ChallengeRegistration:
		if c.AccountID == "" || c.AccountID != accountID {
			return &Error{Kind: KindChallengeInvalid, Reason: ReasonChallengeOwner}
		}
	case ChallengeAuthentication:
		if c.AccountID != "" && c.AccountID != accountID {
			return &Error{Kind: KindChallengeInvalid, Reason: ReasonChallengeOwner}
		}
	}
	return nil
}

// IsValidFor is Validate as a predicate.
func (c *PasskeyChallenge) IsValidFor(accountID string, typ ChallengeType, now time.Time) bool {
	return c.Validate(accountID, typ, now) == nil
}

// PasskeyCredential is a registered public-key credential.
type PasskeyCredential struct {
	ID                string     `json:"id"`
	AccountID         string     `json:"account_id"`
	Name              string     `json:"name"`
	CredentialID      []byte     `json:"credential_id"`
	PublicKey         []byte     `json:"-"`
	Algorithm         int        `json:"algorithm"`
	SignCount         uint32     `json:"sign_count"`
	AAGUID            []byte     `json:"aaguid,omitempty"`
	UserHandle        []byte     `json:"-"`
	AttestationFormat string     `json:"attestation_format"`
	RegisteredAt      time.Time  `json:"registered_at"`
	LastUsedAt        *time.Time `json:"last_used_at,omitempty"`
}

// VerifyCounter enforces a strictly increasing signature counter. Anything
// else points at a cloned authenticator.
func (c *PasskeyCredential) VerifyCounter(presented uint32) error {
	if presented <= c.SignCount {
		return &Error{Kind: KindInvalidCredential, Reason: ReasonCounterRegressed}
	}
	return nil
}

// RecordUse stores the new counter after a verified assertion.
func (c *PasskeyCredential) RecordUse(counter uint32, now time.Time) error {
	if err := c.VerifyCounter(counter); err != nil {
		return err
	}
	c.SignCount = counter
	t := now
	c.LastUsedAt = &t
	return nil
}
