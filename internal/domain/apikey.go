package domain

import (
	"crypto/subtle"
	"strings"
	"time"

	"github.com/dlddu/tiny-identity/internal/permission"
)

// APIKeyPrefix marks raw API key credentials.
const APIKeyPrefix = "tik_"

const maxAPIKeyNameLen = 100

// APIKey is a standalone long-lived credential with a fixed scope snapshot.
type APIKey struct {
	ID         string           `json:"id"`
	AccountID  string           `json:"account_id"`
	Name       string           `json:"name"`
	KeyHash    string           `json:"-"`
	Prefix     string           `json:"prefix"`
	Scope      permission.Scope `json:"scope"`
	CreatedAt  time.Time        `json:"created_at"`
	ExpiresAt  *time.Time       `json:"expires_at,omitempty"`
	LastUsedAt *time.Time       `json:"last_used_at,omitempty"`
	RevokedAt  *time.Time       `json:"revoked_at,omitempty"`
}

// ValidateAPIKeyRequest checks a creation request before any state changes.
func ValidateAPIKeyRequest(name string, expiresAt *time.Time, now time.Time) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ValidationError("api key name is required")
	}
	if len(name) > maxAPIKeyNameLen {
		return ValidationError("api key name exceeds %d characters", maxAPIKeyNameLen)
	}
	if expiresAt != nil && !expiresAt.After(now) {
		return ValidationError("api key expiry must be in the future")
	}
	return nil
}

// RestrictForAPIKey derives the scope an API key may carry from its creator's
// scope: credential-management permissions are removed and explicitly denied.
func RestrictForAPIKey(creator permission.Scope) permission.Scope {
	return creator.Restrict(permission.CredentialManagement...)
}

// IsExpired reports whether the key has an expiry at or before now.
func (k *APIKey) IsExpired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

// IsRevoked reports whether the key was revoked.
func (k *APIKey) IsRevoked() bool {
	return k.RevokedAt != nil
}

// Usable returns nil when the key may authenticate at now.
func (k *APIKey) Usable(now time.Time) error {
	if k.IsRevoked() {
		return &Error{Kind: KindInvalidCredential, Reason: ReasonKeyRevoked}
	}
	if k.IsExpired(now) {
		return &Error{Kind: KindInvalidCredential, Reason: ReasonKeyExpired}
	}
	return nil
}

// MatchesHash compares hash with the stored key hash in constant time.
func (k *APIKey) MatchesHash(hash string) bool {
	if hash == "" || k.KeyHash == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(hash), []byte(k.KeyHash)) == 1
}

// Revoke is idempotent and reports whether this call changed anything.
func (k *APIKey) Revoke(now time.Time) bool {
	if k.RevokedAt != nil {
		return false
	}
	t := now
	k.RevokedAt = &t
	return true
}

// Touch records a successful use.
func (k *APIKey) Touch(now time.Time) {
	t := now
	k.LastUsedAt = &t
}
