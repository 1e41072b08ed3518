package domain

import (
	"crypto/subtle"
	"strings"
	"time"
)

// Session revocation reasons.
const (
	RevokedByLogout      = "logout"
	RevokedByUser        = "user_revoked"
	RevokedByRevokeAll   = "revoke_all"
	RevokedByTheft       = "theft_detected"
	RevokedByAccountLock = "account_disabled"
)

const (
	maxDeviceNameLen = 100
	maxUserAgentLen  = 512
)

// DeviceInfo is informational metadata captured at login.
type DeviceInfo struct {
	Name      string `json:"device_name,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	IP        string `json:"ip,omitempty"`
}

// Normalize trims fields and caps their length.
func (d DeviceInfo) Normalize() DeviceInfo {
	d.Name = truncate(strings.TrimSpace(d.Name), maxDeviceNameLen)
	d.UserAgent = truncate(strings.TrimSpace(d.UserAgent), maxUserAgentLen)
	d.IP = strings.TrimSpace(d.IP)
	return d
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Session is one login's refresh-token lineage. Only the hash of the current
// refresh secret is kept; rotation replaces it.
type Session struct {
	ID               string     `json:"id"`
	AccountID        string     `json:"account_id"`
	RefreshTokenHash string     `json:"-"`
	Generation       int        `json:"generation"`
	Device           DeviceInfo `json:"device"`
	CreatedAt        time.Time  `json:"created_at"`
	LastUsedAt       time.Time  `json:"last_used_at"`
	ExpiresAt        time.Time  `json:"expires_at"`
	Revoked          bool       `json:"revoked"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	RevokedReason    string     `json:"revoked_reason,omitempty"`
}

// NewSession starts a lineage with its first refresh hash.
func NewSession(id, accountID, refreshTokenHash string, expiresAt time.Time, device DeviceInfo, now time.Time) (*Session, error) {
	if id == "" || accountID == "" {
		return nil, ValidationError("session id and account id are required")
	}
	if refreshTokenHash == "" {
		return nil, ValidationError("refresh token hash is required")
	}
	if !expiresAt.After(now) {
		return nil, ValidationError("session expiry must be in the future")
	}
	return &Session{
		ID:               id,
		AccountID:        accountID,
		RefreshTokenHash: refreshTokenHash,
		Generation:       1,
		Device:           device.Normalize(),
		CreatedAt:        now,
		LastUsedAt:       now,
		ExpiresAt:        expiresAt,
	}, nil
}

// IsExpired reports whether the session expired at or before now.
func (s *Session) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// IsActive reports whether the session can still be refreshed.
func (s *Session) IsActive(now time.Time) bool {
	return !s.Revoked && !s.IsExpired(now)
}

// MatchesHash compares hash with the current refresh hash in constant time.
func (s *Session) MatchesHash(hash string) bool {
	if hash == "" || s.RefreshTokenHash == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(hash), []byte(s.RefreshTokenHash)) == 1
}

// RotateRefreshToken replaces the current hash and extends the session. The
// store must persist the result conditionally on the previous hash.
func (s *Session) RotateRefreshToken(newHash string, newExpiresAt, now time.Time) error {
	if newHash == "" {
		return ValidationError("refresh token hash is required")
	}
	if s.Revoked {
		return &Error{Kind: KindRefreshTokenInvalid, Reason: ReasonSessionRevoked}
	}
	if s.IsExpired(now) {
		return &Error{Kind: KindRefreshTokenInvalid, Reason: ReasonSessionExpired}
	}
	s.RefreshTokenHash = newHash
	s.Generation++
	s.LastUsedAt = now
	if newExpiresAt.After(s.ExpiresAt) {
		s.ExpiresAt = newExpiresAt
	}
	return nil
}

// Revoke marks the session revoked. Revoking twice keeps the first timestamp
// and reason; it reports whether this call changed anything.
func (s *Session) Revoke(reason string, now time.Time) bool {
	if s.Revoked {
		return false
	}
	s.Revoked = true
	t := now
	s.RevokedAt = &t
	s.RevokedReason = reason
	return true
}
