package jwt

import (
	"github.com/golang-jwt/jwt/v5"

	"github.com/dlddu/tiny-identity/internal/domain"
	"github.com/dlddu/tiny-identity/internal/permission"
)

// AccessClaims is the payload of an access credential.
type AccessClaims struct {
	Username    string   `json:"username,omitempty"`
	Name        string   `json:"name,omitempty"`
	Email       string   `json:"email,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions"`
	Anonymous   bool     `json:"anon,omitempty"`
	SessionID   string   `json:"sid,omitempty"`
	Kind        string   `json:"kind"`
	jwt.RegisteredClaims
}

// UserSession rebuilds the issuance snapshot carried by the claims.
func (c *AccessClaims) UserSession() (domain.UserSession, error) {
	scope, err := permission.ParseScope(c.Permissions)
	if err != nil {
		return domain.UserSession{}, err
	}
	p := domain.UserSessionParams{
		AccountID:   c.Subject,
		Username:    c.Username,
		DisplayName: c.Name,
		Email:       c.Email,
		Scope:       scope,
		Roles:       c.Roles,
		Anonymous:   c.Anonymous,
		SessionID:   c.SessionID,
		Kind:        domain.CredentialKind(c.Kind),
	}
	if c.IssuedAt != nil {
		p.IssuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		p.ExpiresAt = c.ExpiresAt.Time
	}
	return domain.NewUserSession(p), nil
}
