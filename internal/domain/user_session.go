package domain

import (
	"time"

	"github.com/dlddu/tiny-identity/internal/permission"
)

// CredentialKind tells which kind of credential a UserSession was issued for.
type CredentialKind string

const (
	CredentialSession CredentialKind = "session"
	CredentialAPIKey  CredentialKind = "api_key"
)

// UserSessionParams feeds NewUserSession. If Scope is empty, Permissions is
// read as a legacy flat permission list.
type UserSessionParams struct {
	AccountID   string
	Username    string
	DisplayName string
	Email       string
	Scope       permission.Scope
	Permissions []string
	Roles       []string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	Anonymous   bool
	SessionID   string
	APIKeyID    string
	Kind        CredentialKind
}

// UserSession is the immutable issuance snapshot that access-credential claims
// are derived from. It is rebuilt on every issuance.
type UserSession struct {
	accountID   string
	username    string
	displayName string
	email       string
	scope       permission.Scope
	roles       []string
	issuedAt    time.Time
	expiresAt   time.Time
	anonymous   bool
	sessionID   string
	apiKeyID    string
	kind        CredentialKind
}

// NewUserSession builds a snapshot from p.
func NewUserSession(p UserSessionParams) UserSession {
	scope := p.Scope
	if scope.IsEmpty() && len(p.Permissions) > 0 {
		scope = permission.FromPermissions(p.Permissions)
	}
	kind := p.Kind
	if kind == "" {
		kind = CredentialSession
	}
	roles := make([]string, len(p.Roles))
	copy(roles, p.Roles)
	return UserSession{
		accountID:   p.AccountID,
		username:    p.Username,
		displayName: p.DisplayName,
		email:       p.Email,
		scope:       permission.NewScope(scope.Directives()...),
		roles:       roles,
		issuedAt:    p.IssuedAt,
		expiresAt:   p.ExpiresAt,
		anonymous:   p.Anonymous,
		sessionID:   p.SessionID,
		apiKeyID:    p.APIKeyID,
		kind:        kind,
	}
}

// AnonymousSession is the snapshot for an unauthenticated caller. It grants nothing.
func AnonymousSession(now time.Time) UserSession {
	return UserSession{anonymous: true, issuedAt: now, expiresAt: now, kind: CredentialSession}
}

func (u UserSession) AccountID() string { return u.accountID }
func (u UserSession) Username() string { return u.username }
func (u UserSession) DisplayName() string { return u.displayName }
func (u UserSession) Email() string { return u.email }
func (u UserSession) Scope() permission.Scope { return u.scope }
func (u UserSession) IssuedAt() time.Time { return u.issuedAt }
func (u UserSession) ExpiresAt() time.Time { return u.expiresAt }
func (u UserSession) IsAnonymous() bool { return u.anonymous }
func (u UserSession) SessionID() string { return u.sessionID }
func (u UserSession) APIKeyID() string { return u.apiKeyID }
func (u UserSession) Kind() CredentialKind { return u.kind }

// Roles returns a copy of the role codes.
func (u UserSession) Roles() []string {
	out := make([]string, len(u.roles))
	copy(out, u.roles)
	return out
}

// Permissions returns the captured scope as sorted directive strings.
func (u UserSession) Permissions() []string {
	return u.scope.Strings()
}

// HasPermission evaluates perm against the captured scope.
func (u UserSession) HasPermission(perm string, params map[string]string) bool {
	if u.anonymous {
		return false
	}
	return u.scope.HasPermission(perm, params)
}
