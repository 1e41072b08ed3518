package domain

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/dlddu/tiny-identity/internal/permission"
)

// AccountStatus is the lifecycle state of an account.
type AccountStatus string

const (
	StatusPendingActivation AccountStatus = "pending_activation"
	StatusActive            AccountStatus = "active"
	StatusSuspended         AccountStatus = "suspended"
	StatusLocked            AccountStatus = "locked"
	StatusDeactivated       AccountStatus = "deactivated"
)

// Valid reports whether s is a known status.
func (s AccountStatus) Valid() bool {
	switch s {
	case StatusPendingActivation, StatusActive, StatusSuspended, StatusLocked, StatusDeactivated:
		return true
	}
	return false
}

// LockoutPolicy controls when repeated failed logins lock an account.
type LockoutPolicy struct {
	Threshold int
	Duration  time.Duration
}

// DefaultLockoutPolicy locks after 5 consecutive failures for 15 minutes.
var DefaultLockoutPolicy = LockoutPolicy{Threshold: 5, Duration: 15 * time.Minute}

// ExternalIdentity links an account to a subject at an external provider.
type ExternalIdentity struct {
	Provider string    `json:"provider"`
	Subject  string    `json:"subject"`
	LinkedAt time.Time `json:"linked_at"`
}

const (
	minUsernameLen = 3
	maxUsernameLen = 50
	maxEmailLen    = 254
)

var usernamePattern = regexp.MustCompile(`^[a-z0-9_.-]+$`)

// NormalizeUsername trims and lower-cases a username.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// NormalizeEmail trims and lower-cases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateUsername checks a normalized username.
func ValidateUsername(username string) error {
	if len(username) < minUsernameLen || len(username) > maxUsernameLen {
		return ValidationError("username must be %d-%d characters", minUsernameLen, maxUsernameLen)
	}
	if !usernamePattern.MatchString(username) {
		return ValidationError("username contains invalid characters")
	}
	return nil
}

// ValidateEmail performs a structural check of a normalized email address.
func ValidateEmail(email string) error {
	if email == "" || len(email) > maxEmailLen || strings.ContainsAny(email, " \t\r\n") {
		return ValidationError("invalid email format")
	}
	local, host, ok := strings.Cut(email, "@")
	if !ok || local == "" || host == "" || strings.Contains(host, "@") {
		return ValidationError("invalid email format")
	}
	if !strings.Contains(host, ".") && host != "localhost" {
		return ValidationError("invalid email format")
	}
	return nil
}

// Account is the identity aggregate. All state changes go through its methods;
// accessors return copies.
type Account struct {
	id                string
	username          string
	displayName       string
	email             string
	emailVerified     bool
	passwordHash      string
	status            AccountStatus
	lockedUntil       time.Time
	failedLogins      int
	mustResetPassword bool
	grants            map[string]struct{}
	roles             []RoleAssignment
	identities        []ExternalIdentity
	createdAt         time.Time
	updatedAt         time.Time
}

// AccountSnapshot carries every persisted field of an Account.
type AccountSnapshot struct {
	ID                string
	Username          string
	DisplayName       string
	Email             string
	EmailVerified     bool
	PasswordHash      string
	Status            AccountStatus
	LockedUntil       time.Time
	FailedLogins      int
	MustResetPassword bool
	Grants            []string
	Roles             []RoleAssignment
	Identities        []ExternalIdentity
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// NewAccount creates a PendingActivation account. email may be empty.
func NewAccount(id, username, email string, now time.Time) (*Account, error) {
	if id == "" {
		return nil, ValidationError("account id is required")
	}
	username = NormalizeUsername(username)
	if err := ValidateUsername(username); err != nil {
		return nil, err
	}
	email = NormalizeEmail(email)
	if email != "" {
		if err := ValidateEmail(email); err != nil {
			return nil, err
		}
	}
	return &Account{
		id:          id,
		username:    username,
		displayName: username,
		email:       email,
		status:      StatusPendingActivation,
		grants:      make(map[string]struct{}),
		createdAt:   now,
		updatedAt:   now,
	}, nil
}

// RehydrateAccount rebuilds an account from persisted state.
func RehydrateAccount(s AccountSnapshot) (*Account, error) {
	if s.ID == "" || s.Username == "" {
		return nil, ValidationError("account snapshot missing identity")
	}
	if !s.Status.Valid() {
		return nil, ValidationError("account snapshot has unknown status %q", s.Status)
	}
	a := &Account{
		id:                s.ID,
		username:          s.Username,
		displayName:       s.DisplayName,
		email:             s.Email,
		emailVerified:     s.EmailVerified,
		passwordHash:      s.PasswordHash,
		status:            s.Status,
		lockedUntil:       s.LockedUntil,
		failedLogins:      s.FailedLogins,
		mustResetPassword: s.MustResetPassword,
		grants:            make(map[string]struct{}, len(s.Grants)),
		createdAt:         s.CreatedAt,
		updatedAt:         s.UpdatedAt,
	}
	if a.displayName == "" {
		a.displayName = a.username
	}
	for _, g := range s.Grants {
		a.grants[g] = struct{}{}
	}
	for _, r := range s.Roles {
		a.roles = append(a.roles, r.clone())
	}
	a.identities = append(a.identities, s.Identities...)
	return a, nil
}

// Snapshot returns a copy of the persisted state.
func (a *Account) Snapshot() AccountSnapshot {
	return AccountSnapshot{
		ID:                a.id,
		Username:          a.username,
		DisplayName:       a.displayName,
		Email:             a.email,
		EmailVerified:     a.emailVerified,
		PasswordHash:      a.passwordHash,
		Status:            a.status,
		LockedUntil:       a.lockedUntil,
		FailedLogins:      a.failedLogins,
		MustResetPassword: a.mustResetPassword,
		Grants:            a.Grants(),
		Roles:             a.Roles(),
		Identities:        a.Identities(),
		CreatedAt:         a.createdAt,
		UpdatedAt:         a.updatedAt,
	}
}

func (a *Account) ID() string { return a.id }
func (a *Account) Username() string { return a.username }
func (a *Account) DisplayName() string { return a.displayName }
func (a *Account) Email() string { return a.email }
func (a *Account) EmailVerified() bool { return a.emailVerified }
func (a *Account) PasswordHash() string { return a.passwordHash }
func (a *Account) HasPassword() bool { return a.passwordHash != "" }
func (a *Account) Status() AccountStatus { return a.status }
func (a *Account) LockedUntil() time.Time { return a.lockedUntil }
func (a *Account) FailedLogins() int { return a.failedLogins }
func (a *Account) MustResetPassword() bool { return a.mustResetPassword }
func (a *Account) CreatedAt() time.Time { return a.createdAt }
func (a *Account) UpdatedAt() time.Time { return a.updatedAt }

// Grants returns the direct permission grants, sorted.
func (a *Account) Grants() []string {
	out := make([]string, 0, len(a.grants))
	for g := range a.grants {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// Roles returns copies of the role assignments.
func (a *Account) Roles() []RoleAssignment {
	out := make([]RoleAssignment, len(a.roles))
	for i, r := range a.roles {
		out[i] = r.clone()
	}
	return out
}

// Identities returns copies of the external identity links.
func (a *Account) Identities() []ExternalIdentity {
	out := make([]ExternalIdentity, len(a.identities))
	copy(out, a.identities)
	return out
}

// CanAuthenticate reports whether the account may sign in at now.
func (a *Account) CanAuthenticate(now time.Time) bool {
	switch a.status {
	case StatusDeactivated, StatusSuspended:
		return false
	case StatusLocked:
		return !now.Before(a.lockedUntil)
	default:
		return true
	}
}

// AuthenticationError explains why CanAuthenticate is false, or returns nil.
func (a *Account) AuthenticationError(now time.Time) error {
	if a.CanAuthenticate(now) {
		return nil
	}
	switch a.status {
	case StatusDeactivated:
		return &Error{Kind: KindAccountState, Reason: ReasonAccountInactive}
	case StatusSuspended:
		return &Error{Kind: KindAccountState, Reason: ReasonAccountSuspended}
	default:
		return &Error{Kind: KindAccountState, Reason: ReasonAccountLocked}
	}
}

// RecordFailedLogin counts a failed attempt and locks the account once the
// policy threshold is reached. Failures after an expired lock start a fresh
// window. It reports whether this call locked the account.
func (a *Account) RecordFailedLogin(now time.Time, policy LockoutPolicy) bool {
	if a.status == StatusDeactivated || a.status == StatusSuspended {
		return false
	}
	if policy.Threshold <= 0 {
		policy = DefaultLockoutPolicy
	}
	if a.status == StatusLocked {
		if now.Before(a.lockedUntil) {
			return false
		}
		a.status = StatusActive
		a.lockedUntil = time.Time{}
		a.failedLogins = 0
	}
	a.failedLogins++
	a.updatedAt = now
	if a.failedLogins >= policy.Threshold {
		a.status = StatusLocked
		a.lockedUntil = now.Add(policy.Duration)
		return true
	}
	return false
}

// RecordSuccessfulLogin clears failure state and activates pending accounts.
func (a *Account) RecordSuccessfulLogin(now time.Time) error {
	if !a.CanAuthenticate(now) {
		return a.AuthenticationError(now)
	}
	a.failedLogins = 0
	a.lockedUntil = time.Time{}
	a.mustResetPassword = false
	if a.status == StatusLocked || a.status == StatusPendingActivation {
		a.status = StatusActive
	}
	a.updatedAt = now
	return nil
}

// Suspend blocks authentication. There is no way back from Suspended.
func (a *Account) Suspend(now time.Time) error {
	switch a.status {
	case StatusActive, StatusPendingActivation, StatusLocked:
	default:
		return StateError("cannot suspend %s account", a.status)
	}
	a.status = StatusSuspended
	a.lockedUntil = time.Time{}
	a.updatedAt = now
	return nil
}

// Deactivate is terminal. The account is retained.
func (a *Account) Deactivate(now time.Time) error {
	if a.status == StatusDeactivated {
		return StateError("account already deactivated")
	}
	a.status = StatusDeactivated
	a.lockedUntil = time.Time{}
	a.updatedAt = now
	return nil
}

// Unlock lifts a lockout before it expires.
func (a *Account) Unlock(now time.Time) error {
	if a.status != StatusLocked {
		return StateError("cannot unlock %s account", a.status)
	}
	a.status = StatusActive
	a.lockedUntil = time.Time{}
	a.failedLogins = 0
	a.updatedAt = now
	return nil
}

// VerifyEmail marks the email verified and activates a pending account.
func (a *Account) VerifyEmail(now time.Time) error {
	if a.email == "" {
		return ValidationError("account has no email")
	}
	if a.status == StatusDeactivated {
		return StateError("cannot verify email of deactivated account")
	}
	a.emailVerified = true
	if a.status == StatusPendingActivation {
		a.status = StatusActive
	}
	a.updatedAt = now
	return nil
}

// SetDisplayName changes the display name; empty falls back to the username.
func (a *Account) SetDisplayName(name string, now time.Time) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = a.username
	}
	a.displayName = name
	a.updatedAt = now
}

// SetPassword stores a new password hash and clears the forced-reset flag.
func (a *Account) SetPassword(hash string, now time.Time) error {
	if hash == "" {
		return ValidationError("password hash is required")
	}
	if a.status == StatusDeactivated {
		return StateError("cannot change password of deactivated account")
	}
	a.passwordHash = hash
	a.mustResetPassword = false
	a.updatedAt = now
	return nil
}

// RequirePasswordReset forces a password change at next sign-in.
func (a *Account) RequirePasswordReset(now time.Time) {
	a.mustResetPassword = true
	a.updatedAt = now
}

// Grant adds a direct permission directive.
func (a *Account) Grant(directive string, now time.Time) error {
	d, err := permission.ParseDirective(directive)
	if err != nil {
		return Wrap(KindValidation, "invalid grant", err)
	}
	a.grants[d.String()] = struct{}{}
	a.updatedAt = now
	return nil
}

// RevokeGrant removes a direct permission directive. Unknown grants are ignored.
func (a *Account) RevokeGrant(directive string, now time.Time) {
	if d, err := permission.ParseDirective(directive); err == nil {
		directive = d.String()
	}
	delete(a.grants, directive)
	a.updatedAt = now
}

// HasRole reports whether roleID is assigned.
func (a *Account) HasRole(roleID string) bool {
	for _, r := range a.roles {
		if r.RoleID == roleID {
			return true
		}
	}
	return false
}

// AssignRole assigns a role or replaces the bindings of an existing assignment.
func (a *Account) AssignRole(roleID string, bindings map[string]string, now time.Time) error {
	if roleID == "" {
		return ValidationError("role id is required")
	}
	if err := ValidateBindings(bindings); err != nil {
		return err
	}
	if a.status == StatusDeactivated {
		return StateError("cannot assign roles to deactivated account")
	}
	assignment := RoleAssignment{RoleID: roleID, Bindings: bindings}.clone()
	for i, r := range a.roles {
		if r.RoleID == roleID {
			a.roles[i] = assignment
			a.updatedAt = now
			return nil
		}
	}
	a.roles = append(a.roles, assignment)
	a.updatedAt = now
	return nil
}

// UnassignRole removes a role assignment if present.
func (a *Account) UnassignRole(roleID string, now time.Time) {
	for i, r := range a.roles {
		if r.RoleID == roleID {
			a.roles = append(a.roles[:i], a.roles[i+1:]...)
			a.updatedAt = now
			return
		}
	}
}

// LinkIdentity attaches an external identity. Linking the same provider twice
// is rejected; uniqueness across accounts is the store's job.
func (a *Account) LinkIdentity(provider, subject string, now time.Time) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	subject = strings.TrimSpace(subject)
	if provider == "" || subject == "" {
		return ValidationError("provider and subject are required")
	}
	for _, id := range a.identities {
		if id.Provider == provider {
			if id.Subject == subject {
				return nil
			}
			return Errorf(KindConflict, "provider %s already linked", provider)
		}
	}
	a.identities = append(a.identities, ExternalIdentity{Provider: provider, Subject: subject, LinkedAt: now})
	a.updatedAt = now
	return nil
}

// UnlinkIdentity removes the link to provider. The last sign-in method cannot
// be removed.
func (a *Account) UnlinkIdentity(provider string, now time.Time) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	for i, id := range a.identities {
		if id.Provider != provider {
			continue
		}
		if !a.HasPassword() && len(a.identities) == 1 {
			return StateError("cannot remove last sign-in method")
		}
		a.identities = append(a.identities[:i], a.identities[i+1:]...)
		a.updatedAt = now
		return nil
	}
	return Errorf(KindNotFound, "provider %s not linked", provider)
}

// BuildEffectivePermissions returns the union of direct grants and the expanded
// templates of assigned roles, deduplicated and sorted. roles is keyed by role
// id; assignments whose role is missing contribute nothing.
func (a *Account) BuildEffectivePermissions(roles map[string]*Role) []string {
	set := make(map[string]struct{}, len(a.grants))
	for g := range a.grants {
		set[g] = struct{}{}
	}
	for _, assignment := range a.roles {
		role, ok := roles[assignment.RoleID]
		if !ok || role == nil {
			continue
		}
		for _, p := range role.Expand(assignment.Bindings) {
			set[p] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// RoleCodes returns the codes of assigned roles found in roles, sorted.
func (a *Account) RoleCodes(roles map[string]*Role) []string {
	out := make([]string, 0, len(a.roles))
	for _, assignment := range a.roles {
		if role, ok := roles[assignment.RoleID]; ok && role != nil {
			out = append(out, role.Code)
		}
	}
	sort.Strings(out)
	return out
}
