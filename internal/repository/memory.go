package repository

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/dlddu/tiny-identity/internal/domain"
)

// MemoryStore keeps everything in process memory. It honours the same
// uniqueness and compare-and-swap rules as the PostgreSQL store and is used
// by tests and single-node development runs.
type MemoryStore struct {
	mu          sync.RWMutex
	accounts    map[string]domain.AccountSnapshot
	sessions    map[string]domain.Session
	roles       map[string]domain.Role
	challenges  map[string]domain.PasskeyChallenge
	credentials map[string]domain.PasskeyCredential
	apiKeys     map[string]domain.APIKey
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:    make(map[string]domain.AccountSnapshot),
		sessions:    make(map[string]domain.Session),
		roles:       make(map[string]domain.Role),
		challenges:  make(map[string]domain.PasskeyChallenge),
		credentials: make(map[string]domain.PasskeyCredential),
		apiKeys:     make(map[string]domain.APIKey),
	}
}

// Store exposes the memory store through the repository interfaces.
func (m *MemoryStore) Store() *Store {
	return &Store{
		Accounts:    memAccounts{m},
		Sessions:    memSessions{m},
		Roles:       memRoles{m},
		Challenges:  memChallenges{m},
		Credentials: memCredentials{m},
		APIKeys:     memAPIKeys{m},
	}
}

// NewMemory returns a Store backed by a fresh MemoryStore.
func NewMemory() *Store {
	return NewMemoryStore().Store()
}

type memAccounts struct{ m *MemoryStore }

func (r memAccounts) find(match func(domain.AccountSnapshot) bool) (*domain.Account, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	for _, snap := range r.m.accounts {
		if match(snap) {
			return domain.RehydrateAccount(snap)
		}
	}
	return nil, ErrAccountNotFound
}

func (r memAccounts) FindByID(_ context.Context, id string) (*domain.Account, error) {
	r.m.mu.RLock()
	snap, ok := r.m.accounts[id]
	r.m.mu.RUnlock()
	if !ok {
		return nil, ErrAccountNotFound
	}
	return domain.RehydrateAccount(snap)
}

func (r memAccounts) FindByUsername(_ context.Context, username string) (*domain.Account, error) {
	username = domain.NormalizeUsername(username)
	return r.find(func(s domain.AccountSnapshot) bool { return username != "" && s.Username == username })
}

func (r memAccounts) FindByEmail(_ context.Context, email string) (*domain.Account, error) {
	email = domain.NormalizeEmail(email)
	return r.find(func(s domain.AccountSnapshot) bool { return email != "" && s.Email == email })
}

func (r memAccounts) FindByExternalIdentity(_ context.Context, provider, subject string) (*domain.Account, error) {
	return r.find(func(s domain.AccountSnapshot) bool {
		for _, id := range s.Identities {
			if id.Provider == provider && id.Subject == subject {
				return true
			}
		}
		return false
	})
}

func (r memAccounts) Save(_ context.Context, account *domain.Account) error {
	if account == nil {
		return errors.New("account cannot be nil")
	}
	snap := account.Snapshot()

	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for id, other := range r.m.accounts {
		if id == snap.ID {
			continue
		}
		if other.Username == snap.Username || (snap.Email != "" && other.Email == snap.Email) {
			return ErrDuplicate
		}
		for _, a := range other.Identities {
			for _, b := range snap.Identities {
				if a.Provider == b.Provider && a.Subject == b.Subject {
					return ErrDuplicate
				}
			}
		}
	}
	r.m.accounts[snap.ID] = snap
	return nil
}

type memSessions struct{ m *MemoryStore }

func (r memSessions) FindByID(_ context.Context, id string) (*domain.Session, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	s, ok := r.m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return copySession(s), nil
}

func (r memSessions) FindByHash(_ context.Context, hash string) (*domain.Session, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	for _, s := range r.m.sessions {
		if hash != "" && s.RefreshTokenHash == hash {
			return copySession(s), nil
		}
	}
	return nil, ErrSessionNotFound
}

func (r memSessions) ListByAccount(_ context.Context, accountID string) ([]*domain.Session, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	var out []*domain.Session
	for _, s := range r.m.sessions {
		if s.AccountID == accountID && !s.Revoked {
			out = append(out, copySession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Save keeps a stored revocation; rotation happens through Rotate.
func (r memSessions) Save(_ context.Context, s *domain.Session) error {
	if s == nil {
		return errors.New("session cannot be nil")
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	next := *copySession(*s)
	if prev, ok := r.m.sessions[s.ID]; ok {
		next.RefreshTokenHash = prev.RefreshTokenHash
		next.Generation = prev.Generation
		if prev.Revoked {
			next.Revoked = true
			next.RevokedAt = prev.RevokedAt
			next.RevokedReason = prev.RevokedReason
		}
	}
	r.m.sessions[s.ID] = next
	return nil
}

func (r memSessions) Rotate(_ context.Context, s *domain.Session, expectedHash string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	prev, ok := r.m.sessions[s.ID]
	if !ok || prev.Revoked || prev.RefreshTokenHash != expectedHash {
		return ErrRotationConflict
	}
	prev.RefreshTokenHash = s.RefreshTokenHash
	prev.Generation = s.Generation
	prev.LastUsedAt = s.LastUsedAt
	prev.ExpiresAt = s.ExpiresAt
	r.m.sessions[s.ID] = prev
	return nil
}

func (r memSessions) RevokeAllForAccount(_ context.Context, accountID, reason string, now time.Time) (int, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	n := 0
	for id, s := range r.m.sessions {
		if s.AccountID != accountID || !s.IsActive(now) {
			continue
		}
		s.Revoke(reason, now)
		r.m.sessions[id] = s
		n++
	}
	return n, nil
}

func copySession(s domain.Session) *domain.Session {
	if s.RevokedAt != nil {
		t := *s.RevokedAt
		s.RevokedAt = &t
	}
	return &s
}

type memRoles struct{ m *MemoryStore }

func (r memRoles) FindByID(_ context.Context, id string) (*domain.Role, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	role, ok := r.m.roles[id]
	if !ok {
		return nil, ErrRoleNotFound
	}
	return copyRole(role), nil
}

func (r memRoles) FindByCode(_ context.Context, code string) (*domain.Role, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	for _, role := range r.m.roles {
		if role.Code == code {
			return copyRole(role), nil
		}
	}
	return nil, ErrRoleNotFound
}

func (r memRoles) FindByIDs(_ context.Context, ids []string) (map[string]*domain.Role, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	out := make(map[string]*domain.Role, len(ids))
	for _, id := range ids {
		if role, ok := r.m.roles[id]; ok {
			out[id] = copyRole(role)
		}
	}
	return out, nil
}

func (r memRoles) Save(_ context.Context, role *domain.Role) error {
	if role == nil {
		return errors.New("role cannot be nil")
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for id, other := range r.m.roles {
		if id != role.ID && other.Code == role.Code {
			return ErrDuplicate
		}
	}
	r.m.roles[role.ID] = *copyRole(*role)
	return nil
}

func (r memRoles) Delete(_ context.Context, id string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	role, ok := r.m.roles[id]
	if !ok {
		return ErrRoleNotFound
	}
	if role.System {
		return ErrSystemRole
	}
	delete(r.m.roles, id)
	return nil
}

func (r memRoles) List(_ context.Context) ([]*domain.Role, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	out := make([]*domain.Role, 0, len(r.m.roles))
	for _, role := range r.m.roles {
		out = append(out, copyRole(role))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func copyRole(role domain.Role) *domain.Role {
	role.Templates = append([]string(nil), role.Templates...)
	return &role
}

type memChallenges struct{ m *MemoryStore }

func (r memChallenges) Find(_ context.Context, id string) (*domain.PasskeyChallenge, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	c, ok := r.m.challenges[id]
	if !ok {
		return nil, ErrChallengeNotFound
	}
	return &c, nil
}

func (r memChallenges) Save(_ context.Context, c *domain.PasskeyChallenge) error {
	if c == nil {
		return errors.New("challenge cannot be nil")
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.challenges[c.ID]; ok {
		return ErrDuplicate
	}
	r.m.challenges[c.ID] = *c
	return nil
}

func (r memChallenges) Delete(_ context.Context, id string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	delete(r.m.challenges, id)
	return nil
}

func (r memChallenges) Consume(_ context.Context, id string) (*domain.PasskeyChallenge, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	c, ok := r.m.challenges[id]
	if !ok {
		return nil, ErrChallengeNotFound
	}
	delete(r.m.challenges, id)
	return &c, nil
}

type memCredentials struct{ m *MemoryStore }

func (r memCredentials) FindByCredentialID(_ context.Context, credentialID []byte) (*domain.PasskeyCredential, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	for _, c := range r.m.credentials {
		if len(credentialID) > 0 && bytes.Equal(c.CredentialID, credentialID) {
			return copyCredential(c), nil
		}
	}
	return nil, ErrCredentialNotFound
}

func (r memCredentials) ListByAccount(_ context.Context, accountID string) ([]*domain.PasskeyCredential, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	var out []*domain.PasskeyCredential
	for _, c := range r.m.credentials {
		if c.AccountID == accountID {
			out = append(out, copyCredential(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt.Before(out[j].RegisteredAt) })
	return out, nil
}

func (r memCredentials) Save(_ context.Context, c *domain.PasskeyCredential) error {
	if c == nil {
		return errors.New("credential cannot be nil")
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for id, other := range r.m.credentials {
		if id != c.ID && bytes.Equal(other.CredentialID, c.CredentialID) {
			return ErrDuplicate
		}
	}
	if existing, ok := r.m.credentials[c.ID]; ok {
		existing.Name = c.Name
		r.m.credentials[c.ID] = existing
		return nil
	}
	r.m.credentials[c.ID] = *copyCredential(*c)
	return nil
}

func (r memCredentials) UpdateCounter(_ context.Context, id string, expected, next uint32, usedAt time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	c, ok := r.m.credentials[id]
	if !ok {
		return ErrCredentialNotFound
	}
	if c.SignCount != expected {
		return ErrCounterConflict
	}
	c.SignCount = next
	t := usedAt
	c.LastUsedAt = &t
	r.m.credentials[id] = c
	return nil
}

func copyCredential(c domain.PasskeyCredential) *domain.PasskeyCredential {
	c.CredentialID = append([]byte(nil), c.CredentialID...)
	c.PublicKey = append([]byte(nil), c.PublicKey...)
	if c.LastUsedAt != nil {
		t := *c.LastUsedAt
		c.LastUsedAt = &t
	}
	return &c
}

type memAPIKeys struct{ m *MemoryStore }

func (r memAPIKeys) FindByID(_ context.Context, id string) (*domain.APIKey, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	k, ok := r.m.apiKeys[id]
	if !ok {
		return nil, ErrAPIKeyNotFound
	}
	return copyAPIKey(k), nil
}

func (r memAPIKeys) ListByAccount(_ context.Context, accountID string) ([]*domain.APIKey, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	var out []*domain.APIKey
	for _, k := range r.m.apiKeys {
		if k.AccountID == accountID && k.RevokedAt == nil {
			out = append(out, copyAPIKey(k))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r memAPIKeys) Save(_ context.Context, k *domain.APIKey) error {
	if k == nil {
		return errors.New("api key cannot be nil")
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for id, other := range r.m.apiKeys {
		if id != k.ID && other.KeyHash == k.KeyHash {
			return ErrDuplicate
		}
	}
	next := *copyAPIKey(*k)
	if prev, ok := r.m.apiKeys[k.ID]; ok && prev.RevokedAt != nil {
		next.RevokedAt = prev.RevokedAt
	}
	r.m.apiKeys[k.ID] = next
	return nil
}

func copyAPIKey(k domain.APIKey) *domain.APIKey {
	for _, p := range []**time.Time{&k.ExpiresAt, &k.LastUsedAt, &k.RevokedAt} {
		if *p != nil {
			t := **p
			*p = &t
		}
	}
	return &k
}
