package repository

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dlddu/tiny-identity/internal/domain"
)

func newSession(t *testing.T, id, accountID, hash string) *domain.Session {
	t.Helper()
	s, err := domain.NewSession(id, accountID, hash, testNow.Add(time.Hour), domain.DeviceInfo{Name: "laptop"}, testNow)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}

func TestMemoryAccounts_Uniqueness(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	alice, _ := domain.NewAccount("acc-1", "alice", "alice@example.com", testNow)
	if err := store.Accounts.Save(ctx, alice); err != nil {
		t.Fatalf("Save: %v", err)
	}

	tests := []struct {
		name     string
		username string
		email    string
	}{
		{name: "should reject duplicate username", username: "alice", email: "other@example.com"},
		{name: "should reject duplicate email", username: "bob", email: "ALICE@example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := domain.NewAccount("acc-2", tt.username, tt.email, testNow)
			if err != nil {
				t.Fatalf("NewAccount: %v", err)
			}
			if err := store.Accounts.Save(ctx, a); !errors.Is(err, domain.ErrConflict) {
				t.Errorf("expected conflict, got %v", err)
			}
		})
	}

	if err := store.Accounts.Save(ctx, alice); err != nil {
		t.Errorf("re-saving the same account should succeed: %v", err)
	}
}

func TestMemoryAccounts_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	alice, _ := domain.NewAccount("acc-1", "alice", "", testNow)
	_ = alice.LinkIdentity("github", "42", testNow)
	_ = store.Accounts.Save(ctx, alice)

	loaded, err := store.Accounts.FindByExternalIdentity(ctx, "github", "42")
	if err != nil {
		t.Fatalf("FindByExternalIdentity: %v", err)
	}
	_ = loaded.Suspend(testNow)

	again, _ := store.Accounts.FindByID(ctx, "acc-1")
	if again.Status() != domain.StatusPendingActivation {
		t.Errorf("unsaved mutation leaked into the store: %s", again.Status())
	}
	if _, err := store.Accounts.FindByUsername(ctx, "nobody"); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestMemorySessions_RotateIsCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	_ = store.Sessions.Save(ctx, newSession(t, "sess-1", "acc-1", "h1"))

	const workers = 16
	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := store.Sessions.FindByID(ctx, "sess-1")
			if err != nil {
				t.Errorf("FindByID: %v", err)
				return
			}
			next := *s
			if err := next.RotateRefreshToken("h2-"+string(rune('a'+i)), testNow.Add(2*time.Hour), testNow); err != nil {
				t.Errorf("RotateRefreshToken: %v", err)
				return
			}
			if err := store.Sessions.Rotate(ctx, &next, "h1"); err == nil {
				wins.Add(1)
			} else if !errors.Is(err, ErrRotationConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("exactly one rotation should win, got %d", wins.Load())
	}
	s, _ := store.Sessions.FindByID(ctx, "sess-1")
	if s.Generation != 2 || s.RefreshTokenHash == "h1" {
		t.Errorf("unexpected session after rotation: %+v", s)
	}
	if _, err := store.Sessions.FindByHash(ctx, "h1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("old hash should no longer resolve, got %v", err)
	}
}

func TestMemoryCredentials_UpdateCounterIsCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	cred := &domain.PasskeyCredential{
		ID:           "cred-1",
		AccountID:    "acc-1",
		Name:         "phone",
		CredentialID: []byte{1, 2, 3},
		SignCount:    4,
		RegisteredAt: testNow,
	}
	if err := store.Credentials.Save(ctx, cred); err != nil {
		t.Fatalf("Save: %v", err)
	}

	const workers = 16
	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.Credentials.UpdateCounter(ctx, "cred-1", 4, 5, testNow)
			if err == nil {
				wins.Add(1)
			} else if !errors.Is(err, ErrCounterConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("exactly one counter update should win, got %d", wins.Load())
	}
	got, _ := store.Credentials.FindByCredentialID(ctx, []byte{1, 2, 3})
	if got.SignCount != 5 || got.LastUsedAt == nil {
		t.Errorf("unexpected credential after update: %+v", got)
	}

	// Renaming must not roll the counter back.
	cred.Name = "old phone"
	if err := store.Credentials.Save(ctx, cred); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, _ = store.Credentials.FindByCredentialID(ctx, []byte{1, 2, 3})
	if got.SignCount != 5 || got.Name != "old phone" {
		t.Errorf("rename changed the counter: %+v", got)
	}

	if err := store.Credentials.UpdateCounter(ctx, "missing", 0, 1, testNow); !errors.Is(err, ErrCredentialNotFound) {
		t.Errorf("expected ErrCredentialNotFound, got %v", err)
	}
}

func TestMemorySessions_RevokedSessionCannotRotate(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	s := newSession(t, "sess-1", "acc-1", "h1")
	_ = store.Sessions.Save(ctx, s)

	s.Revoke(domain.RevokedByLogout, testNow)
	_ = store.Sessions.Save(ctx, s)

	stale := newSession(t, "sess-1", "acc-1", "h1")
	_ = store.Sessions.Save(ctx, stale)

	got, _ := store.Sessions.FindByID(ctx, "sess-1")
	if !got.Revoked || got.RevokedReason != domain.RevokedByLogout {
		t.Fatalf("revocation must be sticky, got %+v", got)
	}

	next := *got
	next.RefreshTokenHash = "h2"
	if err := store.Sessions.Rotate(ctx, &next, "h1"); !errors.Is(err, ErrRotationConflict) {
		t.Errorf("expected ErrRotationConflict, got %v", err)
	}
}

func TestMemorySessions_ListAndRevokeAll(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	for _, id := range []string{"b", "a", "c"} {
		_ = store.Sessions.Save(ctx, newSession(t, id, "acc-1", "h-"+id))
	}
	_ = store.Sessions.Save(ctx, newSession(t, "other", "acc-2", "h-other"))

	list, err := store.Sessions.ListByAccount(ctx, "acc-1")
	if err != nil {
		t.Fatalf("ListByAccount: %v", err)
	}
	if len(list) != 3 || list[0].ID != "a" || list[2].ID != "c" {
		t.Fatalf("unexpected list order: %v", list)
	}

	n, err := store.Sessions.RevokeAllForAccount(ctx, "acc-1", domain.RevokedByRevokeAll, testNow)
	if err != nil || n != 3 {
		t.Fatalf("RevokeAllForAccount = %d, %v; want 3", n, err)
	}
	if list, _ := store.Sessions.ListByAccount(ctx, "acc-1"); len(list) != 0 {
		t.Errorf("revoked sessions should not be listed: %v", list)
	}
	if n, _ := store.Sessions.RevokeAllForAccount(ctx, "acc-1", domain.RevokedByRevokeAll, testNow); n != 0 {
		t.Errorf("second revoke-all should be a no-op, got %d", n)
	}
	if other, _ := store.Sessions.FindByID(ctx, "other"); other.Revoked {
		t.Error("other account's session must stay active")
	}
}

func TestMemoryChallenges_ConsumeOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	c, err := domain.NewPasskeyChallenge("ch-1", make([]byte, 32), "", domain.ChallengeAuthentication, testNow, 0)
	if err != nil {
		t.Fatalf("NewPasskeyChallenge: %v", err)
	}
	_ = store.Challenges.Save(ctx, c)

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Challenges.Consume(ctx, "ch-1"); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("challenge consumed %d times, want 1", wins.Load())
	}
}

func TestMemoryRoles(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	_ = store.Roles.Save(ctx, &domain.Role{ID: "r1", Code: "user", Name: "User", System: true})
	_ = store.Roles.Save(ctx, &domain.Role{ID: "r2", Code: "auditor", Name: "Auditor"})

	if err := store.Roles.Save(ctx, &domain.Role{ID: "r3", Code: "user", Name: "Dup"}); !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected duplicate code error, got %v", err)
	}
	if err := store.Roles.Delete(ctx, "r1"); !errors.Is(err, ErrSystemRole) {
		t.Errorf("expected ErrSystemRole, got %v", err)
	}
	if err := store.Roles.Delete(ctx, "r2"); err != nil {
		t.Errorf("Delete: %v", err)
	}

	byID, _ := store.Roles.FindByIDs(ctx, []string{"r1", "r2", "missing"})
	if len(byID) != 1 || byID["r1"] == nil {
		t.Errorf("FindByIDs = %v", byID)
	}
}

func TestMemoryAPIKeys_RevocationIsSticky(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	k := &domain.APIKey{ID: "key-1", AccountID: "acc-1", Name: "ci", KeyHash: "hash", CreatedAt: testNow}
	_ = store.APIKeys.Save(ctx, k)

	revoked := *k
	revoked.Revoke(testNow)
	_ = store.APIKeys.Save(ctx, &revoked)

	touched := *k
	touched.Touch(testNow.Add(time.Minute))
	_ = store.APIKeys.Save(ctx, &touched)

	got, err := store.APIKeys.FindByID(ctx, "key-1")
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if !got.IsRevoked() {
		t.Error("a later save must not clear the revocation")
	}
	if list, _ := store.APIKeys.ListByAccount(ctx, "acc-1"); len(list) != 0 {
		t.Errorf("revoked keys should not be listed: %v", list)
	}
}
