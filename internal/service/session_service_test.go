package service

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dlddu/tiny-identity/internal/domain"
	"github.com/dlddu/tiny-identity/internal/repository"
)

func TestParseRefreshToken(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantSID string
		wantErr bool
	}{
		{name: "should split session id and secret", raw: "01HSESSION.c2VjcmV0", wantSID: "01HSESSION"},
		{name: "should trim whitespace", raw: "  sid.secret\n", wantSID: "sid"},
		{name: "should reject missing separator", raw: "sidsecret", wantErr: true},
		{name: "should reject empty secret", raw: "sid.", wantErr: true},
		{name: "should reject empty session id", raw: ".secret", wantErr: true},
		{name: "should reject extra separators", raw: "a.b.c", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sid, _, err := ParseRefreshToken(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseRefreshToken() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, domain.ErrRefreshTokenInvalid) {
				t.Errorf("expected ErrRefreshTokenInvalid, got %v", err)
			}
			if sid != tt.wantSID {
				t.Errorf("session id = %q, want %q", sid, tt.wantSID)
			}
		})
	}
}

func TestSessionService_IssueStoresOnlyHash(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.register(t, "alice")
	pair := h.login(t, "alice")

	sid, secret, err := ParseRefreshToken(pair.RefreshToken)
	if err != nil {
		t.Fatalf("ParseRefreshToken: %v", err)
	}
	if sid != pair.SessionID {
		t.Errorf("refresh token session id = %s, want %s", sid, pair.SessionID)
	}
	sess, err := h.store.Sessions.FindByID(ctx, sid)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if sess.RefreshTokenHash == secret || sess.RefreshTokenHash == pair.RefreshToken {
		t.Error("raw refresh secret must not be stored")
	}
	if sess.Generation != 1 || sess.Device.Name != "laptop" {
		t.Errorf("unexpected session %+v", sess)
	}
	if pair.TokenType != "Bearer" || pair.ExpiresIn != int64(DefaultAccessTTL.Seconds()) {
		t.Errorf("unexpected pair %+v", pair)
	}

	us := h.userSession(t, pair)
	if us.SessionID() != sid || us.Kind() != domain.CredentialSession {
		t.Errorf("access token not bound to session: sid=%s kind=%s", us.SessionID(), us.Kind())
	}
	if !slices.Equal(us.Roles(), []string{domain.RoleUser}) {
		t.Errorf("roles = %v", us.Roles())
	}
}

func TestSessionService_RefreshOncePerGeneration(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.register(t, "alice")
	first := h.login(t, "alice")

	h.clock.Advance(time.Minute)
	second, err := h.sessions.Refresh(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if second.SessionID != first.SessionID {
		t.Errorf("rotation must keep the session id")
	}
	if second.RefreshToken == first.RefreshToken {
		t.Error("rotation must issue a new refresh token")
	}

	sess, _ := h.store.Sessions.FindByID(ctx, first.SessionID)
	if sess.Generation != 2 {
		t.Errorf("generation = %d, want 2", sess.Generation)
	}
	if !sess.LastUsedAt.Equal(h.clock.Now()) {
		t.Errorf("last used = %v, want %v", sess.LastUsedAt, h.clock.Now())
	}

	// The superseded token is now stale.
	if _, err := h.sessions.Refresh(ctx, first.RefreshToken); !errors.Is(err, domain.ErrRefreshTokenInvalid) {
		t.Fatalf("expected ErrRefreshTokenInvalid, got %v", err)
	}
	sess, _ = h.store.Sessions.FindByID(ctx, first.SessionID)
	if !sess.Revoked || sess.RevokedReason != domain.RevokedByTheft {
		t.Errorf("stale refresh must revoke the session, got %+v", sess)
	}
}

func TestSessionService_TheftBurnsWholeLineage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.register(t, "alice")
	original := h.login(t, "alice")

	legit, err := h.sessions.Refresh(ctx, original.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	// An attacker replays the original token.
	_, err = h.sessions.Refresh(ctx, original.RefreshToken)
	if domain.ReasonOf(err) != domain.ReasonTheftDetected {
		t.Fatalf("expected theft detection, got %v", err)
	}

	// The legitimate holder is locked out too.
	_, err = h.sessions.Refresh(ctx, legit.RefreshToken)
	if !errors.Is(err, domain.ErrRefreshTokenInvalid) {
		t.Fatalf("expected ErrRefreshTokenInvalid, got %v", err)
	}
	if domain.ReasonOf(err) != domain.ReasonSessionRevoked {
		t.Errorf("reason = %s, want %s", domain.ReasonOf(err), domain.ReasonSessionRevoked)
	}

	if err := h.sessions.CheckActive(ctx, original.SessionID); !errors.Is(err, domain.ErrInvalidCredential) {
		t.Errorf("access credentials of a burned session must be rejected, got %v", err)
	}
	if got := counterValue(t, h, "tiny_identity_refreshes_total", "result", "theft"); got != 1 {
		t.Errorf("theft metric = %v, want 1", got)
	}
}

func TestSessionService_RefreshFailuresLeaveStateAlone(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name       string
		setup      func(t *testing.T, h *harness, pair *TokenPair) string
		wantReason string
		wantState  bool
	}{
		{
			name: "should reject malformed token",
			setup: func(t *testing.T, h *harness, pair *TokenPair) string {
				return "not-a-token"
			},
			wantReason: domain.ReasonMalformedToken,
		},
		{
			name: "should reject unknown session",
			setup: func(t *testing.T, h *harness, pair *TokenPair) string {
				_, secret, _ := ParseRefreshToken(pair.RefreshToken)
				return FormatRefreshToken("01HUNKNOWNSESSION", secret)
			},
			wantReason: domain.ReasonSessionNotFound,
		},
		{
			name: "should reject expired session",
			setup: func(t *testing.T, h *harness, pair *TokenPair) string {
				h.clock.Advance(DefaultRefreshTTL + time.Second)
				return pair.RefreshToken
			},
			wantReason: domain.ReasonSessionExpired,
		},
		{
			name: "should reject logged out session",
			setup: func(t *testing.T, h *harness, pair *TokenPair) string {
				if err := h.sessions.Logout(ctx, pair.RefreshToken); err != nil {
					t.Fatalf("Logout: %v", err)
				}
				return pair.RefreshToken
			},
			wantReason: domain.ReasonSessionRevoked,
			wantState:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.register(t, "alice")
			pair := h.login(t, "alice")
			before, _ := h.store.Sessions.FindByID(ctx, pair.SessionID)

			raw := tt.setup(t, h, pair)
			_, err := h.sessions.Refresh(ctx, raw)
			if !errors.Is(err, domain.ErrRefreshTokenInvalid) {
				t.Fatalf("expected ErrRefreshTokenInvalid, got %v", err)
			}
			if domain.ReasonOf(err) != tt.wantReason {
				t.Errorf("reason = %s, want %s", domain.ReasonOf(err), tt.wantReason)
			}

			after, _ := h.store.Sessions.FindByID(ctx, pair.SessionID)
			if after.Generation != before.Generation || after.RefreshTokenHash != before.RefreshTokenHash {
				t.Error("failed refresh must not rotate")
			}
			if after.Revoked != tt.wantState {
				t.Errorf("revoked = %v, want %v", after.Revoked, tt.wantState)
			}
			if after.Revoked && after.RevokedReason != domain.RevokedByLogout {
				t.Errorf("revocation reason changed to %s", after.RevokedReason)
			}
		})
	}
}

func TestSessionService_RefreshRequiresActiveAccount(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.register(t, "alice")
	pair := h.login(t, "alice")

	account, _ := h.store.Accounts.FindByID(ctx, alice.ID())
	if err := account.Suspend(h.clock.Now()); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	_ = h.store.Accounts.Save(ctx, account)

	if _, err := h.sessions.Refresh(ctx, pair.RefreshToken); !errors.Is(err, domain.ErrAccountState) {
		t.Fatalf("expected ErrAccountState, got %v", err)
	}
	sess, _ := h.store.Sessions.FindByID(ctx, pair.SessionID)
	if sess.Revoked || sess.Generation != 1 {
		t.Errorf("refresh of a suspended account must not change the session: %+v", sess)
	}
}

func TestSessionService_RefreshResolvesCurrentRoles(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.register(t, "alice")
	pair := h.login(t, "alice")

	if h.userSession(t, pair).HasPermission("reports:export", nil) {
		t.Fatal("user role must not grant reports:export")
	}
	if err := h.accounts.AssignRole(ctx, alice.ID(), domain.RoleAdmin, nil); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}

	next, err := h.sessions.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	us := h.userSession(t, next)
	if !us.HasPermission("reports:export", nil) {
		t.Errorf("refreshed credential should carry the admin role, permissions = %v", us.Permissions())
	}
	if !slices.Contains(us.Roles(), domain.RoleAdmin) {
		t.Errorf("roles = %v", us.Roles())
	}
}

// gatedSessions holds FindByID until the gate opens so concurrent refreshes
// overlap.
type gatedSessions struct {
	repository.SessionRepository
	gate chan struct{}
}

func (g *gatedSessions) FindByID(ctx context.Context, id string) (*domain.Session, error) {
	<-g.gate
	return g.SessionRepository.FindByID(ctx, id)
}

func TestSessionService_ConcurrentDuplicatesDoNotRevoke(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.register(t, "alice")
	pair := h.login(t, "alice")

	gated := &gatedSessions{SessionRepository: h.store.Sessions, gate: make(chan struct{})}
	svc := NewSessionService(h.store.Accounts, gated, h.store.Roles, h.tokens, SessionConfig{}, WithClock(h.clock.Now))

	const callers = 10
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		races     atomic.Int32
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Refresh(ctx, pair.RefreshToken)
			switch {
			case err == nil:
				successes.Add(1)
			case domain.ReasonOf(err) == domain.ReasonRotationRace:
				races.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	time.Sleep(100 * time.Millisecond)
	close(gated.gate)
	wg.Wait()

	if successes.Load() != 1 {
		t.Fatalf("successes = %d, want 1", successes.Load())
	}
	if races.Load() != callers-1 {
		t.Errorf("races = %d, want %d", races.Load(), callers-1)
	}
	sess, _ := h.store.Sessions.FindByID(ctx, pair.SessionID)
	if sess.Revoked {
		t.Error("duplicates of an in-flight rotation must not revoke the session")
	}
	if sess.Generation != 2 {
		t.Errorf("generation = %d, want 2", sess.Generation)
	}
}

// conflictingSessions simulates another process rotating first.
type conflictingSessions struct {
	repository.SessionRepository
}

func (conflictingSessions) Rotate(context.Context, *domain.Session, string) error {
	return repository.ErrRotationConflict
}

func TestSessionService_LostCompareAndSwapIsBenign(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.register(t, "alice")
	pair := h.login(t, "alice")

	svc := NewSessionService(h.store.Accounts, conflictingSessions{h.store.Sessions}, h.store.Roles, h.tokens, SessionConfig{}, WithClock(h.clock.Now))
	_, err := svc.Refresh(ctx, pair.RefreshToken)
	if domain.ReasonOf(err) != domain.ReasonRotationRace {
		t.Fatalf("expected rotation race, got %v", err)
	}
	sess, _ := h.store.Sessions.FindByID(ctx, pair.SessionID)
	if sess.Revoked {
		t.Error("a lost compare-and-swap must not revoke")
	}
}

func TestSessionService_Logout(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.register(t, "alice")
	first := h.login(t, "alice")
	second, err := h.sessions.Refresh(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	tests := []struct {
		name    string
		raw     string
		wantErr error
		revoked bool
	}{
		{name: "should reject empty token", raw: "", wantErr: domain.ErrValidation},
		{name: "should ignore garbage", raw: "garbage"},
		{name: "should ignore superseded token", raw: first.RefreshToken},
		{name: "should revoke with current token", raw: second.RefreshToken, revoked: true},
		{name: "should be idempotent", raw: second.RefreshToken, revoked: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.sessions.Logout(ctx, tt.raw)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Logout: %v", err)
			}
			sess, _ := h.store.Sessions.FindByID(ctx, first.SessionID)
			if sess.Revoked != tt.revoked {
				t.Errorf("revoked = %v, want %v", sess.Revoked, tt.revoked)
			}
			if sess.Revoked && sess.RevokedReason != domain.RevokedByLogout {
				t.Errorf("reason = %s", sess.RevokedReason)
			}
		})
	}
}

func TestSessionService_ListRevokeAndRevokeAll(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.register(t, "alice")
	h.register(t, "bob")
	a1 := h.login(t, "alice")
	a2 := h.login(t, "alice")
	b1 := h.login(t, "bob")

	views, err := h.sessions.List(ctx, alice.ID(), a2.SessionID)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("len = %d, want 2", len(views))
	}
	current := 0
	for _, v := range views {
		if v.Current {
			current++
			if v.Session.ID != a2.SessionID {
				t.Errorf("wrong current session %s", v.Session.ID)
			}
		}
	}
	if current != 1 {
		t.Errorf("current sessions = %d, want 1", current)
	}

	if err := h.sessions.Revoke(ctx, alice.ID(), b1.SessionID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("revoking another account's session should be not found, got %v", err)
	}
	if err := h.sessions.Revoke(ctx, alice.ID(), a1.SessionID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	views, _ = h.sessions.List(ctx, alice.ID(), a2.SessionID)
	if len(views) != 1 || views[0].Session.ID != a2.SessionID {
		t.Errorf("unexpected sessions after revoke: %v", views)
	}

	n, err := h.sessions.RevokeAll(ctx, alice.ID(), "")
	if err != nil || n != 1 {
		t.Fatalf("RevokeAll = %d, %v; want 1", n, err)
	}
	if err := h.sessions.CheckActive(ctx, a2.SessionID); !errors.Is(err, domain.ErrInvalidCredential) {
		t.Errorf("expected revoked session to fail CheckActive, got %v", err)
	}
	if err := h.sessions.CheckActive(ctx, b1.SessionID); err != nil {
		t.Errorf("bob's session must stay active: %v", err)
	}
	if got := counterValue(t, h, "tiny_identity_sessions_revoked_total", "reason", domain.RevokedByRevokeAll); got != 1 {
		t.Errorf("revoke-all metric = %v, want 1", got)
	}
}
