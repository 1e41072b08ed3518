package domain

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dlddu/tiny-identity/internal/permission"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	s, err := NewSession("sess-1", "acc-1", "hash-1", testNow.Add(time.Hour), DeviceInfo{Name: " laptop ", UserAgent: "ua", IP: "10.0.0.1"}, testNow)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}

func TestNewSession(t *testing.T) {
	s := newTestSession(t)

	if s.Device.Name != "laptop" {
		t.Errorf("Device.Name = %q, want trimmed", s.Device.Name)
	}
	if s.Generation != 1 {
		t.Errorf("Generation = %d, want 1", s.Generation)
	}
	if !s.IsActive(testNow) {
		t.Error("new session should be active")
	}

	if _, err := NewSession("s", "a", "", testNow.Add(time.Hour), DeviceInfo{}, testNow); !errors.Is(err, ErrValidation) {
		t.Errorf("expected validation error for empty hash, got %v", err)
	}
	if _, err := NewSession("s", "a", "h", testNow, DeviceInfo{}, testNow); !errors.Is(err, ErrValidation) {
		t.Errorf("expected validation error for past expiry, got %v", err)
	}
}

func TestDeviceInfo_NormalizeTruncates(t *testing.T) {
	d := DeviceInfo{Name: strings.Repeat("n", 300), UserAgent: strings.Repeat("u", 1000)}.Normalize()

	if len(d.Name) != maxDeviceNameLen || len(d.UserAgent) != maxUserAgentLen {
		t.Errorf("Normalize() lengths = %d/%d", len(d.Name), len(d.UserAgent))
	}
}

func TestSession_RotateRefreshToken(t *testing.T) {
	s := newTestSession(t)
	later := testNow.Add(10 * time.Minute)

	if err := s.RotateRefreshToken("hash-2", later.Add(time.Hour), later); err != nil {
		t.Fatalf("RotateRefreshToken: %v", err)
	}

	if !s.MatchesHash("hash-2") || s.MatchesHash("hash-1") {
		t.Error("rotation should replace the current hash")
	}
	if s.Generation != 2 {
		t.Errorf("Generation = %d, want 2", s.Generation)
	}
	if !s.LastUsedAt.Equal(later) {
		t.Errorf("LastUsedAt = %v, want %v", s.LastUsedAt, later)
	}
	if !s.ExpiresAt.Equal(later.Add(time.Hour)) {
		t.Errorf("ExpiresAt = %v, want extended", s.ExpiresAt)
	}
}

func TestSession_RotateRejectsRevokedAndExpired(t *testing.T) {
	revoked := newTestSession(t)
	revoked.Revoke(RevokedByLogout, testNow)
	if err := revoked.RotateRefreshToken("h2", testNow.Add(time.Hour), testNow); !errors.Is(err, ErrRefreshTokenInvalid) {
		t.Errorf("expected refresh token error for revoked session, got %v", err)
	}

	expired := newTestSession(t)
	if err := expired.RotateRefreshToken("h2", testNow.Add(3*time.Hour), testNow.Add(2*time.Hour)); !errors.Is(err, ErrRefreshTokenInvalid) {
		t.Errorf("expected refresh token error for expired session, got %v", err)
	}
}

func TestSession_RevokeIsIdempotent(t *testing.T) {
	s := newTestSession(t)

	first := s.Revoke(RevokedByTheft, testNow)
	second := s.Revoke(RevokedByLogout, testNow.Add(time.Minute))

	if !first || second {
		t.Errorf("Revoke() = %v, %v; want true, false", first, second)
	}
	if s.RevokedReason != RevokedByTheft || !s.RevokedAt.Equal(testNow) {
		t.Errorf("second Revoke must not overwrite reason or time, got %s at %v", s.RevokedReason, s.RevokedAt)
	}
	if s.IsActive(testNow) {
		t.Error("revoked session must not be active")
	}
}

func TestUserSession(t *testing.T) {
	scope, err := permission.ParseScope([]string{"orders:read", "!orders:write"})
	if err != nil {
		t.Fatalf("ParseScope: %v", err)
	}
	roles := []string{"user"}
	us := NewUserSession(UserSessionParams{
		AccountID: "acc-1",
		Username:  "alice",
		Scope:     scope,
		Roles:     roles,
		IssuedAt:  testNow,
		ExpiresAt: testNow.Add(time.Minute),
		SessionID: "sess-1",
	})
	roles[0] = "mutated"

	if us.Kind() != CredentialSession {
		t.Errorf("Kind() = %s, want session", us.Kind())
	}
	if us.Roles()[0] != "user" {
		t.Error("UserSession must copy roles")
	}
	if !us.HasPermission("orders:read", nil) || us.HasPermission("orders:write", nil) {
		t.Error("HasPermission should follow the captured scope")
	}

	legacy := NewUserSession(UserSessionParams{AccountID: "acc-1", Permissions: []string{"bots:read"}})
	if !legacy.HasPermission("bots:read", nil) {
		t.Error("legacy permission list should grant its entries")
	}

	if AnonymousSession(testNow).HasPermission("orders:read", nil) {
		t.Error("anonymous session must not grant anything")
	}
}

func TestError_Is(t *testing.T) {
	err := Wrap(KindRefreshTokenInvalid, ReasonTheftDetected, errors.New("boom"))

	if !errors.Is(err, ErrRefreshTokenInvalid) {
		t.Error("errors.Is should match by kind")
	}
	if errors.Is(err, ErrInvalidCredential) {
		t.Error("errors.Is must not match a different kind")
	}
	if !errors.Is(err, &Error{Kind: KindRefreshTokenInvalid, Reason: ReasonTheftDetected}) {
		t.Error("errors.Is should match kind and reason")
	}
	if KindOf(err) != KindRefreshTokenInvalid || ReasonOf(err) != ReasonTheftDetected {
		t.Errorf("KindOf/ReasonOf = %s/%s", KindOf(err), ReasonOf(err))
	}
	if KindOf(errors.New("db down")) != KindUnknown {
		t.Error("infrastructure errors should have unknown kind")
	}
}
