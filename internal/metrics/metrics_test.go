package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	m := New()

	m.Login("password", ResultSuccess)
	m.Login("password", ResultFailure)
	m.Login("password", ResultFailure)
	m.Refresh(ResultTheft)
	m.Lockout()
	m.SessionsRevoked("revoke_all", 3)
	m.SessionsRevoked("revoke_all", 0)

	if got := testutil.ToFloat64(m.logins.WithLabelValues("password", ResultFailure)); got != 2 {
		t.Errorf("failed logins = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.refreshes.WithLabelValues(ResultTheft)); got != 1 {
		t.Errorf("theft refreshes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.lockouts); got != 1 {
		t.Errorf("lockouts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.sessionsRevoked.WithLabelValues("revoke_all")); got != 3 {
		t.Errorf("revoked sessions = %v, want 3", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Login("password", ResultSuccess)
	m.Refresh(ResultSuccess)
	m.Passkey("authentication", ResultSuccess)

	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })
	rec := httptest.NewRecorder()
	m.Instrument(h).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestInstrument_UsesRoutePattern(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(m.Instrument)
	r.Get("/auth/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Method(http.MethodGet, "/metrics", m.Handler())

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/auth/sessions/abc", nil))

	if got := testutil.ToFloat64(m.httpRequests.WithLabelValues(http.MethodGet, "/auth/sessions/{id}", "204")); got != 1 {
		t.Errorf("requests = %v, want 1", got)
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "tiny_identity_http_requests_total") {
		t.Error("exposition should include http_requests_total")
	}
}
