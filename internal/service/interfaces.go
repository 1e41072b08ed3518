// Package service holds the identity use cases: registration and login,
// refresh-token rotation with theft detection, restricted API keys, passkey
// ceremonies and role management. Services re-read state from the store on
// every call and keep no per-account state in process.
package service

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/dlddu/tiny-identity/internal/domain"
	"github.com/dlddu/tiny-identity/internal/metrics"
)

// Hasher defines the password hashing operations the services need.
type Hasher interface {
	HashPassword(password string) (string, error)
	VerifyPassword(hash, password string) error
	// DummyVerify burns the time of a verification for unknown accounts.
	DummyVerify(password string)
}

// TokenIssuer signs access credentials from an issuance snapshot.
type TokenIssuer interface {
	Issue(us domain.UserSession) (string, error)
}

// Option configures the ambient collaborators shared by all services.
type Option func(*options)

type options struct {
	now     func() time.Time
	log     zerolog.Logger
	metrics *metrics.Metrics
}

func defaultOptions(component string, opts []Option) options {
	o := options{
		now: func() time.Time { return time.Now().UTC() },
		log: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.log = o.log.With().Str("component", component).Logger()
	return o
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the logger services write to.
//
//nolint:gocritic // zerolog.Logger is passed by value by design of the library
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

var (
	ulidMu      sync.Mutex
	ulidEntropy = ulid.Monotonic(rand.Reader, 0)
)

// newSessionID returns a time-sortable id.
func newSessionID(now time.Time) string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), ulidEntropy).String()
}
