package crypto

import (
	"errors"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrEmptyPassword   = errors.New("password cannot be empty")
	ErrEmptyHash       = errors.New("hash cannot be empty")
	ErrPasswordTooLong = errors.New("password exceeds 72 bytes")
)

// BcryptHasher hashes passwords with bcrypt.
type BcryptHasher struct {
	cost      int
	dummyOnce sync.Once
	dummy     []byte
}

// NewBcryptHasher returns a hasher using cost, or bcrypt.DefaultCost when cost
// is out of range.
func NewBcryptHasher(cost int) *BcryptHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &BcryptHasher{cost: cost}
}

// HashPassword hashes a password.
func (h *BcryptHasher) HashPassword(password string) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}
	if len(password) > 72 {
		return "", ErrPasswordTooLong
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", err
	}

	return string(hash), nil
}

// VerifyPassword checks password against a bcrypt hash.
func (h *BcryptHasher) VerifyPassword(hash, password string) error {
	if hash == "" {
		return ErrEmptyHash
	}
	if password == "" {
		return ErrEmptyPassword
	}

	// bcrypt compares in constant time
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// DummyVerify spends roughly the same time as a real verification so that
// unknown usernames are not distinguishable by latency.
func (h *BcryptHasher) DummyVerify(password string) {
	h.dummyOnce.Do(func() {
		h.dummy, _ = bcrypt.GenerateFromPassword([]byte("tiny-identity-dummy"), h.cost)
	})
	_ = bcrypt.CompareHashAndPassword(h.dummy, []byte(password))
}
