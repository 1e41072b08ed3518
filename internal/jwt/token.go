package jwt

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/dlddu/tiny-identity/internal/domain"
)

// TokenManager signs and verifies RS256 access credentials.
type TokenManager struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	issuer     string
	kid        string
	now        func() time.Time
}

// NewTokenManager creates a TokenManager. The key id is derived from the
// public key.
func NewTokenManager(privateKey *rsa.PrivateKey, issuer string) (*TokenManager, error) {
	if privateKey == nil {
		return nil, errors.New("private key is required")
	}
	if issuer == "" {
		return nil, errors.New("issuer is required")
	}

	kid, err := KeyID(&privateKey.PublicKey)
	if err != nil {
		return nil, err
	}

	return &TokenManager{
		privateKey: privateKey,
		publicKey:  &privateKey.PublicKey,
		issuer:     issuer,
		kid:        kid,
		now:        time.Now,
	}, nil
}

// SetClock replaces the time source used for verification.
func (tm *TokenManager) SetClock(now func() time.Time) {
	tm.now = now
}

// KID returns the key id placed in token headers.
func (tm *TokenManager) KID() string { return tm.kid }

// Issuer returns the iss claim value.
func (tm *TokenManager) Issuer() string { return tm.issuer }

// Issue signs an access credential for us. Issued-at and expiry come from
// the snapshot.
func (tm *TokenManager) Issue(us domain.UserSession) (string, error) {
	if us.AccountID() == "" && !us.IsAnonymous() {
		return "", errors.New("subject is required")
	}
	if !us.ExpiresAt().After(us.IssuedAt()) {
		return "", errors.New("expiry must be after issued-at")
	}

	claims := AccessClaims{
		Username:    us.Username(),
		Name:        us.DisplayName(),
		Email:       us.Email(),
		Roles:       us.Roles(),
		Permissions: us.Permissions(),
		Anonymous:   us.IsAnonymous(),
		SessionID:   us.SessionID(),
		Kind:        string(us.Kind()),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tm.issuer,
			Subject:   us.AccountID(),
			IssuedAt:  jwt.NewNumericDate(us.IssuedAt()),
			ExpiresAt: jwt.NewNumericDate(us.ExpiresAt()),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = tm.kid

	signed, err := token.SignedString(tm.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies signature, issuer and expiry and returns the claims. Every
// failure is an invalid-credential domain error.
func (tm *TokenManager) Parse(tokenString string) (*AccessClaims, error) {
	if tokenString == "" {
		return nil, domain.Wrap(domain.KindInvalidCredential, "empty_token", nil)
	}

	claims := &AccessClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return tm.publicKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(tm.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(tm.now),
	)
	if err != nil {
		return nil, domain.Wrap(domain.KindInvalidCredential, "invalid_access_token", err)
	}
	if !token.Valid {
		return nil, domain.Wrap(domain.KindInvalidCredential, "invalid_access_token", nil)
	}
	if claims.Subject == "" && !claims.Anonymous {
		return nil, domain.Wrap(domain.KindInvalidCredential, "missing_subject", nil)
	}
	return claims, nil
}
