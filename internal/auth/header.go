// Package auth parses Authorization headers and carries the caller's
// UserSession through a request context.
package auth

import (
	"encoding/base64"
	"errors"
	"strings"
)

var (
	ErrEmptyHeader        = errors.New("authorization header is empty")
	ErrInvalidScheme      = errors.New("invalid authorization scheme")
	ErrInvalidBase64      = errors.New("invalid base64 encoding")
	ErrInvalidCredentials = errors.New("invalid credentials format")
	ErrEmptyUsername      = errors.New("username cannot be empty")
	ErrEmptyToken         = errors.New("bearer token is empty")
)

const (
	basicPrefix  = "Basic "
	bearerPrefix = "Bearer "
)

// ParseBasicAuth parses "Basic base64(username:password)". The password may
// contain colons; the username may not be empty.
func ParseBasicAuth(header string) (username, password string, err error) {
	if header == "" {
		return "", "", ErrEmptyHeader
	}
	encoded, ok := strings.CutPrefix(header, basicPrefix)
	if !ok {
		return "", "", ErrInvalidScheme
	}
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return "", "", ErrInvalidBase64
	}

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", "", ErrInvalidBase64
	}

	username, password, found := strings.Cut(string(decoded), ":")
	if !found {
		return "", "", ErrInvalidCredentials
	}
	if username == "" {
		return "", "", ErrEmptyUsername
	}
	return username, password, nil
}

// ParseBearer extracts the token from "Bearer <token>". The scheme is
// matched case-sensitively, like ParseBasicAuth.
func ParseBearer(header string) (string, error) {
	if header == "" {
		return "", ErrEmptyHeader
	}
	token, ok := strings.CutPrefix(header, bearerPrefix)
	if !ok {
		return "", ErrInvalidScheme
	}
	token = strings.TrimSpace(token)
	if token == "" || strings.ContainsAny(token, " \t") {
		return "", ErrEmptyToken
	}
	return token, nil
}
