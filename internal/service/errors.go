package service

import (
	"github.com/dlddu/tiny-identity/internal/domain"
)

// Errors returned to callers of the services. Every credential failure looks
// the same from outside; the reason is only logged.
var (
	ErrInvalidCredentials = &domain.Error{Kind: domain.KindInvalidCredential}
	ErrRefreshInvalid     = &domain.Error{Kind: domain.KindRefreshTokenInvalid}
	ErrUsernameTaken      = &domain.Error{Kind: domain.KindConflict, Reason: "username_taken"}
	ErrEmailTaken         = &domain.Error{Kind: domain.KindConflict, Reason: "email_taken"}
	ErrWeakPassword       = &domain.Error{Kind: domain.KindValidation, Reason: "weak_password"}
	ErrAPIKeyNotAllowed   = &domain.Error{Kind: domain.KindPermissionDenied, Reason: "api_key_cannot_manage_credentials"}
)

func credentialError(reason string) error {
	return &domain.Error{Kind: domain.KindInvalidCredential, Reason: reason}
}

func refreshError(reason string) error {
	return &domain.Error{Kind: domain.KindRefreshTokenInvalid, Reason: reason}
}
