package handler

import (
	"errors"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/dlddu/tiny-identity/internal/domain"
	"github.com/dlddu/tiny-identity/internal/logging"
)

// Error codes returned in the "error" field.
const (
	CodeInvalidRequest = "invalid_request"
	CodeUnauthorized   = "unauthorized"
	CodeForbidden      = "forbidden"
	CodeNotFound       = "not_found"
	CodeRateLimited    = "rate_limited"
	CodeServerError    = "server_error"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	ErrorCode        string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// Error implements the error interface
func (e *ErrorResponse) Error() string {
	return e.ErrorCode
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	// Headers are already written; nothing useful to do on failure.
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, &ErrorResponse{ErrorCode: code, ErrorDescription: description})
}

// statusFor maps an error to its HTTP status, code and client-facing
// description. Credential failures share one description so that the
// response never tells which check failed.
func statusFor(err error) (int, string, string) {
	switch domain.KindOf(err) {
	case domain.KindValidation:
		return http.StatusBadRequest, CodeInvalidRequest, domain.ReasonOf(err)
	case domain.KindConflict:
		return http.StatusBadRequest, CodeInvalidRequest, conflictDescription(err)
	case domain.KindInvalidCredential, domain.KindRefreshTokenInvalid, domain.KindChallengeInvalid:
		return http.StatusUnauthorized, CodeUnauthorized, "authentication failed"
	case domain.KindAccountState:
		return http.StatusForbidden, CodeForbidden, "account is not allowed to sign in"
	case domain.KindPermissionDenied:
		return http.StatusForbidden, CodeForbidden, "permission denied"
	case domain.KindNotFound:
		return http.StatusNotFound, CodeNotFound, "resource not found"
	default:
		return http.StatusInternalServerError, CodeServerError, ""
	}
}

func conflictDescription(err error) string {
	if r := domain.ReasonOf(err); r != "" {
		return r
	}
	return "resource already exists"
}

// writeDomainError logs the internal reason and writes the mapped response.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, description := statusFor(err)
	log := logging.Ctx(r.Context())
	switch {
	case status >= http.StatusInternalServerError:
		log.Error().Err(err).Msg("request failed")
	case errors.Is(err, domain.ErrRefreshTokenInvalid) && domain.ReasonOf(err) == domain.ReasonTheftDetected:
		log.Warn().Str("reason", domain.ReasonOf(err)).Msg("request rejected")
	default:
		log.Debug().Str("kind", domain.KindOf(err).String()).Str("reason", domain.ReasonOf(err)).Msg("request rejected")
	}
	writeError(w, status, code, description)
}
