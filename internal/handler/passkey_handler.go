package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/dlddu/tiny-identity/internal/domain"
	"github.com/dlddu/tiny-identity/internal/passkey"
	"github.com/dlddu/tiny-identity/internal/service"
)

// PasskeyServiceInterface defines the passkey ceremonies the handlers use
type PasskeyServiceInterface interface {
	RegistrationOptions(ctx context.Context, accountID, name string) (*service.ChallengeResponse, error)
	Register(ctx context.Context, accountID, challengeID string, attestation []byte) (*domain.PasskeyCredential, error)
	AuthenticationOptions(ctx context.Context, username string) (*service.ChallengeResponse, error)
	Login(ctx context.Context, challengeID string, assertion []byte, device domain.DeviceInfo) (*service.TokenPair, error)
}

type passkeyOptionsRequest struct {
	Name string `json:"name" validate:"max=100"`
}

type passkeyRegisterRequest struct {
	ChallengeID string          `json:"challenge_id" validate:"required"`
	Attestation json.RawMessage `json:"attestation" validate:"required"`
}

type passkeyLoginOptionsRequest struct {
	Username string `json:"username" validate:"max=64"`
}

type passkeyLoginRequest struct {
	ChallengeID string          `json:"challenge_id" validate:"required"`
	Assertion   json.RawMessage `json:"assertion" validate:"required"`
	DeviceName  string          `json:"device_name" validate:"max=100"`
}

// PasskeyResponse describes a registered credential.
type PasskeyResponse struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	CredentialID string    `json:"credential_id"`
	RegisteredAt time.Time `json:"registered_at"`
}

// PasskeyHandler serves passkey registration and sign-in.
type PasskeyHandler struct {
	passkeys PasskeyServiceInterface
}

func NewPasskeyHandler(passkeys PasskeyServiceInterface) *PasskeyHandler {
	return &PasskeyHandler{passkeys: passkeys}
}

// RegistrationOptions handles POST /auth/passkeys/register/options.
func (h *PasskeyHandler) RegistrationOptions(w http.ResponseWriter, r *http.Request) {
	var req passkeyOptionsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDomainError(w, r, err)
		return
	}
	resp, err := h.passkeys.RegistrationOptions(r.Context(), caller(r).AccountID(), req.Name)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Register handles POST /auth/passkeys/register.
func (h *PasskeyHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req passkeyRegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDomainError(w, r, err)
		return
	}
	cred, err := h.passkeys.Register(r.Context(), caller(r).AccountID(), req.ChallengeID, req.Attestation)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, PasskeyResponse{
		ID:           cred.ID,
		Name:         cred.Name,
		CredentialID: passkey.Encode(cred.CredentialID),
		RegisteredAt: cred.RegisteredAt,
	})
}

// LoginOptions handles POST /auth/passkeys/login/options. An empty username
// starts a discoverable-credential ceremony.
func (h *PasskeyHandler) LoginOptions(w http.ResponseWriter, r *http.Request) {
	var req passkeyLoginOptionsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDomainError(w, r, err)
		return
	}
	resp, err := h.passkeys.AuthenticationOptions(r.Context(), req.Username)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Login handles POST /auth/passkeys/login.
func (h *PasskeyHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req passkeyLoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDomainError(w, r, err)
		return
	}
	pair, err := h.passkeys.Login(r.Context(), req.ChallengeID, req.Assertion, deviceFrom(r, req.DeviceName))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}
