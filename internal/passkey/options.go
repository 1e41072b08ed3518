// Package passkey implements the server side of WebAuthn passkey ceremonies on
// top of go-webauthn's protocol types: option payloads, parsing of the
// PublicKeyCredential JSON browsers return, and verification of client data,
// authenticator data and COSE-key signatures.
package passkey

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"
	"github.com/goccy/go-json"

	"github.com/dlddu/tiny-identity/internal/crypto"
)

// Config describes the relying party.
type Config struct {
	RPID    string
	RPName  string
	Origin  string
	Timeout time.Duration
}

// CreationOptions is sent to the client to start a registration.
type CreationOptions = protocol.PublicKeyCredentialCreationOptions

// RequestOptions is sent to the client to start an authentication.
type RequestOptions = protocol.PublicKeyCredentialRequestOptions

var supportedParameters = []protocol.CredentialParameter{
	{Type: protocol.PublicKeyCredentialType, Algorithm: webauthncose.AlgES256},
	{Type: protocol.PublicKeyCredentialType, Algorithm: webauthncose.AlgEdDSA},
}

// Encode is the base64url form used for binary values in payloads.
func Encode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// Decode parses a base64url value, accepting padding.
func Decode(s string) ([]byte, error) {
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	b, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid base64url value: %w", err)
	}
	return b, nil
}

func descriptors(ids [][]byte) []protocol.CredentialDescriptor {
	out := make([]protocol.CredentialDescriptor, 0, len(ids))
	for _, id := range ids {
		out = append(out, protocol.CredentialDescriptor{
			Type:         protocol.PublicKeyCredentialType,
			CredentialID: protocol.URLEncodedBase64(id),
		})
	}
	return out
}

// NewCreationOptions builds registration options. exclude lists credential ids
// the account already owns.
func (c Config) NewCreationOptions(challenge, userHandle []byte, username, displayName string, exclude [][]byte) CreationOptions {
	if displayName == "" {
		displayName = username
	}
	return CreationOptions{
		RelyingParty: protocol.RelyingPartyEntity{
			CredentialEntity: protocol.CredentialEntity{Name: c.RPName},
			ID:               c.RPID,
		},
		User: protocol.UserEntity{
			CredentialEntity: protocol.CredentialEntity{Name: username},
			DisplayName:      displayName,
			ID:               protocol.URLEncodedBase64(userHandle),
		},
		Challenge:             protocol.URLEncodedBase64(challenge),
		Parameters:            supportedParameters,
		Timeout:               int(c.Timeout.Milliseconds()),
		CredentialExcludeList: descriptors(exclude),
		AuthenticatorSelection: protocol.AuthenticatorSelection{
			ResidentKey:      protocol.ResidentKeyRequirementPreferred,
			UserVerification: protocol.VerificationPreferred,
		},
		Attestation: protocol.PreferNoAttestation,
	}
}

// NewRequestOptions builds authentication options. An empty allow list asks
// for a discoverable credential.
func (c Config) NewRequestOptions(challenge []byte, allow [][]byte) RequestOptions {
	return RequestOptions{
		Challenge:          protocol.URLEncodedBase64(challenge),
		Timeout:            int(c.Timeout.Milliseconds()),
		RelyingPartyID:     c.RPID,
		AllowedCredentials: descriptors(allow),
		UserVerification:   protocol.VerificationPreferred,
	}
}

// MarshalOptions serialises an options payload for storage with its challenge.
func MarshalOptions(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal passkey options: %w", err)
	}
	return b, nil
}

// DecoyCredentialIDs returns credential ids for a username that does not
// exist. They are stable per username and server secret, so repeated requests
// look like a real account's.
func DecoyCredentialIDs(secret []byte, username string) [][]byte {
	digest := crypto.KeyedDigest(secret, "passkey-decoy", username)
	count := 1 + int(digest[0]%2)
	out := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, crypto.KeyedDigest(secret, "passkey-decoy-id", username, fmt.Sprint(i)))
	}
	return out
}
