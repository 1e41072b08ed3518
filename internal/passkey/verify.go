package passkey

import (
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"

	"github.com/dlddu/tiny-identity/internal/domain"
)

// AttestationNone is the only attestation statement format accepted.
// Creation options ask for no attestation.
const AttestationNone = "none"

const maxCredentialIDLen = 1023

// Reasons for rejected ceremony payloads.
const (
	reasonMalformed      = "malformed_payload"
	reasonClientData     = "client_data_mismatch"
	reasonRPID           = "rp_id_mismatch"
	reasonUserNotPresent = "user_not_present"
	reasonAlgorithm      = "unsupported_algorithm"
	reasonAttestation    = "unsupported_attestation"
	reasonUserHandle     = "user_handle_mismatch"
)

// Registration is the verified result of an attestation.
type Registration struct {
	CredentialID []byte
	// PublicKey is the credential's COSE_Key as sent by the authenticator.
	PublicKey         []byte
	Algorithm         int
	SignCount         uint32
	AAGUID            []byte
	AttestationFormat string
}

// Assertion is a parsed authentication response. Nothing in it is trusted
// until VerifyAssertion succeeds.
type Assertion struct {
	parsed *protocol.ParsedCredentialAssertionData
}

// ParseAssertion parses the PublicKeyCredential JSON returned by
// navigator.credentials.get.
func ParseAssertion(body []byte) (*Assertion, error) {
	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(body))
	if err != nil {
		return nil, invalid(reasonMalformed, err)
	}
	if len(parsed.RawID) == 0 {
		return nil, invalid(reasonMalformed, errors.New("missing credential id"))
	}
	return &Assertion{parsed: parsed}, nil
}

// CredentialID is the raw id of the asserting credential.
func (a *Assertion) CredentialID() []byte { return a.parsed.RawID }

// SignCount is the authenticator's signature counter.
func (a *Assertion) SignCount() uint32 { return a.parsed.Response.AuthenticatorData.Counter }

// UserVerified reports whether the UV flag is set.
func (a *Assertion) UserVerified() bool {
	return a.parsed.Response.AuthenticatorData.Flags&protocol.FlagUserVerified != 0
}

// Verifier checks ceremony payloads against the relying party configuration.
type Verifier struct {
	cfg      Config
	rpIDHash [32]byte
}

// NewVerifier creates a verifier for cfg.
func NewVerifier(cfg Config) *Verifier {
	return &Verifier{cfg: cfg, rpIDHash: sha256.Sum256([]byte(cfg.RPID))}
}

// Config returns the relying party configuration.
func (v *Verifier) Config() Config { return v.cfg }

func invalid(reason string, err error) error {
	return domain.Wrap(domain.KindInvalidCredential, reason, err)
}

func (v *Verifier) verifyClientData(cd protocol.CollectedClientData, ceremony protocol.CeremonyType, challenge []byte) error {
	if cd.Type != ceremony {
		return invalid(reasonClientData, fmt.Errorf("type %q", cd.Type))
	}
	echoed, err := Decode(cd.Challenge)
	if err != nil || subtle.ConstantTimeCompare(echoed, challenge) != 1 {
		return domain.Wrap(domain.KindChallengeInvalid, reasonClientData, errors.New("challenge mismatch"))
	}
	if cd.Origin != v.cfg.Origin || cd.CrossOrigin {
		return invalid(reasonClientData, fmt.Errorf("origin %q", cd.Origin))
	}
	return nil
}

func (v *Verifier) verifyAuthenticatorData(ad protocol.AuthenticatorData) error {
	if !bytes.Equal(ad.RPIDHash, v.rpIDHash[:]) {
		return invalid(reasonRPID, nil)
	}
	if ad.Flags&protocol.FlagUserPresent == 0 {
		return invalid(reasonUserNotPresent, nil)
	}
	return nil
}

// SignedData returns authenticatorData || SHA-256(clientDataJSON).
func SignedData(authData, clientDataJSON []byte) []byte {
	sum := sha256.Sum256(clientDataJSON)
	out := make([]byte, 0, len(authData)+len(sum))
	out = append(out, authData...)
	return append(out, sum[:]...)
}

// Algorithm returns the COSE algorithm of a credential public key, failing
// for algorithms the relying party does not offer.
func Algorithm(coseKey []byte) (int, error) {
	key, err := webauthncose.ParsePublicKey(coseKey)
	if err != nil {
		return 0, invalid(reasonMalformed, err)
	}
	return algorithmOf(key)
}

func algorithmOf(key any) (int, error) {
	var alg int64
	switch k := key.(type) {
	case webauthncose.EC2PublicKeyData:
		alg = k.Algorithm
	case *webauthncose.EC2PublicKeyData:
		alg = k.Algorithm
	case webauthncose.OKPPublicKeyData:
		alg = k.Algorithm
	case *webauthncose.OKPPublicKeyData:
		alg = k.Algorithm
	default:
		return 0, invalid(reasonAlgorithm, fmt.Errorf("key type %T", key))
	}
	for _, p := range supportedParameters {
		if int64(p.Algorithm) == alg {
			return int(alg), nil
		}
	}
	return 0, invalid(reasonAlgorithm, fmt.Errorf("alg %d", alg))
}

// VerifySignature checks sig over data with a COSE-encoded public key.
func VerifySignature(coseKey, data, sig []byte) error {
	key, err := webauthncose.ParsePublicKey(coseKey)
	if err != nil {
		return invalid(reasonMalformed, err)
	}
	if _, err := algorithmOf(key); err != nil {
		return err
	}
	ok, err := webauthncose.VerifySignature(key, data, sig)
	if err != nil || !ok {
		return invalid(domain.ReasonBadSignature, err)
	}
	return nil
}

// VerifyRegistration parses the PublicKeyCredential JSON returned by
// navigator.credentials.create, checks it against the stored challenge and
// returns the credential to persist.
func (v *Verifier) VerifyRegistration(body, challenge []byte) (*Registration, error) {
	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(body))
	if err != nil {
		return nil, invalid(reasonMalformed, err)
	}
	if err := v.verifyClientData(parsed.Response.CollectedClientData, protocol.CreateCeremony, challenge); err != nil {
		return nil, err
	}
	att := parsed.Response.AttestationObject
	if err := v.verifyAuthenticatorData(att.AuthData); err != nil {
		return nil, err
	}
	if att.Format != AttestationNone || len(att.AttStatement) != 0 {
		return nil, invalid(reasonAttestation, fmt.Errorf("format %q", att.Format))
	}

	data := att.AuthData.AttData
	if len(data.CredentialID) == 0 || len(data.CredentialID) > maxCredentialIDLen {
		return nil, invalid(reasonMalformed, errors.New("credential id length"))
	}
	if !bytes.Equal(data.CredentialID, parsed.RawID) {
		return nil, invalid(reasonMalformed, errors.New("credential id mismatch"))
	}
	alg, err := Algorithm(data.CredentialPublicKey)
	if err != nil {
		return nil, err
	}

	return &Registration{
		CredentialID:      bytes.Clone(data.CredentialID),
		PublicKey:         bytes.Clone(data.CredentialPublicKey),
		Algorithm:         alg,
		SignCount:         att.AuthData.Counter,
		AAGUID:            bytes.Clone(data.AAGUID),
		AttestationFormat: att.Format,
	}, nil
}

// VerifyAssertion checks an assertion against the stored challenge and the
// credential's public key. The counter check is left to the caller.
func (v *Verifier) VerifyAssertion(a *Assertion, challenge []byte, cred *domain.PasskeyCredential) error {
	if !bytes.Equal(a.CredentialID(), cred.CredentialID) {
		return invalid(reasonMalformed, errors.New("credential id mismatch"))
	}
	resp := a.parsed.Response
	if err := v.verifyClientData(resp.CollectedClientData, protocol.AssertCeremony, challenge); err != nil {
		return err
	}
	if err := v.verifyAuthenticatorData(resp.AuthenticatorData); err != nil {
		return err
	}
	if len(resp.UserHandle) > 0 && len(cred.UserHandle) > 0 && !bytes.Equal(resp.UserHandle, cred.UserHandle) {
		return invalid(reasonUserHandle, nil)
	}
	raw := a.parsed.Raw.AssertionResponse
	return VerifySignature(cred.PublicKey, SignedData(raw.AuthenticatorData, raw.ClientDataJSON), resp.Signature)
}
