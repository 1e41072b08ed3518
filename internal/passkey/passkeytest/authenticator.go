// Package passkeytest provides a software authenticator for exercising
// passkey ceremonies in tests. It produces the PublicKeyCredential JSON a
// browser would post: CBOR attestation objects, COSE keys and DER signatures.
package passkeytest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/goccy/go-json"

	"github.com/dlddu/tiny-identity/internal/domain"
	"github.com/dlddu/tiny-identity/internal/passkey"
)

// Authenticator data flags.
const (
	FlagUserPresent  byte = 0x01
	FlagUserVerified byte = 0x04
	flagAttested     byte = 0x40
)

// Authenticator holds one ES256 credential and its signature counter.
type Authenticator struct {
	RPID         string
	Origin       string
	CredentialID []byte
	UserHandle   []byte
	Key          *ecdsa.PrivateKey
	Counter      uint32
	Flags        byte
	// Format is the attestation statement format, "none" unless a test
	// changes it.
	Format string
}

var ctap2 cbor.EncMode

func init() {
	em, err := cbor.CTAP2EncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	ctap2 = em
}

// New creates an authenticator for the relying party with a fresh key.
func New(rpID, origin string) (*Authenticator, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	id := make([]byte, 16)
	if _, err := rand.Read(id); err != nil {
		return nil, err
	}
	return &Authenticator{
		RPID:         rpID,
		Origin:       origin,
		CredentialID: id,
		Key:          key,
		Flags:        FlagUserPresent | FlagUserVerified,
		Format:       passkey.AttestationNone,
	}, nil
}

type collectedClientData struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Origin    string `json:"origin"`
}

// ClientData encodes collected client data for a ceremony.
func (a *Authenticator) ClientData(ceremony protocol.CeremonyType, challenge []byte) []byte {
	b, _ := json.Marshal(collectedClientData{
		Type:      string(ceremony),
		Challenge: passkey.Encode(challenge),
		Origin:    a.Origin,
	})
	return b
}

func (a *Authenticator) authData(flags byte, counter uint32) []byte {
	hash := sha256.Sum256([]byte(a.RPID))
	out := make([]byte, 37)
	copy(out, hash[:])
	out[32] = flags
	binary.BigEndian.PutUint32(out[33:], counter)
	return out
}

// AuthData builds assertion authenticator data carrying counter.
func (a *Authenticator) AuthData(counter uint32) []byte {
	return a.authData(a.Flags, counter)
}

// COSEKey encodes the public key as an EC2 COSE_Key.
func (a *Authenticator) COSEKey() []byte {
	pub, err := a.Key.PublicKey.ECDH()
	if err != nil {
		panic(err)
	}
	raw := pub.Bytes() // 0x04 || x || y
	b, err := ctap2.Marshal(map[int]any{
		1:  2, // kty: EC2
		3:  domain.AlgES256,
		-1: 1, // crv: P-256
		-2: raw[1:33],
		-3: raw[33:65],
	})
	if err != nil {
		panic(err)
	}
	return b
}

// Sign signs authData || SHA-256(clientData) with the credential key.
func (a *Authenticator) Sign(authData, clientData []byte) []byte {
	digest := sha256.Sum256(passkey.SignedData(authData, clientData))
	sig, err := ecdsa.SignASN1(rand.Reader, a.Key, digest[:])
	if err != nil {
		panic(err)
	}
	return sig
}

type authenticatorResponse struct {
	ClientDataJSON    string `json:"clientDataJSON"`
	AttestationObject string `json:"attestationObject,omitempty"`
	AuthenticatorData string `json:"authenticatorData,omitempty"`
	Signature         string `json:"signature,omitempty"`
	UserHandle        string `json:"userHandle,omitempty"`
}

type publicKeyCredential struct {
	ID                     string                `json:"id"`
	RawID                  string                `json:"rawId"`
	Type                   string                `json:"type"`
	Response               authenticatorResponse `json:"response"`
	ClientExtensionResults map[string]any        `json:"clientExtensionResults"`
}

func (a *Authenticator) credential(resp authenticatorResponse) json.RawMessage {
	id := passkey.Encode(a.CredentialID)
	b, err := json.Marshal(publicKeyCredential{
		ID:                     id,
		RawID:                  id,
		Type:                   string(protocol.PublicKeyCredentialType),
		Response:               resp,
		ClientExtensionResults: map[string]any{},
	})
	if err != nil {
		panic(err)
	}
	return b
}

// AttestationObject builds the CBOR attestation object for a registration.
func (a *Authenticator) AttestationObject() []byte {
	data := a.authData(a.Flags|flagAttested, a.Counter)
	data = append(data, make([]byte, 16)...) // AAGUID
	data = binary.BigEndian.AppendUint16(data, uint16(len(a.CredentialID)))
	data = append(data, a.CredentialID...)
	data = append(data, a.COSEKey()...)

	b, err := ctap2.Marshal(map[string]any{
		"fmt":      a.Format,
		"attStmt":  map[string]any{},
		"authData": data,
	})
	if err != nil {
		panic(err)
	}
	return b
}

// Attest answers a registration challenge.
func (a *Authenticator) Attest(challenge []byte) json.RawMessage {
	return a.AttestationJSON(a.ClientData(protocol.CreateCeremony, challenge), a.AttestationObject())
}

// AttestationJSON wraps raw registration parts in a PublicKeyCredential.
func (a *Authenticator) AttestationJSON(clientData, attestationObject []byte) json.RawMessage {
	return a.credential(authenticatorResponse{
		ClientDataJSON:    passkey.Encode(clientData),
		AttestationObject: passkey.Encode(attestationObject),
	})
}

// Assert answers an authentication challenge, advancing the counter first.
func (a *Authenticator) Assert(challenge []byte) json.RawMessage {
	a.Counter++
	return a.AssertWithCounter(challenge, a.Counter)
}

// AssertWithCounter answers with an explicit counter, e.g. to simulate a clone.
func (a *Authenticator) AssertWithCounter(challenge []byte, counter uint32) json.RawMessage {
	clientData := a.ClientData(protocol.AssertCeremony, challenge)
	authData := a.AuthData(counter)
	return a.AssertionJSON(clientData, authData, a.Sign(authData, clientData))
}

// AssertionJSON wraps raw assertion parts in a PublicKeyCredential.
func (a *Authenticator) AssertionJSON(clientData, authData, sig []byte) json.RawMessage {
	resp := authenticatorResponse{
		ClientDataJSON:    passkey.Encode(clientData),
		AuthenticatorData: passkey.Encode(authData),
		Signature:         passkey.Encode(sig),
	}
	if len(a.UserHandle) > 0 {
		resp.UserHandle = passkey.Encode(a.UserHandle)
	}
	return a.credential(resp)
}
