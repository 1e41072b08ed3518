package jwt

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestGenerateKey(t *testing.T) {
	tests := []struct {
		name    string
		bits    int
		wantErr bool
	}{
		{name: "should generate 2048-bit key", bits: 2048},
		{name: "should fail with 1024-bit key", bits: 1024, wantErr: true},
		{name: "should fail with zero bits", bits: 0, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := GenerateKey(tt.bits)

			if tt.wantErr {
				if err == nil {
					t.Error("expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if key.N.BitLen() != tt.bits {
				t.Errorf("BitLen() = %d, want %d", key.N.BitLen(), tt.bits)
			}
		})
	}
}

func TestWriteAndReadKeyPair(t *testing.T) {
	dir := t.TempDir()
	privPath := filepath.Join(dir, "keys", "private.pem")
	pubPath := filepath.Join(dir, "keys", "public.pem")
	key := sharedTestKey(t)

	if err := WriteKeyPair(key, privPath, pubPath); err != nil {
		t.Fatalf("WriteKeyPair: %v", err)
	}

	info, err := os.Stat(privPath)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("private key permissions = %o, want 600", perm)
	}

	loaded, err := ReadPrivateKey(privPath)
	if err != nil {
		t.Fatalf("ReadPrivateKey: %v", err)
	}
	if !loaded.Equal(key) {
		t.Error("loaded private key differs")
	}

	pub, err := ReadPublicKey(pubPath)
	if err != nil {
		t.Fatalf("ReadPublicKey: %v", err)
	}
	if !pub.Equal(&key.PublicKey) {
		t.Error("loaded public key differs")
	}
}

func TestReadPrivateKey_Errors(t *testing.T) {
	dir := t.TempDir()

	if _, err := ReadPrivateKey(filepath.Join(dir, "missing.pem")); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound, got %v", err)
	}

	garbage := filepath.Join(dir, "garbage.pem")
	if err := os.WriteFile(garbage, []byte("not pem"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := ReadPrivateKey(garbage); err == nil {
		t.Error("expected error for invalid PEM")
	}

	wrongType := filepath.Join(dir, "cert.pem")
	data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: []byte{1, 2, 3}})
	if err := os.WriteFile(wrongType, data, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := ReadPrivateKey(wrongType); err == nil {
		t.Error("expected error for wrong block type")
	}
}

func TestParseKeyPEM_PKCS1(t *testing.T) {
	key := sharedTestKey(t)
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(&key.PublicKey)})

	priv, err := ParsePrivateKeyPEM(privPEM)
	if err != nil {
		t.Fatalf("ParsePrivateKeyPEM: %v", err)
	}
	if !priv.Equal(key) {
		t.Error("PKCS#1 private key differs")
	}

	pub, err := ParsePublicKeyPEM(pubPEM)
	if err != nil {
		t.Fatalf("ParsePublicKeyPEM: %v", err)
	}
	if !pub.Equal(&key.PublicKey) {
		t.Error("PKCS#1 public key differs")
	}
}

func TestLoadOrGenerateKey(t *testing.T) {
	dir := t.TempDir()
	privPath := filepath.Join(dir, "private.pem")
	pubPath := filepath.Join(dir, "public.pem")

	if _, err := LoadOrGenerateKey(privPath, pubPath, false, 2048); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound without generation, got %v", err)
	}

	generated, err := LoadOrGenerateKey(privPath, pubPath, true, 2048)
	if err != nil {
		t.Fatalf("LoadOrGenerateKey: %v", err)
	}
	if _, err := os.Stat(pubPath); err != nil {
		t.Errorf("public key should be written: %v", err)
	}

	loaded, err := LoadOrGenerateKey(privPath, pubPath, true, 2048)
	if err != nil {
		t.Fatalf("LoadOrGenerateKey: %v", err)
	}
	if !loaded.Equal(generated) {
		t.Error("second call should load the generated key")
	}
}

func TestKeyID_IsStable(t *testing.T) {
	key := sharedTestKey(t)

	a, err := KeyID(&key.PublicKey)
	if err != nil {
		t.Fatalf("KeyID: %v", err)
	}
	b, _ := KeyID(&key.PublicKey)

	if a != b || a == "" {
		t.Errorf("KeyID() = %q, %q; want stable non-empty value", a, b)
	}
}
