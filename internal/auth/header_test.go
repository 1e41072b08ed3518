package auth

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func basic(creds string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(creds))
}

func TestParseBasicAuth(t *testing.T) {
	tests := []struct {
		name         string
		authHeader   string
		wantUsername string
		wantPassword string
		wantErr      error
	}{
		{
			name:         "should parse valid Basic Auth header",
			authHeader:   basic("alice:secret456"),
			wantUsername: "alice",
			wantPassword: "secret456",
		},
		{
			name:         "should parse special characters in password",
			authHeader:   basic("alice:p@ssw0rd!#$"),
			wantUsername: "alice",
			wantPassword: "p@ssw0rd!#$",
		},
		{
			name:         "should split on the first colon only",
			authHeader:   basic("alice:secret:with:colons"),
			wantUsername: "alice",
			wantPassword: "secret:with:colons",
		},
		{
			name:         "should parse unicode credentials",
			authHeader:   basic("사용자:비밀번호"),
			wantUsername: "사용자",
			wantPassword: "비밀번호",
		},
		{
			name:         "should allow empty password",
			authHeader:   basic("alice:"),
			wantUsername: "alice",
		},
		{name: "should fail with empty header", authHeader: "", wantErr: ErrEmptyHeader},
		{name: "should fail without scheme", authHeader: base64.StdEncoding.EncodeToString([]byte("a:b")), wantErr: ErrInvalidScheme},
		{name: "should fail with bearer scheme", authHeader: "Bearer abc", wantErr: ErrInvalidScheme},
		{name: "should fail with lowercase scheme", authHeader: "basic " + base64.StdEncoding.EncodeToString([]byte("a:b")), wantErr: ErrInvalidScheme},
		{name: "should fail with invalid base64", authHeader: "Basic not-valid-base64!!!", wantErr: ErrInvalidBase64},
		{name: "should fail with whitespace only", authHeader: "Basic    ", wantErr: ErrInvalidBase64},
		{name: "should fail without colon", authHeader: basic("alicesecret"), wantErr: ErrInvalidCredentials},
		{name: "should fail with empty username", authHeader: basic(":secret"), wantErr: ErrEmptyUsername},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			username, password, err := ParseBasicAuth(tt.authHeader)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if username != tt.wantUsername {
				t.Errorf("expected username %q, got %q", tt.wantUsername, username)
			}
			if password != tt.wantPassword {
				t.Errorf("expected password %q, got %q", tt.wantPassword, password)
			}
		})
	}
}

func TestParseBasicAuth_LongCredentials(t *testing.T) {
	long := strings.Repeat("a", 1000)
	username, password, err := ParseBasicAuth(basic(long + ":" + long))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(username) != 1000 || len(password) != 1000 {
		t.Errorf("lengths = %d, %d", len(username), len(password))
	}
}

func TestParseBearer(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr error
	}{
		{name: "should parse jwt", header: "Bearer eyJhbGciOi.payload.sig", want: "eyJhbGciOi.payload.sig"},
		{name: "should parse api key", header: "Bearer tik_abc.secret", want: "tik_abc.secret"},
		{name: "should trim trailing space", header: "Bearer token  ", want: "token"},
		{name: "should fail with empty header", header: "", wantErr: ErrEmptyHeader},
		{name: "should fail with basic scheme", header: basic("a:b"), wantErr: ErrInvalidScheme},
		{name: "should fail with lowercase scheme", header: "bearer token", wantErr: ErrInvalidScheme},
		{name: "should fail without token", header: "Bearer   ", wantErr: ErrEmptyToken},
		{name: "should fail with embedded space", header: "Bearer a b", wantErr: ErrEmptyToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseBearer(tt.header)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if got != tt.want {
				t.Errorf("token = %q, want %q", got, tt.want)
			}
		})
	}
}
