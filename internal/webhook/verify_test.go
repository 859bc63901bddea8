package webhook

import (
	"errors"
	"strings"
	"testing"
)

func TestVerifySignature(t *testing.T) {
	secret := "test-secret"
	payload := []byte(`{"action":"opened"}`)
	valid := Sign(payload, secret)

	tests := []struct {
		name      string
		payload   []byte
		signature string
		secret    string
		want      bool
	}{
		{"valid signature", payload, valid, secret, true},
		{"uppercase hex digest", payload, "sha256=" + strings.ToUpper(strings.TrimPrefix(valid, "sha256=")), secret, true},
		{"wrong secret", payload, valid, "wrong-secret", false},
		{"tampered payload", []byte(`{"action":"closed"}`), valid, secret, false},
		{"empty payload", []byte(""), valid, secret, false},
		{"not hex", payload, "sha256=not-a-digest", secret, false},
		{"truncated digest", payload, valid[:len(valid)-2], secret, false},
		{"missing prefix", payload, strings.TrimPrefix(valid, "sha256="), secret, false},
		{"sha1 header", payload, "sha1=" + strings.TrimPrefix(valid, "sha256="), secret, false},
		{"empty signature", payload, "", secret, false},
		{"empty secret never verifies", payload, Sign(payload, ""), "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifySignature(tt.payload, tt.signature, tt.secret); got != tt.want {
				t.Errorf("VerifySignature() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidateSignatureHeader(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   error
	}{
		{"valid header", "sha256=abc123", nil},
		{"missing header", "", errMissingSignature},
		{"no prefix", "abc123", errSignatureFormat},
		{"wrong algorithm", "sha1=abc123", errSignatureFormat},
		{"prefix only", "sha256=", errSignatureFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateSignatureHeader(tt.header); !errors.Is(err, tt.want) {
				t.Errorf("ValidateSignatureHeader(%q) = %v, want %v", tt.header, err, tt.want)
			}
		})
	}
}
