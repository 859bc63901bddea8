package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

const (
	signatureHeader = "X-Hub-Signature-256"
	signaturePrefix = "sha256="
)

var (
	errMissingSignature = errors.New("missing " + signatureHeader + " header")
	errSignatureFormat  = errors.New("invalid signature format, expected 'sha256=<hex digest>'")
)

// Sign returns the X-Hub-Signature-256 value for payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks an X-Hub-Signature-256 value against payload.
// Digests are compared in constant time.
func VerifySignature(payload []byte, signature, secret string) bool {
	if secret == "" || ValidateSignatureHeader(signature) != nil {
		return false
	}
	received, err := hex.DecodeString(strings.TrimPrefix(signature, signaturePrefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(received, mac.Sum(nil))
}

// ValidateSignatureHeader rejects an absent or non-sha256 header before any
// digest is computed.
func ValidateSignatureHeader(header string) error {
	if header == "" {
		return errMissingSignature
	}
	if !strings.HasPrefix(header, signaturePrefix) || len(header) == len(signaturePrefix) {
		return errSignatureFormat
	}
	return nil
}
