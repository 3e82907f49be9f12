package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/marminbh/wa-dispatch/internal/apperrors"
)

const signaturePrefix = "sha256="

// ComputeSignature returns the provider-style signature of payload:
// sha256=<hex hmac>.
func ComputeSignature(payload []byte, secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("secret cannot be empty")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	if _, err := mac.Write(payload); err != nil {
		return "", fmt.Errorf("failed to write payload to HMAC: %w", err)
	}
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifySignature checks header against the HMAC-SHA256 of the exact raw
// body. A missing header or secret never verifies.
func VerifySignature(header string, rawBody []byte, secret string) bool {
	if header == "" || secret == "" {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(header), signaturePrefix))
	if err != nil || len(got) != sha256.Size {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	return hmac.Equal(got, mac.Sum(nil))
}

// VerifyChallenge answers the provider's subscription handshake.
func VerifyChallenge(mode, token, expectedToken, challenge string) (string, error) {
	if mode != "subscribe" || expectedToken == "" || token != expectedToken {
		return "", apperrors.Rejected(apperrors.CodeForbidden, "verification token mismatch")
	}
	return challenge, nil
}
