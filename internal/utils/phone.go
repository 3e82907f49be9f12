package utils

import (
	"fmt"
	"strings"
)

// MaxPhoneDigits is the longest number E.164 allows.
const MaxPhoneDigits = 15

// NormalizePhone reduces a phone number to the bare digits the provider
// uses as a contact address.
// Example: "+1 (650) 555-1234" -> "16505551234"
func NormalizePhone(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "+")

	var b strings.Builder
	b.Grow(len(raw))
	for _, char := range raw {
		switch {
		case char >= '0' && char <= '9':
			b.WriteRune(char)
		case char == ' ', char == '-', char == '.', char == '(', char == ')':
			// formatting
		default:
			return "", fmt.Errorf("invalid phone number %q: contains %q", raw, char)
		}
	}

	digits := b.String()
	if digits == "" {
		return "", fmt.Errorf("invalid phone number: no digits")
	}
	if len(digits) > MaxPhoneDigits {
		return "", fmt.Errorf("invalid phone number: expected at most %d digits, got %d", MaxPhoneDigits, len(digits))
	}
	return digits, nil
}

// ContactAddress is NormalizePhone for addresses the provider sent us,
// which are kept as received when they do not parse.
func ContactAddress(raw string) string {
	if digits, err := NormalizePhone(raw); err == nil {
		return digits
	}
	return strings.TrimSpace(raw)
}
