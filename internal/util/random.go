package util

import (
	"math/rand/v2"
	"strings"
)

const (
	hexChars         = "0123456789abcdef"
	upperAlphaDigits = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID will be in the format: "{prefix}{hex_string}".
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
func GenerateRandomHex(length int) string {
	return randomFrom(hexChars, length)
}

// GenerateConfirmationCode returns an 8 character uppercase code shown to users when a booking
// is confirmed. Not suitable as a secret.
func GenerateConfirmationCode() string {
	return randomFrom(upperAlphaDigits, 8)
}

// GenerateRequestID generates an id used to correlate API log lines.
func GenerateRequestID() string {
	return GenerateRandomID("req_", 16)
}

func randomFrom(alphabet string, length int) string {
	if length <= 0 {
		return ""
	}
	var builder strings.Builder
	builder.Grow(length)
	for i := 0; i < length; i++ {
		builder.WriteByte(alphabet[rand.IntN(len(alphabet))])
	}
	return builder.String()
}
