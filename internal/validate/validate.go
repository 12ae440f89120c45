// Package validate holds the input checks shared by the conversation flows.
package validate

import (
	"fmt"
	"net/mail"
	"strconv"
	"strings"
	"time"
)

// Digits strips everything but ASCII digits.
func Digits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if c := s[i]; c >= '0' && c <= '9' {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Document reports whether s is a CPF (11 digits) or CNPJ (14 digits) once punctuation is removed.
// Check digits are not verified.
func Document(s string) bool {
	n := len(Digits(s))
	return n == 11 || n == 14
}

// Phone reports whether s holds a Brazilian phone number with area code: 10 or 11 digits.
func Phone(s string) bool {
	n := len(Digits(s))
	return n >= 10 && n <= 11
}

// Email performs a light syntactic check: a parseable address with a dotted domain.
func Email(s string) bool {
	s = strings.TrimSpace(s)
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s {
		return false
	}
	at := strings.LastIndexByte(s, '@')
	return strings.Contains(s[at+1:], ".")
}

// FullName reports whether s has at least two words.
func FullName(s string) bool {
	return len(strings.Fields(s)) >= 2
}

// FirstName returns the first word of a name.
func FirstName(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// Grade parses a satisfaction grade from 0 to 10.
func Grade(s string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 || n > 10 {
		return 0, false
	}
	return n, true
}

// Option parses a numbered menu choice in [1, max].
func Option(s string, max int) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 || n > max {
		return 0, false
	}
	return n, true
}

// ParseBRDate parses a dd/mm/yyyy date and returns it with its ISO (yyyy-mm-dd) form.
// Impossible dates such as 31/02/2025 are rejected.
func ParseBRDate(s string) (time.Time, string, error) {
	t, err := time.Parse("02/01/2006", strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, "", fmt.Errorf("invalid date %q, expected dd/mm/yyyy: %w", s, err)
	}
	return t, t.Format(time.DateOnly), nil
}

// FormatBRDate renders an ISO yyyy-mm-dd date as dd/mm/yyyy. Unparseable input is returned as is.
func FormatBRDate(iso string) string {
	t, err := time.Parse(time.DateOnly, strings.TrimSpace(iso))
	if err != nil {
		return iso
	}
	return t.Format("02/01/2006")
}
