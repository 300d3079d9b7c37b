package email

import (
	"net/mail"
	"strings"
)

// ExtractAddress pulls the bare address out of a header value in either
// "Name <user@host>" or "user@host" form. Returns "" when nothing
// address-shaped is present.
func ExtractAddress(input string) string {
	input = strings.TrimSpace(input)
	if input == "" {
		return ""
	}
	if addr, err := mail.ParseAddress(input); err == nil {
		return addr.Address
	}
	if m := msgIDRE.FindStringSubmatch(input); len(m) > 1 {
		return m[1]
	}
	if strings.Contains(input, "@") && strings.Contains(input, ".") {
		return input
	}
	return ""
}

// NormalizeAddress reduces a header value to a lowercase bare address, the
// form used for sender comparison and seen-set keys.
func NormalizeAddress(input string) string {
	return strings.ToLower(ExtractAddress(input))
}

// SameAddress reports whether two header values name the same mailbox,
// ignoring display names, casing, and surrounding whitespace.
func SameAddress(a, b string) bool {
	na := NormalizeAddress(a)
	return na != "" && na == NormalizeAddress(b)
}
