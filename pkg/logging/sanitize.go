package logging

import (
	"io"
	"regexp"
	"strings"
)

// Helpers for sanitizing values before they reach the log stream. The
// monitored sender controls addresses and subjects, so both are masked or
// bounded rather than logged raw.

// MaskEmail keeps the first and last character of the local part and of each
// domain label, replacing the rest with asterisks. Values that do not look
// like an address pass through unchanged.
func MaskEmail(s string) string {
	s = strings.TrimSpace(s)
	at := strings.IndexByte(s, '@')
	if at <= 0 || at == len(s)-1 {
		return s
	}
	mask := func(part string) string {
		if len(part) <= 1 {
			return "*"
		}
		return part[:1] + strings.Repeat("*", max(0, len(part)-2)) + part[len(part)-1:]
	}
	labels := strings.Split(s[at+1:], ".")
	for i, p := range labels {
		labels[i] = mask(p)
	}
	return mask(s[:at]) + "@" + strings.Join(labels, ".")
}

var emailRE = regexp.MustCompile(`(?i)[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)

// RedactEmailsIn masks every address embedded in s. Useful for error strings
// that quote the mailbox account or the monitored sender.
func RedactEmailsIn(s string) string {
	return emailRE.ReplaceAllStringFunc(s, MaskEmail)
}

// SanitizingWriter masks every email address written through it. The console
// writer emits one whole log line per Write, so per-write redaction cannot
// split an address.
type SanitizingWriter struct {
	W io.Writer
}

func (sw SanitizingWriter) Write(p []byte) (int, error) {
	if _, err := sw.W.Write([]byte(RedactEmailsIn(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}

// BoundSubject strips control characters and bounds the length of a message
// subject so a hostile header cannot flood or corrupt the log stream.
func BoundSubject(s string, limit int) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 32 || r == 127 {
			continue
		}
		b.WriteRune(r)
	}
	out := b.String()
	if limit <= 0 || len(out) <= limit {
		return out
	}
	cut := limit
	for cut > 0 && cut < len(out) {
		if out[cut]&0x80 == 0 || out[cut]&0xC0 == 0xC0 {
			// safe boundary: ASCII or the start of a UTF-8 sequence
			break
		}
		cut--
	}
	if cut <= 0 {
		cut = limit
	}
	return out[:cut]
}
