// Package email holds the header-level helpers shared by the mailbox session
// and the reply dispatcher: address handling, Message-ID cleaning, and the
// subject/reference derivation that makes a reply thread correctly.
package email

import (
	"regexp"
	"strings"
)

var msgIDRE = regexp.MustCompile(`<([^>]+)>`)

// CleanMessageID removes surrounding whitespace and angle brackets from a
// Message-ID header value.
func CleanMessageID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return id
}

// FormatMessageID wraps a bare Message-ID in angle brackets for use in a
// header. Empty input stays empty.
func FormatMessageID(id string) string {
	id = CleanMessageID(id)
	if id == "" {
		return ""
	}
	return "<" + id + ">"
}

// ParseReferences splits a References header into bare Message-IDs, oldest
// first.
func ParseReferences(references string) []string {
	matches := msgIDRE.FindAllStringSubmatch(references, -1)
	var out []string
	for _, m := range matches {
		if len(m) > 1 && m[1] != "" {
			out = append(out, m[1])
		}
	}
	return out
}

// ExtendReferences builds the References chain for a reply: the original
// message's chain with the replied-to Message-ID appended once. Either
// argument may be empty.
func ExtendReferences(references, messageID string) []string {
	chain := ParseReferences(references)
	id := CleanMessageID(messageID)
	if id == "" {
		return chain
	}
	return appendUnique(chain, id)
}

// ReplySubject derives the subject for a reply, prefixing "Re: " unless the
// original already carries it in any casing.
func ReplySubject(subject string) string {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(subject)), "re:") {
		return subject
	}
	return "Re: " + subject
}

func appendUnique(slice []string, item string) []string {
	for _, existing := range slice {
		if existing == item {
			return slice
		}
	}
	return append(slice, item)
}
