package email

import (
	"strconv"
	"time"
)

// MessageSummary is the slice of an inbound message the monitor needs:
// identity for dedup and threading, sender for the filter, subject for the
// reply derivation. Produced by a mailbox search, consumed once.
type MessageSummary struct {
	// MessageID is the bare Message-ID header value, no angle brackets.
	// May be empty; Key falls back to the UID.
	MessageID string
	UID       uint32
	// Sender is the normalized lowercase address.
	Sender       string
	Subject      string
	InternalDate time.Time
	// References is the original message's raw References header, carried
	// so a reply can extend the chain.
	References string
}

// Key identifies the message inside one connection epoch. UIDs are stable
// within an epoch, so they are a safe fallback when the Message-ID header is
// missing.
func (s MessageSummary) Key() string {
	if s.MessageID != "" {
		return s.MessageID
	}
	return "uid:" + strconv.FormatUint(uint64(s.UID), 10)
}
