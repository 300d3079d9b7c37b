package reply

import (
	"bytes"
	"io"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/valentinozegna/gmail-auto-reply/pkg/email"
)

// BuildReply renders the full MIME reply to orig: fixed text body, subject
// derived from the original, and threading headers so mail clients file the
// reply under the same conversation. messageID is the bare Message-Id to
// stamp on the reply.
func BuildReply(from string, orig email.MessageSummary, body, messageID string) ([]byte, error) {
	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*mail.Address{{Address: from}})
	h.SetAddressList("To", []*mail.Address{{Address: orig.Sender}})
	h.SetSubject(email.ReplySubject(orig.Subject))
	h.SetMsgIDList("Message-Id", []string{messageID})
	if orig.MessageID != "" {
		h.SetMsgIDList("In-Reply-To", []string{orig.MessageID})
		h.SetMsgIDList("References", email.ExtendReferences(orig.References, orig.MessageID))
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(w, body); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
