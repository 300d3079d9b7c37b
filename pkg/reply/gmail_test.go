package reply

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/rs/zerolog"

	"github.com/valentinozegna/gmail-auto-reply/pkg/email"
	"github.com/valentinozegna/gmail-auto-reply/pkg/reliability"
)

// fakeGmail emulates the two Gmail endpoints the dispatcher touches: message
// list (thread lookup) and message send.
type fakeGmail struct {
	mu       sync.Mutex
	sends    []sentMessage
	listHits int
	threadID string

	// sendHook, when set, writes the response for a send request instead of
	// the default success payload.
	sendHook func(w http.ResponseWriter, hit int)
}

type sentMessage struct {
	Raw      string `json:"raw"`
	ThreadID string `json:"threadId"`
}

func (f *fakeGmail) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/messages/send"):
			var msg sentMessage
			if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			f.mu.Lock()
			f.sends = append(f.sends, msg)
			hit := len(f.sends)
			hook := f.sendHook
			f.mu.Unlock()
			if hook != nil {
				hook(w, hit)
				return
			}
			fmt.Fprintf(w, `{"id":"sent-%d","threadId":%q}`, hit, msg.ThreadID)
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/messages"):
			f.mu.Lock()
			f.listHits++
			tid := f.threadID
			f.mu.Unlock()
			if tid == "" {
				fmt.Fprint(w, `{"messages":[]}`)
				return
			}
			fmt.Fprintf(w, `{"messages":[{"id":"orig-1","threadId":%q}]}`, tid)
		default:
			http.Error(w, "unexpected request: "+r.URL.Path, http.StatusNotFound)
		}
	})
}

func (f *fakeGmail) lastSend(t *testing.T) sentMessage {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sends) == 0 {
		t.Fatal("no message was sent")
	}
	return f.sends[len(f.sends)-1]
}

func errorBody(code int, reason, message string) string {
	return fmt.Sprintf(`{"error":{"code":%d,"message":%q,"errors":[{"reason":%q,"message":%q}]}}`,
		code, message, reason, message)
}

func newTestDispatcher(t *testing.T, fake *fakeGmail, threshold int) *GmailDispatcher {
	t.Helper()
	ts := httptest.NewServer(fake.handler())
	t.Cleanup(ts.Close)

	d, err := NewGmailDispatcher(context.Background(), GmailOptions{
		Account:          "me@gmail.com",
		ReplyBody:        "Got your message. I'll take a look shortly.",
		MessageIDDomain:  "auto.local",
		BreakerThreshold: threshold,
		BreakerCooldown:  time.Minute,
		Endpoint:         ts.URL,
		HTTPClient:       ts.Client(),
		Log:              zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewGmailDispatcher() error: %v", err)
	}
	return d
}

func TestSendThreadsReplyIntoOriginalConversation(t *testing.T) {
	fake := &fakeGmail{threadID: "t-42"}
	d := newTestDispatcher(t, fake, 0)

	msg := email.MessageSummary{
		MessageID:  "orig-123@mail.example.com",
		UID:        7,
		Sender:     "boss@corp.example",
		Subject:    "Status",
		References: "<root@mail.example.com>",
	}
	id, err := d.Send(context.Background(), msg)
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if id != "sent-1" {
		t.Errorf("Send() id = %q, want sent-1", id)
	}

	sent := fake.lastSend(t)
	if sent.ThreadID != "t-42" {
		t.Errorf("threadId = %q, want t-42", sent.ThreadID)
	}

	raw, err := base64.URLEncoding.DecodeString(sent.Raw)
	if err != nil {
		t.Fatalf("raw is not base64url: %v", err)
	}
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("sent payload is not parseable MIME: %v", err)
	}
	if to, _ := mr.Header.AddressList("To"); len(to) != 1 || to[0].Address != "boss@corp.example" {
		t.Errorf("To = %v, want boss@corp.example", to)
	}
	if subject, _ := mr.Header.Subject(); subject != "Re: Status" {
		t.Errorf("Subject = %q, want Re: Status", subject)
	}
	if inReplyTo, _ := mr.Header.MsgIDList("In-Reply-To"); len(inReplyTo) != 1 || inReplyTo[0] != "orig-123@mail.example.com" {
		t.Errorf("In-Reply-To = %v, want the original id", inReplyTo)
	}
}

func TestSendWithoutMessageIDSkipsThreadLookup(t *testing.T) {
	fake := &fakeGmail{threadID: "t-should-not-be-used"}
	d := newTestDispatcher(t, fake, 0)

	_, err := d.Send(context.Background(), email.MessageSummary{
		UID:     9,
		Sender:  "boss@corp.example",
		Subject: "no message id",
	})
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if fake.listHits != 0 {
		t.Errorf("list endpoint hit %d times, want 0", fake.listHits)
	}
	if sent := fake.lastSend(t); sent.ThreadID != "" {
		t.Errorf("threadId = %q, want empty", sent.ThreadID)
	}
}

func TestSendClassifiesAPIFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		reason string
		want   SendErrorKind
	}{
		{"expired credential", http.StatusUnauthorized, "authError", SendAuthExpired},
		{"throttled", http.StatusTooManyRequests, "rateLimitExceeded", SendRateLimited},
		{"quota via 403", http.StatusForbidden, "userRateLimitExceeded", SendRateLimited},
		{"denied via 403", http.StatusForbidden, "insufficientPermissions", SendPermanent},
		{"malformed request", http.StatusBadRequest, "invalidArgument", SendPermanent},
		{"server fault", http.StatusInternalServerError, "backendError", SendRateLimited},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeGmail{}
			fake.sendHook = func(w http.ResponseWriter, hit int) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, errorBody(tt.status, tt.reason, tt.name))
			}
			d := newTestDispatcher(t, fake, 0)

			_, err := d.Send(context.Background(), email.MessageSummary{
				UID:    3,
				Sender: "boss@corp.example",
			})
			se, ok := AsSendError(err)
			if !ok {
				t.Fatalf("Send() error = %v, want *SendError", err)
			}
			if se.Kind != tt.want {
				t.Errorf("Kind = %v, want %v", se.Kind, tt.want)
			}
			if got, want := se.Retryable(), tt.want == SendRateLimited; got != want {
				t.Errorf("Retryable() = %v, want %v", got, want)
			}
		})
	}
}

func TestSendFailsFastOnceBreakerOpens(t *testing.T) {
	fake := &fakeGmail{}
	fake.sendHook = func(w http.ResponseWriter, hit int) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, errorBody(http.StatusInternalServerError, "backendError", "boom"))
	}
	d := newTestDispatcher(t, fake, 2)

	msg := email.MessageSummary{UID: 1, Sender: "boss@corp.example"}
	for i := 0; i < 2; i++ {
		if _, err := d.Send(context.Background(), msg); err == nil {
			t.Fatalf("Send() #%d succeeded, want failure", i+1)
		}
	}

	_, err := d.Send(context.Background(), msg)
	if !errors.Is(err, reliability.ErrCircuitOpen) {
		t.Fatalf("Send() error = %v, want circuit open", err)
	}
	if se, ok := AsSendError(err); !ok || se.Kind != SendRateLimited {
		t.Errorf("open breaker error = %v, want rate_limited SendError", err)
	}
	fake.mu.Lock()
	hits := len(fake.sends)
	fake.mu.Unlock()
	if hits != 2 {
		t.Errorf("send endpoint hit %d times, want 2 (third call short-circuits)", hits)
	}
}

func TestPermanentRejectionsDoNotTripBreaker(t *testing.T) {
	fake := &fakeGmail{}
	fake.sendHook = func(w http.ResponseWriter, hit int) {
		if hit <= 2 {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, errorBody(http.StatusBadRequest, "invalidArgument", "bad"))
			return
		}
		fmt.Fprintf(w, `{"id":"sent-%d"}`, hit)
	}
	d := newTestDispatcher(t, fake, 2)

	msg := email.MessageSummary{UID: 1, Sender: "boss@corp.example"}
	for i := 0; i < 2; i++ {
		_, err := d.Send(context.Background(), msg)
		if se, ok := AsSendError(err); !ok || se.Kind != SendPermanent {
			t.Fatalf("Send() #%d error = %v, want permanent", i+1, err)
		}
	}

	id, err := d.Send(context.Background(), msg)
	if err != nil {
		t.Fatalf("Send() after permanents error = %v, want success (breaker closed)", err)
	}
	if id != "sent-3" {
		t.Errorf("Send() id = %q, want sent-3", id)
	}
}
