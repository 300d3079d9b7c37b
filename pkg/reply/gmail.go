package reply

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/valentinozegna/gmail-auto-reply/pkg/email"
	"github.com/valentinozegna/gmail-auto-reply/pkg/logging"
	"github.com/valentinozegna/gmail-auto-reply/pkg/reliability"
)

// GmailOptions configures a GmailDispatcher.
type GmailOptions struct {
	// Account is the monitored mailbox. It becomes the reply's From address.
	Account string
	// ReplyBody is the fixed text sent in every reply.
	ReplyBody string
	// MessageIDDomain is the domain stamped into generated Message-Id values.
	MessageIDDomain string

	// TokenSource supplies OAuth2 credentials for the API client.
	TokenSource oauth2.TokenSource

	BreakerThreshold int
	BreakerCooldown  time.Duration

	// Endpoint overrides the Gmail API base URL. Tests point this at a local
	// server.
	Endpoint string
	// HTTPClient, when set, replaces the authenticated transport entirely.
	HTTPClient *http.Client

	Log zerolog.Logger
}

// GmailDispatcher sends replies through the Gmail REST API. The API path is
// authenticated separately from the IMAP session, so a wedged IMAP connection
// never blocks outbound mail. A circuit breaker guards the send path: after
// repeated infrastructure failures the dispatcher fails fast until the
// cooldown passes.
type GmailDispatcher struct {
	svc     *gmail.Service
	breaker *reliability.CircuitBreaker
	account string
	body    string
	domain  string
	log     zerolog.Logger
}

// NewGmailDispatcher builds the API client and its breaker.
func NewGmailDispatcher(ctx context.Context, opts GmailOptions) (*GmailDispatcher, error) {
	if opts.Account == "" {
		return nil, errors.New("reply: account is required")
	}
	if opts.ReplyBody == "" {
		return nil, errors.New("reply: reply body is required")
	}

	var copts []option.ClientOption
	switch {
	case opts.HTTPClient != nil:
		copts = append(copts, option.WithHTTPClient(opts.HTTPClient))
	case opts.TokenSource != nil:
		copts = append(copts, option.WithTokenSource(opts.TokenSource))
	default:
		return nil, errors.New("reply: a token source is required")
	}
	if opts.Endpoint != "" {
		copts = append(copts, option.WithEndpoint(opts.Endpoint))
	}

	svc, err := gmail.NewService(ctx, copts...)
	if err != nil {
		return nil, fmt.Errorf("reply: build gmail client: %w", err)
	}

	return &GmailDispatcher{
		svc:     svc,
		breaker: reliability.NewCircuitBreaker(opts.BreakerThreshold, opts.BreakerCooldown),
		account: opts.Account,
		body:    opts.ReplyBody,
		domain:  opts.MessageIDDomain,
		log:     opts.Log.With().Str("component", "reply").Logger(),
	}, nil
}

// Send delivers one reply to the message described by msg and returns the
// provider's id for the sent message. Failures come back as *SendError.
//
// Permanent rejections are a definitive answer from a healthy endpoint, so
// they do not count against the breaker.
func (d *GmailDispatcher) Send(ctx context.Context, msg email.MessageSummary) (string, error) {
	var sentID string
	var permanent error
	err := d.breaker.Execute(func() error {
		id, err := d.send(ctx, msg)
		if err != nil {
			if se, ok := AsSendError(err); ok && se.Kind == SendPermanent {
				permanent = err
				return nil
			}
			return err
		}
		sentID = id
		return nil
	})
	if err != nil {
		if errors.Is(err, reliability.ErrCircuitOpen) {
			return "", &SendError{Kind: SendRateLimited, Err: err}
		}
		return "", err
	}
	if permanent != nil {
		return "", permanent
	}

	d.log.Info().
		Str("to", logging.MaskEmail(msg.Sender)).
		Str("sent_id", sentID).
		Msg("Reply sent")
	return sentID, nil
}

func (d *GmailDispatcher) send(ctx context.Context, msg email.MessageSummary) (string, error) {
	replyID := uuid.NewString() + "@" + d.domain
	raw, err := BuildReply(d.account, msg, d.body, replyID)
	if err != nil {
		return "", &SendError{Kind: SendPermanent, Err: fmt.Errorf("build reply: %w", err)}
	}

	gm := &gmail.Message{Raw: base64.URLEncoding.EncodeToString(raw)}
	if msg.MessageID != "" {
		if tid := d.lookupThread(ctx, msg.MessageID); tid != "" {
			gm.ThreadId = tid
		}
	}

	sent, err := d.svc.Users.Messages.Send("me", gm).Context(ctx).Do()
	if err != nil {
		return "", classifySendErr(err)
	}
	return sent.Id, nil
}

// lookupThread resolves the Gmail thread holding the original message so the
// reply lands in the same conversation. Best effort: a failed lookup only
// costs threading, never the send.
func (d *GmailDispatcher) lookupThread(ctx context.Context, messageID string) string {
	resp, err := d.svc.Users.Messages.List("me").
		Q("rfc822msgid:" + messageID).
		MaxResults(1).
		Context(ctx).
		Do()
	if err != nil {
		d.log.Debug().Err(err).Msg("Thread lookup failed, sending unthreaded")
		return ""
	}
	if len(resp.Messages) == 0 {
		return ""
	}
	return resp.Messages[0].ThreadId
}
