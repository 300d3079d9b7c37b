// Package mailbox owns the persistent IMAP side of the monitor: one
// authenticated connection, push notifications via IDLE, and targeted
// searches for unseen mail from the watched sender.
//
// A Session is not safe for concurrent use. The monitor loop is its only
// caller and drives it through one connect/await/search cycle at a time.
package mailbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"sort"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	"github.com/rs/zerolog"

	"github.com/valentinozegna/gmail-auto-reply/pkg/auth"
	"github.com/valentinozegna/gmail-auto-reply/pkg/email"
	"github.com/valentinozegna/gmail-auto-reply/pkg/reliability"
)

var errNotConnected = errors.New("mailbox: not connected")

// AwaitOutcome says why AwaitNotification returned.
type AwaitOutcome int

const (
	// AwaitNotified means the server signalled new mail.
	AwaitNotified AwaitOutcome = iota
	// AwaitTimedOut means the wait window elapsed with no activity. The
	// connection answered a liveness probe and is still usable.
	AwaitTimedOut
	// AwaitClosed means the connection is no longer usable.
	AwaitClosed
)

func (o AwaitOutcome) String() string {
	switch o {
	case AwaitNotified:
		return "notified"
	case AwaitTimedOut:
		return "timed_out"
	case AwaitClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnectionError marks a mailbox failure that a reconnect can fix.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("imap %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Retryable is always true: the recovery for any connection fault is the
// same teardown and reconnect cycle.
func (e *ConnectionError) Retryable() bool {
	return true
}

// CredentialSource supplies a bearer credential for SASL authentication.
// The returned time is the credential's expiry.
type CredentialSource interface {
	Credential(ctx context.Context) (string, time.Time, error)
}

// Config describes one IMAP endpoint and how to authenticate against it.
type Config struct {
	// Addr is the host:port of the IMAP server.
	Addr    string
	Account string
	Folder  string

	// Password enables plain LOGIN. When empty, Credentials must be set and
	// the session authenticates with XOAUTH2.
	Password    string
	Credentials CredentialSource

	// Insecure dials without TLS. Only meant for tests against local servers.
	Insecure bool

	Timeouts reliability.TimeoutConfig

	Log zerolog.Logger
}

// Session is one logical connection to the monitored folder. Connect
// establishes it, Close tears it down, and the monitor rebuilds a fresh one
// after any fault.
type Session struct {
	cfg Config
	log zerolog.Logger

	client *imapclient.Client
	// notifyCh carries at most one pending new-mail signal. The client's
	// read goroutine posts to it, AwaitNotification drains it.
	notifyCh chan struct{}
}

func NewSession(cfg Config) *Session {
	if cfg.Folder == "" {
		cfg.Folder = "INBOX"
	}
	return &Session{
		cfg: cfg,
		log: cfg.Log.With().Str("component", "mailbox").Logger(),
	}
}

// Connect dials the server, authenticates, and selects the watched folder.
// On any error the partial connection is torn down and the session stays
// unconnected.
func (s *Session) Connect(ctx context.Context) error {
	if s.client != nil {
		return errors.New("mailbox: already connected")
	}

	notifyCh := make(chan struct{}, 1)
	opts := &imapclient.Options{
		WordDecoder: &mime.WordDecoder{CharsetReader: charset.Reader},
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				if data.NumMessages == nil {
					return
				}
				select {
				case notifyCh <- struct{}{}:
				default:
				}
			},
		},
	}

	client, err := s.dial(opts)
	if err != nil {
		return &ConnectionError{Op: "dial", Err: err}
	}
	if err := reliability.WithTimeout(ctx, s.cfg.Timeouts.Dial, client.WaitGreeting); err != nil {
		client.Close()
		return &ConnectionError{Op: "greeting", Err: err}
	}
	if err := s.authenticate(ctx, client); err != nil {
		client.Close()
		return err
	}

	var folder *imap.SelectData
	err = reliability.WithTimeout(ctx, s.cfg.Timeouts.Command, func() error {
		var err error
		folder, err = client.Select(s.cfg.Folder, nil).Wait()
		return err
	})
	if err != nil {
		client.Close()
		return &ConnectionError{Op: "select", Err: err}
	}

	s.client = client
	s.notifyCh = notifyCh
	s.log.Info().
		Str("folder", s.cfg.Folder).
		Uint32("messages", folder.NumMessages).
		Msg("Mailbox ready")
	return nil
}

func (s *Session) dial(opts *imapclient.Options) (*imapclient.Client, error) {
	if s.cfg.Insecure {
		return imapclient.DialInsecure(s.cfg.Addr, opts)
	}
	return imapclient.DialTLS(s.cfg.Addr, opts)
}

func (s *Session) authenticate(ctx context.Context, client *imapclient.Client) error {
	err := reliability.WithTimeout(ctx, s.cfg.Timeouts.Command, func() error {
		if s.cfg.Password != "" {
			return client.Login(s.cfg.Account, s.cfg.Password).Wait()
		}
		if s.cfg.Credentials == nil {
			return errors.New("no password and no credential source configured")
		}
		token, _, err := s.cfg.Credentials.Credential(ctx)
		if err != nil {
			return err
		}
		return client.Authenticate(auth.NewXOAuth2(s.cfg.Account, token))
	})
	if err != nil {
		return &ConnectionError{Op: "authenticate", Err: err}
	}
	return nil
}

// AwaitNotification parks the connection in IDLE until the server reports
// new mail, the timeout elapses, ctx is cancelled, or the connection dies.
// A timeout is followed by a NOOP probe, so AwaitTimedOut guarantees the
// connection is still live.
func (s *Session) AwaitNotification(ctx context.Context, timeout time.Duration) (AwaitOutcome, error) {
	if s.client == nil {
		return AwaitClosed, &ConnectionError{Op: "idle", Err: errNotConnected}
	}

	// A notification that arrived while we were searching is still news.
	select {
	case <-s.notifyCh:
		return AwaitNotified, nil
	default:
	}

	idleCmd, err := s.client.Idle()
	if err != nil {
		return AwaitClosed, &ConnectionError{Op: "idle", Err: err}
	}

	// Wait returns early when the connection drops underneath IDLE.
	idleDone := make(chan error, 1)
	go func() { idleDone <- idleCmd.Wait() }()

	stop := func() error {
		if err := idleCmd.Close(); err != nil {
			return err
		}
		return <-idleDone
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.notifyCh:
		if err := stop(); err != nil {
			return AwaitClosed, &ConnectionError{Op: "idle stop", Err: err}
		}
		return AwaitNotified, nil

	case <-timer.C:
		if err := stop(); err != nil {
			return AwaitClosed, &ConnectionError{Op: "idle stop", Err: err}
		}
		if err := s.probe(ctx); err != nil {
			return AwaitClosed, err
		}
		return AwaitTimedOut, nil

	case err := <-idleDone:
		if err == nil {
			err = errors.New("idle ended unexpectedly")
		}
		return AwaitClosed, &ConnectionError{Op: "idle", Err: err}

	case <-ctx.Done():
		stop()
		return AwaitClosed, ctx.Err()
	}
}

// probe checks connection liveness with a NOOP round trip.
func (s *Session) probe(ctx context.Context) error {
	err := reliability.WithTimeout(ctx, s.cfg.Timeouts.Command, func() error {
		return s.client.Noop().Wait()
	})
	if err != nil {
		return &ConnectionError{Op: "noop", Err: err}
	}
	return nil
}

// SearchUnseenFrom returns summaries of every unseen message from sender in
// the watched folder, ordered by UID. The server-side From match is loose
// substring matching, so each hit is re-verified against the envelope before
// it is returned.
func (s *Session) SearchUnseenFrom(ctx context.Context, sender string) ([]email.MessageSummary, error) {
	if s.client == nil {
		return nil, &ConnectionError{Op: "search", Err: errNotConnected}
	}

	var uids []imap.UID
	err := reliability.WithTimeout(ctx, s.cfg.Timeouts.Command, func() error {
		criteria := &imap.SearchCriteria{
			NotFlag: []imap.Flag{imap.FlagSeen},
			Header:  []imap.SearchCriteriaHeaderField{{Key: "From", Value: sender}},
		}
		data, err := s.client.UIDSearch(criteria, nil).Wait()
		if err != nil {
			return err
		}
		uids = data.AllUIDs()
		return nil
	})
	if err != nil {
		return nil, &ConnectionError{Op: "search", Err: err}
	}
	if len(uids) == 0 {
		return nil, nil
	}

	summaries, err := s.fetchSummaries(ctx, uids)
	if err != nil {
		return nil, err
	}

	matched := summaries[:0]
	for _, summary := range summaries {
		if !email.SameAddress(summary.Sender, sender) {
			s.log.Debug().
				Uint32("uid", summary.UID).
				Msg("Dropping search hit from a different sender")
			continue
		}
		matched = append(matched, summary)
	}
	return matched, nil
}

func (s *Session) fetchSummaries(ctx context.Context, uids []imap.UID) ([]email.MessageSummary, error) {
	refsSection := &imap.FetchItemBodySection{
		Specifier:    imap.PartSpecifierHeader,
		HeaderFields: []string{"References"},
		Peek:         true,
	}
	options := &imap.FetchOptions{
		Envelope:     true,
		InternalDate: true,
		UID:          true,
		BodySection:  []*imap.FetchItemBodySection{refsSection},
	}

	var msgs []*imapclient.FetchMessageBuffer
	err := reliability.WithTimeout(ctx, s.cfg.Timeouts.Command, func() error {
		var err error
		msgs, err = s.client.Fetch(imap.UIDSetNum(uids...), options).Collect()
		return err
	})
	if err != nil {
		return nil, &ConnectionError{Op: "fetch", Err: err}
	}

	summaries := make([]email.MessageSummary, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Envelope == nil {
			s.log.Warn().Uint32("uid", uint32(msg.UID)).Msg("Fetch returned no envelope")
			continue
		}
		summary := email.MessageSummary{
			MessageID:    email.CleanMessageID(msg.Envelope.MessageID),
			UID:          uint32(msg.UID),
			Subject:      msg.Envelope.Subject,
			InternalDate: msg.InternalDate,
			References:   referencesHeader(msg.BodySection),
		}
		if len(msg.Envelope.From) > 0 {
			summary.Sender = email.NormalizeAddress(msg.Envelope.From[0].Addr())
		}
		summaries = append(summaries, summary)
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].UID < summaries[j].UID })
	return summaries, nil
}

// referencesHeader pulls the References value out of a fetched header block.
func referencesHeader(sections []imapclient.FetchBodySectionBuffer) string {
	for _, b := range sections {
		// message.Read can report an unknown charset yet still hand back a
		// usable entity. Only a nil entity is a lost cause.
		ent, _ := message.Read(bytes.NewReader(b.Bytes))
		if ent == nil {
			continue
		}
		if v := ent.Header.Get("References"); v != "" {
			return v
		}
	}
	return ""
}

// Close logs out politely within a bounded window, then closes the socket.
// Safe to call repeatedly and on a never-connected session.
func (s *Session) Close() error {
	client := s.client
	if client == nil {
		return nil
	}
	s.client = nil
	s.notifyCh = nil

	err := reliability.WithTimeout(context.Background(), s.cfg.Timeouts.Logout, func() error {
		return client.Logout().Wait()
	})
	if err != nil {
		s.log.Debug().Err(err).Msg("Logout failed, closing the socket anyway")
	}
	if err := client.Close(); err != nil && !reliability.IsDisconnectError(err) {
		return err
	}
	return nil
}
