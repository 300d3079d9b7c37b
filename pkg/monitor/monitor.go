// Package monitor runs the long-lived watch loop: keep one mailbox session
// alive, wake on new-mail notifications, search for unseen messages from the
// watched sender, and hand each one to the reply dispatcher exactly once per
// connection epoch.
package monitor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/valentinozegna/gmail-auto-reply/pkg/email"
	"github.com/valentinozegna/gmail-auto-reply/pkg/logging"
	"github.com/valentinozegna/gmail-auto-reply/pkg/mailbox"
	"github.com/valentinozegna/gmail-auto-reply/pkg/reliability"
	"github.com/valentinozegna/gmail-auto-reply/pkg/reply"
)

// Session is the mailbox connection the loop drives. One Connect starts an
// epoch, one Close ends it.
type Session interface {
	Connect(ctx context.Context) error
	AwaitNotification(ctx context.Context, timeout time.Duration) (mailbox.AwaitOutcome, error)
	SearchUnseenFrom(ctx context.Context, sender string) ([]email.MessageSummary, error)
	Close() error
}

// Dispatcher delivers one reply and reports the provider's id for it.
type Dispatcher interface {
	Send(ctx context.Context, msg email.MessageSummary) (string, error)
}

// Credentials is the slice of the token provider the loop needs: fetch,
// drop, and lifetime checks.
type Credentials interface {
	Credential(ctx context.Context) (string, time.Time, error)
	Invalidate()
	ValidFor(d time.Duration) bool
}

// Config tunes the loop. Zero values fall back to the defaults below.
type Config struct {
	// Sender is the only address that gets replies.
	Sender string

	// IdleTimeout bounds one wait for a notification. On expiry the
	// connection is probed and the wait restarts.
	IdleTimeout time.Duration
	// ReconnectBackoff is the fixed pause between reconnect attempts.
	ReconnectBackoff time.Duration

	// RateLimitRetries is how many extra send attempts a throttled reply
	// gets before it is left for a later cycle.
	RateLimitRetries int
	RateLimitDelay   time.Duration
}

const (
	defaultIdleTimeout      = 5 * time.Minute
	defaultReconnectBackoff = 5 * time.Second
	defaultRateLimitRetries = 2
	defaultRateLimitDelay   = 30 * time.Second
)

// state is one node of the loop's lifecycle. Every transition function
// returns the next state; Run just dispatches until Terminating.
type state int

const (
	stateBootstrapping state = iota
	stateIdling
	stateSearching
	stateFaulted
	stateTerminating
)

func (s state) String() string {
	switch s {
	case stateBootstrapping:
		return "bootstrapping"
	case stateIdling:
		return "idling"
	case stateSearching:
		return "searching"
	case stateFaulted:
		return "faulted"
	case stateTerminating:
		return "terminating"
	default:
		return "unknown"
	}
}

// Monitor owns all mutable loop state: the live session, the seen set, and
// the epoch counter. Run drives it from a single goroutine; nothing here is
// shared.
type Monitor struct {
	cfg        Config
	sender     string
	session    Session
	dispatcher Dispatcher
	creds      Credentials
	log        zerolog.Logger

	seen  *SeenSet
	epoch int

	stats struct {
		notifications uint64
		searches      uint64
		replies       uint64
		faults        uint64
	}
}

// New wires a monitor. creds may be nil when the mailbox uses password auth
// and the dispatcher manages its own token lifetime.
func New(cfg Config, session Session, dispatcher Dispatcher, creds Credentials, log zerolog.Logger) *Monitor {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = defaultReconnectBackoff
	}
	if cfg.RateLimitRetries < 0 {
		cfg.RateLimitRetries = defaultRateLimitRetries
	}
	if cfg.RateLimitDelay <= 0 {
		cfg.RateLimitDelay = defaultRateLimitDelay
	}
	return &Monitor{
		cfg:        cfg,
		sender:     email.NormalizeAddress(cfg.Sender),
		session:    session,
		dispatcher: dispatcher,
		creds:      creds,
		log:        log.With().Str("component", "monitor").Logger(),
		seen:       NewSeenSet(),
	}
}

// Run blocks until ctx is cancelled. Connection faults never end the loop,
// they only cost a backoff and a fresh epoch.
func (m *Monitor) Run(ctx context.Context) error {
	m.log.Info().
		Str("sender", logging.MaskEmail(m.sender)).
		Dur("idle_timeout", m.cfg.IdleTimeout).
		Msg("Monitor starting")

	st := stateBootstrapping
	for st != stateTerminating {
		switch st {
		case stateBootstrapping:
			st = m.bootstrap(ctx)
		case stateIdling:
			st = m.idle(ctx)
		case stateSearching:
			st = m.search(ctx)
		case stateFaulted:
			st = m.fault(ctx)
		}
	}
	return m.terminate()
}

// bootstrap opens a fresh epoch: reset dedup state, then connect until it
// sticks. Only cancellation stops the retrying.
func (m *Monitor) bootstrap(ctx context.Context) state {
	m.epoch++
	m.seen.Reset()

	err := reliability.RetryForever(ctx, m.cfg.ReconnectBackoff, func() error {
		return m.session.Connect(ctx)
	}, func(attempt int, err error) {
		m.log.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("retry_in", m.cfg.ReconnectBackoff).
			Msg("Connect failed")
	})
	if err != nil {
		return stateTerminating
	}

	m.log.Info().Int("epoch", m.epoch).Msg("Connected")
	// Scan right away: mail delivered while we were gone sends no push.
	return stateSearching
}

// idle parks on the notification channel for one timeout window.
func (m *Monitor) idle(ctx context.Context) state {
	if m.creds != nil && !m.creds.ValidFor(m.cfg.IdleTimeout) {
		// Refresh ahead of a quiet stretch so a send triggered by the next
		// notification starts with a live token.
		if _, _, err := m.creds.Credential(ctx); err != nil {
			m.log.Warn().Err(err).Msg("Credential refresh failed, keeping the session")
		}
	}

	outcome, err := m.session.AwaitNotification(ctx, m.cfg.IdleTimeout)
	switch outcome {
	case mailbox.AwaitNotified:
		m.stats.notifications++
		return stateSearching
	case mailbox.AwaitTimedOut:
		m.heartbeat()
		return stateIdling
	default:
		if ctx.Err() != nil {
			return stateTerminating
		}
		m.log.Warn().Err(err).Msg("Connection lost while waiting for mail")
		return stateFaulted
	}
}

func (m *Monitor) heartbeat() {
	m.log.Debug().
		Int("epoch", m.epoch).
		Uint64("notifications", m.stats.notifications).
		Uint64("searches", m.stats.searches).
		Uint64("replies", m.stats.replies).
		Uint64("faults", m.stats.faults).
		Msg("Idle window elapsed, connection alive")
}

// search runs one bounded unseen-from-sender query and replies to every
// summary not already handled this epoch.
func (m *Monitor) search(ctx context.Context) state {
	if ctx.Err() != nil {
		return stateTerminating
	}
	m.stats.searches++

	summaries, err := m.session.SearchUnseenFrom(ctx, m.sender)
	if err != nil {
		if ctx.Err() != nil {
			return stateTerminating
		}
		m.log.Warn().Err(err).Msg("Search failed")
		return stateFaulted
	}

	for _, msg := range summaries {
		if ctx.Err() != nil {
			return stateTerminating
		}
		key := msg.Key()
		if m.seen.IsSeen(key) {
			continue
		}
		m.reply(ctx, msg, key)
	}
	return stateIdling
}

// reply hands one message to the dispatcher and settles its dedup fate.
// Success and permanent rejections mark the message handled for this epoch;
// everything else leaves it eligible for a later cycle.
func (m *Monitor) reply(ctx context.Context, msg email.MessageSummary, key string) {
	sentID, err := m.send(ctx, msg)
	if err == nil {
		m.seen.MarkSeen(key)
		m.stats.replies++
		m.log.Info().
			Str("message", key).
			Str("sent_id", sentID).
			Str("subject", logging.BoundSubject(msg.Subject, 80)).
			Msg("Replied")
		return
	}

	se, ok := reply.AsSendError(err)
	if !ok {
		m.log.Error().Err(err).Str("message", key).Msg("Reply failed")
		return
	}
	switch se.Kind {
	case reply.SendPermanent:
		// Retrying an unfixable message would fail the same way forever.
		m.seen.MarkSeen(key)
		m.log.Error().Err(err).Str("message", key).Msg("Reply rejected permanently")
	default:
		m.log.Warn().
			Err(err).
			Str("message", key).
			Str("kind", se.Kind.String()).
			Msg("Reply postponed")
	}
}

// send runs the dispatcher with the retry ladder: throttled sends get a
// bounded number of delayed retries, an expired credential gets one refresh
// and one more attempt. The send itself is shielded from cancellation so an
// in-flight reply always completes; only the waits in between observe ctx.
func (m *Monitor) send(ctx context.Context, msg email.MessageSummary) (string, error) {
	sendCtx := context.WithoutCancel(ctx)

	var sentID string
	retryCfg := reliability.FixedDelayConfig(m.cfg.RateLimitRetries+1, m.cfg.RateLimitDelay)
	err := reliability.RetryWithBackoff(ctx, retryCfg, func() error {
		var err error
		sentID, err = m.dispatcher.Send(sendCtx, msg)
		return err
	})
	if err == nil {
		return sentID, nil
	}

	if se, ok := reply.AsSendError(err); ok && se.Kind == reply.SendAuthExpired && m.creds != nil {
		m.log.Warn().Msg("Send rejected the credential, refreshing once")
		m.creds.Invalidate()
		if _, _, cerr := m.creds.Credential(sendCtx); cerr != nil {
			return "", err
		}
		return m.dispatcher.Send(sendCtx, msg)
	}
	return "", err
}

// fault tears the epoch down and pauses before the next bootstrap.
func (m *Monitor) fault(ctx context.Context) state {
	m.stats.faults++
	if err := m.session.Close(); err != nil {
		m.log.Debug().Err(err).Msg("Teardown error")
	}
	m.seen.Reset()
	m.log.Warn().
		Int("epoch", m.epoch).
		Dur("backoff", m.cfg.ReconnectBackoff).
		Msg("Backing off before reconnect")

	timer := time.NewTimer(m.cfg.ReconnectBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return stateTerminating
	case <-timer.C:
		return stateBootstrapping
	}
}

func (m *Monitor) terminate() error {
	if err := m.session.Close(); err != nil {
		m.log.Debug().Err(err).Msg("Close on shutdown")
	}
	m.log.Info().
		Int("epoch", m.epoch).
		Uint64("replies", m.stats.replies).
		Uint64("faults", m.stats.faults).
		Msg("Monitor stopped")
	return nil
}
