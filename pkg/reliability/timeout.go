package reliability

import (
	"context"
	"time"
)

// TimeoutConfig bounds the mailbox session's blocking operations.
type TimeoutConfig struct {
	Dial    time.Duration
	Command time.Duration
	Logout  time.Duration
}

// MailboxTimeouts returns the bounds used for IMAP sessions.
func MailboxTimeouts() TimeoutConfig {
	return TimeoutConfig{
		Dial:    30 * time.Second,
		Command: 45 * time.Second,
		Logout:  5 * time.Second,
	}
}

// WithTimeout runs fn under a deadline derived from parent. fn runs on its
// own goroutine because several protocol calls cannot observe a context;
// when the deadline fires the caller moves on and the abandoned call
// unblocks once the connection is torn down.
func WithTimeout(parent context.Context, d time.Duration, fn func() error) error {
	ctx, cancel := context.WithTimeout(parent, d)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
