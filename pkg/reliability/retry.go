package reliability

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	mathrand "math/rand"
	"net"
	"strings"
	"time"
)

// RetryConfig describes a bounded retry policy.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        bool
}

// DefaultRetryConfig returns the policy used where nothing more specific is
// configured.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	}
}

// FixedDelayConfig returns a policy of attempts separated by a constant
// delay. Rate-limited sends retry with this shape.
func FixedDelayConfig(attempts int, delay time.Duration) RetryConfig {
	return RetryConfig{
		MaxAttempts:   attempts,
		InitialDelay:  delay,
		MaxDelay:      delay,
		BackoffFactor: 1.0,
	}
}

// RetryableError lets an error type carry its own retry decision. Typed
// errors from the session and dispatcher implement it; everything else falls
// back to category matching.
type RetryableError interface {
	error
	Retryable() bool
}

// RetryWithBackoff runs fn up to config.MaxAttempts times, sleeping between
// attempts with exponential backoff. Errors that should not be retried are
// returned immediately.
func RetryWithBackoff(ctx context.Context, config RetryConfig, fn func() error) error {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 100 * time.Millisecond
	}
	if config.MaxDelay < config.InitialDelay {
		config.MaxDelay = config.InitialDelay
	}
	if config.BackoffFactor < 1.0 {
		config.BackoffFactor = 2.0
	}

	var lastErr error
	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt == config.MaxAttempts-1 {
			break
		}
		if !ShouldRetry(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-time.After(config.delayFor(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

// RetryForever runs fn on a fixed interval until it succeeds or ctx is
// cancelled. notify, when non-nil, observes each failed attempt; the monitor
// uses it to emit an operator-visible line per reconnect attempt.
func RetryForever(ctx context.Context, interval time.Duration, fn func() error, notify func(attempt int, err error)) error {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn()
		if err == nil {
			return nil
		}
		if notify != nil {
			notify(attempt, err)
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c RetryConfig) delayFor(attempt int) time.Duration {
	d := float64(c.InitialDelay)
	for i := 0; i < attempt; i++ {
		d *= c.BackoffFactor
		if d >= float64(c.MaxDelay) {
			d = float64(c.MaxDelay)
			break
		}
	}
	if c.Jitter {
		d += secureRandFloat64() * d * 0.25
	}
	if d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	return time.Duration(d)
}

// secureRandFloat64 generates a random float64 in [0, 1), preferring the
// system entropy source.
func secureRandFloat64() float64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return mathrand.Float64()
	}
	u := uint64(b[0])<<56 | uint64(b[1])<<48 | uint64(b[2])<<40 | uint64(b[3])<<32 |
		uint64(b[4])<<24 | uint64(b[5])<<16 | uint64(b[6])<<8 | uint64(b[7])
	return float64(u>>11) / float64(1<<53)
}

// ErrorCategory classifies faults for retry decisions and log context.
type ErrorCategory int

const (
	ErrorTemporary ErrorCategory = iota
	ErrorPermanent
	ErrorAuthentication
	ErrorNetwork
	ErrorTimeout
)

func (c ErrorCategory) String() string {
	switch c {
	case ErrorPermanent:
		return "permanent"
	case ErrorAuthentication:
		return "authentication"
	case ErrorNetwork:
		return "network"
	case ErrorTimeout:
		return "timeout"
	default:
		return "temporary"
	}
}

var authPatterns = []string{
	"authentication failed",
	"authenticationfailed",
	"invalid credentials",
	"invalid_grant",
	"login failed",
	"unauthorized",
	"access denied",
}

var networkPatterns = []string{
	"connection refused",
	"connection reset",
	"network unreachable",
	"host unreachable",
	"no such host",
	"broken pipe",
	"connection lost",
}

var timeoutPatterns = []string{
	"timeout",
	"i/o timeout",
	"deadline exceeded",
}

var permanentPatterns = []string{
	"mailbox does not exist",
	"invalid mailbox",
	"permission denied",
}

// CategorizeError buckets an error by inspecting its text. Typed errors are
// matched by their wrapped cause as well, so a ConnectionError around a dial
// failure still lands in the network bucket.
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return ErrorTemporary
	}
	s := strings.ToLower(err.Error())
	for _, p := range authPatterns {
		if strings.Contains(s, p) {
			return ErrorAuthentication
		}
	}
	for _, p := range networkPatterns {
		if strings.Contains(s, p) {
			return ErrorNetwork
		}
	}
	for _, p := range timeoutPatterns {
		if strings.Contains(s, p) {
			return ErrorTimeout
		}
	}
	for _, p := range permanentPatterns {
		if strings.Contains(s, p) {
			return ErrorPermanent
		}
	}
	return ErrorTemporary
}

// ShouldRetry reports whether a retry combinator may run the operation
// again. An error implementing RetryableError decides for itself.
func ShouldRetry(err error) bool {
	var re RetryableError
	if errors.As(err, &re) {
		return re.Retryable()
	}
	switch CategorizeError(err) {
	case ErrorTemporary, ErrorNetwork, ErrorTimeout:
		return true
	default:
		return false
	}
}

var disconnectPatterns = []string{
	"use of closed network connection",
	"connection reset by peer",
	"broken pipe",
	"unexpected eof",
	"eof",
	"i/o timeout",
	"connection closed",
}

// IsDisconnectError reports whether err means the underlying connection is
// gone, as opposed to a command-level failure on a live session.
func IsDisconnectError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	s := strings.ToLower(err.Error())
	for _, p := range disconnectPatterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
