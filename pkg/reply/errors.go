// Package reply builds and delivers auto-reply messages through the Gmail
// REST API. Delivery failures carry a SendError that tells the caller whether
// to refresh credentials, back off, or give up on the message.
package reply

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/api/googleapi"
)

// SendErrorKind partitions delivery failures by the recovery they allow.
type SendErrorKind int

const (
	// SendAuthExpired means the API rejected our credential. A token refresh
	// may fix it.
	SendAuthExpired SendErrorKind = iota
	// SendRateLimited means the service pushed back (quota, throttling, or a
	// transient server fault). Retrying after a delay is reasonable.
	SendRateLimited
	// SendPermanent means the request itself was rejected. Retrying the same
	// message will fail the same way.
	SendPermanent
)

func (k SendErrorKind) String() string {
	switch k {
	case SendAuthExpired:
		return "auth_expired"
	case SendRateLimited:
		return "rate_limited"
	case SendPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// SendError wraps a delivery failure with its recovery class.
type SendError struct {
	Kind SendErrorKind
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send %s: %v", e.Kind, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// Retryable reports whether repeating the same call can succeed without any
// other intervention. Auth failures need a refresh first, so they are not
// retryable as-is.
func (e *SendError) Retryable() bool {
	return e.Kind == SendRateLimited
}

// AsSendError unwraps err into a *SendError if one is in the chain.
func AsSendError(err error) (*SendError, bool) {
	var se *SendError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// rateReasons are googleapi error reasons that signal throttling rather than
// a malformed request, even when the status code is 403.
var rateReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"quotaExceeded":         true,
	"dailyLimitExceeded":    true,
	"backendError":          true,
}

// classifySendErr maps an error from the Gmail client into a SendError.
func classifySendErr(err error) *SendError {
	var se *SendError
	if errors.As(err, &se) {
		return se
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == 401:
			return &SendError{Kind: SendAuthExpired, Err: err}
		case gerr.Code == 429:
			return &SendError{Kind: SendRateLimited, Err: err}
		case gerr.Code == 403 && hasRateReason(gerr):
			return &SendError{Kind: SendRateLimited, Err: err}
		case gerr.Code >= 500:
			return &SendError{Kind: SendRateLimited, Err: err}
		default:
			return &SendError{Kind: SendPermanent, Err: err}
		}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &SendError{Kind: SendRateLimited, Err: err}
	}

	// Transport-level failures (DNS, TLS, resets) are worth retrying later.
	return &SendError{Kind: SendRateLimited, Err: err}
}

func hasRateReason(gerr *googleapi.Error) bool {
	for _, item := range gerr.Errors {
		if rateReasons[item.Reason] {
			return true
		}
	}
	return strings.Contains(strings.ToLower(gerr.Message), "rate limit")
}
