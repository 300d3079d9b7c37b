package reliability

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWithTimeoutReturnsFnError(t *testing.T) {
	want := errors.New("command failed")
	err := WithTimeout(context.Background(), time.Second, func() error {
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("WithTimeout() = %v, want %v", err, want)
	}
}

func TestWithTimeoutDeadline(t *testing.T) {
	err := WithTimeout(context.Background(), 10*time.Millisecond, func() error {
		time.Sleep(200 * time.Millisecond)
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WithTimeout() = %v, want deadline exceeded", err)
	}
}

func TestWithTimeoutParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WithTimeout(ctx, time.Second, func() error {
		time.Sleep(200 * time.Millisecond)
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("WithTimeout() = %v, want context.Canceled", err)
	}
}
