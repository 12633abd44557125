package offload

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrDisabled  = errors.New("offload disabled")
	ErrStopped   = errors.New("offload stopped")
	ErrStopping  = errors.New("offload stopping")
	ErrQueueFull = errors.New("offload queue full")
)

// NoRetry marks an error as permanent so the unit is not retried.
//
//	return offload.NoRetry(fmt.Errorf("bad address: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter asks for the next attempt to wait at least after (bounded by
// the configured maximum delay).
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return retryAfterError{err: err, after: max(after, 0)}
}

// RetryAfterError is implemented by errors carrying an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
