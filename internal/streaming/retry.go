package streaming

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	// ErrCanceled wraps context cancellation observed while streaming.
	ErrCanceled = errors.New("streaming: canceled")
	// ErrStreamFailed matches every *SendError via errors.Is.
	ErrStreamFailed = errors.New("streaming: stream failed")
	// ErrMissingID is returned when the transport accepts a send but reports no id.
	ErrMissingID = errors.New("streaming: transport returned no activity id")
)

// SendError reports a send that still failed after every retry attempt.
type SendError struct {
	Attempts int
	Err      error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("streaming: send failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

func (e *SendError) Is(target error) bool { return target == ErrStreamFailed }

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrCanceled)
}

func canceled(err error) error {
	if errors.Is(err, ErrCanceled) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrCanceled, err)
}

// retry runs fn up to attempts times with a fixed delay between failures.
// Cancellation is never retried.
func retry(ctx context.Context, attempts int, delay time.Duration, fn func(context.Context) error) error {
	var lastErr error
	made := 0
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return canceled(err)
		}
		made = attempt
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if isCancellation(lastErr) {
			return canceled(lastErr)
		}
		if errors.Is(lastErr, ErrMissingID) {
			break
		}
		slog.Debug("streaming: send failed", "attempt", attempt, "max_attempts", attempts, "error", lastErr)
		if attempt < attempts {
			select {
			case <-ctx.Done():
				return canceled(ctx.Err())
			case <-time.After(delay):
			}
		}
	}
	return &SendError{Attempts: made, Err: lastErr}
}
