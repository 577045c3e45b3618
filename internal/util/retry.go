package util

import (
	"context"
	"time"
)

// Backoff describes an exponential retry policy. Attempts <= 0 retries until
// the context is cancelled. Max caps the delay; zero means no cap.
type Backoff struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration

	// OnRetry, if set, is called before each sleep.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// Retry calls fn until it succeeds, the attempts are used up or ctx is
// cancelled. It returns the last error of fn, or ctx.Err() if cancelled while
// waiting.
func (b Backoff) Retry(ctx context.Context, fn func() error) error {
	var err error
	delay := b.Base

	for attempt := 1; b.Attempts <= 0 || attempt <= b.Attempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		// Don't sleep after the last failed attempt.
		if b.Attempts > 0 && attempt == b.Attempts {
			break
		}
		if b.OnRetry != nil {
			b.OnRetry(attempt, err, delay)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if b.Max > 0 && delay > b.Max {
			delay = b.Max
		}
	}

	return err
}

// Retry calls fn up to maxAttempts times with exponential backoff starting at
// baseDelay.
func Retry(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return Backoff{Attempts: maxAttempts, Base: baseDelay}.Retry(ctx, fn)
}
