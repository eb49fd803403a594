package ingest

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"basnya/ingestion/internal/client"

	"github.com/rs/zerolog/log"
)

// RetryPolicy bounds the attempts of one logical fetch
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

// retry runs fn until it succeeds, fails permanently or the attempts run out.
// The delay doubles after each failure.
func retry(ctx context.Context, policy RetryPolicy, op string, fn func(context.Context) error) error {
	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !isRetryable(err) || attempt == attempts {
			break
		}

		delay := backoff(policy.Delay, attempt)
		log.Warn().
			Err(err).
			Str("operation", op).
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Dur("backoff", delay).
			Msg("Fetch failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("%s failed: %w", op, err)
}

func backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base * time.Duration(1<<uint(attempt-1))
	return delay + time.Duration(rand.Int63n(int64(base)/2+1))
}

// isRetryable rejects client errors the API will keep returning
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var statusErr *client.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	return true
}
