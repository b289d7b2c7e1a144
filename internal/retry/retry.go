// Package retry implements the Retry Manager (C9): exponential backoff with
// jitter for launch retries, honoring per-error-class retryability (§4.9).
//
// Grounded on the teacher's internal/browser/pool.go Acquire bounded-retry
// loop (log.Warn per retry, log.Error on exhaustion) and
// internal/captcha/solver.go's per-attempt fallback reporting shape, wired
// to github.com/cenkalti/backoff/v4 instead of a hand-rolled sleep loop.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/arintra/browserd/internal/metrics"
	"github.com/arintra/browserd/internal/runtimeerr"
)

// Policy configures executeWithRetry (§4.9 defaults).
type Policy struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	Jitter            time.Duration
}

// DefaultPolicy matches the spec's default retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		BaseDelay:         500 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2,
		Jitter:            250 * time.Millisecond,
	}
}

// RetryError wraps every attempt's error when all attempts are exhausted.
type RetryError struct {
	Attempts  int
	LastError error
	AllErrors []error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry: all %d attempts failed, last error: %v", e.Attempts, e.LastError)
}

func (e *RetryError) Unwrap() error { return e.LastError }

// Manager runs operations under a Policy, retrying only errors flagged
// retryable.
type Manager struct {
	log zerolog.Logger
}

func New(log zerolog.Logger) *Manager {
	return &Manager{log: log.With().Str("component", "retry_manager").Logger()}
}

// Execute runs op under policy, retrying while the returned error is
// retryable (per runtimeerr.IsRetryable) and attempts remain.
func (m *Manager) Execute(ctx context.Context, name string, policy Policy, op func(ctx context.Context, attempt int) error) error {
	if policy.MaxAttempts <= 0 {
		policy = DefaultPolicy()
	}

	var allErrors []error
	attempt := 0

	eb := &backoff.ExponentialBackOff{
		InitialInterval:     policy.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          policy.BackoffMultiplier,
		MaxInterval:         policy.MaxDelay,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
	}
	eb.Reset()

	bctx := backoff.WithContext(eb, ctx)

	operation := func() error {
		attempt++
		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		allErrors = append(allErrors, err)

		if !runtimeerr.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		if attempt >= policy.MaxAttempts {
			return backoff.Permanent(err)
		}
		m.log.Warn().Str("op", name).Int("attempt", attempt).Err(err).Msg("retrying after failure")
		metrics.RecordRetryAttempt(name)
		return err
	}

	notify := func(err error, delay time.Duration) {
		jittered := delay + time.Duration(rand.Int63n(int64(policy.Jitter)+1))
		if jittered > policy.MaxDelay {
			jittered = policy.MaxDelay
		}
		time.Sleep(jittered - delay)
	}

	err := backoff.RetryNotify(operation, bctx, notify)
	if err == nil {
		m.log.Info().Str("op", name).Int("attempts", attempt).Msg("operation succeeded")
		return nil
	}

	if len(allErrors) <= 1 && !runtimeerr.IsRetryable(err) {
		return err
	}

	m.log.Error().Str("op", name).Int("attempts", attempt).Err(err).Msg("operation exhausted all retries")
	return &RetryError{Attempts: attempt, LastError: err, AllErrors: allErrors}
}
