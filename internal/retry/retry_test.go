package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/arintra/browserd/internal/runtimeerr"
)

func fastPolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		BaseDelay:         1 * time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		BackoffMultiplier: 2,
		Jitter:            1 * time.Millisecond,
	}
}

func TestExecuteSucceedsFirstTry(t *testing.T) {
	m := New(zerolog.Nop())
	calls := 0
	err := m.Execute(context.Background(), "op", fastPolicy(), func(ctx context.Context, attempt int) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestExecuteRetriesRetryableError(t *testing.T) {
	m := New(zerolog.Nop())
	calls := 0
	err := m.Execute(context.Background(), "op", fastPolicy(), func(ctx context.Context, attempt int) error {
		calls++
		if calls < 3 {
			return runtimeerr.New(runtimeerr.KindBrowserProcess, "launch", true, errors.New("transient"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestExecuteNonRetryableFailsImmediately(t *testing.T) {
	m := New(zerolog.Nop())
	calls := 0
	err := m.Execute(context.Background(), "op", fastPolicy(), func(ctx context.Context, attempt int) error {
		calls++
		return runtimeerr.New(runtimeerr.KindConfigurationInvalid, "validate", false, errors.New("bad config"))
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 call for non-retryable error, got %d", calls)
	}
}

func TestExecuteExhaustsAttempts(t *testing.T) {
	m := New(zerolog.Nop())
	calls := 0
	err := m.Execute(context.Background(), "op", fastPolicy(), func(ctx context.Context, attempt int) error {
		calls++
		return runtimeerr.New(runtimeerr.KindBrowserProcess, "launch", true, errors.New("always fails"))
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	var re *RetryError
	if !errors.As(err, &re) {
		t.Fatalf("expected *RetryError, got %T", err)
	}
	if re.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", re.Attempts)
	}
}
