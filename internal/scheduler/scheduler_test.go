package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestScheduler() *Scheduler {
	return New(zerolog.Nop())
}

func TestRunCriticalSuccess(t *testing.T) {
	s := newTestScheduler()
	err := s.RunCritical(context.Background(), "noop", time.Second, func(ctx context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func TestRunCriticalTimeout(t *testing.T) {
	s := newTestScheduler()
	err := s.RunCritical(context.Background(), "slow", 20*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestRunCriticalPropagatesError(t *testing.T) {
	s := newTestScheduler()
	want := errors.New("boom")
	err := s.RunCritical(context.Background(), "failing", time.Second, func(ctx context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected wrapped %v, got %v", want, err)
	}
}

func TestWaitUntilTracksAndCompletes(t *testing.T) {
	s := newTestScheduler()
	var ran atomic.Bool
	done := make(chan struct{})
	s.WaitUntil(func(sig CancelSignal) error {
		ran.Store(true)
		close(done)
		return nil
	}, "mytask")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("background task did not run")
	}

	if !ran.Load() {
		t.Fatal("expected task to run")
	}

	// give the goroutine a moment to remove itself from tracking
	for i := 0; i < 100 && s.GetPendingCount() != 0; i++ {
		time.Sleep(time.Millisecond)
	}
	if s.GetPendingCount() != 0 {
		t.Fatalf("expected 0 pending, got %d", s.GetPendingCount())
	}
}

func TestCancelAllSignalsReason(t *testing.T) {
	s := newTestScheduler()
	gotReason := make(chan string, 1)
	started := make(chan struct{})
	s.WaitUntil(func(sig CancelSignal) error {
		close(started)
		<-sig.Done()
		gotReason <- sig.Reason()
		return nil
	}, "cancellable")

	<-started
	s.CancelAll("shutdown")

	select {
	case r := <-gotReason:
		if r != "shutdown" {
			t.Fatalf("expected reason 'shutdown', got %q", r)
		}
	case <-time.After(time.Second):
		t.Fatal("task was not cancelled")
	}
}

func TestDrainEmptyReturnsImmediately(t *testing.T) {
	s := newTestScheduler()
	start := time.Now()
	s.Drain(time.Second)
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("expected immediate return for empty task set")
	}
}

func TestDrainWaitsForCompletion(t *testing.T) {
	s := newTestScheduler()
	s.WaitUntil(func(sig CancelSignal) error {
		time.Sleep(50 * time.Millisecond)
		return nil
	}, "short")

	s.Drain(time.Second)
	if s.GetPendingCount() != 0 {
		t.Fatal("expected task set empty after drain")
	}
}

func TestDrainTimesOutWithoutError(t *testing.T) {
	s := newTestScheduler()
	s.WaitUntil(func(sig CancelSignal) error {
		<-sig.Done()
		return nil
	}, "blocked")

	start := time.Now()
	s.Drain(50 * time.Millisecond)
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("drain should have returned near the timeout")
	}
	s.CancelAll("cleanup")
}

func TestWaitUntilAfterCloseIsRejected(t *testing.T) {
	s := newTestScheduler()
	s.Close()
	var ran atomic.Bool
	s.WaitUntil(func(sig CancelSignal) error {
		ran.Store(true)
		return nil
	}, "late")
	time.Sleep(20 * time.Millisecond)
	if ran.Load() {
		t.Fatal("expected task not to run after Close")
	}
}
