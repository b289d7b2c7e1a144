// Package scheduler implements the Task Scheduler (C1): critical operations
// that are synchronously awaited under a timeout, and background operations
// that are tracked for cooperative cancellation and bounded drain.
//
// The tracked-task bookkeeping mirrors the wg/stopCh shutdown idiom in the
// teacher's internal/browser/pool.go, and drain's bounded-parallel wait is
// grounded on internal/session/session.go's errgroup-based cleanup.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/arintra/browserd/internal/metrics"
	"github.com/arintra/browserd/internal/runtimeerr"
)

// CancelSignal is passed to a background task's fn; Done() is closed when the
// task should stop, and Reason() returns the payload passed to cancelAll.
type CancelSignal struct {
	ctx    context.Context
	reason func() string
}

func (s CancelSignal) Done() <-chan struct{} { return s.ctx.Done() }
func (s CancelSignal) Reason() string        { return s.reason() }

type trackedTask struct {
	id        string
	label     string
	startedAt time.Time
	cancel    context.CancelFunc
	reason    atomic.Value // string
	done      chan struct{}
}

// Scheduler separates critical (await + timeout) work from background
// (best-effort, cancellable, drainable) work.
type Scheduler struct {
	log zerolog.Logger

	mu      sync.Mutex
	tasks   map[string]*trackedTask
	nextID  atomic.Int64
	closing atomic.Bool
}

// New constructs a Scheduler that logs through the given logger.
func New(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		log:   log.With().Str("component", "scheduler").Logger(),
		tasks: make(map[string]*trackedTask),
	}
}

// RunCritical executes fn with a timeout, failing with a runtimeerr error of
// kind KindCriticalTimeout if fn does not complete in time. Errors from fn
// propagate.
func (s *Scheduler) RunCritical(ctx context.Context, label string, timeout time.Duration, fn func(context.Context) error) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	start := time.Now()
	s.log.Debug().Str("label", label).Msg("critical task starting")

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- fn(cctx)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			s.log.Error().Str("label", label).Dur("elapsed", time.Since(start)).Err(err).Msg("critical task failed")
			return err
		}
		s.log.Debug().Str("label", label).Dur("elapsed", time.Since(start)).Msg("critical task finished")
		return nil
	case <-cctx.Done():
		err := runtimeerr.New(runtimeerr.KindCriticalTimeout, label, false,
			fmt.Errorf("critical task %q timed out after %s: %w", label, timeout, cctx.Err()))
		s.log.Error().Str("label", label).Dur("elapsed", time.Since(start)).Msg("critical task timed out")
		return err
	}
}

// WaitUntil enqueues fn to run in the background and returns immediately.
// fn receives a CancelSignal; its error, if any, is logged but never
// propagated to the caller.
func (s *Scheduler) WaitUntil(fn func(CancelSignal) error, label string) {
	if label == "" {
		label = fmt.Sprintf("background-%d", s.nextID.Add(1))
	}
	if s.closing.Load() {
		s.log.Warn().Str("label", label).Msg("scheduler draining; background task not started")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &trackedTask{
		id:        fmt.Sprintf("task-%d", s.nextID.Add(1)),
		label:     label,
		startedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	s.tasks[t.id] = t
	metrics.SetPendingTasks(len(s.tasks))
	s.mu.Unlock()

	go func() {
		defer close(t.done)
		defer func() {
			s.mu.Lock()
			delete(s.tasks, t.id)
			metrics.SetPendingTasks(len(s.tasks))
			s.mu.Unlock()
		}()

		sig := CancelSignal{ctx: ctx, reason: func() string {
			if v := t.reason.Load(); v != nil {
				return v.(string)
			}
			return ""
		}}

		err := fn(sig)
		if err != nil {
			select {
			case <-ctx.Done():
				s.log.Debug().Str("label", label).Str("reason", sig.Reason()).Msg("background task cancelled")
			default:
				s.log.Error().Str("label", label).Err(err).Msg("background task failed")
			}
		}
	}()
}

// CancelAll signals every tracked task's cancellation handle with reason,
// then clears the tracking set.
func (s *Scheduler) CancelAll(reason string) {
	s.mu.Lock()
	tasks := make([]*trackedTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.tasks = make(map[string]*trackedTask)
	metrics.SetPendingTasks(0)
	s.mu.Unlock()

	for _, t := range tasks {
		t.reason.Store(reason)
		t.cancel()
	}
}

// Drain waits, in parallel, for every currently tracked task's done channel
// or timeout elapses. It never returns an error; on timeout it logs a
// warning with the remaining count.
func (s *Scheduler) Drain(timeout time.Duration) {
	s.mu.Lock()
	tasks := make([]*trackedTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	if len(tasks) == 0 {
		s.log.Debug().Msg("drain: nothing pending")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range tasks {
		g.Go(func() error {
			select {
			case <-t.done:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}

	if err := g.Wait(); err != nil {
		s.mu.Lock()
		remaining := len(s.tasks)
		s.mu.Unlock()
		s.log.Warn().Int("remaining", remaining).Err(err).Msg("drain timed out")
	}
}

// Close marks the scheduler as draining; subsequent WaitUntil calls are
// rejected.
func (s *Scheduler) Close() {
	s.closing.Store(true)
}

// GetPendingCount returns the number of currently tracked background tasks.
func (s *Scheduler) GetPendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// PendingTaskInfo is a diagnostic snapshot of one tracked task.
type PendingTaskInfo struct {
	ID        string
	Label     string
	StartedAt time.Time
}

// GetPendingTasks returns a diagnostic snapshot of all tracked tasks.
func (s *Scheduler) GetPendingTasks() []PendingTaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PendingTaskInfo, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, PendingTaskInfo{ID: t.id, Label: t.label, StartedAt: t.startedAt})
	}
	return out
}
