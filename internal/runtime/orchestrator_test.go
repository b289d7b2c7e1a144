package runtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-rod/rod"
	"github.com/rs/zerolog"

	"github.com/arintra/browserd/internal/blocklist"
	driverpkg "github.com/arintra/browserd/internal/driver"
	"github.com/arintra/browserd/internal/fingerprint"
	"github.com/arintra/browserd/internal/plugin"
	"github.com/arintra/browserd/internal/retry"
)

// fakeDriver is a controllable driverpkg.Driver for exercising the
// Orchestrator's state machine and retry wiring without a real browser
// process, mirroring the teacher's skipCI-gated real-browser tests (see
// internal/browser/pool_test.go) but for the pure state-transition logic
// this package owns, which needs no CDP connection at all.
type fakeDriver struct {
	mu sync.Mutex

	launchCalls int
	closeCalls  int

	failLaunchesRemaining int
	launchErr             error

	browser    *rod.Browser
	wsEndpoint string

	events chan driverpkg.Event
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		browser:    rod.New(),
		wsEndpoint: "ws://fake-endpoint",
		events:     make(chan driverpkg.Event, 8),
	}
}

func (f *fakeDriver) Launch(ctx context.Context, cfg driverpkg.LaunchConfig) (*driverpkg.LaunchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launchCalls++
	if f.failLaunchesRemaining > 0 {
		f.failLaunchesRemaining--
		return nil, f.launchErr
	}
	return &driverpkg.LaunchResult{Browser: f.browser, PrimaryPage: nil, WsEndpoint: f.wsEndpoint}, nil
}

func (f *fakeDriver) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	return nil
}

func (f *fakeDriver) ForceClose() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	return nil
}

func (f *fakeDriver) GetBrowser() *rod.Browser { return f.browser }
func (f *fakeDriver) GetPrimaryPage() *rod.Page { return nil }
func (f *fakeDriver) GetWsEndpoint() string     { return f.wsEndpoint }
func (f *fakeDriver) Events() <-chan driverpkg.Event { return f.events }

func (f *fakeDriver) launchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.launchCalls
}

func (f *fakeDriver) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCalls
}

func newTestOrchestrator(drv driverpkg.Driver) *Orchestrator {
	log := zerolog.Nop()
	inj := fingerprint.New(log, blocklist.New(log), nil)
	return New(log, drv, inj)
}

func TestSingleSessionLifecycle(t *testing.T) {
	drv := newFakeDriver()
	o := newTestOrchestrator(drv)

	cfg := SessionConfig{Headless: true}
	if err := o.Launch(context.Background(), cfg, nil); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if o.Current() != StateLive {
		t.Fatalf("expected live, got %s", o.Current())
	}

	if err := o.EndSession(context.Background()); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if o.Current() != StateClosed {
		t.Fatalf("expected closed, got %s", o.Current())
	}

	if got := drv.launchCount(); got != 1 {
		t.Fatalf("expected 1 driver.Launch call, got %d", got)
	}
	if got := drv.closeCount(); got != 1 {
		t.Fatalf("expected 1 driver.Close call, got %d", got)
	}
}

func TestConcurrentIdempotentLaunch(t *testing.T) {
	drv := newFakeDriver()
	o := newTestOrchestrator(drv)
	cfg := SessionConfig{Headless: true}

	var onBrowserLaunchCount atomic.Int32
	o.RegisterPlugin(&plugin.Plugin{
		Name: "counter",
		OnBrowserLaunch: func(ctx context.Context, browser *rod.Browser) error {
			onBrowserLaunchCount.Add(1)
			return nil
		},
	})

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = o.Launch(context.Background(), cfg, nil)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("launch %d failed: %v", i, err)
		}
	}
	if got := drv.launchCount(); got != 1 {
		t.Fatalf("expected exactly 1 underlying driver.Launch, got %d", got)
	}
	if got := onBrowserLaunchCount.Load(); got != 1 {
		t.Fatalf("expected onBrowserLaunch exactly once, got %d", got)
	}
	if o.Current() != StateLive {
		t.Fatalf("expected live, got %s", o.Current())
	}
}

func TestLaunchRetriesThenSucceeds(t *testing.T) {
	drv := newFakeDriver()
	drv.failLaunchesRemaining = 2
	drv.launchErr = fmt.Errorf("transient failure")
	o := newTestOrchestrator(drv)

	policy := retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffMultiplier: 2, Jitter: time.Millisecond}

	start := time.Now()
	err := o.Launch(context.Background(), SessionConfig{Headless: true}, &policy)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if o.Current() != StateLive {
		t.Fatalf("expected live, got %s", o.Current())
	}
	if got := drv.launchCount(); got != 3 {
		t.Fatalf("expected 3 launch attempts, got %d", got)
	}
	if elapsed < 2*time.Millisecond {
		t.Fatalf("expected backoff delay to have elapsed, got %s", elapsed)
	}
}

func TestPluginErrorIsNonFatal(t *testing.T) {
	drv := newFakeDriver()
	o := newTestOrchestrator(drv)

	var bCounter atomic.Int32
	o.RegisterPlugin(&plugin.Plugin{
		Name: "A",
		OnBrowserLaunch: func(ctx context.Context, browser *rod.Browser) error {
			return fmt.Errorf("plugin A is broken")
		},
	})
	o.RegisterPlugin(&plugin.Plugin{
		Name: "B",
		OnBrowserLaunch: func(ctx context.Context, browser *rod.Browser) error {
			bCounter.Add(1)
			return nil
		},
	})

	if err := o.Launch(context.Background(), SessionConfig{Headless: true}, nil); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if o.Current() != StateLive {
		t.Fatalf("expected live despite plugin A's failure, got %s", o.Current())
	}
	if got := bCounter.Load(); got != 1 {
		t.Fatalf("expected plugin B to run once, got %d", got)
	}
}

func TestShutdownCollapsesConcurrentCalls(t *testing.T) {
	drv := newFakeDriver()
	o := newTestOrchestrator(drv)
	if err := o.Launch(context.Background(), SessionConfig{Headless: true}, nil); err != nil {
		t.Fatalf("Launch: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = o.Shutdown(context.Background())
		}()
	}
	wg.Wait()

	if got := drv.closeCount(); got != 1 {
		t.Fatalf("expected shutdown's driver.Close to run exactly once, got %d", got)
	}
}

func TestStartNewSessionReplacesLiveSession(t *testing.T) {
	drv := newFakeDriver()
	o := newTestOrchestrator(drv)

	if err := o.Launch(context.Background(), SessionConfig{Headless: true, UserDataDir: "/tmp/a"}, nil); err != nil {
		t.Fatalf("first launch: %v", err)
	}
	if err := o.StartNewSession(context.Background(), SessionConfig{Headless: true, UserDataDir: "/tmp/b"}); err != nil {
		t.Fatalf("StartNewSession: %v", err)
	}
	if o.Current() != StateLive {
		t.Fatalf("expected live after StartNewSession, got %s", o.Current())
	}
	if got := drv.closeCount(); got != 1 {
		t.Fatalf("expected exactly one close from the replaced session, got %d", got)
	}
	if got := drv.launchCount(); got != 2 {
		t.Fatalf("expected two launches total, got %d", got)
	}
}
