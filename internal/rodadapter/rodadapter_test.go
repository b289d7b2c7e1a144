package rodadapter

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/arintra/browserd/internal/driver"
)

// skipCI skips tests that need a real Chromium binary in short mode.
func skipCI(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping browser test in short mode")
	}
}

func TestLaunchAndClose(t *testing.T) {
	skipCI(t)

	d := New(zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res, err := d.Launch(ctx, driver.LaunchConfig{Headless: true})
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	if res.Browser == nil || res.PrimaryPage == nil || res.WsEndpoint == "" {
		t.Fatalf("Launch returned incomplete result: %+v", res)
	}

	if d.GetBrowser() == nil {
		t.Error("expected GetBrowser to return the launched browser")
	}
	if d.GetPrimaryPage() == nil {
		t.Error("expected GetPrimaryPage to return the stealth page")
	}
	if d.GetWsEndpoint() != res.WsEndpoint {
		t.Error("expected GetWsEndpoint to match the launch result")
	}

	if err := d.Close(ctx); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if d.GetBrowser() != nil {
		t.Error("expected GetBrowser to be nil after Close")
	}
}

func TestLaunchTwiceRejected(t *testing.T) {
	skipCI(t)

	d := New(zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := d.Launch(ctx, driver.LaunchConfig{Headless: true}); err != nil {
		t.Fatalf("first Launch failed: %v", err)
	}
	defer d.Close(ctx)

	if _, err := d.Launch(ctx, driver.LaunchConfig{Headless: true}); err == nil {
		t.Error("expected second Launch on the same Driver to fail")
	}
}

func TestLaunchContextCancelled(t *testing.T) {
	d := New(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := d.Launch(ctx, driver.LaunchConfig{Headless: true}); err == nil {
		t.Error("expected Launch to fail with an already-cancelled context")
	}
}

func TestIsARM(t *testing.T) {
	// Just exercise the function; the result depends on GOARCH.
	_ = isARM()
}
