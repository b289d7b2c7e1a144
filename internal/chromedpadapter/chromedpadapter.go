// Package chromedpadapter is the second concrete Driver implementation
// (internal/driver), exercising github.com/chromedp/chromedp and
// github.com/chromedp/cdproto alongside go-rod. Per spec Design Notes §9
// ("inheritance in driver variants becomes two concrete implementations of
// the same contract"), the Orchestrator selects between this and
// internal/rodadapter at construction time.
//
// The underlying Chromium process is still spawned through a go-rod
// launcher (the process-construction flags are identical to
// internal/rodadapter's, so both drivers produce the same anti-detection
// process); this driver then attaches a chromedp.RemoteAllocator context to
// the resulting CDP endpoint and uses it (via cdproto/target) to drive
// target creation, while still handing back a *rod.Browser/*rod.Page pair
// so the rest of the runtime (fingerprint injection, state extraction)
// stays driver-agnostic.
package chromedpadapter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog"

	"github.com/arintra/browserd/internal/driver"
	"github.com/arintra/browserd/internal/runtimeerr"
)

const closeGrace = 10 * time.Second

// Driver is the chromedp backed implementation of driver.Driver.
type Driver struct {
	log zerolog.Logger

	mu          sync.Mutex
	launcher    *launcher.Launcher
	browser     *rod.Browser
	primaryPage *rod.Page
	wsEndpoint  string
	cdpCtx      context.Context
	cdpCancel   context.CancelFunc
	closed      atomic.Bool

	events chan driver.Event
}

// New constructs an idle chromedp Driver.
func New(log zerolog.Logger) *Driver {
	return &Driver{
		log:    log.With().Str("component", "chromedpadapter").Logger(),
		events: make(chan driver.Event, 64),
	}
}

func buildLauncher(cfg driver.LaunchConfig) *launcher.Launcher {
	l := launcher.New()
	if cfg.Headless {
		l = l.Set("headless", "new")
	} else {
		l = l.Headless(false)
	}
	l = l.Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage").
		Set("disable-blink-features", "AutomationControlled").
		Set("force-webrtc-ip-handling-policy", "disable_non_proxied_udp")
	if cfg.ProxyURL != "" {
		l = l.Set("proxy-server", cfg.ProxyURL)
	}
	if cfg.UserDataDir != "" {
		l = l.UserDataDir(cfg.UserDataDir)
	}
	if cfg.UserAgent != "" {
		l = l.Set("user-agent", cfg.UserAgent)
	}
	return l
}

// Launch spawns Chromium, attaches a chromedp.RemoteAllocator context to its
// CDP endpoint to create the primary target via cdproto/target, then attaches
// go-rod to the same endpoint for the rest of the runtime to drive.
func (d *Driver) Launch(ctx context.Context, cfg driver.LaunchConfig) (*driver.LaunchResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.browser != nil {
		return nil, runtimeerr.New(runtimeerr.KindInvalidState, "launch", false, fmt.Errorf("driver already has a live browser"))
	}

	l := buildLauncher(cfg)
	wsURL, err := l.Launch()
	if err != nil {
		return nil, runtimeerr.New(runtimeerr.KindBrowserProcess, "launch", true, err)
	}

	allocCtx, allocCancel := chromedp.NewRemoteAllocator(ctx, wsURL)
	cdpCtx, cdpCancel := chromedp.NewContext(allocCtx)

	var targetID target.ID
	if err := chromedp.Run(cdpCtx, chromedp.ActionFunc(func(actx context.Context) error {
		id, err := target.CreateTarget("about:blank").Do(actx)
		if err != nil {
			return err
		}
		targetID = id
		return nil
	})); err != nil {
		cdpCancel()
		allocCancel()
		l.Kill()
		return nil, runtimeerr.New(runtimeerr.KindBrowserProcess, "target-setup", true, err)
	}
	_ = targetID

	browser := rod.New().ControlURL(wsURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		cdpCancel()
		allocCancel()
		l.Kill()
		return nil, runtimeerr.New(runtimeerr.KindNetworkLaunch, "wsEndpoint", true, err)
	}

	page, err := browser.Pages()
	if err != nil || len(page) == 0 {
		_ = browser.Close()
		cdpCancel()
		allocCancel()
		l.Kill()
		return nil, runtimeerr.New(runtimeerr.KindBrowserProcess, "page-access", true, err)
	}

	d.launcher = l
	d.browser = browser
	d.primaryPage = page[0]
	d.wsEndpoint = wsURL
	d.cdpCtx = cdpCtx
	d.cdpCancel = cdpCancel
	d.closed.Store(false)

	_ = allocCancel // cdpCancel cancels the derived remote-allocator context too

	d.watchTargetCreated(browser)

	return &driver.LaunchResult{Browser: browser, PrimaryPage: page[0], WsEndpoint: wsURL}, nil
}

// watchTargetCreated mirrors internal/rodadapter's forwarding of new page/
// background-page targets so the Orchestrator's fingerprint pipeline runs
// on every target, not just the ones this driver creates itself.
func (d *Driver) watchTargetCreated(browser *rod.Browser) {
	go browser.EachEvent(func(e *proto.TargetTargetCreated) {
		if d.closed.Load() {
			return
		}
		if e.TargetInfo.Type != "page" && e.TargetInfo.Type != "background_page" {
			return
		}

		page, err := browser.PageFromTarget(e.TargetInfo.TargetID)
		if err != nil {
			d.log.Warn().Err(err).Str("targetID", string(e.TargetInfo.TargetID)).Msg("failed to attach to new target")
			return
		}

		select {
		case d.events <- driver.Event{Kind: driver.EventTargetCreated, Page: page, Info: e.TargetInfo}:
		default:
			d.log.Warn().Msg("event channel full, dropping targetCreated event")
		}
	})()
}

func (d *Driver) Close(ctx context.Context) error {
	d.mu.Lock()
	browser := d.browser
	cdpCancel := d.cdpCancel
	l := d.launcher
	d.mu.Unlock()

	if browser == nil {
		return nil
	}
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- browser.Close() }()

	select {
	case err := <-done:
		if cdpCancel != nil {
			cdpCancel()
		}
		d.clearState()
		if err != nil {
			return runtimeerr.New(runtimeerr.KindCleanup, "close", false, err)
		}
		return nil
	case <-time.After(closeGrace):
		if l != nil {
			l.Kill()
		}
		return d.ForceClose()
	}
}

func (d *Driver) ForceClose() error {
	d.mu.Lock()
	cdpCancel := d.cdpCancel
	l := d.launcher
	d.mu.Unlock()

	d.closed.Store(true)
	if cdpCancel != nil {
		cdpCancel()
	}
	if l != nil {
		l.Kill()
	}
	d.clearState()
	return nil
}

func (d *Driver) clearState() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.browser = nil
	d.primaryPage = nil
	d.wsEndpoint = ""
}

func (d *Driver) GetBrowser() *rod.Browser {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.browser
}

func (d *Driver) GetPrimaryPage() *rod.Page {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.primaryPage
}

func (d *Driver) GetWsEndpoint() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.wsEndpoint
}

func (d *Driver) Events() <-chan driver.Event {
	return d.events
}
