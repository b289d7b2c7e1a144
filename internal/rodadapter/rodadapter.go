// Package rodadapter implements the Driver contract (internal/driver) on
// top of github.com/go-rod/rod. It is adapted from the teacher's
// internal/browser/pool.go (launcher construction, anti-detection flags,
// close-with-timeout/leaked-goroutine tracking) and internal/browser/
// stealth.go (proxy-auth interception idiom), retargeted from a pool of N
// interchangeable browsers to exactly one browser process per Driver
// instance, as the spec's invariant requires.
package rodadapter

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog"

	"github.com/arintra/browserd/internal/driver"
	"github.com/arintra/browserd/internal/runtimeerr"
	"github.com/arintra/browserd/internal/security"
)

// closeGrace bounds how long Close waits for a graceful browser shutdown
// before the caller should fall back to ForceClose.
const closeGrace = 10 * time.Second

// Driver is the go-rod backed implementation of driver.Driver.
type Driver struct {
	log zerolog.Logger

	mu          sync.Mutex
	browser     *rod.Browser
	primaryPage *rod.Page
	wsEndpoint  string
	launcher    *launcher.Launcher
	closed      atomic.Bool

	events chan driver.Event

	leakedGoroutines atomic.Int32
	closeWg          sync.WaitGroup
}

// New constructs an idle go-rod Driver. Launch must be called before use.
func New(log zerolog.Logger) *Driver {
	return &Driver{
		log:    log.With().Str("component", "rodadapter").Logger(),
		events: make(chan driver.Event, 64),
	}
}

func (d *Driver) createLauncher(cfg driver.LaunchConfig) *launcher.Launcher {
	l := launcher.New()

	if cfg.Headless {
		l = l.Set("headless", "new")
	} else {
		l = l.Headless(false)
	}

	l = l.Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage").
		Set("disable-gpu").
		Set("disable-features", "IsolateOrigins,site-per-process,TouchpadAndWheelScrollLatching,TrackingProtection3pcd").
		Set("enable-features", "Clipboard").
		Set("no-default-browser-check").
		Set("no-first-run").
		Set("disable-search-engine-choice-screen").
		Set("disable-blink-features", "AutomationControlled").
		Set("webrtc-ip-handling-policy", "disable_non_proxied_udp").
		Set("force-webrtc-ip-handling-policy", "disable_non_proxied_udp").
		Set("disable-touch-editing").
		Set("disable-touch-drag-drop").
		Set("remote-allow-origins", "*")

	if cfg.ProxyURL != "" {
		l = l.Set("proxy-server", cfg.ProxyURL)
		d.log.Debug().Str("proxy", security.RedactProxyURL(cfg.ProxyURL)).Msg("browser proxy configured")
	}

	if cfg.UserDataDir != "" {
		l = l.UserDataDir(cfg.UserDataDir)
	}

	if cfg.ViewportWidth > 0 && cfg.ViewportHeight > 0 {
		l = l.Set("window-size", fmt.Sprintf("%d,%d", cfg.ViewportWidth, cfg.ViewportHeight))
	} else {
		l = l.Set("start-maximized")
	}

	if cfg.UserAgent != "" {
		l = l.Set("user-agent", cfg.UserAgent)
	}

	for _, path := range cfg.Extensions {
		l = l.Set("load-extension", path)
	}

	l = l.Set("use-gl", "swiftshader").
		Set("use-angle", "swiftshader").
		Set("enable-unsafe-swiftshader").
		Set("js-flags", "--max-old-space-size=256")

	if isARM() {
		l = l.Set("disable-gpu-compositing")
	}

	return l
}

// Launch blocks until the browser is up and connected (§4.2).
func (d *Driver) Launch(ctx context.Context, cfg driver.LaunchConfig) (*driver.LaunchResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.browser != nil {
		return nil, runtimeerr.New(runtimeerr.KindInvalidState, "launch", false, fmt.Errorf("driver already has a live browser"))
	}

	l := d.createLauncher(cfg)

	launchErrCh := make(chan struct {
		url string
		err error
	}, 1)
	go func() {
		url, err := l.Launch()
		launchErrCh <- struct {
			url string
			err error
		}{url, err}
	}()

	var wsURL string
	select {
	case res := <-launchErrCh:
		if res.err != nil {
			return nil, runtimeerr.New(runtimeerr.KindBrowserProcess, "launch", true, res.err)
		}
		wsURL = res.url
	case <-ctx.Done():
		l.Kill()
		return nil, runtimeerr.New(runtimeerr.KindLaunchTimeout, "launch", false, ctx.Err())
	}

	browser := rod.New().ControlURL(wsURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, runtimeerr.New(runtimeerr.KindNetworkLaunch, "wsEndpoint", true, err)
	}

	// stealth.Page creates the primary page and injects go-rod/stealth's
	// anti-detection script before any navigation occurs; the fingerprint
	// injector layers its own parameterized script on top per session.
	page, err := stealth.Page(browser)
	if err != nil {
		_ = browser.Close()
		l.Kill()
		return nil, runtimeerr.New(runtimeerr.KindBrowserProcess, "page-access", true, err)
	}

	d.browser = browser
	d.primaryPage = page
	d.wsEndpoint = wsURL
	d.launcher = l
	d.closed.Store(false)

	d.watchDisconnect(browser)
	d.watchTargetCreated(browser)

	return &driver.LaunchResult{Browser: browser, PrimaryPage: page, WsEndpoint: wsURL}, nil
}

// watchDisconnect forwards a browser disconnect as an Event, mirroring the
// teacher's EachEvent-with-cleanup idiom from internal/browser/proxy.go.
func (d *Driver) watchDisconnect(browser *rod.Browser) {
	go browser.EachEvent(func(e *proto.TargetDestroyed) {
		if d.closed.Load() {
			return
		}
		select {
		case d.events <- driver.Event{Kind: driver.EventDisconnected}:
		default:
			d.log.Warn().Msg("event channel full, dropping disconnected event")
		}
	})()
}

// watchTargetCreated forwards every new page/background-page target as an
// Event so the Orchestrator can run the fingerprint pipeline on it, not
// just on pages it explicitly created itself (§4.5: "runs once per new
// page -- main page and background pages").
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

// Close performs a graceful close bounded by closeGrace.
func (d *Driver) Close(ctx context.Context) error {
	d.mu.Lock()
	browser := d.browser
	d.mu.Unlock()

	if browser == nil {
		return nil
	}
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}

	done := make(chan error, 1)
	d.closeWg.Add(1)
	go func() {
		defer d.closeWg.Done()
		done <- browser.Close()
	}()

	select {
	case err := <-done:
		d.clearState()
		if err != nil {
			return runtimeerr.New(runtimeerr.KindCleanup, "close", false, err)
		}
		return nil
	case <-time.After(closeGrace):
		d.leakedGoroutines.Add(1)
		d.log.Warn().Msg("browser close timed out, forcing kill")
		return d.ForceClose()
	}
}

// ForceClose kills the underlying process immediately.
func (d *Driver) ForceClose() error {
	d.mu.Lock()
	l := d.launcher
	d.mu.Unlock()

	d.closed.Store(true)
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

func isARM() bool {
	return runtime.GOARCH == "arm64" || runtime.GOARCH == "arm"
}
