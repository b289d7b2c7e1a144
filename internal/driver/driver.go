// Package driver defines the Driver contract (C2): a thin abstraction over a
// concrete browser launcher so the Orchestrator stays launcher-agnostic.
// Two concrete implementations exist: internal/rodadapter (go-rod backed)
// and internal/chromedpadapter (chromedp backed), selected at Orchestrator
// construction per spec Design Notes §9 ("inheritance in driver variants
// becomes two concrete implementations of the same contract").
package driver

import (
	"context"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// LaunchResult is returned by a successful Launch.
type LaunchResult struct {
	Browser     *rod.Browser
	PrimaryPage *rod.Page
	WsEndpoint  string
}

// EventKind discriminates messages on the Driver's event channel.
type EventKind string

const (
	EventDisconnected  EventKind = "disconnected"
	EventTargetCreated EventKind = "targetCreated"
	EventTargetChanged EventKind = "targetChanged"
	EventError         EventKind = "error"
)

// Event is a single message forwarded from the Driver to the Orchestrator's
// event bus.
type Event struct {
	Kind EventKind
	Page *rod.Page
	Info *proto.TargetTargetInfo
	Err  error
}

// LaunchConfig is the subset of SessionConfig a Driver needs to launch a
// browser process. It is passed as a plain struct (rather than importing
// internal/runtime, which would create an import cycle back to driver).
type LaunchConfig struct {
	Headless       bool
	ExtraArgs      []string
	UserDataDir    string
	ViewportWidth  int
	ViewportHeight int
	UserAgent      string
	ProxyURL       string
	Timezone       string
	Extensions     []string
}

// Driver abstracts a concrete browser launcher (§4.2).
type Driver interface {
	// Launch blocks until the browser is up and connected, or returns a
	// categorized error (see internal/runtimeerr).
	Launch(ctx context.Context, cfg LaunchConfig) (*LaunchResult, error)

	// Close performs a graceful close, bounded by an internal grace period.
	Close(ctx context.Context) error

	// ForceClose kills the underlying process immediately.
	ForceClose() error

	GetBrowser() *rod.Browser
	GetPrimaryPage() *rod.Page
	GetWsEndpoint() string

	// Events returns the channel on which disconnected/targetCreated/
	// targetChanged/error are forwarded. The channel is long-lived across
	// Launch/Close cycles on the same Driver instance and is never closed,
	// so relaunching after Close can keep forwarding on it.
	Events() <-chan Event
}

// ServiceHandle is the narrow interface plugins receive at registration
// time, replacing a cyclic reference to the Orchestrator itself (Design
// Notes §9).
type ServiceHandle interface {
	Logf(format string, args ...any)
	Emit(event any)
	WaitUntil(fn func(done <-chan struct{}) error, label string)
}
