// Package plugin implements the Plugin Manager (C3): a capability-record
// registry fanning out lifecycle hooks to registered plugins with
// per-plugin error isolation, per spec Design Notes §9 ("dynamic dispatch /
// subclassing of a Plugin base becomes a capability record: a struct of
// optional function pointers keyed by hook name").
//
// The read-mostly registry shape (infrequent writes, frequent fan-out
// reads) is grounded on the teacher's internal/selectors/manager.go, though
// here the registry mutates via register/unregister rather than an atomic
// reload, so a plain sync.RWMutex-guarded map is used instead of
// atomic.Value.
package plugin

import (
	"context"
	"sync"

	"github.com/go-rod/rod"
	"github.com/rs/zerolog"

	"github.com/arintra/browserd/internal/metrics"
)

// Plugin is a named capability record: a subset of lifecycle callbacks
// (§4.3). All fields are optional; a nil field means the plugin does not
// participate in that hook.
type Plugin struct {
	Name string

	OnBrowserLaunch  func(ctx context.Context, browser *rod.Browser) error
	OnBrowserReady    func(ctx context.Context, cfg any) error
	OnPageCreated     func(ctx context.Context, page *rod.Page) error
	OnPageNavigate    func(ctx context.Context, page *rod.Page) error
	OnPageUnload      func(ctx context.Context, page *rod.Page) error
	OnBeforePageClose func(ctx context.Context, page *rod.Page) error
	OnBrowserClose    func(ctx context.Context, browser *rod.Browser) error
	OnSessionEnd      func(ctx context.Context, cfg any) error
	OnShutdown        func(ctx context.Context) error
}

// ServiceHandle is the narrow interface passed to plugins instead of the
// Orchestrator itself (Design Notes §9's cyclic-reference fix).
type ServiceHandle interface {
	Logf(format string, args ...any)
	Emit(event any)
	WaitUntil(fn func(done <-chan struct{}) error, label string)
}

// Manager fans out lifecycle hooks to all registered plugins. Awaited
// hooks run synchronously with errors isolated per-plugin; onBrowserReady is
// intentionally not run by this type directly — callers schedule it as a
// background task (§4.3).
type Manager struct {
	log zerolog.Logger

	mu      sync.RWMutex
	plugins map[string]*Plugin
	order   []string
}

func New(log zerolog.Logger) *Manager {
	return &Manager{
		log:     log.With().Str("component", "plugin_manager").Logger(),
		plugins: make(map[string]*Plugin),
	}
}

// Register adds or replaces a plugin by name (idempotent by name; replacing
// an existing name logs a WARN, per §4.3).
func (m *Manager) Register(p *Plugin) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.plugins[p.Name]; exists {
		m.log.Warn().Str("plugin", p.Name).Msg("replacing already-registered plugin")
	} else {
		m.order = append(m.order, p.Name)
	}
	m.plugins[p.Name] = p
}

// Unregister removes a plugin by name.
func (m *Manager) Unregister(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.plugins, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// Get returns the plugin registered under name, or nil.
func (m *Manager) Get(name string) *Plugin {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.plugins[name]
}

func (m *Manager) snapshot() []*Plugin {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Plugin, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.plugins[name])
	}
	return out
}

// FanOutBrowserLaunch invokes OnBrowserLaunch on every plugin, isolating
// errors (§4.3: "errors from one plugin must not prevent others from
// running").
func (m *Manager) FanOutBrowserLaunch(ctx context.Context, browser *rod.Browser) {
	for _, p := range m.snapshot() {
		if p.OnBrowserLaunch == nil {
			continue
		}
		if err := p.OnBrowserLaunch(ctx, browser); err != nil {
			m.log.Error().Str("plugin", p.Name).Str("hook", "onBrowserLaunch").Err(err).Msg("plugin hook failed")
			metrics.RecordPluginHookError(p.Name, "onBrowserLaunch")
		}
	}
}

func (m *Manager) FanOutPageCreated(ctx context.Context, page *rod.Page) {
	for _, p := range m.snapshot() {
		if p.OnPageCreated == nil {
			continue
		}
		if err := p.OnPageCreated(ctx, page); err != nil {
			m.log.Error().Str("plugin", p.Name).Str("hook", "onPageCreated").Err(err).Msg("plugin hook failed")
			metrics.RecordPluginHookError(p.Name, "onPageCreated")
		}
	}
}

func (m *Manager) FanOutPageNavigate(ctx context.Context, page *rod.Page) {
	for _, p := range m.snapshot() {
		if p.OnPageNavigate == nil {
			continue
		}
		if err := p.OnPageNavigate(ctx, page); err != nil {
			m.log.Error().Str("plugin", p.Name).Str("hook", "onPageNavigate").Err(err).Msg("plugin hook failed")
			metrics.RecordPluginHookError(p.Name, "onPageNavigate")
		}
	}
}

func (m *Manager) FanOutPageUnload(ctx context.Context, page *rod.Page) {
	for _, p := range m.snapshot() {
		if p.OnPageUnload == nil {
			continue
		}
		if err := p.OnPageUnload(ctx, page); err != nil {
			m.log.Error().Str("plugin", p.Name).Str("hook", "onPageUnload").Err(err).Msg("plugin hook failed")
			metrics.RecordPluginHookError(p.Name, "onPageUnload")
		}
	}
}

func (m *Manager) FanOutBeforePageClose(ctx context.Context, page *rod.Page) {
	for _, p := range m.snapshot() {
		if p.OnBeforePageClose == nil {
			continue
		}
		if err := p.OnBeforePageClose(ctx, page); err != nil {
			m.log.Error().Str("plugin", p.Name).Str("hook", "onBeforePageClose").Err(err).Msg("plugin hook failed")
			metrics.RecordPluginHookError(p.Name, "onBeforePageClose")
		}
	}
}

func (m *Manager) FanOutBrowserClose(ctx context.Context, browser *rod.Browser) {
	for _, p := range m.snapshot() {
		if p.OnBrowserClose == nil {
			continue
		}
		if err := p.OnBrowserClose(ctx, browser); err != nil {
			m.log.Error().Str("plugin", p.Name).Str("hook", "onBrowserClose").Err(err).Msg("plugin hook failed")
			metrics.RecordPluginHookError(p.Name, "onBrowserClose")
		}
	}
}

func (m *Manager) FanOutSessionEnd(ctx context.Context, cfg any) {
	for _, p := range m.snapshot() {
		if p.OnSessionEnd == nil {
			continue
		}
		if err := p.OnSessionEnd(ctx, cfg); err != nil {
			m.log.Error().Str("plugin", p.Name).Str("hook", "onSessionEnd").Err(err).Msg("plugin hook failed")
			metrics.RecordPluginHookError(p.Name, "onSessionEnd")
		}
	}
}

func (m *Manager) FanOutShutdown(ctx context.Context) {
	for _, p := range m.snapshot() {
		if p.OnShutdown == nil {
			continue
		}
		if err := p.OnShutdown(ctx); err != nil {
			m.log.Error().Str("plugin", p.Name).Str("hook", "onShutdown").Err(err).Msg("plugin hook failed")
			metrics.RecordPluginHookError(p.Name, "onShutdown")
		}
	}
}

// FanOutBrowserReady invokes OnBrowserReady for every plugin. Per §4.3 this
// hook is fire-and-forget from the Orchestrator's perspective — callers are
// expected to schedule this call itself via Scheduler.WaitUntil rather than
// awaiting it inline.
func (m *Manager) FanOutBrowserReady(ctx context.Context, cfg any) {
	for _, p := range m.snapshot() {
		if p.OnBrowserReady == nil {
			continue
		}
		if err := p.OnBrowserReady(ctx, cfg); err != nil {
			m.log.Error().Str("plugin", p.Name).Str("hook", "onBrowserReady").Err(err).Msg("plugin hook failed")
			metrics.RecordPluginHookError(p.Name, "onBrowserReady")
		}
	}
}
