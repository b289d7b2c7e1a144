// Package runtime implements the Browser Runtime core: the session state
// machine (C4) and the Orchestrator facade (C8) that composes the driver,
// plugin manager, fingerprint injector, scheduler, and retry manager into a
// single-browser lifecycle.
package runtime

import (
	"encoding/json"
	"time"

	"github.com/go-rod/rod/lib/proto"
)

// OptimizeBandwidth describes bandwidth-optimization blocking. A nil value
// means disabled; a non-nil zero value enables the feature with no extra
// block rules beyond whatever blockAds/blocklist already supplies.
type OptimizeBandwidth struct {
	BlockImages      bool     `json:"blockImages,omitempty"`
	BlockMedia       bool     `json:"blockMedia,omitempty"`
	BlockStylesheets bool     `json:"blockStylesheets,omitempty"`
	BlockHosts       []string `json:"blockHosts,omitempty"`
	BlockUrlPatterns []string `json:"blockUrlPatterns,omitempty"`
}

// SessionContextCookie mirrors the CDP cookie fields the runtime is allowed
// to set; read-only fields (size, session, sameParty, sourceScheme,
// sourcePort, partitionKey) are intentionally absent.
type SessionContextCookie struct {
	Name     string               `json:"name"`
	Value    string               `json:"value"`
	Domain   string               `json:"domain,omitempty"`
	Path     string               `json:"path,omitempty"`
	Expires  float64              `json:"expires,omitempty"`
	HTTPOnly bool                 `json:"httpOnly,omitempty"`
	Secure   bool                 `json:"secure,omitempty"`
	SameSite proto.NetworkCookieSameSite `json:"sameSite,omitempty"`
}

// SessionContext is the restorable state an embedder may pass at launch.
type SessionContext struct {
	Cookies        []SessionContextCookie                  `json:"cookies,omitempty"`
	LocalStorage   map[string]map[string]string            `json:"localStorage,omitempty"`
	SessionStorage map[string]map[string]string            `json:"sessionStorage,omitempty"`
}

// SessionConfig is immutable once a launch begins (§3, §4.4 config
// similarity rule).
type SessionConfig struct {
	Headless            bool               `json:"headless"`
	ExtraArgs           []string           `json:"extraArgs,omitempty"`
	UserDataDir         string             `json:"userDataDir,omitempty"`
	ViewportWidth       int                `json:"viewportWidth,omitempty"`
	ViewportHeight      int                `json:"viewportHeight,omitempty"`
	UserAgent           string             `json:"userAgent,omitempty"`
	ProxyURL            string             `json:"proxyUrl,omitempty"`
	Timezone            string             `json:"timezone,omitempty"`
	CustomHeaders       map[string]string  `json:"customHeaders,omitempty"`
	BlockAds            bool               `json:"blockAds,omitempty"`
	OptimizeBandwidth   *OptimizeBandwidth `json:"optimizeBandwidth,omitempty"`
	Extensions          []string           `json:"extensions,omitempty"`
	LogSinkURL          string             `json:"logSinkUrl,omitempty"`
	SessionContext      *SessionContext    `json:"sessionContext,omitempty"`
	UserPreferences     map[string]any     `json:"userPreferences,omitempty"`
	SkipFingerprintInjection bool          `json:"skipFingerprintInjection,omitempty"`
	Fingerprint         *Fingerprint       `json:"fingerprint,omitempty"`
	KeepAlive           bool               `json:"keepAlive,omitempty"`
	Extra               map[string]any     `json:"extra,omitempty"`
}

// UserAgentData mirrors navigator.userAgentData's high-entropy fields.
type UserAgentData struct {
	Brands          []UABrand `json:"brands,omitempty"`
	FullVersionList []UABrand `json:"fullVersionList,omitempty"`
	UAFullVersion   string    `json:"uaFullVersion,omitempty"`
	Platform        string    `json:"platform,omitempty"`
	PlatformVersion string    `json:"platformVersion,omitempty"`
	Architecture    string    `json:"architecture,omitempty"`
	Bitness         string    `json:"bitness,omitempty"`
	Model           string    `json:"model,omitempty"`
	Mobile          bool      `json:"mobile,omitempty"`
}

// UABrand is a single {brand, version} pair used in UA-CH brand lists.
type UABrand struct {
	Brand   string `json:"brand"`
	Version string `json:"version"`
}

// Screen describes the emulated screen/viewport geometry.
type Screen struct {
	Width            int     `json:"width"`
	Height           int     `json:"height"`
	AvailWidth       int     `json:"availWidth"`
	AvailHeight      int     `json:"availHeight"`
	DevicePixelRatio float64 `json:"devicePixelRatio"`
}

// VideoCard describes the WebGL vendor/renderer strings to spoof.
type VideoCard struct {
	Vendor   string `json:"vendor"`
	Renderer string `json:"renderer"`
}

// Fingerprint is opaque to the core except for the named fields it reads
// (§3). It is treated as a data bag generated elsewhere (out of scope) or
// restored verbatim from a prior session.
type Fingerprint struct {
	UserAgent           string            `json:"userAgent"`
	Platform            string            `json:"platform"`
	HardwareConcurrency int               `json:"hardwareConcurrency"`
	DeviceMemory        int               `json:"deviceMemory"`
	UserAgentData       UserAgentData     `json:"userAgentData"`
	Screen              Screen            `json:"screen"`
	VideoCard           VideoCard         `json:"videoCard"`
	Headers             map[string]string `json:"headers,omitempty"`
}

// Canonical returns a JSON representation of the config with noisy fields
// (logSinkUrl) dropped, used for the §4.4 "config similarity" comparison.
func (c SessionConfig) Canonical() (string, error) {
	cp := c
	cp.LogSinkURL = ""
	b, err := json.Marshal(cp)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Similar reports whether two configs are "similar" per §4.4: canonical
// JSON (after dropping logSinkUrl) compares equal.
func (c SessionConfig) Similar(other SessionConfig) bool {
	a, errA := c.Canonical()
	b, errB := other.Canonical()
	if errA != nil || errB != nil {
		return false
	}
	return a == b
}

// State is the session state-machine tag (§3, §4.4).
type State string

const (
	StateIdle      State = "idle"
	StateLaunching State = "launching"
	StateLive      State = "live"
	StateDraining  State = "draining"
	StateClosed    State = "closed"
	StateError     State = "error"
)

// TrackedTask mirrors the Scheduler's bookkeeping record for diagnostics
// (§3 "Tracked Task").
type TrackedTask struct {
	ID        string
	Label     string
	StartedAt time.Time
	Cancel    func(reason string)
}
