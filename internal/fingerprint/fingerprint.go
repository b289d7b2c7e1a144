// Package fingerprint implements the Fingerprint & Context Injector (C5):
// on each new page, it installs fingerprint overrides, custom headers,
// request interception, and session context, in the order §4.5 mandates.
//
// Grounded on the teacher's internal/browser/stealth.go (the stealth script
// structure: webdriver/plugins/languages/WebGL/toString patches, now
// parameterized per-Fingerprint via text/template instead of a single
// static constant) and internal/browser/proxy.go (the Fetch-domain
// interception + idempotent-cleanup-closure idiom reused here for request
// blocking and the file:// hard-abort invariant).
package fingerprint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"text/template"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog"

	"github.com/arintra/browserd/internal/blocklist"
	"github.com/arintra/browserd/internal/runtime"
	"github.com/arintra/browserd/internal/runtimeerr"
)

// ShutdownFunc is invoked when a page attempts a file:// navigation,
// satisfying the hard security invariant in §4.5 step 2.
type ShutdownFunc func(reason string)

// Injector installs the per-page pipeline described in §4.5.
type Injector struct {
	log       zerolog.Logger
	blocklist *blocklist.Classifier
	onAbort   ShutdownFunc
}

// New constructs an Injector. blocklistClassifier may be nil, in which case
// the classifier's ad-host lookups are skipped: blockAds then blocks
// nothing, while optimizeBandwidth's own type, blockHosts and
// blockUrlPatterns rules still apply.
func New(log zerolog.Logger, blocklistClassifier *blocklist.Classifier, onAbort ShutdownFunc) *Injector {
	return &Injector{
		log:       log.With().Str("component", "fingerprint_injector").Logger(),
		blocklist: blocklistClassifier,
		onAbort:   onAbort,
	}
}

// InjectPage runs the full §4.5 pipeline against one page: timezone, header
// injection, fingerprint script, request interception, and (if present)
// session context. It is idempotent-safe to call once per new target.
func (inj *Injector) InjectPage(ctx context.Context, page *rod.Page, cfg runtime.SessionConfig) error {
	if cfg.Timezone != "" {
		if err := proto.EmulationSetTimezoneOverride{TimezoneID: cfg.Timezone}.Call(page); err != nil {
			inj.log.Warn().Err(err).Str("timezone", cfg.Timezone).Msg("timezone emulation failed, continuing")
		}
	}

	if err := inj.injectHeaders(page, cfg); err != nil {
		if isPageClosedErr(err) {
			inj.log.Debug().Msg("page closed mid header-injection, skipping")
			return nil
		}
		return runtimeerr.New(runtimeerr.KindFingerprint, "injection", false, err)
	}

	if !cfg.SkipFingerprintInjection && cfg.Fingerprint != nil {
		if err := inj.injectFingerprint(page, *cfg.Fingerprint); err != nil {
			if isPageClosedErr(err) {
				inj.log.Debug().Msg("page closed mid fingerprint-injection, skipping")
				return nil
			}
			inj.log.Warn().Err(err).Msg("fingerprint injection failed, continuing with fallback")
		}
	}

	if err := inj.installInterception(page, cfg); err != nil {
		if isPageClosedErr(err) {
			return nil
		}
		inj.log.Warn().Err(err).Msg("request interception install failed")
	}

	if cfg.SessionContext != nil {
		if err := inj.applySessionContext(page, *cfg.SessionContext); err != nil {
			inj.log.Warn().Err(err).Msg("session context application failed")
		}
		// The page is about:blank at this point, so applySessionContext's
		// origin-keyed storage seed above is a no-op for any real origin;
		// reinject on every subsequent top-level navigation instead.
		inj.ReinjectOnNavigate(page, *cfg.SessionContext)
	}

	inj.log.Debug().Msg("page ready")
	return nil
}

func isPageClosedErr(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "closed") || strings.Contains(s, "context canceled") || strings.Contains(s, "no such target")
}

// injectHeaders merges default and custom headers and strips accept-language
// (set via UA metadata instead, per §4.5 step 2).
func (inj *Injector) injectHeaders(page *rod.Page, cfg runtime.SessionConfig) error {
	headers := map[string]string{}
	for k, v := range cfg.CustomHeaders {
		if strings.EqualFold(k, "accept-language") {
			continue
		}
		headers[k] = v
	}
	if len(headers) == 0 {
		return nil
	}
	flat := make([]string, 0, len(headers)*2)
	for k, v := range headers {
		flat = append(flat, k, v)
	}
	_, err := page.SetExtraHeaders(flat)
	return err
}

const fingerprintScriptTemplate = `
(() => {
  'use strict';
  if (window.__fingerprintApplied) return;
  window.__fingerprintApplied = true;
  try {
    Object.defineProperty(navigator, 'webdriver', { get: () => undefined, configurable: true });
    Object.defineProperty(navigator, 'platform', { get: () => {{.Platform}}, configurable: true });
    Object.defineProperty(navigator, 'hardwareConcurrency', { get: () => {{.HardwareConcurrency}}, configurable: true });
    Object.defineProperty(navigator, 'deviceMemory', { get: () => {{.DeviceMemory}}, configurable: true });

    const uaData = {
      brands: {{.BrandsJSON}},
      mobile: {{.Mobile}},
      platform: {{.Platform}},
    };
    if (navigator.userAgentData) {
      Object.defineProperty(navigator, 'userAgentData', { get: () => uaData, configurable: true });
    }

    const spoofGL = (proto) => {
      const getParameter = proto.getParameter;
      proto.getParameter = function (parameter) {
        if (parameter === 37445) return {{.GPUVendor}};
        if (parameter === 37446) return {{.GPURenderer}};
        return getParameter.apply(this, arguments);
      };
    };
    if (window.WebGLRenderingContext) spoofGL(WebGLRenderingContext.prototype);
    if (window.WebGL2RenderingContext) spoofGL(WebGL2RenderingContext.prototype);

    const origToString = Function.prototype.toString;
    Function.prototype.toString = function () {
      if (this === navigator.userAgentData?.constructor) return 'function userAgentData() { [native code] }';
      return origToString.call(this);
    };
  } catch (e) {
    console.debug('[fingerprint] patch error', e);
  }
})();
`

var fpTmpl = template.Must(template.New("fingerprint").Parse(fingerprintScriptTemplate))

type fpVars struct {
	Platform            string
	HardwareConcurrency int
	DeviceMemory        int
	Mobile              string
	BrandsJSON          string
	GPUVendor           string
	GPURenderer         string
}

func jsQuote(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(b)
}

func jsonMarshalBrands(brands []runtime.UABrand) (string, error) {
	if len(brands) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(brands)
	if err != nil {
		return "[]", err
	}
	return string(b), nil
}

func buildScript(fp runtime.Fingerprint) (string, error) {
	mobile := "false"
	if fp.UserAgentData.Mobile {
		mobile = "true"
	}
	brandsJSON, err := jsonMarshalBrands(fp.UserAgentData.Brands)
	if err != nil {
		return "", err
	}

	vars := fpVars{
		Platform:            jsQuote(fp.Platform),
		HardwareConcurrency: fp.HardwareConcurrency,
		DeviceMemory:        fp.DeviceMemory,
		Mobile:              mobile,
		BrandsJSON:          brandsJSON,
		GPUVendor:           jsQuote(fp.VideoCard.Vendor),
		GPURenderer:         jsQuote(fp.VideoCard.Renderer),
	}

	var buf bytes.Buffer
	if err := fpTmpl.Execute(&buf, vars); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// brandVersions converts the runtime's UABrand list to the CDP wire shape.
func brandVersions(brands []runtime.UABrand) []*proto.EmulationUserAgentBrandVersion {
	if len(brands) == 0 {
		return nil
	}
	out := make([]*proto.EmulationUserAgentBrandVersion, 0, len(brands))
	for _, b := range brands {
		out = append(out, &proto.EmulationUserAgentBrandVersion{Brand: b.Brand, Version: b.Version})
	}
	return out
}

func (inj *Injector) injectFingerprint(page *rod.Page, fp runtime.Fingerprint) error {
	if fp.UserAgent != "" {
		// Emulation.setUserAgentOverride (rather than Network's) so
		// userAgentMetadata carries the Sec-CH-UA* client hints into every
		// request's headers, not just the in-page navigator.userAgentData
		// getter the script below patches.
		override := proto.EmulationSetUserAgentOverride{
			UserAgent: fp.UserAgent,
			Platform:  fp.Platform,
			UserAgentMetadata: &proto.EmulationUserAgentMetadata{
				Brands:          brandVersions(fp.UserAgentData.Brands),
				FullVersionList: brandVersions(fp.UserAgentData.FullVersionList),
				FullVersion:     fp.UserAgentData.UAFullVersion,
				Platform:        fp.UserAgentData.Platform,
				PlatformVersion: fp.UserAgentData.PlatformVersion,
				Architecture:    fp.UserAgentData.Architecture,
				Bitness:         fp.UserAgentData.Bitness,
				Model:           fp.UserAgentData.Model,
				Mobile:          fp.UserAgentData.Mobile,
			},
		}
		if err := override.Call(page); err != nil {
			return fmt.Errorf("set user agent: %w", err)
		}
	}

	if fp.Screen.Width > 0 && fp.Screen.Height > 0 {
		mobile := fp.UserAgentData.Mobile
		if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:             fp.Screen.Width,
			Height:            fp.Screen.Height,
			DeviceScaleFactor: fp.Screen.DevicePixelRatio,
			Mobile:            mobile,
		}); err != nil {
			return fmt.Errorf("set device metrics: %w", err)
		}
	}

	script, err := buildScript(fp)
	if err != nil {
		return fmt.Errorf("build fingerprint script: %w", err)
	}
	if _, err := page.EvalOnNewDocument(script); err != nil {
		return fmt.Errorf("install fingerprint script: %w", err)
	}
	// Apply immediately too, in case the page already has a document (the
	// primary page synthesized at launch time, per §4.5's edge case).
	if _, err := page.Evaluate(rod.Eval(script)); err != nil {
		inj.log.Debug().Err(err).Msg("immediate fingerprint eval failed (expected on blank pages)")
	}
	return nil
}

// installInterception enables Fetch-domain interception for ad-blocking,
// bandwidth optimization, and the file:// hard-abort invariant. It mirrors
// the cleanup-closure + sync.Once idiom from internal/browser/proxy.go.
func (inj *Injector) installInterception(page *rod.Page, cfg runtime.SessionConfig) error {
	needsInterception := cfg.BlockAds || cfg.OptimizeBandwidth != nil || inj.onAbort != nil
	if !needsInterception {
		return nil
	}

	if err := (proto.FetchEnable{}).Call(page); err != nil {
		return fmt.Errorf("enable fetch domain: %w", err)
	}

	var once sync.Once
	ctx, cancel := context.WithCancel(context.Background())
	cleanup := func() {
		once.Do(cancel)
	}

	go page.EachEvent(func(e *proto.FetchRequestPaused) {
		select {
		case <-ctx.Done():
			return
		default:
		}

		url := e.Request.URL
		if strings.HasPrefix(url, "file://") {
			inj.log.Error().Str("url", url).Msg("file:// request observed, aborting runtime")
			_ = proto.FetchFailRequest{RequestID: e.RequestID, ErrorReason: proto.NetworkErrorReasonBlockedByClient}.Call(page)
			if inj.onAbort != nil {
				inj.onAbort(fmt.Sprintf("file:// request to %s", url))
			}
			return
		}

		if inj.shouldBlock(cfg, url) {
			_ = proto.FetchFailRequest{RequestID: e.RequestID, ErrorReason: proto.NetworkErrorReasonBlockedByClient}.Call(page)
			return
		}

		_ = proto.FetchContinueRequest{RequestID: e.RequestID}.Call(page)
	})()

	go page.EachEvent(func(e *proto.TargetTargetDestroyed) {
		cleanup()
	})()

	return nil
}

func (inj *Injector) shouldBlock(cfg runtime.SessionConfig, url string) bool {
	if cfg.BlockAds && inj.blocklist != nil && inj.blocklist.IsAdHost(url) {
		return true
	}
	if cfg.OptimizeBandwidth == nil {
		return false
	}
	ob := cfg.OptimizeBandwidth
	lower := strings.ToLower(url)
	if ob.BlockImages && hasAnySuffix(lower, ".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg", ".ico") {
		return true
	}
	if ob.BlockStylesheets && hasAnySuffix(lower, ".css") {
		return true
	}
	if ob.BlockMedia && hasAnySuffix(lower, ".mp4", ".webm", ".mp3", ".wav", ".ogg", ".avi") {
		return true
	}
	for _, host := range ob.BlockHosts {
		if strings.Contains(lower, strings.ToLower(host)) {
			return true
		}
	}
	for _, pattern := range ob.BlockUrlPatterns {
		if strings.Contains(lower, strings.ToLower(pattern)) {
			return true
		}
	}
	if inj.blocklist != nil && inj.blocklist.IsAdHost(url) {
		return true
	}
	return false
}

func hasAnySuffix(s string, suffixes ...string) bool {
	for _, suf := range suffixes {
		if strings.HasSuffix(s, suf) {
			return true
		}
	}
	return false
}

// applySessionContext sets cookies per-cookie (reporting success/failure
// counts, per §9's open-question resolution: "attempt per-cookie and
// report success/failure counts; do not invent a bulk atomic semantic")
// and seeds localStorage/sessionStorage for the page's current origin.
func (inj *Injector) applySessionContext(page *rod.Page, sc runtime.SessionContext) error {
	succeeded, failed := 0, 0
	for _, c := range sc.Cookies {
		param := &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  proto.TimeSinceEpoch(c.Expires),
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: c.SameSite,
		}
		if err := page.SetCookies([]*proto.NetworkCookieParam{param}); err != nil {
			failed++
			continue
		}
		succeeded++
	}
	if failed > 0 {
		inj.log.Warn().Int("succeeded", succeeded).Int("failed", failed).Msg("some session-context cookies failed to apply")
	}

	info, err := page.Info()
	if err != nil || info == nil {
		return nil
	}
	origin := info.URL
	if u, perr := url.Parse(info.URL); perr == nil && u.Host != "" {
		origin = u.Scheme + "://" + u.Host
	}

	applyStorage := func(kind string, byOrigin map[string]map[string]string) {
		kv, ok := byOrigin[origin]
		if !ok {
			return
		}
		for k, v := range kv {
			script := fmt.Sprintf("() => %s.setItem(%s, %s)", kind, jsQuote(k), jsQuote(v))
			if _, err := page.Eval(script); err != nil {
				inj.log.Debug().Str("kind", kind).Str("key", k).Err(err).Msg("storage seed failed")
			}
		}
	}
	applyStorage("localStorage", sc.LocalStorage)
	applyStorage("sessionStorage", sc.SessionStorage)

	return nil
}

// ReinjectOnNavigate re-applies per-origin storage on frame navigation,
// per §4.5 step 5 ("reinjected on each frame navigation").
func (inj *Injector) ReinjectOnNavigate(page *rod.Page, sc runtime.SessionContext) {
	go page.EachEvent(func(e *proto.PageFrameNavigated) {
		if e.Frame.ParentID != "" {
			return
		}
		_ = inj.applySessionContext(page, sc)
	})()
}
