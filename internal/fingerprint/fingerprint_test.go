package fingerprint

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/arintra/browserd/internal/blocklist"
	"github.com/arintra/browserd/internal/runtime"
)

func TestBuildScriptEmbedsFingerprintFields(t *testing.T) {
	fp := runtime.Fingerprint{
		Platform:            "Win32",
		HardwareConcurrency: 8,
		DeviceMemory:        8,
		UserAgent:           "Mozilla/5.0 Test",
		UserAgentData: runtime.UserAgentData{
			Mobile: false,
			Brands: []runtime.UABrand{{Brand: "Chromium", Version: "124"}},
		},
		VideoCard: runtime.VideoCard{Vendor: "Google Inc. (NVIDIA)", Renderer: "ANGLE (NVIDIA)"},
	}

	script, err := buildScript(fp)
	if err != nil {
		t.Fatalf("buildScript: %v", err)
	}
	if !strings.Contains(script, `"Win32"`) {
		t.Fatal("expected platform to be embedded as a quoted JS string")
	}
	if !strings.Contains(script, "Chromium") {
		t.Fatal("expected brand name to be embedded")
	}
	if !strings.Contains(script, "NVIDIA") {
		t.Fatal("expected GPU vendor/renderer to be embedded")
	}
	if !strings.Contains(script, "__fingerprintApplied") {
		t.Fatal("expected idempotency guard in script")
	}
}

func TestBuildScriptEmptyBrandsProducesEmptyArray(t *testing.T) {
	fp := runtime.Fingerprint{Platform: "Linux x86_64"}
	script, err := buildScript(fp)
	if err != nil {
		t.Fatalf("buildScript: %v", err)
	}
	if !strings.Contains(script, "brands: []") {
		t.Fatalf("expected empty brands array, got script containing: %s", script)
	}
}

func TestJsQuoteEscapesSpecialCharacters(t *testing.T) {
	got := jsQuote(`a"b`)
	if got != `"a\"b"` {
		t.Fatalf("unexpected quoting: %s", got)
	}
}

func TestJsonMarshalBrandsRoundTrips(t *testing.T) {
	brands := []runtime.UABrand{{Brand: "Not)A;Brand", Version: "99"}}
	got, err := jsonMarshalBrands(brands)
	if err != nil {
		t.Fatalf("jsonMarshalBrands: %v", err)
	}
	if !strings.Contains(got, "Not)A;Brand") {
		t.Fatalf("expected brand name preserved, got %s", got)
	}
}

func TestHasAnySuffix(t *testing.T) {
	if !hasAnySuffix("https://x.com/img.png", ".png", ".jpg") {
		t.Fatal("expected suffix match")
	}
	if hasAnySuffix("https://x.com/page.html", ".png", ".jpg") {
		t.Fatal("expected no suffix match")
	}
}

func TestIsPageClosedErr(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errString("page closed"), true},
		{errString("context canceled"), true},
		{errString("no such target"), true},
		{errString("some other failure"), false},
	}
	for _, c := range cases {
		if got := isPageClosedErr(c.err); got != c.want {
			t.Fatalf("isPageClosedErr(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

type errString string

func (e errString) Error() string { return string(e) }

func TestShouldBlockAds(t *testing.T) {
	cl := blocklist.New(zerolog.Nop())
	inj := New(zerolog.Nop(), cl, nil)

	cfg := runtime.SessionConfig{BlockAds: true}
	if !inj.shouldBlock(cfg, "https://doubleclick.net/track") {
		t.Fatal("expected ad host to be blocked")
	}
	if inj.shouldBlock(cfg, "https://example.com/index.html") {
		t.Fatal("expected benign host to pass through")
	}
}

func TestShouldBlockBandwidthOptimization(t *testing.T) {
	inj := New(zerolog.Nop(), nil, nil)
	cfg := runtime.SessionConfig{
		OptimizeBandwidth: &runtime.OptimizeBandwidth{
			BlockImages:      true,
			BlockStylesheets: true,
			BlockHosts:       []string{"tracker.example"},
		},
	}

	if !inj.shouldBlock(cfg, "https://cdn.example.com/hero.png") {
		t.Fatal("expected image to be blocked")
	}
	if !inj.shouldBlock(cfg, "https://cdn.example.com/app.css") {
		t.Fatal("expected stylesheet to be blocked")
	}
	if !inj.shouldBlock(cfg, "https://tracker.example/beacon") {
		t.Fatal("expected blocked host to match")
	}
	if inj.shouldBlock(cfg, "https://cdn.example.com/app.js") {
		t.Fatal("expected script to pass through when not targeted")
	}
}

func TestShouldBlockNoConfigAllowsEverything(t *testing.T) {
	inj := New(zerolog.Nop(), nil, nil)
	if inj.shouldBlock(runtime.SessionConfig{}, "https://ads.doubleclick.net/x") {
		t.Fatal("expected no blocking without BlockAds/OptimizeBandwidth configured")
	}
}
