package stateextractor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestExtractWithoutUserDataDirReturnsEmptyState(t *testing.T) {
	e := New(zerolog.Nop())

	state, err := e.Extract(nil, nil, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.LocalStorage == nil || state.SessionStorage == nil || state.IndexedDB == nil {
		t.Fatal("expected initialized empty maps")
	}
	if len(state.Cookies) != 0 {
		t.Fatalf("expected no cookies, got %d", len(state.Cookies))
	}
}

func TestExtractWithoutPrimaryPageErrors(t *testing.T) {
	e := New(zerolog.Nop())

	_, err := e.Extract(nil, nil, t.TempDir())
	if err == nil {
		t.Fatal("expected error when primaryPage is nil")
	}
}

func TestMergeOriginMapsLivePreferredOverOffline(t *testing.T) {
	offline := map[string]map[string]string{
		"https://example.com": {"a": "offline-a", "b": "offline-b"},
	}
	live := map[string]map[string]string{
		"https://example.com": {"a": "live-a"},
	}

	merged := mergeOriginMaps(offline, live)
	got := merged["https://example.com"]
	if got["a"] != "live-a" {
		t.Fatalf("expected live value to win for key a, got %q", got["a"])
	}
	if got["b"] != "offline-b" {
		t.Fatalf("expected offline value to survive for key b, got %q", got["b"])
	}
}

func TestMergeOriginMapsNewOriginFromLive(t *testing.T) {
	merged := mergeOriginMaps(nil, map[string]map[string]string{
		"https://other.example": {"k": "v"},
	})
	if merged["https://other.example"]["k"] != "v" {
		t.Fatal("expected origin present only in live map to be included")
	}
}

func TestInspectProfileDirectoryFindsOrigins(t *testing.T) {
	dir := t.TempDir()
	leveldbDir := filepath.Join(dir, "Default", "Local Storage", "leveldb")
	if err := os.MkdirAll(leveldbDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(leveldbDir, "https_example.com_0.ldb"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	origins := inspectProfileDirectory(dir)
	if _, ok := origins["https://example.com"]; !ok {
		t.Fatalf("expected origin to be discovered, got %v", origins)
	}
}

func TestLeveldbFilenameToOriginIgnoresUnknownShapes(t *testing.T) {
	if got := leveldbFilenameToOrigin("CURRENT"); got != "" {
		t.Fatalf("expected empty origin for non-origin filename, got %q", got)
	}
	if got := leveldbFilenameToOrigin("ftp_example.com_0.ldb"); got != "" {
		t.Fatalf("expected empty origin for unsupported scheme, got %q", got)
	}
}

func TestOriginOfExtractsSchemeAndHost(t *testing.T) {
	if got := originOf("https://example.com/path?q=1"); got != "https://example.com" {
		t.Fatalf("unexpected origin: %q", got)
	}
	if got := originOf("http://example.com/a/b"); got != "http://example.com" {
		t.Fatalf("unexpected origin: %q", got)
	}
}
