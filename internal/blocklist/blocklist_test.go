package blocklist

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestIsAdHostEmbeddedDefaults(t *testing.T) {
	c := New(zerolog.Nop())
	if !c.IsAdHost("https://doubleclick.net/track") {
		t.Fatal("expected embedded host match")
	}
	if c.IsAdHost("https://example.com/index.html") {
		t.Fatal("expected no match for benign host")
	}
}

func TestIsAdHostPatternMatch(t *testing.T) {
	c := New(zerolog.Nop())
	if !c.IsAdHost("https://example.com/pagead/view") {
		t.Fatal("expected pattern match on /pagead/")
	}
}

func TestNewWithFileMergesExternal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blocklist.yaml")
	content := "hosts:\n  - extra-ads.example.com\npatterns:\n  - /extra-tracker/\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	c, err := NewWithFile(zerolog.Nop(), path, false)
	if err != nil {
		t.Fatalf("NewWithFile: %v", err)
	}
	defer c.Close()

	if !c.IsAdHost("https://extra-ads.example.com/x") {
		t.Fatal("expected external host to be merged in")
	}
	if !c.IsAdHost("https://doubleclick.net/x") {
		t.Fatal("expected embedded defaults to still be present after merge")
	}
}

func TestHotReloadPicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blocklist.yaml")
	if err := os.WriteFile(path, []byte("hosts: []\npatterns: []\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	c, err := NewWithFile(zerolog.Nop(), path, true)
	if err != nil {
		t.Fatalf("NewWithFile: %v", err)
	}
	defer c.Close()

	if c.IsAdHost("https://new-ad-host.example.com/x") {
		t.Fatal("host should not match before reload")
	}

	if err := os.WriteFile(path, []byte("hosts:\n  - new-ad-host.example.com\npatterns: []\n"), 0o644); err != nil {
		t.Fatalf("rewrite file: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.IsAdHost("https://new-ad-host.example.com/x") {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected hot-reload to pick up new host within timeout")
}
