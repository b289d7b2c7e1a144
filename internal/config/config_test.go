package config

import (
	"os"
	"testing"
	"time"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		os.Unsetenv(k)
	}
	t.Cleanup(func() {
		for _, k := range keys {
			os.Unsetenv(k)
		}
	})
}

var allEnvKeys = []string{
	"HOST", "PORT",
	"DEFAULT_HEADLESS", "DEFAULT_USER_DATA_DIR", "DEFAULT_VIEWPORT_WIDTH", "DEFAULT_VIEWPORT_HEIGHT", "DEFAULT_TIMEZONE",
	"LAUNCH_TIMEOUT", "DRAIN_TIMEOUT", "CRITICAL_TIMEOUT",
	"RETRY_MAX_ATTEMPTS", "RETRY_BASE_DELAY", "RETRY_MAX_DELAY", "RETRY_BACKOFF_MULTIPLIER", "RETRY_JITTER",
	"MAX_SESSIONS",
	"PROXY_URL", "PROXY_USERNAME", "PROXY_PASSWORD",
	"LOG_LEVEL",
	"PPROF_ENABLED", "PPROF_PORT", "PPROF_BIND_ADDR",
	"RATE_LIMIT_ENABLED", "RATE_LIMIT_RPM", "TRUST_PROXY", "IGNORE_CERT_ERRORS", "CORS_ALLOWED_ORIGINS", "ALLOW_LOCAL_PROXIES",
	"API_KEY_ENABLED", "API_KEY",
	"BLOCKLIST_PATH", "BLOCKLIST_HOT_RELOAD", "DEFAULT_BLOCK_ADS",
	"DRIVER_BACKEND",
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t, allEnvKeys...)

	cfg := Load()

	if cfg.Host != "127.0.0.1" {
		t.Errorf("Expected default host '127.0.0.1', got %q", cfg.Host)
	}
	if cfg.Port != 8585 {
		t.Errorf("Expected default port 8585, got %d", cfg.Port)
	}
	if !cfg.DefaultHeadless {
		t.Error("Expected DefaultHeadless to be true by default")
	}
	if cfg.DefaultViewportWidth != 1920 {
		t.Errorf("Expected default viewport width 1920, got %d", cfg.DefaultViewportWidth)
	}
	if cfg.DefaultViewportHeight != 1080 {
		t.Errorf("Expected default viewport height 1080, got %d", cfg.DefaultViewportHeight)
	}
	if cfg.LaunchTimeout != 60*time.Second {
		t.Errorf("Expected default launch timeout 60s, got %v", cfg.LaunchTimeout)
	}
	if cfg.DrainTimeout != 5*time.Second {
		t.Errorf("Expected default drain timeout 5s, got %v", cfg.DrainTimeout)
	}
	if cfg.RetryMaxAttempts != 3 {
		t.Errorf("Expected default retry max attempts 3, got %d", cfg.RetryMaxAttempts)
	}
	if cfg.RetryBaseDelay != 500*time.Millisecond {
		t.Errorf("Expected default retry base delay 500ms, got %v", cfg.RetryBaseDelay)
	}
	if cfg.MaxSessions != 1 {
		t.Errorf("Expected default max sessions 1, got %d", cfg.MaxSessions)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("Expected default log level 'info', got %q", cfg.LogLevel)
	}
	if cfg.PProfEnabled {
		t.Error("Expected PProfEnabled to be false by default")
	}
	if cfg.PProfPort != 6060 {
		t.Errorf("Expected default pprof port 6060, got %d", cfg.PProfPort)
	}
	if cfg.APIKeyEnabled {
		t.Error("Expected APIKeyEnabled to be false by default")
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t, allEnvKeys...)

	os.Setenv("HOST", "0.0.0.0")
	os.Setenv("PORT", "9999")
	os.Setenv("DEFAULT_HEADLESS", "false")
	os.Setenv("DEFAULT_VIEWPORT_WIDTH", "1280")
	os.Setenv("DEFAULT_VIEWPORT_HEIGHT", "720")
	os.Setenv("LAUNCH_TIMEOUT", "90s")
	os.Setenv("RETRY_MAX_ATTEMPTS", "5")
	os.Setenv("RETRY_BACKOFF_MULTIPLIER", "1.5")
	os.Setenv("MAX_SESSIONS", "4")
	os.Setenv("PROXY_URL", "http://proxy:8080")
	os.Setenv("PROXY_USERNAME", "user")
	os.Setenv("PROXY_PASSWORD", "pass")
	os.Setenv("LOG_LEVEL", "debug")
	os.Setenv("BLOCKLIST_PATH", "/etc/browserd/blocklist.yaml")
	os.Setenv("BLOCKLIST_HOT_RELOAD", "true")

	cfg := Load()

	if cfg.Host != "0.0.0.0" {
		t.Errorf("Expected host '0.0.0.0', got %q", cfg.Host)
	}
	if cfg.Port != 9999 {
		t.Errorf("Expected port 9999, got %d", cfg.Port)
	}
	if cfg.DefaultHeadless {
		t.Error("Expected DefaultHeadless to be false")
	}
	if cfg.DefaultViewportWidth != 1280 {
		t.Errorf("Expected viewport width 1280, got %d", cfg.DefaultViewportWidth)
	}
	if cfg.LaunchTimeout != 90*time.Second {
		t.Errorf("Expected launch timeout 90s, got %v", cfg.LaunchTimeout)
	}
	if cfg.RetryMaxAttempts != 5 {
		t.Errorf("Expected retry max attempts 5, got %d", cfg.RetryMaxAttempts)
	}
	if cfg.RetryBackoffMultiplier != 1.5 {
		t.Errorf("Expected retry backoff multiplier 1.5, got %v", cfg.RetryBackoffMultiplier)
	}
	if cfg.MaxSessions != 4 {
		t.Errorf("Expected max sessions 4, got %d", cfg.MaxSessions)
	}
	if cfg.ProxyURL != "http://proxy:8080" {
		t.Errorf("Expected proxy URL 'http://proxy:8080', got %q", cfg.ProxyURL)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("Expected log level 'debug', got %q", cfg.LogLevel)
	}
	if cfg.BlocklistPath != "/etc/browserd/blocklist.yaml" {
		t.Errorf("Expected blocklist path, got %q", cfg.BlocklistPath)
	}
	if !cfg.BlocklistHotReload {
		t.Error("Expected BlocklistHotReload to be true")
	}
}

func TestHasDefaultProxy(t *testing.T) {
	cfg := &Config{}
	if cfg.HasDefaultProxy() {
		t.Error("Expected HasDefaultProxy to return false when ProxyURL is empty")
	}

	cfg.ProxyURL = "http://proxy:8080"
	if !cfg.HasDefaultProxy() {
		t.Error("Expected HasDefaultProxy to return true when ProxyURL is set")
	}
}

func TestInvalidEnvValuesFallBackToDefaults(t *testing.T) {
	clearEnv(t, allEnvKeys...)

	os.Setenv("PORT", "not_a_number")
	os.Setenv("DEFAULT_HEADLESS", "not_a_bool")
	os.Setenv("LAUNCH_TIMEOUT", "not_a_duration")

	cfg := Load()

	if cfg.Port != 8585 {
		t.Errorf("Expected default port 8585 for invalid value, got %d", cfg.Port)
	}
	if !cfg.DefaultHeadless {
		t.Error("Expected default DefaultHeadless (true) for invalid value")
	}
	if cfg.LaunchTimeout != 60*time.Second {
		t.Errorf("Expected default launch timeout for invalid value, got %v", cfg.LaunchTimeout)
	}
}

func TestValidateClampsOutOfRangeValues(t *testing.T) {
	cfg := &Config{
		Port:                   70000,
		DefaultViewportWidth:   10,
		DefaultViewportHeight:  99999,
		LaunchTimeout:          0,
		RetryMaxAttempts:       50,
		RetryBackoffMultiplier: 0,
		MaxSessions:            0,
		LogLevel:               "nonsense",
	}
	cfg.Validate()

	if cfg.Port != 8585 {
		t.Errorf("expected clamped port 8585, got %d", cfg.Port)
	}
	if cfg.DefaultViewportWidth != 1920 {
		t.Errorf("expected clamped viewport width 1920, got %d", cfg.DefaultViewportWidth)
	}
	if cfg.DefaultViewportHeight != 1080 {
		t.Errorf("expected clamped viewport height 1080, got %d", cfg.DefaultViewportHeight)
	}
	if cfg.LaunchTimeout != 60*time.Second {
		t.Errorf("expected clamped launch timeout 60s, got %v", cfg.LaunchTimeout)
	}
	if cfg.RetryMaxAttempts != maxRetryAttempts {
		t.Errorf("expected retry attempts capped at %d, got %d", maxRetryAttempts, cfg.RetryMaxAttempts)
	}
	if cfg.RetryBackoffMultiplier != 2 {
		t.Errorf("expected default backoff multiplier 2, got %v", cfg.RetryBackoffMultiplier)
	}
	if cfg.MaxSessions != 1 {
		t.Errorf("expected default max sessions 1, got %d", cfg.MaxSessions)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected log level reset to 'info', got %q", cfg.LogLevel)
	}

	cfg.DriverBackend = "sillystring"
	cfg.Validate()
	if cfg.DriverBackend != "rod" {
		t.Errorf("expected unknown driver backend reset to 'rod', got %q", cfg.DriverBackend)
	}
}

func TestRetryPolicyFields(t *testing.T) {
	cfg := Load()
	maxAttempts, base, max, mult, jitter := cfg.RetryPolicyFields()
	if maxAttempts != cfg.RetryMaxAttempts || base != cfg.RetryBaseDelay || max != cfg.RetryMaxDelay ||
		mult != cfg.RetryBackoffMultiplier || jitter != cfg.RetryJitter {
		t.Fatal("RetryPolicyFields did not return the underlying Config's retry fields")
	}
}
