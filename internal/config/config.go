// Package config provides application configuration management for the
// browser runtime daemon.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Configuration upper bounds to prevent resource exhaustion.
const (
	maxMaxSessions    = 1000
	maxTimeout        = 10 * time.Minute
	maxRateLimitRPM   = 10000 // Maximum requests per minute per IP
	minAPIKeyLength   = 16    // Minimum API key length for security
	maxRetryAttempts  = 10
)

// Config holds all application configuration.
// Configuration is loaded from environment variables at startup.
type Config struct {
	// Server settings
	Host string
	Port int

	// Default session settings applied when a launch request omits them
	DefaultHeadless       bool
	DefaultUserDataDir    string
	DefaultViewportWidth  int
	DefaultViewportHeight int
	DefaultTimezone       string

	// Launch/drain/critical timeouts
	LaunchTimeout   time.Duration
	DrainTimeout    time.Duration
	CriticalTimeout time.Duration

	// Retry Manager defaults (§4.9)
	RetryMaxAttempts       int
	RetryBaseDelay         time.Duration
	RetryMaxDelay          time.Duration
	RetryBackoffMultiplier float64
	RetryJitter            time.Duration

	// Session bookkeeping
	MaxSessions int

	// Proxy defaults
	ProxyURL      string
	ProxyUsername string
	ProxyPassword string

	// Logging
	LogLevel string

	// Profiling
	PProfEnabled  bool
	PProfPort     int
	PProfBindAddr string // Bind address for pprof server (default: localhost only)

	// Security
	RateLimitEnabled  bool
	RateLimitRPM      int      // Requests per minute per IP
	TrustProxy        bool     // Trust X-Forwarded-For headers (only enable behind a reverse proxy)
	IgnoreCertErrors  bool     // Ignore TLS certificate errors (required for some proxies)
	CORSAllowedOrigins []string // Allowed CORS origins (empty = reject all cross-origin requests, with warning)
	AllowLocalProxies bool     // Allow localhost/private IP proxies

	// API Key Authentication
	APIKeyEnabled bool   // Enable API key authentication
	APIKey        string // Required API key for requests (only used if APIKeyEnabled is true)

	// Blocklist settings (ad-host/URL classifier, internal/blocklist)
	BlocklistPath      string // Path to external blocklist.yaml override file
	BlocklistHotReload bool   // Enable file watching for hot-reload

	// Default ad-block / bandwidth-optimization behavior when a launch
	// request doesn't specify it explicitly.
	DefaultBlockAds bool

	// DriverBackend selects the Driver implementation the Orchestrator is
	// constructed with: "rod" (default) or "chromedp".
	DriverBackend string
}

// Load loads configuration from environment variables.
// Returns a Config with values from environment or sensible defaults.
func Load() *Config {
	return &Config{
		// Server - default to localhost for security (prevents accidental exposure)
		// Set HOST=0.0.0.0 explicitly to bind to all interfaces
		Host: getEnvString("HOST", "127.0.0.1"),
		Port: getEnvInt("PORT", 8585),

		// Default session
		DefaultHeadless:       getEnvBool("DEFAULT_HEADLESS", true),
		DefaultUserDataDir:    getEnvString("DEFAULT_USER_DATA_DIR", ""),
		DefaultViewportWidth:  getEnvInt("DEFAULT_VIEWPORT_WIDTH", 1920),
		DefaultViewportHeight: getEnvInt("DEFAULT_VIEWPORT_HEIGHT", 1080),
		DefaultTimezone:       getEnvString("DEFAULT_TIMEZONE", ""),

		// Timeouts
		LaunchTimeout:   getEnvDuration("LAUNCH_TIMEOUT", 60*time.Second),
		DrainTimeout:    getEnvDuration("DRAIN_TIMEOUT", 5*time.Second),
		CriticalTimeout: getEnvDuration("CRITICAL_TIMEOUT", 30*time.Second),

		// Retry Manager
		RetryMaxAttempts:       getEnvInt("RETRY_MAX_ATTEMPTS", 3),
		RetryBaseDelay:         getEnvDuration("RETRY_BASE_DELAY", 500*time.Millisecond),
		RetryMaxDelay:          getEnvDuration("RETRY_MAX_DELAY", 5*time.Second),
		RetryBackoffMultiplier: getEnvFloat("RETRY_BACKOFF_MULTIPLIER", 2),
		RetryJitter:            getEnvDuration("RETRY_JITTER", 250*time.Millisecond),

		// Sessions
		MaxSessions: getEnvInt("MAX_SESSIONS", 1),

		// Proxy
		ProxyURL:      getEnvString("PROXY_URL", ""),
		ProxyUsername: getEnvString("PROXY_USERNAME", ""),
		ProxyPassword: getEnvString("PROXY_PASSWORD", ""),

		// Logging
		LogLevel: getEnvString("LOG_LEVEL", "info"),

		// Profiling - disabled by default for security
		PProfEnabled:  getEnvBool("PPROF_ENABLED", false),
		PProfPort:     getEnvInt("PPROF_PORT", 6060),
		PProfBindAddr: getEnvString("PPROF_BIND_ADDR", "127.0.0.1"), // Localhost only by default

		// Security
		RateLimitEnabled:   getEnvBool("RATE_LIMIT_ENABLED", true),
		RateLimitRPM:       getEnvInt("RATE_LIMIT_RPM", 60),
		TrustProxy:         getEnvBool("TRUST_PROXY", false),
		IgnoreCertErrors:   getEnvBool("IGNORE_CERT_ERRORS", false),
		CORSAllowedOrigins: getEnvStringSlice("CORS_ALLOWED_ORIGINS", nil),
		AllowLocalProxies:  getEnvBool("ALLOW_LOCAL_PROXIES", false),

		// API Key Authentication
		APIKeyEnabled: getEnvBool("API_KEY_ENABLED", false),
		APIKey:        getEnvString("API_KEY", ""),

		// Blocklist settings
		BlocklistPath:      getEnvString("BLOCKLIST_PATH", ""),
		BlocklistHotReload: getEnvBool("BLOCKLIST_HOT_RELOAD", false),
		DefaultBlockAds:    getEnvBool("DEFAULT_BLOCK_ADS", false),

		DriverBackend: getEnvString("DRIVER_BACKEND", "rod"),
	}
}

// HasDefaultProxy returns true if a default proxy is configured.
func (c *Config) HasDefaultProxy() bool {
	return c.ProxyURL != ""
}

// Validate checks configuration values and logs warnings for invalid values.
// Invalid values are corrected to sensible defaults.
func (c *Config) Validate() {
	// Port validation - allow 0 for system-assigned ports
	if c.Port < 0 || c.Port > 65535 {
		log.Warn().Int("port", c.Port).Msg("Invalid port, using default 8585")
		c.Port = 8585
	}

	// Viewport validation
	if c.DefaultViewportWidth < 100 || c.DefaultViewportWidth > 8192 {
		log.Warn().Int("width", c.DefaultViewportWidth).Msg("Invalid default viewport width, using 1920")
		c.DefaultViewportWidth = 1920
	}
	if c.DefaultViewportHeight < 100 || c.DefaultViewportHeight > 8192 {
		log.Warn().Int("height", c.DefaultViewportHeight).Msg("Invalid default viewport height, using 1080")
		c.DefaultViewportHeight = 1080
	}

	// Timeout validation with upper bound
	if c.LaunchTimeout < time.Second {
		log.Warn().Dur("timeout", c.LaunchTimeout).Msg("Launch timeout too short, using 60s")
		c.LaunchTimeout = 60 * time.Second
	} else if c.LaunchTimeout > maxTimeout {
		log.Warn().
			Dur("timeout", c.LaunchTimeout).
			Dur("max", maxTimeout).
			Msg("Launch timeout too high, capping to maximum")
		c.LaunchTimeout = maxTimeout
	}
	if c.DrainTimeout < time.Second {
		log.Warn().Dur("timeout", c.DrainTimeout).Msg("Drain timeout too short, using 5s")
		c.DrainTimeout = 5 * time.Second
	}
	if c.CriticalTimeout < time.Second {
		log.Warn().Dur("timeout", c.CriticalTimeout).Msg("Critical timeout too short, using 30s")
		c.CriticalTimeout = 30 * time.Second
	}

	// Retry validation
	if c.RetryMaxAttempts < 1 {
		log.Warn().Int("attempts", c.RetryMaxAttempts).Msg("Invalid retry max attempts, using 3")
		c.RetryMaxAttempts = 3
	} else if c.RetryMaxAttempts > maxRetryAttempts {
		log.Warn().
			Int("attempts", c.RetryMaxAttempts).
			Int("max", maxRetryAttempts).
			Msg("Retry max attempts too high, capping to maximum")
		c.RetryMaxAttempts = maxRetryAttempts
	}
	if c.RetryBackoffMultiplier < 1 {
		log.Warn().Float64("multiplier", c.RetryBackoffMultiplier).Msg("Invalid retry backoff multiplier, using 2")
		c.RetryBackoffMultiplier = 2
	}
	if c.RetryBaseDelay <= 0 {
		log.Warn().Dur("delay", c.RetryBaseDelay).Msg("Invalid retry base delay, using 500ms")
		c.RetryBaseDelay = 500 * time.Millisecond
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		log.Warn().
			Dur("max_delay", c.RetryMaxDelay).
			Dur("base_delay", c.RetryBaseDelay).
			Msg("Retry max delay below base delay, adjusting to base delay")
		c.RetryMaxDelay = c.RetryBaseDelay
	}

	// Session validation with upper bound
	if c.MaxSessions < 1 {
		log.Warn().Int("max", c.MaxSessions).Msg("Invalid max sessions, using 1")
		c.MaxSessions = 1
	} else if c.MaxSessions > maxMaxSessions {
		log.Warn().
			Int("sessions", c.MaxSessions).
			Int("max", maxMaxSessions).
			Msg("Max sessions too high, capping to maximum")
		c.MaxSessions = maxMaxSessions
	}

	// Rate limit validation with upper bound
	if c.RateLimitEnabled {
		if c.RateLimitRPM < 1 {
			log.Warn().Int("rpm", c.RateLimitRPM).Msg("Invalid rate limit, using 60 RPM")
			c.RateLimitRPM = 60
		} else if c.RateLimitRPM > maxRateLimitRPM {
			log.Warn().
				Int("rpm", c.RateLimitRPM).
				Int("max", maxRateLimitRPM).
				Msg("Rate limit too high, capping to maximum")
			c.RateLimitRPM = maxRateLimitRPM
		}
	}

	// Log level validation
	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		log.Warn().Str("level", c.LogLevel).Msg("Invalid log level, using 'info'")
		c.LogLevel = "info"
	}

	// Driver backend validation
	if c.DriverBackend != "rod" && c.DriverBackend != "chromedp" {
		log.Warn().Str("backend", c.DriverBackend).Msg("Unknown driver backend, using 'rod'")
		c.DriverBackend = "rod"
	}

	// PProf security warning
	if c.PProfEnabled && c.PProfBindAddr != "127.0.0.1" && c.PProfBindAddr != "localhost" {
		log.Warn().
			Str("addr", c.PProfBindAddr).
			Msg("WARNING: pprof exposed on non-localhost address - this is a security risk")
	}

	// CORS security warning
	if len(c.CORSAllowedOrigins) == 0 {
		log.Warn().Msg("CORS_ALLOWED_ORIGINS not set - all cross-origin requests will be rejected")
	}

	// Certificate validation warning
	if c.IgnoreCertErrors {
		if c.ProxyURL == "" {
			log.Warn().Msg("WARNING: IGNORE_CERT_ERRORS enabled without a proxy - this exposes you to MITM attacks")
		} else {
			log.Info().Msg("IGNORE_CERT_ERRORS enabled for proxy compatibility")
		}
	}

	// Proxy URL and credential validation
	if c.ProxyURL != "" {
		if !strings.Contains(c.ProxyURL, "://") {
			log.Error().
				Str("proxy_url", c.ProxyURL).
				Msg("ProxyURL missing scheme (should be http://, https://, socks4://, or socks5://)")
		} else {
			scheme := strings.ToLower(strings.Split(c.ProxyURL, "://")[0])
			validSchemes := map[string]bool{"http": true, "https": true, "socks4": true, "socks5": true}
			if !validSchemes[scheme] {
				log.Error().
					Str("proxy_url", c.ProxyURL).
					Str("scheme", scheme).
					Msg("ProxyURL has invalid scheme (must be http, https, socks4, or socks5)")
			}

			if strings.Contains(c.ProxyURL, "@") {
				log.Warn().Msg("ProxyURL contains embedded credentials (@) - use PROXY_USERNAME and PROXY_PASSWORD environment variables instead for better security")
			}
		}
	}

	if c.ProxyUsername != "" && c.ProxyPassword == "" {
		log.Warn().Msg("PROXY_USERNAME set but PROXY_PASSWORD is empty - authentication may fail")
	}
	if c.ProxyPassword != "" && c.ProxyUsername == "" {
		log.Warn().Msg("PROXY_PASSWORD set but PROXY_USERNAME is empty - authentication may fail")
	}
	if (c.ProxyUsername != "" || c.ProxyPassword != "") && c.ProxyURL == "" {
		log.Warn().Msg("Proxy credentials set but PROXY_URL is empty - credentials will not be used")
	}
	if (c.ProxyUsername != "" || c.ProxyPassword != "") && c.ProxyURL != "" {
		if strings.HasPrefix(strings.ToLower(c.ProxyURL), "http://") {
			log.Warn().Msg("WARNING: Proxy credentials over HTTP - credentials may be intercepted. Consider using HTTPS proxy")
		}
	}

	// Port conflict validation
	usedPorts := make(map[int]string)
	if c.Port > 0 {
		usedPorts[c.Port] = "PORT"
	}
	if c.PProfEnabled {
		if existingName, exists := usedPorts[c.PProfPort]; exists {
			log.Error().
				Int("port", c.PProfPort).
				Str("conflicts_with", existingName).
				Msg("PPROF_PORT conflicts with another port, adjusting")
			c.PProfPort = 6060
			for usedPorts[c.PProfPort] != "" {
				c.PProfPort++
				if c.PProfPort > 65535 {
					log.Warn().Msg("Could not find available pprof port, disabling")
					c.PProfEnabled = false
					break
				}
			}
		}
	}

	// Blocklist path validation
	if c.BlocklistPath != "" {
		if strings.Contains(c.BlocklistPath, "..") {
			log.Error().
				Str("path", c.BlocklistPath).
				Msg("BlocklistPath contains path traversal sequence (..), ignoring")
			c.BlocklistPath = ""
		} else if !strings.HasPrefix(c.BlocklistPath, "/") && !strings.HasPrefix(c.BlocklistPath, "C:") && !strings.HasPrefix(c.BlocklistPath, "c:") {
			log.Warn().
				Str("path", c.BlocklistPath).
				Msg("BlocklistPath should be an absolute path")
		}
		if c.BlocklistHotReload {
			if _, err := os.Stat(c.BlocklistPath); os.IsNotExist(err) {
				log.Warn().
					Str("path", c.BlocklistPath).
					Msg("BlocklistPath does not exist - hot-reload cannot watch a missing file")
			}
		}
	}
	if c.BlocklistHotReload && c.BlocklistPath == "" {
		log.Warn().Msg("BLOCKLIST_HOT_RELOAD enabled but BLOCKLIST_PATH not set - hot-reload disabled")
		c.BlocklistHotReload = false
	}

	// API key validation with minimum length enforcement
	if c.APIKeyEnabled {
		const maxAPIKeyLength = 256
		switch {
		case c.APIKey == "":
			log.Error().Msg("API_KEY_ENABLED is true but API_KEY is empty - authentication will always fail")
		case len(c.APIKey) < minAPIKeyLength:
			log.Error().
				Int("length", len(c.APIKey)).
				Int("min_required", minAPIKeyLength).
				Msg("API_KEY is too short for secure authentication - consider using a longer key")
		default:
			if len(c.APIKey) > maxAPIKeyLength {
				log.Error().
					Int("length", len(c.APIKey)).
					Int("max", maxAPIKeyLength).
					Msg("API_KEY is too long")
			}
			for i, r := range c.APIKey {
				if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
					(r >= '0' && r <= '9') || r == '-' || r == '_') {
					log.Warn().
						Int("position", i).
						Msg("API_KEY contains non-alphanumeric characters (only a-z, A-Z, 0-9, -, _ are recommended)")
					break
				}
			}
		}
	}
}

// Helper functions for environment variable parsing

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		intValue, err := strconv.ParseInt(value, 10, 32)
		if err == nil {
			if intValue < -2147483648 || intValue > 2147483647 {
				log.Warn().
					Str("key", key).
					Str("value", value).
					Int("default", defaultValue).
					Msg("Integer value out of range in environment variable, using default")
				return defaultValue
			}
			return int(intValue)
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		floatValue, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return floatValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Float64("default", defaultValue).
			Msg("Invalid float in environment variable, using default")
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolValue, err := strconv.ParseBool(value)
		if err == nil {
			return boolValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Bool("default", defaultValue).
			Msg("Invalid boolean in environment variable, using default")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err == nil {
			if duration > 0 {
				return duration
			}
			log.Warn().
				Str("key", key).
				Str("value", value).
				Dur("default", defaultValue).
				Msg("Duration must be positive, using default")
			return defaultValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Dur("default", defaultValue).
			Msg("Invalid duration in environment variable, using default")
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}

// RetryPolicyFields extracts the retry.Policy fields from Config so callers
// (internal/handlers) can build a retry.Policy without internal/config
// importing internal/retry.
func (c *Config) RetryPolicyFields() (maxAttempts int, baseDelay, maxDelay time.Duration, multiplier float64, jitter time.Duration) {
	return c.RetryMaxAttempts, c.RetryBaseDelay, c.RetryMaxDelay, c.RetryBackoffMultiplier, c.RetryJitter
}
