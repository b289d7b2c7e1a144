// Package main provides the entry point for the browser runtime daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Import for side effects - registers pprof handlers
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/arintra/browserd/internal/blocklist"
	"github.com/arintra/browserd/internal/chromedpadapter"
	"github.com/arintra/browserd/internal/config"
	driverpkg "github.com/arintra/browserd/internal/driver"
	"github.com/arintra/browserd/internal/fingerprint"
	"github.com/arintra/browserd/internal/handlers"
	"github.com/arintra/browserd/internal/metrics"
	"github.com/arintra/browserd/internal/middleware"
	"github.com/arintra/browserd/internal/rodadapter"
	"github.com/arintra/browserd/internal/runtime"
	"github.com/arintra/browserd/internal/scheduler"
	"github.com/arintra/browserd/pkg/version"
)

func main() {
	// Handle --version flag early, before any initialization
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("browserd %s\n", version.Full())
		return
	}

	// Load configuration
	cfg := config.Load()

	// Setup logging first so validation warnings are visible
	setupLogging(cfg.LogLevel)

	// Validate configuration
	cfg.Validate()

	// Print banner
	printBanner()

	metrics.SetBuildInfo(version.Full(), version.GoVersion())
	stopMemCollector := make(chan struct{})
	metrics.StartMemoryCollector(15*time.Second, stopMemCollector)

	var blocklistClassifier *blocklist.Classifier
	if cfg.BlocklistPath != "" {
		var err error
		blocklistClassifier, err = blocklist.NewWithFile(log.Logger, cfg.BlocklistPath, cfg.BlocklistHotReload)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load blocklist")
		}
	} else {
		blocklistClassifier = blocklist.New(log.Logger)
	}

	// orc is assigned below; a file:// navigation shuts the runtime down.
	var orc *runtime.Orchestrator
	onAbort := func(reason string) {
		log.Error().Str("reason", reason).Msg("file:// navigation attempted, shutting down the runtime")
		go func() {
			if orc != nil {
				_ = orc.Shutdown(context.Background())
			}
		}()
	}
	injector := fingerprint.New(log.Logger, blocklistClassifier, onAbort)

	drv := newDriver(cfg)

	orc = runtime.New(log.Logger, drv, injector)
	sched := scheduler.New(log.Logger)

	handler := handlers.New(orc, sched, cfg)
	router := handlers.NewRouter(handler)

	mux := http.NewServeMux()
	mux.Handle("/", router)
	mux.Handle("/metrics", metrics.Handler())

	// Build middleware chain (in reverse order - last applied runs first).
	var finalHandler http.Handler = mux

	finalHandler = middleware.CORS(middleware.CORSConfig{
		AllowedOrigins: cfg.CORSAllowedOrigins,
	})(finalHandler)

	finalHandler = middleware.SecurityHeaders(finalHandler)

	if cfg.APIKeyEnabled {
		log.Info().Msg("API key authentication enabled")
		finalHandler = middleware.APIKey(cfg)(finalHandler)
	}

	var rateLimiter *middleware.RateLimiterMiddleware
	if cfg.RateLimitEnabled {
		log.Info().
			Int("requests_per_minute", cfg.RateLimitRPM).
			Bool("trust_proxy", cfg.TrustProxy).
			Msg("Rate limiting enabled")
		rateLimiter = middleware.NewRateLimitMiddleware(cfg.RateLimitRPM, cfg.TrustProxy)
		finalHandler = rateLimiter.Handler()(finalHandler)
	}

	finalHandler = middleware.Logging(finalHandler)
	finalHandler = middleware.Recovery(finalHandler)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           finalHandler,
		ReadTimeout:       cfg.LaunchTimeout + 10*time.Second,
		WriteTimeout:      cfg.LaunchTimeout + 10*time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second, // Prevent slowloris attacks
	}

	// Start pprof server if enabled.
	// WARNING: pprof should only be enabled in development/debugging as it
	// exposes detailed runtime information.
	var pprofServer *http.Server
	if cfg.PProfEnabled {
		pprofAddr := fmt.Sprintf("%s:%d", cfg.PProfBindAddr, cfg.PProfPort)
		pprofServer = &http.Server{
			Addr:         pprofAddr,
			Handler:      http.DefaultServeMux, // pprof registers to DefaultServeMux
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 60 * time.Second, // Profiles can take time
		}

		go func() {
			log.Warn().
				Str("addr", pprofAddr).
				Msg("WARNING: pprof profiling server started - exposes runtime internals, use for debugging only")

			if err := pprofServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("pprof server failed")
			}
		}()
	}

	go func() {
		log.Info().
			Str("address", addr).
			Str("driver_backend", cfg.DriverBackend).
			Bool("rate_limit_enabled", cfg.RateLimitEnabled).
			Msg("browserd is ready to accept requests")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// Stop receiving signals to prevent double-shutdown
	signal.Stop(quit)

	log.Info().Msg("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	close(stopMemCollector)

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	if pprofServer != nil {
		if err := pprofServer.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("pprof server shutdown error")
		}
	}

	if rateLimiter != nil {
		rateLimiter.Close()
	}

	if err := orc.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Orchestrator shutdown error")
	}

	log.Info().Msg("Shutdown complete")
}

// newDriver builds the Driver implementation selected by cfg.DriverBackend
// (§4.2: two concrete Driver implementations, chosen at construction).
func newDriver(cfg *config.Config) driverpkg.Driver {
	if cfg.DriverBackend == "chromedp" {
		log.Info().Msg("using chromedp driver backend")
		return chromedpadapter.New(log.Logger)
	}
	log.Info().Msg("using rod driver backend")
	return rodadapter.New(log.Logger)
}

// setupLogging configures zerolog based on the log level.
func setupLogging(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	})

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// printBanner prints the startup banner.
func printBanner() {
	banner := `
 _                                         _
| |__  _ __ _____      _____  ___ _ __ __| |
| '_ \| '__/ _ \ \ /\ / / __|/ _ \ '__/ _' |
| |_) | | | (_) \ V  V /\__ \  __/ | | (_| |
|_.__/|_|  \___/ \_/\_/ |___/\___|_|  \__,_|
                                 browser runtime
`
	fmt.Println(banner)
	log.Info().
		Str("version", version.Full()).
		Str("go_version", version.GoVersion()).
		Msg("Starting browserd")
}
