// Package metrics provides Prometheus metrics for monitoring the browser
// runtime.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SessionLaunchesTotal counts launch attempts by outcome.
	SessionLaunchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "browserd_session_launches_total",
			Help: "Total session launch attempts by outcome",
		},
		[]string{"outcome"},
	)

	// SessionLaunchDuration tracks end-to-end launch latency, including
	// retries.
	SessionLaunchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "browserd_session_launch_duration_seconds",
			Help:    "Session launch duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~400s
		},
	)

	// SessionState shows the current session state as a one-hot gauge per
	// state label, mirroring the teacher's BuildInfo label-as-value idiom.
	SessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "browserd_session_state",
			Help: "Current session state (1 for the active state, 0 otherwise)",
		},
		[]string{"state"},
	)

	// PluginHookErrorsTotal counts isolated plugin hook failures by plugin
	// and hook name.
	PluginHookErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "browserd_plugin_hook_errors_total",
			Help: "Total plugin hook errors by plugin and hook",
		},
		[]string{"plugin", "hook"},
	)

	// SchedulerPendingTasks shows the number of tracked background tasks.
	SchedulerPendingTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "browserd_scheduler_pending_tasks",
			Help: "Number of background tasks currently tracked by the scheduler",
		},
	)

	// RetryAttemptsTotal counts retry attempts by operation name.
	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "browserd_retry_attempts_total",
			Help: "Total retry attempts by operation",
		},
		[]string{"op"},
	)

	// MemoryUsageBytes shows current memory usage.
	MemoryUsageBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "browserd_memory_usage_bytes",
			Help: "Current memory usage in bytes (alloc)",
		},
	)

	// MemorySysBytes shows system memory obtained.
	MemorySysBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "browserd_memory_sys_bytes",
			Help: "Total memory obtained from system",
		},
	)

	// GoroutineCount shows current goroutine count.
	GoroutineCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "browserd_goroutines",
			Help: "Current number of goroutines",
		},
	)

	// BuildInfo provides build information as labels.
	BuildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "browserd_build_info",
			Help: "Build information",
		},
		[]string{"version", "go_version"},
	)
)

func init() {
	prometheus.MustRegister(
		SessionLaunchesTotal,
		SessionLaunchDuration,
		SessionState,
		PluginHookErrorsTotal,
		SchedulerPendingTasks,
		RetryAttemptsTotal,
		MemoryUsageBytes,
		MemorySysBytes,
		GoroutineCount,
		BuildInfo,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, goVersion string) {
	BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// StartMemoryCollector starts a goroutine that periodically updates memory
// metrics until stopCh is closed.
func StartMemoryCollector(interval time.Duration, stopCh <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				updateMemoryMetrics()
			case <-stopCh:
				return
			}
		}
	}()
}

func updateMemoryMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryUsageBytes.Set(float64(m.Alloc))
	MemorySysBytes.Set(float64(m.Sys))
	GoroutineCount.Set(float64(runtime.NumGoroutine()))
}

// RecordLaunch records the outcome and duration of a launch attempt.
func RecordLaunch(outcome string, duration time.Duration) {
	SessionLaunchesTotal.WithLabelValues(outcome).Inc()
	SessionLaunchDuration.Observe(duration.Seconds())
}

// RecordPluginHookError records an isolated plugin hook failure.
func RecordPluginHookError(plugin, hook string) {
	PluginHookErrorsTotal.WithLabelValues(plugin, hook).Inc()
}

// RecordRetryAttempt records a single retry attempt for op.
func RecordRetryAttempt(op string) {
	RetryAttemptsTotal.WithLabelValues(op).Inc()
}

// SetSessionState sets the gauge for state to 1 and clears the others. The
// caller passes the full set of known states so stale labels are zeroed.
func SetSessionState(current string, allStates []string) {
	for _, s := range allStates {
		if s == current {
			SessionState.WithLabelValues(s).Set(1)
		} else {
			SessionState.WithLabelValues(s).Set(0)
		}
	}
}

// SetPendingTasks updates the scheduler pending-task gauge.
func SetPendingTasks(n int) {
	SchedulerPendingTasks.Set(float64(n))
}
