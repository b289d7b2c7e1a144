// Package handlers provides HTTP request handlers for the browser runtime's
// control API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/arintra/browserd/internal/assets"
	"github.com/arintra/browserd/internal/config"
	"github.com/arintra/browserd/internal/retry"
	"github.com/arintra/browserd/internal/runtime"
	"github.com/arintra/browserd/internal/runtimeerr"
	"github.com/arintra/browserd/internal/scheduler"
	"github.com/arintra/browserd/internal/security"
	"github.com/arintra/browserd/pkg/version"
)

// maxBodySize bounds request bodies to prevent memory exhaustion from a
// malicious or mistaken oversized launch payload.
const maxBodySize = 1 << 20 // 1MB

// Handler exposes the Orchestrator's lifecycle operations over HTTP.
type Handler struct {
	orc   *runtime.Orchestrator
	sched *scheduler.Scheduler
	cfg   *config.Config
}

// New creates a Handler wired to the given orchestrator, scheduler, and
// config (for the critical-operation timeouts).
func New(orc *runtime.Orchestrator, sched *scheduler.Scheduler, cfg *config.Config) *Handler {
	return &Handler{orc: orc, sched: sched, cfg: cfg}
}

// closeBody closes an io.ReadCloser and logs any error at debug level.
func closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		log.Debug().Err(err).Msg("error closing request body")
	}
}

// decodeBody reads and unmarshals a JSON request body into dst using a
// pooled buffer to reduce GC pressure.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer closeBody(r.Body)

	buf := getBuffer()
	defer putBuffer(buf)

	if _, err := io.Copy(buf, r.Body); err != nil {
		return err
	}
	if buf.Len() == 0 {
		return nil
	}
	return json.Unmarshal(buf.Bytes(), dst)
}

// HandleHealth reports current session state and scheduler backlog.
func (h *Handler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	startTime := time.Now()
	resp := HealthResponse{
		Status:    StatusOK,
		Message:   "browserd is ready",
		StartTime: startTime.UnixMilli(),
		EndTime:   time.Now().UnixMilli(),
		Version:   version.Full(),
		State:     string(h.orc.Current()),
		Pending:   h.sched.GetPendingCount(),
	}
	h.writeJSONResponse(w, http.StatusOK, resp)
}

// HandleIndex renders a human-readable status page at the root route.
func (h *Handler) HandleIndex(w http.ResponseWriter, _ *http.Request) {
	page, err := assets.RenderStatusPage(assets.StatusPageData{
		Version:   version.Full(),
		GoVersion: version.GoVersion(),
		State:     string(h.orc.Current()),
		Pending:   h.sched.GetPendingCount(),
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to render status page")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write([]byte(page)); err != nil {
		log.Error().Err(err).Msg("failed to write status page")
	}
}

// launchRequest is the decoded body of POST /session/launch and
// POST /session/start.
type launchRequest struct {
	runtime.SessionConfig
	RetryMaxAttempts int `json:"retryMaxAttempts,omitempty"`
}

// policy builds the retry.Policy for this launch from cfg's configured
// defaults, applying the request's override if present.
func (req launchRequest) policy(cfg *config.Config) *retry.Policy {
	maxAttempts, baseDelay, maxDelay, multiplier, jitter := cfg.RetryPolicyFields()
	if req.RetryMaxAttempts > 0 {
		maxAttempts = req.RetryMaxAttempts
	}
	return &retry.Policy{
		MaxAttempts:       maxAttempts,
		BaseDelay:         baseDelay,
		MaxDelay:          maxDelay,
		BackoffMultiplier: multiplier,
		Jitter:            jitter,
	}
}

// validateLaunchRequest rejects a launch payload before it ever reaches the
// orchestrator: blocked/oversized custom headers and SSRF-prone proxy URLs.
func (h *Handler) validateLaunchRequest(req *launchRequest) error {
	if err := security.ValidateHeaders(req.CustomHeaders); err != nil {
		return fmt.Errorf("invalid customHeaders: %w", err)
	}
	if err := security.ValidateProxyURL(req.ProxyURL, h.cfg.AllowLocalProxies); err != nil {
		return fmt.Errorf("invalid proxyUrl: %w", err)
	}
	return nil
}

// HandleLaunch implements POST /session/launch: launch(cfg) (§4.8),
// idempotent when a similar config is already live.
func (h *Handler) HandleLaunch(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var req launchRequest
	if err := decodeBody(w, r, &req); err != nil {
		log.Warn().Err(err).Msg("failed to decode launch request")
		h.writeError(w, http.StatusBadRequest, "invalid JSON request", startTime)
		return
	}
	if err := h.validateLaunchRequest(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error(), startTime)
		return
	}

	err := h.sched.RunCritical(r.Context(), "launch", h.cfg.LaunchTimeout, func(ctx context.Context) error {
		return h.orc.Launch(ctx, req.SessionConfig, req.policy(h.cfg))
	})
	if err != nil {
		h.writeRuntimeError(w, err, startTime)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, Response{
		Status:    StatusOK,
		Message:   "session launched",
		StartTime: startTime.UnixMilli(),
		EndTime:   time.Now().UnixMilli(),
		Version:   version.Full(),
		State:     string(h.orc.Current()),
	})
}

// HandleStartNewSession implements POST /session/start: startNewSession(cfg)
// (§4.8) — always closes a live session first, then launches.
func (h *Handler) HandleStartNewSession(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var req launchRequest
	if err := decodeBody(w, r, &req); err != nil {
		log.Warn().Err(err).Msg("failed to decode start-new-session request")
		h.writeError(w, http.StatusBadRequest, "invalid JSON request", startTime)
		return
	}
	if err := h.validateLaunchRequest(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error(), startTime)
		return
	}

	err := h.sched.RunCritical(r.Context(), "startNewSession", h.cfg.LaunchTimeout, func(ctx context.Context) error {
		return h.orc.StartNewSession(ctx, req.SessionConfig)
	})
	if err != nil {
		h.writeRuntimeError(w, err, startTime)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, Response{
		Status:    StatusOK,
		Message:   "session restarted",
		StartTime: startTime.UnixMilli(),
		EndTime:   time.Now().UnixMilli(),
		Version:   version.Full(),
		State:     string(h.orc.Current()),
	})
}

// HandleEndSession implements POST /session/end: endSession() (§4.8).
func (h *Handler) HandleEndSession(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	err := h.sched.RunCritical(r.Context(), "endSession", h.cfg.CriticalTimeout, func(ctx context.Context) error {
		return h.orc.EndSession(ctx)
	})
	if err != nil {
		h.writeRuntimeError(w, err, startTime)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, Response{
		Status:    StatusOK,
		Message:   "session ended",
		StartTime: startTime.UnixMilli(),
		EndTime:   time.Now().UnixMilli(),
		Version:   version.Full(),
		State:     string(h.orc.Current()),
	})
}

// HandleGetState implements GET /session/state: getBrowserState() (§4.7).
func (h *Handler) HandleGetState(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var result any
	err := h.sched.RunCritical(r.Context(), "getBrowserState", h.cfg.CriticalTimeout, func(ctx context.Context) error {
		state, err := h.orc.GetBrowserState(ctx)
		if err != nil {
			return err
		}
		result = state
		return nil
	})
	if err != nil {
		h.writeRuntimeError(w, err, startTime)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, Response{
		Status:    StatusOK,
		StartTime: startTime.UnixMilli(),
		EndTime:   time.Now().UnixMilli(),
		Version:   version.Full(),
		State:     string(h.orc.Current()),
		Result:    result,
	})
}

// HandleStatus implements GET /session/status: a cheap, non-critical read
// of the current state tag, with no browser interaction.
func (h *Handler) HandleStatus(w http.ResponseWriter, _ *http.Request) {
	startTime := time.Now()
	h.writeJSONResponse(w, http.StatusOK, Response{
		Status:    StatusOK,
		StartTime: startTime.UnixMilli(),
		EndTime:   time.Now().UnixMilli(),
		Version:   version.Full(),
		State:     string(h.orc.Current()),
	})
}

// HandleCDPProxy implements GET /cdp: proxyWebSocket (§4.6). The upgrade
// itself writes directly to the hijacked connection; only pre-upgrade
// failures reach writeRuntimeError.
func (h *Handler) HandleCDPProxy(w http.ResponseWriter, r *http.Request) {
	if err := h.orc.ProxyWebSocket(w, r); err != nil {
		h.writeRuntimeError(w, err, time.Now())
	}
}

// writeRuntimeError maps a runtime/retry error to an HTTP status and writes
// the standard error envelope.
func (h *Handler) writeRuntimeError(w http.ResponseWriter, err error, startTime time.Time) {
	var retryErr *retry.RetryError
	cause := err
	if errors.As(err, &retryErr) {
		cause = retryErr.LastError
	}
	status := statusForKind(runtimeerr.KindOf(cause))
	h.writeError(w, status, err.Error(), startTime)
}

func statusForKind(kind runtimeerr.Kind) int {
	switch kind {
	case runtimeerr.KindConfigurationInvalid:
		return http.StatusBadRequest
	case runtimeerr.KindInvalidState, runtimeerr.KindBrowserNotInit:
		return http.StatusConflict
	case runtimeerr.KindResourceUnavailable, runtimeerr.KindWebSocketNotReady:
		return http.StatusServiceUnavailable
	case runtimeerr.KindLaunchTimeout, runtimeerr.KindCriticalTimeout:
		return http.StatusGatewayTimeout
	case runtimeerr.KindBrowserProcess, runtimeerr.KindNetworkLaunch:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes an error response with the given HTTP status.
func (h *Handler) writeError(w http.ResponseWriter, statusCode int, message string, startTime time.Time) {
	resp := Response{
		Status:    StatusError,
		Message:   message,
		StartTime: startTime.UnixMilli(),
		EndTime:   time.Now().UnixMilli(),
		Version:   version.Full(),
	}
	h.writeJSONResponse(w, statusCode, resp)
}

// writeJSONResponse buffers JSON before writing so encoding errors are
// caught before headers are sent, avoiding partial responses.
func (h *Handler) writeJSONResponse(w http.ResponseWriter, statusCode int, resp any) {
	buf := getResponseBuffer()
	defer putResponseBuffer(buf)

	if err := json.NewEncoder(buf).Encode(resp); err != nil {
		log.Error().Err(err).Msg("failed to encode JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		if _, werr := w.Write([]byte(`{"status":"error","message":"internal encoding error"}`)); werr != nil {
			log.Error().Err(werr).Msg("failed to write fallback error response")
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(buf.Bytes()); err != nil {
		log.Error().Err(err).Msg("failed to write JSON response")
	}
}
