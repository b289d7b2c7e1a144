package handlers

import "net/http"

// NewRouter wires the Handler's endpoints onto a ServeMux: session
// lifecycle routes plus health. Metrics are mounted separately in
// cmd/browserd (promhttp.Handler is self-contained).
func NewRouter(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", h.HandleIndex)
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("POST /session/launch", h.HandleLaunch)
	mux.HandleFunc("POST /session/start", h.HandleStartNewSession)
	mux.HandleFunc("POST /session/end", h.HandleEndSession)
	mux.HandleFunc("GET /session/state", h.HandleGetState)
	mux.HandleFunc("GET /session/status", h.HandleStatus)
	mux.HandleFunc("GET /cdp", h.HandleCDPProxy)

	return mux
}
