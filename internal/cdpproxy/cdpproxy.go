// Package cdpproxy implements the CDP Proxy (C6): proxying a client
// WebSocket to the browser's CDP endpoint with per-connection cleanup
// idempotency and isolation (§4.6).
//
// The cleanup-closure-plus-sync.Once idiom is grounded on the teacher's
// internal/browser/proxy.go (SetPageProxy's listener cleanup). gorilla/
// websocket is the transport library, exercised the same way several pack
// repos (streamspace-dev-streamspace, muqo16-vg-hitbot) use it for
// client-to-backend proxying.
package cdpproxy

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/arintra/browserd/internal/runtimeerr"
)

// Handler lets callers override the default proxy behavior entirely
// (§4.8's setProxyWebSocketHandler).
type Handler func(w http.ResponseWriter, r *http.Request)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Proxy pipes one client WebSocket connection to the browser's CDP
// WebSocket endpoint.
type Proxy struct {
	log zerolog.Logger

	mu      sync.Mutex
	custom  Handler
	liveEndpoint func() string
}

// New constructs a Proxy. wsEndpointFn should return the current live CDP
// endpoint, or "" if the browser is not live.
func New(log zerolog.Logger, wsEndpointFn func() string) *Proxy {
	return &Proxy{
		log:          log.With().Str("component", "cdp_proxy").Logger(),
		liveEndpoint: wsEndpointFn,
	}
}

// SetHandler overrides ServeWebSocket entirely (§4.8).
func (p *Proxy) SetHandler(h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.custom = h
}

// ServeWebSocket upgrades req/w to a WebSocket and proxies it to the live
// CDP endpoint (§4.6 steps 1-5).
func (p *Proxy) ServeWebSocket(w http.ResponseWriter, r *http.Request) error {
	p.mu.Lock()
	custom := p.custom
	p.mu.Unlock()

	if custom != nil {
		custom(w, r)
		return nil
	}

	endpoint := ""
	if p.liveEndpoint != nil {
		endpoint = p.liveEndpoint()
	}
	if endpoint == "" {
		return runtimeerr.New(runtimeerr.KindWebSocketNotReady, "proxyWebSocket", false, fmt.Errorf("no live CDP endpoint"))
	}

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrade client connection: %w", err)
	}

	upstreamConn, _, err := websocket.DefaultDialer.Dial(endpoint, nil)
	if err != nil {
		clientConn.Close()
		return fmt.Errorf("dial upstream CDP endpoint: %w", err)
	}

	p.pipe(clientConn, upstreamConn)
	return nil
}

// pipe runs the bidirectional copy loop and installs an idempotent cleanup
// closure triggered by either side's close/error, mirroring
// internal/browser/proxy.go's cleanup-once idiom. Per-connection isolation
// is structural: each call to pipe owns its own sockets and goroutines, so
// one client's disconnect never touches another connection's sockets.
func (p *Proxy) pipe(client, upstream *websocket.Conn) {
	var once sync.Once
	done := make(chan struct{})
	cleanup := func() {
		once.Do(func() {
			client.Close()
			upstream.Close()
			close(done)
		})
	}
	defer cleanup()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer cleanup()
		for {
			mt, data, err := client.ReadMessage()
			if err != nil {
				return
			}
			if err := upstream.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}()

	go func() {
		defer wg.Done()
		defer cleanup()
		for {
			mt, data, err := upstream.ReadMessage()
			if err != nil {
				return
			}
			if err := client.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}()

	wg.Wait()
}

// WatchBrowserClose calls onClose once when closed fires, unless ctx is
// done first, without blocking the caller. The Proxy does not track
// in-flight proxied connections and does not close them here; each
// connection is torn down by pipe when one of its own sockets fails.
func (p *Proxy) WatchBrowserClose(ctx context.Context, closed <-chan struct{}, onClose func()) {
	go func() {
		select {
		case <-ctx.Done():
		case <-closed:
			onClose()
		}
	}()
}
