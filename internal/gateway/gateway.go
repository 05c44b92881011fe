// Package gateway terminates client WebSocket connections and translates
// JSON frames into router calls.
package gateway

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/pairchat/internal/identity"
	"github.com/eldtechnologies/pairchat/internal/metrics"
	"github.com/eldtechnologies/pairchat/internal/router"
)

// Config tunes the gateway.
type Config struct {
	SendBuffer     int      // outbound frames queued per connection
	AllowedOrigins []string // empty or "*" allows every origin
}

// Gateway is an http.Handler that upgrades each request to a WebSocket
// connection.
type Gateway struct {
	router   *router.Router
	resolver identity.Resolver
	log      zerolog.Logger
	upgrader websocket.Upgrader
	buffer   int

	mu    sync.Mutex
	conns map[string]*Conn
	wg    sync.WaitGroup
}

// New creates a gateway that routes frames through rt and resolves handles
// with resolver.
func New(rt *router.Router, resolver identity.Resolver, logger zerolog.Logger, cfg Config) *Gateway {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	return &Gateway{
		router:   rt,
		resolver: resolver,
		log:      logger.With().Str("component", "gateway").Logger(),
		upgrader: makeUpgrader(cfg.AllowedOrigins),
		buffer:   cfg.SendBuffer,
		conns:    make(map[string]*Conn),
	}
}

func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		g.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := newConn(g, uuid.NewString(), ws)
	g.track(c)
	defer g.untrack(c)

	c.log.Debug().Str("remote", r.RemoteAddr).Msg("connection opened")
	c.serve()
	c.log.Debug().Msg("connection closed")
}

func (g *Gateway) track(c *Conn) {
	g.mu.Lock()
	g.conns[c.id] = c
	g.mu.Unlock()
	g.wg.Add(1)
	metrics.ConnectionsActive.Inc()
}

func (g *Gateway) untrack(c *Conn) {
	g.mu.Lock()
	delete(g.conns, c.id)
	g.mu.Unlock()
	metrics.ConnectionsActive.Dec()
	g.wg.Done()
}

// Count returns the number of open connections.
func (g *Gateway) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Shutdown asks every open connection to close and waits for them to be
// torn down, or for ctx to expire.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	open := make([]*Conn, 0, len(g.conns))
	for _, c := range g.conns {
		open = append(open, c)
	}
	g.mu.Unlock()

	for _, c := range open {
		c.close()
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
