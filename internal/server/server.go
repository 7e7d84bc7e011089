// Package server owns the network surface of LingoCast: the WebSocket
// endpoint, the signed audio route, health probes, metrics, and the
// background maintenance sweeps.
//
// The server accepts connections, enforces the connection budget and the
// handshake grace window, runs heartbeats, and hands every inbound frame to
// the router. All protocol semantics live in the router; this package only
// moves bytes and lifecycles.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/lingocast/lingocast/internal/audiocache"
	"github.com/lingocast/lingocast/internal/health"
	"github.com/lingocast/lingocast/internal/identity"
	"github.com/lingocast/lingocast/internal/observe"
	"github.com/lingocast/lingocast/internal/registry"
	"github.com/lingocast/lingocast/internal/router"
)

// Config parameterizes a [Server].
type Config struct {
	// Addr is the host:port bind address.
	Addr string

	// AuthGrace is how long a fresh connection may stay unauthenticated
	// (admins) or unjoined (listeners) before it is closed.
	AuthGrace time.Duration

	// HeartbeatInterval is the ping cadence; HeartbeatTimeout is how long to
	// wait for the pong. Zero disables heartbeats.
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// IdleTimeout closes sockets with no inbound frames. Zero disables.
	IdleTimeout time.Duration

	// DrainPeriod is how long outbound queues flush during shutdown.
	DrainPeriod time.Duration

	// OutboundQueueSize is the per-connection outbound queue capacity.
	OutboundQueueSize int

	// MaxConnections is the total concurrent WebSocket budget.
	MaxConnections int

	// AudioRateLimit is the per-client request budget on /audio per minute.
	AudioRateLimit int

	// SweepInterval is the cadence of the background maintenance pass.
	SweepInterval time.Duration

	// IdentityRetention is how long an idle identity with no owned sessions
	// survives the sweep.
	IdentityRetention time.Duration
}

// Server is the LingoCast network front end.
type Server struct {
	cfg     Config
	router  *router.Router
	reg     *registry.Registry
	ids     *identity.FileStore
	cache   *audiocache.Cache
	metrics *observe.Metrics
	logger  *slog.Logger
	probes  *health.Handler

	conns atomic.Int64
}

// New creates a Server over the given components.
func New(cfg Config, rt *router.Router, reg *registry.Registry, ids *identity.FileStore,
	cache *audiocache.Cache, metrics *observe.Metrics, logger *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		router:  rt,
		reg:     reg,
		ids:     ids,
		cache:   cache,
		metrics: metrics,
		logger:  logger,
	}
	s.probes = health.New(
		health.Probe{Name: "identity", Check: func(context.Context) error { return ids.Writable() }},
		health.Probe{Name: "sessions", Check: func(context.Context) error { return reg.Writable() }},
	)
	return s
}

// Handler builds the full HTTP surface. The WebSocket route bypasses the
// observability middleware because the hijacked connection cannot go through
// a wrapped ResponseWriter.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /audio/{fingerprint}",
		httprate.LimitByIP(s.cfg.AudioRateLimit, time.Minute)(s.cache.Handler()))
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	s.probes.Register(mux)
	instrumented := observe.Middleware(s.metrics)(mux)

	root := http.NewServeMux()
	root.HandleFunc("GET /ws", s.handleWS)
	root.Handle("/", instrumented)
	return root
}

// Run serves until ctx is cancelled, then drains and shuts down cleanly.
func (s *Server) Run(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("listening", "addr", s.cfg.Addr)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		s.maintenanceLoop(ctx)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		s.logger.Info("shutting down", "drain", s.cfg.DrainPeriod)
		s.router.Shutdown()
		time.Sleep(s.cfg.DrainPeriod)
		shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shCtx)
	})
	return g.Wait()
}

// maintenanceLoop periodically ages out cache blobs, terminal sessions, and
// stale identities.
func (s *Server) maintenanceLoop(ctx context.Context) {
	if s.cfg.SweepInterval <= 0 {
		<-ctx.Done()
		return
	}
	t := time.NewTicker(s.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if n := s.cache.SweepAge(); n > 0 {
				s.logger.Info("audio cache sweep", "removed", n)
			}
			if n, err := s.reg.Sweep(); err != nil {
				s.logger.Warn("session sweep", "removed", n, "error", err)
			}
			owners := make(map[string]bool)
			for _, sess := range s.reg.List() {
				owners[sess.OwnerAdminID] = true
			}
			cutoff := time.Now().Add(-s.cfg.IdentityRetention)
			if n, err := s.ids.Sweep(cutoff, func(adminID string) bool { return owners[adminID] }); err != nil {
				s.logger.Warn("identity sweep", "removed", n, "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// handleWS upgrades the socket and runs the connection until it closes.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	role := router.Role(r.URL.Query().Get("role"))
	if role == "" {
		role = router.RoleListener
	}
	if !role.IsValid() {
		http.Error(w, "unknown role", http.StatusBadRequest)
		return
	}
	if s.conns.Add(1) > int64(s.cfg.MaxConnections) {
		s.conns.Add(-1)
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}

	sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.conns.Add(-1)
		s.logger.Debug("websocket accept failed", "error", err)
		return
	}

	c := newWSConn(sock, s.cfg.OutboundQueueSize, s.logger)
	ctx := r.Context()
	s.metrics.ConnectionOpened(ctx, string(role))
	s.router.Register(c, role)
	defer func() {
		s.router.Disconnect(c.id)
		c.Kick("connection closed")
		s.metrics.ConnectionClosed(context.Background(), string(role))
		s.conns.Add(-1)
	}()

	go c.writeLoop(ctx)
	go s.heartbeat(ctx, c)

	// Connections that never complete their opening handshake are dropped
	// when the grace window closes.
	grace := time.AfterFunc(s.cfg.AuthGrace, func() {
		if !s.router.IsReady(c.id) {
			c.Kick("handshake timeout")
		}
	})
	defer grace.Stop()

	s.readLoop(ctx, c)
}

func (s *Server) readLoop(ctx context.Context, c *wsConn) {
	for {
		rctx := ctx
		cancel := context.CancelFunc(func() {})
		if s.cfg.IdleTimeout > 0 {
			rctx, cancel = context.WithTimeout(ctx, s.cfg.IdleTimeout)
		}
		typ, data, err := c.sock.Read(rctx)
		cancel()
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		s.router.HandleFrame(ctx, c.id, data)
	}
}

// heartbeat pings on a fixed cadence and kicks the connection when a pong
// does not come back in time.
func (s *Server) heartbeat(ctx context.Context, c *wsConn) {
	if s.cfg.HeartbeatInterval <= 0 {
		return
	}
	t := time.NewTicker(s.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, s.cfg.HeartbeatTimeout)
			err := c.sock.Ping(pctx)
			cancel()
			if err != nil {
				c.Kick("heartbeat timeout")
				return
			}
		case <-c.closed:
			return
		case <-ctx.Done():
			return
		}
	}
}

// healthBody is the /health response.
type healthBody struct {
	Status            string       `json:"status"`
	Router            router.Stats `json:"router"`
	CacheCount        int          `json:"cacheArtifacts"`
	CacheBytes        int64        `json:"cacheBytes"`
	Quarantine        []string     `json:"quarantinedIdentities,omitempty"`
	SessionQuarantine []string     `json:"quarantinedSessions,omitempty"`
}

// handleHealth reports the live operational census.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	count, bytes := s.cache.Stats()
	body := healthBody{
		Status:            "ok",
		Router:            s.router.Snapshot(),
		CacheCount:        count,
		CacheBytes:        bytes,
		Quarantine:        s.ids.Quarantined(),
		SessionQuarantine: s.reg.Quarantined(),
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
