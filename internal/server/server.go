// Package server exposes the daemon's request channel: a JSON RPC endpoint
// plus a websocket that carries the same requests and streams core events to
// the client.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/HedgeQuantX/HedgeQuantX-sub003/internal/daemon"
	"github.com/HedgeQuantX/HedgeQuantX-sub003/internal/events"
	"github.com/HedgeQuantX/HedgeQuantX-sub003/internal/reconnect"
	"github.com/HedgeQuantX/HedgeQuantX-sub003/internal/session"
	"github.com/HedgeQuantX/HedgeQuantX-sub003/internal/strategy"
	"github.com/HedgeQuantX/HedgeQuantX-sub003/pkg/broker"
	"github.com/HedgeQuantX/HedgeQuantX-sub003/pkg/config"
	"github.com/HedgeQuantX/HedgeQuantX-sub003/pkg/metrics"
)

// Server wires the HTTP surface over the core components.
type Server struct {
	cfg      *config.Config
	daemon   *daemon.Daemon
	rec      *reconnect.Manager
	sessions *session.Registry
	catalog  *strategy.Catalog
	bus      *events.Bus
	feeds    broker.FeedFactory

	// base outlives any single request. Engine loops run on it; tying
	// them to a request context would kill them the moment the handler
	// returns.
	base context.Context

	httpSrv *http.Server
	started time.Time
}

// New builds the server. base bounds the lifetime of engines started over
// RPC; feeds provides a fresh tick feed per engine.
func New(base context.Context, cfg *config.Config, d *daemon.Daemon, rec *reconnect.Manager, sessions *session.Registry, catalog *strategy.Catalog, bus *events.Bus, feeds broker.FeedFactory) *Server {
	if base == nil {
		base = context.Background()
	}
	return &Server{
		cfg:      cfg,
		base:     base,
		daemon:   d,
		rec:      rec,
		sessions: sessions,
		catalog:  catalog,
		bus:      bus,
		feeds:    feeds,
		started:  time.Now(),
	}
}

// Router builds the gin handler.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	r.POST("/rpc", s.handleRPC)
	r.GET("/ws", s.handleWS)
	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Printf("server: listening on %s", s.cfg.ListenAddr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddr, err)
	}
	return nil
}

// Shutdown stops accepting requests and drains in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"uptime":      time.Since(s.started).String(),
		"connections": len(s.daemon.Records()),
		"sessions":    len(s.sessions.List()),
	})
}
