// Package transport exposes the worker protocol over WebSocket and a small
// HTTP surface for health and info.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/raaihank/sam2-worker/internal/codec"
	"github.com/raaihank/sam2-worker/internal/config"
	"github.com/raaihank/sam2-worker/internal/decoder"
	"github.com/raaihank/sam2-worker/internal/logger"
	"github.com/raaihank/sam2-worker/internal/runtime"
	"github.com/raaihank/sam2-worker/internal/worker"
)

// SessionProvider is the shared session manager.
type SessionProvider interface {
	worker.SessionLoader
	Backend() runtime.Backend
}

// Options are the shared collaborators handed to every connection's router.
type Options struct {
	Version  string
	Models   worker.ModelSource
	Sessions SessionProvider
	Encoder  worker.ImageEncoder
	Codec    *codec.Codec
	Engine   *decoder.Engine
}

// Server represents the HTTP and WebSocket server
type Server struct {
	config  *config.Config
	logger  *logger.Logger
	opts    Options
	router  *mux.Router
	server  *http.Server
	hub     *Hub
	started time.Time
}

// New creates a new server instance
func New(cfg *config.Config, log *logger.Logger, opts Options) *Server {
	s := &Server{
		config:  cfg,
		logger:  log.WithComponent("transport"),
		opts:    opts,
		router:  mux.NewRouter(),
		started: time.Now(),
	}
	s.hub = NewHub(&cfg.WebSocket, s.newRouter, log.WithComponent("websocket"))

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/info", s.handleInfo).Methods("GET")

	if s.config.WebSocket.Enabled {
		s.router.HandleFunc(s.config.WebSocket.Path, s.hub.HandleWebSocket).Methods("GET")
	}
}

// newRouter builds the pipeline of one connection.
func (s *Server) newRouter(sink worker.Sink, log *zap.Logger) *worker.Router {
	return worker.NewRouter(worker.Options{
		Models:    s.opts.Models,
		Sessions:  s.opts.Sessions,
		Encoder:   s.opts.Encoder,
		Codec:     s.opts.Codec,
		Engine:    s.opts.Engine,
		QueueSize: s.config.Worker.QueueSize,
		Logger:    log,
	}, sink)
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("Starting sam2-worker server",
		zap.Int("port", s.config.Server.Port),
		zap.String("websocket_path", s.config.WebSocket.Path),
		zap.String("model_url", s.config.Model.URL),
		zap.String("cache_type", s.config.Cache.Type),
	)
	return s.server.ListenAndServe()
}

// Stop gracefully stops the HTTP server and closes open connections.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping sam2-worker server")
	s.hub.CloseAll()
	return s.server.Shutdown(ctx)
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","timestamp":"%s"}`, time.Now().Format(time.RFC3339))
}

// handleInfo handles info requests
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	backend := ""
	if s.opts.Sessions != nil {
		backend = string(s.opts.Sessions.Backend())
	}
	stats := s.hub.GetStats()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"name":               "sam2-worker",
		"version":            s.opts.Version,
		"backend":            backend,
		"active_connections": stats.ActiveConnections,
		"total_connections":  stats.TotalConnections,
		"websocket_path":     s.config.WebSocket.Path,
		"uptime":             time.Since(s.started).Round(time.Second).String(),
	})
}
