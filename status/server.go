// Package status serves a small read-only HTTP endpoint for operators and health checks.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// ClaimCounter reports carriers currently in flight. server.ClaimSet implements it.
type ClaimCounter interface {
	Len() int
}

// CommandCounter reports commands written to the child. transport.Outbound implements it.
type CommandCounter interface {
	Count() uint64
}

// HealthzResponse is the body of GET /healthz.
type HealthzResponse struct {
	Status          string `json:"status"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
	InFlight        int    `json:"in_flight"`
	CommandsWritten uint64 `json:"commands_written"`
	WatchRoot       string `json:"watch_root"`
}

type Config struct {
	Listen    string
	WatchRoot string
}

// Server represents the status HTTP server
type Server struct {
	config    Config
	claims    ClaimCounter
	commands  CommandCounter
	logger    *zap.Logger
	server    *http.Server
	startedAt time.Time
}

func New(config Config, claims ClaimCounter, commands CommandCounter, logger *zap.Logger) *Server {
	return &Server{
		config:    config,
		claims:    claims,
		commands:  commands,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Handler returns the routed handler without binding a socket.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start serves until ctx is done (blocking). A clean shutdown returns nil.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("status listen: %w", err)
	}
	return s.Serve(ctx, listener)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.server = &http.Server{
		Handler:      s.setupRoutes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("status server starting", zap.String("listen", listener.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("status shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("status server error: %w", err)
	}
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:          "ok",
		UptimeSeconds:   int64(time.Since(s.startedAt).Seconds()),
		InFlight:        s.claims.Len(),
		CommandsWritten: s.commands.Count(),
		WatchRoot:       s.config.WatchRoot,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to write healthz response", zap.Error(err))
	}
}
