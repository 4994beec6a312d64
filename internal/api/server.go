// Package api serves the read-only status endpoints and Prometheus metrics.
// It exposes nothing mutable: all trading control stays inside the engine.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"krx-momentum/internal/config"
	"krx-momentum/internal/executor"
	"krx-momentum/internal/state"
)

// Server is the status HTTP server.
type Server struct {
	store  *state.Store
	olog   *executor.OrderLog
	http   *http.Server
	logger *slog.Logger
}

// NewServer builds the server on cfg.Port.
func NewServer(cfg config.APIConfig, store *state.Store, olog *executor.OrderLog, logger *slog.Logger) *Server {
	s := &Server{
		store:  store,
		olog:   olog,
		logger: logger.With("component", "api"),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/api/state", s.handleState)
	r.Get("/api/positions", s.handlePositions)
	r.Get("/api/orders/today", s.handleOrdersToday)
	r.Handle("/metrics", promhttp.Handler())

	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start serves until Stop. Blocks.
func (s *Server) Start() error {
	s.logger.Info("status server starting", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("status server: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.http.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.store.Snapshot())
}

func (s *Server) handlePositions(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.store.Positions())
}

func (s *Server) handleOrdersToday(w http.ResponseWriter, _ *http.Request) {
	attempts, err := s.olog.Today()
	if err != nil {
		s.logger.Error("read order log", "error", err)
		http.Error(w, "order log unavailable", http.StatusInternalServerError)
		return
	}
	if attempts == nil {
		attempts = []executor.Attempt{}
	}
	s.writeJSON(w, attempts)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}
