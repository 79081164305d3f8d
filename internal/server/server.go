// Package server exposes the orchestrator's four operations over HTTP.
// Authentication and protocol adaptation belong to the outer API boundary;
// this server is the narrow internal surface.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"qplane/internal/server/middleware"
)

// Server is the HTTP server for the orchestrator API.
type Server struct {
	httpServer *http.Server
}

// New creates the server. metricsHandler may be nil when metrics are
// disabled.
func New(addr string, h *Handlers, metricsHandler http.Handler, log *slog.Logger) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /jobs", h.SubmitJob)
	mux.HandleFunc("GET /jobs/{id}", h.JobStatus)
	mux.HandleFunc("POST /jobs/{id}/cancel", h.CancelJob)
	mux.HandleFunc("GET /jobs/{id}/events", h.JobEvents)
	mux.HandleFunc("GET /healthz", h.Health)

	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}

	handler := middleware.RequestID(middleware.Logging(log)(middleware.RateLimit(mux)))

	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      handler,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
	}
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
