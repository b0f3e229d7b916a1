// Package admin serves health, status and Prometheus metrics over HTTP.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 5 * time.Second

// NewRouter registers the admin routes
func NewRouter(handlers *Handlers) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", handlers.handleHealth)
	r.Get("/status", handlers.handleStatus)
	r.Get("/metrics", handlers.handleMetrics)

	return r
}

// Server is the admin HTTP server
type Server struct {
	http *http.Server
}

// NewServer creates an admin server listening on address:port
func NewServer(address string, port int, handlers *Handlers) *Server {
	return &Server{
		http: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", address, port),
			Handler:           NewRouter(handlers),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Serve runs the server until ctx is cancelled
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("address", s.http.Addr).Msg("Admin endpoint listening at /healthz, /status, /metrics")
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("admin server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("admin server shutdown: %w", err)
	}
	return nil
}
