// Package opshttp serves the operational HTTP surface: Prometheus metrics
// and liveness and readiness checks. No PHI is reachable through it.
package opshttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/justincihi/cognisync/internal/logging"
	"github.com/justincihi/cognisync/internal/server/metrics"
)

const readyTimeout = 2 * time.Second

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// routePattern labels requests by their chi route, keeping metric
// cardinality bounded.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

func NewRouter(m *metrics.Metrics, db Pinger, log logging.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(m.Instrument(routePattern))

	r.Handle("/metrics", m.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), readyTimeout)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			log.Warn(ctx, "readiness check failed", "err", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "database": "down"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "database": "up"})
	})
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Server runs the ops router until its context is done.
type Server struct {
	srv *http.Server
	log logging.Logger
}

func NewServer(addr string, h http.Handler, log logging.Logger) *Server {
	return &Server{
		srv: &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second},
		log: log.With("module", "ops_http"),
	}
}

func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		s.log.Info(ctx, "Stopping ops HTTP server...")
		_ = s.srv.Shutdown(shutdownCtx)
	}()

	s.log.Info(ctx, "Starting ops HTTP server", "address", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
