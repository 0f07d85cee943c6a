// Package cockpit serves the operator HTTP API: flow summaries with
// diagrams, instance listings, error groups, per-instance timelines, and
// the mutating actions (retry, cancel, stage override, event injection).
package cockpit

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"git.home.luguber.info/inful/flowlite/internal/logfields"
	"git.home.luguber.info/inful/flowlite/observer"
)

// Options configures the cockpit server.
type Options struct {
	Listen   string
	Facade   *observer.Facade
	Logger   *slog.Logger
	Registry *prometheus.Registry // nil disables the /metrics endpoint
}

// Server is the cockpit HTTP server.
type Server struct {
	facade *observer.Facade
	log    *slog.Logger
	srv    *http.Server
}

// New builds the server and its routes.
func New(opts Options) (*Server, error) {
	if opts.Facade == nil {
		return nil, fmt.Errorf("cockpit: facade is required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Server{facade: opts.Facade, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/flows", s.handleListFlows)
	mux.HandleFunc("GET /api/instances", s.handleListInstances)
	mux.HandleFunc("GET /api/errors", s.handleListErrors)
	mux.HandleFunc("GET /api/instances/{flow}/{id}/history", s.handleTimeline)
	mux.HandleFunc("POST /api/instances/{flow}/{id}/retry", s.handleRetry)
	mux.HandleFunc("POST /api/instances/{flow}/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /api/instances/{flow}/{id}/stage", s.handleChangeStage)
	mux.HandleFunc("POST /api/instances/{flow}/{id}/events", s.handleSendEvent)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if opts.Registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{}))
	}

	s.srv = &http.Server{
		Addr:              opts.Listen,
		Handler:           s.logRequests(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start serves until Shutdown; it always returns a non-nil error
// (http.ErrServerClosed after a clean shutdown).
func (s *Server) Start() error {
	s.log.Info("Cockpit listening", slog.String("addr", s.srv.Addr))
	return s.srv.ListenAndServe()
}

// Shutdown drains in-flight requests bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("Request handled",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			logfields.DurationMS(float64(time.Since(start).Microseconds())/1000.0))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
