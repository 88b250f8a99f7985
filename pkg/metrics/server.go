package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/arl/statsviz"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server serves /metrics, /healthz and, while profiling is enabled, the
// statsviz dashboard under /debug/statsviz/.
type Server struct {
	srv       *http.Server
	profiling atomic.Bool
}

// NewServer builds the ops server listening on addr. gatherer defaults to the
// Prometheus default gatherer when nil.
func NewServer(addr string, gatherer prometheus.Gatherer) (*Server, error) {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{}
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	viz, err := statsviz.NewServer()
	if err != nil {
		return nil, err
	}
	r.Handle("/debug/statsviz/ws", s.gated(viz.Ws()))
	r.PathPrefix("/debug/statsviz/").Handler(s.gated(viz.Index()))

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Handler returns the router, for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// SetProfiling toggles the statsviz endpoints.
func (s *Server) SetProfiling(enabled bool) { s.profiling.Store(enabled) }

// Profiling reports whether the statsviz endpoints are served.
func (s *Server) Profiling() bool { return s.profiling.Load() }

// ListenAndServe blocks until the server stops. A clean Shutdown returns nil.
func (s *Server) ListenAndServe() error {
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error { return s.srv.Shutdown(ctx) }

func (s *Server) gated(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.profiling.Load() {
			http.NotFound(w, r)
			return
		}
		h.ServeHTTP(w, r)
	})
}
