// Package httpapi exposes the worker's admin surface: a liveness check,
// a Prometheus scrape endpoint, and a small session introspection route.
// It is a local operational surface, never exposed to ESME traffic.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/smppgw/gateway/gateway"
)

// Server is the admin HTTP surface for one worker process.
type Server struct {
	registry   *gateway.Registry
	registerer prometheus.Gatherer
	logger     *zap.Logger
}

// New builds an admin Server. gatherer is the prometheus registry the
// worker's metrics.Metrics have been registered against.
func New(registry *gateway.Registry, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{registry: registry, registerer: gatherer, logger: logger}
}

// Router returns the admin HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
	}))

	r.Get("/healthz", s.healthz)
	r.Get("/sessions", s.sessions)
	r.Handle("/metrics", promhttp.HandlerFor(s.registerer, promhttp.HandlerOpts{}))

	return r
}

// MetricsRouter returns a standalone handler serving only /metrics, for
// deployments that want the scrape endpoint on its own listener rather
// than sharing the admin mux.
func (s *Server) MetricsRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(s.registerer, promhttp.HandlerOpts{}))
	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			s.logger.Debug("admin request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) sessions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"active_sessions": s.registry.SessionCount()})
}
