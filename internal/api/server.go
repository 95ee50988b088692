// Package api serves the notifier's operational HTTP surface: probes and
// Prometheus metrics. Notifications never arrive over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/ecloud/dps-notifier/internal/api/health"
	"github.com/ecloud/dps-notifier/pkg/common/logger"
	"github.com/ecloud/dps-notifier/pkg/common/otel"
)

const defaultShutdownTimeout = 30 * time.Second

// Routes served without request logging; probes and scrapes are noise.
var quietRoutes = map[string]struct{}{
	"/v1/liveness":  {},
	"/v1/readiness": {},
	"/metrics":      {},
}

// QuietRoutes lists the routes a trace sampler should exclude.
func QuietRoutes() map[string]struct{} {
	routes := make(map[string]struct{}, len(quietRoutes))
	for r := range quietRoutes {
		routes[r] = struct{}{}
	}
	return routes
}

// Config contains the listener settings and the systems behind the routes.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	Build    string
	Checks   []health.Check
	Registry *prometheus.Registry
}

type Server struct {
	cfg    Config
	logger *logger.Logger
	router *chi.Mux
	tracer trace.Tracer
}

func NewServer(cfg Config, log *logger.Logger, tracer trace.Tracer) *Server {
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(loggerMiddleware(log))
	r.Use(middleware.Recoverer)

	s := &Server{
		cfg:    cfg,
		logger: log.With("component", "ops_server"),
		router: r,
		tracer: tracer,
	}

	s.routes()
	return s
}

func loggerMiddleware(log *logger.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := quietRoutes[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				ctx := r.Context()
				log.Info(ctx, "Request completed",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"duration", time.Since(start),
					"trace_id", otel.GetTraceID(ctx),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

func (s *Server) routes() {
	health.Routes(s.router, health.Config{
		Build:  s.cfg.Build,
		Log:    s.logger,
		Checks: s.cfg.Checks,
	})
	s.router.Handle("/metrics", promhttp.HandlerFor(s.cfg.Registry, promhttp.HandlerOpts{
		Registry:          s.cfg.Registry,
		EnableOpenMetrics: true,
	}))
}

// Handler returns the router wrapped in OpenTelemetry instrumentation. Spans
// are named after the request path so the sampler can drop probe traffic.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "ops",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string { return r.URL.Path }),
	)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error(shutdownCtx, "failed to shutdown server", "error", err)
		}
	}()

	s.logger.Info(ctx, "starting ops server", "addr", server.Addr)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ops server: %w", err)
	}
	return nil
}
