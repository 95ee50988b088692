// Package health serves the liveness and readiness probes.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"golang.org/x/sync/errgroup"

	"github.com/ecloud/dps-notifier/pkg/common/logger"
)

const defaultCheckTimeout = 2 * time.Second

// Check is a named readiness probe, e.g. a database ping.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// Config contains all the mandatory systems required by handlers.
type Config struct {
	Build string
	Log   *logger.Logger
	// Checks must all pass for the replica to report ready.
	Checks []Check
	// CheckTimeout bounds each probe.
	CheckTimeout time.Duration
}

// Routes binds all the health check endpoints.
func Routes(r chi.Router, cfg Config) {
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = defaultCheckTimeout
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/liveness", liveness(cfg))
		r.Get("/readiness", readiness(cfg))
	})
}

// healthResponse represents the response for health check.
type healthResponse struct {
	Status string `json:"status"`
	Build  string `json:"build"`
}

func liveness(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, healthResponse{Status: "ok", Build: cfg.Build})
	}
}

// readyResponse represents the response for readiness check. Failed maps a
// check name to its error.
type readyResponse struct {
	Status string            `json:"status"`
	Failed map[string]string `json:"failed,omitempty"`
}

func readiness(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		failed := runChecks(r.Context(), cfg.Checks, cfg.CheckTimeout)
		if len(failed) > 0 {
			cfg.Log.Warn(r.Context(), "readiness check failed", "failed", failed)
			render.Status(r, http.StatusServiceUnavailable)
			render.JSON(w, r, readyResponse{Status: "not ready", Failed: failed})
			return
		}
		render.JSON(w, r, readyResponse{Status: "ready"})
	}
}

func runChecks(ctx context.Context, checks []Check, timeout time.Duration) map[string]string {
	var (
		mu     sync.Mutex
		g      errgroup.Group
		failed = make(map[string]string)
	)

	for _, c := range checks {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			if err := c.Probe(ctx); err != nil {
				mu.Lock()
				failed[c.Name] = err.Error()
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return failed
}
