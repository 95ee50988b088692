// Package debug serves runtime introspection: pprof profiles and the statsviz
// live dashboard. It is meant for an address only reachable from inside the
// cluster.
package debug

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/arl/statsviz"

	"github.com/ecloud/dps-notifier/pkg/common/logger"
)

// Mux registers the pprof handlers under /debug/pprof/ and the statsviz
// dashboard under /debug/statsviz/.
func Mux() (*http.ServeMux, error) {
	mux := http.NewServeMux()

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	if err := statsviz.Register(mux); err != nil {
		return nil, fmt.Errorf("failed to register statsviz: %w", err)
	}
	return mux, nil
}

// Serve runs the debug server on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, log *logger.Logger) error {
	mux, err := Mux()
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error(shutdownCtx, "failed to shutdown debug server", "error", err)
		}
	}()

	log.Info(ctx, "starting debug server", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("debug server: %w", err)
	}
	return nil
}
