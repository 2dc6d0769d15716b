// Package api serves the read-only HTTP endpoints of the allocation service.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/kilianp07/loadguard/api/allocations"
	"github.com/kilianp07/loadguard/api/cycles"
	"github.com/kilianp07/loadguard/core/logging"
	"github.com/kilianp07/loadguard/infra/logger"
)

// Config defines the HTTP API listener.
type Config struct {
	Addr  string `json:"addr"`
	Token string `json:"token"`
}

// NewMux wires the API routes. The cycle log route is only registered when a
// store is available.
func NewMux(store logging.LogStore, src allocations.ResultSource, token string) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/api/allocations", allocations.NewAllocationHandler(src))
	if store != nil {
		mux.Handle("/api/cycles", cycles.NewLogHandler(store, token))
	}
	return mux
}

// Serve runs an HTTP server on addr until ctx is canceled.
func Serve(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.New("api-server").Errorf("shutdown: %v", err)
		}
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
