// Copyright 2024-2026 Aiku AI

package intercom

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// DefaultAdminAPIAddr is used when no admin API address is configured.
const DefaultAdminAPIAddr = ":29320"

// AdminAPI serves the operator endpoints of an engine.
type AdminAPI struct {
	engine *Engine
	log    zerolog.Logger
}

func NewAdminAPI(engine *Engine, log zerolog.Logger) *AdminAPI {
	return &AdminAPI{
		engine: engine,
		log:    log.With().Str("component", "admin_api").Logger(),
	}
}

// Handler returns the HTTP handler with every admin route.
func (a *AdminAPI) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/refresh", a.HandleRefresh)
	mux.HandleFunc("/api/status", a.HandleStatus)
	mux.Handle("/metrics", promhttp.HandlerFor(a.engine.Metrics().Registry, promhttp.HandlerOpts{}))
	return mux
}

func (a *AdminAPI) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Warn().Err(err).Msg("Failed to write admin API response")
	}
}

// HandleRefresh is an HTTP handler for POST /api/refresh. It rebuilds the
// channel directory and the ban cache.
func (a *AdminAPI) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	a.log.Info().Str("remote_addr", r.RemoteAddr).Msg("Refresh requested")
	if err := a.engine.Refresh(r.Context()); err != nil {
		a.log.Warn().Err(err).Msg("Requested refresh failed")
		a.writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	status, err := a.engine.Status(r.Context())
	if err != nil {
		a.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	a.writeJSON(w, http.StatusOK, status)
}

// HandleStatus is an HTTP handler for GET /api/status.
func (a *AdminAPI) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status, err := a.engine.Status(r.Context())
	if err != nil {
		a.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	a.writeJSON(w, http.StatusOK, status)
}

// ListenAndServe serves the admin API on addr until ctx is done.
func (a *AdminAPI) ListenAndServe(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAdminAPIAddr
	}
	server := &http.Server{
		Addr:         addr,
		Handler:      a.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	a.log.Info().Str("addr", addr).Msg("Starting admin API")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
