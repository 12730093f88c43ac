// Package server provides HTTP server construction for chat-sync.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/chat-sync/internal/auth"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusSource reports what /healthz shows.
type StatusSource interface {
	ConnectionState() models.ConnectionState
	OpenRoom() string
}

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Keys       *auth.KeyStore
	MCPHandler http.Handler
	Gatherer   prometheus.Gatherer
	Status     StatusSource
	Logger     *slog.Logger
}

// NewMux builds the HTTP mux with the MCP, metrics and health endpoints.
// Only the MCP endpoint requires an API key.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()

	authMiddleware := auth.Middleware(cfg.Keys, cfg.Logger)
	mux.Handle("/mcp", authMiddleware(cfg.MCPHandler))

	mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", healthHandler(cfg.Status))

	return mux
}

type health struct {
	Connection string `json:"connection"`
	OpenRoom   string `json:"open_room,omitempty"`
}

// healthHandler answers 200 while the live channel is connected and 503
// otherwise, so a supervisor can tell a stuck reconnect loop apart.
func healthHandler(src StatusSource) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		state := src.ConnectionState()

		code := http.StatusOK
		if state != models.Connected {
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(code)

		_ = json.NewEncoder(w).Encode(health{
			Connection: state.String(),
			OpenRoom:   src.OpenRoom(),
		})
	}
}
