// Copyright 2024-2026 Aiku AI

package bridge

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aiku/relaybridge/pkg/relay"
)

// HealthResponse is the body of GET /api/health.
type HealthResponse struct {
	Status      string `json:"status"`
	InFlight    int    `json:"in_flight"`
	StagedFiles int    `json:"staged_files"`
}

// Router returns the admin API routes.
func (b *Bridge) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/health", b.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/caches", b.handleCaches).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(b.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return r
}

func (b *Bridge) handleHealth(w http.ResponseWriter, _ *http.Request) {
	b.writeJSON(w, HealthResponse{
		Status:      "ok",
		InFlight:    b.inflight.Active(),
		StagedFiles: b.stager.Staged(),
	})
}

// handleCaches reports correlation cache counters keyed by platform.
func (b *Bridge) handleCaches(w http.ResponseWriter, _ *http.Request) {
	b.writeJSON(w, map[string]relay.CacheStats{
		relay.SourceMattermost.String(): b.Mattermost.Cache().Stats(),
		relay.SourceMatrix.String():     b.Matrix.Cache().Stats(),
	})
}

func (b *Bridge) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		b.log.Warn().Err(err).Msg("Failed to write admin API response")
	}
}
