// Package httpapi exposes the engine's observability HTTP surface (§6):
// cache stats, breaker snapshots, and a liveness/readiness probe, routed
// with gorilla/mux and wrapped with rs/cors the way the teacher's RPC
// HTTP server composes middleware.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/ArabotHXL/BTC-project-sub002/internal/cache"
	"github.com/ArabotHXL/BTC-project-sub002/internal/provider"
)

// DataHub is the subset of *datahub.Hub this package depends on, kept as
// an interface so handlers can be tested without constructing a full Hub.
type DataHub interface {
	Stats() cache.Stats
	Breakers() *provider.Registry
	ReadyAll() bool
}

// NewServer builds the HTTP handler exposing /healthz, /stats/cache, and
// /stats/breakers over hub.
func NewServer(hub DataHub) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", healthzHandler(hub)).Methods(http.MethodGet)
	r.HandleFunc("/stats/cache", cacheStatsHandler(hub)).Methods(http.MethodGet)
	r.HandleFunc("/stats/breakers", breakerStatsHandler(hub)).Methods(http.MethodGet)

	return cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet},
	}).Handler(r)
}

func healthzHandler(hub DataHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !hub.ReadyAll() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

func cacheStatsHandler(hub DataHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, hub.Stats())
	}
}

func breakerStatsHandler(hub DataHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, hub.Breakers().Snapshot())
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
