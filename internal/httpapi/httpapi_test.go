package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ArabotHXL/BTC-project-sub002/internal/cache"
	"github.com/ArabotHXL/BTC-project-sub002/internal/provider"
)

type fakeHub struct {
	stats cache.Stats
	reg   *provider.Registry
	ready bool
}

func (f *fakeHub) Stats() cache.Stats           { return f.stats }
func (f *fakeHub) Breakers() *provider.Registry { return f.reg }
func (f *fakeHub) ReadyAll() bool               { return f.ready }

func TestHealthzReflectsReadiness(t *testing.T) {
	hub := &fakeHub{reg: provider.NewRegistry(), ready: false}
	srv := NewServer(hub)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	hub.ready = true
	rec2 := httptest.NewRecorder()
	srv.ServeHTTP(rec2, req)
	require.Equal(t, http.StatusOK, rec2.Code)
}

func TestCacheStatsServesJSON(t *testing.T) {
	hub := &fakeHub{stats: cache.Stats{Hits: 3, Misses: 1}, reg: provider.NewRegistry(), ready: true}
	srv := NewServer(hub)

	req := httptest.NewRequest(http.MethodGet, "/stats/cache", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"Hits":3`)
}
