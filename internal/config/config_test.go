package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadMain(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
cache_shards = 8
cache_max_bytes = 1048576
store_dir = "/var/lib/btcengine"
candidate_id = "node-a"
http_listen_addr = ":8090"
event_log_path = "/var/log/btcengine/events.jsonl"
`), 0o644))

	m, err := LoadMain(path)
	require.NoError(t, err)
	require.Equal(t, 8, m.CacheShards)
	require.Equal(t, 1048576, m.CacheMaxBytes)
	require.Equal(t, "node-a", m.CandidateID)
}

func TestLoadJobManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jobs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
kinds:
  - name: btc-price
    fresh_ttl: 10s
    stale_ttl: 60s
    deadline: 2s
    swr: true
    max_inflight: 4
jobs:
  - name: price-refresh
    interval: 30s
    timeout: 5s
    jitter_factor: 0.2
`), 0o644))

	m, err := LoadJobManifest(path)
	require.NoError(t, err)
	require.Len(t, m.Kinds, 1)
	require.Equal(t, "btc-price", m.Kinds[0].Name)
	require.Equal(t, 10*time.Second, m.Kinds[0].FreshTTL)
	require.Len(t, m.Jobs, 1)
	require.Equal(t, 30*time.Second, m.Jobs[0].Interval)
}

func TestWatchJobManifestReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jobs.yaml")
	require.NoError(t, os.WriteFile(path, []byte("kinds: []\njobs: []\n"), 0o644))

	changed := make(chan JobManifest, 4)
	w, err := WatchJobManifest(path, func(m JobManifest) { changed <- m })
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte("kinds:\n  - name: k\njobs: []\n"), 0o644))

	select {
	case m := <-changed:
		require.Len(t, m.Kinds, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}
