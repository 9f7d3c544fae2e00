// Package config loads the engine's TOML main configuration and YAML job
// manifest, the same split the teacher repo uses between its TOML node
// config (naoina/toml, see cmd/utils) and operational manifests, and
// watches the job manifest for hot-reload with fsnotify. The TOML main
// configuration is read once and not watched.
package config

import (
	"bufio"
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/naoina/toml"
	"gopkg.in/yaml.v3"

	"github.com/ArabotHXL/BTC-project-sub002/internal/obslog"
)

// tomlSettings mirrors geth's cmd/geth/config.go convention: a field's TOML
// key is its `toml` tag (every Main field has one, e.g. cache_shards); an
// untagged field is written under its Go name with the first letter
// lower-cased. An unrecognized key in the file is an error rather than
// silently ignored.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return strings.ToLower(field[:1]) + field[1:]
	},
	MissingField: func(rt reflect.Type, field string) error {
		return fmt.Errorf("config: field %q not defined in %s", field, rt.String())
	},
}

// Main is the engine's primary TOML configuration.
type Main struct {
	CacheShards     int    `toml:"cache_shards"`
	CacheMaxBytes   int    `toml:"cache_max_bytes"`
	StoreDir        string `toml:"store_dir"`
	CandidateID     string `toml:"candidate_id"`
	HTTPListenAddr  string `toml:"http_listen_addr"`
	EventLogPath    string `toml:"event_log_path"`
}

// LoadMain reads and parses a TOML main configuration file.
func LoadMain(path string) (Main, error) {
	var m Main
	f, err := os.Open(path)
	if err != nil {
		return m, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	if err := tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(&m); err != nil {
		return m, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return m, nil
}

// JobManifest is the YAML document describing the set of resource kinds
// and scheduled jobs to register, kept separate from Main so operators can
// roll out job changes without touching process-level settings.
type JobManifest struct {
	Kinds []KindSpec `yaml:"kinds"`
	Jobs  []JobSpec  `yaml:"jobs"`
}

// KindSpec mirrors datahub.Kind's YAML-serializable fields.
type KindSpec struct {
	Name        string        `yaml:"name"`
	FreshTTL    time.Duration `yaml:"fresh_ttl"`
	StaleTTL    time.Duration `yaml:"stale_ttl"`
	NegativeTTL time.Duration `yaml:"negative_ttl"`
	Deadline    time.Duration `yaml:"deadline"`
	SWR         bool          `yaml:"swr"`
	MaxInflight int64         `yaml:"max_inflight"`
}

// JobSpec mirrors scheduler.Job's YAML-serializable fields.
type JobSpec struct {
	Name         string        `yaml:"name"`
	Interval     time.Duration `yaml:"interval"`
	Timeout      time.Duration `yaml:"timeout"`
	JitterFactor float64       `yaml:"jitter_factor"`
}

// LoadJobManifest reads and parses a YAML job manifest file.
func LoadJobManifest(path string) (JobManifest, error) {
	var m JobManifest
	b, err := os.ReadFile(path)
	if err != nil {
		return m, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return m, nil
}

// Watcher watches the job manifest file and invokes onChange with the
// freshly reloaded manifest whenever it's written, letting operators roll
// out kind/job changes without a process restart.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher

	mu   sync.Mutex
	stop chan struct{}
}

// WatchJobManifest starts watching path and calls onChange on every write
// event, after reparsing it. Reload errors are logged and the previous
// manifest keeps serving, matching §7's "non-fatal on reload" policy.
func WatchJobManifest(path string, onChange func(JobManifest)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: new watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w := &Watcher{path: path, watcher: fw, stop: make(chan struct{})}
	go w.loop(onChange)
	return w, nil
}

func (w *Watcher) loop(onChange func(JobManifest)) {
	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			m, err := LoadJobManifest(w.path)
			if err != nil {
				obslog.Error("config: reload failed, keeping previous manifest", "path", w.path, "err", err)
				continue
			}
			onChange(m)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			obslog.Error("config: watcher error", "err", err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
	return w.watcher.Close()
}
