// Package obslog is the core's logging surface. It mirrors the teacher's
// own log.Info/log.Error/log.Crit key-value calling convention and adds a
// second, independent sink for the structured JSON-lines observability
// events the spec requires (datahub.fetch, cache.op, breaker.transition,
// outbox.publish, scheduler.lease).
package obslog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

var (
	console     *slog.Logger
	consoleOnce sync.Once

	events   *slog.Logger
	eventsMu sync.Mutex
)

func consoleLogger() *slog.Logger {
	consoleOnce.Do(func() {
		var w io.Writer = os.Stderr
		if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
			w = colorable.NewColorable(f)
		}
		console = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
	})
	return console
}

// SetEventSink directs JSON-lines observability events (see Event) to w.
// Safe to call at any time; nil disables event emission.
func SetEventSink(w io.Writer) {
	eventsMu.Lock()
	defer eventsMu.Unlock()
	if w == nil {
		events = nil
		return
	}
	events = slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func kvAttrs(ctx []interface{}) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(ctx)/2)
	for i := 0; i+1 < len(ctx); i += 2 {
		key, _ := ctx[i].(string)
		if key == "" {
			key = fmt.Sprintf("%v", ctx[i])
		}
		attrs = append(attrs, slog.Any(key, ctx[i+1]))
	}
	return attrs
}

func logAt(level slog.Level, msg string, ctx ...interface{}) {
	l := consoleLogger()
	l.LogAttrs(context.Background(), level, msg, kvAttrs(ctx)...)
}

// Debug logs at debug level with alternating key/value pairs, geth-style.
func Debug(msg string, ctx ...interface{}) { logAt(slog.LevelDebug, msg, ctx...) }

// Info logs at info level.
func Info(msg string, ctx ...interface{}) { logAt(slog.LevelInfo, msg, ctx...) }

// Warn logs at warn level.
func Warn(msg string, ctx ...interface{}) { logAt(slog.LevelWarn, msg, ctx...) }

// Error logs at error level. It does not terminate the process.
func Error(msg string, ctx ...interface{}) {
	red := color.New(color.FgRed).SprintFunc()
	logAt(slog.LevelError, red(msg), ctx...)
}

// Crit logs at error level and exits the process. Use only for invariant
// violations or unrecoverable storage errors (§7 "Fatal") so a supervisor
// can restart the process with a clean slate.
func Crit(msg string, ctx ...interface{}) {
	logAt(slog.LevelError, "FATAL: "+msg, ctx...)
	os.Exit(1)
}

// Event emits one of the spec's §6 JSON-lines observability records. The
// "ts" and "type" fields are always set; extra is flattened into the
// top-level object. Emission is best-effort: a nil sink or encode failure
// is swallowed, matching §7's "partial failures in best-effort paths ...
// are logged and swallowed."
func Event(typ string, extra map[string]interface{}) {
	eventsMu.Lock()
	l := events
	eventsMu.Unlock()
	if l == nil {
		return
	}
	attrs := make([]slog.Attr, 0, len(extra)+2)
	attrs = append(attrs, slog.String("type", typ))
	if _, ok := extra["ts"]; !ok {
		attrs = append(attrs, slog.Time("ts", Now()))
	}
	for k, v := range extra {
		attrs = append(attrs, slog.Any(k, v))
	}
	l.LogAttrs(context.Background(), slog.LevelInfo, "event", attrs...)
}

// Now is reexported so callers needing a timestamp for an Event don't reach
// for time.Now() ad hoc in a dozen places.
func Now() time.Time { return time.Now().UTC() }
