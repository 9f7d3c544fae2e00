// Command replay-dlq inspects and replays the outbox dead-letter queue.
// An advisory file lock (gofrs/flock) prevents two concurrent `replay`
// invocations from racing to re-enqueue the same records.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cespare/cp"
	"github.com/gofrs/flock"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"

	"github.com/ArabotHXL/BTC-project-sub002/internal/clockid"
	"github.com/ArabotHXL/BTC-project-sub002/internal/obslog"
	"github.com/ArabotHXL/BTC-project-sub002/internal/store"
)

// Exit codes per the CLI's documented contract: 0 success, 1 usage error,
// 2 database unreachable, 3 partial success (some events failed to
// re-enqueue) — also used for lock contention, since a busy replay is
// exactly "some events were not re-enqueued this run".
const (
	exitOK         = 0
	exitUsage      = 1
	exitStoreError = 2
	exitPartial    = 3
)

func main() {
	app := &cli.App{
		Name:  "replay-dlq",
		Usage: "inspect and replay the outbox dead-letter queue",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "store-dir", Required: true, Usage: "path to the pebble store directory"},
		},
		Commands: []*cli.Command{
			statsCommand(),
			replayCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "replay-dlq:", err)
		os.Exit(exitCodeFor(err))
	}
}

type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string { return e.err.Error() }

func exitCodeFor(err error) int {
	var ec *exitCodeError
	if errors.As(err, &ec) {
		return ec.code
	}
	return exitUsage
}

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "print counts of dead-lettered records",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "kind"},
			&cli.DurationFlag{Name: "since"},
		},
		Action: func(c *cli.Context) error {
			st, err := store.Open(c.String("store-dir"))
			if err != nil {
				return &exitCodeError{exitStoreError, err}
			}
			defer st.Close()

			since := time.Time{}
			if d := c.Duration("since"); d > 0 {
				since = time.Now().Add(-d)
			}
			records, err := st.ListDLQ(c.String("kind"), since)
			if err != nil {
				return &exitCodeError{exitStoreError, err}
			}

			byTopic := map[string]int{}
			for _, r := range records {
				byTopic[r.Original.Topic]++
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Topic", "Count"})
			for topic, n := range byTopic {
				table.Append([]string{topic, strconv.Itoa(n)})
			}
			table.Render()
			return nil
		},
	}
}

func replayCommand() *cli.Command {
	return &cli.Command{
		Name:  "replay",
		Usage: "re-enqueue dead-lettered records into the outbox",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "since", Required: true},
			&cli.StringFlag{Name: "kind"},
			&cli.IntFlag{Name: "limit", Value: 100},
			&cli.BoolFlag{Name: "dry-run"},
		},
		Action: func(c *cli.Context) error {
			lockPath := filepath.Join(c.String("store-dir"), "replay-dlq.lock")
			fl := flock.New(lockPath)
			locked, err := fl.TryLock()
			if err != nil {
				return &exitCodeError{exitStoreError, err}
			}
			if !locked {
				return &exitCodeError{exitPartial, fmt.Errorf("another replay-dlq replay is already running")}
			}
			defer fl.Unlock()

			st, err := store.Open(c.String("store-dir"))
			if err != nil {
				return &exitCodeError{exitStoreError, err}
			}
			defer st.Close()

			since := time.Now().Add(-c.Duration("since"))
			records, err := st.ListDLQ(c.String("kind"), since)
			if err != nil {
				return &exitCodeError{exitStoreError, err}
			}
			if limit := c.Int("limit"); limit > 0 && len(records) > limit {
				records = records[:limit]
			}

			if c.Bool("dry-run") {
				return dryRunExport(c.String("store-dir"), records)
			}

			ids := clockid.NewIdentifiers()
			var replayed, failed int
			for _, r := range records {
				salt := ids.ReplaySalt(r.Original.IdempotencyKey)
				if err := st.ReplayDLQ(r.Original.ID, salt, time.Now()); err != nil {
					obslog.Error("replay-dlq: failed to replay record", "id", r.Original.ID, "err", err)
					failed++
					continue
				}
				replayed++
			}
			fmt.Printf("replayed %d of %d dead-lettered records\n", replayed, len(records))
			if failed > 0 {
				return &exitCodeError{exitPartial, fmt.Errorf("%d of %d records failed to re-enqueue", failed, len(records))}
			}
			return nil
		},
	}
}

// dryRunExport writes a JSON snapshot of the candidate records, then
// atomically copies it into the store directory so an operator can
// review exactly what a real replay would touch before running one.
func dryRunExport(storeDir string, records []store.DLQRecord) error {
	tmp, err := os.CreateTemp("", "replay-dlq-dryrun-*.json")
	if err != nil {
		return &exitCodeError{exitStoreError, err}
	}
	defer os.Remove(tmp.Name())

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		tmp.Close()
		return &exitCodeError{exitStoreError, err}
	}
	if err := tmp.Close(); err != nil {
		return &exitCodeError{exitStoreError, err}
	}

	dest := filepath.Join(storeDir, fmt.Sprintf("replay-dlq-dryrun-%d.json", time.Now().Unix()))
	if err := cp.CopyFile(dest, tmp.Name()); err != nil {
		return &exitCodeError{exitStoreError, err}
	}
	fmt.Printf("dry-run: %d records would be replayed, snapshot written to %s\n", len(records), dest)
	return nil
}
