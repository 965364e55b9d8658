// Package heartbeat lets CLI commands find a running MAL daemon and tell
// whether it is still alive.
package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dohr-michael/mal/internal/storage/dirstore"
)

// DefaultInterval is how often the daemon refreshes its heartbeat.
const DefaultInterval = 15 * time.Second

// Status represents the liveness state of the daemon.
type Status string

const (
	StatusAlive Status = "alive"
	StatusStale Status = "stale"
	StatusDead  Status = "dead"
)

// Heartbeat is the data written to the heartbeat file.
type Heartbeat struct {
	PID       int       `json:"pid"`
	URL       string    `json:"url"`
	StartedAt time.Time `json:"started_at"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
	// Tasks is the number of tasks in the active list.
	Tasks int `json:"tasks"`
	// Running is the number of environments with a live process.
	Running int `json:"running"`
}

// Counters supplies the activity figures recorded with each beat.
type Counters func() (tasks, running int)

// Writer periodically writes a heartbeat file to disk.
type Writer struct {
	path     string
	url      string
	interval time.Duration
	counters Counters
	started  time.Time
}

// NewWriter creates a writer advertising the gateway at url.
func NewWriter(path, url string, counters Counters) *Writer {
	return &Writer{
		path:     path,
		url:      url,
		interval: DefaultInterval,
		counters: counters,
	}
}

// Run writes a beat immediately and then on every interval until ctx is
// done, when the file is removed.
func (w *Writer) Run(ctx context.Context) error {
	w.started = time.Now()
	if err := w.write(); err != nil {
		return err
	}
	defer func() {
		if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
			slog.Warn("remove heartbeat", "path", w.path, "error", err)
		}
	}()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := w.write(); err != nil {
				slog.Warn("write heartbeat", "path", w.path, "error", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *Writer) write() error {
	now := time.Now()
	hb := Heartbeat{
		PID:       os.Getpid(),
		URL:       w.url,
		StartedAt: w.started,
		Timestamp: now,
		Uptime:    now.Sub(w.started).Truncate(time.Second).String(),
	}
	if w.counters != nil {
		hb.Tasks, hb.Running = w.counters()
	}

	data, err := json.MarshalIndent(hb, "", "  ")
	if err != nil {
		return err
	}
	return dirstore.WriteFileAtomic(w.path, data)
}

// Check reads a heartbeat file and returns the liveness status. A beat
// older than maxAge is stale.
func Check(path string, maxAge time.Duration) (Status, *Heartbeat, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return StatusDead, nil, nil
		}
		return StatusDead, nil, fmt.Errorf("read heartbeat: %w", err)
	}

	var hb Heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		return StatusDead, nil, fmt.Errorf("unmarshal heartbeat: %w", err)
	}

	if time.Since(hb.Timestamp) > maxAge {
		return StatusStale, &hb, nil
	}
	return StatusAlive, &hb, nil
}
