package supervisor

import (
	"fmt"
	"log/slog"
	"sync"

	cron "github.com/netresearch/go-cron"

	"github.com/dohr-michael/mal/internal/events"
)

// DefaultStatusSchedule is the cron spec of the status sweep.
const DefaultStatusSchedule = "@every 5s"

// StatusSweeper periodically broadcasts environment statuses while at least
// one observer is connected, so on-disk changes made outside MAL show up.
type StatusSweeper struct {
	sup      *Supervisor
	schedule string

	mu   sync.Mutex
	cron *cron.Cron
}

// NewStatusSweeper validates schedule and hooks the sweeper to the hub's
// activity so the job only runs while someone is watching.
func NewStatusSweeper(sup *Supervisor, hub *events.Hub, schedule string) (*StatusSweeper, error) {
	if schedule == "" {
		schedule = DefaultStatusSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("parse status schedule %q: %w", schedule, err)
	}
	w := &StatusSweeper{sup: sup, schedule: schedule}
	hub.OnActivity(w.activity)
	return w, nil
}

// activity is called by the hub under its own lock; it must not publish synchronously.
func (w *StatusSweeper) activity(active bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch {
	case active && w.cron == nil:
		c := cron.New()
		if _, err := c.AddFunc(w.schedule, w.sup.publishStatus); err != nil {
			slog.Error("failed to schedule status sweep", "schedule", w.schedule, "error", err)
			return
		}
		c.Start()
		w.cron = c
		go w.sup.publishStatus()
		slog.Debug("status sweep started", "schedule", w.schedule)
	case !active && w.cron != nil:
		w.cron.Stop()
		w.cron = nil
		slog.Debug("status sweep stopped")
	}
}

// Running reports whether the sweep job is scheduled.
func (w *StatusSweeper) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cron != nil
}

// Close stops the sweep if it is running.
func (w *StatusSweeper) Close() {
	w.activity(false)
}
