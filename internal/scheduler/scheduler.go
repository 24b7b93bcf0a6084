// Package scheduler runs the periodic auto-update cycle configured in the
// update configuration document.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/mioxoim/whisper-appliance-sub001/internal/updconfig"
)

// tickInterval is how often the schedule is evaluated. The configuration is
// re-read on every tick so edits take effect without a restart.
const tickInterval = time.Minute

// Scheduler triggers a run function according to the auto_update block.
type Scheduler struct {
	config  *updconfig.Manager
	run     func(ctx context.Context)
	logger  *slog.Logger
	lastRun time.Time
}

// New creates a scheduler. run is invoked at most once per due window.
func New(config *updconfig.Manager, run func(ctx context.Context), logger *slog.Logger) *Scheduler {
	return &Scheduler{
		config: config,
		run:    run,
		logger: logger,
	}
}

// Start evaluates the schedule until ctx is cancelled. Call in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			au := s.config.Record().AutoUpdate
			if !due(au, s.lastRun, now) {
				continue
			}
			s.lastRun = now
			s.logger.Info("scheduled update cycle starting", "schedule", au.Schedule)
			s.run(ctx)
		}
	}
}

// due reports whether a scheduled run should fire at now, given the last
// run time. Daily schedules fire in the minute named by au.Time; hourly
// schedules fire once an hour has passed since the last run.
func due(au updconfig.AutoUpdate, lastRun, now time.Time) bool {
	if !au.Enabled {
		return false
	}

	switch au.Schedule {
	case "hourly":
		return lastRun.IsZero() || now.Sub(lastRun) >= time.Hour
	case "daily":
		at, err := time.Parse("15:04", au.Time)
		if err != nil {
			return false
		}
		if now.Hour() != at.Hour() || now.Minute() != at.Minute() {
			return false
		}
		// One run per day: suppress if the last run was within this window.
		return lastRun.IsZero() || now.Sub(lastRun) > time.Minute
	default:
		return false
	}
}
