package guard

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/parachutes/chutes-admission/internal/config"
)

// windowActive reports whether now falls inside the cron window: the
// most recent scheduled start within the lookback horizon, extended by
// the window duration.
func windowActive(now time.Time, w config.MaintenanceWindow) (bool, error) {
	loc := time.UTC
	if w.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(w.Timezone)
		if err != nil {
			return false, fmt.Errorf("invalid timezone %q: %w", w.Timezone, err)
		}
	}
	if w.Duration.Duration <= 0 {
		return false, fmt.Errorf("duration must be > 0")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sch, err := parser.Parse(w.Schedule)
	if err != nil {
		return false, fmt.Errorf("invalid schedule %q: %w", w.Schedule, err)
	}

	nowLoc := now.In(loc)

	// Walk forward from a bounded point in the past to find the latest
	// start not after now. The lookback only needs to reach the start of
	// a window still open at now; keeping it tight means even a
	// once-a-minute schedule stays well under the iteration cap.
	lookback := w.Duration.Duration
	if lookback < 24*time.Hour {
		lookback = 24 * time.Hour
	}
	searchStart := nowLoc.Add(-lookback)
	prev := time.Time{}
	iter := 0
	for t := sch.Next(searchStart); !t.After(nowLoc); t = sch.Next(t) {
		prev = t
		iter++
		if iter > 10000 {
			break
		}
	}
	if prev.IsZero() {
		return false, nil
	}
	return nowLoc.Before(prev.Add(w.Duration.Duration)), nil
}

// inAnyMaintenanceWindow reports whether any configured window is
// active. Windows that fail to evaluate are skipped: a broken schedule
// must never widen what the guard admits.
func inAnyMaintenanceWindow(now time.Time, windows []config.MaintenanceWindow) bool {
	for _, w := range windows {
		active, err := windowActive(now, w)
		if err != nil {
			continue
		}
		if active {
			return true
		}
	}
	return false
}
