package scheduler

import (
	"context"
	"time"

	"tapedeck/internal/config"

	"github.com/sirupsen/logrus"
)

// maxDowntimeSlice bounds each blocking wait so a stop event is observed
// promptly.
const maxDowntimeSlice = 60 * time.Second

// InDowntime reports whether now falls inside the configured window.
// The window is [start, end) and wraps midnight when start > end. An invalid
// timezone falls back to UTC.
func InDowntime(dt config.DowntimeWindow, now time.Time) bool {
	if !dt.Enabled {
		return false
	}
	start, err := config.ParseClock(dt.Start)
	if err != nil {
		return false
	}
	end, err := config.ParseClock(dt.End)
	if err != nil {
		return false
	}

	local := now.In(downtimeLocation(dt))
	minute := local.Hour()*60 + local.Minute()
	startMin, endMin := start.Minutes(), end.Minutes()
	if startMin == endMin {
		return false
	}
	if startMin < endMin {
		return minute >= startMin && minute < endMin
	}
	return minute >= startMin || minute < endMin
}

// DowntimeEnd returns the instant the active window closes. Callers must
// have verified InDowntime first.
func DowntimeEnd(dt config.DowntimeWindow, now time.Time) time.Time {
	end, err := config.ParseClock(dt.End)
	if err != nil {
		return now
	}
	local := now.In(downtimeLocation(dt))
	endToday := time.Date(local.Year(), local.Month(), local.Day(), end.Hour, end.Minute, 0, 0, local.Location())
	if !endToday.After(local) {
		endToday = endToday.Add(24 * time.Hour)
	}
	return endToday
}

// WaitOutDowntime blocks in bounded slices until the window's end instant or
// until ctx is canceled. Returns true when the wait completed, false when it
// was interrupted.
func WaitOutDowntime(ctx context.Context, dt config.DowntimeWindow, logger *logrus.Logger) bool {
	if !InDowntime(dt, time.Now()) {
		return true
	}
	end := DowntimeEnd(dt, time.Now())
	logger.WithField("until", end).Info("inside downtime window, waiting")

	for {
		remaining := time.Until(end)
		if remaining <= 0 {
			return true
		}
		slice := remaining
		if slice > maxDowntimeSlice {
			slice = maxDowntimeSlice
		}
		timer := time.NewTimer(slice)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}

func downtimeLocation(dt config.DowntimeWindow) *time.Location {
	if dt.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(dt.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
