// Package scheduler owns the interval trigger: ticks start runs unless one
// is already active, missed fires coalesce, and the downtime window delays
// work until it closes.
package scheduler

import (
	"sync"
	"time"

	"tapedeck/internal/config"

	"github.com/sirupsen/logrus"
)

// misfireGrace collapses a slightly-late fire into the current tick instead
// of double-dispatching.
const misfireGrace = 30 * time.Second

// Scheduler is the single-instance interval trigger.
type Scheduler struct {
	logger *logrus.Logger

	// Dispatch starts a run; it returns false when one is already active.
	Dispatch func(source string) bool

	mu       sync.Mutex
	enabled  bool
	interval time.Duration
	lastRun  *time.Time
	nextRun  *time.Time
	timer    *time.Timer
	stopped  bool
}

// New builds an idle scheduler.
func New(logger *logrus.Logger) *Scheduler {
	return &Scheduler{logger: logger}
}

// Apply replaces the active job with the new schedule config. When enabled,
// the next fire is one full interval away; a reconfiguration never fires
// immediately. startup additionally dispatches once right now (process
// start only).
func (s *Scheduler) Apply(cfg config.ScheduleConfig, startup bool) {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.enabled = cfg.Enabled
	s.nextRun = nil
	if !cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.interval = time.Duration(cfg.IntervalHours) * time.Hour
	next := time.Now().Add(s.interval)
	s.nextRun = &next
	s.timer = time.AfterFunc(s.interval, s.tick)
	s.mu.Unlock()

	if startup && cfg.RunOnStartup {
		go s.tick()
	}
}

// Stop cancels the trigger permanently.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// State reports last_run / next_run for the API.
func (s *Scheduler) State() (lastRun, nextRun *time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyTime(s.lastRun), copyTime(s.nextRun)
}

// tick fires one scheduled dispatch. A tick while a run is active is
// skipped, but next_run is still refreshed.
func (s *Scheduler) tick() {
	s.mu.Lock()
	if s.stopped || !s.enabled {
		s.mu.Unlock()
		return
	}
	interval := s.interval
	// Coalesce: a fire landing within the grace of the previous one is
	// dropped, keeping multiple missed fires to a single dispatch.
	if s.lastRun != nil && time.Since(*s.lastRun) < misfireGrace {
		s.rescheduleLocked(interval)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	started := false
	if s.Dispatch != nil {
		started = s.Dispatch("scheduled")
	}

	s.mu.Lock()
	if started {
		now := time.Now()
		s.lastRun = &now
	} else {
		s.logger.Info("scheduled tick skipped: run already active")
	}
	s.rescheduleLocked(interval)
	s.mu.Unlock()
}

func (s *Scheduler) rescheduleLocked(interval time.Duration) {
	if s.stopped || !s.enabled || interval <= 0 {
		return
	}
	next := time.Now().Add(interval)
	s.nextRun = &next
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(interval, s.tick)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
