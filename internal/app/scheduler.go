package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Scheduler is the daily wall-clock scheduler (spec §6 /scheduler/*): once
// started, it fires one Pool.RunUntilEmpty drain pass per day at a
// configured time-of-day and timezone, rather than polling continuously.
// Grounded on the teacher's internal/app ticker+select skeleton (same
// shape as Reclaimer.Run and Pool.RunContinuous), retargeted from a fixed
// interval to a once-per-day wall-clock trigger since the spec calls for a
// daily run rather than a continuous poll loop.
type Scheduler struct {
	pool          *Pool
	checkInterval time.Duration
	timeOfDay     string // "HH:MM", 24h
	location      *time.Location

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	lastRun time.Time
	nextRun time.Time
}

// NewScheduler constructs a Scheduler from the configured time-of-day and
// timezone. An unparseable timezone falls back to UTC; an unparseable
// time-of-day falls back to "02:00".
func NewScheduler(pool *Pool, timeOfDay, timezone string, checkInterval time.Duration) *Scheduler {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		slog.Warn("scheduler: unknown timezone, falling back to UTC", slog.String("timezone", timezone))
		loc = time.UTC
	}
	if _, _, err := parseTimeOfDay(timeOfDay); err != nil {
		slog.Warn("scheduler: unparseable time-of-day, falling back to 02:00", slog.String("time_of_day", timeOfDay))
		timeOfDay = "02:00"
	}
	if checkInterval <= 0 {
		checkInterval = 30 * time.Second
	}
	return &Scheduler{
		pool:          pool,
		checkInterval: checkInterval,
		timeOfDay:     timeOfDay,
		location:      loc,
	}
}

func parseTimeOfDay(s string) (hour, minute int, err error) {
	if _, err := fmt.Sscanf(s, "%d:%d", &hour, &minute); err != nil {
		return 0, 0, err
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("time-of-day out of range: %q", s)
	}
	return hour, minute, nil
}

// nextFireAfter returns the next wall-clock instant at or after `from` that
// matches the configured time-of-day in the configured timezone.
func (s *Scheduler) nextFireAfter(from time.Time) time.Time {
	hour, minute, _ := parseTimeOfDay(s.timeOfDay)
	local := from.In(s.location)
	candidate := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, s.location)
	if !candidate.After(local) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}

// Start launches the scheduler loop in the background. Returns false if the
// scheduler is already running (spec §6 "already_running" response).
func (s *Scheduler) Start(ctx context.Context) bool {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return false
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.nextRun = s.nextFireAfter(time.Now())
	s.mu.Unlock()

	go s.loop(runCtx)
	return true
}

func (s *Scheduler) loop(ctx context.Context) {
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			due := !time.Now().In(s.location).Before(s.nextRun)
			s.mu.Unlock()
			if !due {
				continue
			}
			slog.Info("scheduler: daily fire, draining work queue", slog.Time("fired_at", time.Now()))
			s.pool.RunUntilEmpty(ctx, s.checkInterval)
			s.mu.Lock()
			s.lastRun = time.Now()
			s.nextRun = s.nextFireAfter(s.lastRun)
			s.mu.Unlock()
		}
	}
}

// Stop cancels the scheduler loop. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// SchedulerStatus is the JSON projection returned by /scheduler/status.
type SchedulerStatus struct {
	Running  bool      `json:"running"`
	LastRun  time.Time `json:"last_run,omitempty"`
	NextRun  time.Time `json:"next_run,omitempty"`
	TimeZone string    `json:"timezone"`
}

// Status reports whether the scheduler is running and its last/next fire times.
func (s *Scheduler) Status() SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SchedulerStatus{
		Running:  s.running,
		LastRun:  s.lastRun,
		NextRun:  s.nextRun,
		TimeZone: s.location.String(),
	}
}
