package simclock

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/atmx/powermarket/internal/metrics"
)

// Activator is a component that runs once per timeslot in a phase.
// Activate must not block on I/O; it runs to completion.
type Activator interface {
	Activate(now time.Time, phase int)
}

// ActivatorFunc adapts a function to Activator.
type ActivatorFunc func(now time.Time, phase int)

func (f ActivatorFunc) Activate(now time.Time, phase int) { f(now, phase) }

// Scheduler runs registered activators in ascending phase order, then
// advances the clock. Activators in the same phase run in registration
// order.
type Scheduler struct {
	clock  *Clock
	logger *slog.Logger
	phases map[int][]Activator
	order  []int
}

// NewScheduler creates a scheduler over clock.
func NewScheduler(clock *Clock, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{clock: clock, logger: logger, phases: make(map[int][]Activator)}
}

// Register adds a to phase. Not safe to call while the scheduler runs.
func (s *Scheduler) Register(phase int, a Activator) {
	if _, ok := s.phases[phase]; !ok {
		s.order = append(s.order, phase)
		sort.Ints(s.order)
	}
	s.phases[phase] = append(s.phases[phase], a)
}

// Step runs every phase for the current timeslot and advances the clock.
// It returns the timeslot that was processed.
func (s *Scheduler) Step() int {
	ts := s.clock.CurrentTimeslot()
	now := s.clock.CurrentTime()
	metrics.CurrentTimeslot.Set(float64(ts))

	for _, phase := range s.order {
		start := time.Now()
		for _, a := range s.phases[phase] {
			a.Activate(now, phase)
		}
		metrics.PhaseDuration.WithLabelValues(strconv.Itoa(phase)).Observe(time.Since(start).Seconds())
	}
	s.logger.Debug("timeslot complete", "timeslot", ts, "time", now)
	s.clock.Advance()
	return ts
}

// Run steps once per interval until ctx is cancelled. Cancellation takes
// effect between timeslots only.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped", "timeslot", s.clock.CurrentTimeslot())
			return
		case <-ticker.C:
			s.Step()
		}
	}
}
