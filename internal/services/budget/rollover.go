package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const DefaultRolloverSchedule = "0 0 1 * *"

// RolloverScheduler resets every monthly window on a cron schedule.
type RolloverScheduler struct {
	engine   *Engine
	schedule string
	cron     *cron.Cron
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
}

// NewRolloverScheduler builds a scheduler evaluated in loc. An empty
// schedule means midnight on the first day of every month.
func NewRolloverScheduler(engine *Engine, schedule string, loc *time.Location, logger *zap.Logger) *RolloverScheduler {
	if schedule == "" {
		schedule = DefaultRolloverSchedule
	}
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RolloverScheduler{
		engine:   engine,
		schedule: schedule,
		cron:     cron.New(cron.WithLocation(loc)),
		logger:   logger,
	}
}

// Start registers the rollover job and stops it when ctx is cancelled.
func (s *RolloverScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid rollover schedule %q: %w", s.schedule, err)
	}

	if _, err := s.cron.AddFunc(s.schedule, func() { s.Run(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule monthly rollover: %w", err)
	}

	s.cron.Start()
	s.running = true
	s.logger.Info("Monthly rollover scheduler started", zap.String("schedule", s.schedule))

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

// Run performs one rollover.
func (s *RolloverScheduler) Run(ctx context.Context) {
	n, err := s.engine.ResetAllMonthly(ctx)
	if err != nil {
		s.logger.Error("Monthly rollover failed", zap.Error(err))
		return
	}
	s.logger.Info("Monthly rollover completed", zap.Int64("users", n))
}

func (s *RolloverScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		<-s.cron.Stop().Done()
		s.running = false
		s.logger.Info("Monthly rollover scheduler stopped")
	}
}

// NextRun returns the next scheduled rollover, or nil when not running.
func (s *RolloverScheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.cron.Entries()
	if !s.running || len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
