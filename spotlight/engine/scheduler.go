package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs the lifecycle tick on a fixed cadence. Overlapping runs
// are skipped; the tick is idempotent so a skipped pass costs nothing.
type Scheduler struct {
	engine   *Engine
	cron     *cron.Cron
	interval time.Duration
	running  atomic.Bool
}

func NewScheduler(e *Engine, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = TickInterval
	}
	return &Scheduler{
		engine:   e,
		cron:     cron.New(cron.WithSeconds()),
		interval: interval,
	}
}

func (s *Scheduler) Start() error {
	spec := fmt.Sprintf("@every %s", s.interval)
	if _, err := s.cron.AddFunc(spec, s.runOnce); err != nil {
		return fmt.Errorf("failed to schedule lifecycle tick: %w", err)
	}
	s.cron.Start()

	slog.Info("Lifecycle scheduler started",
		slog.String("type", "engine"),
		slog.Duration("interval", s.interval))
	return nil
}

// Stop halts scheduling and waits for an in-flight tick to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	slog.Info("Lifecycle scheduler stopped", slog.String("type", "engine"))
}

func (s *Scheduler) runOnce() {
	if !s.running.CompareAndSwap(false, true) {
		slog.Warn("Skipping lifecycle tick, previous run still in flight",
			slog.String("type", "engine"))
		return
	}
	defer s.running.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if _, err := s.engine.RunLifecycleTick(ctx); err != nil {
		slog.Error("Lifecycle tick failed",
			slog.String("type", "engine"),
			slog.Any("error", err))
	}
}
