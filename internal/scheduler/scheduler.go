// Package scheduler runs the stuck-generation sweep on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/robfig/cron/v3"

	"github.com/rendis/genchain/internal/lifecycle"
)

// Sweeper fails generations that never received a callback. Satisfied by
// the orchestrator.
type Sweeper interface {
	Sweep(ctx context.Context, timeout time.Duration) (*lifecycle.SweepReport, error)
}

// Config controls the sweep schedule.
type Config struct {
	Schedule string        `mapstructure:"schedule"`
	Timeout  time.Duration `mapstructure:"timeout"`
	// LockPath, when set, is an exclusive file lock held for the duration of
	// each sweep so that only one process per host sweeps at a time.
	LockPath string `mapstructure:"lock_path"`
}

// DefaultConfig sweeps every five minutes for generations older than 30m.
func DefaultConfig() Config {
	return Config{Schedule: "*/5 * * * *", Timeout: 30 * time.Minute}
}

// Scheduler triggers sweeps.
type Scheduler struct {
	sweeper  Sweeper
	cfg      Config
	schedule cron.Schedule
	lock     *flock.Flock
	logger   *slog.Logger

	cancel  context.CancelFunc
	done    chan struct{}
	mu      sync.Mutex
	running atomic.Bool
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NewScheduler validates cfg and creates a Scheduler.
func NewScheduler(sweeper Sweeper, cfg Config, logger *slog.Logger) (*Scheduler, error) {
	def := DefaultConfig()
	if cfg.Schedule == "" {
		cfg.Schedule = def.Schedule
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	sched, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", cfg.Schedule, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{sweeper: sweeper, cfg: cfg, schedule: sched, logger: logger}
	if cfg.LockPath != "" {
		s.lock = flock.New(cfg.LockPath)
	}
	return s, nil
}

// NextRun returns the first sweep time strictly after from.
func (s *Scheduler) NextRun(from time.Time) time.Time {
	return s.schedule.Next(from)
}

// Start launches the background loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx, s.done)
	s.logger.Info("sweep scheduler started", slog.String("schedule", s.cfg.Schedule), slog.Duration("timeout", s.cfg.Timeout))
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		now := time.Now()
		timer := time.NewTimer(s.NextRun(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if _, _, err := s.RunOnce(ctx); err != nil {
				s.logger.Error("sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// RunOnce sweeps immediately. ran is false when another sweep, in this
// process or another holding the lock file, is already in progress.
func (s *Scheduler) RunOnce(ctx context.Context) (report *lifecycle.SweepReport, ran bool, err error) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Debug("sweep already running, skipping")
		return nil, false, nil
	}
	defer s.running.Store(false)

	if s.lock != nil {
		locked, err := s.lock.TryLock()
		if err != nil {
			return nil, false, fmt.Errorf("acquire sweep lock: %w", err)
		}
		if !locked {
			s.logger.Debug("sweep lock held elsewhere, skipping", slog.String("lock", s.cfg.LockPath))
			return nil, false, nil
		}
		defer func() {
			if uerr := s.lock.Unlock(); uerr != nil {
				s.logger.Warn("release sweep lock", slog.String("error", uerr.Error()))
			}
		}()
	}

	report, err = s.sweeper.Sweep(ctx, s.cfg.Timeout)
	if err != nil {
		return report, true, err
	}
	if report != nil && (len(report.Failed) > 0 || report.Refunded > 0 || len(report.Stalled) > 0) {
		s.logger.Info("sweep finished",
			slog.Int("failed", len(report.Failed)),
			slog.Int("refunded", report.Refunded),
			slog.Int("stalled", len(report.Stalled)),
		)
	}
	return report, true, nil
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	s.logger.Info("sweep scheduler stopped")
	return nil
}
