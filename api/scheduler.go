/*
scheduler.go - Background dispatch and sweep scheduler

PURPOSE:
  Runs the engine's background work inside the server process:
  - The Dispatcher poll loop (every PollInterval)
  - A periodic reconcile sweep over all rules (safety net for missed
    subscription-change triggers)
  - A periodic stuck-claim sweep (recovers crashed deliveries)

DESIGN:
  - The sweeps are cron entries (robfig/cron), so operators can use either
    standard 5-field specs or "@every 15m" descriptors
  - SkipIfStillRunning: a slow sweep is never stacked on itself
  - Every loop reads shared persisted state; running several server
    processes is safe because the instance claim is atomic in the store

USAGE:
  scheduler := NewScheduler(handler, ScheduleConfig{...}, logger)
  if err := scheduler.Start(); err != nil { ... }
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: Admin endpoints (manual triggers)
  - alerting/dispatcher.go: Run / SweepStuck
*/
package api

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// ScheduleConfig holds cron specs. An empty spec disables that sweep.
type ScheduleConfig struct {
	Reconcile  string
	StuckSweep string
	// Dispatch disables the poll loop when false.
	Dispatch bool
}

// Scheduler owns the background loops.
type Scheduler struct {
	handler *Handler
	config  ScheduleConfig
	logger  *slog.Logger

	cron   *cron.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewScheduler(h *Handler, cfg ScheduleConfig, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		handler: h,
		config:  cfg,
		logger:  logger.With("component", "scheduler"),
	}
}

// Start registers the sweeps and launches the dispatcher loop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if s.config.Reconcile != "" {
		if _, err := c.AddFunc(s.config.Reconcile, func() { s.reconcileSweep(ctx) }); err != nil {
			cancel()
			return fmt.Errorf("schedule reconcile sweep %q: %w", s.config.Reconcile, err)
		}
	}
	if s.config.StuckSweep != "" {
		if _, err := c.AddFunc(s.config.StuckSweep, func() { s.stuckSweep(ctx) }); err != nil {
			cancel()
			return fmt.Errorf("schedule stuck sweep %q: %w", s.config.StuckSweep, err)
		}
	}
	c.Start()

	if s.config.Dispatch {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			_ = s.handler.Dispatcher.Run(ctx)
		}()
	}

	s.cron = c
	s.cancel = cancel
	s.logger.Info("scheduler started",
		"reconcile", s.config.Reconcile,
		"stuck_sweep", s.config.StuckSweep,
		"poll_interval", s.handler.Dispatcher.Config().PollInterval,
	)
	return nil
}

// Stop cancels in-flight work and waits for it to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.cancel = nil
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) reconcileSweep(ctx context.Context) {
	summary, err := s.handler.Reconciler.ReconcileAll(ctx)
	if err != nil && ctx.Err() == nil {
		s.logger.Error("reconcile sweep failed", "error", err)
	}
	s.logger.Debug("reconcile sweep complete", "rules", summary.Rules, "errors", summary.Errors)
}

func (s *Scheduler) stuckSweep(ctx context.Context) {
	if _, _, err := s.handler.Dispatcher.SweepStuck(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("stuck sweep failed", "error", err)
	}
}
