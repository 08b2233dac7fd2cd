package application

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	billing "water-billing/internal/billing/domain"
)

// BillingExecutor runs a single billing config.
type BillingExecutor interface {
	ExecuteBilling(ctx context.Context, configID string) (*Result, error)
}

// Scheduler triggers billing runs for configs whose next run is due.
type Scheduler struct {
	configs  billing.ConfigStore
	executor BillingExecutor
	interval time.Duration
	clock    Clock
	logger   *zap.Logger

	mu      sync.Mutex
	invalid map[string]bool
}

// NewScheduler constructs a Scheduler. A non-positive interval polls every minute.
func NewScheduler(configs billing.ConfigStore, executor BillingExecutor, interval time.Duration, clock Clock, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		configs:  configs,
		executor: executor,
		interval: interval,
		clock:    clock,
		logger:   logger.Named("scheduler"),
		invalid:  make(map[string]bool),
	}
}

// Start begins the scheduler loop and blocks until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.executor == nil || s.configs == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunDue(ctx, s.clock.Now())
		}
	}
}

// RunDue executes every config due at now and returns the number of runs started.
// Configs that fail validation are skipped until they are fixed; each is reported
// once per breakage.
func (s *Scheduler) RunDue(ctx context.Context, now time.Time) int {
	configs, err := s.configs.ListDueConfigs(ctx, now)
	if err != nil {
		s.logger.Error("list due configs failed", zap.Error(err))
		return 0
	}
	started := 0
	for _, cfg := range configs {
		if ctx.Err() != nil {
			return started
		}
		if !cfg.Due(now) {
			continue
		}
		if err := cfg.Validate(); err != nil {
			s.skipInvalid(cfg.ID, err)
			continue
		}
		s.clearInvalid(cfg.ID)
		started++
		res, err := s.executor.ExecuteBilling(ctx, cfg.ID)
		switch {
		case errors.Is(err, billing.ErrInvalidConfig):
			s.skipInvalid(cfg.ID, err)
		case errors.Is(err, billing.ErrRunInProgress):
			s.logger.Info("billing run skipped, already running", zap.String("config_id", cfg.ID))
		case err != nil:
			s.logger.Error("scheduled billing run failed", zap.String("config_id", cfg.ID), zap.Error(err))
		default:
			s.logger.Info("scheduled billing run done",
				zap.String("config_id", cfg.ID),
				zap.String("execution_id", res.ExecutionID),
				zap.String("status", string(res.Status)))
		}
	}
	return started
}

func (s *Scheduler) skipInvalid(configID string, err error) {
	s.mu.Lock()
	reported := s.invalid[configID]
	s.invalid[configID] = true
	s.mu.Unlock()
	if reported {
		s.logger.Debug("invalid billing config still skipped", zap.String("config_id", configID))
		return
	}
	s.logger.Warn("billing config is invalid, skipping until fixed", zap.String("config_id", configID), zap.Error(err))
}

func (s *Scheduler) clearInvalid(configID string) {
	s.mu.Lock()
	delete(s.invalid, configID)
	s.mu.Unlock()
}
