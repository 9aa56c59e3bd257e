package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentworkforce/drivesync/internal/ledger"
)

const DefaultInterval = 5 * time.Minute

type SchedulerOptions struct {
	Interval time.Duration
	// Poll enables the periodic batch. Without it the scheduler only serves
	// triggers.
	Poll       bool
	RunOnStart bool
	Logger     *slog.Logger
}

type BatchResult struct {
	Configs int
	Passes  []PassResult
	Errors  int
}

// Scheduler drives batch passes over every active configuration and
// out-of-cycle passes requested by webhooks, watchers or the API.
type Scheduler struct {
	orch       *Orchestrator
	store      ledger.Store
	interval   time.Duration
	poll       bool
	runOnStart bool
	logger     *slog.Logger

	batchRunning atomic.Bool
	baseCtx      context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	closeOnce    sync.Once
}

func NewScheduler(orch *Orchestrator, store ledger.Store, opts SchedulerOptions) *Scheduler {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		orch:       orch,
		store:      store,
		interval:   interval,
		poll:       opts.Poll,
		runOnStart: opts.RunOnStart,
		logger:     logger,
		baseCtx:    ctx,
		cancel:     cancel,
	}
}

// Run ticks until ctx is done, then waits for triggered passes to drain.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.Close()
	if !s.poll {
		s.logger.Info("periodic sync disabled, serving triggers only")
		<-ctx.Done()
		return nil
	}
	if s.runOnStart {
		s.RunBatch(ctx)
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping", "reason", ctx.Err())
			return nil
		case <-ticker.C:
			s.RunBatch(ctx)
		}
	}
}

// RunBatch processes every active configuration sequentially. A tick that
// finds a batch or any pass still running is skipped, not queued.
func (s *Scheduler) RunBatch(ctx context.Context) (BatchResult, bool) {
	if !s.batchRunning.CompareAndSwap(false, true) {
		s.logger.Warn("previous sync batch still running, skipping tick")
		return BatchResult{}, false
	}
	defer s.batchRunning.Store(false)
	if s.orch.Busy() {
		s.logger.Warn("sync pass still running, skipping tick")
		return BatchResult{}, false
	}

	configs, err := s.store.ListActiveDriveConfigs(ctx)
	if err != nil {
		s.logger.Error("list active configurations failed", "error", err)
		return BatchResult{Errors: 1}, true
	}
	batch := BatchResult{Configs: len(configs)}
	for _, listed := range configs {
		if ctx.Err() != nil {
			break
		}
		cfg, ok, err := s.reload(ctx, listed)
		if err != nil {
			batch.Errors++
			continue
		}
		if !ok {
			continue
		}
		result, err := s.safeSync(ctx, cfg)
		if err != nil {
			if !errors.Is(err, ErrPassInProgress) {
				batch.Errors++
			}
			continue
		}
		batch.Passes = append(batch.Passes, result)
	}
	s.logger.Info("sync batch finished", "configs", batch.Configs, "passes", len(batch.Passes), "errors", batch.Errors)
	return batch, true
}

// TriggerAccount starts a pass for every active configuration linked to the
// provider account. It returns the number of passes started.
func (s *Scheduler) TriggerAccount(ctx context.Context, provider, accountID string) (int, error) {
	configs, err := s.store.FindDriveConfigsByAccount(ctx, provider, accountID)
	if err != nil {
		return 0, fmt.Errorf("find configurations for %s account: %w", provider, err)
	}
	for _, cfg := range configs {
		s.TriggerConfig(cfg, "webhook")
	}
	return len(configs), nil
}

func (s *Scheduler) TriggerTenant(ctx context.Context, tenantID string) (int, error) {
	configs, err := s.store.ListDriveConfigsByTenant(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("list configurations for tenant: %w", err)
	}
	started := 0
	for _, cfg := range configs {
		if !cfg.Active {
			continue
		}
		s.TriggerConfig(cfg, "manual")
		started++
	}
	return started, nil
}

// TriggerConfig runs a pass for the configuration in the background. The
// stored copy is reloaded so the pass starts from the latest cursor.
func (s *Scheduler) TriggerConfig(cfg ledger.CloudDriveConfig, reason string) {
	if s.baseCtx.Err() != nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx := s.baseCtx
		current, ok, err := s.reload(ctx, cfg)
		if err != nil || !ok {
			return
		}
		s.logger.Info("triggered sync pass", "tenant", cfg.TenantID, "config", cfg.ID, "reason", reason)
		if _, err := s.safeSync(ctx, current); errors.Is(err, ErrPassInProgress) {
			s.logger.Info("sync pass already running, trigger coalesced", "config", cfg.ID)
		}
	}()
}

// reload fetches the stored copy of the configuration, which another pass may
// have advanced or deactivated. ok is false for an inactive configuration.
func (s *Scheduler) reload(ctx context.Context, cfg ledger.CloudDriveConfig) (ledger.CloudDriveConfig, bool, error) {
	current, err := s.store.GetDriveConfig(ctx, cfg.TenantID, cfg.ID)
	if err != nil {
		s.logger.Warn("reload configuration failed", "tenant", cfg.TenantID, "config", cfg.ID, "error", err)
		return ledger.CloudDriveConfig{}, false, err
	}
	return current, current.Active, nil
}

// Wait blocks until all triggered passes have returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
}

func (s *Scheduler) safeSync(ctx context.Context, cfg ledger.CloudDriveConfig) (result PassResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("sync pass panicked", "tenant", cfg.TenantID, "config", cfg.ID, "panic", r)
			err = fmt.Errorf("sync pass panicked: %v", r)
		}
	}()
	return s.orch.SyncConfig(ctx, cfg)
}
