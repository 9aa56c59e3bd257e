package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/drivesync/internal/app"
	"github.com/agentworkforce/drivesync/internal/config"
	"github.com/agentworkforce/drivesync/internal/ledger"
	"github.com/agentworkforce/drivesync/internal/syncer"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	envFile := flag.String("env-file", envOrDefault("DRIVESYNC_ENV_FILE", ".env"), "dotenv file loaded before the environment")
	tenantID := flag.String("tenant", strings.TrimSpace(os.Getenv("DRIVESYNC_SYNC_TENANT")), "only sync configurations of this tenant")
	interval := flag.Duration("interval", durationEnv("DRIVESYNC_SYNC_INTERVAL", syncer.DefaultInterval), "sync interval")
	intervalJitter := flag.Float64("interval-jitter", floatEnv("DRIVESYNC_SYNC_INTERVAL_JITTER", 0.1), "sync interval jitter ratio (0.0-1.0)")
	timeout := flag.Duration("timeout", durationEnv("DRIVESYNC_SYNC_TIMEOUT", 10*time.Minute), "per-batch timeout")
	once := flag.Bool("once", false, "run one sync batch and exit")
	flag.Parse()

	cfg, err := config.Load(logger, *envFile)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *interval <= 0 {
		*interval = syncer.DefaultInterval
	}
	if *timeout <= 0 {
		*timeout = 10 * time.Minute
	}
	*intervalJitter = clampJitterRatio(*intervalJitter)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(rootCtx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	run := func() {
		ctx, cancel := context.WithTimeout(rootCtx, *timeout)
		defer cancel()
		var (
			passes, failures int
			err              error
		)
		if *tenantID != "" {
			passes, failures, err = syncTenant(ctx, a.Store, a.Orchestrator, strings.TrimSpace(*tenantID))
		} else {
			batch, ran := a.Scheduler.RunBatch(ctx)
			if !ran {
				return
			}
			passes, failures = len(batch.Passes), batch.Errors
		}
		if err != nil {
			logger.Error("sync batch failed", "error", err)
			return
		}
		logger.Info("sync batch completed", "passes", passes, "failures", failures)
	}

	run()
	if *once {
		return
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-rootCtx.Done():
			logger.Info("sync loop stopping", "reason", rootCtx.Err())
			return
		case <-timer.C:
			run()
			timer.Reset(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
		}
	}
}

type configSyncer interface {
	SyncConfig(ctx context.Context, cfg ledger.CloudDriveConfig) (syncer.PassResult, error)
}

// syncTenant runs a pass for every active configuration of one tenant.
func syncTenant(ctx context.Context, store ledger.Store, orch configSyncer, tenantID string) (passes, failures int, err error) {
	configs, err := store.ListDriveConfigsByTenant(ctx, tenantID)
	if err != nil {
		return 0, 0, fmt.Errorf("list configurations for tenant %s: %w", tenantID, err)
	}
	for _, cfg := range configs {
		if !cfg.Active {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		if _, err := orch.SyncConfig(ctx, cfg); err != nil {
			if !errors.Is(err, syncer.ErrPassInProgress) {
				failures++
			}
			continue
		}
		passes++
	}
	return passes, failures, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid duration, using fallback", "name", name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		slog.Warn("invalid float, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
