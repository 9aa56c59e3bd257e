package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/drivesync/internal/app"
	"github.com/agentworkforce/drivesync/internal/config"
	"github.com/agentworkforce/drivesync/internal/httpapi"
)

const (
	shutdownTimeout = 15 * time.Second
	watchDebounce   = 2 * time.Second
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(os.Getenv("DRIVESYNC_LOG_LEVEL"))}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("drivesync exited with error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load(logger, ".env")
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(rootCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewServer(a.Scheduler, a.Orchestrator, a.Hub, serverConfig(cfg, logger)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		return a.Scheduler.Run(ctx)
	})
	if cfg.WebhooksEnabled() {
		g.Go(func() error {
			return a.Scheduler.WatchLocal(ctx, cfg.SupportedExtensions, watchDebounce)
		})
	}
	g.Go(func() error {
		logger.Info("drivesync listening", "addr", cfg.Addr, "mode", cfg.SyncMode, "interval", cfg.SyncInterval.String())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Open event streams would otherwise hold Shutdown until the timeout.
		a.Hub.Close()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func serverConfig(cfg config.Config, logger *slog.Logger) httpapi.ServerConfig {
	return httpapi.ServerConfig{
		JWTSecret:         cfg.JWTSecret,
		DropboxAppSecret:  cfg.Dropbox.ClientSecret,
		DriveChannelToken: cfg.DriveChannelToken,
		WebhooksEnabled:   cfg.WebhooksEnabled(),
		RateLimitMax:      cfg.RateLimitMax,
		RateLimitWindow:   cfg.RateLimitWindow,
		MaxBodyBytes:      cfg.MaxBodyBytes,
		AllowedOrigins:    cfg.AllowedOrigins,
		Logger:            logger,
	}
}

func logLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
