package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentworkforce/drivesync/internal/archive"
	"github.com/agentworkforce/drivesync/internal/clouddrive"
	"github.com/agentworkforce/drivesync/internal/config"
	"github.com/agentworkforce/drivesync/internal/dedup"
	"github.com/agentworkforce/drivesync/internal/extraction"
	"github.com/agentworkforce/drivesync/internal/ledger"
	"github.com/agentworkforce/drivesync/internal/notify"
	"github.com/agentworkforce/drivesync/internal/syncer"
)

// App holds the wired components shared by the service and the batch CLI.
type App struct {
	Config       config.Config
	Store        ledger.Store
	Archive      archive.Archive
	Hub          *notify.Hub
	Orchestrator *syncer.Orchestrator
	Scheduler    *syncer.Scheduler

	closers []func()
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	storeDSN, archiveDSN, err := StorageDSNs(cfg)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg}

	store, err := ledger.BuildStoreFromDSN(storeDSN)
	if err != nil {
		return nil, fmt.Errorf("initialize store: %w", err)
	}
	a.Store = store
	a.closers = append(a.closers, func() { _ = store.Close() })

	docArchive, err := archive.Open(ctx, archiveDSN)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("initialize archive: %w", err)
	}
	a.Archive = docArchive
	a.closers = append(a.closers, func() { _ = docArchive.Close() })

	extractor, closeBackends, err := BuildExtractor(ctx, cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, closeBackends)

	a.Hub = notify.NewHub(notify.DefaultBufferSize, logger)
	a.closers = append(a.closers, a.Hub.Close)

	orch, err := syncer.NewOrchestrator(syncer.Options{
		Store:     store,
		Detector:  dedup.NewDetector(store, dedup.Options{StaleAfter: cfg.StaleAfter, Logger: logger}),
		Extractor: extractor,
		Notifier:  a.Hub,
		Archive:   docArchive,
		Credentials: clouddrive.Credentials{
			Dropbox:     clouddrive.AppCredentials{ClientID: cfg.Dropbox.ClientID, ClientSecret: cfg.Dropbox.ClientSecret},
			GoogleDrive: clouddrive.AppCredentials{ClientID: cfg.GoogleDrive.ClientID, ClientSecret: cfg.GoogleDrive.ClientSecret},
		},
		Extensions:   cfg.SupportedExtensions,
		MaxFileBytes: cfg.MaxFileBytes,
		OwnTaxID:     cfg.OwnTaxID,
		Logger:       logger,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("initialize orchestrator: %w", err)
	}
	a.Orchestrator = orch
	a.Scheduler = syncer.NewScheduler(orch, store, syncer.SchedulerOptions{
		Interval:   cfg.SyncInterval,
		Poll:       cfg.PollingEnabled(),
		RunOnStart: cfg.PollingEnabled(),
		Logger:     logger,
	})
	// Scheduler drains triggered passes before the store goes away.
	a.closers = append(a.closers, a.Scheduler.Close)
	return a, nil
}

// Close releases components in reverse order of construction.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// BuildExtractor wires Gemini as the primary backend and OpenAI as the
// fallback, each only when its credentials are present.
func BuildExtractor(ctx context.Context, cfg config.Config, logger *slog.Logger) (*extraction.Extractor, func(), error) {
	var primary, fallback extraction.Backend
	closeFn := func() {}
	if cfg.Gemini.ProjectID != "" {
		gemini, err := extraction.NewGeminiBackend(ctx, cfg.Gemini.ProjectID, cfg.Gemini.Location, cfg.Gemini.Model)
		if err != nil {
			return nil, nil, fmt.Errorf("initialize gemini backend: %w", err)
		}
		primary = gemini
		closeFn = func() { _ = gemini.Close() }
	}
	if cfg.OpenAI.APIKey != "" {
		openAI, err := extraction.NewOpenAIBackend(cfg.OpenAI.APIKey, cfg.OpenAI.Model, cfg.OpenAI.BaseURL)
		if err != nil {
			closeFn()
			return nil, nil, fmt.Errorf("initialize openai backend: %w", err)
		}
		fallback = openAI
	}
	if primary == nil && fallback == nil {
		logger.Warn("no extraction backend configured, documents will be marked failed")
	}
	extractor := extraction.NewExtractor(primary, fallback, extraction.ExtractorOptions{
		Timeout: cfg.ExtractionTimeout,
		Logger:  logger,
	})
	return extractor, closeFn, nil
}

// StorageDSNs resolves the store and archive DSNs. Explicit DSNs win over the
// defaults of DRIVESYNC_PROFILE.
func StorageDSNs(cfg config.Config) (storeDSN, archiveDSN string, err error) {
	profileStore, profileArchive, err := storageProfileDefaultsFromEnv()
	if err != nil {
		return "", "", err
	}
	storeDSN = cfg.StoreDSN
	if storeDSN == "" {
		storeDSN = profileStore
	}
	archiveDSN = cfg.ArchiveDSN
	if archiveDSN == "" {
		archiveDSN = profileArchive
	}
	return storeDSN, archiveDSN, nil
}

func storageProfileDefaultsFromEnv() (storeDSN, archiveDSN string, err error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("DRIVESYNC_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("DRIVESYNC_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".drivesync"
	}
	switch profile {
	case "", "custom":
		return "", "", nil
	case "memory", "inmemory":
		return "memory://", "", nil
	case "production", "prod":
		productionDSN := strings.TrimSpace(os.Getenv("DRIVESYNC_POSTGRES_DSN"))
		if productionDSN == "" {
			productionDSN = strings.TrimSpace(os.Getenv("DATABASE_URL"))
		}
		if productionDSN == "" {
			return "", "", fmt.Errorf("DRIVESYNC_POSTGRES_DSN or DATABASE_URL is required when DRIVESYNC_PROFILE=%s", profile)
		}
		bucket := strings.TrimSpace(os.Getenv("DRIVESYNC_ARCHIVE_BUCKET"))
		if bucket == "" {
			return productionDSN, "", nil
		}
		return productionDSN, "gs://" + bucket + "/documents", nil
	case "local", "durable-local":
		absDir, err := filepath.Abs(dataDir)
		if err != nil {
			return "", "", err
		}
		return "memory://", "file://" + filepath.ToSlash(filepath.Join(absDir, "documents")), nil
	default:
		return "", "", fmt.Errorf("unsupported DRIVESYNC_PROFILE: %s", profile)
	}
}
