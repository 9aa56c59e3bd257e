package syncer

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/drivesync/internal/clouddrive"
	"github.com/agentworkforce/drivesync/internal/ledger"
)

// WatchLocal runs a filesystem watcher for every active local configuration
// and triggers a pass when files under its folder change.
func (s *Scheduler) WatchLocal(ctx context.Context, extensions []string, debounce time.Duration) error {
	configs, err := s.store.ListActiveDriveConfigs(ctx)
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	watched := 0
	for _, cfg := range configs {
		if cfg.Provider != ledger.ProviderLocal {
			continue
		}
		cfg := cfg
		watcher := &clouddrive.Watcher{
			Root:       cfg.FolderPath,
			Recursive:  cfg.Recursive,
			Extensions: extensions,
			Debounce:   debounce,
			Logger:     s.logger.With("tenant", cfg.TenantID, "config", cfg.ID),
			OnChange: func(context.Context) {
				s.TriggerConfig(cfg, "fsnotify")
			},
		}
		watched++
		g.Go(func() error {
			return watcher.Run(ctx)
		})
	}
	s.logger.Info("local folder watchers started", "count", watched)
	return g.Wait()
}
