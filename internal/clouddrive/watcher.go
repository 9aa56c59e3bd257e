package clouddrive

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher turns filesystem events under a local drive root into sync
// triggers. Bursts of events are coalesced into one call of OnChange.
type Watcher struct {
	Root       string
	Recursive  bool
	Extensions []string
	Debounce   time.Duration
	OnChange   func(ctx context.Context)
	Logger     *slog.Logger
}

func (w *Watcher) Run(ctx context.Context) error {
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}
	debounce := w.Debounce
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()
	if err := w.addTree(fsw, w.Root); err != nil {
		return err
	}

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) && w.Recursive {
				if info, statErr := os.Stat(event.Name); statErr == nil && info.IsDir() {
					if err := w.addTree(fsw, event.Name); err != nil {
						logger.Warn("watch new directory failed", "path", event.Name, "error", err)
					}
					continue
				}
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			if strings.HasPrefix(filepath.Base(event.Name), ".") || !IsSupported(event.Name, w.Extensions) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			logger.Warn("filesystem watcher error", "root", w.Root, "error", err)
		case <-fire:
			fire = nil
			if w.OnChange != nil {
				w.OnChange(ctx)
			}
		}
	}
}

func (w *Watcher) addTree(fsw *fsnotify.Watcher, root string) error {
	if !w.Recursive {
		return fsw.Add(root)
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return fsw.Add(path)
	})
}
