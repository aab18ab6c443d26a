package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a Catalog whenever its seed file changes on disk.
type Watcher struct {
	catalog  *Catalog
	path     string
	debounce time.Duration
	logger   *slog.Logger
	onChange func(version uint64)
}

// NewWatcher builds a Watcher. onChange may be nil; it runs after every
// reload that changed the catalog.
func NewWatcher(c *Catalog, path string, logger *slog.Logger, onChange func(version uint64)) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{catalog: c, path: path, debounce: 200 * time.Millisecond, logger: logger, onChange: onChange}
}

// Run watches until ctx is cancelled. The parent directory is watched so
// editors that replace the file atomically are picked up too.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("catalog: create watcher: %w", err)
	}
	defer func() { _ = fw.Close() }()

	target := filepath.Clean(w.path)
	if err := fw.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("catalog: watch %s: %w", target, err)
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				pending = time.After(w.debounce)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("catalog watcher error", slog.Any("error", err))
		case <-pending:
			pending = nil
			w.reload(ctx)
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	changed, err := w.catalog.Reload(ctx)
	if err != nil {
		w.logger.Error("catalog reload", slog.String("path", w.path), slog.Any("error", err))
		return
	}
	if changed && w.onChange != nil {
		w.onChange(w.catalog.Version())
	}
}

// Poll reloads c every interval until ctx is cancelled. observe may be nil;
// it receives every outcome, including rejected reloads.
func Poll(ctx context.Context, c *Catalog, interval time.Duration, logger *slog.Logger, observe func(version uint64, err error)) {
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			changed, err := c.Reload(ctx)
			if err != nil {
				logger.Error("catalog poll", slog.Any("error", err))
			} else if changed {
				logger.Info("catalog refreshed", slog.Uint64("version", c.Version()))
			}
			if observe != nil {
				observe(c.Version(), err)
			}
		}
	}
}
