package tax

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/platinummonkey/tally/pkg/observability"
)

// Watcher hot-reloads the rate table when the file changes on disk.
type Watcher struct {
	table   *Table
	watcher *fsnotify.Watcher
	logger  *observability.Logger
}

// NewWatcher starts watching the table's directory. Editors replace files
// rather than writing in place, so the directory is watched and events are
// filtered by name.
func NewWatcher(table *Table, logger *observability.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := fsw.Add(filepath.Dir(table.path)); err != nil {
		fsw.Close()
		return nil, err
	}

	return &Watcher{
		table:   table,
		watcher: fsw,
		logger:  logger,
	}, nil
}

// Run processes file events until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer observability.RecoverPanic(w.logger, "tax table watcher")

	target := filepath.Base(w.table.path)

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			if err := w.table.Reload(); err != nil {
				// Keep serving the previous table.
				w.logger.WithError(err).Error("tax table reload failed")
				continue
			}
			w.logger.WithField("rules", w.table.RuleCount()).Info("tax table reloaded")

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("tax table watcher error")
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
