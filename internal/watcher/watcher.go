// Package watcher reloads the declared key file when it changes on disk.
package watcher

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mailtester/keybroker-go/internal/logger"
)

// DefaultDebounce coalesces the event bursts editors and config mounts
// produce for a single logical write.
const DefaultDebounce = 500 * time.Millisecond

// Watcher triggers a callback when one file changes.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(ctx context.Context)
	log      *logger.Logger
}

// New creates a watcher for path. onChange runs after each debounced change.
func New(path string, debounce time.Duration, onChange func(ctx context.Context), log *logger.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		path:     path,
		debounce: debounce,
		onChange: onChange,
		log:      log.WithModule("watcher"),
	}
}

// Run watches until ctx is canceled. The parent directory is watched
// instead of the file itself: atomic-rename writers (kubernetes config
// mounts, most editors) replace the inode, which would silently detach a
// file-level watch.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return err
	}
	w.log.WithField("path", w.path).Info("Key file watch started")

	base := filepath.Base(w.path)
	var pending *time.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()

	fire := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if !event.Has(fsnotify.Write | fsnotify.Create | fsnotify.Rename) {
				continue
			}
			if pending == nil {
				pending = time.AfterFunc(w.debounce, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})
			} else {
				pending.Reset(w.debounce)
			}

		case <-fire:
			pending = nil
			w.log.WithField("path", w.path).Info("Key file changed, reloading")
			w.onChange(ctx)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.WithError(err).Warn("Key file watch error")
		}
	}
}
