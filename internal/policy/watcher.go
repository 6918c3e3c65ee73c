package policy

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch reloads the policy whenever its allow-list file changes, until ctx
// is cancelled. The parent directory is watched so editors that replace the
// file by rename are picked up too. onReload, if set, runs after each
// successful reload.
func (p *Policy) Watch(ctx context.Context, onReload func(domains int)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	target, err := filepath.Abs(p.path)
	if err != nil {
		watcher.Close()
		return fmt.Errorf("failed to resolve allow-list path: %w", err)
	}

	if err := watcher.Add(filepath.Dir(target)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(target), err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
					!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
					continue
				}

				domains, err := p.Reload()
				if err != nil {
					p.logger.Warn("Allow-list reload failed", zap.String("path", p.path), zap.Error(err))
					continue
				}
				if onReload != nil {
					onReload(domains)
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				p.logger.Warn("Allow-list watcher error", zap.Error(err))
			}
		}
	}()

	p.logger.Info("Watching allow-list for changes", zap.String("path", target))
	return nil
}
