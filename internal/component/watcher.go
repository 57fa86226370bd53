package component

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"builder/internal/logging"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ChangedHandler is called after a template file changed and was reloaded.
type ChangedHandler func(name string)

// Watcher reloads templates when their files change on disk, so edits made
// outside the editor reach open pages.
type Watcher struct {
	watcher  *fsnotify.Watcher
	registry *Registry
	onChange ChangedHandler
	log      *zap.Logger
	done     chan struct{}
}

// Watch starts watching dir and returns once the watch is registered.
func Watch(dir string, registry *Registry, logger *zap.Logger, onChange ChangedHandler) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	w := &Watcher{
		watcher:  watcher,
		registry: registry,
		onChange: onChange,
		log:      logging.OrNop(logger).Named("component-watcher"),
		done:     make(chan struct{}),
	}
	go w.watchLoop()
	return w, nil
}

// Close stops the watcher and waits for the loop to exit.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *Watcher) watchLoop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			name, relevant := templateName(event)
			if !relevant {
				continue
			}
			w.registry.Invalidate(name)
			if _, err := w.registry.Load(context.Background(), name); err != nil {
				w.log.Error("reload component", zap.String("component", name), zap.Error(err))
				continue
			}
			w.log.Debug("component reloaded", zap.String("component", name), zap.Stringer("op", event.Op))
			if w.onChange != nil {
				w.onChange(name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("watcher error", zap.Error(err))
		}
	}
}

func templateName(event fsnotify.Event) (string, bool) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return "", false
	}
	base := filepath.Base(event.Name)
	if strings.HasPrefix(base, ".") || filepath.Ext(base) != ".json" {
		return "", false
	}
	return nameFromPath(base), true
}
