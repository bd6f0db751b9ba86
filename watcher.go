package policy

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/oarkflow/policy/logger"
)

// ConfigWatcher reloads a config file into an engine whenever the file
// changes on disk. Editors that replace files by rename are handled by
// watching the parent directory.
type ConfigWatcher struct {
	engine  *Engine
	path    string
	log     logger.Logger
	watcher *fsnotify.Watcher
	done    chan struct{}
}

func NewConfigWatcher(engine *Engine, path string, log logger.Logger) (*ConfigWatcher, error) {
	if log == nil {
		log = logger.NewNullLogger()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	return &ConfigWatcher{engine: engine, path: abs, log: log}, nil
}

// Start begins watching. It returns after the watch is established; the
// reload loop runs until ctx is cancelled or Stop is called.
func (w *ConfigWatcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		fw.Close()
		return err
	}
	w.watcher = fw
	w.done = make(chan struct{})
	go w.loop(ctx)
	return nil
}

// Stop ends the watch and waits for the loop to exit.
func (w *ConfigWatcher) Stop() {
	if w.watcher != nil {
		w.watcher.Close()
		<-w.done
	}
}

func (w *ConfigWatcher) loop(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(evt.Name) != w.path {
				continue
			}
			if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.reload(ctx)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("config watch error", "path", w.path, "error", err.Error())
		}
	}
}

func (w *ConfigWatcher) reload(ctx context.Context) {
	cfg, err := LoadConfigFile(w.path)
	if err != nil {
		w.log.Error("config reload failed", "path", w.path, "error", err.Error())
		return
	}
	if err := w.engine.ApplyConfig(ctx, cfg); err != nil {
		w.log.Error("config apply failed", "path", w.path, "error", err.Error())
		return
	}
	w.log.Info("config reloaded", "path", w.path, "policies", len(cfg.Documents))
}
