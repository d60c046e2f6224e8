package config

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads the host application's config file(s) when they change
// on disk and invokes onChange with the newly resolved Config. Used when
// the host application rewrites its config file (e.g. after running the
// setup wizard) without the daemon being restarted.
type Watcher struct {
	watcher *fsnotify.Watcher
	log     *zap.Logger
}

// NewWatcher starts watching the directory containing opt's config file
// (or the directory a glob pattern resolves against).
func NewWatcher(opt *Opt, onChange func(*Config), log *zap.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(opt.ConfigFile)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{watcher: fsw, log: log}
	go w.loop(opt, onChange)
	return w, nil
}

func (w *Watcher) loop(opt *Opt, onChange func(*Config)) {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.log.Info("config: reloading after file change", zap.String("path", event.Name))
			cfg, err := Load(opt)
			if err != nil {
				w.log.Warn("config: reload failed, keeping previous config", zap.Error(err))
				continue
			}
			onChange(cfg)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("config: watch error", zap.Error(err))
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error { return w.watcher.Close() }
