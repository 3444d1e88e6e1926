package config

import (
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher notifies onChange with the freshly reloaded Config whenever the
// watched file is written. It never mutates the Config a caller already
// holds — callers that want live reconfiguration must apply onChange's
// value themselves.
type Watcher struct {
	fsw *fsnotify.Watcher
	log *zap.Logger
}

// WatchFile starts watching path for writes and calls onChange with the
// result of re-running Load against it. If Load fails (for example on a
// transient partial write from an editor saving in two steps), the error is
// logged, onChange is not called, and the watcher keeps running. Call Close
// to stop watching.
func WatchFile(path string, log *zap.Logger, onChange func(Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close() //nolint:errcheck
		return nil, err
	}

	w := &Watcher{fsw: fsw, log: log}
	go w.run(path, onChange)
	return w, nil
}

func (w *Watcher) run(path string, onChange func(Config)) {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(path)
			if err != nil {
				w.log.Error("reloading config after file change", zap.String("path", path), zap.Error(err))
				continue
			}
			onChange(cfg)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Error("config watcher error", zap.Error(err))
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
