package config

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/juju/errors"
	"gopkg.in/tomb.v2"

	"ocppmesh/internal/debuglog"
)

var logger = debuglog.Logger("config")

// Watcher reloads a config file whenever it changes on disk.
type Watcher struct {
	path     string
	fw       *fsnotify.Watcher
	onChange func(*Config)
	tomb     tomb.Tomb
}

// Watch calls onChange with every valid version of path written after the
// call. Invalid versions are logged and skipped. The directory is watched
// rather than the file so editors that replace the file are followed.
func Watch(path string, onChange func(*Config)) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Annotate(err, "creating file watcher")
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, errors.Annotatef(err, "watching %s", filepath.Dir(abs))
	}
	w := &Watcher{path: abs, fw: fw, onChange: onChange}
	w.tomb.Go(w.loop)
	return w, nil
}

func (w *Watcher) loop() error {
	defer w.fw.Close()
	for {
		select {
		case <-w.tomb.Dying():
			return tomb.ErrDying
		case ev, ok := <-w.fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				logger.Warningf("ignoring changed config: %v", err)
				continue
			}
			logger.Infof("reloaded %s", w.path)
			w.onChange(cfg)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return nil
			}
			logger.Warningf("watching %s: %v", w.path, err)
		}
	}
}

// Close stops watching and waits for the watcher goroutine.
func (w *Watcher) Close() error {
	w.tomb.Kill(nil)
	return w.tomb.Wait()
}
