package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"vigil/internal/logger"
)

// Watcher reloads the config file when it changes on disk and hands the
// parsed result to a callback. A reload that fails to parse or validate is
// logged and dropped; the running config stays untouched.
//
// Watching the directory instead of the file survives the rename dance most
// editors and configmap updates do. A periodic mtime check backstops missed
// events.
type Watcher struct {
	path    string
	fw      *fsnotify.Watcher
	onLoad  func(*Config)
	lastMod time.Time
	stopC   chan struct{}
	doneC   chan struct{}
}

func NewWatcher(path string, onLoad func(*Config)) (*Watcher, error) {
	if onLoad == nil {
		return nil, fmt.Errorf("config watcher requires a callback")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher failed: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching config dir failed: %w", err)
	}
	w := &Watcher{
		path:   abs,
		fw:     fw,
		onLoad: onLoad,
		stopC:  make(chan struct{}),
		doneC:  make(chan struct{}),
	}
	if info, err := os.Stat(abs); err == nil {
		w.lastMod = info.ModTime()
	}
	return w, nil
}

func (w *Watcher) Start(ctx context.Context) {
	go w.run(ctx)
}

func (w *Watcher) Stop() {
	close(w.stopC)
	<-w.doneC
	w.fw.Close()
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneC)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopC:
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Let the writer finish before reading.
			time.Sleep(100 * time.Millisecond)
			w.reloadIfChanged()
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			logger.Warnf("config watcher: %v", err)
		case <-ticker.C:
			w.reloadIfChanged()
		}
	}
}

func (w *Watcher) reloadIfChanged() {
	info, err := os.Stat(w.path)
	if err != nil {
		return
	}
	if !info.ModTime().After(w.lastMod) {
		return
	}
	w.lastMod = info.ModTime()
	cfg, err := Load(w.path)
	if err != nil {
		logger.Warnf("config reload rejected: %v", err)
		return
	}
	logger.Infof("config reloaded from %s", w.path)
	w.onLoad(cfg)
}
