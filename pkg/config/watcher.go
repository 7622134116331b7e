// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const reloadDebounce = 500 * time.Millisecond

// Watcher monitors either a config directory (LoadDir layout) or a single
// config file and triggers a full reload with debouncing.
type Watcher struct {
	path     string
	isDir    bool
	onChange func(*Config, string)
	logger   *zap.Logger
	debounce time.Duration

	watcher *fsnotify.Watcher
	mu      sync.Mutex
	stopCh  chan struct{}
}

// NewWatcher creates a watcher for path, which may be a directory or a
// file. onChange is called with the reloaded config and the base name of
// the file that changed.
func NewWatcher(path string, onChange func(*Config, string), logger *zap.Logger) *Watcher {
	isDir := false
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		isDir = true
	}
	return &Watcher{
		path:     path,
		isDir:    isDir,
		onChange: onChange,
		logger:   logger,
		debounce: reloadDebounce,
		stopCh:   make(chan struct{}),
	}
}

// Start begins watching for changes.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = fsw

	// Watch the parent of a single file so editors that replace the file
	// by rename are still seen.
	dir := w.path
	if !w.isDir {
		dir = filepath.Dir(w.path)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return err
	}

	go w.loop(ctx)
	w.logger.Info("config watcher started", zap.String("path", w.path), zap.Bool("dir", w.isDir))
	return nil
}

// Stop shuts down the watcher.
func (w *Watcher) Stop() {
	close(w.stopCh)
	if w.watcher != nil {
		w.watcher.Close()
	}
}

// relevant reports whether an event on name should trigger a reload.
func (w *Watcher) relevant(name string) bool {
	if !w.isDir {
		return filepath.Clean(name) == filepath.Clean(w.path)
	}
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}

func (w *Watcher) loop(ctx context.Context) {
	var debounceTimer *time.Timer
	var lastFile string

	stopTimer := func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			lastFile = filepath.Base(event.Name)
			w.logger.Debug("config file changed", zap.String("file", lastFile))

			stopTimer()
			changed := lastFile
			debounceTimer = time.AfterFunc(w.debounce, func() {
				w.reload(changed)
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))

		case <-ctx.Done():
			stopTimer()
			return

		case <-w.stopCh:
			stopTimer()
			return
		}
	}
}

func (w *Watcher) reload(changedFile string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var cfg *Config
	var err error
	if w.isDir {
		cfg, err = LoadDir(w.path)
	} else {
		cfg, err = Load(w.path)
	}
	if err != nil {
		w.logger.Error("config reload failed", zap.String("file", changedFile), zap.Error(err))
		return
	}

	w.logger.Info("config reloaded", zap.String("trigger", changedFile))
	w.onChange(cfg, changedFile)
}
