package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the configuration when the config or zones file changes.
// Directories are watched rather than files so editors that replace files
// atomically are noticed. A slow poll runs alongside as a safety net and
// becomes the only mechanism if fsnotify cannot be set up.
func (m *Manager) Watch(ctx context.Context, interval time.Duration, onReload func(*Config), onError func(error)) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	var events <-chan fsnotify.Event
	var errs <-chan error
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		report(onError, err)
	} else {
		defer watcher.Close()
		for _, dir := range m.watchedDirs() {
			if err := watcher.Add(dir); err != nil {
				report(onError, err)
			}
		}
		events, errs = watcher.Events, watcher.Errors
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	// debounce collapses the burst of events a single save produces.
	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	reload := func() {
		cfg, err := m.Reload()
		if err != nil {
			report(onError, err)
			return
		}
		if onReload != nil {
			onReload(cfg)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if m.isWatched(ev.Name) && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce.Reset(100 * time.Millisecond)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			report(onError, err)
		case <-debounce.C:
			reload()
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				report(onError, err)
				continue
			}
			if needs {
				reload()
			}
		}
	}
}

func (m *Manager) watchedDirs() []string {
	seen := make(map[string]bool)
	var dirs []string
	for _, p := range m.watched(m.cfg.Load()) {
		d := filepath.Dir(p)
		if !seen[d] {
			seen[d] = true
			dirs = append(dirs, d)
		}
	}
	return dirs
}

func (m *Manager) isWatched(name string) bool {
	name = filepath.Clean(name)
	for _, p := range m.watched(m.cfg.Load()) {
		if filepath.Clean(p) == name {
			return true
		}
	}
	return false
}

func report(onError func(error), err error) {
	if onError != nil && err != nil {
		onError(err)
	}
}
