package arbiter

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ///////////////////////////////////////////////
// Heartbeat Directory Watcher
// ///////////////////////////////////////////////

// dirWatcher monitors a heartbeat directory for changes using fsnotify with a
// stat-polling fallback, so elections react to other instances' announcements
// without waiting for the next local heartbeat tick.
type dirWatcher struct {
	// dir is the heartbeat directory being monitored.
	dir string
	// events delivers a signal each time a heartbeat file changes. Buffered
	// to 1 so back-to-back announcements coalesce.
	events chan struct{}
	// done is closed by Close to stop the watch goroutine.
	done chan struct{}
	// fsw is the underlying fsnotify watcher; nil when polling.
	fsw *fsnotify.Watcher
	// once makes Close idempotent.
	once sync.Once
	// pollInterval is the stat period in polling mode.
	pollInterval time.Duration
}

// newDirWatcher watches dir for heartbeat file writes. If fsnotify is
// unavailable it degrades to polling at the given interval.
func newDirWatcher(dir string, pollInterval time.Duration) (*dirWatcher, error) {
	w := &dirWatcher{
		dir:          dir,
		events:       make(chan struct{}, 1),
		done:         make(chan struct{}),
		pollInterval: pollInterval,
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Info("fsnotify unavailable, polling heartbeat dir", "error", err)
		go w.poll()
		return w, nil
	}
	if err := fsw.Add(dir); err != nil {
		slog.Info("cannot watch heartbeat dir, polling", "dir", dir, "error", err)
		fsw.Close()
		go w.poll()
		return w, nil
	}

	w.fsw = fsw
	go w.watch()
	return w, nil
}

// Events returns the change-notification channel.
func (w *dirWatcher) Events() <-chan struct{} { return w.events }

// Close stops the watcher and releases resources.
func (w *dirWatcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		if w.fsw != nil {
			err = w.fsw.Close()
		}
	})
	return err
}

// watch forwards fsnotify write/create/remove events for heartbeat files,
// falling back to polling on a watcher error.
func (w *dirWatcher) watch() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, HeartbeatExt) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) {
				w.notify()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Info("fsnotify error, switching to heartbeat polling", "error", err)
			w.fsw.Close()
			w.fsw = nil
			go w.poll()
			return
		}
	}
}

// poll stats the heartbeat directory periodically and notifies when the most
// recent heartbeat modification time advances.
func (w *dirWatcher) poll() {
	lastMod := w.latestMod()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			mod := w.latestMod()
			if mod.After(lastMod) {
				lastMod = mod
				w.notify()
			}
		}
	}
}

// latestMod returns the newest modification time among heartbeat files.
func (w *dirWatcher) latestMod() time.Time {
	var latest time.Time
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return latest
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), HeartbeatExt) {
			continue
		}
		info, err := os.Stat(filepath.Join(w.dir, e.Name()))
		if err != nil {
			continue
		}
		if info.ModTime().After(latest) {
			latest = info.ModTime()
		}
	}
	return latest
}

// notify sends a single coalesced signal.
func (w *dirWatcher) notify() {
	select {
	case w.events <- struct{}{}:
	default:
		// A signal is already pending, skip.
	}
}
