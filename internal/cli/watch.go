package cli

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/roach88/ordserv/internal/coordinator"
	"github.com/roach88/ordserv/internal/schedule"
)

const defaultWatchDebounce = 100 * time.Millisecond

// scheduleWatcher starts a new coordinator run whenever the schedule file
// is written. Editors often replace files by rename, so the parent
// directory is watched and events are filtered by name.
type scheduleWatcher struct {
	path     string
	coord    *coordinator.Coordinator
	watcher  *fsnotify.Watcher
	debounce time.Duration

	mu     sync.Mutex
	timer  *time.Timer
	closed bool

	// reloaded, if set, receives every successful reload (for testing).
	reloaded func(runID string)
}

func newScheduleWatcher(path string, coord *coordinator.Coordinator) (*scheduleWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	return &scheduleWatcher{
		path:     abs,
		coord:    coord,
		watcher:  fw,
		debounce: defaultWatchDebounce,
	}, nil
}

// Run forwards file events until ctx is cancelled or the watcher is closed.
func (w *scheduleWatcher) Run(ctx context.Context) {
	slog.Info("watching schedule", "path", w.path)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.schedule()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("schedule watcher error", "path", w.path, "error", err)
		}
	}
}

// schedule coalesces a burst of writes into one reload.
func (w *scheduleWatcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.timer == nil {
		w.timer = time.AfterFunc(w.debounce, w.reload)
		return
	}
	w.timer.Reset(w.debounce)
}

// reload starts a new run with the file's current contents. A schedule that
// fails to load leaves the current run untouched. It holds mu throughout so
// Close cannot return while a reset is under way.
func (w *scheduleWatcher) reload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	sched, err := schedule.Load(w.path)
	if err != nil {
		slog.Warn("schedule not reloaded", "path", w.path, "error", err)
		return
	}
	runID := w.coord.Reset(sched)
	slog.Info("schedule reloaded, new run started",
		"path", w.path,
		"name", sched.Name,
		"rules", len(sched.Rules),
		"run_id", runID,
	)
	if w.reloaded != nil {
		w.reloaded(runID)
	}
}

// Close stops watching and cancels a pending reload. A reload already
// running finishes first; none starts afterwards.
func (w *scheduleWatcher) Close() error {
	w.mu.Lock()
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return w.watcher.Close()
}
