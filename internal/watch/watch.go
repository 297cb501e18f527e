// Package watch reloads the plan file when it changes on disk.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tessera-app/supervisor/internal/plan"
)

const DefaultDebounce = 500 * time.Millisecond

// Installer receives each valid plan. *supervisor.Supervisor satisfies it.
type Installer interface {
	SetPlan(*plan.Plan)
}

// Watcher watches one plan file. Invalid edits are logged and ignored, so
// the last good plan stays installed.
type Watcher struct {
	path     string
	target   Installer
	logger   *slog.Logger
	debounce time.Duration

	mu       sync.Mutex
	lastHash string
}

// New creates a watcher for the plan at path. current is the hash of the
// plan already installed, so touching the file without changing it is a
// no-op.
func New(path, current string, target Installer) *Watcher {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return &Watcher{
		path:     abs,
		target:   target,
		logger:   slog.With("component", "watch", "plan", abs),
		debounce: DefaultDebounce,
		lastHash: current,
	}
}

// SetDebounce overrides the quiet period before a reload.
func (w *Watcher) SetDebounce(d time.Duration) { w.debounce = d }

// Run blocks until ctx is cancelled. The plan's directory is watched rather
// than the file so editors that replace the file by rename are seen.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(w.path), err)
	}
	w.logger.Info("watching plan for changes")

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.logger.Debug("plan file changed", "op", ev.Op)

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.Reload)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("file watcher error", "error", err)
		}
	}
}

// Reload loads the plan file and installs it if it is valid and differs
// from the last installed plan.
func (w *Watcher) Reload() {
	p, err := plan.Load(w.path)
	if err != nil {
		w.logger.Error("ignoring invalid plan", "error", err)
		return
	}

	hash := p.Hash()
	w.mu.Lock()
	if hash == w.lastHash {
		w.mu.Unlock()
		w.logger.Debug("plan unchanged")
		return
	}
	w.lastHash = hash
	w.mu.Unlock()

	w.target.SetPlan(p)
	w.logger.Info("plan reloaded, takes effect at next start", "groups", len(p.Groups), "processes", p.ProcessCount())
}
