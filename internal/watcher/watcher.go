// Package watcher reports changes to the manifests of registered
// workspaces: package.json and .clihub/commands.json.
package watcher

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceInterval = 500 * time.Millisecond

const (
	packageManifest = "package.json"
	commandsDir     = ".clihub"
	commandsFile    = "commands.json"
)

// ChangeCallback is called once per burst of manifest changes.
type ChangeCallback func(workspaceID string)

// Watcher monitors workspace roots for manifest changes.
type Watcher struct {
	mu       sync.Mutex
	watchers map[string]*workspaceWatcher // workspaceID → watcher
	debounce time.Duration
	callback ChangeCallback
	logger   *slog.Logger
}

type workspaceWatcher struct {
	workspaceID string
	root        string
	fsWatcher   *fsnotify.Watcher
	cancel      chan struct{}
}

// New creates a watcher that calls callback for changed workspaces.
func New(logger *slog.Logger, callback ChangeCallback) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		watchers: make(map[string]*workspaceWatcher),
		debounce: debounceInterval,
		callback: callback,
		logger:   logger,
	}
}

// Watch starts watching the workspace rooted at root. Watching an already
// watched workspace replaces the previous watch.
func (w *Watcher) Watch(workspaceID, root string) error {
	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsW.Add(root); err != nil {
		fsW.Close()
		return err
	}
	// The commands dir may not exist yet; it is added when created.
	if info, err := os.Stat(filepath.Join(root, commandsDir)); err == nil && info.IsDir() {
		_ = fsW.Add(filepath.Join(root, commandsDir))
	}

	ww := &workspaceWatcher{
		workspaceID: workspaceID,
		root:        root,
		fsWatcher:   fsW,
		cancel:      make(chan struct{}),
	}

	w.mu.Lock()
	prev := w.watchers[workspaceID]
	w.watchers[workspaceID] = ww
	w.mu.Unlock()

	if prev != nil {
		prev.stop()
	}

	go w.watchLoop(ww)
	w.logger.Debug("watching workspace", "workspace", workspaceID, "path", root)
	return nil
}

// Unwatch stops watching a workspace.
func (w *Watcher) Unwatch(workspaceID string) {
	w.mu.Lock()
	ww, ok := w.watchers[workspaceID]
	if ok {
		delete(w.watchers, workspaceID)
	}
	w.mu.Unlock()

	if ok {
		ww.stop()
	}
}

// Watching reports whether workspaceID has an active watch.
func (w *Watcher) Watching(workspaceID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.watchers[workspaceID]
	return ok
}

func (ww *workspaceWatcher) stop() {
	close(ww.cancel)
	ww.fsWatcher.Close()
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop(ww *workspaceWatcher) {
	var timer *time.Timer

	for {
		select {
		case <-ww.cancel:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-ww.fsWatcher.Events:
			if !ok {
				return
			}

			dir := filepath.Join(ww.root, commandsDir)
			if event.Name == dir && event.Has(fsnotify.Create) {
				_ = ww.fsWatcher.Add(dir)
				continue
			}
			if !ww.isManifest(event.Name) {
				continue
			}

			// Debounce: reset timer on each event.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case <-ww.cancel:
					return
				default:
				}
				if w.callback != nil {
					w.callback(ww.workspaceID)
				}
			})

		case err, ok := <-ww.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", "workspace", ww.workspaceID, "error", err)
		}
	}
}

func (ww *workspaceWatcher) isManifest(name string) bool {
	switch filepath.Clean(name) {
	case filepath.Join(ww.root, packageManifest), filepath.Join(ww.root, commandsDir, commandsFile):
		return true
	}
	return false
}

// Shutdown stops all watchers.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	ids := make([]string, 0, len(w.watchers))
	for id := range w.watchers {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	for _, id := range ids {
		w.Unwatch(id)
	}
}
