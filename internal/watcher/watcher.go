package watcher

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultFlushInterval = 500 * time.Millisecond

// excludedDirs are never watched or counted.
var excludedDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"vendor":       true,
}

const changeOps = fsnotify.Create | fsnotify.Write | fsnotify.Remove | fsnotify.Rename

// Watcher counts file changes in each session's working directory.
type Watcher struct {
	mu       sync.RWMutex
	watchers map[string]*sessionWatcher // sessionID → watcher
	logger   *slog.Logger
	flush    time.Duration
}

type sessionWatcher struct {
	sessionID string
	workDir   string
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}
	changes   atomic.Int64
}

// New creates a file system watcher.
func New(logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		watchers: make(map[string]*sessionWatcher),
		logger:   logger,
		flush:    defaultFlushInterval,
	}
}

// Watch starts counting changes under workDir for a session. Watching an
// already watched session restarts its counter.
func (w *Watcher) Watch(sessionID, workDir string) error {
	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := addDirsRecursive(fsW, workDir); err != nil {
		fsW.Close()
		return err
	}

	sw := &sessionWatcher{
		sessionID: sessionID,
		workDir:   workDir,
		fsWatcher: fsW,
		cancel:    make(chan struct{}),
	}

	w.mu.Lock()
	prev := w.watchers[sessionID]
	w.watchers[sessionID] = sw
	w.mu.Unlock()

	if prev != nil {
		prev.stop()
	}

	go w.watchLoop(sw)
	return nil
}

// Unwatch stops watching a session's directory.
func (w *Watcher) Unwatch(sessionID string) {
	w.mu.Lock()
	sw, ok := w.watchers[sessionID]
	if ok {
		delete(w.watchers, sessionID)
	}
	w.mu.Unlock()

	if ok {
		sw.stop()
	}
}

// Count returns the number of changed paths seen for a session so far.
func (w *Watcher) Count(sessionID string) int64 {
	w.mu.RLock()
	sw, ok := w.watchers[sessionID]
	w.mu.RUnlock()

	if !ok {
		return 0
	}
	return sw.changes.Load()
}

func (sw *sessionWatcher) stop() {
	close(sw.cancel)
	sw.fsWatcher.Close()
}

// watchLoop collects changed paths and folds them into the counter once per
// flush interval, so a burst of events on one file counts once.
func (w *Watcher) watchLoop(sw *sessionWatcher) {
	pending := make(map[string]struct{})
	timer := time.NewTimer(w.flush)
	timer.Stop()
	defer timer.Stop()
	var flushC <-chan time.Time

	for {
		select {
		case <-sw.cancel:
			return

		case event, ok := <-sw.fsWatcher.Events:
			if !ok {
				return
			}
			if ignored(sw.workDir, event.Name) {
				continue
			}

			// Follow new directories.
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := addDirsRecursive(sw.fsWatcher, event.Name); err != nil {
						w.logger.Debug("watch new directory", "session_id", sw.sessionID, "path", event.Name, "error", err)
					}
				}
			}

			if event.Op&changeOps == 0 {
				continue
			}
			pending[event.Name] = struct{}{}
			if flushC == nil {
				timer.Reset(w.flush)
				flushC = timer.C
			}

		case <-flushC:
			flushC = nil
			sw.changes.Add(int64(len(pending)))
			clear(pending)

		case err, ok := <-sw.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", "session_id", sw.sessionID, "error", err)
		}
	}
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

// ignored reports whether path lies in an excluded or hidden directory, or is
// a hidden file. .claude is the one hidden directory that counts.
func ignored(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return false
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if excludedDirs[part] {
			return true
		}
		if isHidden(part) && part != ".claude" {
			return true
		}
	}
	return false
}

// addDirsRecursive adds a directory and its subdirectories to an fsnotify watcher.
func addDirsRecursive(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}

		name := d.Name()
		if excludedDirs[name] && path != dir {
			return filepath.SkipDir
		}
		if isHidden(name) && name != ".claude" && path != dir {
			return filepath.SkipDir
		}

		return w.Add(path)
	})
}

func isHidden(name string) bool {
	return len(name) > 0 && name[0] == '.'
}
