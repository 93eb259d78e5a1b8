// Filesystem watch coordination for the Loader.
//
// Watches are debounced against editor noise. An unchanged mtime
// short-circuits the event without reading the file; otherwise the content
// hash decides, so a touch that bumps mtime without changing bytes is
// ignored and each distinct content change reloads at most once.
package modkit

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce is the quiet period used to coalesce the event bursts most
// editors produce for a single save.
const watchDebounce = 200 * time.Millisecond

// fileSig identifies a file's loaded content for debounce decisions.
type fileSig struct {
	hash    [sha256.Size]byte
	modTime time.Time
}

// computeSig hashes the file's current content.
func computeSig(path string) (fileSig, error) {
	info, err := os.Stat(path)
	if err != nil {
		return fileSig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fileSig{}, err
	}
	return fileSig{hash: sha256.Sum256(data), modTime: info.ModTime()}, nil
}

// recordSigLocked remembers the content signature of a freshly loaded
// path. Callers hold l.mu.
func (l *Loader) recordSigLocked(path string) {
	if sig, err := computeSig(path); err == nil {
		l.sigs[path] = sig
	}
}

// fsWatcher wraps the OS-level notification stream shared by all file and
// directory watches of one Loader.
type fsWatcher struct {
	loader *Loader
	fw     *fsnotify.Watcher
	done   chan struct{}

	timerMu sync.Mutex
	timers  map[string]*time.Timer
}

// ensureWatcherLocked lazily creates the shared fsnotify watcher and its
// event loop. Callers hold l.mu.
func (l *Loader) ensureWatcherLocked() error {
	if l.watcher != nil {
		return nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWatchSetup, err)
	}
	l.watcher = &fsWatcher{
		loader: l,
		fw:     fw,
		done:   make(chan struct{}),
		timers: make(map[string]*time.Timer),
	}
	go l.watcher.run()
	return nil
}

// WatchFile installs a change watch on a single module file. Idempotent;
// re-watching an already-watched path is a no-op.
func (l *Loader) WatchFile(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLoaderClosed
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWatchSetup, err)
	}
	return l.watchFileLocked(abs)
}

// watchFileLocked is WatchFile under the loader mutex with abs path.
func (l *Loader) watchFileLocked(abs string) error {
	if l.watchedFiles[abs] {
		return nil
	}
	if err := l.ensureWatcherLocked(); err != nil {
		return err
	}
	if err := l.watcher.fw.Add(abs); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrWatchSetup, abs, err)
	}
	l.watchedFiles[abs] = true
	l.logger.Debug("Watching module file", "path", abs)
	return nil
}

// WatchDirectory installs a directory-level watch. Change events are
// resolved back to a loaded module via the path index; events for unknown
// files are ignored. Idempotent.
func (l *Loader) WatchDirectory(dir string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLoaderClosed
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWatchSetup, err)
	}
	return l.watchDirectoryLocked(abs)
}

// watchDirectoryLocked is WatchDirectory under the loader mutex.
func (l *Loader) watchDirectoryLocked(abs string) error {
	if l.watchedDirs[abs] {
		return nil
	}
	if err := l.ensureWatcherLocked(); err != nil {
		return err
	}
	if err := l.watcher.fw.Add(abs); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrWatchSetup, abs, err)
	}
	l.watchedDirs[abs] = true
	l.logger.Debug("Watching module directory", "dir", abs)
	return nil
}

// StopWatching releases the watch on a path. Returns whether a watch was
// actually released; a second call for the same path returns false without
// error.
func (l *Loader) StopWatching(path string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	return l.stopWatchingLocked(abs)
}

// stopWatchingLocked releases one watch. Callers hold l.mu.
func (l *Loader) stopWatchingLocked(abs string) bool {
	released := false
	if l.watchedFiles[abs] {
		delete(l.watchedFiles, abs)
		released = true
	}
	if l.watchedDirs[abs] {
		delete(l.watchedDirs, abs)
		released = true
	}
	if released && l.watcher != nil {
		// Remove can fail when the kernel already dropped the handle
		// (deleted file); the watch is gone either way.
		_ = l.watcher.fw.Remove(abs)
	}
	return released
}

// StopAllWatching releases every active watch and returns how many handles
// were released. Idempotent; a loader with no watches returns 0.
func (l *Loader) StopAllWatching() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopAllWatchingLocked()
}

// stopAllWatchingLocked releases all watches and the shared notification
// stream. Callers hold l.mu.
func (l *Loader) stopAllWatchingLocked() int {
	released := 0
	for path := range l.watchedFiles {
		delete(l.watchedFiles, path)
		released++
	}
	for path := range l.watchedDirs {
		delete(l.watchedDirs, path)
		released++
	}
	if l.watcher != nil {
		close(l.watcher.done)
		_ = l.watcher.fw.Close()
		l.watcher = nil
	}
	return released
}

// run pumps the OS notification stream. Events are coalesced per path for
// the debounce window before being handled; stream errors surface as
// watch.error events since there is no synchronous caller to receive them.
func (w *fsWatcher) run() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule(filepath.Clean(event.Name))
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.loader.logger.Error("Filesystem watch error", "error", err)
			w.loader.registry.publish(context.Background(), newWatchErrorEvent(WatchErrorPayload{
				Error: err.Error(),
			}))
		}
	}
}

// schedule (re)arms the per-path debounce timer.
func (w *fsWatcher) schedule(path string) {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()

	if timer, ok := w.timers[path]; ok {
		timer.Reset(watchDebounce)
		return
	}
	w.timers[path] = time.AfterFunc(watchDebounce, func() {
		w.timerMu.Lock()
		delete(w.timers, path)
		w.timerMu.Unlock()
		w.loader.handleFileEvent(path)
	})
}

// handleFileEvent processes one debounced change notification. The event
// is ignored unless the path belongs to an active watch, resolves to a
// loaded module and carries content that differs from the last load.
func (l *Loader) handleFileEvent(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}

	dirWatched := l.watchedDirs[filepath.Dir(path)] && eligibleModuleFile(filepath.Base(path))
	if !l.watchedFiles[path] && !dirWatched {
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		// File vanished mid-event (rename chains); the next event for the
		// final name will carry the content.
		l.logger.Debug("Ignoring watch event for unreadable file", "path", path, "error", err)
		return
	}
	prev, known := l.sigs[path]
	if known && prev.modTime.Equal(info.ModTime()) {
		// Unchanged mtime means unchanged content; skip the read entirely.
		l.logger.Debug("Ignoring watch event without mtime change", "path", path)
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		l.logger.Debug("Ignoring watch event for unreadable file", "path", path, "error", err)
		return
	}
	if hash := sha256.Sum256(data); known && prev.hash == hash {
		// Touched but not changed. Remember the new mtime so the next
		// event for this file can take the cheap path.
		l.sigs[path] = fileSig{hash: hash, modTime: info.ModTime()}
		l.logger.Debug("Ignoring watch event without content change", "path", path)
		return
	}

	id, ok := l.loadedPaths[path]
	if !ok {
		// Directory watches only resolve to known modules; new files are
		// picked up by explicit loads or the rescan schedule.
		l.logger.Debug("Ignoring watch event for unknown file", "path", path)
		return
	}

	keepWatch := l.watchedFiles[path]
	if err := l.reloadLocked(context.Background(), id, LoadOptions{}); err != nil {
		return
	}
	if keepWatch && l.watcher != nil {
		// Editors that replace the file atomically retire the watched
		// inode; re-adding keeps the watch on the new one.
		_ = l.watcher.fw.Add(path)
	}
}
