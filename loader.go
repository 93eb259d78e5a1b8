package modkit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// moduleFileExt marks files the directory loader treats as module source.
const moduleFileExt = ".lua"

// LoadOptions control Loader file and directory loads.
type LoadOptions struct {
	// Reload purges any cached parse of the path and replaces an existing
	// registration instead of skipping it.
	Reload bool

	// Watch installs a filesystem watch on the loaded path (file loads)
	// or the directory (directory loads) after the load completes.
	Watch bool
}

// LoadResult reports the outcome of a single file load.
type LoadResult struct {
	ModuleID string
	Path     string

	// Skipped is set when the path was already loaded and Reload was not
	// requested.
	Skipped bool
}

// FileFailure records one file that failed during a directory batch.
type FileFailure struct {
	File  string
	Error string
}

// DirectoryReport collects the three disjoint outcomes of a directory
// load. A failure loading one file never prevents attempting the rest.
type DirectoryReport struct {
	Loaded  []string
	Failed  []FileFailure
	Skipped []string
}

// Loader bridges filesystem-resident module sources and the Registry.
// It owns the path-to-module index (loadedPaths), the cached Lua states
// backing file-based definitions, and the set of active watches. All
// mutations, whether explicit loads, unloads or watch-triggered reloads,
// are serialized under one mutex.
type Loader struct {
	mu       sync.Mutex
	registry *Registry
	logger   Logger
	closed   bool

	// loadedPaths maps absolute source path to the module ID it produced.
	loadedPaths map[string]string

	// definitions caches the live Lua state per source path so hooks can
	// call back into their script. Replaced wholesale on reload.
	definitions map[string]*luaDefinition

	// watch state, managed in watcher.go
	watcher      *fsWatcher
	watchedFiles map[string]bool
	watchedDirs  map[string]bool
	sigs         map[string]fileSig

	// rescan state, managed in rescan.go
	rescan *rescanSchedule
}

// NewLoader creates a loader feeding the given registry.
func NewLoader(registry *Registry, logger Logger) *Loader {
	return &Loader{
		registry:     registry,
		logger:       logger,
		loadedPaths:  make(map[string]string),
		definitions:  make(map[string]*luaDefinition),
		watchedFiles: make(map[string]bool),
		watchedDirs:  make(map[string]bool),
		sigs:         make(map[string]fileSig),
	}
}

// LoadFromFile resolves path, evaluates the module definition file and
// registers the result. With opts.Reload the cached parse is purged and an
// existing registration with the same ID is replaced; with opts.Watch a
// file watch is installed whose callback reloads the module on content
// change.
//
// A missing file fails with ErrFileNotFound. Every other failure is
// wrapped with the path and ErrModuleLoad; the underlying cause stays in
// the chain for errors.Is.
func (l *Loader) LoadFromFile(ctx context.Context, path string, opts LoadOptions) (*LoadResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loadFileLocked(ctx, path, opts)
}

// loadFileLocked is LoadFromFile under the loader mutex.
func (l *Loader) loadFileLocked(ctx context.Context, path string, opts LoadOptions) (*LoadResult, error) {
	if l.closed {
		return nil, ErrLoaderClosed
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%w: resolving %s: %w", ErrModuleLoad, path, err)
	}

	info, err := os.Stat(abs)
	if err != nil || info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, abs)
	}

	if id, ok := l.loadedPaths[abs]; ok && !opts.Reload {
		return &LoadResult{ModuleID: id, Path: abs, Skipped: true}, nil
	}

	def, ld, err := evaluateModuleFile(abs, l.logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrModuleLoad, abs, err)
	}

	def.Metadata.LoadedFrom = abs
	def.Metadata.LoadedAt = info.ModTime()

	if err := l.registry.Register(ctx, def, RegisterOptions{Force: opts.Reload}); err != nil {
		ld.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrModuleLoad, abs, err)
	}

	// Retire the previous parse only after the new definition is live;
	// its cleanup hook ran against the old state during Register.
	if old, ok := l.definitions[abs]; ok {
		old.Close()
	}
	l.definitions[abs] = ld
	l.loadedPaths[abs] = def.ID
	l.recordSigLocked(abs)

	if opts.Watch {
		if err := l.watchFileLocked(abs); err != nil {
			l.logger.Error("Failed to watch module file", "path", abs, "error", err)
		}
	}

	l.logger.Info("Module loaded", "module", def.ID, "path", abs)
	return &LoadResult{ModuleID: def.ID, Path: abs}, nil
}

// LoadFromDirectory loads every eligible file directly inside dir:
// .lua extension, name not starting with "_" or "." (the hidden/private
// convention). Outcomes are collected per file; with opts.Watch one
// directory-level watch is installed after the batch completes.
//
// A missing or non-directory path fails with ErrFileNotFound. Per-file
// failures land in the report, never abort the batch.
func (l *Loader) LoadFromDirectory(ctx context.Context, dir string, opts LoadOptions) (*DirectoryReport, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrLoaderClosed
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: resolving %s: %w", ErrModuleLoad, dir, err)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, abs)
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("%w: listing %s: %w", ErrModuleLoad, abs, err)
	}

	report := &DirectoryReport{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !eligibleModuleFile(name) {
			continue
		}

		result, err := l.loadFileLocked(ctx, filepath.Join(abs, name), LoadOptions{Reload: opts.Reload})
		switch {
		case err != nil:
			l.logger.Warn("Module file failed to load", "file", name, "error", err)
			report.Failed = append(report.Failed, FileFailure{File: name, Error: err.Error()})
		case result.Skipped:
			report.Skipped = append(report.Skipped, name)
		default:
			report.Loaded = append(report.Loaded, result.ModuleID)
		}
	}

	if opts.Watch {
		if err := l.watchDirectoryLocked(abs); err != nil {
			l.logger.Error("Failed to watch module directory", "dir", abs, "error", err)
		}
	}

	return report, nil
}

// eligibleModuleFile applies the extension and reserved-prefix rules.
func eligibleModuleFile(name string) bool {
	if !strings.HasSuffix(name, moduleFileExt) {
		return false
	}
	return !strings.HasPrefix(name, "_") && !strings.HasPrefix(name, ".")
}

// ReloadModule retires a module's current definition and re-loads it from
// its backing file. The module must be registered and file-backed
// (ErrNotFileBacked otherwise). The old definition is force-unregistered
// first; on success a module.reloaded event carries old and new identity,
// on failure a module.reloadfailed event fires and the module stays
// absent until its file loads successfully again. Callers relying on
// continuous availability must treat reload as a brief unavailability
// window.
func (l *Loader) ReloadModule(ctx context.Context, id string, opts LoadOptions) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reloadLocked(ctx, id, opts)
}

// reloadLocked is ReloadModule under the loader mutex.
func (l *Loader) reloadLocked(ctx context.Context, id string, opts LoadOptions) error {
	if l.closed {
		return ErrLoaderClosed
	}

	entry, ok := l.registry.GetModule(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrModuleNotFound, id)
	}
	path := entry.Definition.Metadata.LoadedFrom
	if path == "" {
		return fmt.Errorf("%w: %s", ErrNotFileBacked, id)
	}
	oldVersion := entry.Definition.Version

	// Reload always overrides default-protection for the moment between
	// unregister and re-register; the loader mutex keeps the gap
	// unobservable to other loader operations.
	if err := l.registry.Unregister(ctx, id, UnregisterOptions{Force: true}); err != nil {
		return err
	}
	delete(l.loadedPaths, path)
	if ld, ok := l.definitions[path]; ok {
		ld.Close()
		delete(l.definitions, path)
	}

	result, err := l.loadFileLocked(ctx, path, LoadOptions{Reload: true, Watch: opts.Watch})
	if err != nil {
		l.logger.Error("Module reload failed", "module", id, "path", path, "error", err)
		l.registry.publish(ctx, newReloadFailedEvent(ReloadFailedPayload{
			ModuleID: id,
			Path:     path,
			Error:    err.Error(),
		}))
		return err
	}

	l.registry.markReloaded(result.ModuleID)
	l.logger.Info("Module reloaded", "module", result.ModuleID, "path", path)
	l.registry.publish(ctx, newReloadEvent(ReloadEventPayload{
		ModuleID:    result.ModuleID,
		OldModuleID: id,
		Path:        path,
		OldVersion:  oldVersion,
		NewVersion:  l.moduleVersion(result.ModuleID),
	}))
	return nil
}

// moduleVersion reads a module's version for event payloads.
func (l *Loader) moduleVersion(id string) string {
	if entry, ok := l.registry.GetModule(id); ok {
		return entry.Definition.Version
	}
	return ""
}

// UnloadModule is the inverse of a load: it unregisters the module, evicts
// the cached parse of its backing file, clears the path index and releases
// a file-level watch on that path. Returns false without error if the
// module was already absent. Default-module protection still applies:
// unloading the last enabled module fails with ErrDefaultModuleProtected.
func (l *Loader) UnloadModule(ctx context.Context, id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return false, ErrLoaderClosed
	}

	entry, ok := l.registry.GetModule(id)
	if !ok {
		return false, nil
	}

	if err := l.registry.Unregister(ctx, id, UnregisterOptions{}); err != nil {
		return false, err
	}

	path := entry.Definition.Metadata.LoadedFrom
	if path != "" {
		delete(l.loadedPaths, path)
		delete(l.sigs, path)
		if ld, ok := l.definitions[path]; ok {
			ld.Close()
			delete(l.definitions, path)
		}
		if l.watchedFiles[path] {
			l.stopWatchingLocked(path)
		}
	}

	l.logger.Info("Module unloaded", "module", id, "path", path)
	return true, nil
}

// Close tears the loader down: stops the rescan schedule, releases all
// watches and retires every cached Lua state. The loader rejects further
// operations afterwards; the registry it fed remains usable.
func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	if l.rescan != nil {
		l.rescan.stop()
		l.rescan = nil
	}
	l.stopAllWatchingLocked()
	for path, ld := range l.definitions {
		ld.Close()
		delete(l.definitions, path)
	}
	return nil
}
