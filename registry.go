package modkit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// defaultHookTimeout bounds init/cleanup hook execution so a hook that
// never completes cannot wedge the registry.
const defaultHookTimeout = 30 * time.Second

// Registry is the authoritative set of modules active in the running
// process. It validates definitions, enforces the "at least one enabled
// module" invariant, merges persisted enablement state and broadcasts
// lifecycle events. All mutating operations are serialized; the invariant
// holds after every successful call.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*ModuleEntry
	nextSeq uint64

	store       ModuleStore
	logger      Logger
	hookTimeout time.Duration

	observerMu sync.RWMutex
	observers  []*observerRegistration
}

// observerRegistration holds one subscribed observer and its event filter.
type observerRegistration struct {
	observer     Observer
	eventTypes   map[string]bool
	registeredAt time.Time
}

// RegistryOption customizes registry construction.
type RegistryOption func(*Registry)

// WithHookTimeout overrides the bound applied to init and cleanup hooks.
func WithHookTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.hookTimeout = d
		}
	}
}

// NewRegistry creates a registry backed by the given persistence adapter.
// The registry is explicitly owned by the caller and passed to the host
// application at startup; there is no process-wide singleton.
func NewRegistry(store ModuleStore, logger Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		entries:     make(map[string]*ModuleEntry),
		store:       store,
		logger:      logger,
		hookTimeout: defaultHookTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register validates the definition, checks identity uniqueness and
// dependency presence, merges persisted enablement state, runs the init
// hook, inserts the entry and emits a module.registered event.
//
// A duplicate ID fails with ErrDuplicateModule unless opts.Force is set.
// With Force the replacement is validated, built and initialized first;
// only then is the existing module retired (its cleanup hook runs
// best-effort) and swapped out, so a forced re-register that fails leaves
// the original module in place. Missing dependencies fail with
// ErrMissingDependency. An init hook failure surfaces as ErrInitHookFailed
// and the module never becomes active. No failure path leaves a partial
// entry behind or removes an existing one.
func (r *Registry) Register(ctx context.Context, def *ModuleDefinition, opts RegisterOptions) error {
	if r.store == nil {
		return ErrStoreNil
	}
	if err := def.Validate(); err != nil {
		return err
	}

	r.mu.Lock()

	existing, replacing := r.entries[def.ID]
	if replacing && !opts.Force {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateModule, def.ID)
	}

	for _, dep := range def.Dependencies {
		if _, ok := r.entries[dep]; !ok {
			r.mu.Unlock()
			return fmt.Errorf("%w: %s requires %s", ErrMissingDependency, def.ID, dep)
		}
	}

	entry, err := r.buildEntryLocked(ctx, def)
	if err != nil {
		r.mu.Unlock()
		return err
	}

	if err := r.runHook(ctx, def.Hooks.Init); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s: %w", ErrInitHookFailed, def.ID, err)
	}

	// The old entry is retired only once the replacement is fully ready,
	// so every failure path above leaves it untouched.
	if replacing {
		r.runCleanupLocked(ctx, existing)
	}

	r.entries[def.ID] = entry
	r.nextSeq++
	entry.insertionSeq = r.nextSeq

	if err := r.persistLocked(ctx, entry); err != nil {
		r.logger.Error("Failed to persist module state", "module", def.ID, "error", err)
	}

	enabled := entry.Enabled
	r.mu.Unlock()

	r.logger.Info("Module registered", "module", def.ID, "version", def.Version, "enabled", enabled)
	r.publish(ctx, newModuleEvent(EventTypeModuleRegistered, ModuleEventPayload{
		ModuleID: def.ID,
		Version:  def.Version,
		Enabled:  enabled,
	}))
	return nil
}

// buildEntryLocked merges persisted state with definition defaults into a
// fresh entry. A corrupt persisted row degrades to definition defaults with
// a warning instead of failing the registration.
func (r *Registry) buildEntryLocked(ctx context.Context, def *ModuleDefinition) (*ModuleEntry, error) {
	entry := &ModuleEntry{
		Definition:   def,
		Enabled:      def.EnabledByDefault,
		IsDefault:    def.IsDefault,
		DisplayOrder: def.DisplayOrder,
		RegisteredAt: time.Now(),
	}

	stored, found, err := r.store.GetModule(ctx, def.ID)
	if err != nil {
		return nil, fmt.Errorf("reading persisted state for %s: %w", def.ID, err)
	}

	var persisted map[string]any
	if found {
		entry.Enabled = stored.Enabled
		entry.IsDefault = stored.IsDefault
		entry.DisplayOrder = stored.DisplayOrder
		persisted = stored.Config
	}

	if def.Config != nil {
		values, err := def.Config.Merge(r.knownValues(def, persisted))
		if err != nil {
			r.logger.Warn("Persisted config rejected, using schema defaults", "module", def.ID, "error", err)
			values = def.Config.Defaults()
		}
		entry.ConfigValues = values
	}

	return entry, nil
}

// knownValues filters a persisted config map down to keys the schema still
// declares, so stale rows from older module versions do not block reload.
func (r *Registry) knownValues(def *ModuleDefinition, persisted map[string]any) map[string]any {
	known := make(map[string]any, len(persisted))
	for k, v := range persisted {
		if _, ok := def.Config.Settings[k]; ok {
			known[k] = v
			continue
		}
		r.logger.Debug("Dropping unrecognized persisted setting", "module", def.ID, "setting", k)
	}
	return known
}

// Unregister retires a module: it runs the cleanup hook (best-effort),
// removes the entry and emits module.unregistered.
//
// Unknown IDs fail with ErrModuleNotFound. Removing the last enabled module
// fails with ErrDefaultModuleProtected unless opts.Force is set; reload
// relies on Force to momentarily retire the old definition. The persisted
// row is kept so a later re-register restores enablement state.
func (r *Registry) Unregister(ctx context.Context, id string, opts UnregisterOptions) error {
	r.mu.Lock()

	entry, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrModuleNotFound, id)
	}

	if !opts.Force && entry.Enabled && r.enabledCountLocked() == 1 {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s is the last enabled module", ErrDefaultModuleProtected, id)
	}

	r.runCleanupLocked(ctx, entry)
	delete(r.entries, id)

	version := entry.Definition.Version
	enabled := entry.Enabled
	r.mu.Unlock()

	r.logger.Info("Module unregistered", "module", id)
	r.publish(ctx, newModuleEvent(EventTypeModuleUnregistered, ModuleEventPayload{
		ModuleID: id,
		Version:  version,
		Enabled:  enabled,
	}))
	return nil
}

// Toggle flips a module's enablement, persists the change and emits
// module.toggled. Disabling the last enabled module fails with
// ErrDefaultModuleProtected; the registry never auto-corrects silently.
func (r *Registry) Toggle(ctx context.Context, id string, enabled bool) error {
	r.mu.Lock()

	entry, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrModuleNotFound, id)
	}

	if !enabled && entry.Enabled && r.enabledCountLocked() == 1 {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s is the last enabled module", ErrDefaultModuleProtected, id)
	}

	entry.Enabled = enabled
	if err := r.persistLocked(ctx, entry); err != nil {
		r.logger.Error("Failed to persist module state", "module", id, "error", err)
	}
	version := entry.Definition.Version
	r.mu.Unlock()

	r.logger.Info("Module toggled", "module", id, "enabled", enabled)
	r.publish(ctx, newModuleEvent(EventTypeModuleToggled, ModuleEventPayload{
		ModuleID: id,
		Version:  version,
		Enabled:  enabled,
	}))
	return nil
}

// GetModule returns a snapshot of the entry for id. It never errors;
// absence is reported through the boolean.
func (r *Registry) GetModule(id string) (*ModuleEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	snapshot := *entry
	return &snapshot, true
}

// AllModules returns snapshots of every entry ordered by DisplayOrder,
// ties broken by registration order. It never errors; an empty registry
// yields an empty slice.
func (r *Registry) AllModules() []*ModuleEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*ModuleEntry, 0, len(r.entries))
	for _, entry := range r.entries {
		snapshot := *entry
		out = append(out, &snapshot)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayOrder != out[j].DisplayOrder {
			return out[i].DisplayOrder < out[j].DisplayOrder
		}
		return out[i].insertionSeq < out[j].insertionSeq
	})
	return out
}

// Sync reconciles registry state with the persistence adapter at startup.
// If persisted state leaves zero modules enabled (for example after
// corruption), the lexicographically-first module flagged as default is
// enabled; with no default-flagged module the lexicographically-first
// module is enabled instead, with a warning.
func (r *Registry) Sync(ctx context.Context) error {
	r.mu.Lock()

	if len(r.entries) == 0 || r.enabledCountLocked() > 0 {
		r.mu.Unlock()
		return nil
	}

	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	chosen := ""
	for _, id := range ids {
		if r.entries[id].IsDefault {
			chosen = id
			break
		}
	}
	if chosen == "" {
		chosen = ids[0]
		r.logger.Warn("No default-flagged module available, enabling first module", "module", chosen)
	}

	entry := r.entries[chosen]
	entry.Enabled = true
	if err := r.persistLocked(ctx, entry); err != nil {
		r.logger.Error("Failed to persist module state", "module", chosen, "error", err)
	}
	version := entry.Definition.Version
	r.mu.Unlock()

	r.logger.Info("Enabled fallback default module", "module", chosen)
	r.publish(ctx, newModuleEvent(EventTypeModuleToggled, ModuleEventPayload{
		ModuleID: chosen,
		Version:  version,
		Enabled:  true,
	}))
	return nil
}

// markReloaded stamps the reload timestamp on an entry. Called by the
// Loader after a successful reload cycle.
func (r *Registry) markReloaded(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[id]; ok {
		entry.LastReloadedAt = time.Now()
	}
}

// enabledCountLocked counts enabled entries. Callers hold mu.
func (r *Registry) enabledCountLocked() int {
	n := 0
	for _, entry := range r.entries {
		if entry.Enabled {
			n++
		}
	}
	return n
}

// persistLocked upserts the entry's durable state. Callers hold mu.
func (r *Registry) persistLocked(ctx context.Context, entry *ModuleEntry) error {
	return r.store.UpsertModule(ctx, &StoredModule{
		ID:           entry.Definition.ID,
		Enabled:      entry.Enabled,
		IsDefault:    entry.IsDefault,
		DisplayOrder: entry.DisplayOrder,
		Config:       entry.ConfigValues,
	})
}

// runCleanupLocked runs an entry's cleanup hook, swallowing failures.
// Teardown must always complete so the module slot can be reused.
func (r *Registry) runCleanupLocked(ctx context.Context, entry *ModuleEntry) {
	if err := r.runHook(ctx, entry.Definition.Hooks.Cleanup); err != nil {
		r.logger.Error("Cleanup hook failed", "module", entry.Definition.ID, "error", err)
	}
}

// runHook executes a lifecycle hook under the registry's hook timeout.
// A hook that outlives the timeout is abandoned and reported as
// ErrHookTimeout; its goroutine may finish later but its result is ignored.
func (r *Registry) runHook(ctx context.Context, hook HookFunc) error {
	if hook == nil {
		return nil
	}

	hookCtx, cancel := context.WithTimeout(ctx, r.hookTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("hook panicked: %v", rec)
			}
		}()
		done <- hook(hookCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-hookCtx.Done():
		return ErrHookTimeout
	}
}

// RegisterObserver implements Subject. Observers are invoked in
// registration order; re-registering an ID moves it to the end.
func (r *Registry) RegisterObserver(observer Observer, eventTypes ...string) error {
	if observer == nil {
		return ErrObserverNil
	}

	r.observerMu.Lock()
	defer r.observerMu.Unlock()

	r.removeObserverLocked(observer.ObserverID())

	filter := make(map[string]bool, len(eventTypes))
	for _, eventType := range eventTypes {
		filter[eventType] = true
	}
	r.observers = append(r.observers, &observerRegistration{
		observer:     observer,
		eventTypes:   filter,
		registeredAt: time.Now(),
	})

	r.logger.Debug("Observer registered", "observerID", observer.ObserverID(), "eventTypes", eventTypes)
	return nil
}

// UnregisterObserver implements Subject. Idempotent.
func (r *Registry) UnregisterObserver(observer Observer) error {
	if observer == nil {
		return ErrObserverNil
	}

	r.observerMu.Lock()
	defer r.observerMu.Unlock()

	r.removeObserverLocked(observer.ObserverID())
	return nil
}

// removeObserverLocked drops the registration for id, preserving order of
// the remaining observers. Callers hold observerMu.
func (r *Registry) removeObserverLocked(id string) {
	for i, reg := range r.observers {
		if reg.observer.ObserverID() == id {
			r.observers = append(r.observers[:i], r.observers[i+1:]...)
			return
		}
	}
}

// NotifyObservers implements Subject. Delivery is synchronous in
// registration order; an observer that errors or panics is isolated and
// logged so later observers still run.
func (r *Registry) NotifyObservers(ctx context.Context, event cloudevents.Event) error {
	if event.Time().IsZero() {
		event.SetTime(time.Now())
	}
	if err := ValidateCloudEvent(event); err != nil {
		r.logger.Error("Invalid CloudEvent", "eventType", event.Type(), "error", err)
		return err
	}

	r.observerMu.RLock()
	registrations := make([]*observerRegistration, len(r.observers))
	copy(registrations, r.observers)
	r.observerMu.RUnlock()

	for _, reg := range registrations {
		if len(reg.eventTypes) > 0 && !reg.eventTypes[event.Type()] {
			continue
		}
		r.deliver(ctx, reg, event)
	}
	return nil
}

// deliver invokes one observer with panic isolation.
func (r *Registry) deliver(ctx context.Context, reg *observerRegistration, event cloudevents.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Observer panicked", "observerID", reg.observer.ObserverID(), "event", event.Type(), "panic", rec)
		}
	}()

	if err := reg.observer.OnEvent(ctx, event); err != nil {
		r.logger.Error("Observer error", "observerID", reg.observer.ObserverID(), "event", event.Type(), "error", err)
	}
}

// GetObservers implements Subject.
func (r *Registry) GetObservers() []ObserverInfo {
	r.observerMu.RLock()
	defer r.observerMu.RUnlock()

	info := make([]ObserverInfo, 0, len(r.observers))
	for _, reg := range r.observers {
		eventTypes := make([]string, 0, len(reg.eventTypes))
		for eventType := range reg.eventTypes {
			eventTypes = append(eventTypes, eventType)
		}
		sort.Strings(eventTypes)
		info = append(info, ObserverInfo{
			ID:           reg.observer.ObserverID(),
			EventTypes:   eventTypes,
			RegisteredAt: reg.registeredAt,
		})
	}
	return info
}

// publish fans a built lifecycle event out synchronously.
func (r *Registry) publish(ctx context.Context, event CloudEvent) {
	if err := r.NotifyObservers(ctx, event); err != nil {
		r.logger.Error("Failed to notify observers", "event", event.Type(), "error", err)
	}
}
