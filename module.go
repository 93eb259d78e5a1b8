// Package modkit provides the dynamic module lifecycle core for the
// vigilboard dashboard. It tracks pluggable feature modules (identity,
// configuration schema, route tables, lifecycle hooks), loads their
// definitions from filesystem sources, hot-reloads them on change, and
// broadcasts lifecycle events to the host application.
//
// The package exposes two cooperating components: the Registry, which owns
// the authoritative set of active modules and enforces global invariants,
// and the Loader, which resolves module definitions from Lua files and
// manages file-system watches.
//
// Basic usage:
//
//	reg := modkit.NewRegistry(store, logger)
//	loader := modkit.NewLoader(reg, logger)
//	report, err := loader.LoadFromDirectory(ctx, "./modules", modkit.LoadOptions{Watch: true})
//	if err != nil {
//		log.Fatal(err)
//	}
package modkit

import (
	"context"
	"time"
)

// HookFunc is a lifecycle callback attached to a module definition.
// Hooks may perform asynchronous work; they receive a context carrying the
// registry's hook timeout and must return before the registry considers the
// lifecycle transition finished.
type HookFunc func(ctx context.Context) error

// Hooks holds the named lifecycle callbacks of a module.
// Init runs once at registration; a failing Init keeps the module out of
// the active set. Cleanup runs once at unregistration and is best-effort.
type Hooks struct {
	Init    HookFunc
	Cleanup HookFunc
}

// Route declares one HTTP endpoint contributed by a module. The Handler
// field is an opaque reference resolved by the host application; the core
// only validates it structurally.
type Route struct {
	Method  string `yaml:"method" json:"method"`
	Path    string `yaml:"path" json:"path"`
	Handler string `yaml:"handler" json:"handler"`
}

// ModuleMetadata carries provenance for a module definition.
// LoadedFrom is the absolute path of the source file the definition was
// loaded from; it is empty for programmatically constructed definitions,
// which therefore cannot be reloaded or unloaded by path.
type ModuleMetadata struct {
	LoadedFrom string
	LoadedAt   time.Time
}

// ModuleDefinition is the declarative unit describing a feature module.
// Definitions are immutable once registered; any change other than
// enablement, configuration values, or display order requires a full
// unregister/register cycle (which is what reload does).
type ModuleDefinition struct {
	// ID is the unique, stable identity of the module. It must be unique
	// across the registry at all times.
	//
	// Example: "aws-inspector", "sbom-analysis"
	ID string

	// Name, Description and Version are descriptive metadata surfaced in
	// the enablement UI.
	Name        string
	Description string
	Version     string

	// Config declares the module's recognized configuration settings.
	// A nil schema means the module takes no configuration.
	Config *ConfigSchema

	// Routes is the module's declarative route table. The core validates
	// it structurally and hands it to the host unchanged.
	Routes []Route

	// Dependencies lists module IDs that must already be registered
	// (not necessarily enabled) before this module may register.
	Dependencies []string

	// Hooks are the module's lifecycle callbacks.
	Hooks Hooks

	// IsDefault marks the module as a participant in the "at least one
	// module enabled" invariant.
	IsDefault bool

	// EnabledByDefault is the enablement used when the store has no
	// persisted row for this module.
	EnabledByDefault bool

	// DisplayOrder orders modules in the UI; ties break by registration
	// order.
	DisplayOrder int

	// Metadata carries load provenance, stamped by the Loader.
	Metadata ModuleMetadata
}

// Validate checks the definition for structural problems. It is called by
// Registry.Register before any state is touched, so a failing definition
// never corrupts registry state.
func (d *ModuleDefinition) Validate() error {
	if d == nil {
		return ErrDefinitionNil
	}
	if d.ID == "" {
		return ErrModuleIDEmpty
	}
	for _, r := range d.Routes {
		if r.Method == "" || r.Path == "" {
			return ErrRouteInvalid
		}
	}
	if d.Config != nil {
		if err := d.Config.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// FileBacked reports whether the definition carries load provenance and so
// supports reload and path-based unload.
func (d *ModuleDefinition) FileBacked() bool {
	return d.Metadata.LoadedFrom != ""
}

// ModuleEntry is the registry-owned wrapper around a registered definition.
// The registry exclusively owns the entry set; callers mutate entries only
// through the documented Registry operations.
type ModuleEntry struct {
	Definition *ModuleDefinition

	// Enabled is the current enablement, persisted through the ModuleStore.
	Enabled bool

	// IsDefault mirrors the definition flag, possibly overridden by
	// persisted state.
	IsDefault bool

	// DisplayOrder orders the entry in AllModules output.
	DisplayOrder int

	// ConfigValues are the module's current configuration values, merged
	// from schema defaults and persisted state.
	ConfigValues map[string]any

	// RegisteredAt and LastReloadedAt are observability timestamps.
	// LastReloadedAt is zero until the module is reloaded at least once.
	RegisteredAt   time.Time
	LastReloadedAt time.Time

	// insertionSeq breaks DisplayOrder ties by registration order.
	insertionSeq uint64
}

// ID is a convenience accessor for the entry's module identity.
func (e *ModuleEntry) ID() string {
	return e.Definition.ID
}

// RegisterOptions control Registry.Register behavior.
type RegisterOptions struct {
	// Force replaces an already-registered module with the same ID instead
	// of failing with ErrDuplicateModule. The existing module's cleanup
	// hook runs only once the replacement has initialized, so a failed
	// replacement leaves the existing module registered.
	Force bool
}

// UnregisterOptions control Registry.Unregister behavior.
type UnregisterOptions struct {
	// Force bypasses default-module protection. Reload uses this to
	// momentarily retire the old definition before re-registering.
	Force bool
}
