package modkit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRegisterAndGetModule(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t)

	def := &ModuleDefinition{
		ID:               "aws-inspector",
		Name:             "AWS Inspector",
		Version:          "1.2.0",
		EnabledByDefault: true,
	}
	if err := reg.Register(context.Background(), def, RegisterOptions{}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	entry, ok := reg.GetModule("aws-inspector")
	if !ok {
		t.Fatal("Expected module to be registered")
	}
	if !entry.Enabled {
		t.Error("Expected module to be enabled by default")
	}
	if entry.Definition.Version != "1.2.0" {
		t.Errorf("Expected version 1.2.0, got %s", entry.Definition.Version)
	}
	if entry.RegisteredAt.IsZero() {
		t.Error("Expected RegisteredAt to be stamped")
	}
	if !entry.LastReloadedAt.IsZero() {
		t.Error("Expected LastReloadedAt to be zero before any reload")
	}
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.Register(ctx, nil, RegisterOptions{}); !errors.Is(err, ErrDefinitionNil) {
		t.Errorf("Expected ErrDefinitionNil, got %v", err)
	}
	if err := reg.Register(ctx, &ModuleDefinition{}, RegisterOptions{}); !errors.Is(err, ErrModuleIDEmpty) {
		t.Errorf("Expected ErrModuleIDEmpty, got %v", err)
	}

	bad := &ModuleDefinition{
		ID:     "bad-routes",
		Routes: []Route{{Method: "GET"}},
	}
	if err := reg.Register(ctx, bad, RegisterOptions{}); !errors.Is(err, ErrRouteInvalid) {
		t.Errorf("Expected ErrRouteInvalid, got %v", err)
	}

	if _, ok := reg.GetModule("bad-routes"); ok {
		t.Error("Failed registration must not leave an entry behind")
	}
}

func TestRegisterDuplicate(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t)
	ctx := context.Background()

	first := &ModuleDefinition{ID: "sbom", Version: "1.0.0", EnabledByDefault: true}
	if err := reg.Register(ctx, first, RegisterOptions{}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	second := &ModuleDefinition{ID: "sbom", Version: "2.0.0", EnabledByDefault: true}
	err := reg.Register(ctx, second, RegisterOptions{})
	if !errors.Is(err, ErrDuplicateModule) {
		t.Fatalf("Expected ErrDuplicateModule, got %v", err)
	}

	entry, _ := reg.GetModule("sbom")
	if entry.Definition.Version != "1.0.0" {
		t.Errorf("Duplicate registration must not replace the original, got version %s", entry.Definition.Version)
	}
}

func TestRegisterForceReplacesAndRunsCleanup(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t)
	ctx := context.Background()

	cleanupRan := false
	first := &ModuleDefinition{
		ID:               "sbom",
		Version:          "1.0.0",
		EnabledByDefault: true,
		Hooks: Hooks{
			Cleanup: func(_ context.Context) error {
				cleanupRan = true
				return nil
			},
		},
	}
	if err := reg.Register(ctx, first, RegisterOptions{}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	second := &ModuleDefinition{ID: "sbom", Version: "2.0.0", EnabledByDefault: true}
	if err := reg.Register(ctx, second, RegisterOptions{Force: true}); err != nil {
		t.Fatalf("Force register failed: %v", err)
	}

	if !cleanupRan {
		t.Error("Expected replaced module's cleanup hook to run")
	}
	entry, _ := reg.GetModule("sbom")
	if entry.Definition.Version != "2.0.0" {
		t.Errorf("Expected replacement version 2.0.0, got %s", entry.Definition.Version)
	}
}

func TestRegisterForceFailureKeepsExistingModule(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t)
	ctx := context.Background()

	cleanupRan := false
	first := &ModuleDefinition{
		ID:               "sbom",
		Version:          "1.0.0",
		EnabledByDefault: true,
		Hooks: Hooks{
			Cleanup: func(_ context.Context) error {
				cleanupRan = true
				return nil
			},
		},
	}
	if err := reg.Register(ctx, first, RegisterOptions{}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	broken := &ModuleDefinition{
		ID:           "sbom",
		Version:      "2.0.0",
		Dependencies: []string{"missing-dep"},
	}
	if err := reg.Register(ctx, broken, RegisterOptions{Force: true}); !errors.Is(err, ErrMissingDependency) {
		t.Fatalf("Expected ErrMissingDependency, got %v", err)
	}

	errBoom := errors.New("boom")
	flaky := &ModuleDefinition{
		ID:      "sbom",
		Version: "2.0.0",
		Hooks: Hooks{
			Init: func(_ context.Context) error { return errBoom },
		},
	}
	if err := reg.Register(ctx, flaky, RegisterOptions{Force: true}); !errors.Is(err, ErrInitHookFailed) {
		t.Fatalf("Expected ErrInitHookFailed, got %v", err)
	}

	entry, ok := reg.GetModule("sbom")
	if !ok {
		t.Fatal("Failed forced re-register must leave the existing module registered")
	}
	if entry.Definition.Version != "1.0.0" {
		t.Errorf("Expected surviving version 1.0.0, got %s", entry.Definition.Version)
	}
	if !entry.Enabled {
		t.Error("Expected surviving module to stay enabled")
	}
	if cleanupRan {
		t.Error("Cleanup hook must not run when the replacement fails")
	}
}

func TestRegisterMissingDependency(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t)
	ctx := context.Background()

	dependent := &ModuleDefinition{
		ID:           "report-export",
		Dependencies: []string{"sbom"},
	}
	if err := reg.Register(ctx, dependent, RegisterOptions{}); !errors.Is(err, ErrMissingDependency) {
		t.Fatalf("Expected ErrMissingDependency, got %v", err)
	}

	if err := reg.Register(ctx, &ModuleDefinition{ID: "sbom", EnabledByDefault: true}, RegisterOptions{}); err != nil {
		t.Fatalf("Register dependency failed: %v", err)
	}
	if err := reg.Register(ctx, dependent, RegisterOptions{}); err != nil {
		t.Fatalf("Register with satisfied dependency failed: %v", err)
	}
}

func TestRegisterInitHookFailure(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t)

	errBoom := errors.New("boom")
	def := &ModuleDefinition{
		ID: "flaky",
		Hooks: Hooks{
			Init: func(_ context.Context) error { return errBoom },
		},
	}

	err := reg.Register(context.Background(), def, RegisterOptions{})
	if !errors.Is(err, ErrInitHookFailed) {
		t.Fatalf("Expected ErrInitHookFailed, got %v", err)
	}
	if !errors.Is(err, errBoom) {
		t.Errorf("Expected underlying hook error in chain, got %v", err)
	}
	if _, ok := reg.GetModule("flaky"); ok {
		t.Error("Module with failing init hook must not become active")
	}
}

func TestRegisterInitHookPanic(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t)

	def := &ModuleDefinition{
		ID: "panicky",
		Hooks: Hooks{
			Init: func(_ context.Context) error { panic("bad state") },
		},
	}

	err := reg.Register(context.Background(), def, RegisterOptions{})
	if !errors.Is(err, ErrInitHookFailed) {
		t.Fatalf("Expected ErrInitHookFailed from panicking hook, got %v", err)
	}
	if _, ok := reg.GetModule("panicky"); ok {
		t.Error("Panicking init hook must not register the module")
	}
}

func TestRegisterInitHookTimeout(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(NewMemoryStore(), &testLogger{}, WithHookTimeout(50*time.Millisecond))

	def := &ModuleDefinition{
		ID: "slow",
		Hooks: Hooks{
			Init: func(ctx context.Context) error {
				<-ctx.Done()
				time.Sleep(time.Second)
				return nil
			},
		},
	}

	start := time.Now()
	err := reg.Register(context.Background(), def, RegisterOptions{})
	if !errors.Is(err, ErrHookTimeout) {
		t.Fatalf("Expected ErrHookTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Register blocked past the hook timeout: %v", elapsed)
	}
}

func TestUnregister(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.Unregister(ctx, "ghost", UnregisterOptions{}); !errors.Is(err, ErrModuleNotFound) {
		t.Errorf("Expected ErrModuleNotFound, got %v", err)
	}

	cleanupRan := false
	def := &ModuleDefinition{
		ID:               "sbom",
		EnabledByDefault: true,
		Hooks: Hooks{
			Cleanup: func(_ context.Context) error {
				cleanupRan = true
				return nil
			},
		},
	}
	if err := reg.Register(ctx, def, RegisterOptions{}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := reg.Register(ctx, &ModuleDefinition{ID: "other", EnabledByDefault: true}, RegisterOptions{}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if err := reg.Unregister(ctx, "sbom", UnregisterOptions{}); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}
	if !cleanupRan {
		t.Error("Expected cleanup hook to run on unregister")
	}
	if _, ok := reg.GetModule("sbom"); ok {
		t.Error("Expected module to be gone after unregister")
	}
}

func TestUnregisterLastEnabledProtected(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.Register(ctx, &ModuleDefinition{ID: "only", EnabledByDefault: true}, RegisterOptions{}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	err := reg.Unregister(ctx, "only", UnregisterOptions{})
	if !errors.Is(err, ErrDefaultModuleProtected) {
		t.Fatalf("Expected ErrDefaultModuleProtected, got %v", err)
	}
	if _, ok := reg.GetModule("only"); !ok {
		t.Error("Protected module must survive the failed unregister")
	}

	if err := reg.Unregister(ctx, "only", UnregisterOptions{Force: true}); err != nil {
		t.Fatalf("Force unregister failed: %v", err)
	}
	if _, ok := reg.GetModule("only"); ok {
		t.Error("Expected module to be gone after forced unregister")
	}
}

func TestToggle(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.Toggle(ctx, "ghost", true); !errors.Is(err, ErrModuleNotFound) {
		t.Errorf("Expected ErrModuleNotFound, got %v", err)
	}

	if err := reg.Register(ctx, &ModuleDefinition{ID: "a", EnabledByDefault: true}, RegisterOptions{}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := reg.Register(ctx, &ModuleDefinition{ID: "b", EnabledByDefault: false}, RegisterOptions{}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	// Disabling the only enabled module is rejected.
	if err := reg.Toggle(ctx, "a", false); !errors.Is(err, ErrDefaultModuleProtected) {
		t.Fatalf("Expected ErrDefaultModuleProtected, got %v", err)
	}

	if err := reg.Toggle(ctx, "b", true); err != nil {
		t.Fatalf("Toggle failed: %v", err)
	}
	if err := reg.Toggle(ctx, "a", false); err != nil {
		t.Fatalf("Toggle failed after enabling another module: %v", err)
	}

	entry, _ := reg.GetModule("a")
	if entry.Enabled {
		t.Error("Expected module a to be disabled")
	}
}

func TestAllModulesOrdering(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t)
	ctx := context.Background()

	defs := []*ModuleDefinition{
		{ID: "third", DisplayOrder: 20, EnabledByDefault: true},
		{ID: "first", DisplayOrder: 10, EnabledByDefault: true},
		{ID: "second", DisplayOrder: 10, EnabledByDefault: true},
	}
	// "first" and "second" share a display order; registration order breaks
	// the tie.
	for _, def := range []*ModuleDefinition{defs[1], defs[2], defs[0]} {
		if err := reg.Register(ctx, def, RegisterOptions{}); err != nil {
			t.Fatalf("Register %s failed: %v", def.ID, err)
		}
	}

	all := reg.AllModules()
	got := make([]string, len(all))
	for i, entry := range all {
		got[i] = entry.ID()
	}
	want := []string{"first", "second", "third"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Expected order %v, got %v", want, got)
		}
	}
}

func TestPersistedStateMerge(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore()
	ctx := context.Background()

	// Simulate state left by a previous process run.
	if err := store.UpsertModule(ctx, &StoredModule{
		ID:           "sbom",
		Enabled:      false,
		DisplayOrder: 7,
		Config:       map[string]any{"depth": "5"},
	}); err != nil {
		t.Fatalf("Seeding store failed: %v", err)
	}

	reg := NewRegistry(store, &testLogger{})
	def := &ModuleDefinition{
		ID:               "sbom",
		EnabledByDefault: true,
		DisplayOrder:     1,
		Config: &ConfigSchema{Settings: map[string]ConfigSetting{
			"depth": {Type: SettingInt, Default: 3},
		}},
	}
	if err := reg.Register(ctx, def, RegisterOptions{}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	entry, _ := reg.GetModule("sbom")
	if entry.Enabled {
		t.Error("Persisted enablement must win over EnabledByDefault")
	}
	if entry.DisplayOrder != 7 {
		t.Errorf("Expected persisted display order 7, got %d", entry.DisplayOrder)
	}
	if entry.ConfigValues["depth"] != 5 {
		t.Errorf("Expected persisted config value 5, got %v", entry.ConfigValues["depth"])
	}
}

func TestCorruptPersistedConfigDegradesToDefaults(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore()
	logger := &testLogger{}
	ctx := context.Background()

	if err := store.UpsertModule(ctx, &StoredModule{
		ID:      "sbom",
		Enabled: true,
		Config:  map[string]any{"depth": "not-a-number"},
	}); err != nil {
		t.Fatalf("Seeding store failed: %v", err)
	}

	reg := NewRegistry(store, logger)
	def := &ModuleDefinition{
		ID:               "sbom",
		EnabledByDefault: true,
		Config: &ConfigSchema{Settings: map[string]ConfigSetting{
			"depth": {Type: SettingInt, Default: 3},
		}},
	}
	if err := reg.Register(ctx, def, RegisterOptions{}); err != nil {
		t.Fatalf("Register with corrupt persisted config must succeed, got %v", err)
	}

	entry, _ := reg.GetModule("sbom")
	if entry.ConfigValues["depth"] != 3 {
		t.Errorf("Expected schema default 3, got %v", entry.ConfigValues["depth"])
	}
	if !logger.contains("Persisted config rejected") {
		t.Error("Expected a warning about rejected persisted config")
	}
}

func TestStalePersistedSettingDropped(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.UpsertModule(ctx, &StoredModule{
		ID:      "sbom",
		Enabled: true,
		Config:  map[string]any{"removedSetting": true, "depth": 4},
	}); err != nil {
		t.Fatalf("Seeding store failed: %v", err)
	}

	reg := NewRegistry(store, &testLogger{})
	def := &ModuleDefinition{
		ID:               "sbom",
		EnabledByDefault: true,
		Config: &ConfigSchema{Settings: map[string]ConfigSetting{
			"depth": {Type: SettingInt, Default: 3},
		}},
	}
	if err := reg.Register(ctx, def, RegisterOptions{}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	entry, _ := reg.GetModule("sbom")
	if _, ok := entry.ConfigValues["removedSetting"]; ok {
		t.Error("Setting no longer in the schema must be dropped")
	}
	if entry.ConfigValues["depth"] != 4 {
		t.Errorf("Expected surviving persisted value 4, got %v", entry.ConfigValues["depth"])
	}
}

func TestSyncEnablesFallbackDefault(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t)
	ctx := context.Background()

	for _, def := range []*ModuleDefinition{
		{ID: "zeta", IsDefault: true},
		{ID: "alpha", IsDefault: true},
		{ID: "mid"},
	} {
		if err := reg.Register(ctx, def, RegisterOptions{}); err != nil {
			t.Fatalf("Register %s failed: %v", def.ID, err)
		}
	}

	if err := reg.Sync(ctx); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	entry, _ := reg.GetModule("alpha")
	if !entry.Enabled {
		t.Error("Sync must enable the lexicographically first default module")
	}
	if other, _ := reg.GetModule("zeta"); other.Enabled {
		t.Error("Sync must enable exactly one module")
	}
}

func TestSyncNoopWhenModuleEnabled(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.Register(ctx, &ModuleDefinition{ID: "a", EnabledByDefault: true}, RegisterOptions{}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := reg.Register(ctx, &ModuleDefinition{ID: "b"}, RegisterOptions{}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if err := reg.Sync(ctx); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if entry, _ := reg.GetModule("b"); entry.Enabled {
		t.Error("Sync must not enable modules while the invariant already holds")
	}
}

func TestSyncWithoutDefaultFallsBackToFirst(t *testing.T) {
	t.Parallel()
	logger := &testLogger{}
	reg := NewRegistry(NewMemoryStore(), logger)
	ctx := context.Background()

	for _, id := range []string{"charlie", "bravo"} {
		if err := reg.Register(ctx, &ModuleDefinition{ID: id}, RegisterOptions{}); err != nil {
			t.Fatalf("Register %s failed: %v", id, err)
		}
	}

	if err := reg.Sync(ctx); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	entry, _ := reg.GetModule("bravo")
	if !entry.Enabled {
		t.Error("Expected lexicographically first module to be enabled as fallback")
	}
	if !logger.contains("No default-flagged module") {
		t.Error("Expected a warning about the missing default module")
	}
}

func TestReRegisterRestoresPersistedEnablement(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.Register(ctx, &ModuleDefinition{ID: "keep", EnabledByDefault: true}, RegisterOptions{}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := reg.Register(ctx, &ModuleDefinition{ID: "sbom", EnabledByDefault: true}, RegisterOptions{}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := reg.Toggle(ctx, "sbom", false); err != nil {
		t.Fatalf("Toggle failed: %v", err)
	}
	if err := reg.Unregister(ctx, "sbom", UnregisterOptions{}); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}

	// The persisted row survives the unregister and wins over the
	// definition default on the next registration.
	if err := reg.Register(ctx, &ModuleDefinition{ID: "sbom", EnabledByDefault: true}, RegisterOptions{}); err != nil {
		t.Fatalf("Re-register failed: %v", err)
	}
	entry, _ := reg.GetModule("sbom")
	if entry.Enabled {
		t.Error("Expected persisted disabled state to survive unregister/register")
	}
}

func TestRoundTripYieldsFreshRegisteredAt(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t)
	ctx := context.Background()

	def := &ModuleDefinition{ID: "sbom", EnabledByDefault: true}
	if err := reg.Register(ctx, def, RegisterOptions{}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	first, _ := reg.GetModule("sbom")

	if err := reg.Unregister(ctx, "sbom", UnregisterOptions{Force: true}); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	if err := reg.Register(ctx, def, RegisterOptions{}); err != nil {
		t.Fatalf("Re-register failed: %v", err)
	}
	second, _ := reg.GetModule("sbom")

	if !second.RegisteredAt.After(first.RegisteredAt) {
		t.Errorf("Expected fresh RegisteredAt, got %v then %v", first.RegisteredAt, second.RegisteredAt)
	}
}

func TestGetModuleReturnsSnapshot(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.Register(ctx, &ModuleDefinition{ID: "a", EnabledByDefault: true}, RegisterOptions{}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	entry, _ := reg.GetModule("a")
	entry.Enabled = false

	fresh, _ := reg.GetModule("a")
	if !fresh.Enabled {
		t.Error("Mutating a returned entry must not affect registry state")
	}
}
