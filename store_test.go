package modkit

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore()
	ctx := context.Background()

	_, found, err := store.GetModule(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.UpsertModule(ctx, &StoredModule{
		ID:      "sbom",
		Enabled: true,
		Config:  map[string]any{"depth": 3},
	}))

	stored, found, err := store.GetModule(ctx, "sbom")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, stored.Enabled)

	// Mutating the returned row must not leak back into the store.
	stored.Enabled = false
	stored.Config["depth"] = 99
	fresh, _, err := store.GetModule(ctx, "sbom")
	require.NoError(t, err)
	assert.True(t, fresh.Enabled)
	assert.Equal(t, 3, fresh.Config["depth"])

	list, err := store.ListModules(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestFileStoreRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "modules.yaml")
	ctx := context.Background()

	store, err := NewFileStore(path)
	require.NoError(t, err)

	require.NoError(t, store.UpsertModule(ctx, &StoredModule{
		ID:           "sbom",
		Enabled:      true,
		IsDefault:    true,
		DisplayOrder: 2,
		Config:       map[string]any{"depth": 3},
	}))
	require.NoError(t, store.UpsertModule(ctx, &StoredModule{
		ID:      "aws-inspector",
		Enabled: false,
	}))

	// A fresh store over the same file sees the persisted rows.
	reopened, err := NewFileStore(path)
	require.NoError(t, err)

	stored, found, err := reopened.GetModule(ctx, "sbom")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, stored.Enabled)
	assert.True(t, stored.IsDefault)
	assert.Equal(t, 2, stored.DisplayOrder)
	assert.Equal(t, 3, stored.Config["depth"])

	list, err := reopened.ListModules(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "aws-inspector", list[0].ID)
	assert.Equal(t, "sbom", list[1].ID)
}

func TestFileStoreMissingFileStartsEmpty(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nonexistent.yaml")

	store, err := NewFileStore(path)
	require.NoError(t, err)

	list, err := store.ListModules(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestFileStoreUpsertOverwrites(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "modules.yaml")
	ctx := context.Background()

	store, err := NewFileStore(path)
	require.NoError(t, err)

	require.NoError(t, store.UpsertModule(ctx, &StoredModule{ID: "sbom", Enabled: true}))
	require.NoError(t, store.UpsertModule(ctx, &StoredModule{ID: "sbom", Enabled: false}))

	stored, found, err := store.GetModule(ctx, "sbom")
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, stored.Enabled)

	list, err := store.ListModules(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
