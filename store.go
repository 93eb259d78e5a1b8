package modkit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// StoredModule is the durable record the persistence adapter keeps per
// module: enablement, default flag, display order and configuration values.
type StoredModule struct {
	ID           string         `yaml:"id"`
	Enabled      bool           `yaml:"enabled"`
	IsDefault    bool           `yaml:"isDefault"`
	DisplayOrder int            `yaml:"displayOrder"`
	Config       map[string]any `yaml:"config,omitempty"`
}

// clone returns a copy so store internals never alias caller state.
func (m *StoredModule) clone() *StoredModule {
	cp := *m
	if m.Config != nil {
		cp.Config = make(map[string]any, len(m.Config))
		for k, v := range m.Config {
			cp.Config[k] = v
		}
	}
	return &cp
}

// ModuleStore is the persistence adapter contract the Registry consumes.
// Implementations must be crash-consistent: a partial write must never
// leave Enabled in an intermediate state readable by a concurrent reader.
type ModuleStore interface {
	// GetModule returns the persisted record for id, reporting absence
	// through the second return value rather than an error.
	GetModule(ctx context.Context, id string) (*StoredModule, bool, error)

	// UpsertModule atomically creates or replaces the record for the
	// module.
	UpsertModule(ctx context.Context, entry *StoredModule) error

	// ListModules returns all persisted records, ordered by ID.
	ListModules(ctx context.Context) ([]*StoredModule, error)
}

// MemoryStore is an in-process ModuleStore for tests and embedded use.
type MemoryStore struct {
	mu      sync.RWMutex
	modules map[string]*StoredModule
}

// NewMemoryStore creates an empty in-memory module store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{modules: make(map[string]*StoredModule)}
}

// GetModule implements ModuleStore.
func (s *MemoryStore) GetModule(_ context.Context, id string) (*StoredModule, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.modules[id]
	if !ok {
		return nil, false, nil
	}
	return m.clone(), true, nil
}

// UpsertModule implements ModuleStore.
func (s *MemoryStore) UpsertModule(_ context.Context, entry *StoredModule) error {
	if entry == nil || entry.ID == "" {
		return ErrModuleIDEmpty
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.modules[entry.ID] = entry.clone()
	return nil
}

// ListModules implements ModuleStore.
func (s *MemoryStore) ListModules(_ context.Context) ([]*StoredModule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*StoredModule, 0, len(s.modules))
	for _, m := range s.modules {
		out = append(out, m.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// FileStore persists module state as a single YAML document. Writes go
// through a temp file and rename so a crash mid-write leaves the previous
// document intact.
type FileStore struct {
	mu      sync.Mutex
	path    string
	modules map[string]*StoredModule
}

// fileStoreDoc is the on-disk shape of the store.
type fileStoreDoc struct {
	Modules []*StoredModule `yaml:"modules"`
}

// NewFileStore opens (or creates) a YAML-backed module store at path.
func NewFileStore(path string) (*FileStore, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving store path %s: %w", path, err)
	}

	s := &FileStore{
		path:    abs,
		modules: make(map[string]*StoredModule),
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("reading module store %s: %w", abs, err)
	}

	var doc fileStoreDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing module store %s: %w", abs, err)
	}
	for _, m := range doc.Modules {
		if m != nil && m.ID != "" {
			s.modules[m.ID] = m
		}
	}
	return s, nil
}

// GetModule implements ModuleStore.
func (s *FileStore) GetModule(_ context.Context, id string) (*StoredModule, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.modules[id]
	if !ok {
		return nil, false, nil
	}
	return m.clone(), true, nil
}

// UpsertModule implements ModuleStore. The whole document is rewritten
// atomically on every upsert; module counts are small enough that this
// stays cheap.
func (s *FileStore) UpsertModule(_ context.Context, entry *StoredModule) error {
	if entry == nil || entry.ID == "" {
		return ErrModuleIDEmpty
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.modules[entry.ID] = entry.clone()
	return s.flushLocked()
}

// ListModules implements ModuleStore.
func (s *FileStore) ListModules(_ context.Context) ([]*StoredModule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*StoredModule, 0, len(s.modules))
	for _, m := range s.modules {
		out = append(out, m.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// flushLocked writes the document via temp file + rename. Callers hold mu.
func (s *FileStore) flushLocked() error {
	doc := fileStoreDoc{Modules: make([]*StoredModule, 0, len(s.modules))}
	for _, m := range s.modules {
		doc.Modules = append(doc.Modules, m)
	}
	sort.Slice(doc.Modules, func(i, j int) bool { return doc.Modules[i].ID < doc.Modules[j].ID })

	data, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("encoding module store: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".modules-*.yaml")
	if err != nil {
		return fmt.Errorf("creating temp store file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing module store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing module store: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing module store: %w", err)
	}
	return nil
}
