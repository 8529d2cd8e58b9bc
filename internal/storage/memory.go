package storage

import (
	"context"
	"slices"
	"sync"

	"github.com/onexay/forge/internal/object"
	"github.com/onexay/forge/internal/types"
)

// memoryObjectStore provides an in-memory object backend for development and testing.
type memoryObjectStore struct {
	mu      sync.RWMutex
	opts    Options
	objects map[string]map[string][]byte // repo -> hash -> canonical bytes
}

// NewMemoryObjectStore initializes an empty in-memory object store.
func NewMemoryObjectStore(opts Options) ObjectStore {
	return &memoryObjectStore{
		opts:    opts,
		objects: make(map[string]map[string][]byte),
	}
}

func (m *memoryObjectStore) Put(ctx context.Context, repo string, data []byte) (string, error) {
	if repo == "" {
		return "", &ValidationError{Message: "repository is required"}
	}
	hash := object.ComputeHash(data)
	if err := m.opts.checkSize(hash, int64(len(data))); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	repoObjects, ok := m.objects[repo]
	if !ok {
		repoObjects = make(map[string][]byte)
		m.objects[repo] = repoObjects
	}
	if _, exists := repoObjects[hash]; exists {
		return hash, nil
	}
	repoObjects[hash] = append([]byte{}, data...)
	return hash, nil
}

func (m *memoryObjectStore) Get(ctx context.Context, repo, hash string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.objects[repo][hash]
	if !ok {
		return nil, &NotFoundError{Resource: "object", Key: hash}
	}
	return append([]byte{}, data...), nil
}

func (m *memoryObjectStore) Contains(ctx context.Context, repo, hash string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[repo][hash]
	return ok, nil
}

func (m *memoryObjectStore) DeleteAll(ctx context.Context, repo string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, repo)
	return nil
}

func (m *memoryObjectStore) Close() error { return nil }

// memoryRefStore keeps ref state in-process. It is not durable and exists for
// tests and throwaway servers.
type memoryRefStore struct {
	mu   sync.RWMutex
	refs map[string]map[string]string // repo -> ref -> hash
}

// NewMemoryRefStore initializes an empty in-memory ref store.
func NewMemoryRefStore() RefStore {
	return &memoryRefStore{refs: make(map[string]map[string]string)}
}

func (m *memoryRefStore) Resolve(ctx context.Context, repo, name string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hash, ok := m.refs[repo][name]
	return hash, ok, nil
}

func (m *memoryRefStore) List(ctx context.Context, repo string) ([]types.Ref, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	repoRefs := m.refs[repo]
	names := make([]string, 0, len(repoRefs))
	for name := range repoRefs {
		names = append(names, name)
	}
	slices.Sort(names)
	result := make([]types.Ref, 0, len(names))
	for _, name := range names {
		result = append(result, types.Ref{Name: name, Hash: repoRefs[name]})
	}
	return result, nil
}

func (m *memoryRefStore) CompareAndSwap(ctx context.Context, repo string, updates []types.RefUpdate) error {
	if err := validateUpdates(repo, updates); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	repoRefs, ok := m.refs[repo]
	if !ok {
		repoRefs = make(map[string]string)
		m.refs[repo] = repoRefs
	}

	conflicts := staleUpdates(updates, func(name string) string { return repoRefs[name] })
	if len(conflicts) > 0 {
		return &RefConflictError{Conflicts: conflicts}
	}

	for _, u := range updates {
		if u.IsDelete() {
			delete(repoRefs, u.Name)
			continue
		}
		repoRefs[u.Name] = u.New
	}
	return nil
}

func (m *memoryRefStore) DeleteAll(ctx context.Context, repo string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.refs, repo)
	return nil
}

func (m *memoryRefStore) Close() error { return nil }
