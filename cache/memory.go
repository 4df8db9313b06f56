package cache

import (
	"context"
	"sort"
	"sync"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryStorage implements Storage in process memory. Entries never expire;
// it is meant for tests and single-process deployments without a disk.
type MemoryStorage struct {
	mu     sync.Mutex
	stores map[string]*memoryStore
}

// NewMemoryStorage creates an empty in-memory storage
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{stores: make(map[string]*memoryStore)}
}

// Open implements Storage
func (ms *MemoryStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	s, ok := ms.stores[name]
	if !ok {
		// cleanup interval 0: no janitor goroutine, nothing expires
		s = &memoryStore{parent: ms, name: name, items: gocache.New(gocache.NoExpiration, 0)}
		ms.stores[name] = s
	}
	return s, nil
}

// Lookup implements Storage
func (ms *MemoryStorage) Lookup(ctx context.Context, name string) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	s, ok := ms.stores[name]
	if !ok {
		return nil, ErrStoreNotFound
	}
	return s, nil
}

// Names implements Storage
func (ms *MemoryStorage) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	names := make([]string, 0, len(ms.stores))
	for name := range ms.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Delete implements Storage
func (ms *MemoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	s, ok := ms.stores[name]
	if !ok {
		return false, nil
	}
	s.items.Flush()
	delete(ms.stores, name)
	return true, nil
}

type memoryStore struct {
	parent *MemoryStorage
	name   string
	items  *gocache.Cache
}

func (s *memoryStore) Name() string { return s.name }

// Match implements Store
func (s *memoryStore) Match(ctx context.Context, key string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v, ok := s.items.Get(key)
	if !ok {
		return nil, ErrCacheNotFound
	}
	return v.(*Entry).Clone(), nil
}

// Put implements Store
func (s *memoryStore) Put(ctx context.Context, entry *Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// holding the parent lock orders the write against a store Delete
	s.parent.mu.Lock()
	defer s.parent.mu.Unlock()
	if s.parent.stores[s.name] != s {
		return ErrStoreNotFound
	}
	s.items.Set(entry.Key(), entry.Clone(), gocache.NoExpiration)
	return nil
}

// Delete implements Store
func (s *memoryStore) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	if _, ok := s.items.Get(key); !ok {
		return false, nil
	}
	s.items.Delete(key)
	return true, nil
}

// Keys implements Store
func (s *memoryStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	items := s.items.Items()
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
