package cache

import (
	"context"
	"fmt"
	"sort"
)

// Options carries backend-specific settings
type Options struct {
	Dir         string
	DatabaseURL string
}

// Factory opens a storage backend. The returned close function releases the
// backend's resources and is never nil.
type Factory func(ctx context.Context, opts Options) (Storage, func() error, error)

// Registry manages available storage backends
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates a registry with the built-in file and memory backends
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("file", func(_ context.Context, opts Options) (Storage, func() error, error) {
		fs, err := NewFileStorage(opts.Dir)
		if err != nil {
			return nil, nil, err
		}
		return fs, noopClose, nil
	})
	r.Register("memory", func(context.Context, Options) (Storage, func() error, error) {
		return NewMemoryStorage(), noopClose, nil
	})
	return r
}

// Register adds a backend, replacing any backend with the same name
func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

// Open opens the named backend
func (r *Registry) Open(ctx context.Context, name string, opts Options) (Storage, func() error, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, nil, fmt.Errorf("cache backend '%s' not found. Available backends: %v", name, r.List())
	}
	s, closeFn, err := f(ctx, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s backend: %w", name, err)
	}
	if closeFn == nil {
		closeFn = noopClose
	}
	return s, closeFn, nil
}

// List returns all registered backend names, sorted
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func noopClose() error { return nil }
