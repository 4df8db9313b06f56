// Package cache provides named, persistent stores of HTTP responses keyed by
// request identity. A Storage holds any number of stores; eviction happens
// only by overwriting an entry or deleting a whole store.
package cache

import (
	"context"
	"errors"
	"net/http"
	"time"
)

var (
	// ErrCacheNotFound is returned when a cache entry is not found
	ErrCacheNotFound = errors.New("cache entry not found")

	// ErrInvalidName is returned for empty or malformed store names
	ErrInvalidName = errors.New("invalid cache store name")

	// ErrStoreNotFound is returned by Lookup for a missing store and by Put
	// on a store that has since been deleted
	ErrStoreNotFound = errors.New("cache store not found")
)

// Entry represents a stored response with its request identity
type Entry struct {
	Method    string      `json:"method"`
	URL       string      `json:"url"`
	Status    int         `json:"status"`
	Header    http.Header `json:"header,omitempty"`
	Body      []byte      `json:"body"`
	FetchedAt time.Time   `json:"fetched_at"`
}

// Key returns the request identity the entry is stored under
func (e *Entry) Key() string {
	return e.Method + " " + e.URL
}

// Clone returns a deep copy so callers never share header maps or body bytes
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	c.Header = e.Header.Clone()
	if e.Body != nil {
		c.Body = append([]byte(nil), e.Body...)
	}
	return &c
}

// Store is a single named cache
type Store interface {
	// Name returns the store name (the generation identifier)
	Name() string

	// Match looks up an entry by exact key.
	// Returns ErrCacheNotFound when no entry exists.
	Match(ctx context.Context, key string) (*Entry, error)

	// Put stores the entry under its key, replacing any previous value.
	// Readers observe either the previous value or the new one. Returns
	// ErrStoreNotFound once the store has been deleted; a put never brings
	// a deleted store back.
	Put(ctx context.Context, entry *Entry) error

	// Delete removes a single entry, reporting whether it existed
	Delete(ctx context.Context, key string) (bool, error)

	// Keys lists the keys currently stored, sorted
	Keys(ctx context.Context) ([]string, error)
}

// Storage manages the set of named stores for one origin
type Storage interface {
	// Open returns the named store, creating it if absent
	Open(ctx context.Context, name string) (Store, error)

	// Lookup returns the named store without creating it.
	// Returns ErrStoreNotFound when no such store exists.
	Lookup(ctx context.Context, name string) (Store, error)

	// Names lists existing store names, sorted
	Names(ctx context.Context) ([]string, error)

	// Delete removes a store and all of its entries, reporting whether it existed
	Delete(ctx context.Context, name string) (bool, error)
}

// ValidateName rejects names that no backend can represent
func ValidateName(name string) error {
	if name == "" {
		return ErrInvalidName
	}
	for _, r := range name {
		if r == 0 || r == '/' {
			return ErrInvalidName
		}
	}
	return nil
}
