// Package badgerstore implements cache.Storage on an embedded BadgerDB.
//
// Key layout:
//
//	s:<store>             -> store marker (creation time)
//	e:<store>\x00<key>    -> JSON-encoded cache.Entry
//
// Store names cannot contain NUL (see cache.ValidateName), so the entry
// prefix of one store never matches another store's entries.
package badgerstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/briangreenhill/offlinecache/cache"
)

const (
	prefixStore = "s:"
	prefixEntry = "e:"
)

// Storage is a BadgerDB-backed cache.Storage
type Storage struct {
	db *badger.DB
}

// Open opens (or creates) a database in dir. An empty dir opens an
// in-memory database.
func Open(dir string) (*Storage, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Storage{db: db}, nil
}

// New wraps an already opened database
func New(db *badger.DB) *Storage {
	return &Storage{db: db}
}

// Close closes the underlying database
func (s *Storage) Close() error {
	return s.db.Close()
}

func keyStore(name string) []byte {
	return []byte(prefixStore + name)
}

func entryPrefix(name string) []byte {
	return []byte(prefixEntry + name + "\x00")
}

func keyEntry(name, key string) []byte {
	return append(entryPrefix(name), key...)
}

// Open implements cache.Storage
func (s *Storage) Open(ctx context.Context, name string) (cache.Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := cache.ValidateName(name); err != nil {
		return nil, err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(keyStore(name))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		created, _ := time.Now().UTC().MarshalBinary()
		return txn.Set(keyStore(name), created)
	})
	if err != nil {
		return nil, fmt.Errorf("create store %q: %w", name, err)
	}

	return &store{db: s.db, name: name}, nil
}

// Lookup implements cache.Storage
func (s *Storage) Lookup(ctx context.Context, name string) (cache.Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := cache.ValidateName(name); err != nil {
		return nil, err
	}

	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(keyStore(name))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return cache.ErrStoreNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &store{db: s.db, name: name}, nil
}

// Names implements cache.Storage
func (s *Storage) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	names := []string{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefixStore)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			k := it.Item().Key()
			names = append(names, string(k[len(prefixStore):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list stores: %w", err)
	}

	sort.Strings(names)
	return names, nil
}

// Delete implements cache.Storage. The marker goes first; puts check it in
// their own transaction, so no entry can land after the drop below.
func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := cache.ValidateName(name); err != nil {
		return false, err
	}

	existed := false
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(keyStore(name))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		existed = true
		return txn.Delete(keyStore(name))
	})
	if err != nil {
		return false, fmt.Errorf("delete store %q: %w", name, err)
	}

	if err := s.dropEntries(name); err != nil {
		return existed, fmt.Errorf("drop entries of %q: %w", name, err)
	}
	return existed, nil
}

// dropEntries deletes every entry of a store in one write batch
func (s *Storage) dropEntries(name string) error {
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = entryPrefix(name)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil || len(keys) == 0 {
		return err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return err
		}
	}
	return wb.Flush()
}

type store struct {
	db   *badger.DB
	name string
}

func (st *store) Name() string { return st.name }

// Match implements cache.Store
func (st *store) Match(ctx context.Context, key string) (*cache.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var entry cache.Entry
	err := st.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyEntry(st.name, key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return cache.ErrCacheNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Put implements cache.Store
func (st *store) Put(ctx context.Context, entry *cache.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	err = st.db.Update(func(txn *badger.Txn) error {
		// reading the marker makes a concurrent store Delete a txn conflict
		if _, err := txn.Get(keyStore(st.name)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return cache.ErrStoreNotFound
			}
			return err
		}
		return txn.Set(keyEntry(st.name, entry.Key()), data)
	})
	if errors.Is(err, badger.ErrConflict) {
		return fmt.Errorf("%w: %s", cache.ErrStoreNotFound, st.name)
	}
	return err
}

// Delete implements cache.Store
func (st *store) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	existed := false
	err := st.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(keyEntry(st.name, key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		existed = true
		return txn.Delete(keyEntry(st.name, key))
	})
	return existed, err
}

// Keys implements cache.Store
func (st *store) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := entryPrefix(st.name)
	keys := []string{}
	err := st.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			k := it.Item().Key()
			keys = append(keys, string(bytes.TrimPrefix(k, prefix)))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(keys)
	return keys, nil
}

// Factory opens a badger storage in opts.Dir for a cache.Registry
func Factory(_ context.Context, opts cache.Options) (cache.Storage, func() error, error) {
	s, err := Open(opts.Dir)
	if err != nil {
		return nil, nil, err
	}
	return s, s.Close, nil
}
