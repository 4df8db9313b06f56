package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strings"
)

// FileStorage implements Storage on the filesystem. Each store is a
// directory; each entry is a JSON file written via temp file + rename.
type FileStorage struct {
	dir string
}

// NewFileStorage creates file storage rooted at dir.
// If dir is empty, uses ~/.offline_cache
func NewFileStorage(dir string) (*FileStorage, error) {
	if dir == "" {
		usr, err := user.Current()
		if err != nil {
			return nil, err
		}
		dir = filepath.Join(usr.HomeDir, ".offline_cache")
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}

	return &FileStorage{dir: dir}, nil
}

// Dir returns the root directory
func (fs *FileStorage) Dir() string {
	return fs.dir
}

// Open implements Storage
func (fs *FileStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	dir := filepath.Join(fs.dir, dirNameFor(name))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create store %q: %w", name, err)
	}
	return &fileStore{name: name, dir: dir}, nil
}

// Lookup implements Storage
func (fs *FileStorage) Lookup(ctx context.Context, name string) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	dir := filepath.Join(fs.dir, dirNameFor(name))
	info, err := os.Stat(dir)
	if errors.Is(err, os.ErrNotExist) || (err == nil && !info.IsDir()) {
		return nil, ErrStoreNotFound
	}
	if err != nil {
		return nil, err
	}
	return &fileStore{name: name, dir: dir}, nil
}

// Names implements Storage
func (fs *FileStorage) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ents, err := os.ReadDir(fs.dir)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if !e.IsDir() {
			continue
		}
		if name, ok := nameFromDir(e.Name()); ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Delete implements Storage
func (fs *FileStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := ValidateName(name); err != nil {
		return false, err
	}

	dir := filepath.Join(fs.dir, dirNameFor(name))
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("delete store %q: %w", name, err)
	}
	return true, nil
}

type fileStore struct {
	name string
	dir  string
}

func (s *fileStore) Name() string { return s.name }

func (s *fileStore) path(key string) string {
	return filepath.Join(s.dir, fileNameFor(key))
}

// Match implements Store
func (s *fileStore) Match(ctx context.Context, key string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrCacheNotFound
	}
	if err != nil {
		return nil, err
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decode entry %s: %w", key, err)
	}
	// md5 collisions are not expected, but never serve another request's entry
	if entry.Key() != key {
		return nil, ErrCacheNotFound
	}
	return &entry, nil
}

// Put implements Store
func (s *fileStore) Put(ctx context.Context, entry *Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	// Write to temporary file first, then rename (atomic operation)
	path := s.path(entry.Key())
	tmpPath := path + fmt.Sprintf(".tmp.%d", rand.Int())
	// the store directory is never recreated here
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrStoreNotFound, s.name)
		}
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrStoreNotFound, s.name)
		}
		return err
	}
	return nil
}

// Delete implements Store
func (s *fileStore) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	err := os.Remove(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Keys implements Store
func (s *fileStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ents, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			continue
		}
		keys = append(keys, entry.Key())
	}
	sort.Strings(keys)
	return keys, nil
}
