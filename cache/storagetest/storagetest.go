// Package storagetest is a conformance suite every cache.Storage backend runs.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/offlinecache/cache"
)

// Factory returns a fresh, empty storage for one subtest
type Factory func(t *testing.T) cache.Storage

// Run executes the conformance suite against storages produced by newStorage
func Run(t *testing.T, newStorage Factory) {
	t.Run("OpenCreatesStore", func(t *testing.T) { testOpenCreatesStore(t, newStorage(t)) })
	t.Run("OpenIsIdempotent", func(t *testing.T) { testOpenIsIdempotent(t, newStorage(t)) })
	t.Run("RejectsInvalidName", func(t *testing.T) { testRejectsInvalidName(t, newStorage(t)) })
	t.Run("PutMatchRoundTrip", func(t *testing.T) { testPutMatchRoundTrip(t, newStorage(t)) })
	t.Run("MatchMissing", func(t *testing.T) { testMatchMissing(t, newStorage(t)) })
	t.Run("PutOverwrites", func(t *testing.T) { testPutOverwrites(t, newStorage(t)) })
	t.Run("DeleteEntry", func(t *testing.T) { testDeleteEntry(t, newStorage(t)) })
	t.Run("DeleteStore", func(t *testing.T) { testDeleteStore(t, newStorage(t)) })
	t.Run("LookupDoesNotCreate", func(t *testing.T) { testLookupDoesNotCreate(t, newStorage(t)) })
	t.Run("PutAfterDeleteStore", func(t *testing.T) { testPutAfterDeleteStore(t, newStorage(t)) })
	t.Run("StoresAreIsolated", func(t *testing.T) { testStoresAreIsolated(t, newStorage(t)) })
	t.Run("ConcurrentPutAndMatch", func(t *testing.T) { testConcurrentPutAndMatch(t, newStorage(t)) })
}

// NewEntry builds a GET entry for rawURL
func NewEntry(t *testing.T, rawURL string, status int, body string) *cache.Entry {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)

	return &cache.Entry{
		Method:    http.MethodGet,
		URL:       u.String(),
		Status:    status,
		Header:    http.Header{"Content-Type": {"text/plain; charset=utf-8"}, "Etag": {`"v1"`}},
		Body:      []byte(body),
		FetchedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func testOpenCreatesStore(t *testing.T, s cache.Storage) {
	ctx := context.Background()

	names, err := s.Names(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	st, err := s.Open(ctx, "offline-v1")
	require.NoError(t, err)
	assert.Equal(t, "offline-v1", st.Name())

	names, err = s.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"offline-v1"}, names)
}

func testOpenIsIdempotent(t *testing.T, s cache.Storage) {
	ctx := context.Background()

	st, err := s.Open(ctx, "offline-v1")
	require.NoError(t, err)
	require.NoError(t, st.Put(ctx, NewEntry(t, "https://app.example/static/app.js", 200, "app")))

	again, err := s.Open(ctx, "offline-v1")
	require.NoError(t, err)
	got, err := again.Match(ctx, "GET https://app.example/static/app.js")
	require.NoError(t, err)
	assert.Equal(t, "app", string(got.Body))

	names, err := s.Names(ctx)
	require.NoError(t, err)
	assert.Len(t, names, 1)
}

func testRejectsInvalidName(t *testing.T, s cache.Storage) {
	_, err := s.Open(context.Background(), "")
	assert.ErrorIs(t, err, cache.ErrInvalidName)
}

func testPutMatchRoundTrip(t *testing.T, s cache.Storage) {
	ctx := context.Background()
	st, err := s.Open(ctx, "offline-v1")
	require.NoError(t, err)

	want := NewEntry(t, "https://app.example/static/images/logo.png?v=2", 200, "\x89PNG\r\n\x1a\n\x00binary")
	require.NoError(t, st.Put(ctx, want))

	got, err := st.Match(ctx, want.Key())
	require.NoError(t, err)
	assert.Equal(t, want.Method, got.Method)
	assert.Equal(t, want.URL, got.URL)
	assert.Equal(t, want.Status, got.Status)
	assert.Equal(t, want.Body, got.Body)
	assert.Equal(t, want.Header.Get("Content-Type"), got.Header.Get("Content-Type"))
	assert.Equal(t, want.Header.Get("Etag"), got.Header.Get("Etag"))
	assert.True(t, want.FetchedAt.Equal(got.FetchedAt), "fetched_at %v != %v", got.FetchedAt, want.FetchedAt)

	keys, err := st.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{want.Key()}, keys)
}

func testMatchMissing(t *testing.T, s cache.Storage) {
	ctx := context.Background()
	st, err := s.Open(ctx, "offline-v1")
	require.NoError(t, err)

	_, err = st.Match(ctx, "GET https://app.example/missing.css")
	assert.ErrorIs(t, err, cache.ErrCacheNotFound)
}

func testPutOverwrites(t *testing.T, s cache.Storage) {
	ctx := context.Background()
	st, err := s.Open(ctx, "offline-v1")
	require.NoError(t, err)

	require.NoError(t, st.Put(ctx, NewEntry(t, "https://app.example/", 200, "old")))
	require.NoError(t, st.Put(ctx, NewEntry(t, "https://app.example/", 200, "new")))

	got, err := st.Match(ctx, "GET https://app.example/")
	require.NoError(t, err)
	assert.Equal(t, "new", string(got.Body))

	keys, err := st.Keys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func testDeleteEntry(t *testing.T, s cache.Storage) {
	ctx := context.Background()
	st, err := s.Open(ctx, "offline-v1")
	require.NoError(t, err)

	e := NewEntry(t, "https://app.example/static/css/styles.css", 200, "body{}")
	require.NoError(t, st.Put(ctx, e))

	ok, err := st.Delete(ctx, e.Key())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.Delete(ctx, e.Key())
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = st.Match(ctx, e.Key())
	assert.ErrorIs(t, err, cache.ErrCacheNotFound)
}

func testDeleteStore(t *testing.T, s cache.Storage) {
	ctx := context.Background()
	st, err := s.Open(ctx, "offline-v1")
	require.NoError(t, err)
	require.NoError(t, st.Put(ctx, NewEntry(t, "https://app.example/", 200, "home")))

	ok, err := s.Delete(ctx, "offline-v1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Delete(ctx, "offline-v1")
	require.NoError(t, err)
	assert.False(t, ok)

	names, err := s.Names(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	// reopening yields an empty store
	st, err = s.Open(ctx, "offline-v1")
	require.NoError(t, err)
	_, err = st.Match(ctx, "GET https://app.example/")
	assert.ErrorIs(t, err, cache.ErrCacheNotFound)
}

func testLookupDoesNotCreate(t *testing.T, s cache.Storage) {
	ctx := context.Background()

	_, err := s.Lookup(ctx, "offline-v1")
	require.ErrorIs(t, err, cache.ErrStoreNotFound)

	names, err := s.Names(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	st, err := s.Open(ctx, "offline-v1")
	require.NoError(t, err)
	require.NoError(t, st.Put(ctx, NewEntry(t, "https://app.example/offline/", 200, "offline")))

	found, err := s.Lookup(ctx, "offline-v1")
	require.NoError(t, err)
	assert.Equal(t, "offline-v1", found.Name())
	got, err := found.Match(ctx, "GET https://app.example/offline/")
	require.NoError(t, err)
	assert.Equal(t, "offline", string(got.Body))
}

// A handle kept across a store delete must not resurrect the store.
func testPutAfterDeleteStore(t *testing.T, s cache.Storage) {
	ctx := context.Background()
	stale, err := s.Open(ctx, "offline-v1")
	require.NoError(t, err)

	_, err = s.Delete(ctx, "offline-v1")
	require.NoError(t, err)

	err = stale.Put(ctx, NewEntry(t, "https://app.example/static/app.js", 200, "late"))
	assert.ErrorIs(t, err, cache.ErrStoreNotFound)

	names, err := s.Names(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	_, err = s.Lookup(ctx, "offline-v1")
	assert.ErrorIs(t, err, cache.ErrStoreNotFound)
}

func testStoresAreIsolated(t *testing.T, s cache.Storage) {
	ctx := context.Background()
	v1, err := s.Open(ctx, "offline-v1")
	require.NoError(t, err)
	v2, err := s.Open(ctx, "offline-v2")
	require.NoError(t, err)

	require.NoError(t, v1.Put(ctx, NewEntry(t, "https://app.example/", 200, "v1")))

	_, err = v2.Match(ctx, "GET https://app.example/")
	assert.ErrorIs(t, err, cache.ErrCacheNotFound)

	_, err = s.Delete(ctx, "offline-v2")
	require.NoError(t, err)

	got, err := v1.Match(ctx, "GET https://app.example/")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(got.Body))

	names, err := s.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"offline-v1"}, names)
}

// A reader racing a writer sees either the absence or a complete value.
func testConcurrentPutAndMatch(t *testing.T, s cache.Storage) {
	ctx := context.Background()
	st, err := s.Open(ctx, "offline-v1")
	require.NoError(t, err)

	const rounds = 50
	valid := make(map[string]bool, rounds)
	entries := make([]*cache.Entry, rounds)
	for i := 0; i < rounds; i++ {
		body := fmt.Sprintf("body-%03d", i)
		valid[body] = true
		entries[i] = NewEntry(t, "https://app.example/static/js/app.js", 200, body)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			if err := st.Put(ctx, entries[i]); err != nil {
				t.Errorf("put: %v", err)
				return
			}
		}
	}()

	var bad []string
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			e, err := st.Match(ctx, "GET https://app.example/static/js/app.js")
			if errors.Is(err, cache.ErrCacheNotFound) {
				continue
			}
			if err != nil {
				t.Errorf("match: %v", err)
				return
			}
			if !valid[string(e.Body)] {
				bad = append(bad, string(e.Body))
			}
		}
	}()
	wg.Wait()

	assert.Empty(t, bad, "reader observed partial writes")
}
