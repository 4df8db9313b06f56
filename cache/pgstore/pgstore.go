// Package pgstore implements cache.Storage on PostgreSQL via pgx.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/briangreenhill/offlinecache/cache"
)

// DB is the subset of *pgxpool.Pool the store needs
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const schema = `
CREATE TABLE IF NOT EXISTS cache_stores (
	name       TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS cache_entries (
	store      TEXT NOT NULL REFERENCES cache_stores(name) ON DELETE CASCADE,
	key        TEXT NOT NULL,
	method     TEXT NOT NULL,
	url        TEXT NOT NULL,
	status     INTEGER NOT NULL,
	header     JSONB NOT NULL DEFAULT '{}'::jsonb,
	body       BYTEA NOT NULL,
	fetched_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (store, key)
);`

// foreignKeyViolation is raised when an entry's store row is gone
const foreignKeyViolation = "23503"

// Storage is a Postgres-backed cache.Storage
type Storage struct {
	db DB
}

// New returns a storage over db. Call Migrate once before use.
func New(db DB) *Storage {
	return &Storage{db: db}
}

// Migrate creates the tables if they do not exist
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate cache schema: %w", err)
	}
	return nil
}

// Factory connects to opts.DatabaseURL and migrates the schema for a
// cache.Registry
func Factory(ctx context.Context, opts cache.Options) (cache.Storage, func() error, error) {
	pool, err := pgxpool.New(ctx, opts.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := New(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return s, func() error { pool.Close(); return nil }, nil
}

// Open implements cache.Storage
func (s *Storage) Open(ctx context.Context, name string) (cache.Store, error) {
	if err := cache.ValidateName(name); err != nil {
		return nil, err
	}

	_, err := s.db.Exec(ctx, `INSERT INTO cache_stores (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, name)
	if err != nil {
		return nil, fmt.Errorf("create store %q: %w", name, err)
	}
	return &store{db: s.db, name: name}, nil
}

// Lookup implements cache.Storage
func (s *Storage) Lookup(ctx context.Context, name string) (cache.Store, error) {
	if err := cache.ValidateName(name); err != nil {
		return nil, err
	}

	var found string
	err := s.db.QueryRow(ctx, `SELECT name FROM cache_stores WHERE name = $1`, name).Scan(&found)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, cache.ErrStoreNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup store %q: %w", name, err)
	}
	return &store{db: s.db, name: name}, nil
}

// Names implements cache.Storage
func (s *Storage) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT name FROM cache_stores ORDER BY name COLLATE "C"`)
	if err != nil {
		return nil, fmt.Errorf("list stores: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list stores: %w", err)
	}
	if names == nil {
		names = []string{}
	}
	return names, nil
}

// Delete implements cache.Storage. Entries go with the store (ON DELETE CASCADE).
func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	if err := cache.ValidateName(name); err != nil {
		return false, err
	}

	tag, err := s.db.Exec(ctx, `DELETE FROM cache_stores WHERE name = $1`, name)
	if err != nil {
		return false, fmt.Errorf("delete store %q: %w", name, err)
	}
	return tag.RowsAffected() > 0, nil
}

type store struct {
	db   DB
	name string
}

func (st *store) Name() string { return st.name }

// Match implements cache.Store
func (st *store) Match(ctx context.Context, key string) (*cache.Entry, error) {
	var (
		e      cache.Entry
		header http.Header
	)
	err := st.db.QueryRow(ctx,
		`SELECT method, url, status, header, body, fetched_at
		   FROM cache_entries WHERE store = $1 AND key = $2`,
		st.name, key,
	).Scan(&e.Method, &e.URL, &e.Status, &header, &e.Body, &e.FetchedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, cache.ErrCacheNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Header = header
	return &e, nil
}

// Put implements cache.Store
func (st *store) Put(ctx context.Context, e *cache.Entry) error {
	header := e.Header
	if header == nil {
		header = http.Header{}
	}
	body := e.Body
	if body == nil {
		body = []byte{}
	}

	_, err := st.db.Exec(ctx,
		`INSERT INTO cache_entries (store, key, method, url, status, header, body, fetched_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (store, key) DO UPDATE SET
		   method = EXCLUDED.method, url = EXCLUDED.url, status = EXCLUDED.status,
		   header = EXCLUDED.header, body = EXCLUDED.body, fetched_at = EXCLUDED.fetched_at`,
		st.name, e.Key(), e.Method, e.URL, e.Status, header, body, e.FetchedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
		return fmt.Errorf("%w: %s", cache.ErrStoreNotFound, st.name)
	}
	return err
}

// Delete implements cache.Store
func (st *store) Delete(ctx context.Context, key string) (bool, error) {
	tag, err := st.db.Exec(ctx, `DELETE FROM cache_entries WHERE store = $1 AND key = $2`, st.name, key)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Keys implements cache.Store
func (st *store) Keys(ctx context.Context) ([]string, error) {
	rows, err := st.db.Query(ctx, `SELECT key FROM cache_entries WHERE store = $1 ORDER BY key COLLATE "C"`, st.name)
	if err != nil {
		return nil, err
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	if keys == nil {
		keys = []string{}
	}
	return keys, nil
}
