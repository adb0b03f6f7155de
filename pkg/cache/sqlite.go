package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteConfig configures a SQLiteBackend.
type SQLiteConfig struct {
	// Path is the database file. An empty path opens a shared in-memory db.
	Path string

	// Capacity bounds the number of entries; 0 means unbounded.
	Capacity int
}

// SQLiteBackend persists entries in a SQLite database.
// Reads run concurrently; writes are serialized by writeMutex.
type SQLiteBackend struct {
	evictHooks
	db         *sql.DB
	writeMutex *sync.Mutex
	capacity   int

	// access is a logical clock ordering entries by recency
	access atomic.Int64
}

// NewSQLiteBackend opens (or creates) the cache table at cfg.Path.
func NewSQLiteBackend(cfg SQLiteConfig) (*SQLiteBackend, error) {
	filename := cfg.Path
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cache (
			key TEXT PRIMARY KEY,
			expires INTEGER,
			last_access INTEGER,
			entry BLOB
		)`,
		"CREATE INDEX IF NOT EXISTS last_access_idx ON cache (last_access)",
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init sqlite: %w", err)
		}
	}

	b := &SQLiteBackend{
		db:         db,
		writeMutex: &sync.Mutex{},
		capacity:   cfg.Capacity,
	}

	var last sql.NullInt64
	if err := db.QueryRow("SELECT MAX(last_access) FROM cache").Scan(&last); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite: %w", err)
	}
	b.access.Store(last.Int64)

	return b, nil
}

// Get returns the entry for key and records the access.
func (b *SQLiteBackend) Get(ctx context.Context, key string) (*CacheEntry, error) {
	var data []byte
	err := b.db.QueryRowContext(ctx, "SELECT entry FROM cache WHERE key = ?", key).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("sqlite get: %w", err)
	}

	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	b.writeMutex.Lock()
	_, err = b.db.ExecContext(ctx, "UPDATE cache SET last_access = ? WHERE key = ?", b.access.Add(1), key)
	b.writeMutex.Unlock()
	if err != nil {
		return nil, fmt.Errorf("sqlite touch: %w", err)
	}

	return &entry, nil
}

// Set stores entry and trims the least recently used rows beyond capacity.
func (b *SQLiteBackend) Set(ctx context.Context, key string, entry *CacheEntry, _ time.Duration) error {
	if entry == nil {
		return ErrInvalidEntry
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	b.writeMutex.Lock()
	defer b.writeMutex.Unlock()

	_, err = b.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO cache (key, expires, last_access, entry) VALUES (?, ?, ?, ?)",
		key, entry.Expires.Unix(), b.access.Add(1), data)
	if err != nil {
		return fmt.Errorf("sqlite put: %w", err)
	}

	evicted, err := b.trim(ctx)
	if err != nil {
		return err
	}
	b.notify(evicted...)
	return nil
}

// trim must be called with writeMutex held.
func (b *SQLiteBackend) trim(ctx context.Context) ([]string, error) {
	if b.capacity <= 0 {
		return nil, nil
	}

	var count int
	if err := b.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM cache").Scan(&count); err != nil {
		return nil, fmt.Errorf("sqlite count: %w", err)
	}
	overflow := count - b.capacity
	if overflow <= 0 {
		return nil, nil
	}

	rows, err := b.db.QueryContext(ctx,
		"SELECT key FROM cache ORDER BY last_access ASC LIMIT ?", overflow)
	if err != nil {
		return nil, fmt.Errorf("sqlite oldest: %w", err)
	}
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlite oldest: %w", err)
		}
		keys = append(keys, key)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite oldest: %w", err)
	}

	for _, key := range keys {
		if _, err := b.db.ExecContext(ctx, "DELETE FROM cache WHERE key = ?", key); err != nil {
			return nil, fmt.Errorf("sqlite evict: %w", err)
		}
	}
	return keys, nil
}

// Delete removes key.
func (b *SQLiteBackend) Delete(ctx context.Context, key string) error {
	b.writeMutex.Lock()
	defer b.writeMutex.Unlock()
	if _, err := b.db.ExecContext(ctx, "DELETE FROM cache WHERE key = ?", key); err != nil {
		return fmt.Errorf("sqlite delete: %w", err)
	}
	return nil
}

// Len returns the number of rows.
func (b *SQLiteBackend) Len(ctx context.Context) (int, error) {
	var n int
	if err := b.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM cache").Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite count: %w", err)
	}
	return n, nil
}

// PurgeExpired deletes every row that expired before now.
func (b *SQLiteBackend) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	b.writeMutex.Lock()
	defer b.writeMutex.Unlock()
	res, err := b.db.ExecContext(ctx, "DELETE FROM cache WHERE expires <= ?", now.Unix())
	if err != nil {
		return 0, fmt.Errorf("sqlite purge: %w", err)
	}
	return res.RowsAffected()
}

// Ping checks the database handle.
func (b *SQLiteBackend) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

// Close closes the database.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
