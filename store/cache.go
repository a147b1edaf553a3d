package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/knothic/anvil/plan"
)

// Cache is the shared TTL'd key-value surface used for LLM response caching
// and the daily budget accumulators. The SQLite-backed Store implements it;
// a Redis implementation is available for multi-process deployments.
type Cache interface {
	// CacheGet returns (value, true) for a live entry. Expired entries read
	// as a miss and are removed.
	CacheGet(ctx context.Context, key string) (string, bool, error)
	// CachePut stores value under key for ttl (0 = no expiry).
	CachePut(ctx context.Context, key, value string, ttl time.Duration, meta map[string]string) error
	// CacheIncrFloat atomically adds delta to a numeric entry, creating it at
	// zero, and returns the new total. Used for budget counters.
	CacheIncrFloat(ctx context.Context, key string, delta float64, ttl time.Duration) (float64, error)
}

// CacheGet implements Cache on the SQLite store. Reads past expires_at
// return a miss and lazily evict the row.
func (s *Store) CacheGet(ctx context.Context, key string) (string, bool, error) {
	var value string
	var expiresAt sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM cache_items WHERE key = ?`, key).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading cache key %s: %w", key, err)
	}

	if expiresAt.Valid && plan.NowMillis() >= expiresAt.Int64 {
		s.mu.Lock()
		_, _ = s.db.ExecContext(ctx, `DELETE FROM cache_items WHERE key = ?`, key)
		s.mu.Unlock()
		return "", false, nil
	}
	return value, true, nil
}

// CachePut implements Cache on the SQLite store.
func (s *Store) CachePut(ctx context.Context, key, value string, ttl time.Duration, meta map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cachePutLocked(ctx, key, value, ttl, meta)
}

func (s *Store) cachePutLocked(ctx context.Context, key, value string, ttl time.Duration, meta map[string]string) error {
	now := plan.NowMillis()
	var expiresAt interface{}
	if ttl > 0 {
		expiresAt = now + ttl.Milliseconds()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_items (key, value, meta, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
		  value = excluded.value,
		  meta = excluded.meta,
		  created_at = excluded.created_at,
		  expires_at = excluded.expires_at`,
		key, value, marshalJSON(meta), now, expiresAt)
	if err != nil {
		return fmt.Errorf("writing cache key %s: %w", key, err)
	}
	return nil
}

// CacheIncrFloat implements Cache on the SQLite store. The read-modify-write
// is serialized by the store's writer lock.
func (s *Store) CacheIncrFloat(ctx context.Context, key string, delta float64, ttl time.Duration) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current float64
	var raw string
	var expiresAt sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM cache_items WHERE key = ?`, key).Scan(&raw, &expiresAt)
	switch {
	case err == sql.ErrNoRows:
		current = 0
	case err != nil:
		return 0, fmt.Errorf("reading counter %s: %w", key, err)
	default:
		if expiresAt.Valid && plan.NowMillis() >= expiresAt.Int64 {
			current = 0
		} else if parsed, perr := strconv.ParseFloat(raw, 64); perr == nil {
			current = parsed
		}
	}

	total := current + delta
	if err := s.cachePutLocked(ctx, key, strconv.FormatFloat(total, 'f', -1, 64), ttl, nil); err != nil {
		return 0, err
	}
	return total, nil
}
