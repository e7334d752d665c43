// Package kv persists small pipeline state in Redis: per-stream
// millisecond cursors and the latest feature row per (symbol,
// timeframe). Both stores are optional; the pipeline runs without
// them, it just loses warm restarts and the fast feature lookup.
package kv

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// OffsetStore keeps integer millisecond cursors under offset:<stream>
// so a restarted consumer can resume where it left off.
type OffsetStore struct {
	client *redis.Client
}

// NewOffsetStore connects and verifies the server is reachable.
func NewOffsetStore(addr, password string, db int) (*OffsetStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("kv: redis connection failed: %w", err)
	}
	return &OffsetStore{client: rdb}, nil
}

func offsetKey(stream string) string { return "offset:" + stream }

// Load returns the committed cursor for stream; found is false when
// no cursor has been committed yet.
func (s *OffsetStore) Load(ctx context.Context, stream string) (int64, bool, error) {
	val, err := s.client.Get(ctx, offsetKey(stream)).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("kv: load offset %s: %w", stream, err)
	}
	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("kv: offset %s is not an integer: %w", stream, err)
	}
	return ms, true, nil
}

// Commit stores the cursor for stream. Offsets do not expire.
func (s *OffsetStore) Commit(ctx context.Context, stream string, ms int64) error {
	if err := s.client.Set(ctx, offsetKey(stream), strconv.FormatInt(ms, 10), 0).Err(); err != nil {
		return fmt.Errorf("kv: commit offset %s: %w", stream, err)
	}
	return nil
}

// Clear removes the cursor for stream.
func (s *OffsetStore) Clear(ctx context.Context, stream string) error {
	if err := s.client.Del(ctx, offsetKey(stream)).Err(); err != nil {
		return fmt.Errorf("kv: clear offset %s: %w", stream, err)
	}
	return nil
}

// Close releases the connection pool.
func (s *OffsetStore) Close() error { return s.client.Close() }
