package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/sawpanic/marketflow/internal/features"
)

// FeatureCacheConfig shapes the latest-row cache. TTL is deliberately
// short: stale rows are worse than a miss, and readers fall back to
// the broker or archive anyway.
type FeatureCacheConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
	Jitter   time.Duration `yaml:"jitter"`
}

// DefaultFeatureCacheConfig expires rows after 90s with up to 10s of
// jitter so a burst of writes does not expire in lockstep.
func DefaultFeatureCacheConfig() FeatureCacheConfig {
	return FeatureCacheConfig{
		Addr:   "localhost:6379",
		TTL:    90 * time.Second,
		Jitter: 10 * time.Second,
	}
}

// FeatureCache stores the latest feature row per (symbol, timeframe)
// under features:<symbol>:<tf>.
type FeatureCache struct {
	client *redis.Client
	ttl    time.Duration
	jitter time.Duration
}

// NewFeatureCache connects and verifies the server is reachable.
func NewFeatureCache(cfg FeatureCacheConfig) (*FeatureCache, error) {
	def := DefaultFeatureCacheConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.Jitter < 0 || cfg.Jitter >= cfg.TTL {
		cfg.Jitter = def.Jitter
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("kv: redis connection failed: %w", err)
	}
	return &FeatureCache{client: rdb, ttl: cfg.TTL, jitter: cfg.Jitter}, nil
}

func featureKey(symbol, tf string) string {
	return "features:" + symbol + ":" + tf
}

// Put stores row as the latest for its (symbol, tf) with a jittered
// expiry.
func (c *FeatureCache) Put(ctx context.Context, row features.Row) error {
	raw, err := encodeRow(row)
	if err != nil {
		return err
	}
	key := featureKey(row.Symbol, row.TF)
	if err := c.client.Set(ctx, key, raw, jitteredTTL(c.ttl, c.jitter)).Err(); err != nil {
		return fmt.Errorf("kv: cache feature row %s: %w", key, err)
	}
	return nil
}

// Latest returns the cached row for (symbol, tf); found is false on
// miss or expiry.
func (c *FeatureCache) Latest(ctx context.Context, symbol, tf string) (features.Row, bool, error) {
	raw, err := c.client.Get(ctx, featureKey(symbol, tf)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return features.Row{}, false, nil
		}
		return features.Row{}, false, fmt.Errorf("kv: read feature row %s:%s: %w", symbol, tf, err)
	}
	row, err := decodeRow(raw)
	if err != nil {
		return features.Row{}, false, err
	}
	return row, true, nil
}

// Close releases the connection pool.
func (c *FeatureCache) Close() error { return c.client.Close() }

func encodeRow(row features.Row) ([]byte, error) {
	raw, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("kv: encode feature row: %w", err)
	}
	return raw, nil
}

func decodeRow(raw []byte) (features.Row, error) {
	var row features.Row
	if err := json.Unmarshal(raw, &row); err != nil {
		return features.Row{}, fmt.Errorf("kv: decode feature row: %w", err)
	}
	return row, nil
}

// jitteredTTL spreads expiries across base +/- jitter, floored at one
// second.
func jitteredTTL(base, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return base
	}
	ttl := base + time.Duration(rand.Int63n(int64(2*jitter)+1)) - jitter
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}
