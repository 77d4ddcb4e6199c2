package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// WarmCache is an optional Redis tier behind the in-process cache. It lets
// repeated scans in one session reuse provider responses across processes.
// All operations are best effort; a down Redis never fails a fetch.
type WarmCache struct {
	rdb *redis.Client
}

// NewWarmCache connects to Redis at addr. Pass the result to the fetcher via
// WithWarmCache; a nil WarmCache disables the tier.
func NewWarmCache(addr, password string, db int) *WarmCache {
	return &WarmCache{
		rdb: redis.NewClient(&redis.Options{
			Addr:         addr,
			Password:     password,
			DB:           db,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  2 * time.Second,
			WriteTimeout: 2 * time.Second,
		}),
	}
}

// Ping verifies connectivity at startup.
func (w *WarmCache) Ping(ctx context.Context) error {
	return w.rdb.Ping(ctx).Err()
}

// Get loads key into dst. Returns false on miss, decode failure, or any
// Redis error.
func (w *WarmCache) Get(ctx context.Context, key string, dst any) bool {
	b, err := w.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Debug().Err(err).Str("key", key).Msg("warm cache read failed")
		}
		return false
	}
	if err := json.Unmarshal(b, dst); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("warm cache entry undecodable")
		return false
	}
	return true
}

// Set stores val under key with ttl. Failures are logged and swallowed.
func (w *WarmCache) Set(ctx context.Context, key string, val any, ttl time.Duration) {
	b, err := json.Marshal(val)
	if err != nil {
		log.Debug().Err(err).Str("key", key).Msg("warm cache encode failed")
		return
	}
	if err := w.rdb.Set(ctx, key, b, ttl).Err(); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("warm cache write failed")
	}
}

func (w *WarmCache) Close() error {
	return w.rdb.Close()
}
