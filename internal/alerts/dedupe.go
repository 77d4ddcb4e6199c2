package alerts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/cqdev-co/signalrun/internal/domain"
)

// Deduper suppresses repeat alerts within the rolling one-day window.
type Deduper interface {
	// SeenToday reports whether the key already alerted on this day, and
	// marks it when it has not.
	SeenToday(ctx context.Context, key string, day time.Time) bool
}

func dedupeKey(symbol string, strategy domain.Strategy, tier domain.AlertTier, day time.Time) string {
	return fmt.Sprintf("alert:%s:%s:%s:%s", symbol, strategy, tier, day.Format("2006-01-02"))
}

// MemoryDeduper keeps the window in process. Entries from earlier days are
// dropped lazily on the next mark.
type MemoryDeduper struct {
	mu   sync.Mutex
	day  string
	seen map[string]struct{}
}

func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{seen: make(map[string]struct{})}
}

func (d *MemoryDeduper) SeenToday(_ context.Context, key string, day time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	dayKey := domain.Date(day).Format("2006-01-02")
	if d.day != dayKey {
		d.day = dayKey
		d.seen = make(map[string]struct{})
	}
	if _, ok := d.seen[key]; ok {
		return true
	}
	d.seen[key] = struct{}{}
	return false
}

// RedisDeduper shares the window across processes via SET NX with a TTL to
// the end of the day. Redis failures fail open: an alert is better twice
// than never.
type RedisDeduper struct {
	client *redis.Client
}

func NewRedisDeduper(client *redis.Client) *RedisDeduper {
	return &RedisDeduper{client: client}
}

func (d *RedisDeduper) SeenToday(ctx context.Context, key string, day time.Time) bool {
	endOfDay := domain.Date(day).AddDate(0, 0, 1)
	ttl := time.Until(endOfDay)
	if ttl <= 0 {
		ttl = time.Hour
	}

	set, err := d.client.SetNX(ctx, key, 1, ttl).Result()
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("alert dedupe check failed, emitting anyway")
		return false
	}
	return !set
}
