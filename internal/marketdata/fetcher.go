package marketdata

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/cqdev-co/signalrun/internal/domain"
	"github.com/cqdev-co/signalrun/internal/metrics"
	"github.com/cqdev-co/signalrun/internal/ratelimit"
)

// Config tunes caching, retries and fan-out for the fetcher.
type Config struct {
	HistoryTTL     time.Duration `yaml:"history_ttl"`
	InfoTTL        time.Duration `yaml:"info_ttl"`
	OptionsTTL     time.Duration `yaml:"options_ttl"`
	AggressiveTTL  time.Duration `yaml:"aggressive_ttl"`
	Aggressive     bool          `yaml:"aggressive"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	BatchChunkSize int           `yaml:"batch_chunk_size"`
	Parallelism    int           `yaml:"parallelism"`
	CacheEntries   int           `yaml:"cache_entries"`
	ChunkInterval  time.Duration `yaml:"chunk_interval"`
}

// DefaultConfig returns the standard scan profile.
func DefaultConfig() Config {
	return Config{
		HistoryTTL:     30 * time.Minute,
		InfoTTL:        time.Hour,
		OptionsTTL:     30 * time.Minute,
		AggressiveTTL:  15 * time.Minute,
		RequestTimeout: 30 * time.Second,
		MaxRetries:     3,
		RetryDelay:     time.Second,
		BatchChunkSize: 50,
		Parallelism:    4,
		CacheEntries:   4096,
		ChunkInterval:  500 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HistoryTTL <= 0 {
		c.HistoryTTL = d.HistoryTTL
	}
	if c.InfoTTL <= 0 {
		c.InfoTTL = d.InfoTTL
	}
	if c.OptionsTTL <= 0 {
		c.OptionsTTL = d.OptionsTTL
	}
	if c.AggressiveTTL <= 0 {
		c.AggressiveTTL = d.AggressiveTTL
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.BatchChunkSize <= 0 {
		c.BatchChunkSize = d.BatchChunkSize
	}
	if c.Parallelism <= 0 {
		c.Parallelism = d.Parallelism
	}
	if c.CacheEntries <= 0 {
		c.CacheEntries = d.CacheEntries
	}
	if c.ChunkInterval <= 0 {
		c.ChunkInterval = d.ChunkInterval
	}
	return c
}

// Fetcher wraps a Provider with rate limiting, retries, a circuit breaker,
// TTL caching and single-flight coalescing. One Fetcher is shared across all
// scan workers.
type Fetcher struct {
	provider   Provider
	limiter    *ratelimit.Limiter
	warm       *WarmCache
	cache      *ttlCache
	sf         singleflight.Group
	breaker    *gobreaker.CircuitBreaker
	chunkPacer *rate.Limiter
	reg        *metrics.Registry
	cfg        Config
}

// NewFetcher builds a Fetcher. warm may be nil to disable the Redis tier and
// reg may be nil to skip instrumentation.
func NewFetcher(provider Provider, limiter *ratelimit.Limiter, warm *WarmCache, reg *metrics.Registry, cfg Config) *Fetcher {
	cfg = cfg.withDefaults()

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "market-data",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// An empty answer is still an answer.
			return err == nil || errors.Is(err, domain.ErrNoData)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	})

	return &Fetcher{
		provider:   provider,
		limiter:    limiter,
		warm:       warm,
		cache:      newTTLCache(cfg.CacheEntries),
		breaker:    breaker,
		chunkPacer: rate.NewLimiter(rate.Every(cfg.ChunkInterval), 1),
		reg:        reg,
		cfg:        cfg,
	}
}

// Close stops the cache sweep goroutine.
func (f *Fetcher) Close() {
	f.cache.Stop()
}

// CacheStats exposes cache counters for metrics and the scan report.
func (f *Fetcher) CacheStats() CacheStats {
	return f.cache.Stats()
}

// BreakerState reports the provider circuit state for diagnostics.
func (f *Fetcher) BreakerState() string {
	return f.breaker.State().String()
}

// LimiterStatus reports rate-limit window occupancy for diagnostics.
func (f *Fetcher) LimiterStatus() ratelimit.Status {
	return f.limiter.Status()
}

func (f *Fetcher) historyTTL() time.Duration {
	if f.cfg.Aggressive {
		return f.cfg.AggressiveTTL
	}
	return f.cfg.HistoryTTL
}

func (f *Fetcher) optionsTTL() time.Duration {
	if f.cfg.Aggressive {
		return f.cfg.AggressiveTTL
	}
	return f.cfg.OptionsTTL
}

// GetOHLCV returns chronologically sorted daily bars for symbol, or a
// domain.ErrNoData-wrapped error when the provider has none.
func (f *Fetcher) GetOHLCV(ctx context.Context, symbol string, period Period) ([]domain.Bar, error) {
	symbol = domain.NormalizeSymbol(symbol)
	key := fmt.Sprintf("ohlcv:%s:%s", symbol, period)

	if v, ok := f.cache.Get(key); ok {
		f.reg.RecordCacheHit("hot")
		return v.([]domain.Bar), nil
	}
	f.reg.RecordCacheMiss("hot")

	v, err, _ := f.sf.Do(key, func() (any, error) {
		if f.warm != nil {
			var bars []domain.Bar
			if f.warm.Get(ctx, key, &bars) && len(bars) > 0 {
				f.reg.RecordCacheHit("warm")
				f.cache.Set(key, bars, f.historyTTL())
				return bars, nil
			}
			f.reg.RecordCacheMiss("warm")
		}

		res, err := f.do(ctx, "history", symbol, func(callCtx context.Context) (any, error) {
			return f.provider.FetchHistory(callCtx, symbol, period)
		})
		if err != nil {
			return nil, err
		}
		bars := res.([]domain.Bar)
		if len(bars) == 0 {
			return nil, fmt.Errorf("history %s: %w", symbol, domain.ErrNoData)
		}
		domain.SortBars(bars)

		f.cache.Set(key, bars, f.historyTTL())
		if f.warm != nil {
			f.warm.Set(ctx, key, bars, f.historyTTL())
		}
		return bars, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]domain.Bar), nil
}

// GetBatchOHLCV fetches history for many symbols. Failed symbols are logged
// and omitted from the result; the only error returned is context
// cancellation.
func (f *Fetcher) GetBatchOHLCV(ctx context.Context, symbols []string, period Period) (map[string][]domain.Bar, error) {
	out := make(map[string][]domain.Bar, len(symbols))
	var missing []string
	for _, s := range symbols {
		s = domain.NormalizeSymbol(s)
		key := fmt.Sprintf("ohlcv:%s:%s", s, period)
		if v, ok := f.cache.Get(key); ok {
			f.reg.RecordCacheHit("hot")
			out[s] = v.([]domain.Bar)
			continue
		}
		f.reg.RecordCacheMiss("hot")
		missing = append(missing, s)
	}
	if len(missing) == 0 {
		return out, nil
	}

	if bp, ok := f.provider.(BatchHistoryProvider); ok {
		if err := f.fetchChunked(ctx, bp, missing, period, out); err != nil {
			return out, err
		}
		return out, nil
	}

	if err := f.fetchFanOut(ctx, missing, period, out); err != nil {
		return out, err
	}
	return out, nil
}

// fetchChunked splits symbols into provider-sized chunks; each chunk gets
// its own retry budget so one bad chunk cannot sink the batch.
func (f *Fetcher) fetchChunked(ctx context.Context, bp BatchHistoryProvider, symbols []string, period Period, out map[string][]domain.Bar) error {
	for start := 0; start < len(symbols); start += f.cfg.BatchChunkSize {
		end := start + f.cfg.BatchChunkSize
		if end > len(symbols) {
			end = len(symbols)
		}
		chunk := symbols[start:end]

		if err := f.chunkPacer.Wait(ctx); err != nil {
			return err
		}

		res, err := f.do(ctx, "history_batch", "", func(callCtx context.Context) (any, error) {
			return bp.FetchHistoryBatch(callCtx, chunk, period)
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn().
				Err(err).
				Int("chunk_size", len(chunk)).
				Str("first_symbol", chunk[0]).
				Msg("batch chunk failed, symbols omitted")
			continue
		}

		chunkBars := res.(map[string][]domain.Bar)
		for _, s := range chunk {
			bars := chunkBars[s]
			if len(bars) == 0 {
				log.Debug().Str("symbol", s).Msg("no history in batch response")
				continue
			}
			domain.SortBars(bars)
			out[s] = bars
			f.cache.Set(fmt.Sprintf("ohlcv:%s:%s", s, period), bars, f.historyTTL())
		}
	}
	return nil
}

// fetchFanOut retrieves symbols individually, at most Parallelism in flight.
func (f *Fetcher) fetchFanOut(ctx context.Context, symbols []string, period Period, out map[string][]domain.Bar) error {
	sem := semaphore.NewWeighted(int64(f.cfg.Parallelism))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)

	for _, s := range symbols {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			defer sem.Release(1)

			bars, err := f.GetOHLCV(ctx, symbol, period)
			if err != nil {
				if errors.Is(err, domain.ErrNoData) {
					log.Debug().Str("symbol", symbol).Msg("no history for symbol")
				} else {
					log.Warn().Err(err).Str("symbol", symbol).Msg("history fetch failed, symbol omitted")
				}
				return
			}
			mu.Lock()
			out[symbol] = bars
			mu.Unlock()
		}(s)
	}

	wg.Wait()
	return ctx.Err()
}

// GetTickerInfo returns fundamentals for symbol. A provider 404 yields a
// zero TickerInfo and no error.
func (f *Fetcher) GetTickerInfo(ctx context.Context, symbol string) (domain.TickerInfo, error) {
	symbol = domain.NormalizeSymbol(symbol)
	key := "info:" + symbol

	if v, ok := f.cache.Get(key); ok {
		f.reg.RecordCacheHit("hot")
		return v.(domain.TickerInfo), nil
	}
	f.reg.RecordCacheMiss("hot")

	v, err, _ := f.sf.Do(key, func() (any, error) {
		if f.warm != nil {
			var info domain.TickerInfo
			if f.warm.Get(ctx, key, &info) && !info.Empty() {
				f.reg.RecordCacheHit("warm")
				f.cache.Set(key, info, f.cfg.InfoTTL)
				return info, nil
			}
			f.reg.RecordCacheMiss("warm")
		}

		res, err := f.do(ctx, "info", symbol, func(callCtx context.Context) (any, error) {
			return f.provider.FetchInfo(callCtx, symbol)
		})
		if err != nil {
			if errors.Is(err, domain.ErrNoData) {
				return domain.TickerInfo{}, nil
			}
			return nil, err
		}
		info := res.(domain.TickerInfo)
		f.cache.Set(key, info, f.cfg.InfoTTL)
		if f.warm != nil {
			f.warm.Set(ctx, key, info, f.cfg.InfoTTL)
		}
		return info, nil
	})
	if err != nil {
		return domain.TickerInfo{}, err
	}
	return v.(domain.TickerInfo), nil
}

// GetOptionsChain returns the current chain for symbol. Symbols without
// listed options yield an empty chain and no error.
func (f *Fetcher) GetOptionsChain(ctx context.Context, symbol string) ([]domain.OptionsContract, error) {
	symbol = domain.NormalizeSymbol(symbol)
	key := "options:" + symbol

	if v, ok := f.cache.Get(key); ok {
		f.reg.RecordCacheHit("hot")
		return v.([]domain.OptionsContract), nil
	}
	f.reg.RecordCacheMiss("hot")

	v, err, _ := f.sf.Do(key, func() (any, error) {
		res, err := f.do(ctx, "options", symbol, func(callCtx context.Context) (any, error) {
			return f.provider.FetchOptions(callCtx, symbol)
		})
		if err != nil {
			if errors.Is(err, domain.ErrNoData) {
				log.Debug().Str("symbol", symbol).Msg("no options chain listed")
				empty := []domain.OptionsContract{}
				f.cache.Set(key, empty, f.optionsTTL())
				return empty, nil
			}
			return nil, err
		}
		chain := res.([]domain.OptionsContract)
		f.cache.Set(key, chain, f.optionsTTL())
		return chain, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]domain.OptionsContract), nil
}

// ValidateSymbol reports whether the provider knows the symbol.
func (f *Fetcher) ValidateSymbol(ctx context.Context, symbol string) (bool, error) {
	info, err := f.GetTickerInfo(ctx, symbol)
	if err != nil {
		return false, err
	}
	return !info.Empty(), nil
}

// do runs one provider operation through the rate limiter, circuit breaker
// and per-call timeout, retrying transient failures. Rate-limit responses
// extend backoff via the limiter; the next Acquire absorbs the wait.
func (f *Fetcher) do(ctx context.Context, op, symbol string, fn func(context.Context) (any, error)) (any, error) {
	var lastErr error
	for attempt := 0; attempt <= f.cfg.MaxRetries; attempt++ {
		if attempt > 0 && !errors.Is(lastErr, domain.ErrRateLimited) {
			delay := time.Duration(attempt) * f.cfg.RetryDelay
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		if err := f.limiter.Acquire(ctx); err != nil {
			return nil, err
		}

		res, err := f.breaker.Execute(func() (any, error) {
			callCtx, cancel := context.WithTimeout(ctx, f.cfg.RequestTimeout)
			defer cancel()
			return fn(callCtx)
		})
		if err == nil {
			f.reg.RecordProviderRequest(op, "ok")
			f.limiter.RecordSuccess()
			return res, nil
		}
		if errors.Is(err, domain.ErrNoData) {
			f.reg.RecordProviderRequest(op, "no_data")
			f.limiter.RecordSuccess()
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			// Open circuit: fail fast, do not burn retries.
			return nil, &domain.UpstreamError{Op: op, Symbol: symbol, Err: err}
		case errors.Is(err, domain.ErrRateLimited):
			f.reg.RecordProviderRateLimit()
			f.reg.RecordProviderRequest(op, "rate_limited")
			backoff := f.limiter.RecordRateLimitError()
			log.Warn().
				Str("op", op).
				Str("symbol", symbol).
				Dur("backoff", backoff).
				Msg("provider rate limit, backing off")
			if !f.limiter.ShouldRetry() {
				return nil, &domain.UpstreamError{Op: op, Symbol: symbol, Err: err}
			}
		default:
			f.reg.RecordProviderRequest(op, "error")
			log.Debug().
				Err(err).
				Str("op", op).
				Str("symbol", symbol).
				Int("attempt", attempt+1).
				Msg("provider request failed")
		}
	}
	return nil, &domain.UpstreamError{Op: op, Symbol: symbol, Err: lastErr}
}
