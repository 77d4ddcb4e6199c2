// Package marketdata retrieves OHLCV history, ticker fundamentals and
// options chains from the upstream provider, behind a rate limiter, a
// circuit breaker, an in-process TTL cache and single-flight request
// coalescing.
package marketdata

import (
	"context"

	"github.com/cqdev-co/signalrun/internal/domain"
)

// Period selects how much daily history a request covers.
type Period string

const (
	Period1Mo Period = "1mo"
	Period3Mo Period = "3mo"
	Period6Mo Period = "6mo"
	Period1Y  Period = "1y"
	Period2Y  Period = "2y"
)

// Provider is the upstream market-data API. Implementations return
// domain.ErrNoData when the provider answers but has nothing for the key,
// and domain.ErrRateLimited (possibly wrapped) on throttle responses.
type Provider interface {
	FetchHistory(ctx context.Context, symbol string, period Period) ([]domain.Bar, error)
	FetchInfo(ctx context.Context, symbol string) (domain.TickerInfo, error)
	FetchOptions(ctx context.Context, symbol string) ([]domain.OptionsContract, error)
}

// BatchHistoryProvider is implemented by providers that accept multi-symbol
// history requests. The fetcher probes for it and falls back to per-symbol
// fan-out when absent.
type BatchHistoryProvider interface {
	FetchHistoryBatch(ctx context.Context, symbols []string, period Period) (map[string][]domain.Bar, error)
}
