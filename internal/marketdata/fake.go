package marketdata

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"github.com/cqdev-co/signalrun/internal/domain"
)

// FakeProvider serves deterministic synthetic data. It backs the --offline
// scan profile and the fetcher tests. Series are seeded by symbol, so the
// same symbol always yields the same bars for a given AsOf date.
type FakeProvider struct {
	mu sync.Mutex

	// AsOf is the date of the newest synthetic bar. Zero means today.
	AsOf time.Time

	// Fixtures override synthesis per symbol. Errs forces a failure.
	Bars   map[string][]domain.Bar
	Infos  map[string]domain.TickerInfo
	Chains map[string][]domain.OptionsContract
	Errs   map[string]error

	calls int
}

// NewFakeProvider returns a provider with empty fixture maps.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		Bars:   make(map[string][]domain.Bar),
		Infos:  make(map[string]domain.TickerInfo),
		Chains: make(map[string][]domain.OptionsContract),
		Errs:   make(map[string]error),
	}
}

// Calls reports how many provider operations ran. Tests use it to assert
// cache hits and single-flight coalescing.
func (p *FakeProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *FakeProvider) record(symbol string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.Errs[symbol]
}

func (p *FakeProvider) FetchHistory(ctx context.Context, symbol string, period Period) ([]domain.Bar, error) {
	if err := p.record(symbol); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	fixed, ok := p.Bars[symbol]
	p.mu.Unlock()
	if ok {
		if len(fixed) == 0 {
			return nil, fmt.Errorf("history %s: %w", symbol, domain.ErrNoData)
		}
		return append([]domain.Bar(nil), fixed...), nil
	}
	return p.synthesize(symbol, period), nil
}

func (p *FakeProvider) FetchHistoryBatch(ctx context.Context, symbols []string, period Period) (map[string][]domain.Bar, error) {
	out := make(map[string][]domain.Bar, len(symbols))
	for _, s := range symbols {
		bars, err := p.FetchHistory(ctx, s, period)
		if err != nil {
			continue
		}
		out[s] = bars
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *FakeProvider) FetchInfo(ctx context.Context, symbol string) (domain.TickerInfo, error) {
	if err := p.record(symbol); err != nil {
		return domain.TickerInfo{}, err
	}
	if err := ctx.Err(); err != nil {
		return domain.TickerInfo{}, err
	}

	p.mu.Lock()
	info, ok := p.Infos[symbol]
	p.mu.Unlock()
	if ok {
		return info, nil
	}

	rng := rand.New(rand.NewSource(int64(seed(symbol))))
	return domain.TickerInfo{
		Symbol:    symbol,
		Name:      symbol + " Synthetic Corp",
		Exchange:  "NASDAQ",
		Country:   "United States",
		Currency:  "USD",
		Sector:    "Technology",
		MarketCap: 1e8 + rng.Float64()*5e10,
	}, nil
}

func (p *FakeProvider) FetchOptions(ctx context.Context, symbol string) ([]domain.OptionsContract, error) {
	if err := p.record(symbol); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	chain, ok := p.Chains[symbol]
	p.mu.Unlock()
	if ok {
		return append([]domain.OptionsContract(nil), chain...), nil
	}
	return nil, fmt.Errorf("options %s: %w", symbol, domain.ErrNoData)
}

func (p *FakeProvider) asOf() time.Time {
	if !p.AsOf.IsZero() {
		return domain.Date(p.AsOf)
	}
	return domain.Date(time.Now())
}

// synthesize produces a seeded random walk of daily bars ending at AsOf,
// weekends skipped.
func (p *FakeProvider) synthesize(symbol string, period Period) []domain.Bar {
	n := periodBars(period)
	rng := rand.New(rand.NewSource(int64(seed(symbol))))

	price := 1.0 + rng.Float64()*49.0
	baseVol := 50_000 + rng.Float64()*2_000_000

	// Walk dates backward first so bars come out oldest first.
	dates := make([]time.Time, 0, n)
	d := p.asOf()
	for len(dates) < n {
		if wd := d.Weekday(); wd != time.Saturday && wd != time.Sunday {
			dates = append(dates, d)
		}
		d = d.AddDate(0, 0, -1)
	}

	bars := make([]domain.Bar, 0, n)
	for i := n - 1; i >= 0; i-- {
		drift := (rng.Float64() - 0.48) * 0.02
		open := price
		close := open * (1 + drift)
		high := maxf(open, close) * (1 + rng.Float64()*0.01)
		low := minf(open, close) * (1 - rng.Float64()*0.01)
		vol := baseVol * (0.5 + rng.Float64())

		bars = append(bars, domain.Bar{
			Timestamp: dates[i],
			Open:      open,
			High:      high,
			Low:       low,
			Close:     close,
			Volume:    vol,
		})
		price = close
	}
	return bars
}

func periodBars(period Period) int {
	switch period {
	case Period1Mo:
		return 21
	case Period3Mo:
		return 63
	case Period6Mo:
		return 126
	case Period2Y:
		return 504
	default:
		return 252
	}
}

func seed(symbol string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return h.Sum32()
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
