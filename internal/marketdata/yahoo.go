package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cqdev-co/signalrun/internal/domain"
)

// YahooConfig holds the live provider's HTTP settings.
type YahooConfig struct {
	BaseURL        string        `yaml:"base_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	UserAgent      string        `yaml:"user_agent"`
}

// DefaultYahooConfig returns the public-endpoint profile.
func DefaultYahooConfig() YahooConfig {
	return YahooConfig{
		BaseURL:        "https://query1.finance.yahoo.com",
		RequestTimeout: 15 * time.Second,
		UserAgent:      "signalrun/1.0",
	}
}

func (c YahooConfig) withDefaults() YahooConfig {
	d := DefaultYahooConfig()
	if c.BaseURL == "" {
		c.BaseURL = d.BaseURL
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.UserAgent == "" {
		c.UserAgent = d.UserAgent
	}
	return c
}

// YahooProvider implements Provider against the Yahoo Finance chart, quote
// summary, and options endpoints. It does no throttling or caching of its
// own; the Fetcher wraps it with both.
type YahooProvider struct {
	httpClient *http.Client
	cfg        YahooConfig
}

func NewYahooProvider(cfg YahooConfig) *YahooProvider {
	cfg = cfg.withDefaults()
	return &YahooProvider{
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		cfg: cfg,
	}
}

// chartResponse is the subset of the chart endpoint the fetcher needs.
type chartResponse struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []*float64 `json:"open"`
					High   []*float64 `json:"high"`
					Low    []*float64 `json:"low"`
					Close  []*float64 `json:"close"`
					Volume []*float64 `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// FetchHistory retrieves daily OHLCV bars for the period. Bars with missing
// fields (halts, partial sessions) are skipped.
func (p *YahooProvider) FetchHistory(ctx context.Context, symbol string, period Period) ([]domain.Bar, error) {
	q := url.Values{}
	q.Set("range", string(period))
	q.Set("interval", "1d")

	var resp chartResponse
	if err := p.getJSON(ctx, "/v8/finance/chart/"+url.PathEscape(symbol), q, &resp); err != nil {
		return nil, &domain.UpstreamError{Op: "history", Symbol: symbol, Err: err}
	}
	if resp.Chart.Error != nil {
		if resp.Chart.Error.Code == "Not Found" {
			return nil, fmt.Errorf("%s: %w", symbol, domain.ErrNoData)
		}
		return nil, &domain.UpstreamError{Op: "history", Symbol: symbol,
			Err: fmt.Errorf("%s: %s", resp.Chart.Error.Code, resp.Chart.Error.Description)}
	}
	if len(resp.Chart.Result) == 0 || len(resp.Chart.Result[0].Indicators.Quote) == 0 {
		return nil, fmt.Errorf("%s: %w", symbol, domain.ErrNoData)
	}

	result := resp.Chart.Result[0]
	quote := result.Indicators.Quote[0]
	bars := make([]domain.Bar, 0, len(result.Timestamp))
	for i, ts := range result.Timestamp {
		if i >= len(quote.Close) {
			break
		}
		if quote.Open[i] == nil || quote.High[i] == nil || quote.Low[i] == nil ||
			quote.Close[i] == nil || quote.Volume[i] == nil {
			continue
		}
		bars = append(bars, domain.Bar{
			Timestamp: time.Unix(ts, 0).UTC(),
			Open:      *quote.Open[i],
			High:      *quote.High[i],
			Low:       *quote.Low[i],
			Close:     *quote.Close[i],
			Volume:    *quote.Volume[i],
		})
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("%s: %w", symbol, domain.ErrNoData)
	}
	domain.SortBars(bars)
	return bars, nil
}

type quoteSummaryResponse struct {
	QuoteSummary struct {
		Result []struct {
			AssetProfile *struct {
				Country  string `json:"country"`
				Sector   string `json:"sector"`
				Industry string `json:"industry"`
			} `json:"assetProfile"`
			Price *struct {
				ShortName      string   `json:"shortName"`
				ExchangeName   string   `json:"exchangeName"`
				Currency       string   `json:"currency"`
				MarketCap      rawValue `json:"marketCap"`
				AverageVolume  rawValue `json:"averageDailyVolume10Day"`
			} `json:"price"`
			KeyStats *struct {
				SharesFloat     rawValue `json:"floatShares"`
				ShortPctOfFloat rawValue `json:"shortPercentOfFloat"`
				ForwardEPS      rawValue `json:"forwardEps"`
			} `json:"defaultKeyStatistics"`
			SummaryDetail *struct {
				TrailingPE rawValue `json:"trailingPE"`
			} `json:"summaryDetail"`
		} `json:"result"`
	} `json:"quoteSummary"`
}

// rawValue unwraps Yahoo's {"raw": 1.23, "fmt": "1.23"} number envelopes.
type rawValue struct {
	Raw float64 `json:"raw"`
}

// FetchInfo retrieves ticker fundamentals.
func (p *YahooProvider) FetchInfo(ctx context.Context, symbol string) (domain.TickerInfo, error) {
	q := url.Values{}
	q.Set("modules", "assetProfile,price,defaultKeyStatistics,summaryDetail")

	var resp quoteSummaryResponse
	if err := p.getJSON(ctx, "/v10/finance/quoteSummary/"+url.PathEscape(symbol), q, &resp); err != nil {
		return domain.TickerInfo{}, &domain.UpstreamError{Op: "info", Symbol: symbol, Err: err}
	}
	if len(resp.QuoteSummary.Result) == 0 {
		return domain.TickerInfo{}, fmt.Errorf("%s: %w", symbol, domain.ErrNoData)
	}

	r := resp.QuoteSummary.Result[0]
	info := domain.TickerInfo{Symbol: symbol}
	if r.Price != nil {
		info.Name = r.Price.ShortName
		info.Exchange = r.Price.ExchangeName
		info.Currency = r.Price.Currency
		info.MarketCap = r.Price.MarketCap.Raw
		info.AvgVolume10d = r.Price.AverageVolume.Raw
	}
	if r.AssetProfile != nil {
		info.Country = r.AssetProfile.Country
		info.Sector = r.AssetProfile.Sector
		info.Industry = r.AssetProfile.Industry
	}
	if r.KeyStats != nil {
		info.SharesFloat = r.KeyStats.SharesFloat.Raw
		info.ShortPctOfFloat = r.KeyStats.ShortPctOfFloat.Raw
		info.ForwardEPS = r.KeyStats.ForwardEPS.Raw
	}
	if r.SummaryDetail != nil {
		info.TrailingPE = r.SummaryDetail.TrailingPE.Raw
	}
	return info, nil
}

type optionsResponse struct {
	OptionChain struct {
		Result []struct {
			Options []struct {
				ExpirationDate int64            `json:"expirationDate"`
				Calls          []yahooContract  `json:"calls"`
				Puts           []yahooContract  `json:"puts"`
			} `json:"options"`
		} `json:"result"`
	} `json:"optionChain"`
}

type yahooContract struct {
	ContractSymbol    string   `json:"contractSymbol"`
	Strike            float64  `json:"strike"`
	LastPrice         float64  `json:"lastPrice"`
	Volume            float64  `json:"volume"`
	OpenInterest      float64  `json:"openInterest"`
	ImpliedVolatility float64  `json:"impliedVolatility"`
	Bid               float64  `json:"bid"`
	Ask               float64  `json:"ask"`
}

// FetchOptions retrieves the near-expiry options chain for symbol.
func (p *YahooProvider) FetchOptions(ctx context.Context, symbol string) ([]domain.OptionsContract, error) {
	var resp optionsResponse
	if err := p.getJSON(ctx, "/v7/finance/options/"+url.PathEscape(symbol), nil, &resp); err != nil {
		return nil, &domain.UpstreamError{Op: "options", Symbol: symbol, Err: err}
	}
	if len(resp.OptionChain.Result) == 0 {
		return nil, fmt.Errorf("%s: %w", symbol, domain.ErrNoData)
	}

	now := time.Now().UTC()
	var chain []domain.OptionsContract
	for _, exp := range resp.OptionChain.Result[0].Options {
		expiry := time.Unix(exp.ExpirationDate, 0).UTC()
		dte := int(expiry.Sub(now).Hours() / 24)
		for _, c := range exp.Calls {
			chain = append(chain, toContract(symbol, c, expiry, dte, domain.OptionCall, now))
		}
		for _, c := range exp.Puts {
			chain = append(chain, toContract(symbol, c, expiry, dte, domain.OptionPut, now))
		}
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("%s: %w", symbol, domain.ErrNoData)
	}
	return chain, nil
}

func toContract(symbol string, c yahooContract, expiry time.Time, dte int, typ domain.OptionType, now time.Time) domain.OptionsContract {
	return domain.OptionsContract{
		Ticker:             symbol,
		OptionSymbol:       c.ContractSymbol,
		Strike:             c.Strike,
		Expiry:             expiry,
		OptionType:         typ,
		Volume:             c.Volume,
		OpenInterest:       c.OpenInterest,
		LastPrice:          c.LastPrice,
		ImpliedVolatility:  c.ImpliedVolatility,
		DaysToExpiry:       dte,
		AggressiveOrderPct: aggressivePct(c),
		PremiumFlow:        c.LastPrice * c.Volume * 100,
		DetectedAt:         now,
	}
}

// aggressivePct estimates how much of the day's flow traded at or above the
// ask. With only the last print available, position within the bid/ask
// spread is the proxy.
func aggressivePct(c yahooContract) float64 {
	if c.Ask <= c.Bid || c.LastPrice <= 0 {
		return 0.5
	}
	pct := (c.LastPrice - c.Bid) / (c.Ask - c.Bid)
	if pct < 0 {
		return 0
	}
	if pct > 1 {
		return 1
	}
	return pct
}

// getJSON performs one GET and decodes the body. Throttle responses map to
// domain.ErrRateLimited so the limiter can back off.
func (p *YahooProvider) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	u := p.cfg.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", p.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return domain.ErrRateLimited
	case resp.StatusCode == http.StatusNotFound:
		return domain.ErrNoData
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
