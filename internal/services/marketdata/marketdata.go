// Package marketdata supplies current prices used to re-mark position
// snapshots before a scan
package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/findosh/harvest/internal/logger"
	"github.com/findosh/harvest/internal/models"
	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// Provider represents a market data provider
type Provider string

const (
	ProviderSnapshot Provider = "snapshot" // keep the custodian's price
	ProviderMock     Provider = "mock"
	ProviderAlpha    Provider = "alphavantage"
)

const alphaVantageURL = "https://www.alphavantage.co/query"

// ErrNoQuote is returned when the provider has no price for a symbol
var ErrNoQuote = errors.New("no quote available")

// Quote represents a stock/ETF quote
type Quote struct {
	Symbol      string          `json:"symbol"`
	Price       decimal.Decimal `json:"price"`
	LastUpdated time.Time       `json:"last_updated"`
}

// Config holds service configuration
type Config struct {
	Provider Provider
	APIKey   string
	CacheTTL time.Duration
	BaseURL  string // overrides the Alpha Vantage endpoint
	Limit    rate.Limit
}

// Service provides market data functionality
type Service struct {
	provider   Provider
	apiKey     string
	baseURL    string
	cache      *cache.Cache
	limiter    *rate.Limiter
	httpClient *http.Client
}

// NewService creates a new market data service
func NewService(cfg Config) *Service {
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.Provider == "" {
		cfg.Provider = ProviderSnapshot
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = alphaVantageURL
	}
	if cfg.Limit == 0 {
		// free tier: 5 requests a minute
		cfg.Limit = rate.Every(12 * time.Second)
	}

	return &Service{
		provider: cfg.Provider,
		apiKey:   cfg.APIKey,
		baseURL:  cfg.BaseURL,
		cache:    cache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		limiter:  rate.NewLimiter(cfg.Limit, 1),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Provider returns the configured provider
func (s *Service) Provider() Provider {
	return s.provider
}

// Price returns the current price for symbol. The snapshot provider never
// has a quote; callers keep the custodian price.
func (s *Service) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	q, err := s.GetQuote(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return q.Price, nil
}

// GetQuote fetches a quote for a single symbol
func (s *Service) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	symbol = models.NormalizeSymbol(symbol)
	if cached, ok := s.cache.Get(symbol); ok {
		return cached.(*Quote), nil
	}

	var (
		quote *Quote
		err   error
	)
	switch s.provider {
	case ProviderMock:
		quote = mockQuote(symbol)
	case ProviderAlpha:
		quote, err = s.fetchAlphaVantageQuote(ctx, symbol)
	default:
		return nil, ErrNoQuote
	}
	if err != nil {
		return nil, err
	}

	s.cache.Set(symbol, quote, cache.DefaultExpiration)
	return quote, nil
}

// Reprice marks positions to the latest quotes. A failed lookup keeps the
// snapshot price.
func (s *Service) Reprice(ctx context.Context, positions []models.Position) []models.Position {
	if s.provider == ProviderSnapshot || len(positions) == 0 {
		return positions
	}

	symbols := make(map[string]bool)
	for _, p := range positions {
		symbols[models.NormalizeSymbol(p.Symbol)] = true
	}

	prices := make(map[string]decimal.Decimal, len(symbols))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for sym := range symbols {
		wg.Add(1)
		go func(sym string) {
			defer wg.Done()

			price, err := s.Price(ctx, sym)
			if err != nil {
				logger.L.Warn("price lookup failed, keeping snapshot price", "symbol", sym, "error", err)
				return
			}
			mu.Lock()
			prices[sym] = price
			mu.Unlock()
		}(sym)
	}
	wg.Wait()

	out := make([]models.Position, len(positions))
	for i, p := range positions {
		if price, ok := prices[models.NormalizeSymbol(p.Symbol)]; ok && price.IsPositive() {
			p.CurrentPrice = price
		}
		out[i] = p
	}
	return out
}

// Deterministic prices for development
var mockPrices = map[string]string{
	"AAPL":  "175.00",
	"MSFT":  "375.00",
	"GOOGL": "140.00",
	"GOOG":  "141.00",
	"AMZN":  "180.00",
	"NVDA":  "475.00",
	"META":  "500.00",
	"TSLA":  "250.00",
	"JPM":   "195.00",
	"JNJ":   "160.00",
	"VOO":   "430.00",
	"IVV":   "432.00",
	"SPY":   "470.00",
	"VTI":   "235.00",
	"QQQ":   "400.00",
	"BND":   "73.00",
	"AGG":   "98.00",
	"GLD":   "185.00",
}

func mockQuote(symbol string) *Quote {
	price, ok := mockPrices[symbol]
	if !ok {
		// derive from the ticker
		hash := 0
		for _, c := range symbol {
			hash += int(c)
		}
		return &Quote{Symbol: symbol, Price: decimal.NewFromInt(int64(50 + hash%200)), LastUpdated: time.Now().UTC()}
	}
	return &Quote{Symbol: symbol, Price: decimal.RequireFromString(price), LastUpdated: time.Now().UTC()}
}

func (s *Service) fetchAlphaVantageQuote(ctx context.Context, symbol string) (*Quote, error) {
	if s.apiKey == "" {
		return nil, fmt.Errorf("alphavantage: %w: no API key", ErrNoQuote)
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("function", "GLOBAL_QUOTE")
	q.Set("symbol", symbol)
	q.Set("apikey", s.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch quote: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("alphavantage returned status %d", resp.StatusCode)
	}

	var result struct {
		GlobalQuote struct {
			Symbol string `json:"01. symbol"`
			Price  string `json:"05. price"`
			Day    string `json:"07. latest trading day"`
		} `json:"Global Quote"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if strings.TrimSpace(result.GlobalQuote.Price) == "" {
		return nil, fmt.Errorf("alphavantage %s: %w", symbol, ErrNoQuote)
	}

	price, err := decimal.NewFromString(result.GlobalQuote.Price)
	if err != nil {
		return nil, fmt.Errorf("failed to parse price %q: %w", result.GlobalQuote.Price, err)
	}

	updated := time.Now().UTC()
	if day, err := time.Parse("2006-01-02", result.GlobalQuote.Day); err == nil {
		updated = day
	}
	return &Quote{Symbol: symbol, Price: price, LastUpdated: updated}, nil
}
