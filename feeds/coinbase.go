package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// COINBASE SPOT FEED - Current value of the underlying
// ═══════════════════════════════════════════════════════════════════════════════
//
// Polled once per cycle by the engine. Any failure (timeout, non-2xx, bad
// body) is returned to the caller, which skips that cycle's entry phase.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	CoinbaseAPIURL = "https://api.coinbase.com"
	DefaultProduct = "BTC-USD"
)

// CoinbaseFeed fetches spot prices from the Coinbase v2 prices API
type CoinbaseFeed struct {
	baseURL    string
	product    string
	httpClient *http.Client
}

// NewCoinbaseFeed creates a spot feed for product (e.g. "BTC-USD").
// The per-call deadline comes from the caller's context.
func NewCoinbaseFeed(baseURL, product string) *CoinbaseFeed {
	if baseURL == "" {
		baseURL = CoinbaseAPIURL
	}
	if product == "" {
		product = DefaultProduct
	}
	return &CoinbaseFeed{
		baseURL:    baseURL,
		product:    product,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// GetCurrentValue returns the latest spot price
func (f *CoinbaseFeed) GetCurrentValue(ctx context.Context) (float64, error) {
	url := fmt.Sprintf("%s/v2/prices/%s/spot", f.baseURL, f.product)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("coinbase: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("coinbase: get spot: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("coinbase: read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("coinbase: spot status %d: %s", resp.StatusCode, truncate(body, 200))
	}

	var result struct {
		Data struct {
			Amount   string `json:"amount"`
			Currency string `json:"currency"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return 0, fmt.Errorf("coinbase: decode spot: %w", err)
	}

	price, err := decimal.NewFromString(result.Data.Amount)
	if err != nil {
		return 0, fmt.Errorf("coinbase: parse amount %q: %w", result.Data.Amount, err)
	}
	if !price.IsPositive() {
		return 0, fmt.Errorf("coinbase: non-positive spot %s", price.String())
	}

	log.Debug().
		Str("product", f.product).
		Str("price", price.StringFixed(2)).
		Msg("Spot price fetched")

	return price.InexactFloat64(), nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
