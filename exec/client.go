package exec

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/rangebot/risk"
	"github.com/web3guy0/rangebot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// KALSHI EXECUTION CLIENT
// ═══════════════════════════════════════════════════════════════════════════════
//
// Contract listing, quotes, balance, positions and order placement against
// the Kalshi trade API. Every request is signed with RSA-PSS over
// timestamp + METHOD + path.
//
// Order calls never return an error: the outcome is an OrderResult whose
// state separates a venue rejection from a transport failure.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	KalshiAPI  = "https://api.elections.kalshi.com"
	apiPrefix  = "/trade-api/v2"
	pageLimit  = 200
	maxPages   = 20
	closeSlipC = 2
)

// ErrNoKey is returned when a signed request is attempted without a private key
var ErrNoKey = errors.New("kalshi: RSA private key not configured")

// APIError is a non-2xx response from the venue
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("kalshi: HTTP %d: %s", e.Status, e.Body)
}

type Client struct {
	baseURL    string
	apiKey     string
	privateKey *rsa.PrivateKey
	httpClient *http.Client
	now        func() time.Time
}

// NewClient creates a new execution client. An empty privateKeyPEM leaves the
// client unsigned; signed calls then fail with ErrNoKey.
func NewClient(baseURL, apiKey, privateKeyPEM string) (*Client, error) {
	if baseURL == "" {
		baseURL = KalshiAPI
	}

	client := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
	}

	if strings.TrimSpace(privateKeyPEM) != "" {
		pk, err := ParsePrivateKey(privateKeyPEM)
		if err != nil {
			return nil, err
		}
		client.privateKey = pk
	}

	log.Info().
		Str("base_url", client.baseURL).
		Bool("signed", client.privateKey != nil).
		Msg("🚀 Kalshi client initialized")

	return client, nil
}

// ParsePrivateKey loads an RSA key from PEM text. Literal "\n" sequences and
// surrounding quotes (common in .env files) are tolerated.
func ParsePrivateKey(keyPEM string) (*rsa.PrivateKey, error) {
	cleaned := strings.ReplaceAll(keyPEM, `\n`, "\n")
	cleaned = strings.TrimSpace(strings.ReplaceAll(cleaned, `"`, ""))

	block, _ := pem.Decode([]byte(cleaned))
	if block == nil {
		return nil, fmt.Errorf("kalshi: no PEM block found in private key")
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		pkcs1, pkcs1Err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if pkcs1Err != nil {
			return nil, fmt.Errorf("kalshi: parse private key: %w (pkcs1: %v)", err, pkcs1Err)
		}
		return pkcs1, nil
	}

	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("kalshi: expected RSA private key, got %T", key)
	}
	return rsaKey, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// MARKET DATA
// ═══════════════════════════════════════════════════════════════════════════════

// Market is the venue's contract payload
type Market struct {
	Ticker      string   `json:"ticker"`
	Status      string   `json:"status"`
	Result      string   `json:"result"`
	FloorStrike *float64 `json:"floor_strike"`
	CapStrike   *float64 `json:"cap_strike"`
	CloseTime   string   `json:"close_time"`
	YesBid      int      `json:"yes_bid"`
	YesAsk      int      `json:"yes_ask"`
	NoBid       int      `json:"no_bid"`
	NoAsk       int      `json:"no_ask"`
	Volume      int64    `json:"volume"`
}

// ToContract converts the payload. A missing or malformed close time is an error.
func (m Market) ToContract() (types.Contract, error) {
	closeAt, err := time.Parse(time.RFC3339, m.CloseTime)
	if err != nil {
		return types.Contract{}, fmt.Errorf("kalshi: %s close_time %q: %w", m.Ticker, m.CloseTime, err)
	}
	return types.Contract{
		Ticker:      m.Ticker,
		FloorStrike: m.FloorStrike,
		CapStrike:   m.CapStrike,
		CloseTime:   closeAt.UTC(),
		Status:      m.Status,
		Result:      m.Result,
		YesBid:      m.YesBid,
		YesAsk:      m.YesAsk,
		NoBid:       m.NoBid,
		NoAsk:       m.NoAsk,
		Volume:      m.Volume,
	}, nil
}

// ListOpenContracts returns every open contract in a series, deduplicated by ticker.
// Contracts with an unparseable close time are skipped.
func (c *Client) ListOpenContracts(ctx context.Context, series string) ([]types.Contract, error) {
	seen := make(map[string]bool)
	var out []types.Contract
	cursor := ""

	for page := 0; page < maxPages; page++ {
		params := url.Values{}
		params.Set("series_ticker", series)
		params.Set("status", "open")
		params.Set("with_nested_markets", "true")
		params.Set("limit", strconv.Itoa(pageLimit))
		if cursor != "" {
			params.Set("cursor", cursor)
		}

		body, err := c.get(ctx, "/events", params)
		if err != nil {
			return nil, fmt.Errorf("kalshi: list %s: %w", series, err)
		}

		var resp struct {
			Events []struct {
				Markets []Market `json:"markets"`
			} `json:"events"`
			Cursor string `json:"cursor"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("kalshi: decode events: %w", err)
		}

		for _, ev := range resp.Events {
			for _, m := range ev.Markets {
				if m.Ticker == "" || seen[m.Ticker] {
					continue
				}
				seen[m.Ticker] = true
				ct, err := m.ToContract()
				if err != nil {
					log.Warn().Err(err).Str("ticker", m.Ticker).Msg("⚠️ Skipping contract")
					continue
				}
				out = append(out, ct)
			}
		}

		cursor = resp.Cursor
		if cursor == "" || len(resp.Events) == 0 {
			break
		}
	}

	return out, nil
}

// GetContract fetches a single contract's current quotes and status
func (c *Client) GetContract(ctx context.Context, ticker string) (types.Contract, error) {
	body, err := c.get(ctx, "/markets/"+url.PathEscape(ticker), nil)
	if err != nil {
		return types.Contract{}, fmt.Errorf("kalshi: get %s: %w", ticker, err)
	}

	var resp struct {
		Market Market `json:"market"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return types.Contract{}, fmt.Errorf("kalshi: decode market %s: %w", ticker, err)
	}
	if resp.Market.Ticker == "" {
		resp.Market.Ticker = ticker
	}
	return resp.Market.ToContract()
}

// ═══════════════════════════════════════════════════════════════════════════════
// PORTFOLIO
// ═══════════════════════════════════════════════════════════════════════════════

// GetBalance returns available balance in USD
func (c *Client) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	body, err := c.get(ctx, "/portfolio/balance", nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("kalshi: balance: %w", err)
	}

	var result struct {
		Balance int64 `json:"balance"` // cents
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return decimal.Zero, fmt.Errorf("kalshi: decode balance: %w", err)
	}
	return decimal.New(result.Balance, -2), nil
}

// GetHeldQuantities returns the venue's net position per ticker. Tickers the
// venue omits are absent from the map.
func (c *Client) GetHeldQuantities(ctx context.Context) (map[string]int, error) {
	held := make(map[string]int)
	cursor := ""

	for page := 0; page < maxPages; page++ {
		params := url.Values{}
		params.Set("limit", strconv.Itoa(pageLimit))
		if cursor != "" {
			params.Set("cursor", cursor)
		}

		body, err := c.get(ctx, "/portfolio/positions", params)
		if err != nil {
			return nil, fmt.Errorf("kalshi: positions: %w", err)
		}

		var resp struct {
			MarketPositions []struct {
				Ticker   string `json:"ticker"`
				Position int    `json:"position"`
			} `json:"market_positions"`
			Cursor string `json:"cursor"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("kalshi: decode positions: %w", err)
		}

		for _, p := range resp.MarketPositions {
			if p.Ticker == "" {
				continue
			}
			qty := p.Position
			if qty < 0 {
				qty = -qty // NO holdings are reported as negative
			}
			held[p.Ticker] = qty
		}

		cursor = resp.Cursor
		if cursor == "" || len(resp.MarketPositions) == 0 {
			break
		}
	}

	return held, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// ORDERS
// ═══════════════════════════════════════════════════════════════════════════════

type orderRequest struct {
	Ticker        string `json:"ticker"`
	Action        string `json:"action"`
	Type          string `json:"type"`
	Side          string `json:"side"`
	YesPrice      int    `json:"yes_price,omitempty"`
	NoPrice       int    `json:"no_price,omitempty"`
	Count         int    `json:"count"`
	ClientOrderID string `json:"client_order_id"`
}

// PlaceOrder submits a resting limit buy. The count is derived from the
// budget so total cost never exceeds it, minimum one contract.
func (c *Client) PlaceOrder(ctx context.Context, ticker string, side types.Side, budget decimal.Decimal, priceCents int) types.OrderResult {
	if priceCents < 1 {
		priceCents = 1
	}
	order := newOrder(ticker, "buy", "limit", side, priceCents, risk.QuantityFor(budget, priceCents))
	res := c.submit(ctx, order)

	ev := log.Info()
	if !res.Accepted() {
		ev = log.Warn()
	}
	ev.Str("ticker", ticker).
		Str("side", string(side)).
		Int("count", order.Count).
		Int("price", priceCents).
		Str("budget", "$"+budget.StringFixed(2)).
		Str("state", string(res.State)).
		Str("reason", res.Reason).
		Msg("📝 Buy order")

	return res
}

// ClosePosition market-sells qty contracts slightly under the bid to get filled
func (c *Client) ClosePosition(ctx context.Context, ticker string, side types.Side, qty, priceCents int) types.OrderResult {
	price := priceCents - closeSlipC
	if price < 1 {
		price = 1
	}
	order := newOrder(ticker, "sell", "market", side, price, qty)
	res := c.submit(ctx, order)

	ev := log.Info()
	if !res.Accepted() {
		ev = log.Warn()
	}
	ev.Str("ticker", ticker).
		Str("side", string(side)).
		Int("count", qty).
		Int("price", price).
		Str("state", string(res.State)).
		Str("reason", res.Reason).
		Msg("📤 Close order")

	return res
}

func newOrder(ticker, action, typ string, side types.Side, priceCents, count int) orderRequest {
	o := orderRequest{
		Ticker:        ticker,
		Action:        action,
		Type:          typ,
		Side:          strings.ToLower(string(side)),
		Count:         count,
		ClientOrderID: uuid.NewString(),
	}
	if side == types.SideYes {
		o.YesPrice = priceCents
	} else {
		o.NoPrice = priceCents
	}
	return o
}

func (c *Client) submit(ctx context.Context, order orderRequest) types.OrderResult {
	body, err := c.do(ctx, http.MethodPost, "/portfolio/orders", nil, order)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return types.OrderResult{State: types.OrderStateRejected, Count: order.Count, Reason: apiErr.Error()}
		}
		return types.OrderResult{State: types.OrderStateFailed, Count: order.Count, Reason: err.Error()}
	}

	var resp struct {
		Order struct {
			OrderID string `json:"order_id"`
			Status  string `json:"status"`
		} `json:"order"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return types.OrderResult{State: types.OrderStateFailed, Count: order.Count, Reason: "decode order response: " + err.Error()}
	}
	if resp.Order.Status == "canceled" {
		return types.OrderResult{State: types.OrderStateRejected, OrderID: resp.Order.OrderID, Count: order.Count, Reason: "order cancelled by venue"}
	}

	return types.OrderResult{State: types.OrderStateAccepted, OrderID: resp.Order.OrderID, Count: order.Count}
}

// ═══════════════════════════════════════════════════════════════════════════════
// HTTP HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (c *Client) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, params, nil)
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(jsonBody)
	}

	fullPath := apiPrefix + path
	target := c.baseURL + fullPath
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.addHeaders(req, method, fullPath); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{Status: resp.StatusCode, Body: truncate(string(respBody), 300)}
	}
	return respBody, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// SIGNING
// ═══════════════════════════════════════════════════════════════════════════════

// addHeaders signs timestamp + METHOD + path (no query string)
func (c *Client) addHeaders(req *http.Request, method, path string) error {
	if c.privateKey == nil {
		return ErrNoKey
	}

	ts := strconv.FormatInt(c.now().UnixMilli(), 10)
	sig, err := sign(c.privateKey, ts+strings.ToUpper(method)+path)
	if err != nil {
		return err
	}

	req.Header.Set("KALSHI-ACCESS-KEY", c.apiKey)
	req.Header.Set("KALSHI-ACCESS-TIMESTAMP", ts)
	req.Header.Set("KALSHI-ACCESS-SIGNATURE", sig)
	return nil
}

func sign(key *rsa.PrivateKey, message string) (string, error) {
	hash := sha256.Sum256([]byte(message))
	sig, err := rsa.SignPSS(rand.Reader, key, crypto.SHA256, hash[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
	})
	if err != nil {
		return "", fmt.Errorf("kalshi: RSA sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
