// Package exchange implements the Bithumb REST and WebSocket clients.
//
// The REST client (Client) talks to the venue's spot API:
//   - Ticker:             GET  /public/ticker/{S}_KRW
//   - OrderBook:          GET  /public/orderbook/{S}_KRW
//   - TransactionHistory: GET  /public/transaction_history/{S}_KRW
//   - Candlestick:        GET  /public/candlestick/{S}_KRW/{interval}
//   - Balance:            POST /info/balance        — signed
//   - Account:            POST /info/account        — signed
//   - PlaceOrder:         POST /trade/place         — signed, never retried
//   - CancelOrder:        POST /trade/cancel        — signed, never retried
//
// Every response carries the envelope {status, data}; "0000" is success.
// Public reads are rate-limited and retried on 5xx. Private calls are
// rate-limited, HMAC-SHA512 signed and never retried: a lost response on
// /trade/place must not turn into a double order. Missing API keys make
// private calls return status "9999" without touching the network.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bithumb-scalper/internal/config"
	"bithumb-scalper/pkg/types"
)

// Venue envelope status codes.
const (
	StatusOK     = "0000" // request accepted
	StatusNoKeys = "9999" // private call without configured API keys
)

const paymentCurrency = "KRW"

// Envelope is the common response wrapper of the venue's REST API. Order
// placement puts order_id at the top level, next to status.
type Envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message,omitempty"`
	OrderID string          `json:"order_id,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// OK reports whether the venue accepted the request.
func (e *Envelope) OK() bool { return e.Status == StatusOK }

// TickerData is the /public/ticker payload. The venue serializes all
// numbers as strings.
type TickerData struct {
	OpeningPrice   string `json:"opening_price"`
	ClosingPrice   string `json:"closing_price"`
	MinPrice       string `json:"min_price"`
	MaxPrice       string `json:"max_price"`
	UnitsTraded24H string `json:"units_traded_24H"`
	Fluctate24H    string `json:"fluctate_24H"`
	Date           string `json:"date"`
}

// OrderBookEntry is one level of the REST order book.
type OrderBookEntry struct {
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
}

// OrderBookData is the /public/orderbook payload.
type OrderBookData struct {
	Timestamp       string           `json:"timestamp"`
	OrderCurrency   string           `json:"order_currency"`
	PaymentCurrency string           `json:"payment_currency"`
	Bids            []OrderBookEntry `json:"bids"`
	Asks            []OrderBookEntry `json:"asks"`
}

// Levels converts the string levels into the analytics representation.
func (d *OrderBookData) Levels() (bids, asks []types.OrderBookLevel) {
	conv := func(in []OrderBookEntry) []types.OrderBookLevel {
		out := make([]types.OrderBookLevel, 0, len(in))
		for _, e := range in {
			p := parseFloat(e.Price)
			q := parseFloat(e.Quantity)
			if p <= 0 || q < 0 {
				continue
			}
			out = append(out, types.OrderBookLevel{Price: p, Quantity: q})
		}
		return out
	}
	return conv(d.Bids), conv(d.Asks)
}

// TransactionRow is one executed trade from /public/transaction_history.
type TransactionRow struct {
	TransactionDate string `json:"transaction_date"`
	Type            string `json:"type"` // "bid" or "ask"
	UnitsTraded     string `json:"units_traded"`
	Price           string `json:"price"`
	Total           string `json:"total"`
}

// Balance is the parsed /info/balance payload for one order currency.
type Balance struct {
	TotalKRW       float64
	AvailableKRW   float64
	InUseKRW       float64
	TotalUnits     float64
	AvailableUnits float64
	InUseUnits     float64
}

// AccountData is the /info/account payload.
type AccountData struct {
	AccountID string `json:"account_id"`
	Created   string `json:"created"`
	TradeFee  string `json:"trade_fee"`
	Balance   string `json:"balance"`
}

// OrderRequest describes one order for PlaceOrder. Market orders ignore
// Price; limit orders send it truncated to integer KRW.
type OrderRequest struct {
	Symbol   string
	Side     types.OrderSide
	Type     types.OrderType
	Quantity decimal.Decimal
	Price    decimal.Decimal
}

// OrderResult is the outcome of PlaceOrder/CancelOrder.
type OrderResult struct {
	Status  string
	OrderID string
	Message string
}

// OK reports whether the venue accepted the order.
func (r *OrderResult) OK() bool { return r.Status == StatusOK }

// Client is the venue REST API client. It wraps two resty clients: public
// reads retry on 5xx, private calls never retry.
type Client struct {
	pub    *resty.Client
	prv    *resty.Client
	auth   *Auth
	rl     *RateLimiter
	dryRun bool
	logger *slog.Logger
}

// NewClient creates a REST client with rate limiting.
func NewClient(cfg config.Config, auth *Auth, logger *slog.Logger) *Client {
	pub := resty.New().
		SetBaseURL(cfg.API.RESTBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})

	prv := resty.New().
		SetBaseURL(cfg.API.RESTBaseURL).
		SetTimeout(10 * time.Second)

	return &Client{
		pub:    pub,
		prv:    prv,
		auth:   auth,
		rl:     NewRateLimiter(),
		dryRun: cfg.DryRun,
		logger: logger,
	}
}

// Ticker fetches the current ticker for one symbol. A non-"0000" status
// logs a warning and returns an empty ticker, not an error.
func (c *Client) Ticker(ctx context.Context, symbol string) (*TickerData, error) {
	env, err := c.publicGet(ctx, "/public/ticker/"+symbol+"_"+paymentCurrency)
	if err != nil {
		return nil, err
	}
	if !env.OK() {
		c.logger.Warn("ticker request rejected", "symbol", symbol, "status", env.Status)
		return &TickerData{}, nil
	}
	var data TickerData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("parse ticker: %w", err)
	}
	return &data, nil
}

// OrderBook fetches the REST order book snapshot for one symbol.
func (c *Client) OrderBook(ctx context.Context, symbol string) (*OrderBookData, error) {
	env, err := c.publicGet(ctx, "/public/orderbook/"+symbol+"_"+paymentCurrency)
	if err != nil {
		return nil, err
	}
	if !env.OK() {
		c.logger.Warn("orderbook request rejected", "symbol", symbol, "status", env.Status)
		return &OrderBookData{}, nil
	}
	var data OrderBookData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("parse orderbook: %w", err)
	}
	return &data, nil
}

// TransactionHistory fetches recent executed trades for one symbol.
func (c *Client) TransactionHistory(ctx context.Context, symbol string) ([]TransactionRow, error) {
	env, err := c.publicGet(ctx, "/public/transaction_history/"+symbol+"_"+paymentCurrency)
	if err != nil {
		return nil, err
	}
	if !env.OK() {
		c.logger.Warn("transaction history rejected", "symbol", symbol, "status", env.Status)
		return nil, nil
	}
	var rows []TransactionRow
	if err := json.Unmarshal(env.Data, &rows); err != nil {
		return nil, fmt.Errorf("parse transactions: %w", err)
	}
	return rows, nil
}

// Candlestick fetches OHLCV rows. Interval is one of 1m, 3m, 5m, 10m,
// 30m, 1h, 6h, 12h, 24h. Rows arrive as [ts_ms, open, close, high, low,
// volume] with mixed string/number encoding; malformed rows are skipped.
func (c *Client) Candlestick(ctx context.Context, symbol, interval string) ([]types.Candle, error) {
	env, err := c.publicGet(ctx, "/public/candlestick/"+symbol+"_"+paymentCurrency+"/"+interval)
	if err != nil {
		return nil, err
	}
	if !env.OK() {
		c.logger.Warn("candlestick request rejected", "symbol", symbol, "status", env.Status)
		return nil, nil
	}

	var rows [][]any
	if err := json.Unmarshal(env.Data, &rows); err != nil {
		return nil, fmt.Errorf("parse candlestick: %w", err)
	}

	candles := make([]types.Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			continue
		}
		ts := anyFloat(row[0])
		if ts <= 0 {
			continue
		}
		candles = append(candles, types.Candle{
			Timestamp: time.UnixMilli(int64(ts)),
			Open:      anyFloat(row[1]),
			Close:     anyFloat(row[2]),
			High:      anyFloat(row[3]),
			Low:       anyFloat(row[4]),
			Volume:    anyFloat(row[5]),
		})
	}
	return candles, nil
}

// Balance fetches the KRW and coin balances for one order currency.
func (c *Client) Balance(ctx context.Context, symbol string) (*Balance, error) {
	form := url.Values{}
	form.Set("order_currency", symbol)
	form.Set("payment_currency", paymentCurrency)

	env, err := c.privatePost(ctx, "/info/balance", form)
	if err != nil {
		return nil, err
	}
	if !env.OK() {
		c.logger.Warn("balance request rejected", "symbol", symbol, "status", env.Status, "message", env.Message)
		return &Balance{}, nil
	}

	var raw map[string]any
	if err := json.Unmarshal(env.Data, &raw); err != nil {
		return nil, fmt.Errorf("parse balance: %w", err)
	}

	key := func(prefix string) float64 {
		return anyFloat(raw[prefix])
	}
	low := strings.ToLower(symbol)
	return &Balance{
		TotalKRW:       key("total_krw"),
		AvailableKRW:   key("available_krw"),
		InUseKRW:       key("in_use_krw"),
		TotalUnits:     key("total_" + low),
		AvailableUnits: key("available_" + low),
		InUseUnits:     key("in_use_" + low),
	}, nil
}

// Account fetches account metadata (fee rate and the like).
func (c *Client) Account(ctx context.Context, symbol string) (*AccountData, error) {
	form := url.Values{}
	form.Set("order_currency", symbol)

	env, err := c.privatePost(ctx, "/info/account", form)
	if err != nil {
		return nil, err
	}
	if !env.OK() {
		c.logger.Warn("account request rejected", "status", env.Status, "message", env.Message)
		return &AccountData{}, nil
	}
	var data AccountData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("parse account: %w", err)
	}
	return &data, nil
}

// PlaceOrder submits one order. Market orders carry only units; limit
// orders carry integer KRW price plus units. The call logs inputs and the
// resulting status. It is never retried.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if c.dryRun {
		id := "dry-" + uuid.NewString()
		c.logger.Info("DRY-RUN: would place order",
			"symbol", req.Symbol, "side", req.Side, "type", req.Type,
			"units", req.Quantity.String(), "price", req.Price.String(), "order_id", id)
		return &OrderResult{Status: StatusOK, OrderID: id}, nil
	}

	form := url.Values{}
	form.Set("order_currency", req.Symbol)
	form.Set("payment_currency", paymentCurrency)
	form.Set("type", string(req.Side))
	switch req.Type {
	case types.OrderTypeMarket:
		form.Set("units", req.Quantity.String())
	default:
		form.Set("price", req.Price.Truncate(0).String())
		form.Set("units", req.Quantity.String())
	}

	env, err := c.privatePost(ctx, "/trade/place", form)
	if err != nil {
		return nil, err
	}

	result := &OrderResult{Status: env.Status, OrderID: env.OrderID, Message: env.Message}
	c.logger.Info("order placed",
		"symbol", req.Symbol, "side", req.Side, "type", req.Type,
		"units", req.Quantity.String(), "price", req.Price.String(),
		"status", result.Status, "order_id", result.OrderID)
	return result, nil
}

// CancelOrder cancels one open order.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string, side types.OrderSide) (*OrderResult, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "symbol", symbol, "order_id", orderID)
		return &OrderResult{Status: StatusOK, OrderID: orderID}, nil
	}

	form := url.Values{}
	form.Set("order_id", orderID)
	form.Set("type", string(side))
	form.Set("order_currency", symbol)
	form.Set("payment_currency", paymentCurrency)

	env, err := c.privatePost(ctx, "/trade/cancel", form)
	if err != nil {
		return nil, err
	}
	result := &OrderResult{Status: env.Status, OrderID: orderID, Message: env.Message}
	c.logger.Info("order cancelled", "symbol", symbol, "order_id", orderID, "status", result.Status)
	return result, nil
}

// publicGet performs a rate-limited public GET and decodes the envelope.
func (c *Client) publicGet(ctx context.Context, path string) (*Envelope, error) {
	if err := c.rl.Public.Wait(ctx); err != nil {
		return nil, err
	}

	var env Envelope
	resp, err := c.pub.R().
		SetContext(ctx).
		SetResult(&env).
		Get(path)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get %s: status %d: %s", path, resp.StatusCode(), resp.String())
	}
	return &env, nil
}

// privatePost signs and performs a private POST. The endpoint is part of
// the form, the form is part of the signature, and the exact signed string
// is what goes on the wire.
func (c *Client) privatePost(ctx context.Context, endpoint string, form url.Values) (*Envelope, error) {
	if !c.auth.HasKeys() {
		c.logger.Error("api keys not configured, private call skipped", "endpoint", endpoint)
		return &Envelope{Status: StatusNoKeys, Message: "API key not configured"}, nil
	}
	if err := c.rl.Private.Wait(ctx); err != nil {
		return nil, err
	}

	if form == nil {
		form = url.Values{}
	}
	form.Set("endpoint", endpoint)
	encoded := form.Encode()
	headers := c.auth.Headers(endpoint, encoded)

	var env Envelope
	resp, err := c.prv.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(encoded).
		SetResult(&env).
		Post(endpoint)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", endpoint, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("post %s: status %d: %s", endpoint, resp.StatusCode(), resp.String())
	}
	return &env, nil
}

// anyFloat coerces the venue's mixed string/number JSON values.
func anyFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case string:
		return parseFloat(x)
	case json.Number:
		f, _ := x.Float64()
		return f
	default:
		return 0
	}
}

// parseFloat is a zero-on-error strconv wrapper for venue strings.
func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
