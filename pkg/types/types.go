// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot — order sides, book
// levels, trade ticks, positions, and the WebSocket payloads of the venue.
// It has no dependencies on internal packages, so it can be imported by
// any layer.
package types

import (
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the aggressor direction of a trade tick: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// OrderSide is the side of an order in the venue's vocabulary. Bithumb's
// private API wants "bid" for buys and "ask" for sells.
type OrderSide string

const (
	Bid OrderSide = "bid"
	Ask OrderSide = "ask"
)

// OrderType enumerates the supported order kinds. Market orders carry only
// units; limit orders carry an integer KRW price as well.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// ExitReason classifies why a position was closed.
type ExitReason string

const (
	ExitStopLoss     ExitReason = "stop_loss"
	ExitTrailingStop ExitReason = "trailing_stop"
	ExitManual       ExitReason = "manual"
)

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// OrderBookLevel is a single bid or ask level. Prices are KRW, quantities
// are coin units. Values are float64 because they only feed analytics;
// money that reaches the exchange goes through decimal types in the
// gateway layer.
type OrderBookLevel struct {
	Price    float64
	Quantity float64
}

// OrderBookUpdate is a depth update for one symbol, already split by side.
// Bids are sorted descending, asks ascending, at most 10 levels each.
type OrderBookUpdate struct {
	Symbol    string
	Bids      []OrderBookLevel
	Asks      []OrderBookLevel
	Timestamp time.Time
}

// TradeTick is a single executed trade from the transaction stream.
type TradeTick struct {
	Symbol    string
	Price     float64
	Quantity  float64
	Side      Side
	Timestamp time.Time
}

// Valid reports whether the tick satisfies the basic invariants. Ticks
// with non-positive price or quantity are dropped by consumers.
func (t TradeTick) Valid() bool {
	return t.Price > 0 && t.Quantity > 0
}

// Candle is one OHLCV row from the candlestick endpoint.
type Candle struct {
	Timestamp time.Time
	Open      float64
	Close     float64
	High      float64
	Low       float64
	Volume    float64
}

// ————————————————————————————————————————————————————————————————————————
// Trading state
// ————————————————————————————————————————————————————————————————————————

// Position is an open long position in one symbol. At most one position
// exists per symbol; HighestPrice never decreases while the position is
// open (it drives the trailing stop).
type Position struct {
	Symbol         string
	EntryPrice     float64
	Quantity       float64
	EntryTime      time.Time
	HighestPrice   float64
	TrailingActive bool
}

// UnrealizedPnLPct returns the fractional gain at the given price.
func (p Position) UnrealizedPnLPct(price float64) float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	return (price - p.EntryPrice) / p.EntryPrice
}

// TradeRecord is the summary of a closed trade. Records live in a bounded
// ring inside the risk manager plus a per-day list cleared by the daily
// reset.
type TradeRecord struct {
	ID         string     // uuid assigned at close
	Symbol     string
	EntryPrice float64
	ExitPrice  float64
	Quantity   float64
	PnL        float64 // KRW
	PnLPct     float64 // fractional, relative to entry notional
	Reason     ExitReason
	Timestamp  time.Time
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket messages
// ————————————————————————————————————————————————————————————————————————
// These structs map 1:1 to the JSON frames of the venue's public WebSocket.
// Numeric fields arrive as strings and are parsed at the gateway boundary.

// WSSubscribeMsg is the subscription request sent after connecting.
// Type is "orderbookdepth" or "transaction"; symbols look like "BTC_KRW".
type WSSubscribeMsg struct {
	Type      string   `json:"type"`
	Symbols   []string `json:"symbols"`
	TickTypes []string `json:"tickTypes,omitempty"`
}

// WSOrderBookItem is one depth entry inside an orderbookdepth frame.
type WSOrderBookItem struct {
	Symbol    string `json:"symbol"`    // "BTC_KRW"
	OrderType string `json:"orderType"` // "bid" or "ask"
	Price     string `json:"price"`
	Quantity  string `json:"quantity"`
	Total     string `json:"total"`
}

// WSOrderBookContent is the content payload of an orderbookdepth frame.
type WSOrderBookContent struct {
	List     []WSOrderBookItem `json:"list"`
	Datetime string            `json:"datetime"`
}

// WSTransactionItem is one executed trade inside a transaction frame.
// BuySellGb is "1" for sells and "2" for buys.
type WSTransactionItem struct {
	Symbol    string `json:"symbol"`
	BuySellGb string `json:"buySellGb"`
	ContPrice string `json:"contPrice"`
	ContQty   string `json:"contQty"`
	ContAmt   string `json:"contAmt"`
	ContDtm   string `json:"contDtm"`
	UpDn      string `json:"updn"`
}

// WSTransactionContent is the content payload of a transaction frame.
type WSTransactionContent struct {
	List []WSTransactionItem `json:"list"`
}
