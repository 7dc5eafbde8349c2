package api

import (
	"time"

	"bithumb-scalper/internal/ensemble"
	"bithumb-scalper/internal/risk"
	"bithumb-scalper/pkg/types"
)

// Event stream types.
const (
	EventDecision       = "decision"
	EventPositionOpened = "position_opened"
	EventPositionClosed = "position_closed"
	EventDailyReset     = "daily_reset"
)

// Event is the wrapper for everything pushed on the /api/events stream.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Symbol    string    `json:"symbol,omitempty"`
	Data      any       `json:"data"`
}

// DecisionEvent carries one fused signal evaluation.
type DecisionEvent struct {
	Score       float64            `json:"score"`
	Action      string             `json:"action"`
	Confidence  float64            `json:"confidence"`
	VPINWarning bool               `json:"vpin_warning"`
	Components  map[string]float64 `json:"components"`
}

// PositionOpenedEvent is emitted after an entry order goes through.
type PositionOpenedEvent struct {
	Price     float64 `json:"price"`
	Quantity  float64 `json:"quantity"`
	AmountKRW float64 `json:"amount_krw"`
}

// PositionClosedEvent is emitted after an exit order goes through.
type PositionClosedEvent struct {
	EntryPrice float64 `json:"entry_price"`
	ExitPrice  float64 `json:"exit_price"`
	Quantity   float64 `json:"quantity"`
	PnL        float64 `json:"pnl"`
	PnLPct     float64 `json:"pnl_pct"`
	Reason     string  `json:"reason"`
}

// NewDecisionEvent wraps a fused decision for the stream.
func NewDecisionEvent(symbol string, d ensemble.Decision) Event {
	return Event{
		Type:      EventDecision,
		Timestamp: time.Now().UTC(),
		Symbol:    symbol,
		Data: DecisionEvent{
			Score:       d.Score,
			Action:      string(d.Action),
			Confidence:  d.Confidence,
			VPINWarning: d.VPINWarning,
			Components:  d.Components,
		},
	}
}

// NewPositionOpenedEvent wraps a fresh entry for the stream.
func NewPositionOpenedEvent(symbol string, price, quantity, amountKRW float64) Event {
	return Event{
		Type:      EventPositionOpened,
		Timestamp: time.Now().UTC(),
		Symbol:    symbol,
		Data: PositionOpenedEvent{
			Price:     price,
			Quantity:  quantity,
			AmountKRW: amountKRW,
		},
	}
}

// NewPositionClosedEvent wraps a completed round trip for the stream.
func NewPositionClosedEvent(trade types.TradeRecord) Event {
	return Event{
		Type:      EventPositionClosed,
		Timestamp: trade.Timestamp,
		Symbol:    trade.Symbol,
		Data: PositionClosedEvent{
			EntryPrice: trade.EntryPrice,
			ExitPrice:  trade.ExitPrice,
			Quantity:   trade.Quantity,
			PnL:        trade.PnL,
			PnLPct:     trade.PnLPct,
			Reason:     string(trade.Reason),
		},
	}
}

// NewDailyResetEvent wraps the day's closing summary for the stream.
func NewDailyResetEvent(summary risk.DailySummary) Event {
	return Event{
		Type:      EventDailyReset,
		Timestamp: time.Now().UTC(),
		Data:      summary,
	}
}
