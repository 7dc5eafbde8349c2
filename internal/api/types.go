package api

import (
	"time"

	"bithumb-scalper/internal/risk"
)

// StatusProvider is the engine-side view the status API reads. Status
// must be cheap enough to call on every request; Events may return nil
// when the event stream is disabled.
type StatusProvider interface {
	Status() StatusSnapshot
	Events() <-chan Event
}

// SentimentSetter receives scores posted to the sentiment webhook.
// The signal ensemble implements it.
type SentimentSetter interface {
	SetSentiment(symbol string, score float64)
}

// StatusSnapshot is the GET /api/status response body.
type StatusSnapshot struct {
	Timestamp    time.Time         `json:"timestamp"`
	EngineActive bool              `json:"engine_active"`
	DryRun       bool              `json:"dry_run"`
	Regime       string            `json:"regime"`
	RealizedVol  float64           `json:"realized_vol"`
	GARCHVol     float64           `json:"garch_vol"`
	Positions    []PositionStatus  `json:"positions"`
	Surveillance []SurveillanceRow `json:"surveillance"`
	Risk         risk.Stats        `json:"risk"`
}

// PositionStatus is one open position priced at the latest trade.
type PositionStatus struct {
	Symbol         string    `json:"symbol"`
	EntryPrice     float64   `json:"entry_price"`
	CurrentPrice   float64   `json:"current_price"`
	Quantity       float64   `json:"quantity"`
	PnLPct         float64   `json:"pnl_pct"`
	HighestPrice   float64   `json:"highest_price"`
	TrailingActive bool      `json:"trailing_active"`
	EntryTime      time.Time `json:"entry_time"`
}

// SurveillanceRow is one watched symbol's live microstructure readout.
type SurveillanceRow struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	OBI    float64 `json:"obi"`
	OFI    float64 `json:"ofi"`
	VPIN   float64 `json:"vpin"`
	Amihud float64 `json:"amihud"`
}
