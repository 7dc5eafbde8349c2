// Package ensemble fuses the seven signal inputs into one trade decision.
//
// Stateful inputs live here: the per-symbol minute price series behind the
// momentum signal, the funding-rate map fed by the poller, and the
// sentiment slot written by the webhook. The fusion itself is a pure
// function over a snapshot of inputs, so it stays trivially testable.
package ensemble

import (
	"log/slog"
	"sync"
	"time"

	"bithumb-scalper/internal/rolling"
)

// Fusion weights. They sum to 1; sentiment and funding are re-distributed
// across the rest when absent.
const (
	weightOBI        = 0.30
	weightVPIN       = 0.15
	weightMomentum   = 0.15
	weightRegime     = 0.15
	weightSentiment  = 0.10
	weightFunding    = 0.10
	weightVolatility = 0.05
)

// confidenceBand is the dead band around zero inside which a directional
// input counts as neutral.
const confidenceBand = 0.1

// Momentum horizons in minutes (1h, 4h, 1d, 1w) with short horizons
// weighted heaviest. The series capacity equals the longest horizon.
var (
	momentumWindows = [4]int{60, 240, 1440, 10080}
	momentumWeights = [4]float64{0.4, 0.3, 0.2, 0.1}
)

const minuteSeriesCap = 10080

// Action is the discrete trade decision derived from the fused score.
type Action string

const (
	ActionStrongBuy  Action = "strong_buy"
	ActionBuy        Action = "buy"
	ActionHold       Action = "hold"
	ActionSell       Action = "sell"
	ActionStrongSell Action = "strong_sell"
)

// Inputs is one evaluation's worth of component signals, all in [-1, 1].
type Inputs struct {
	OBI        float64
	VPIN       float64
	Momentum   float64
	Regime     float64
	Sentiment  float64
	Funding    float64
	Volatility float64
}

// Decision is the fused output. Components carries the raw (unweighted)
// inputs for logging and the event stream.
type Decision struct {
	Score       float64
	Action      Action
	Confidence  float64
	VPINWarning bool
	Components  map[string]float64
}

// minuteSeries samples one price per wall-clock minute: ticks within the
// same minute revise the current sample, the first tick of a new minute
// appends one.
type minuteSeries struct {
	window *rolling.Window
	minute time.Time
}

// Ensemble owns the stateful signal inputs.
type Ensemble struct {
	mu     sync.RWMutex
	logger *slog.Logger

	series  map[string]*minuteSeries
	funding map[string]float64

	sentimentScore  float64
	sentimentSymbol string
	sentimentAt     time.Time
}

// New creates an empty ensemble.
func New(logger *slog.Logger) *Ensemble {
	return &Ensemble{
		logger:  logger.With("component", "ensemble"),
		series:  make(map[string]*minuteSeries),
		funding: make(map[string]float64),
	}
}

func (e *Ensemble) seriesFor(symbol string) *minuteSeries {
	s, ok := e.series[symbol]
	if !ok {
		s = &minuteSeries{window: rolling.NewWindow(minuteSeriesCap)}
		e.series[symbol] = s
	}
	return s
}

// UpdatePrice feeds one trade into the symbol's minute series.
// Non-positive prices are ignored.
func (e *Ensemble) UpdatePrice(symbol string, price float64, ts time.Time) {
	if price <= 0 {
		return
	}
	minute := ts.Truncate(time.Minute)

	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.seriesFor(symbol)
	if s.window.Len() == 0 || minute.After(s.minute) {
		s.window.Push(price)
		s.minute = minute
		return
	}
	s.window.SetLast(price)
}

// Prime seeds the minute series with historical closes, oldest first.
// The next live tick starts a fresh sample.
func (e *Ensemble) Prime(symbol string, closes []float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.seriesFor(symbol)
	for _, c := range closes {
		if c > 0 {
			s.window.Push(c)
		}
	}
}

// Momentum returns the multi-horizon momentum signal in [-1, 1]: a
// weighted mean of per-horizon returns, each amplified 10× and clipped.
// Returns 0 until the shortest horizon has filled.
func (e *Ensemble) Momentum(symbol string) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s, ok := e.series[symbol]
	if !ok || s.window.Len() < momentumWindows[0] {
		return 0
	}
	now, _ := s.window.FromEnd(0)

	var total, weightSum float64
	for i, w := range momentumWindows {
		if s.window.Len() < w {
			continue
		}
		past, _ := s.window.FromEnd(w - 1)
		if past <= 0 {
			continue
		}
		ret := (now - past) / past
		total += clamp(ret*10, -1, 1) * momentumWeights[i]
		weightSum += momentumWeights[i]
	}
	if weightSum == 0 {
		return 0
	}
	return total / weightSum
}

// SetSentiment writes the sentiment slot. Scores are clamped to [-1, 1];
// the slot holds a single (symbol, score) pair, newest writer wins.
func (e *Ensemble) SetSentiment(symbol string, score float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.sentimentScore = clamp(score, -1, 1)
	e.sentimentSymbol = symbol
	e.sentimentAt = time.Now()
	e.logger.Info("sentiment updated", "symbol", symbol, "score", e.sentimentScore)
}

// SentimentFor returns the slot score when it targets the given symbol,
// 0 otherwise.
func (e *Ensemble) SentimentFor(symbol string) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.sentimentSymbol == symbol {
		return e.sentimentScore
	}
	return 0
}

// Sentiment returns the current slot for the status API.
func (e *Ensemble) Sentiment() (symbol string, score float64, at time.Time) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sentimentSymbol, e.sentimentScore, e.sentimentAt
}

// SetFundingRate stores the polled funding rate for a symbol.
func (e *Ensemble) SetFundingRate(symbol string, rate float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.funding[symbol] = rate
}

// FundingRate returns the stored rate and whether one exists.
func (e *Ensemble) FundingRate(symbol string) (float64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rate, ok := e.funding[symbol]
	return rate, ok
}

// FundingSignal maps the symbol's funding rate to a contrarian signal:
// crowded longs (high positive funding) push the signal short and vice
// versa. Unknown symbols return 0, which the fusion treats as absent.
func (e *Ensemble) FundingSignal(symbol string) float64 {
	rate, ok := e.FundingRate(symbol)
	if !ok {
		return 0
	}
	switch {
	case rate > 0.003:
		return -1.0
	case rate > 0.001:
		return -0.5
	case rate < -0.003:
		return 1.0
	case rate < -0.001:
		return 0.5
	default:
		return 0
	}
}

// Fuse combines the inputs into a score, action and confidence. A zero
// sentiment or funding input is treated as absent: its weight is
// redistributed proportionally across the active inputs so the effective
// weights always sum to 1.
func Fuse(in Inputs) Decision {
	wOBI, wVPIN, wMom, wReg := weightOBI, weightVPIN, weightMomentum, weightRegime
	wSent, wFund, wVol := weightSentiment, weightFunding, weightVolatility

	var missing float64
	if in.Sentiment == 0 {
		missing += wSent
		wSent = 0
	}
	if in.Funding == 0 {
		missing += wFund
		wFund = 0
	}
	if missing > 0 {
		active := wOBI + wVPIN + wMom + wReg + wSent + wFund + wVol
		if active > 0 {
			scale := 1 + missing/active
			wOBI *= scale
			wVPIN *= scale
			wMom *= scale
			wReg *= scale
			wSent *= scale
			wFund *= scale
			wVol *= scale
		}
	}

	score := clamp(
		wOBI*in.OBI+wVPIN*in.VPIN+wMom*in.Momentum+wReg*in.Regime+
			wSent*in.Sentiment+wFund*in.Funding+wVol*in.Volatility,
		-1, 1)

	var action Action
	switch {
	case score >= 0.7:
		action = ActionStrongBuy
	case score >= 0.5:
		action = ActionBuy
	case score <= -0.7:
		action = ActionStrongSell
	case score <= -0.3:
		action = ActionSell
	default:
		action = ActionHold
	}

	var pos, neg int
	for _, v := range [5]float64{in.OBI, in.Momentum, in.Regime, in.Sentiment, in.Funding} {
		switch {
		case v > confidenceBand:
			pos++
		case v < -confidenceBand:
			neg++
		}
	}
	confidence := 0.0
	if pos+neg > 0 {
		agree := pos
		if neg > agree {
			agree = neg
		}
		confidence = float64(agree) / 5
	}

	return Decision{
		Score:       score,
		Action:      action,
		Confidence:  confidence,
		VPINWarning: in.VPIN < -0.5,
		Components: map[string]float64{
			"obi":        in.OBI,
			"vpin":       in.VPIN,
			"momentum":   in.Momentum,
			"regime":     in.Regime,
			"sentiment":  in.Sentiment,
			"funding":    in.Funding,
			"volatility": in.Volatility,
		},
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
