// Package regime classifies the market into bullish, sideways or bearish
// using a hidden Markov model over recent returns.
//
// Like the volatility model, one detector serves all symbols: regime is a
// property of the whole Korean spot tape, not of a single coin. The regime
// drives three risk dials — Kelly multiplier, cash reserve and trailing
// stop width — plus a directional input to the ensemble.
package regime

import (
	"log/slog"
	"sync"
	"time"

	"github.com/alitto/pond"

	"bithumb-scalper/internal/config"
	"bithumb-scalper/internal/metrics"
	"bithumb-scalper/internal/rolling"
)

// State is the canonical regime index. The order matters: fitters rank
// hidden states by descending mean return, so 0 is always the bullish one.
type State int

const (
	Bullish State = iota
	Sideways
	Bearish
)

// String returns the regime name used in logs and the status API.
func (s State) String() string {
	switch s {
	case Bullish:
		return "BULLISH"
	case Bearish:
		return "BEARISH"
	default:
		return "SIDEWAYS"
	}
}

// Params are the risk dials attached to a regime.
type Params struct {
	KellyMult    float64 // scales the Kelly position size
	CashRatio    float64 // minimum cash reserve fraction
	TrailingMult float64 // widens or tightens the trailing stop
}

var stateParams = [3]Params{
	Bullish:  {KellyMult: 1.00, CashRatio: 0.20, TrailingMult: 2.0},
	Sideways: {KellyMult: 0.50, CashRatio: 0.40, TrailingMult: 1.5},
	Bearish:  {KellyMult: 0.25, CashRatio: 0.80, TrailingMult: 1.0},
}

// Fitter fits a regime model to a price history and returns the state the
// series currently sits in. Implementations must be safe for use from the
// worker pool.
type Fitter interface {
	Fit(prices []float64) (State, error)
}

// Detector holds the shared price history and the current regime. Refits
// run on the worker pool; until the first fit succeeds the regime is
// SIDEWAYS, the conservative middle.
type Detector struct {
	mu     sync.Mutex
	cfg    config.RegimeConfig
	fitter Fitter
	pool   *pond.WorkerPool
	logger *slog.Logger

	prices  *rolling.Window
	current State
	lastFit time.Time
	fitting bool
}

// NewDetector creates a detector defaulting to SIDEWAYS.
func NewDetector(cfg config.RegimeConfig, fitter Fitter, pool *pond.WorkerPool, logger *slog.Logger) *Detector {
	return &Detector{
		cfg:     cfg,
		fitter:  fitter,
		pool:    pool,
		logger:  logger.With("component", "regime"),
		prices:  rolling.NewWindow(cfg.LookbackHours * 60),
		current: Sideways,
	}
}

// UpdatePrice appends one price and schedules a refit when the retrain
// interval has passed and enough history exists. Non-positive prices are
// ignored.
func (d *Detector) UpdatePrice(price float64) {
	if price <= 0 {
		return
	}

	d.mu.Lock()
	d.prices.Push(price)

	if !d.fitting &&
		time.Since(d.lastFit) >= d.cfg.RetrainInterval &&
		d.prices.Len() >= d.cfg.MinPrices {
		d.fitting = true
		d.lastFit = time.Now()
		sample := d.prices.Values()
		d.mu.Unlock()
		d.pool.Submit(func() { d.refit(sample) })
		return
	}

	d.mu.Unlock()
}

// refit fits the model and swaps the regime in. Fit failures keep the
// previous regime. Runs on the worker pool.
func (d *Detector) refit(sample []float64) {
	state, err := d.fitter.Fit(sample)

	d.mu.Lock()
	d.fitting = false
	if err != nil {
		d.mu.Unlock()
		d.logger.Warn("regime refit failed, keeping previous regime", "error", err)
		return
	}
	prev := d.current
	d.current = state
	d.mu.Unlock()

	metrics.SetRegimeState(int(state))
	metrics.IncModelRefit("hmm")
	if state != prev {
		d.logger.Info("regime changed", "from", prev.String(), "to", state.String())
	} else {
		d.logger.Debug("regime refit complete", "regime", state.String())
	}
}

// Current returns the current regime.
func (d *Detector) Current() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// Params returns the risk dials of the current regime.
func (d *Detector) Params() Params {
	return stateParams[d.Current()]
}

// Signal maps the regime to an ensemble input: +1 bullish, 0 sideways,
// −1 bearish.
func (d *Detector) Signal() float64 {
	switch d.Current() {
	case Bullish:
		return 1
	case Bearish:
		return -1
	default:
		return 0
	}
}
