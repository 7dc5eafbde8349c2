// Package volatility estimates realized and conditional volatility from
// the merged trade stream.
//
// One model instance serves all symbols: the Korean spot majors move
// together closely enough that a merged stream gives the risk layer a
// denser, more current read than five sparse per-symbol streams would.
//
// Realized volatility is recomputed inline on every price. The GARCH(1,1)
// refit is expensive, so it runs on the shared worker pool and swaps its
// estimates in under the lock when done; the tick path never waits on it.
package volatility

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/alitto/pond"

	"bithumb-scalper/internal/config"
	"bithumb-scalper/internal/metrics"
	"bithumb-scalper/internal/rolling"
)

const (
	defaultVol = 0.01  // reported before enough data exists
	volFloor   = 0.001 // realized and forecast vol never report below this

	minRVReturns  = 10  // returns needed before RV is defined
	minFitReturns = 100 // returns needed before a refit is scheduled
)

// Estimate is a fitted conditional-volatility result, in the same percent
// units as the returns handed to the Fitter.
type Estimate struct {
	Conditional float64 // last in-sample conditional vol
	Forecast    float64 // one-step-ahead vol
}

// Fitter fits a conditional-volatility model to percentage log returns.
// Implementations must be safe for use from the worker pool.
type Fitter interface {
	Fit(returnsPct []float64) (Estimate, error)
}

// Model tracks realized volatility inline and conditional volatility via
// periodic pooled refits.
type Model struct {
	mu     sync.Mutex
	cfg    config.VolatilityConfig
	fitter Fitter
	pool   *pond.WorkerPool
	logger *slog.Logger

	prices   *rolling.Window
	returns  *rolling.Window
	rvWindow *rolling.Window

	realized float64
	garch    float64
	forecast float64

	lastFit time.Time
	fitting bool
}

// NewModel creates a model with default estimates in place. Refits are
// submitted to pool; fitter failures keep the previous estimates.
func NewModel(cfg config.VolatilityConfig, fitter Fitter, pool *pond.WorkerPool, logger *slog.Logger) *Model {
	capacity := cfg.GARCHLookback + 100
	return &Model{
		cfg:      cfg,
		fitter:   fitter,
		pool:     pool,
		logger:   logger.With("component", "volatility"),
		prices:   rolling.NewWindow(capacity),
		returns:  rolling.NewWindow(capacity),
		rvWindow: rolling.NewWindow(cfg.RVWindow),
		realized: defaultVol,
		garch:    defaultVol,
		forecast: defaultVol,
	}
}

// UpdatePrice ingests one trade price: appends the log return, refreshes
// realized volatility, and schedules a refit when the interval has passed
// and enough returns exist. Non-positive prices are ignored.
func (m *Model) UpdatePrice(price float64) {
	if price <= 0 {
		return
	}

	m.mu.Lock()

	if prev, ok := m.prices.FromEnd(0); ok && prev > 0 {
		r := math.Log(price / prev)
		m.returns.Push(r)
		m.rvWindow.Push(r)
	}
	m.prices.Push(price)

	if m.rvWindow.Len() >= minRVReturns {
		var ss float64
		for _, r := range m.rvWindow.Values() {
			ss += r * r
		}
		rv := math.Sqrt(ss)
		if rv < volFloor {
			rv = volFloor
		}
		m.realized = rv
	}

	if !m.fitting &&
		time.Since(m.lastFit) >= m.cfg.RetrainInterval &&
		m.returns.Len() >= minFitReturns {
		m.fitting = true
		m.lastFit = time.Now()
		sample := m.returns.Tail(m.cfg.GARCHLookback)
		m.mu.Unlock()
		m.pool.Submit(func() { m.refit(sample) })
		return
	}

	m.mu.Unlock()
}

// refit runs the fitter on percent-scaled returns and swaps the estimates
// in. Runs on the worker pool.
func (m *Model) refit(sample []float64) {
	scaled := make([]float64, len(sample))
	for i, r := range sample {
		scaled[i] = r * 100
	}

	est, err := m.fitter.Fit(scaled)

	m.mu.Lock()
	m.fitting = false
	if err != nil {
		m.mu.Unlock()
		m.logger.Warn("volatility refit failed, keeping previous estimates", "error", err)
		return
	}

	m.garch = est.Conditional / 100
	forecast := est.Forecast / 100
	if forecast < volFloor {
		forecast = volFloor
	}
	m.forecast = forecast
	garch, fc := m.garch, m.forecast
	m.mu.Unlock()

	metrics.IncModelRefit("garch")
	m.logger.Info("volatility refit complete", "garch_vol", garch, "forecast_vol", fc)
}

// RealizedVol returns the current realized volatility.
func (m *Model) RealizedVol() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.realized
}

// GARCHVol returns the last fitted conditional volatility.
func (m *Model) GARCHVol() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.garch
}

// ForecastVol returns the one-step-ahead volatility forecast.
func (m *Model) ForecastVol() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.forecast
}

// Signal maps realized volatility to an ensemble input: calm tape is a
// mild positive, elevated vol progressively penalizes entries.
func (m *Model) Signal() float64 {
	rv := m.RealizedVol()
	switch {
	case rv >= 0.05:
		return -1.0
	case rv >= 0.03:
		return -0.5
	case rv >= 0.01:
		return 0
	default:
		return 0.5
	}
}
