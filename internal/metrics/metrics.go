// Package metrics exposes the bot's Prometheus collectors.
//
// Collectors are registered in init() and served by the status API at
// /metrics (Prometheus text exposition format):
//
//   - bot_decisions_total{symbol,action}  – fused decisions by action
//   - bot_orders_total{mode,side}         – orders placed (mode: dry|live)
//   - bot_exits_total{reason}             – position exits by reason
//   - bot_ws_reconnects_total             – WebSocket reconnect attempts
//   - bot_model_refits_total{model}       – GARCH/HMM refits completed
//   - bot_regime_state                    – current regime (0 bull, 1 side, 2 bear)
//   - bot_vpin{symbol}                    – latest VPIN estimate
//   - bot_fused_score{symbol}             – latest fused signal score
//   - bot_equity_krw                      – cash plus open position value
//   - bot_open_positions                  – number of open positions
//   - bot_circuit_breaker_active          – 1 while entries are halted
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_decisions_total",
			Help: "Fused decisions by symbol and action",
		},
		[]string{"symbol", "action"},
	)

	orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_orders_total",
			Help: "Orders placed",
		},
		[]string{"mode", "side"},
	)

	exits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_exits_total",
			Help: "Position exits split by reason",
		},
		[]string{"reason"},
	)

	wsReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bot_ws_reconnects_total",
			Help: "WebSocket reconnect attempts",
		},
	)

	modelRefits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_model_refits_total",
			Help: "Completed model refits (garch|hmm)",
		},
		[]string{"model"},
	)

	regimeState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_regime_state",
			Help: "Current market regime (0 bullish, 1 sideways, 2 bearish)",
		},
	)

	vpin = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bot_vpin",
			Help: "Latest VPIN toxicity estimate per symbol",
		},
		[]string{"symbol"},
	)

	fusedScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bot_fused_score",
			Help: "Latest fused signal score per symbol",
		},
		[]string{"symbol"},
	)

	equity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_equity_krw",
			Help: "Cash plus open position value in KRW",
		},
	)

	openPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_open_positions",
			Help: "Number of open positions",
		},
	)

	circuitBreaker = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_circuit_breaker_active",
			Help: "1 while the consecutive-loss circuit breaker blocks entries",
		},
	)
)

func init() {
	prometheus.MustRegister(decisions, orders, exits)
	prometheus.MustRegister(wsReconnects, modelRefits)
	prometheus.MustRegister(regimeState, vpin, fusedScore)
	prometheus.MustRegister(equity, openPositions, circuitBreaker)
}

// IncDecision counts one fused decision for a symbol.
func IncDecision(symbol, action string) { decisions.WithLabelValues(symbol, action).Inc() }

// IncOrder counts one placed order. Mode is "dry" or "live".
func IncOrder(mode, side string) { orders.WithLabelValues(mode, side).Inc() }

// IncExit counts one position exit by reason.
func IncExit(reason string) { exits.WithLabelValues(reason).Inc() }

// IncWSReconnect counts one WebSocket reconnect attempt.
func IncWSReconnect() { wsReconnects.Inc() }

// IncModelRefit counts one completed refit for "garch" or "hmm".
func IncModelRefit(model string) { modelRefits.WithLabelValues(model).Inc() }

// SetRegimeState publishes the shared regime index.
func SetRegimeState(state int) { regimeState.Set(float64(state)) }

// SetVPIN publishes the latest VPIN estimate for a symbol.
func SetVPIN(symbol string, v float64) { vpin.WithLabelValues(symbol).Set(v) }

// SetFusedScore publishes the latest fused score for a symbol.
func SetFusedScore(symbol string, v float64) { fusedScore.WithLabelValues(symbol).Set(v) }

// SetEquity publishes total equity in KRW.
func SetEquity(v float64) { equity.Set(v) }

// SetOpenPositions publishes the open position count.
func SetOpenPositions(n int) { openPositions.Set(float64(n)) }

// SetCircuitBreakerActive publishes whether entries are halted.
func SetCircuitBreakerActive(active bool) {
	if active {
		circuitBreaker.Set(1)
	} else {
		circuitBreaker.Set(0)
	}
}
