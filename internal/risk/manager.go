// Package risk enforces the sizing discipline and the hard trading limits.
//
// One Manager guards the whole book:
//
//   - Fractional Kelly sizing computed from the closed-trade history
//   - Daily loss gate: entries stop once the day's pnl breaches the limit
//   - Consecutive-loss circuit breaker with a cooldown window
//   - Volatility-scaled stop-loss and trailing stop per position
//
// All methods are safe for concurrent use. The engine calls them from the
// stream-handler goroutine and from the daily-reset loop.
package risk

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"bithumb-scalper/internal/config"
	"bithumb-scalper/internal/metrics"
	"bithumb-scalper/internal/rolling"
	"bithumb-scalper/pkg/types"
)

const (
	tradeHistorySize = 1000 // closed trades kept for Kelly and stats
	dailyHistorySize = 100  // daily pnl-pct samples kept for CVaR
	cvarMinSamples   = 10
	minExitRV        = 0.005 // rv floor so stops never collapse onto entry
)

// Notifier is the slice of the notification layer the risk manager needs.
// Calls may happen from the trading path, so implementations must not block.
type Notifier interface {
	EmergencyStop(reason string)
}

// ExitSignal describes why a position must be closed.
type ExitSignal struct {
	Action       types.ExitReason
	PnLPct       float64
	StopPrice    float64
	TrailingStop float64
}

// DailySummary is the result of a daily reset.
type DailySummary struct {
	PnL    float64 `json:"daily_pnl"`
	PnLPct float64 `json:"daily_pnl_pct"`
	Trades int     `json:"trades"`
	Wins   int     `json:"wins"`
	Losses int     `json:"losses"`
	CVaR95 float64 `json:"cvar_95"`
}

// Stats is the aggregate risk view for the status API.
type Stats struct {
	TotalTrades       int     `json:"total_trades"`
	WinRate           float64 `json:"win_rate"`
	AvgPnLPct         float64 `json:"avg_pnl_pct"`
	KellyFraction     float64 `json:"kelly_fraction"`
	CVaR95            float64 `json:"cvar_95"`
	ConsecutiveLosses int     `json:"consecutive_losses"`
	ActivePositions   int     `json:"active_positions"`
	DailyPnL          float64 `json:"daily_pnl"`
}

// Manager tracks positions and enforces every entry/exit limit.
type Manager struct {
	cfg      config.RiskConfig
	capital  float64 // MAX_TOTAL_CAPITAL in KRW, fixed at startup
	notifier Notifier
	logger   *slog.Logger

	mu                sync.Mutex
	positions         map[string]*types.Position
	history           []types.TradeRecord // bounded at tradeHistorySize
	dailyTrades       []types.TradeRecord
	dailyPnL          float64
	dailyPnLHistory   *rolling.Window // daily pnl as a fraction of capital
	consecutiveLosses int
	cooldownUntil     time.Time
}

// NewManager creates a risk manager. notifier may be nil.
func NewManager(cfg config.RiskConfig, capital float64, notifier Notifier, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:             cfg,
		capital:         capital,
		notifier:        notifier,
		logger:          logger.With("component", "risk"),
		positions:       make(map[string]*types.Position),
		dailyPnLHistory: rolling.NewWindow(dailyHistorySize),
	}
}

// KellyFraction returns the capital fraction to size entries with. Until
// enough trades are recorded it returns the configured default; afterwards
// it is fractional Kelly clamped to the per-position cap.
func (m *Manager) KellyFraction() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kellyLocked()
}

func (m *Manager) kellyLocked() float64 {
	if len(m.history) < m.cfg.KellyMinTrades {
		return m.cfg.KellyFraction
	}

	var wins int
	var winSum, lossSum float64
	for _, tr := range m.history {
		if tr.PnL > 0 {
			wins++
			winSum += tr.PnLPct
		} else {
			lossSum += tr.PnLPct
		}
	}

	n := len(m.history)
	losses := n - wins
	var avgWin, avgLoss float64
	if wins > 0 {
		avgWin = winSum / float64(wins)
	}
	if losses > 0 {
		avgLoss = math.Abs(lossSum / float64(losses))
	}
	if avgLoss == 0 {
		return m.cfg.KellyFraction
	}

	p := float64(wins) / float64(n)
	b := avgWin / avgLoss
	if b == 0 {
		return 0
	}
	f := (b*p - (1 - p)) / b * m.cfg.KellyFraction
	return clamp(f, 0, m.cfg.MaxSinglePositionRatio)
}

// CVaR95 returns the expected daily loss fraction conditional on being in
// the worst 5% of recorded days. Zero until enough days are recorded.
func (m *Manager) CVaR95() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cvarLocked()
}

func (m *Manager) cvarLocked() float64 {
	samples := m.dailyPnLHistory.Values()
	if len(samples) < cvarMinSamples {
		return 0
	}

	cutoff := percentile(samples, 5)
	var sum float64
	var n int
	for _, s := range samples {
		if s <= cutoff {
			sum += s
			n++
		}
	}
	if n == 0 {
		return cutoff
	}
	return sum / float64(n)
}

// CanEnter runs the entry gate for symbol and returns (allowed, denial
// reason, max position size in KRW). The checks run in a fixed order so a
// denied entry always reports the most severe active limit.
func (m *Manager) CanEnter(symbol string, availableCash, regimeCashRatio float64) (bool, string, float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if time.Now().Before(m.cooldownUntil) {
		metrics.SetCircuitBreakerActive(true)
		return false, "cooldown", 0
	}
	metrics.SetCircuitBreakerActive(false)

	if m.capital > 0 && m.dailyPnL/m.capital <= m.cfg.DailyCVaRLimit {
		return false, "daily loss limit", 0
	}
	if len(m.positions) >= m.cfg.MaxConcurrentPositions {
		return false, "max positions", 0
	}
	if _, held := m.positions[symbol]; held {
		return false, "already held", 0
	}

	reserve := math.Max(m.cfg.MinCashReserveRatio, regimeCashRatio)
	investable := availableCash - m.capital*reserve
	if investable <= 0 {
		return false, "cash reserve", 0
	}

	maxAmount := math.Min(investable,
		math.Min(m.capital*m.kellyLocked(), m.capital*m.cfg.MaxSinglePositionRatio))
	return true, "", maxAmount
}

// Register inserts a new position after a successful exchange
// acknowledgement. The entry price seeds the trailing-stop high-water mark.
func (m *Manager) Register(symbol string, price, quantity float64) types.Position {
	m.mu.Lock()
	if _, held := m.positions[symbol]; held {
		m.logger.Warn("register over an existing position", "symbol", symbol)
	}
	pos := &types.Position{
		Symbol:       symbol,
		EntryPrice:   price,
		Quantity:     quantity,
		EntryTime:    time.Now(),
		HighestPrice: price,
	}
	m.positions[symbol] = pos
	open := len(m.positions)
	m.mu.Unlock()

	metrics.SetOpenPositions(open)
	m.logger.Info("position registered",
		"symbol", symbol, "entry", price, "quantity", quantity)
	return *pos
}

// Close removes the position, records the trade, and advances the
// circuit-breaker state. Returns false if no position is held.
func (m *Manager) Close(symbol string, exitPrice float64, reason types.ExitReason) (types.TradeRecord, bool) {
	m.mu.Lock()
	pos, ok := m.positions[symbol]
	if !ok {
		m.mu.Unlock()
		return types.TradeRecord{}, false
	}
	delete(m.positions, symbol)

	pnl := (exitPrice - pos.EntryPrice) * pos.Quantity
	var pnlPct float64
	if pos.EntryPrice > 0 {
		pnlPct = (exitPrice - pos.EntryPrice) / pos.EntryPrice
	}

	rec := types.TradeRecord{
		ID:         uuid.NewString(),
		Symbol:     symbol,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  exitPrice,
		Quantity:   pos.Quantity,
		PnL:        pnl,
		PnLPct:     pnlPct,
		Reason:     reason,
		Timestamp:  time.Now(),
	}

	m.history = append(m.history, rec)
	if len(m.history) > tradeHistorySize {
		copy(m.history, m.history[1:])
		m.history = m.history[:tradeHistorySize]
	}
	m.dailyTrades = append(m.dailyTrades, rec)
	m.dailyPnL += pnl

	tripped := false
	if pnl < 0 {
		m.consecutiveLosses++
		if m.consecutiveLosses >= m.cfg.MaxConsecutiveLosses {
			m.cooldownUntil = time.Now().Add(m.cfg.Cooldown)
			tripped = true
		}
	} else {
		m.consecutiveLosses = 0
	}

	open := len(m.positions)
	losses := m.consecutiveLosses
	until := m.cooldownUntil
	m.mu.Unlock()

	metrics.SetOpenPositions(open)
	m.logger.Info("position closed",
		"symbol", symbol, "exit", exitPrice, "pnl", pnl, "pnl_pct", pnlPct, "reason", reason)

	if tripped {
		metrics.SetCircuitBreakerActive(true)
		m.logger.Error("circuit breaker tripped",
			"consecutive_losses", losses, "cooldown_until", until)
		if m.notifier != nil {
			go m.notifier.EmergencyStop(fmt.Sprintf(
				"%d consecutive losses, trading paused until %s",
				losses, until.Format(time.RFC3339)))
		}
	}
	return rec, true
}

// EvaluateExit checks the stops for symbol at the current price. rv is the
// realized volatility (floored at minExitRV) and trailingMult the regime's
// trailing multiplier. As a side effect it advances the position's
// high-water mark and arms the trailing stop once the activation gain is
// reached.
func (m *Manager) EvaluateExit(symbol string, current, rv, trailingMult float64) (ExitSignal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[symbol]
	if !ok {
		return ExitSignal{}, false
	}
	if rv < minExitRV {
		rv = minExitRV
	}

	pnlPct := pos.UnrealizedPnLPct(current)
	stop := pos.EntryPrice * (1 - m.cfg.StopLossMultiplier*rv)
	if current <= stop {
		return ExitSignal{Action: types.ExitStopLoss, PnLPct: pnlPct, StopPrice: stop}, true
	}

	if current > pos.HighestPrice {
		pos.HighestPrice = current
	}
	if pnlPct >= m.cfg.TrailingActivationPct {
		pos.TrailingActive = true
	}
	if pos.TrailingActive {
		trail := pos.HighestPrice * (1 - m.cfg.TrailingOffsetMultiplier*rv*trailingMult)
		if current <= trail {
			return ExitSignal{
				Action:       types.ExitTrailingStop,
				PnLPct:       pnlPct,
				StopPrice:    stop,
				TrailingStop: trail,
			}, true
		}
	}
	return ExitSignal{}, false
}

// DailyReset closes out the trading day: pushes the day's pnl fraction
// into the CVaR history, clears the daily counters and the loss streak,
// and returns the day's summary. The cooldown window is left intact.
func (m *Manager) DailyReset() DailySummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	var wins int
	for _, tr := range m.dailyTrades {
		if tr.PnL > 0 {
			wins++
		}
	}

	var pnlPct float64
	if m.capital > 0 {
		pnlPct = m.dailyPnL / m.capital
	}
	m.dailyPnLHistory.Push(pnlPct)

	summary := DailySummary{
		PnL:    m.dailyPnL,
		PnLPct: pnlPct,
		Trades: len(m.dailyTrades),
		Wins:   wins,
		Losses: len(m.dailyTrades) - wins,
		CVaR95: m.cvarLocked(),
	}

	m.dailyPnL = 0
	m.dailyTrades = nil
	m.consecutiveLosses = 0

	m.logger.Info("daily reset",
		"pnl", summary.PnL, "pnl_pct", summary.PnLPct,
		"trades", summary.Trades, "wins", summary.Wins, "losses", summary.Losses,
		"cvar_95", summary.CVaR95)
	return summary
}

// Position returns a copy of the open position for symbol.
func (m *Manager) Position(symbol string) (types.Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[symbol]
	if !ok {
		return types.Position{}, false
	}
	return *pos, true
}

// Positions returns copies of all open positions, sorted by symbol.
func (m *Manager) Positions() []types.Position {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]types.Position, 0, len(m.positions))
	for _, pos := range m.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Stats returns the aggregate risk view.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var wins int
	var pnlPctSum float64
	for _, tr := range m.history {
		if tr.PnL > 0 {
			wins++
		}
		pnlPctSum += tr.PnLPct
	}

	var winRate, avgPnLPct float64
	if n := len(m.history); n > 0 {
		winRate = float64(wins) / float64(n)
		avgPnLPct = pnlPctSum / float64(n)
	}

	return Stats{
		TotalTrades:       len(m.history),
		WinRate:           winRate,
		AvgPnLPct:         avgPnLPct,
		KellyFraction:     m.kellyLocked(),
		CVaR95:            m.cvarLocked(),
		ConsecutiveLosses: m.consecutiveLosses,
		ActivePositions:   len(m.positions),
		DailyPnL:          m.dailyPnL,
	}
}

// percentile returns the p-th percentile (0..100) of xs using linear
// interpolation between closest ranks.
func percentile(xs []float64, p float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := make([]float64, len(xs))
	copy(sorted, xs)
	sort.Float64s(sorted)

	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
