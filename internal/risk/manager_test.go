package risk

import (
	"io"
	"log/slog"
	"math"
	"strconv"
	"testing"
	"time"

	"bithumb-scalper/internal/config"
	"bithumb-scalper/pkg/types"
)

const testCapital = 1_000_000

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		KellyFraction:            0.25,
		KellyMinTrades:           20,
		MaxSinglePositionRatio:   0.20,
		MaxConcurrentPositions:   3,
		DailyCVaRLimit:           -0.03,
		MinCashReserveRatio:      0.20,
		MaxConsecutiveLosses:     3,
		Cooldown:                 30 * time.Minute,
		StopLossMultiplier:       2.0,
		TrailingActivationPct:    0.015,
		TrailingOffsetMultiplier: 1.5,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(n Notifier) *Manager {
	return NewManager(testRiskConfig(), testCapital, n, testLogger())
}

type stubNotifier struct {
	reasons chan string
}

func (s *stubNotifier) EmergencyStop(reason string) { s.reasons <- reason }

// seedHistory fills the closed-trade history without going through the
// position lifecycle.
func seedHistory(m *Manager, recs ...types.TradeRecord) {
	m.mu.Lock()
	m.history = append(m.history, recs...)
	m.mu.Unlock()
}

func winTrade(pnlPct float64) types.TradeRecord {
	return types.TradeRecord{ID: "w", PnL: testCapital * pnlPct, PnLPct: pnlPct}
}

func lossTrade(pnlPct float64) types.TradeRecord {
	return types.TradeRecord{ID: "l", PnL: testCapital * pnlPct, PnLPct: pnlPct}
}

func TestKellyDefaultBelowMinTrades(t *testing.T) {
	t.Parallel()
	m := newTestManager(nil)

	for i := 0; i < 19; i++ {
		seedHistory(m, winTrade(0.02))
	}
	if got := m.KellyFraction(); got != 0.25 {
		t.Fatalf("KellyFraction with 19 trades = %v, want default 0.25", got)
	}
}

func TestKellyFromHistory(t *testing.T) {
	t.Parallel()
	m := newTestManager(nil)

	// 10 wins at +2%, 10 losses at -1%: p=0.5, b=2, f*=0.25,
	// fractional Kelly = 0.25 * 0.25 = 0.0625.
	for i := 0; i < 10; i++ {
		seedHistory(m, winTrade(0.02), lossTrade(-0.01))
	}
	if got := m.KellyFraction(); math.Abs(got-0.0625) > 1e-12 {
		t.Fatalf("KellyFraction = %v, want 0.0625", got)
	}
}

func TestKellyClampsToPositionCap(t *testing.T) {
	t.Parallel()
	m := newTestManager(nil)

	// 18 wins +5%, 2 losses -1%: f* scaled = 0.22, clamped to 0.20.
	for i := 0; i < 18; i++ {
		seedHistory(m, winTrade(0.05))
	}
	seedHistory(m, lossTrade(-0.01), lossTrade(-0.01))
	if got := m.KellyFraction(); math.Abs(got-0.20) > 1e-12 {
		t.Fatalf("KellyFraction = %v, want cap 0.20", got)
	}
}

func TestKellyAllWinsFallsBackToDefault(t *testing.T) {
	t.Parallel()
	m := newTestManager(nil)

	for i := 0; i < 20; i++ {
		seedHistory(m, winTrade(0.02))
	}
	if got := m.KellyFraction(); got != 0.25 {
		t.Fatalf("KellyFraction with no losses = %v, want default 0.25", got)
	}
}

func TestKellyNegativeEdgeClampsToZero(t *testing.T) {
	t.Parallel()
	m := newTestManager(nil)

	// 5 wins +1%, 15 losses -2%: negative expectancy.
	for i := 0; i < 5; i++ {
		seedHistory(m, winTrade(0.01))
	}
	for i := 0; i < 15; i++ {
		seedHistory(m, lossTrade(-0.02))
	}
	if got := m.KellyFraction(); got != 0 {
		t.Fatalf("KellyFraction with negative edge = %v, want 0", got)
	}
}

func TestCVaRRequiresSamples(t *testing.T) {
	t.Parallel()
	m := newTestManager(nil)

	for i := 0; i < 9; i++ {
		m.dailyPnLHistory.Push(-0.01)
	}
	if got := m.CVaR95(); got != 0 {
		t.Fatalf("CVaR95 with 9 samples = %v, want 0", got)
	}
}

func TestCVaRTailMean(t *testing.T) {
	t.Parallel()
	m := newTestManager(nil)

	// VaR = -0.10 + 0.45*0.08 = -0.064; tail = {-0.10}.
	samples := []float64{-0.10, -0.02, -0.01, 0.00, 0.01, 0.01, 0.02, 0.02, 0.03, 0.04}
	for _, s := range samples {
		m.dailyPnLHistory.Push(s)
	}
	if got := m.CVaR95(); math.Abs(got-(-0.10)) > 1e-12 {
		t.Fatalf("CVaR95 = %v, want -0.10", got)
	}
}

func TestPercentileInterpolates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		xs   []float64
		p    float64
		want float64
	}{
		{nil, 50, 0},
		{[]float64{3}, 5, 3},
		{[]float64{1, 2, 3, 4}, 50, 2.5},
		{[]float64{4, 1, 3, 2}, 0, 1},
		{[]float64{4, 1, 3, 2}, 100, 4},
		{[]float64{-0.10, -0.02, -0.01, 0.00, 0.01, 0.01, 0.02, 0.02, 0.03, 0.04}, 5, -0.064},
	}
	for _, tt := range tests {
		if got := percentile(tt.xs, tt.p); math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("percentile(%v, %v) = %v, want %v", tt.xs, tt.p, got, tt.want)
		}
	}
}

func TestCanEnterAllowsWithSize(t *testing.T) {
	t.Parallel()
	m := newTestManager(nil)

	ok, reason, amount := m.CanEnter("BTC", testCapital, 0.20)
	if !ok || reason != "" {
		t.Fatalf("CanEnter = (%v, %q)", ok, reason)
	}
	// investable = 1e6 - 200k = 800k; kelly default gives 250k; cap 200k.
	if amount != 200_000 {
		t.Fatalf("max amount = %v, want 200000", amount)
	}
}

func TestCanEnterInvestableBinds(t *testing.T) {
	t.Parallel()
	m := newTestManager(nil)

	ok, _, amount := m.CanEnter("BTC", 250_000, 0.20)
	if !ok {
		t.Fatal("entry denied")
	}
	// investable = 250k - 200k reserve = 50k, below both caps.
	if amount != 50_000 {
		t.Fatalf("max amount = %v, want 50000", amount)
	}
}

func TestCanEnterDeniesOnCooldown(t *testing.T) {
	t.Parallel()
	m := newTestManager(nil)

	m.mu.Lock()
	m.cooldownUntil = time.Now().Add(time.Minute)
	m.mu.Unlock()

	ok, reason, _ := m.CanEnter("BTC", testCapital, 0.20)
	if ok || reason != "cooldown" {
		t.Fatalf("CanEnter = (%v, %q), want (false, cooldown)", ok, reason)
	}
}

func TestCanEnterDeniesOnDailyLoss(t *testing.T) {
	t.Parallel()
	m := newTestManager(nil)

	m.mu.Lock()
	m.dailyPnL = -0.03 * testCapital // exactly at the limit
	m.mu.Unlock()

	ok, reason, _ := m.CanEnter("BTC", testCapital, 0.20)
	if ok || reason != "daily loss limit" {
		t.Fatalf("CanEnter = (%v, %q), want (false, daily loss limit)", ok, reason)
	}
}

func TestCanEnterDeniesOnMaxPositions(t *testing.T) {
	t.Parallel()
	m := newTestManager(nil)

	m.Register("BTC", 100, 1)
	m.Register("ETH", 100, 1)
	m.Register("XRP", 100, 1)

	ok, reason, _ := m.CanEnter("SOL", testCapital, 0.20)
	if ok || reason != "max positions" {
		t.Fatalf("CanEnter = (%v, %q), want (false, max positions)", ok, reason)
	}
}

func TestCanEnterDeniesOnHeldSymbol(t *testing.T) {
	t.Parallel()
	m := newTestManager(nil)

	m.Register("BTC", 100, 1)

	ok, reason, _ := m.CanEnter("BTC", testCapital, 0.20)
	if ok || reason != "already held" {
		t.Fatalf("CanEnter = (%v, %q), want (false, already held)", ok, reason)
	}
}

func TestCanEnterDeniesOnCashReserve(t *testing.T) {
	t.Parallel()
	m := newTestManager(nil)

	// Bearish regime wants 80% reserve; cash covers only half of that.
	ok, reason, _ := m.CanEnter("BTC", 0.5*testCapital, 0.80)
	if ok || reason != "cash reserve" {
		t.Fatalf("CanEnter = (%v, %q), want (false, cash reserve)", ok, reason)
	}
}

func TestRegisterAndCloseMath(t *testing.T) {
	t.Parallel()
	m := newTestManager(nil)

	pos := m.Register("ETH", 200, 2)
	if pos.HighestPrice != 200 || pos.EntryTime.IsZero() {
		t.Fatalf("registered position = %+v", pos)
	}

	rec, ok := m.Close("ETH", 210, types.ExitManual)
	if !ok {
		t.Fatal("Close returned false for held symbol")
	}
	if rec.PnL != 20 || rec.PnLPct != 0.05 || rec.Reason != types.ExitManual {
		t.Fatalf("record = %+v", rec)
	}
	if rec.ID == "" {
		t.Fatal("record must be assigned an id")
	}

	if _, held := m.Position("ETH"); held {
		t.Fatal("position still held after close")
	}
	if _, ok := m.Close("ETH", 210, types.ExitManual); ok {
		t.Fatal("second close must report no position")
	}

	if got := m.Stats().DailyPnL; got != 20 {
		t.Fatalf("daily pnl = %v, want 20", got)
	}
}

func TestCircuitBreakerTripsOnConsecutiveLosses(t *testing.T) {
	t.Parallel()

	n := &stubNotifier{reasons: make(chan string, 1)}
	m := newTestManager(n)

	for _, sym := range []string{"BTC", "ETH", "XRP"} {
		m.Register(sym, 100, 1)
		if _, ok := m.Close(sym, 99, types.ExitStopLoss); !ok {
			t.Fatalf("close %s failed", sym)
		}
	}

	ok, reason, _ := m.CanEnter("SOL", testCapital, 0.20)
	if ok || reason != "cooldown" {
		t.Fatalf("CanEnter after 3 losses = (%v, %q), want (false, cooldown)", ok, reason)
	}

	select {
	case <-n.reasons:
	case <-time.After(2 * time.Second):
		t.Fatal("emergency notification not sent")
	}
}

func TestWinResetsLossStreak(t *testing.T) {
	t.Parallel()
	m := newTestManager(nil)

	m.Register("BTC", 100, 1)
	m.Close("BTC", 99, types.ExitStopLoss)
	m.Register("ETH", 100, 1)
	m.Close("ETH", 99, types.ExitStopLoss)

	// A winner before the third loss clears the streak.
	m.Register("XRP", 100, 1)
	m.Close("XRP", 101, types.ExitTrailingStop)
	m.Register("SOL", 100, 1)
	m.Close("SOL", 99, types.ExitStopLoss)

	if got := m.Stats().ConsecutiveLosses; got != 1 {
		t.Fatalf("consecutive losses = %d, want 1", got)
	}
	if ok, _, _ := m.CanEnter("DOGE", testCapital, 0.20); !ok {
		t.Fatal("breaker must not trip below the limit")
	}
}

func TestEvaluateExitStopLoss(t *testing.T) {
	t.Parallel()
	m := newTestManager(nil)

	m.Register("BTC", 100, 1)

	// stop = 100 * (1 - 2*0.01) = 98; inclusive at the boundary.
	sig, exit := m.EvaluateExit("BTC", 98, 0.01, 1.5)
	if !exit || sig.Action != types.ExitStopLoss {
		t.Fatalf("EvaluateExit = (%+v, %v), want stop_loss", sig, exit)
	}
	if sig.StopPrice != 98 {
		t.Errorf("StopPrice = %v, want 98", sig.StopPrice)
	}
	if math.Abs(sig.PnLPct-(-0.02)) > 1e-12 {
		t.Errorf("PnLPct = %v, want -0.02", sig.PnLPct)
	}
}

func TestEvaluateExitFloorsRV(t *testing.T) {
	t.Parallel()
	m := newTestManager(nil)

	m.Register("BTC", 100, 1)

	// rv 0 floors to 0.005: stop = 100*(1-0.01) = 99.
	if _, exit := m.EvaluateExit("BTC", 99.5, 0, 1.5); exit {
		t.Fatal("no exit expected above the floored stop")
	}
	sig, exit := m.EvaluateExit("BTC", 99, 0, 1.5)
	if !exit || sig.Action != types.ExitStopLoss {
		t.Fatalf("EvaluateExit = (%+v, %v), want stop_loss at floored rv", sig, exit)
	}
}

func TestEvaluateExitTrailingStop(t *testing.T) {
	t.Parallel()
	m := newTestManager(nil)

	m.Register("BTC", 100, 1)

	// Rise to 102: pnl 2% >= 1.5% activation, trailing arms at
	// 102 * (1 - 1.5*0.01*1.5) = 99.705.
	if sig, exit := m.EvaluateExit("BTC", 102, 0.01, 1.5); exit {
		t.Fatalf("no exit expected on the way up, got %+v", sig)
	}
	pos, _ := m.Position("BTC")
	if !pos.TrailingActive || pos.HighestPrice != 102 {
		t.Fatalf("position after rise = %+v", pos)
	}

	// 99.71 sits above the trail, 99.70 at or below it.
	if _, exit := m.EvaluateExit("BTC", 99.71, 0.01, 1.5); exit {
		t.Fatal("price above the trail must not exit")
	}
	sig, exit := m.EvaluateExit("BTC", 99.70, 0.01, 1.5)
	if !exit || sig.Action != types.ExitTrailingStop {
		t.Fatalf("EvaluateExit = (%+v, %v), want trailing_stop", sig, exit)
	}
	if math.Abs(sig.TrailingStop-99.705) > 1e-9 {
		t.Errorf("TrailingStop = %v, want 99.705", sig.TrailingStop)
	}
}

func TestEvaluateExitHighWaterMarkNeverDrops(t *testing.T) {
	t.Parallel()
	m := newTestManager(nil)

	m.Register("BTC", 100, 1)
	m.EvaluateExit("BTC", 105, 0.01, 1.0)
	m.EvaluateExit("BTC", 103, 0.01, 1.0)

	pos, _ := m.Position("BTC")
	if pos.HighestPrice != 105 {
		t.Fatalf("HighestPrice = %v, want 105", pos.HighestPrice)
	}
}

func TestEvaluateExitUnknownSymbol(t *testing.T) {
	t.Parallel()
	m := newTestManager(nil)

	if _, exit := m.EvaluateExit("BTC", 100, 0.01, 1.0); exit {
		t.Fatal("exit signalled for unknown symbol")
	}
}

func TestDailyReset(t *testing.T) {
	t.Parallel()
	m := newTestManager(nil)

	m.Register("BTC", 100, 100)
	m.Close("BTC", 110, types.ExitTrailingStop) // +1000
	m.Register("ETH", 100, 50)
	m.Close("ETH", 90, types.ExitStopLoss) // -500

	summary := m.DailyReset()
	if summary.PnL != 500 || summary.Trades != 2 || summary.Wins != 1 || summary.Losses != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if math.Abs(summary.PnLPct-500.0/testCapital) > 1e-15 {
		t.Fatalf("PnLPct = %v", summary.PnLPct)
	}

	st := m.Stats()
	if st.DailyPnL != 0 || st.ConsecutiveLosses != 0 {
		t.Fatalf("stats after reset = %+v", st)
	}
	if m.dailyPnLHistory.Len() != 1 {
		t.Fatalf("daily history len = %d, want 1", m.dailyPnLHistory.Len())
	}
	if len(m.dailyTrades) != 0 {
		t.Fatal("daily trades not cleared")
	}
}

func TestDailyResetKeepsCooldown(t *testing.T) {
	t.Parallel()
	m := newTestManager(nil)

	m.mu.Lock()
	m.cooldownUntil = time.Now().Add(time.Hour)
	m.mu.Unlock()

	m.DailyReset()

	ok, reason, _ := m.CanEnter("BTC", testCapital, 0.20)
	if ok || reason != "cooldown" {
		t.Fatalf("CanEnter after reset = (%v, %q), want cooldown intact", ok, reason)
	}
}

func TestHistoryRingEviction(t *testing.T) {
	t.Parallel()
	m := newTestManager(nil)

	m.mu.Lock()
	for i := 0; i < tradeHistorySize; i++ {
		m.history = append(m.history, types.TradeRecord{ID: strconv.Itoa(i), PnL: 1, PnLPct: 0.001})
	}
	m.mu.Unlock()

	m.Register("BTC", 100, 1)
	m.Close("BTC", 101, types.ExitManual)

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) != tradeHistorySize {
		t.Fatalf("history len = %d, want %d", len(m.history), tradeHistorySize)
	}
	if m.history[0].ID != "1" {
		t.Fatalf("oldest record = %s, want 1", m.history[0].ID)
	}
}

func TestPositionsSorted(t *testing.T) {
	t.Parallel()
	m := newTestManager(nil)

	m.Register("XRP", 100, 1)
	m.Register("BTC", 100, 1)

	got := m.Positions()
	if len(got) != 2 || got[0].Symbol != "BTC" || got[1].Symbol != "XRP" {
		t.Fatalf("Positions() = %+v", got)
	}
}

func TestStatsAggregates(t *testing.T) {
	t.Parallel()
	m := newTestManager(nil)

	seedHistory(m, winTrade(0.02), winTrade(0.04), lossTrade(-0.03))

	st := m.Stats()
	if st.TotalTrades != 3 {
		t.Fatalf("TotalTrades = %d", st.TotalTrades)
	}
	if math.Abs(st.WinRate-2.0/3.0) > 1e-12 {
		t.Errorf("WinRate = %v", st.WinRate)
	}
	if math.Abs(st.AvgPnLPct-0.01) > 1e-12 {
		t.Errorf("AvgPnLPct = %v", st.AvgPnLPct)
	}
}
