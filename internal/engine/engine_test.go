package engine

import (
	"context"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"bithumb-scalper/internal/config"
	"bithumb-scalper/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEngineConfig() config.Config {
	return config.Config{
		DryRun: true,
		API: config.APIConfig{
			RESTBaseURL: "http://127.0.0.1:0",
			WSURL:       "ws://127.0.0.1:0/ws",
		},
		Trading: config.TradingConfig{
			Symbols:            []string{"BTC", "ETH"},
			MaxTotalCapitalKRW: 1_000_000,
		},
		Micro: config.MicroConfig{
			OBIDepthLevels: 10,
			OBILookback:    2,
			OBIThreshold:   0.60,
			// Large buckets so VPIN never activates unless a test wants it.
			VPINBucketSize:      50,
			VPINNumBuckets:      50,
			VPINDangerThreshold: 0.80,
		},
		Volatility: config.VolatilityConfig{
			RVWindow:        60,
			GARCHLookback:   500,
			RetrainInterval: time.Hour,
		},
		Regime: config.RegimeConfig{
			LookbackHours:   168,
			RetrainInterval: time.Hour,
			MinPrices:       120,
		},
		Funding: config.FundingConfig{
			BaseURL:      "http://127.0.0.1:0",
			PollInterval: time.Hour,
			SymbolMap:    map[string]string{},
		},
		Risk: config.RiskConfig{
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
		},
		Dashboard: config.DashboardConfig{Enabled: true, Port: 0},
	}
}

// newTestEngine builds an engine without Start, so no sockets are opened
// and no bootstrap requests go out. Handlers are driven directly.
func newTestEngine(t *testing.T, cfg config.Config) *Engine {
	t.Helper()

	eng, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	eng.ctx, eng.cancel = context.WithCancel(context.Background())
	t.Cleanup(func() {
		eng.cancel()
		eng.pool.StopAndWait()
	})
	return eng
}

// strongBidBook is a one-level book with 99:1 bid dominance, OBI 0.98.
func strongBidBook(symbol string) types.OrderBookUpdate {
	return types.OrderBookUpdate{
		Symbol:    symbol,
		Bids:      []types.OrderBookLevel{{Price: 109, Quantity: 99}},
		Asks:      []types.OrderBookLevel{{Price: 110, Quantity: 1}},
		Timestamp: time.Now(),
	}
}

func buyTick(symbol string, price float64, ts time.Time) types.TradeTick {
	return types.TradeTick{
		Symbol:    symbol,
		Price:     price,
		Quantity:  0.5,
		Side:      types.BUY,
		Timestamp: ts,
	}
}

// primeFlat seeds the momentum series with n identical closes so the next
// tick's return is the whole momentum signal.
func primeFlat(e *Engine, symbol string, n int, price float64) {
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = price
	}
	e.ensemble.Prime(symbol, closes)
}

func TestEntryAndStopLossFlow(t *testing.T) {
	t.Parallel()
	eng := newTestEngine(t, testEngineConfig())
	t0 := time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC)

	primeFlat(eng, "BTC", 60, 100)
	if err := eng.onBook(strongBidBook("BTC")); err != nil {
		t.Fatalf("onBook: %v", err)
	}

	// 110 on a flat 100 history: momentum clips to 1, OBI 0.98, regime
	// SIDEWAYS. Score = 1.25*(0.30*0.98 + 0.15*1) = 0.555 — a buy.
	if err := eng.onTrade(buyTick("BTC", 110, t0)); err != nil {
		t.Fatalf("onTrade: %v", err)
	}

	pos, held := eng.riskMgr.Position("BTC")
	if !held {
		t.Fatal("buy signal must open a position")
	}
	if pos.EntryPrice != 110 {
		t.Fatalf("entry price = %v, want 110", pos.EntryPrice)
	}
	// CanEnter caps at 200k (20% of capital); sideways halves it, a plain
	// buy halves it again: 50k KRW at 110.
	wantQty := 50_000.0 / 110
	if math.Abs(pos.Quantity-wantQty) > 1e-9 {
		t.Fatalf("quantity = %v, want %v", pos.Quantity, wantQty)
	}
	if got := len(eng.events); got != 2 {
		t.Fatalf("events after entry = %d, want decision + position_opened", got)
	}

	// Stop sits at 110*(1-2*0.01) = 107.8 with the default realized vol;
	// 107 breaches it and the same tick must not re-enter.
	if err := eng.onTrade(buyTick("BTC", 107, t0.Add(10*time.Second))); err != nil {
		t.Fatalf("onTrade: %v", err)
	}
	if _, held := eng.riskMgr.Position("BTC"); held {
		t.Fatal("stop-loss must close the position")
	}

	st := eng.riskMgr.Stats()
	if st.TotalTrades != 1 {
		t.Fatalf("total trades = %d, want 1", st.TotalTrades)
	}
	if st.ConsecutiveLosses != 1 {
		t.Fatalf("consecutive losses = %d, want 1", st.ConsecutiveLosses)
	}
	wantPnL := (107.0 - 110.0) * wantQty
	if math.Abs(st.DailyPnL-wantPnL) > 1e-9 {
		t.Fatalf("daily pnl = %v, want %v", st.DailyPnL, wantPnL)
	}

	if got := len(eng.events); got != 3 {
		t.Fatalf("events after exit = %d, want 3", got)
	}
	evTypes := []string{"decision", "position_opened", "position_closed"}
	for i, want := range evTypes {
		ev := <-eng.events
		if ev.Type != want {
			t.Fatalf("event[%d].Type = %q, want %q", i, ev.Type, want)
		}
	}
}

func TestVPINWarningVetoesEntry(t *testing.T) {
	t.Parallel()

	cfg := testEngineConfig()
	cfg.Micro.VPINBucketSize = 1
	cfg.Micro.VPINNumBuckets = 2
	cfg.Micro.VPINDangerThreshold = 0.5
	ts := time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC)

	setup := func(e *Engine) {
		primeFlat(e, "BTC", 60, 100)
		e.ensemble.SetSentiment("BTC", 1.0)
		e.micro.UpdateOrderBook("BTC", strongBidBook("BTC").Bids, strongBidBook("BTC").Asks)
		e.ensemble.UpdatePrice("BTC", 110, ts)
	}

	// Toxic tape: one-unit buckets of 2 and 10 give VPIN 0.6, over the
	// 0.5 danger line, so the ensemble reports a warning.
	toxic := newTestEngine(t, cfg)
	toxic.micro.UpdateTrade("BTC", 100, 2, types.BUY)
	toxic.micro.UpdateTrade("BTC", 100, 10, types.BUY)
	setup(toxic)
	toxic.checkEntry("BTC", 110)
	if _, held := toxic.riskMgr.Position("BTC"); held {
		t.Fatal("toxic flow must veto the entry")
	}

	// Identical signals without the toxic buckets enter fine, so the veto
	// above is the flag and not a weak score.
	clean := newTestEngine(t, cfg)
	setup(clean)
	clean.checkEntry("BTC", 110)
	if _, held := clean.riskMgr.Position("BTC"); !held {
		t.Fatal("clean flow with the same signals must enter")
	}
}

func TestHoldBelowBuyThreshold(t *testing.T) {
	t.Parallel()
	eng := newTestEngine(t, testEngineConfig())

	// Balanced book (OBI 0) leaves momentum alone at 0.15 weight: score
	// 1.25*0.15 = 0.1875, well under the 0.5 entry line.
	primeFlat(eng, "BTC", 60, 100)
	update := types.OrderBookUpdate{
		Symbol: "BTC",
		Bids:   []types.OrderBookLevel{{Price: 109, Quantity: 50}},
		Asks:   []types.OrderBookLevel{{Price: 110, Quantity: 50}},
	}
	if err := eng.onBook(update); err != nil {
		t.Fatalf("onBook: %v", err)
	}
	if err := eng.onTrade(buyTick("BTC", 110, time.Now())); err != nil {
		t.Fatalf("onTrade: %v", err)
	}

	if _, held := eng.riskMgr.Position("BTC"); held {
		t.Fatal("hold decision must not open a position")
	}
	if got := len(eng.events); got != 0 {
		t.Fatalf("events = %d, want none for a hold", got)
	}
}

func TestDryRunCashBooksOpenNotional(t *testing.T) {
	t.Parallel()
	eng := newTestEngine(t, testEngineConfig())

	if got := eng.availableCash("BTC"); got != 1_000_000 {
		t.Fatalf("cash with no positions = %v, want full capital", got)
	}

	eng.riskMgr.Register("ETH", 200, 500) // 100k notional
	if got := eng.availableCash("BTC"); got != 900_000 {
		t.Fatalf("cash with 100k deployed = %v, want 900000", got)
	}

	eng.riskMgr.Register("BTC", 1000, 2000) // 2m notional, over capital
	if got := eng.availableCash("ETH"); got != 0 {
		t.Fatalf("cash over capital = %v, want clamp to 0", got)
	}
}

func TestUntrackedSymbolIgnored(t *testing.T) {
	t.Parallel()
	eng := newTestEngine(t, testEngineConfig())

	if err := eng.onBook(strongBidBook("SHIB")); err != nil {
		t.Fatalf("onBook: %v", err)
	}
	if err := eng.onTrade(buyTick("SHIB", 100, time.Now())); err != nil {
		t.Fatalf("onTrade: %v", err)
	}

	if got := eng.micro.LastPrice("SHIB"); got != 0 {
		t.Fatalf("untracked symbol reached the analyzer, last price %v", got)
	}
	if got := len(eng.riskMgr.Positions()); got != 0 {
		t.Fatalf("positions = %d, want 0", got)
	}
}

func TestStatusSnapshot(t *testing.T) {
	t.Parallel()
	eng := newTestEngine(t, testEngineConfig())
	t0 := time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC)

	primeFlat(eng, "BTC", 60, 100)
	if err := eng.onBook(strongBidBook("BTC")); err != nil {
		t.Fatalf("onBook: %v", err)
	}
	if err := eng.onTrade(buyTick("BTC", 110, t0)); err != nil {
		t.Fatalf("onTrade: %v", err)
	}

	snap := eng.Status()
	if snap.EngineActive {
		t.Fatal("engine not started, must not report active")
	}
	if !snap.DryRun {
		t.Fatal("snapshot must reflect dry-run mode")
	}
	if snap.Regime != "SIDEWAYS" {
		t.Fatalf("regime = %q, want SIDEWAYS before the first fit", snap.Regime)
	}
	if len(snap.Positions) != 1 {
		t.Fatalf("positions = %d, want 1", len(snap.Positions))
	}
	p := snap.Positions[0]
	if p.Symbol != "BTC" || p.CurrentPrice != 110 || p.PnLPct != 0 {
		t.Fatalf("position status = %+v", p)
	}
	if len(snap.Surveillance) != 2 {
		t.Fatalf("surveillance rows = %d, want one per symbol", len(snap.Surveillance))
	}
	btc := snap.Surveillance[0]
	if btc.Symbol != "BTC" || btc.Price != 110 {
		t.Fatalf("surveillance[0] = %+v", btc)
	}
	if math.Abs(btc.OBI-0.98) > 1e-12 {
		t.Fatalf("surveillance OBI = %v, want 0.98", btc.OBI)
	}
	if snap.Risk.ActivePositions != 1 {
		t.Fatalf("risk.ActivePositions = %d, want 1", snap.Risk.ActivePositions)
	}
}

func TestReplayDeterminism(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC)
	replay := func(eng *Engine) {
		primeFlat(eng, "BTC", 60, 100)
		primeFlat(eng, "ETH", 60, 200)
		eng.onBook(strongBidBook("BTC"))
		eng.onBook(strongBidBook("ETH"))
		eng.onTrade(buyTick("BTC", 110, t0))                     // enters
		eng.onTrade(buyTick("ETH", 220, t0.Add(time.Second)))    // enters
		eng.onTrade(buyTick("BTC", 107, t0.Add(10*time.Second))) // stops out
		eng.onTrade(buyTick("ETH", 221, t0.Add(11*time.Second))) // keeps holding
	}

	a := newTestEngine(t, testEngineConfig())
	b := newTestEngine(t, testEngineConfig())
	replay(a)
	replay(b)

	apos, bpos := a.riskMgr.Positions(), b.riskMgr.Positions()
	if len(apos) != 1 || len(bpos) != 1 {
		t.Fatalf("open positions = %d/%d, want 1/1 (ETH only)", len(apos), len(bpos))
	}
	if apos[0].Symbol != bpos[0].Symbol ||
		apos[0].EntryPrice != bpos[0].EntryPrice ||
		apos[0].Quantity != bpos[0].Quantity {
		t.Fatalf("positions diverged: %+v vs %+v", apos[0], bpos[0])
	}

	as, bs := a.riskMgr.Stats(), b.riskMgr.Stats()
	if as.TotalTrades != bs.TotalTrades ||
		as.ConsecutiveLosses != bs.ConsecutiveLosses ||
		as.DailyPnL != bs.DailyPnL {
		t.Fatalf("risk stats diverged: %+v vs %+v", as, bs)
	}
	if len(a.events) != len(b.events) {
		t.Fatalf("event counts diverged: %d vs %d", len(a.events), len(b.events))
	}
}

func TestSentimentForwarding(t *testing.T) {
	t.Parallel()
	eng := newTestEngine(t, testEngineConfig())

	eng.SetSentiment("BTC", 0.8)
	if got := eng.ensemble.SentimentFor("BTC"); got != 0.8 {
		t.Fatalf("sentiment = %v, want 0.8", got)
	}
	if got := eng.ensemble.SentimentFor("ETH"); got != 0 {
		t.Fatalf("sentiment for other symbol = %v, want 0", got)
	}
}

func TestStopBeforeStartIsNoop(t *testing.T) {
	t.Parallel()
	eng := newTestEngine(t, testEngineConfig())

	if eng.Running() {
		t.Fatal("engine reports running before Start")
	}
	eng.Stop() // must not panic or block
	if eng.Running() {
		t.Fatal("engine reports running after Stop")
	}
}
