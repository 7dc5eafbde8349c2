// Package engine is the central orchestrator of the scalper bot.
//
// It wires together all subsystems:
//
//  1. The WebSocket feed delivers depth updates and executed trades.
//  2. Depth updates refresh the microstructure analyzer (OBI/OFI).
//  3. Each trade tick updates, in order: microstructure (VPIN/Amihud),
//     the volatility model, the regime detector and the minute price
//     series — then the engine evaluates an exit for any open position
//     and finally an entry.
//  4. Entries pass through the signal ensemble and the risk manager; the
//     order itself goes out as a market bid over signed REST.
//  5. Auxiliary loops poll perp funding rates and run the daily reset.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alitto/pond"
	"github.com/shopspring/decimal"

	"bithumb-scalper/internal/api"
	"bithumb-scalper/internal/config"
	"bithumb-scalper/internal/ensemble"
	"bithumb-scalper/internal/exchange"
	"bithumb-scalper/internal/funding"
	"bithumb-scalper/internal/metrics"
	"bithumb-scalper/internal/micro"
	"bithumb-scalper/internal/notify"
	"bithumb-scalper/internal/regime"
	"bithumb-scalper/internal/risk"
	"bithumb-scalper/internal/volatility"
	"bithumb-scalper/pkg/types"
)

const (
	heartbeatInterval = 30 * time.Second

	// Entry sizing: strong conviction takes the full risk-approved amount,
	// plain buys take half.
	strongBuyFraction = 1.0
	buyFraction       = 0.5

	// bootstrapPrime is how many of the freshest 1m closes seed the
	// volatility and regime models on startup. The momentum series takes
	// up to a day (1440 closes).
	bootstrapPrime   = 100
	bootstrapMinutes = 1440
)

// Engine owns every component and all background goroutines.
type Engine struct {
	cfg      config.Config
	client   *exchange.Client
	feed     *exchange.WSFeed
	micro    *micro.Analyzer
	vol      *volatility.Model
	regime   *regime.Detector
	ensemble *ensemble.Ensemble
	riskMgr  *risk.Manager
	funding  *funding.Poller
	notifier *notify.Manager
	pool     *pond.WorkerPool
	logger   *slog.Logger

	// entryLocks serializes the entry decision plus order placement per
	// symbol, so bursty tick streams cannot double-buy. Fixed at New.
	entryLocks map[string]*sync.Mutex

	hbMu          sync.Mutex
	tickCount     int
	lastHeartbeat time.Time

	// events feeds the status API's SSE stream. Nil when the dashboard is
	// disabled; sends never block.
	events chan api.Event

	running bool
	runMu   sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates and wires all engine components.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	auth := exchange.NewAuth(cfg.API.ApiKey, cfg.API.ApiSecret)
	client := exchange.NewClient(cfg, auth, logger)
	feed := exchange.NewWSFeed(cfg.API.WSURL, cfg.Trading.Symbols, logger)

	// Shared pool for the GARCH/HMM refits. Two workers are plenty: at
	// most one fit per model is in flight and fits run for seconds.
	pool := pond.New(2, 16,
		pond.MinWorkers(1),
		pond.IdleTimeout(time.Minute),
		pond.Strategy(pond.Balanced()),
		pond.PanicHandler(func(p interface{}) {
			logger.Error("model refit panicked", "panic", p)
		}),
	)

	notifier := notify.NewManager(logger)
	if tg := notify.NewTelegram(cfg.Notify.TelegramBotToken, cfg.Notify.TelegramChatID); tg.Enabled() {
		notifier.AddChannel(tg)
	}

	ens := ensemble.New(logger)

	e := &Engine{
		cfg:           cfg,
		client:        client,
		feed:          feed,
		micro:         micro.NewAnalyzer(cfg.Micro, logger),
		vol:           volatility.NewModel(cfg.Volatility, volatility.NewGARCHFitter(), pool, logger),
		regime:        regime.NewDetector(cfg.Regime, regime.NewHMMFitter(), pool, logger),
		ensemble:      ens,
		riskMgr:       risk.NewManager(cfg.Risk, cfg.Trading.MaxTotalCapitalKRW, notifier, logger),
		funding:       funding.NewPoller(cfg.Funding, cfg.Trading.Symbols, ens, logger),
		notifier:      notifier,
		pool:          pool,
		logger:        logger.With("component", "engine"),
		entryLocks:    make(map[string]*sync.Mutex, len(cfg.Trading.Symbols)),
		lastHeartbeat: time.Now(),
	}
	for _, s := range cfg.Trading.Symbols {
		e.entryLocks[s] = &sync.Mutex{}
	}
	if cfg.Dashboard.Enabled {
		e.events = make(chan api.Event, 256)
	}

	feed.OnBook(e.onBook)
	feed.OnTrade(e.onTrade)

	return e, nil
}

// Start primes the models from historical candles and launches the
// background goroutines: WS feed, funding poller and daily-reset loop.
func (e *Engine) Start() error {
	e.runMu.Lock()
	if e.running {
		e.runMu.Unlock()
		return nil
	}
	e.running = true
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.runMu.Unlock()

	e.bootstrap(e.ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.feed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("websocket feed stopped", "error", err)
			e.notifier.EmergencyStop("market data feed stopped: " + err.Error())
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.funding.Run(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.dailyResetLoop(e.ctx)
	}()

	e.notifier.EngineStarted(e.cfg.Trading.Symbols, e.cfg.DryRun)
	e.logger.Info("engine started",
		"symbols", e.cfg.Trading.Symbols,
		"capital_krw", e.cfg.Trading.MaxTotalCapitalKRW,
		"dry_run", e.cfg.DryRun,
	)
	return nil
}

// Stop shuts the engine down: cancels all loops, closes the feed, joins
// the goroutines and drains the refit pool. Position state is in-memory
// only; coins bought before shutdown stay in the exchange account and
// the next run starts flat.
func (e *Engine) Stop() {
	e.runMu.Lock()
	if !e.running {
		e.runMu.Unlock()
		return
	}
	e.running = false
	e.runMu.Unlock()

	e.logger.Info("shutting down...")
	e.cancel()
	e.feed.Close()
	e.wg.Wait()
	e.pool.StopAndWait()

	if e.events != nil {
		close(e.events)
	}

	e.notifier.EngineStopped()
	e.logger.Info("shutdown complete")
}

// Running reports whether Start has been called and Stop has not.
func (e *Engine) Running() bool {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	return e.running
}

// tracked reports whether the symbol is in the configured trading set.
func (e *Engine) tracked(symbol string) bool {
	_, ok := e.entryLocks[symbol]
	return ok
}

// onBook handles one depth update: refresh OBI/OFI and emit the periodic
// heartbeat. Runs on the feed's read goroutine, so it must return fast.
func (e *Engine) onBook(update types.OrderBookUpdate) error {
	if !e.tracked(update.Symbol) {
		return nil
	}

	e.micro.UpdateOrderBook(update.Symbol, update.Bids, update.Asks)
	e.heartbeat()
	return nil
}

// onTrade handles one executed trade: update every model in tick order,
// then evaluate exit before entry so a stop can never be shadowed by a
// same-tick buy.
func (e *Engine) onTrade(tick types.TradeTick) error {
	if !e.tracked(tick.Symbol) {
		return nil
	}

	vpin := e.micro.UpdateTrade(tick.Symbol, tick.Price, tick.Quantity, tick.Side)
	metrics.SetVPIN(tick.Symbol, vpin)

	e.vol.UpdatePrice(tick.Price)
	e.regime.UpdatePrice(tick.Price)
	e.ensemble.UpdatePrice(tick.Symbol, tick.Price, tick.Timestamp)

	e.checkExit(tick.Symbol, tick.Price)
	e.checkEntry(tick.Symbol, tick.Price)
	return nil
}

// heartbeat logs a liveness line roughly every 30 s of book traffic.
func (e *Engine) heartbeat() {
	e.hbMu.Lock()
	e.tickCount++
	if time.Since(e.lastHeartbeat) < heartbeatInterval {
		e.hbMu.Unlock()
		return
	}
	ticks := e.tickCount
	e.tickCount = 0
	e.lastHeartbeat = time.Now()
	e.hbMu.Unlock()

	stats := e.riskMgr.Stats()
	e.logger.Info("engine alive",
		"ticks", ticks,
		"positions", stats.ActivePositions,
		"regime", e.regime.Current().String(),
		"realized_vol", e.vol.RealizedVol(),
		"ws_connected", e.feed.Connected(),
	)
}

// checkEntry evaluates the ensemble for symbol and, when every gate
// passes, buys at market. The per-symbol lock spans the whole decision
// including order placement: at most one in-flight buy per symbol.
func (e *Engine) checkEntry(symbol string, price float64) {
	lock := e.entryLocks[symbol]
	lock.Lock()
	defer lock.Unlock()

	if _, held := e.riskMgr.Position(symbol); held {
		return
	}

	obiSig := e.micro.OBISignal(symbol)
	vpinSig := e.micro.VPINSignal(symbol)
	regimeParams := e.regime.Params()

	in := ensemble.Inputs{
		OBI:        obiSig.Signal,
		VPIN:       vpinSig.Signal,
		Momentum:   e.ensemble.Momentum(symbol),
		Regime:     e.regime.Signal(),
		Sentiment:  e.ensemble.SentimentFor(symbol),
		Funding:    e.ensemble.FundingSignal(symbol),
		Volatility: e.vol.Signal(),
	}
	dec := ensemble.Fuse(in)

	metrics.IncDecision(symbol, string(dec.Action))
	metrics.SetFusedScore(symbol, dec.Score)

	if dec.VPINWarning {
		e.logger.Debug("entry vetoed by vpin", "symbol", symbol, "vpin", vpinSig.VPIN)
		return
	}
	if dec.Action != ensemble.ActionBuy && dec.Action != ensemble.ActionStrongBuy {
		return
	}

	e.emitEvent(api.NewDecisionEvent(symbol, dec))

	cash := e.availableCash(symbol)
	ok, reason, maxAmount := e.riskMgr.CanEnter(symbol, cash, regimeParams.CashRatio)
	if !ok {
		e.logger.Debug("entry denied", "symbol", symbol, "reason", reason)
		return
	}

	amount := maxAmount * regimeParams.KellyMult
	if dec.Action == ensemble.ActionStrongBuy {
		amount *= strongBuyFraction
	} else {
		amount *= buyFraction
	}
	quantity := amount / price
	if quantity <= 0 {
		return
	}

	e.logger.Info("buy signal",
		"symbol", symbol,
		"score", dec.Score,
		"action", dec.Action,
		"confidence", dec.Confidence,
		"amount_krw", amount,
		"obi", in.OBI,
		"vpin", in.VPIN,
		"momentum", in.Momentum,
		"regime", in.Regime,
		"sentiment", in.Sentiment,
		"funding", in.Funding,
		"volatility", in.Volatility,
	)

	res, err := e.client.PlaceOrder(e.ctx, exchange.OrderRequest{
		Symbol:   symbol,
		Side:     types.Bid,
		Type:     types.OrderTypeMarket,
		Quantity: decimal.NewFromFloat(quantity),
	})
	if err != nil {
		e.logger.Error("buy order failed", "symbol", symbol, "error", err)
		return
	}
	metrics.IncOrder(e.orderMode(), "bid")
	if !res.OK() {
		e.logger.Error("buy order rejected",
			"symbol", symbol, "status", res.Status, "message", res.Message)
		return
	}

	e.riskMgr.Register(symbol, price, quantity)
	e.notifier.PositionOpened(symbol, price, quantity, amount)
	e.emitEvent(api.NewPositionOpenedEvent(symbol, price, quantity, amount))
}

// checkExit runs the stop rules for an open position and sells the whole
// position at market when one fires.
func (e *Engine) checkExit(symbol string, price float64) {
	pos, held := e.riskMgr.Position(symbol)
	if !held {
		return
	}

	sig, fired := e.riskMgr.EvaluateExit(symbol, price, e.vol.RealizedVol(), e.regime.Params().TrailingMult)
	if !fired {
		return
	}

	e.logger.Warn("exit triggered",
		"symbol", symbol,
		"reason", sig.Action,
		"price", price,
		"pnl_pct", sig.PnLPct,
		"stop_price", sig.StopPrice,
		"trailing_stop", sig.TrailingStop,
	)

	res, err := e.client.PlaceOrder(e.ctx, exchange.OrderRequest{
		Symbol:   symbol,
		Side:     types.Ask,
		Type:     types.OrderTypeMarket,
		Quantity: decimal.NewFromFloat(pos.Quantity),
	})
	if err != nil {
		e.logger.Error("sell order failed", "symbol", symbol, "error", err)
		return
	}
	metrics.IncOrder(e.orderMode(), "ask")
	if !res.OK() {
		e.logger.Error("sell order rejected",
			"symbol", symbol, "status", res.Status, "message", res.Message)
		return
	}

	rec, closed := e.riskMgr.Close(symbol, price, sig.Action)
	if !closed {
		return
	}
	metrics.IncExit(string(sig.Action))
	e.notifier.PositionClosed(symbol, price, rec.PnL, rec.PnLPct, string(sig.Action))
	e.emitEvent(api.NewPositionClosedEvent(rec))
}

// availableCash returns the spendable KRW for a new entry. Live mode
// asks the venue; dry-run mode books against the configured capital
// minus the notional already parked in open positions.
func (e *Engine) availableCash(symbol string) float64 {
	if e.cfg.DryRun {
		cash := e.cfg.Trading.MaxTotalCapitalKRW
		for _, pos := range e.riskMgr.Positions() {
			cash -= pos.EntryPrice * pos.Quantity
		}
		if cash < 0 {
			cash = 0
		}
		metrics.SetEquity(e.cfg.Trading.MaxTotalCapitalKRW)
		return cash
	}

	bal, err := e.client.Balance(e.ctx, symbol)
	if err != nil {
		e.logger.Error("balance query failed", "symbol", symbol, "error", err)
		return 0
	}

	equity := bal.AvailableKRW
	for _, pos := range e.riskMgr.Positions() {
		equity += pos.EntryPrice * pos.Quantity
	}
	metrics.SetEquity(equity)
	return bal.AvailableKRW
}

// orderMode labels order metrics.
func (e *Engine) orderMode() string {
	if e.cfg.DryRun {
		return "dry"
	}
	return "live"
}

// bootstrap primes the momentum series and the volatility/regime models
// from 1m candles so signals are live within minutes of startup instead
// of hours. Failures are logged and skipped: the models fill from the
// tick stream eventually either way.
func (e *Engine) bootstrap(ctx context.Context) {
	e.logger.Info("bootstrapping models from historical candles")

	for _, symbol := range e.cfg.Trading.Symbols {
		candles, err := e.client.Candlestick(ctx, symbol, "1m")
		if err != nil {
			e.logger.Warn("bootstrap candles failed", "symbol", symbol, "error", err)
			continue
		}
		if len(candles) == 0 {
			continue
		}

		closes := make([]float64, 0, len(candles))
		for _, c := range candles {
			if c.Close > 0 {
				closes = append(closes, c.Close)
			}
		}
		if len(closes) == 0 {
			continue
		}

		minute := closes
		if len(minute) > bootstrapMinutes {
			minute = minute[len(minute)-bootstrapMinutes:]
		}
		e.ensemble.Prime(symbol, minute)

		prime := closes
		if len(prime) > bootstrapPrime {
			prime = prime[len(prime)-bootstrapPrime:]
		}
		for _, p := range prime {
			e.vol.UpdatePrice(p)
			e.regime.UpdatePrice(p)
		}

		e.logger.Info("bootstrapped", "symbol", symbol, "closes", len(closes))
	}
}

// dailyResetLoop fires the risk manager's daily reset at every UTC
// midnight and sends the day's report.
func (e *Engine) dailyResetLoop(ctx context.Context) {
	for {
		now := time.Now().UTC()
		next := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
		timer := time.NewTimer(next.Sub(now))

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			summary := e.riskMgr.DailyReset()
			e.notifier.DailyReport(summary.PnL, summary.PnLPct,
				summary.Trades, summary.Wins, summary.Losses, summary.CVaR95)
			e.emitEvent(api.NewDailyResetEvent(summary))
		}
	}
}

// emitEvent pushes an event to the SSE hub without ever blocking the
// trading path. Events are dropped when the dashboard is disabled or the
// queue is full.
func (e *Engine) emitEvent(evt api.Event) {
	if e.events == nil {
		return
	}
	select {
	case e.events <- evt:
	default:
	}
}

// Events returns the dashboard event stream (nil when disabled).
func (e *Engine) Events() <-chan api.Event {
	return e.events
}

// SetSentiment forwards a webhook score into the signal ensemble.
func (e *Engine) SetSentiment(symbol string, score float64) {
	e.ensemble.SetSentiment(symbol, score)
}

// Status assembles the snapshot served by GET /api/status.
func (e *Engine) Status() api.StatusSnapshot {
	positions := e.riskMgr.Positions()
	posStatus := make([]api.PositionStatus, 0, len(positions))
	for _, pos := range positions {
		current := e.micro.LastPrice(pos.Symbol)
		posStatus = append(posStatus, api.PositionStatus{
			Symbol:         pos.Symbol,
			EntryPrice:     pos.EntryPrice,
			CurrentPrice:   current,
			Quantity:       pos.Quantity,
			PnLPct:         pos.UnrealizedPnLPct(current),
			HighestPrice:   pos.HighestPrice,
			TrailingActive: pos.TrailingActive,
			EntryTime:      pos.EntryTime,
		})
	}

	surveillance := make([]api.SurveillanceRow, 0, len(e.cfg.Trading.Symbols))
	for _, symbol := range e.cfg.Trading.Symbols {
		obi := e.micro.OBISignal(symbol)
		vpin := e.micro.VPINSignal(symbol)
		surveillance = append(surveillance, api.SurveillanceRow{
			Symbol: symbol,
			Price:  e.micro.LastPrice(symbol),
			OBI:    obi.OBI,
			OFI:    obi.OFI,
			VPIN:   vpin.VPIN,
			Amihud: vpin.Amihud,
		})
	}

	return api.StatusSnapshot{
		Timestamp:    time.Now().UTC(),
		EngineActive: e.Running() && e.feed.Connected(),
		DryRun:       e.cfg.DryRun,
		Regime:       e.regime.Current().String(),
		RealizedVol:  e.vol.RealizedVol(),
		GARCHVol:     e.vol.GARCHVol(),
		Positions:    posStatus,
		Surveillance: surveillance,
		Risk:         e.riskMgr.Stats(),
	}
}
