// Package funding polls a perpetual-futures venue for funding rates.
//
// The spot venue the bot trades on has no funding mechanism, so the perp
// funding rate serves as a positioning proxy: strongly positive funding
// means crowded longs, strongly negative means crowded shorts. Only symbols
// with an entry in the symbol map are polled; the rest simply contribute no
// funding input to the ensemble.
package funding

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"bithumb-scalper/internal/config"
)

// RateSink receives polled funding rates keyed by the local symbol.
type RateSink interface {
	SetFundingRate(symbol string, rate float64)
}

// premiumIndex is the slice of the venue's premium-index response we need.
// The rate arrives as a decimal string.
type premiumIndex struct {
	Symbol          string `json:"symbol"`
	LastFundingRate string `json:"lastFundingRate"`
	NextFundingTime int64  `json:"nextFundingTime"`
}

// Poller periodically fetches the funding rate for every traded symbol that
// has a perp mapping and pushes each rate into the sink.
type Poller struct {
	httpClient *resty.Client
	cfg        config.FundingConfig
	symbols    []string // local symbols with a perp mapping
	sink       RateSink
	logger     *slog.Logger

	mu    sync.RWMutex
	rates map[string]float64
	asOf  map[string]time.Time
}

// NewPoller creates a funding poller for the intersection of the traded
// symbols and the configured symbol map.
func NewPoller(cfg config.FundingConfig, tradingSymbols []string, sink RateSink, logger *slog.Logger) *Poller {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	var symbols []string
	for _, s := range tradingSymbols {
		if _, ok := cfg.SymbolMap[s]; ok {
			symbols = append(symbols, s)
		}
	}
	sort.Strings(symbols)

	return &Poller{
		httpClient: client,
		cfg:        cfg,
		symbols:    symbols,
		sink:       sink,
		logger:     logger.With("component", "funding"),
		rates:      make(map[string]float64),
		asOf:       make(map[string]time.Time),
	}
}

// Symbols returns the local symbols the poller covers.
func (p *Poller) Symbols() []string {
	out := make([]string, len(p.symbols))
	copy(out, p.symbols)
	return out
}

// Run starts the polling loop. Blocks until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	if len(p.symbols) == 0 {
		p.logger.Info("no symbols mapped to the perp venue, funding signal disabled")
		return
	}

	// Immediate poll on startup so the ensemble has a rate before the
	// first interval elapses.
	p.pollAll(ctx)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollAll(ctx)
		}
	}
}

func (p *Poller) pollAll(ctx context.Context) {
	for _, symbol := range p.symbols {
		if ctx.Err() != nil {
			return
		}

		rate, err := p.fetchRate(ctx, p.cfg.SymbolMap[symbol])
		if err != nil {
			// Keep the previous rate; a stale rate beats no rate.
			p.logger.Warn("funding poll failed", "symbol", symbol, "error", err)
			continue
		}

		p.mu.Lock()
		p.rates[symbol] = rate
		p.asOf[symbol] = time.Now()
		p.mu.Unlock()

		if p.sink != nil {
			p.sink.SetFundingRate(symbol, rate)
		}
		p.logger.Debug("funding rate updated", "symbol", symbol, "rate", rate)
	}
}

func (p *Poller) fetchRate(ctx context.Context, perpSymbol string) (float64, error) {
	var idx premiumIndex
	resp, err := p.httpClient.R().
		SetContext(ctx).
		SetQueryParam("symbol", perpSymbol).
		SetResult(&idx).
		Get("/fapi/v1/premiumIndex")
	if err != nil {
		return 0, fmt.Errorf("fetch premium index %s: %w", perpSymbol, err)
	}
	if resp.StatusCode() != 200 {
		return 0, fmt.Errorf("fetch premium index %s: status %d", perpSymbol, resp.StatusCode())
	}

	rate, err := strconv.ParseFloat(idx.LastFundingRate, 64)
	if err != nil {
		return 0, fmt.Errorf("parse funding rate %q: %w", idx.LastFundingRate, err)
	}
	return rate, nil
}

// Rate returns the last polled rate for a local symbol.
func (p *Poller) Rate(symbol string) (float64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rate, ok := p.rates[symbol]
	return rate, ok
}

// IsStale reports whether the cached rate for symbol is older than ttl.
// Symbols never polled are stale.
func (p *Poller) IsStale(symbol string, ttl time.Duration) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	at, ok := p.asOf[symbol]
	if !ok {
		return true
	}
	return time.Since(at) > ttl
}
