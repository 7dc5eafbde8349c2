// Package micro computes order-flow microstructure features per symbol.
//
// Three families of features feed the signal ensemble:
//
//   - OBI (order book imbalance): (ΣVbid − ΣVask)/(ΣVbid + ΣVask) over the
//     top levels, with an SMA over recent readings to separate persistent
//     pressure from noise.
//   - OFI (order flow imbalance, Cont–Kukanov–Stoikov): signed top-of-book
//     quantity deltas between consecutive book updates.
//   - VPIN (volume-synchronized probability of informed trading): trades
//     are grouped into fixed-count buckets; the normalized mean absolute
//     buy/sell volume gap over recent buckets approximates flow toxicity.
//     Amihud illiquidity (|return| per traded KRW) rides along as a
//     depth-of-market proxy.
//
// The analyzer is fed from the WebSocket dispatch goroutine and read from
// the entry path and the status API, so all state sits behind one mutex.
package micro

import (
	"log/slog"
	"math"
	"sync"

	"bithumb-scalper/internal/config"
	"bithumb-scalper/internal/rolling"
	"bithumb-scalper/pkg/types"
)

// Ring capacities. Rings hold more than the lookbacks need so thresholds
// can be tuned upward without touching storage.
const (
	obiRingSize    = 200
	ofiRingSize    = 200
	vpinRingSize   = 100
	amihudRingSize = 100

	amihudLookback = 20
	smaBand        = 0.1 // OBI must clear the SMA by this much for a strong flag
)

// OBISignal is the book-pressure reading for one symbol.
type OBISignal struct {
	OBI          float64
	OBISMA       float64
	OFI          float64
	Signal       float64 // OBI clamped to [-1, 1]
	IsStrongBuy  bool
	IsStrongSell bool
}

// VPINSignal is the flow-toxicity reading for one symbol.
type VPINSignal struct {
	VPIN     float64
	IsDanger bool
	Signal   float64 // -VPIN while dangerous, else 0
	Amihud   float64
}

// symbolState is the per-symbol feature state. All rings discard oldest.
type symbolState struct {
	obiHist    *rolling.Window
	currentOBI float64
	obiSMA     float64

	prevBidPrice float64
	prevBidQty   float64
	prevAskPrice float64
	prevAskQty   float64
	ofiHist      *rolling.Window
	currentOFI   float64

	bucketBuy   float64
	bucketSell  float64
	bucketCount int
	vpinBuckets *rolling.Window
	currentVPIN float64

	amihudHist    *rolling.Window
	currentAmihud float64

	lastPrice float64
}

// Analyzer maintains microstructure state for every traded symbol. States
// are created lazily on first update.
type Analyzer struct {
	mu     sync.Mutex
	cfg    config.MicroConfig
	states map[string]*symbolState
	logger *slog.Logger
}

// NewAnalyzer creates an empty analyzer.
func NewAnalyzer(cfg config.MicroConfig, logger *slog.Logger) *Analyzer {
	return &Analyzer{
		cfg:    cfg,
		states: make(map[string]*symbolState),
		logger: logger.With("component", "micro"),
	}
}

func (a *Analyzer) state(symbol string) *symbolState {
	st, ok := a.states[symbol]
	if !ok {
		st = &symbolState{
			obiHist:     rolling.NewWindow(obiRingSize),
			ofiHist:     rolling.NewWindow(ofiRingSize),
			vpinBuckets: rolling.NewWindow(vpinRingSize),
			amihudHist:  rolling.NewWindow(amihudRingSize),
		}
		a.states[symbol] = st
	}
	return st
}

// UpdateOrderBook ingests one depth update and returns the new OBI. Bids
// must be sorted descending and asks ascending (the gateway guarantees
// it). An empty side leaves all state untouched and returns 0.
func (a *Analyzer) UpdateOrderBook(symbol string, bids, asks []types.OrderBookLevel) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	depth := a.cfg.OBIDepthLevels
	if len(bids) < depth {
		depth = len(bids)
	}
	if len(asks) < depth {
		depth = len(asks)
	}
	if depth == 0 {
		return 0
	}

	var bidVol, askVol float64
	for i := 0; i < depth; i++ {
		bidVol += bids[i].Quantity
		askVol += asks[i].Quantity
	}

	obi := 0.0
	if total := bidVol + askVol; total > 0 {
		obi = (bidVol - askVol) / total
	}

	st := a.state(symbol)
	st.obiHist.Push(obi)
	st.currentOBI = obi
	if st.obiHist.Len() >= a.cfg.OBILookback {
		st.obiSMA = st.obiHist.MeanTail(a.cfg.OBILookback)
	}

	a.updateOFI(st, bids[0], asks[0])
	return obi
}

// updateOFI computes the Cont et al. top-of-book flow increment. The first
// update only seeds the previous quotes; there is no delta to measure yet.
func (a *Analyzer) updateOFI(st *symbolState, bestBid, bestAsk types.OrderBookLevel) {
	if st.prevBidPrice > 0 {
		var deltaBid float64
		switch {
		case bestBid.Price > st.prevBidPrice:
			deltaBid = bestBid.Quantity
		case bestBid.Price == st.prevBidPrice:
			deltaBid = bestBid.Quantity - st.prevBidQty
		default:
			deltaBid = -st.prevBidQty
		}

		var deltaAsk float64
		switch {
		case bestAsk.Price < st.prevAskPrice:
			deltaAsk = bestAsk.Quantity
		case bestAsk.Price == st.prevAskPrice:
			deltaAsk = bestAsk.Quantity - st.prevAskQty
		default:
			deltaAsk = -st.prevAskQty
		}

		ofi := deltaBid - deltaAsk
		st.ofiHist.Push(ofi)
		st.currentOFI = ofi
	}

	st.prevBidPrice, st.prevBidQty = bestBid.Price, bestBid.Quantity
	st.prevAskPrice, st.prevAskQty = bestAsk.Price, bestAsk.Quantity
}

// UpdateTrade ingests one executed trade and returns the current VPIN.
// Buy volume and sell volume accumulate into the open bucket; every
// VPINBucketSize trades the bucket closes into the ring. VPIN is defined
// once VPINNumBuckets buckets have closed.
func (a *Analyzer) UpdateTrade(symbol string, price, quantity float64, side types.Side) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := a.state(symbol)

	if side == types.BUY {
		st.bucketBuy += quantity
	} else {
		st.bucketSell += quantity
	}
	st.bucketCount++

	if st.bucketCount >= a.cfg.VPINBucketSize {
		st.vpinBuckets.Push(math.Abs(st.bucketBuy - st.bucketSell))
		st.bucketBuy, st.bucketSell, st.bucketCount = 0, 0, 0

		if st.vpinBuckets.Len() >= a.cfg.VPINNumBuckets {
			if max := st.vpinBuckets.MaxTail(a.cfg.VPINNumBuckets); max > 0 {
				st.currentVPIN = st.vpinBuckets.MeanTail(a.cfg.VPINNumBuckets) / max
			} else {
				st.currentVPIN = 0
			}
		}
	}

	if st.lastPrice > 0 && price > 0 && quantity > 0 {
		ret := math.Abs(price-st.lastPrice) / st.lastPrice
		st.amihudHist.Push(ret / (quantity * price))
		if st.amihudHist.Len() >= amihudLookback {
			st.currentAmihud = st.amihudHist.MeanTail(amihudLookback)
		}
	}
	st.lastPrice = price

	return st.currentVPIN
}

// OBISignal returns the book-pressure signal for one symbol. Unknown
// symbols return the zero signal.
func (a *Analyzer) OBISignal(symbol string) OBISignal {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.states[symbol]
	if !ok {
		return OBISignal{}
	}
	return OBISignal{
		OBI:          st.currentOBI,
		OBISMA:       st.obiSMA,
		OFI:          st.currentOFI,
		Signal:       clamp(st.currentOBI, -1, 1),
		IsStrongBuy:  st.currentOBI >= a.cfg.OBIThreshold && st.currentOBI > st.obiSMA+smaBand,
		IsStrongSell: st.currentOBI <= -a.cfg.OBIThreshold && st.currentOBI < st.obiSMA-smaBand,
	}
}

// VPINSignal returns the flow-toxicity signal for one symbol. The signal
// is only non-zero while VPIN breaches the danger threshold; the ensemble
// treats it as a pure veto input.
func (a *Analyzer) VPINSignal(symbol string) VPINSignal {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.states[symbol]
	if !ok {
		return VPINSignal{}
	}

	danger := st.currentVPIN >= a.cfg.VPINDangerThreshold
	sig := 0.0
	if danger {
		sig = -st.currentVPIN
	}
	return VPINSignal{
		VPIN:     st.currentVPIN,
		IsDanger: danger,
		Signal:   sig,
		Amihud:   st.currentAmihud,
	}
}

// LastPrice returns the most recent trade price for one symbol, 0 if no
// trade has been seen.
func (a *Analyzer) LastPrice(symbol string) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	if st, ok := a.states[symbol]; ok {
		return st.lastPrice
	}
	return 0
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
