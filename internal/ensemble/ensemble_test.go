package ensemble

import (
	"io"
	"log/slog"
	"math"
	"testing"
	"time"
)

func newTestEnsemble() *Ensemble {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestFuseAllInputsPresent(t *testing.T) {
	t.Parallel()

	in := Inputs{
		OBI:        1,
		VPIN:       -0.2,
		Momentum:   0.5,
		Regime:     1,
		Sentiment:  0.5,
		Funding:    -0.5,
		Volatility: 0.5,
	}
	dec := Fuse(in)

	want := 0.30*1 + 0.15*(-0.2) + 0.15*0.5 + 0.15*1 + 0.10*0.5 + 0.10*(-0.5) + 0.05*0.5
	if math.Abs(dec.Score-want) > 1e-12 {
		t.Fatalf("Score = %v, want %v", dec.Score, want)
	}
	if dec.Action != ActionBuy {
		t.Fatalf("Action = %v, want buy", dec.Action)
	}
	// obi, momentum, regime, sentiment positive; funding negative.
	if math.Abs(dec.Confidence-0.8) > 1e-12 {
		t.Fatalf("Confidence = %v, want 0.8", dec.Confidence)
	}
	if dec.VPINWarning {
		t.Fatal("VPINWarning on mild vpin signal")
	}
}

func TestFuseRedistributesAbsentWeights(t *testing.T) {
	t.Parallel()

	// Sentiment and funding absent: their 0.20 spreads over the remaining
	// 0.80 (scale 1.25) so effective weights still sum to 1.
	dec := Fuse(Inputs{OBI: 1, Momentum: 0.5, Regime: 1})

	want := 1.25 * (0.30*1 + 0.15*0.5 + 0.15*1)
	if math.Abs(dec.Score-want) > 1e-12 {
		t.Fatalf("Score = %v, want %v", dec.Score, want)
	}
	if dec.Action != ActionBuy {
		t.Fatalf("Action = %v, want buy (score %v)", dec.Action, dec.Score)
	}
	if math.Abs(dec.Confidence-0.6) > 1e-12 {
		t.Fatalf("Confidence = %v, want 0.6", dec.Confidence)
	}
	if dec.VPINWarning {
		t.Fatal("VPINWarning without a vpin signal")
	}
}

func TestFuseEffectiveWeightsSumToOne(t *testing.T) {
	t.Parallel()

	// With every active input at 1 the score equals the effective weight
	// sum, which must stay 1 after redistribution.
	dec := Fuse(Inputs{OBI: 1, VPIN: 1, Momentum: 1, Regime: 1, Volatility: 1})
	if math.Abs(dec.Score-1) > 1e-9 {
		t.Fatalf("Score = %v, want 1", dec.Score)
	}
}

func TestFuseActions(t *testing.T) {
	t.Parallel()

	uniform := func(v float64) Inputs {
		return Inputs{OBI: v, VPIN: v, Momentum: v, Regime: v, Sentiment: v, Funding: v, Volatility: v}
	}

	tests := []struct {
		value float64
		want  Action
	}{
		{0.80, ActionStrongBuy},
		{0.55, ActionBuy},
		{0.10, ActionHold},
		{-0.10, ActionHold},
		{-0.45, ActionSell},
		{-0.80, ActionStrongSell},
	}
	for _, tt := range tests {
		if got := Fuse(uniform(tt.value)).Action; got != tt.want {
			t.Errorf("uniform(%v): Action = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestFuseVPINWarning(t *testing.T) {
	t.Parallel()

	tests := []struct {
		vpin string
		in   Inputs
		want bool
	}{
		{"-0.6", Inputs{VPIN: -0.6}, true},
		{"-0.5", Inputs{VPIN: -0.5}, false}, // warning is strictly below
		{"-0.4", Inputs{VPIN: -0.4}, false},
		{"0", Inputs{}, false},
	}
	for _, tt := range tests {
		if got := Fuse(tt.in).VPINWarning; got != tt.want {
			t.Errorf("vpin=%s: VPINWarning = %v, want %v", tt.vpin, got, tt.want)
		}
	}
}

func TestFuseConfidenceDeadBand(t *testing.T) {
	t.Parallel()

	// 0.1 sits inside the dead band; ±0.11 counts.
	dec := Fuse(Inputs{OBI: 0.1, Momentum: 0.11, Regime: -0.11})
	if math.Abs(dec.Confidence-0.2) > 1e-12 {
		t.Fatalf("Confidence = %v, want 0.2", dec.Confidence)
	}

	if got := Fuse(Inputs{OBI: 0.05}).Confidence; got != 0 {
		t.Fatalf("Confidence with all-neutral inputs = %v, want 0", got)
	}
}

func TestMomentumNeedsShortestWindow(t *testing.T) {
	t.Parallel()

	e := newTestEnsemble()

	closes := make([]float64, 59)
	for i := range closes {
		closes[i] = 100
	}
	e.Prime("BTC", closes)
	if got := e.Momentum("BTC"); got != 0 {
		t.Fatalf("Momentum with 59 samples = %v, want 0", got)
	}
	if got := e.Momentum("ETH"); got != 0 {
		t.Fatalf("Momentum for unknown symbol = %v, want 0", got)
	}
}

func TestMomentumSingleHorizon(t *testing.T) {
	t.Parallel()

	e := newTestEnsemble()

	// 60 samples: only the 1h horizon is live. 10% over the window is
	// amplified 10x and clipped to 1.
	closes := make([]float64, 60)
	for i := range closes {
		closes[i] = 100
	}
	closes[59] = 110
	e.Prime("BTC", closes)

	if got := e.Momentum("BTC"); math.Abs(got-1.0) > 1e-12 {
		t.Fatalf("Momentum = %v, want 1.0", got)
	}
}

func TestMomentumBlendsHorizons(t *testing.T) {
	t.Parallel()

	e := newTestEnsemble()

	// Flat at 100 with the newest at 101: both live horizons (1h, 4h) see
	// a 1% move, so the weighted mean is clip(0.1) on each = 0.1.
	closes := make([]float64, 240)
	for i := range closes {
		closes[i] = 100
	}
	closes[239] = 101
	e.Prime("BTC", closes)

	if got := e.Momentum("BTC"); math.Abs(got-0.1) > 1e-12 {
		t.Fatalf("Momentum = %v, want 0.1", got)
	}
}

func TestUpdatePriceSamplesPerMinute(t *testing.T) {
	t.Parallel()

	e := newTestEnsemble()
	base := time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)

	e.UpdatePrice("BTC", 100, base)
	e.UpdatePrice("BTC", 101, base.Add(20*time.Second)) // same minute: revise
	e.UpdatePrice("BTC", 0, base.Add(30*time.Second))   // ignored

	e.mu.RLock()
	s := e.series["BTC"]
	n := s.window.Len()
	newest, _ := s.window.FromEnd(0)
	e.mu.RUnlock()
	if n != 1 || newest != 101 {
		t.Fatalf("same-minute ticks: len=%d newest=%v, want 1/101", n, newest)
	}

	e.UpdatePrice("BTC", 102, base.Add(70*time.Second)) // next minute: append

	e.mu.RLock()
	n = s.window.Len()
	newest, _ = s.window.FromEnd(0)
	e.mu.RUnlock()
	if n != 2 || newest != 102 {
		t.Fatalf("minute rollover: len=%d newest=%v, want 2/102", n, newest)
	}
}

func TestPrimeThenLiveTicksAppend(t *testing.T) {
	t.Parallel()

	e := newTestEnsemble()

	closes := make([]float64, 100)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	e.Prime("BTC", closes)

	e.UpdatePrice("BTC", 500, time.Date(2024, 3, 15, 9, 30, 5, 0, time.UTC))

	e.mu.RLock()
	n := e.series["BTC"].window.Len()
	e.mu.RUnlock()
	if n != 101 {
		t.Fatalf("len after prime + live tick = %d, want 101", n)
	}
}

func TestSentimentSlot(t *testing.T) {
	t.Parallel()

	e := newTestEnsemble()

	e.SetSentiment("BTC", 0.8)
	if got := e.SentimentFor("BTC"); got != 0.8 {
		t.Fatalf("SentimentFor(BTC) = %v, want 0.8", got)
	}
	if got := e.SentimentFor("ETH"); got != 0 {
		t.Fatalf("SentimentFor(ETH) = %v, want 0", got)
	}

	// The slot holds one pair; a new write retargets it and clamps.
	e.SetSentiment("ETH", -2)
	if got := e.SentimentFor("ETH"); got != -1 {
		t.Fatalf("SentimentFor(ETH) after clamp = %v, want -1", got)
	}
	if got := e.SentimentFor("BTC"); got != 0 {
		t.Fatalf("SentimentFor(BTC) after retarget = %v, want 0", got)
	}

	symbol, score, at := e.Sentiment()
	if symbol != "ETH" || score != -1 || at.IsZero() {
		t.Fatalf("Sentiment() = (%q, %v, %v)", symbol, score, at)
	}
}

func TestFundingSignalThresholds(t *testing.T) {
	t.Parallel()

	e := newTestEnsemble()

	if got := e.FundingSignal("BTC"); got != 0 {
		t.Fatalf("FundingSignal before any poll = %v, want 0", got)
	}

	tests := []struct {
		rate float64
		want float64
	}{
		{0.004, -1.0},
		{0.002, -0.5},
		{0.001, 0}, // thresholds are strict
		{0.0005, 0},
		{-0.0005, 0},
		{-0.001, 0},
		{-0.002, 0.5},
		{-0.004, 1.0},
	}
	for _, tt := range tests {
		e.SetFundingRate("BTC", tt.rate)
		if got := e.FundingSignal("BTC"); got != tt.want {
			t.Errorf("rate %v: FundingSignal = %v, want %v", tt.rate, got, tt.want)
		}
	}

	if rate, ok := e.FundingRate("BTC"); !ok || rate != -0.004 {
		t.Fatalf("FundingRate = (%v, %v), want (-0.004, true)", rate, ok)
	}
}
