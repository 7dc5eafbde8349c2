package volatility

import (
	"math"
	"math/rand"
	"testing"
)

func TestGARCHFitterRejectsShortSample(t *testing.T) {
	t.Parallel()

	returns := make([]float64, minFitSample-1)
	for i := range returns {
		returns[i] = float64(i%3) - 1
	}
	if _, err := NewGARCHFitter().Fit(returns); err == nil {
		t.Fatal("expected error on short sample")
	}
}

func TestGARCHFitterRejectsZeroVariance(t *testing.T) {
	t.Parallel()

	returns := make([]float64, 200)
	for i := range returns {
		returns[i] = 0.5
	}
	if _, err := NewGARCHFitter().Fit(returns); err == nil {
		t.Fatal("expected error on constant returns")
	}
}

func TestGARCHFitterOnSyntheticSeries(t *testing.T) {
	t.Parallel()

	// Simulate the model itself: ω=0.05, α=0.10, β=0.85 gives an
	// unconditional variance of 1. A correct fit lands in the same
	// neighborhood; the wide band keeps the test robust to optimizer
	// precision.
	rng := rand.New(rand.NewSource(1))
	const omega, alpha, beta = 0.05, 0.10, 0.85

	sigma2 := omega / (1 - alpha - beta)
	returns := make([]float64, 500)
	for i := range returns {
		r := math.Sqrt(sigma2) * rng.NormFloat64()
		returns[i] = r
		sigma2 = omega + alpha*r*r + beta*sigma2
	}

	est, err := NewGARCHFitter().Fit(returns)
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if est.Conditional < 0.2 || est.Conditional > 5 {
		t.Fatalf("Conditional = %v, want near the unit unconditional vol", est.Conditional)
	}
	if est.Forecast < 0.2 || est.Forecast > 5 {
		t.Fatalf("Forecast = %v, want near the unit unconditional vol", est.Forecast)
	}
}

func TestGARCHFitterScalesWithVolatility(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(7))
	base := make([]float64, 300)
	for i := range base {
		base[i] = rng.NormFloat64()
	}

	calm := make([]float64, len(base))
	wild := make([]float64, len(base))
	for i, z := range base {
		calm[i] = 0.01 * z
		wild[i] = 1.0 * z
	}

	calmEst, err := NewGARCHFitter().Fit(calm)
	if err != nil {
		t.Fatalf("Fit(calm): %v", err)
	}
	wildEst, err := NewGARCHFitter().Fit(wild)
	if err != nil {
		t.Fatalf("Fit(wild): %v", err)
	}

	if wildEst.Forecast < 10*calmEst.Forecast {
		t.Fatalf("wild forecast %v not clearly above calm %v", wildEst.Forecast, calmEst.Forecast)
	}
}
