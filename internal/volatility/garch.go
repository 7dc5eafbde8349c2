package volatility

import (
	"errors"
	"fmt"
	"math"
)

// GARCH(1,1) with Student-t innovations:
//
//	r_t = μ + ε_t,  ε_t = σ_t·z_t,  z_t ~ t_ν (unit variance)
//	σ²_t = ω + α·ε²_{t−1} + β·σ²_{t−1}
//
// Parameters are estimated by maximum likelihood over a transformed,
// unconstrained space (ω via exp, α+β squashed below 1 via a logistic,
// ν kept above 2 via exp) so a derivative-free simplex search stays
// inside the admissible region by construction. The search is started
// from method-of-moments values and is fully deterministic.

const (
	minFitSample   = 50    // returns required for a meaningful fit
	maxPersistence = 0.999 // hard cap on α+β, keeps σ² stationary
	minDoF         = 2.1   // Student-t needs ν>2 for finite variance
	varianceFloor  = 1e-12
)

// GARCHFitter implements Fitter with an in-process GARCH(1,1)-t MLE.
type GARCHFitter struct {
	maxIter int
}

// NewGARCHFitter returns a fitter with the default iteration budget.
func NewGARCHFitter() *GARCHFitter {
	return &GARCHFitter{maxIter: 400}
}

// Fit estimates the model on percent returns and reports the last
// in-sample conditional volatility plus the one-step-ahead forecast,
// both in percent units.
func (g *GARCHFitter) Fit(returnsPct []float64) (Estimate, error) {
	n := len(returnsPct)
	if n < minFitSample {
		return Estimate{}, fmt.Errorf("garch: %d returns, need at least %d", n, minFitSample)
	}

	mean, variance := moments(returnsPct)
	if variance <= 0 {
		return Estimate{}, errors.New("garch: zero return variance")
	}

	// Start at μ = sample mean, α+β = 0.9 split 1:8, ν = 8, with ω chosen
	// so the implied unconditional variance matches the sample variance.
	start := []float64{
		mean,
		math.Log(variance * (1 - 0.9)),
		logit(0.9 / maxPersistence),
		logit(1.0 / 9.0),
		math.Log(8 - minDoF),
	}

	objective := func(theta []float64) float64 {
		return garchNegLogLik(theta, returnsPct, variance)
	}
	best := nelderMead(objective, start, g.maxIter)

	mu, omega, alpha, beta, _ := decodeGARCH(best)

	// Replay the recursion with the fitted parameters. After the loop,
	// sigma2 holds the one-step-ahead forecast variance.
	sigma2 := variance
	var lastSigma2 float64
	for _, r := range returnsPct {
		if sigma2 < varianceFloor {
			sigma2 = varianceFloor
		}
		lastSigma2 = sigma2
		eps := r - mu
		sigma2 = omega + alpha*eps*eps + beta*sigma2
	}

	cond := math.Sqrt(lastSigma2)
	forecast := math.Sqrt(sigma2)
	if !isFinite(cond) || !isFinite(forecast) {
		return Estimate{}, errors.New("garch: fit diverged")
	}
	return Estimate{Conditional: cond, Forecast: forecast}, nil
}

// decodeGARCH maps the unconstrained parameter vector back to the model
// space: (μ, ω, α, β, ν).
func decodeGARCH(theta []float64) (mu, omega, alpha, beta, nu float64) {
	mu = theta[0]
	omega = math.Exp(theta[1])
	persistence := sigmoid(theta[2]) * maxPersistence
	alpha = persistence * sigmoid(theta[3])
	beta = persistence - alpha
	nu = minDoF + math.Exp(theta[4])
	return
}

// garchNegLogLik is the negative log-likelihood under standardized
// Student-t innovations, seeded with the sample variance.
func garchNegLogLik(theta, returns []float64, var0 float64) float64 {
	mu, omega, alpha, beta, nu := decodeGARCH(theta)

	lgNum, _ := math.Lgamma((nu + 1) / 2)
	lgDen, _ := math.Lgamma(nu / 2)
	constTerm := lgNum - lgDen - 0.5*math.Log(math.Pi*(nu-2))

	sigma2 := var0
	var ll float64
	for _, r := range returns {
		if sigma2 < varianceFloor {
			sigma2 = varianceFloor
		}
		eps := r - mu
		z2 := eps * eps / (sigma2 * (nu - 2))
		ll += constTerm - 0.5*math.Log(sigma2) - (nu+1)/2*math.Log(1+z2)
		sigma2 = omega + alpha*eps*eps + beta*sigma2
	}

	if !isFinite(ll) {
		return math.Inf(1)
	}
	return -ll
}

// nelderMead minimizes f starting from start using the standard simplex
// moves (reflect, expand, contract, shrink). Deterministic.
func nelderMead(f func([]float64) float64, start []float64, maxIter int) []float64 {
	const (
		reflectC  = 1.0
		expandC   = 2.0
		contractC = 0.5
		shrinkC   = 0.5
		initStep  = 0.25
		fTol      = 1e-10
	)

	n := len(start)
	simplex := make([][]float64, n+1)
	fv := make([]float64, n+1)
	for i := range simplex {
		p := append([]float64(nil), start...)
		if i > 0 {
			p[i-1] += initStep
		}
		simplex[i] = p
		fv[i] = f(p)
	}

	order := func() {
		for i := 1; i <= n; i++ {
			for j := i; j > 0 && fv[j] < fv[j-1]; j-- {
				fv[j], fv[j-1] = fv[j-1], fv[j]
				simplex[j], simplex[j-1] = simplex[j-1], simplex[j]
			}
		}
	}

	combine := func(a []float64, ca float64, b []float64, cb float64) []float64 {
		out := make([]float64, n)
		for i := range out {
			out[i] = ca*a[i] + cb*b[i]
		}
		return out
	}

	for iter := 0; iter < maxIter; iter++ {
		order()
		if math.Abs(fv[n]-fv[0]) < fTol {
			break
		}

		// Centroid of all points but the worst.
		centroid := make([]float64, n)
		for i := 0; i < n; i++ {
			for j := range centroid {
				centroid[j] += simplex[i][j] / float64(n)
			}
		}

		reflected := combine(centroid, 1+reflectC, simplex[n], -reflectC)
		fr := f(reflected)

		switch {
		case fr < fv[0]:
			expanded := combine(centroid, 1+expandC, simplex[n], -expandC)
			if fe := f(expanded); fe < fr {
				simplex[n], fv[n] = expanded, fe
			} else {
				simplex[n], fv[n] = reflected, fr
			}
		case fr < fv[n-1]:
			simplex[n], fv[n] = reflected, fr
		default:
			contracted := combine(centroid, 1-contractC, simplex[n], contractC)
			if fc := f(contracted); fc < fv[n] {
				simplex[n], fv[n] = contracted, fc
			} else {
				for i := 1; i <= n; i++ {
					simplex[i] = combine(simplex[0], 1-shrinkC, simplex[i], shrinkC)
					fv[i] = f(simplex[i])
				}
			}
		}
	}

	order()
	return simplex[0]
}

func moments(xs []float64) (mean, variance float64) {
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	for _, x := range xs {
		d := x - mean
		variance += d * d
	}
	variance /= float64(len(xs))
	return
}

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

func logit(p float64) float64 { return math.Log(p / (1 - p)) }

func isFinite(x float64) bool { return !math.IsNaN(x) && !math.IsInf(x, 0) }
