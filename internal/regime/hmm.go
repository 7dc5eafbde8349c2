package regime

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// The regime model is a 3-state hidden Markov model over observation
// vectors (r, |r|), r being the log return: the signed component carries
// direction, the absolute one carries the volatility level, so bull and
// bear separate from churn even when their drifts are symmetric.
// Emissions are diagonal Gaussians fitted with scaled Baum-Welch EM from
// a deterministic tercile initialization; the current regime is the
// Viterbi state of the final observation, after ranking hidden states by
// descending mean return.

const (
	numStates  = 3
	minPrices  = 60
	minReturns = 30
	varFloor   = 1e-10
	probFloor  = 1e-300
)

// HMMFitter implements Fitter with an in-process Gaussian HMM.
type HMMFitter struct {
	maxIter int
	tol     float64
}

// NewHMMFitter returns a fitter with the default EM budget.
func NewHMMFitter() *HMMFitter {
	return &HMMFitter{maxIter: 100, tol: 1e-6}
}

type hmmParams struct {
	pi    [numStates]float64
	trans [numStates][numStates]float64
	mean  [numStates][2]float64
	vari  [numStates][2]float64
}

// Fit trains the model on the price history and returns the regime the
// series currently sits in.
func (h *HMMFitter) Fit(prices []float64) (State, error) {
	if len(prices) < minPrices {
		return Sideways, fmt.Errorf("hmm: %d prices, need at least %d", len(prices), minPrices)
	}
	returns := logReturns(prices)
	if len(returns) < minReturns {
		return Sideways, fmt.Errorf("hmm: %d usable returns, need at least %d", len(returns), minReturns)
	}
	if _, variance := meanVariance(returns); variance <= 0 {
		return Sideways, errors.New("hmm: zero return variance")
	}

	obs := make([][2]float64, len(returns))
	for i, r := range returns {
		obs[i] = [2]float64{r, math.Abs(r)}
	}

	p := initParams(returns, obs)
	prevLL := math.Inf(-1)
	for iter := 0; iter < h.maxIter; iter++ {
		gamma, xi, ll, err := forwardBackward(p, obs)
		if err != nil {
			return Sideways, err
		}
		maximize(p, obs, gamma, xi)
		if math.Abs(ll-prevLL) < h.tol {
			break
		}
		prevLL = ll
	}

	last, err := viterbiLast(p, obs)
	if err != nil {
		return Sideways, err
	}
	return canonicalState(p, last), nil
}

// logReturns converts prices to log returns, skipping non-positive
// prices rather than poisoning the series.
func logReturns(prices []float64) []float64 {
	out := make([]float64, 0, len(prices))
	prev := 0.0
	for _, price := range prices {
		if price > 0 && prev > 0 {
			out = append(out, math.Log(price/prev))
		}
		if price > 0 {
			prev = price
		}
	}
	return out
}

// initParams seeds the EM deterministically: returns are sorted and split
// into terciles, each tercile providing the moments of one hidden state.
func initParams(returns []float64, obs [][2]float64) *hmmParams {
	idx := make([]int, len(returns))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return returns[idx[a]] < returns[idx[b]] })

	third := len(idx) / 3
	groups := [numStates][]int{
		idx[2*third:],        // highest returns
		idx[third : 2*third], // middle
		idx[:third],          // lowest
	}

	p := &hmmParams{}
	for k, group := range groups {
		p.pi[k] = 1.0 / numStates
		for d := 0; d < 2; d++ {
			var mean float64
			for _, i := range group {
				mean += obs[i][d]
			}
			mean /= float64(len(group))

			var variance float64
			for _, i := range group {
				diff := obs[i][d] - mean
				variance += diff * diff
			}
			variance /= float64(len(group))
			if variance < varFloor {
				variance = varFloor
			}
			p.mean[k][d] = mean
			p.vari[k][d] = variance
		}
	}
	for i := 0; i < numStates; i++ {
		for j := 0; j < numStates; j++ {
			if i == j {
				p.trans[i][j] = 0.8
			} else {
				p.trans[i][j] = 0.1
			}
		}
	}
	return p
}

func (p *hmmParams) logEmission(k int, x [2]float64) float64 {
	ll := -math.Log(2 * math.Pi)
	for d := 0; d < 2; d++ {
		diff := x[d] - p.mean[k][d]
		ll -= 0.5*math.Log(p.vari[k][d]) + diff*diff/(2*p.vari[k][d])
	}
	return ll
}

func (p *hmmParams) emission(k int, x [2]float64) float64 {
	b := math.Exp(p.logEmission(k, x))
	if b < probFloor {
		b = probFloor
	}
	return b
}

// forwardBackward runs one scaled E-step and returns the per-time state
// responsibilities, the transition responsibilities, and the data
// log-likelihood.
func forwardBackward(p *hmmParams, obs [][2]float64) ([][numStates]float64, [][numStates][numStates]float64, float64, error) {
	T := len(obs)

	b := make([][numStates]float64, T)
	for t := 0; t < T; t++ {
		for k := 0; k < numStates; k++ {
			b[t][k] = p.emission(k, obs[t])
		}
	}

	alpha := make([][numStates]float64, T)
	scale := make([]float64, T)

	var norm float64
	for k := 0; k < numStates; k++ {
		alpha[0][k] = p.pi[k] * b[0][k]
		norm += alpha[0][k]
	}
	if norm <= 0 {
		return nil, nil, 0, errors.New("hmm: forward pass underflow")
	}
	scale[0] = norm
	for k := 0; k < numStates; k++ {
		alpha[0][k] /= norm
	}
	ll := math.Log(norm)

	for t := 1; t < T; t++ {
		norm = 0
		for j := 0; j < numStates; j++ {
			var s float64
			for i := 0; i < numStates; i++ {
				s += alpha[t-1][i] * p.trans[i][j]
			}
			alpha[t][j] = s * b[t][j]
			norm += alpha[t][j]
		}
		if norm <= 0 {
			return nil, nil, 0, errors.New("hmm: forward pass underflow")
		}
		scale[t] = norm
		for k := 0; k < numStates; k++ {
			alpha[t][k] /= norm
		}
		ll += math.Log(norm)
	}

	beta := make([][numStates]float64, T)
	for k := 0; k < numStates; k++ {
		beta[T-1][k] = 1
	}
	for t := T - 2; t >= 0; t-- {
		for i := 0; i < numStates; i++ {
			var s float64
			for j := 0; j < numStates; j++ {
				s += p.trans[i][j] * b[t+1][j] * beta[t+1][j]
			}
			beta[t][i] = s / scale[t+1]
		}
	}

	gamma := make([][numStates]float64, T)
	for t := 0; t < T; t++ {
		var s float64
		for k := 0; k < numStates; k++ {
			gamma[t][k] = alpha[t][k] * beta[t][k]
			s += gamma[t][k]
		}
		if s > 0 {
			for k := 0; k < numStates; k++ {
				gamma[t][k] /= s
			}
		}
	}

	xi := make([][numStates][numStates]float64, T-1)
	for t := 0; t < T-1; t++ {
		var s float64
		for i := 0; i < numStates; i++ {
			for j := 0; j < numStates; j++ {
				v := alpha[t][i] * p.trans[i][j] * b[t+1][j] * beta[t+1][j]
				xi[t][i][j] = v
				s += v
			}
		}
		if s > 0 {
			for i := 0; i < numStates; i++ {
				for j := 0; j < numStates; j++ {
					xi[t][i][j] /= s
				}
			}
		}
	}

	return gamma, xi, ll, nil
}

// maximize is the M-step: re-estimate priors, transitions and the
// diagonal Gaussian moments from the responsibilities.
func maximize(p *hmmParams, obs [][2]float64, gamma [][numStates]float64, xi [][numStates][numStates]float64) {
	T := len(obs)

	for k := 0; k < numStates; k++ {
		p.pi[k] = gamma[0][k]
	}

	for i := 0; i < numStates; i++ {
		var denom float64
		for t := 0; t < T-1; t++ {
			denom += gamma[t][i]
		}
		for j := 0; j < numStates; j++ {
			if denom <= 0 {
				p.trans[i][j] = 1.0 / numStates
				continue
			}
			var num float64
			for t := 0; t < T-1; t++ {
				num += xi[t][i][j]
			}
			p.trans[i][j] = num / denom
		}
	}

	for k := 0; k < numStates; k++ {
		var weight float64
		var mean [2]float64
		for t := 0; t < T; t++ {
			weight += gamma[t][k]
			for d := 0; d < 2; d++ {
				mean[d] += gamma[t][k] * obs[t][d]
			}
		}
		if weight <= 0 {
			continue
		}
		for d := 0; d < 2; d++ {
			mean[d] /= weight
		}

		var vari [2]float64
		for t := 0; t < T; t++ {
			for d := 0; d < 2; d++ {
				diff := obs[t][d] - mean[d]
				vari[d] += gamma[t][k] * diff * diff
			}
		}
		for d := 0; d < 2; d++ {
			v := vari[d] / weight
			if v < varFloor {
				v = varFloor
			}
			p.mean[k][d] = mean[d]
			p.vari[k][d] = v
		}
	}
}

// viterbiLast returns the most likely hidden state of the final
// observation. Only the last state matters, so no backtracking is kept.
func viterbiLast(p *hmmParams, obs [][2]float64) (int, error) {
	T := len(obs)

	var delta [numStates]float64
	for k := 0; k < numStates; k++ {
		pi := p.pi[k]
		if pi < probFloor {
			pi = probFloor
		}
		delta[k] = math.Log(pi) + p.logEmission(k, obs[0])
	}

	for t := 1; t < T; t++ {
		var next [numStates]float64
		for j := 0; j < numStates; j++ {
			best := math.Inf(-1)
			for i := 0; i < numStates; i++ {
				tr := p.trans[i][j]
				if tr < probFloor {
					tr = probFloor
				}
				if v := delta[i] + math.Log(tr); v > best {
					best = v
				}
			}
			next[j] = best + p.logEmission(j, obs[t])
		}
		delta = next
	}

	bestK, bestV := 0, math.Inf(-1)
	for k := 0; k < numStates; k++ {
		if delta[k] > bestV {
			bestK, bestV = k, delta[k]
		}
	}
	if math.IsNaN(bestV) || math.IsInf(bestV, -1) {
		return 0, errors.New("hmm: decode diverged")
	}
	return bestK, nil
}

// canonicalState maps a hidden state index to the canonical regime by
// ranking hidden states on mean return, highest first.
func canonicalState(p *hmmParams, hidden int) State {
	order := [numStates]int{0, 1, 2}
	sort.Slice(order[:], func(a, b int) bool {
		return p.mean[order[a]][0] > p.mean[order[b]][0]
	})
	for rank, k := range order {
		if k == hidden {
			return State(rank)
		}
	}
	return Sideways
}

func meanVariance(xs []float64) (mean, variance float64) {
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
