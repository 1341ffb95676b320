package backtest

import (
	"math"
	"math/rand"
)

const (
	bayesianPoolSize = 512
	bayesianXi       = 0.01
	localSpread      = 0.05
)

// BayesianSearch fits a Gaussian-process surrogate to the feasible
// observations and proposes the candidate with the highest expected
// improvement. The first max(3, budget/5) proposals are uniform random.
type BayesianSearch struct {
	space    ParameterSpace
	rng      *rand.Rand
	budget   int
	initial  int
	proposed int
	xs       [][]float64
	ys       []float64
	pending  []float64
	seen     map[string]bool
	incumbent
}

// NewBayesianSearch creates a seeded Bayesian searcher
func NewBayesianSearch(space ParameterSpace, budget int, seed int64) (*BayesianSearch, error) {
	if err := space.Validate(); err != nil {
		return nil, err
	}
	if budget <= 0 {
		return nil, invalidConfig("bayesian search needs a positive budget, got %d", budget)
	}
	return &BayesianSearch{
		space:   space,
		rng:     rand.New(rand.NewSource(seed)), // #nosec G404 -- Non-cryptographic use: reproducible candidate pool
		budget:  budget,
		initial: min(budget, max(3, budget/5)),
		seen:    make(map[string]bool),
	}, nil
}

// Propose returns a random design point during warm-up and the EI maximizer
// afterwards
func (b *BayesianSearch) Propose() (ParameterSet, bool) {
	if b.proposed >= b.budget {
		return nil, false
	}

	var ps ParameterSet
	if b.proposed >= b.initial && len(b.ys) >= 2 {
		ps = b.acquire()
	}
	if ps == nil {
		ps = make(ParameterSet, len(b.space))
		for _, p := range b.space {
			ps[p.Name] = p.sample(b.rng)
		}
	}

	b.proposed++
	b.pending = b.encode(ps)
	b.seen[ps.Key()] = true
	return b.propose(ps), true
}

// Observe adds a feasible, finite score to the surrogate's training set
func (b *BayesianSearch) Observe(score float64, feasible bool) {
	if b.pending != nil && feasible && !math.IsNaN(score) && !math.IsInf(score, 0) {
		b.xs = append(b.xs, b.pending)
		b.ys = append(b.ys, score)
	}
	b.pending = nil
	b.observe(score, feasible)
}

// Best returns the best observation so far
func (b *BayesianSearch) Best() (ParameterSet, float64, bool) { return b.result() }

func (b *BayesianSearch) encode(ps ParameterSet) []float64 {
	x := make([]float64, len(b.space))
	for i, p := range b.space {
		x[i] = p.encode(ps[p.Name])
	}
	return x
}

func (b *BayesianSearch) decode(x []float64) ParameterSet {
	ps := make(ParameterSet, len(b.space))
	for i, p := range b.space {
		ps[p.Name] = p.decode(x[i])
	}
	return ps
}

// acquire maximizes expected improvement over a pool of uniform candidates
// plus perturbations of the incumbent. Candidates are snapped to the
// parameter grid before scoring and already-proposed points are skipped.
func (b *BayesianSearch) acquire() ParameterSet {
	gp, err := fitGaussianProcess(b.xs, b.ys)
	if err != nil {
		return nil
	}

	bestIdx := 0
	for i, y := range b.ys {
		if y > b.ys[bestIdx] {
			bestIdx = i
		}
	}
	bestY := b.ys[bestIdx]
	center := b.xs[bestIdx]

	var (
		chosen ParameterSet
		bestEI = math.Inf(-1)
	)
	d := len(b.space)
	for k := 0; k < bayesianPoolSize; k++ {
		x := make([]float64, d)
		local := k%4 == 3
		for i := range x {
			if local {
				x[i] = math.Min(1, math.Max(0, center[i]+b.rng.NormFloat64()*localSpread))
			} else {
				x[i] = b.rng.Float64()
			}
		}

		ps := b.decode(x)
		if b.seen[ps.Key()] {
			continue
		}
		mu, sigma := gp.predict(b.encode(ps))
		if ei := expectedImprovement(mu, sigma, bestY, bayesianXi*gp.yScale); ei > bestEI {
			bestEI = ei
			chosen = ps
		}
	}
	return chosen
}
