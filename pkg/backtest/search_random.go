package backtest

import "math/rand"

// RandomSearch draws budget candidates uniformly from the space
type RandomSearch struct {
	space     ParameterSpace
	rng       *rand.Rand
	remaining int
	incumbent
}

// NewRandomSearch creates a seeded random searcher
func NewRandomSearch(space ParameterSpace, budget int, seed int64) (*RandomSearch, error) {
	if err := space.Validate(); err != nil {
		return nil, err
	}
	if budget <= 0 {
		return nil, invalidConfig("random search needs a positive budget, got %d", budget)
	}
	return &RandomSearch{
		space:     space,
		rng:       rand.New(rand.NewSource(seed)), // #nosec G404 -- Non-cryptographic use: reproducible parameter sampling
		remaining: budget,
	}, nil
}

// Propose draws the next candidate, parameters sampled in declaration order
func (r *RandomSearch) Propose() (ParameterSet, bool) {
	if r.remaining <= 0 {
		return nil, false
	}
	r.remaining--
	ps := make(ParameterSet, len(r.space))
	for _, p := range r.space {
		ps[p.Name] = p.sample(r.rng)
	}
	return r.propose(ps), true
}

// Observe records the score of the last draw
func (r *RandomSearch) Observe(score float64, feasible bool) { r.observe(score, feasible) }

// Best returns the best draw so far
func (r *RandomSearch) Best() (ParameterSet, float64, bool) { return r.result() }
