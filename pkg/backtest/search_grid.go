package backtest

import "github.com/rs/zerolog/log"

// GridSearch enumerates the Cartesian product of the discretized parameter
// ranges. The first declared parameter varies slowest.
type GridSearch struct {
	combinations []ParameterSet
	next         int
	incumbent
}

// NewGridSearch builds the grid. A positive budget smaller than the grid
// truncates it; a non-positive budget enumerates everything.
func NewGridSearch(space ParameterSpace, budget int) (*GridSearch, error) {
	if err := space.Validate(); err != nil {
		return nil, err
	}

	values := make([][]interface{}, len(space))
	total := 1
	for i, p := range space {
		v, err := p.gridValues()
		if err != nil {
			return nil, err
		}
		values[i] = v
		total *= len(v)
	}

	g := &GridSearch{combinations: make([]ParameterSet, 0, total)}
	g.generateCombinations(space, values, 0, ParameterSet{})

	if budget > 0 && budget < len(g.combinations) {
		log.Warn().
			Int("combinations", len(g.combinations)).
			Int("budget", budget).
			Msg("Grid larger than budget - truncating")
		g.combinations = g.combinations[:budget]
	}
	return g, nil
}

func (g *GridSearch) generateCombinations(space ParameterSpace, values [][]interface{}, paramIdx int, current ParameterSet) {
	if paramIdx >= len(space) {
		g.combinations = append(g.combinations, current.Clone())
		return
	}
	for _, v := range values[paramIdx] {
		current[space[paramIdx].Name] = v
		g.generateCombinations(space, values, paramIdx+1, current)
	}
	delete(current, space[paramIdx].Name)
}

// Size returns the number of grid points
func (g *GridSearch) Size() int { return len(g.combinations) }

// Propose returns the next grid point
func (g *GridSearch) Propose() (ParameterSet, bool) {
	if g.next >= len(g.combinations) {
		return nil, false
	}
	ps := g.combinations[g.next]
	g.next++
	return g.propose(ps), true
}

// Observe records the score of the last grid point
func (g *GridSearch) Observe(score float64, feasible bool) { g.observe(score, feasible) }

// Best returns the best grid point so far
func (g *GridSearch) Best() (ParameterSet, float64, bool) { return g.result() }
