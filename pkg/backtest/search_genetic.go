package backtest

import (
	"math"
	"math/rand"
	"sort"
)

// GeneticSearch evolves a population of candidates. Each generation is
// proposed one individual at a time; once every individual has been
// observed the next generation is bred from tournament-selected parents.
type GeneticSearch struct {
	space          ParameterSpace
	rng            *rand.Rand
	budget         int
	proposed       int
	populationSize int
	mutationRate   float64
	eliteRatio     float64 // Share of the population carried over unchanged
	generation     int
	population     []ParameterSet
	scores         []float64
	cursor         int
	incumbent
}

// NewGeneticSearch creates a seeded genetic searcher spending budget
// evaluations in total
func NewGeneticSearch(space ParameterSpace, budget int, seed int64) (*GeneticSearch, error) {
	if err := space.Validate(); err != nil {
		return nil, err
	}
	if budget <= 0 {
		return nil, invalidConfig("genetic search needs a positive budget, got %d", budget)
	}
	g := &GeneticSearch{
		space:          space,
		rng:            rand.New(rand.NewSource(seed)), // #nosec G404 -- Non-cryptographic use: genetic algorithm needs reproducible randomness
		budget:         budget,
		populationSize: min(20, budget),
		mutationRate:   0.1,
		eliteRatio:     0.2, // Keep top 20%
	}
	g.population = g.initializePopulation()
	g.scores = make([]float64, len(g.population))
	return g, nil
}

// SetParameters configures the genetic algorithm. It must be called before
// the first proposal.
func (g *GeneticSearch) SetParameters(popSize int, mutRate, eliteRatio float64) {
	if popSize > 1 {
		g.populationSize = popSize
	}
	g.mutationRate = mutRate
	g.eliteRatio = eliteRatio
	g.population = g.initializePopulation()
	g.scores = make([]float64, len(g.population))
	g.cursor = 0
}

// Generation returns the zero-based index of the current generation
func (g *GeneticSearch) Generation() int { return g.generation }

// Propose returns the next individual, breeding a new generation when the
// current one is exhausted
func (g *GeneticSearch) Propose() (ParameterSet, bool) {
	if g.proposed >= g.budget {
		return nil, false
	}
	if g.cursor >= len(g.population) {
		g.evolve()
	}
	ps := g.population[g.cursor]
	g.cursor++
	g.proposed++
	return g.propose(ps), true
}

// Observe records the fitness of the last individual
func (g *GeneticSearch) Observe(score float64, feasible bool) {
	if g.cursor > 0 {
		if !feasible || math.IsNaN(score) {
			score = math.Inf(-1)
		}
		g.scores[g.cursor-1] = score
	}
	g.observe(score, feasible)
}

// Best returns the fittest individual observed so far
func (g *GeneticSearch) Best() (ParameterSet, float64, bool) { return g.result() }

// initializePopulation creates a random initial population
func (g *GeneticSearch) initializePopulation() []ParameterSet {
	population := make([]ParameterSet, g.populationSize)
	for i := range population {
		individual := make(ParameterSet, len(g.space))
		for _, param := range g.space {
			individual[param.Name] = param.sample(g.rng)
		}
		population[i] = individual
	}
	return population
}

type scoredIndividual struct {
	params ParameterSet
	score  float64
}

// evolve breeds the next generation from the observed one
func (g *GeneticSearch) evolve() {
	evaluated := make([]scoredIndividual, len(g.population))
	for i, ps := range g.population {
		evaluated[i] = scoredIndividual{params: ps, score: g.scores[i]}
	}
	sort.SliceStable(evaluated, func(i, j int) bool {
		return evaluated[i].score > evaluated[j].score
	})

	nextGen := make([]ParameterSet, 0, g.populationSize)

	// Keep elite
	eliteCount := int(float64(g.populationSize) * g.eliteRatio)
	for _, ind := range evaluated[:min(eliteCount, len(evaluated))] {
		nextGen = append(nextGen, ind.params.Clone())
	}

	// Crossover and mutation
	for len(nextGen) < g.populationSize {
		parent1 := g.selectParent(evaluated)
		parent2 := g.selectParent(evaluated)
		nextGen = append(nextGen, g.mutate(g.crossover(parent1.params, parent2.params)))
	}

	g.population = nextGen
	g.scores = make([]float64, len(nextGen))
	g.cursor = 0
	g.generation++
}

// selectParent selects a parent using tournament selection
func (g *GeneticSearch) selectParent(population []scoredIndividual) scoredIndividual {
	tournamentSize := 3
	best := population[g.rng.Intn(len(population))]

	for i := 1; i < tournamentSize; i++ {
		contestant := population[g.rng.Intn(len(population))]
		if contestant.score > best.score {
			best = contestant
		}
	}
	return best
}

// crossover performs uniform crossover
func (g *GeneticSearch) crossover(parent1, parent2 ParameterSet) ParameterSet {
	child := make(ParameterSet, len(g.space))
	for _, param := range g.space {
		if g.rng.Float64() < 0.5 {
			child[param.Name] = parent1[param.Name]
		} else {
			child[param.Name] = parent2[param.Name]
		}
	}
	return child
}

// mutate resamples each gene with probability mutationRate
func (g *GeneticSearch) mutate(individual ParameterSet) ParameterSet {
	for _, param := range g.space {
		if g.rng.Float64() < g.mutationRate {
			individual[param.Name] = param.sample(g.rng)
		}
	}
	return individual
}
