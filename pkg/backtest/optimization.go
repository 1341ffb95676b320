// Parameter optimization for walk-forward folds
package backtest

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ============================================================================
// OBJECTIVE FUNCTIONS
// ============================================================================

// ObjectiveFunction calculates a fitness score from metrics. Higher is better.
type ObjectiveFunction func(*Metrics) float64

// Objective is a named objective function
type Objective struct {
	Name string
	Fn   ObjectiveFunction
}

// Score applies the objective to m
func (o Objective) Score(m *Metrics) float64 { return o.Fn(m) }

const maxProfitFactorScore = 1000

// Predefined objective functions
var (
	// MaximizeSharpeRatio optimizes for risk-adjusted returns
	MaximizeSharpeRatio ObjectiveFunction = func(m *Metrics) float64 {
		return m.SharpeRatio
	}

	// MaximizeNetProfit optimizes for currency profit net of commission and slippage
	MaximizeNetProfit ObjectiveFunction = func(m *Metrics) float64 {
		return m.NetProfit
	}

	// MaximizeSortinoRatio optimizes for downside risk-adjusted returns
	MaximizeSortinoRatio ObjectiveFunction = func(m *Metrics) float64 {
		return m.SortinoRatio
	}

	// MaximizeCalmarRatio optimizes for return/max drawdown
	MaximizeCalmarRatio ObjectiveFunction = func(m *Metrics) float64 {
		return m.CalmarRatio
	}

	// MaximizeTotalReturn optimizes for absolute returns
	MaximizeTotalReturn ObjectiveFunction = func(m *Metrics) float64 {
		return m.TotalReturn
	}

	// MaximizeProfitFactor optimizes for profit/loss ratio. A record without
	// losing trades scores maxProfitFactorScore so scores stay finite.
	MaximizeProfitFactor ObjectiveFunction = func(m *Metrics) float64 {
		if m.ProfitFactorInfinite || math.IsInf(m.ProfitFactor, 1) {
			return maxProfitFactorScore
		}
		return m.ProfitFactor
	}

	// MaximizeWinRate optimizes for the share of winning trades
	MaximizeWinRate ObjectiveFunction = func(m *Metrics) float64 {
		return m.WinRate
	}

	// MinimizeDrawdown optimizes for low drawdown
	MinimizeDrawdown ObjectiveFunction = func(m *Metrics) float64 {
		return -m.MaxDrawdown // Negative because we minimize
	}

	// BalancedObjective combines multiple metrics
	BalancedObjective ObjectiveFunction = func(m *Metrics) float64 {
		// Weighted combination: 40% Sharpe, 30% Win Rate, 30% Calmar
		sharpe := math.Max(0, m.SharpeRatio)
		calmar := math.Max(0, m.CalmarRatio)
		return 0.4*sharpe + 0.3*m.WinRate + 0.3*calmar
	}
)

var objectives = map[string]ObjectiveFunction{
	"sharpe":        MaximizeSharpeRatio,
	"net_profit":    MaximizeNetProfit,
	"total_return":  MaximizeTotalReturn,
	"profit_factor": MaximizeProfitFactor,
	"win_rate":      MaximizeWinRate,
	"sortino":       MaximizeSortinoRatio,
	"calmar":        MaximizeCalmarRatio,
	"min_drawdown":  MinimizeDrawdown,
	"balanced":      BalancedObjective,
}

// ObjectiveByName looks up a predefined objective
func ObjectiveByName(name string) (Objective, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	fn, ok := objectives[key]
	if !ok {
		return Objective{}, invalidConfig("unknown objective %q (known: %s)", name, strings.Join(ObjectiveNames(), ", "))
	}
	return Objective{Name: key, Fn: fn}, nil
}

// ObjectiveNames lists the predefined objectives
func ObjectiveNames() []string {
	names := make([]string, 0, len(objectives))
	for name := range objectives {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ============================================================================
// SEARCHER CAPABILITY
// ============================================================================

// Searcher proposes candidate parameter sets and learns from their scores.
// Propose and Observe alternate: every proposal is followed by exactly one
// observation before the next proposal.
type Searcher interface {
	// Propose returns the next candidate, or false when the search is exhausted
	Propose() (ParameterSet, bool)
	// Observe reports the score of the last proposal
	Observe(score float64, feasible bool)
	// Best returns the best feasible candidate observed so far
	Best() (ParameterSet, float64, bool)
}

// SearcherKind names a Searcher implementation
type SearcherKind string

const (
	SearcherGrid     SearcherKind = "grid"
	SearcherRandom   SearcherKind = "random"
	SearcherBayesian SearcherKind = "bayesian"
	SearcherGenetic  SearcherKind = "genetic"
)

// SearcherFactory builds a fresh Searcher for one optimization
type SearcherFactory func(space ParameterSpace, budget int, seed int64) (Searcher, error)

// NewSearcherFactory returns the factory for kind
func NewSearcherFactory(kind SearcherKind) (SearcherFactory, error) {
	switch kind {
	case SearcherGrid:
		return func(space ParameterSpace, budget int, _ int64) (Searcher, error) {
			return NewGridSearch(space, budget)
		}, nil
	case SearcherRandom:
		return func(space ParameterSpace, budget int, seed int64) (Searcher, error) {
			return NewRandomSearch(space, budget, seed)
		}, nil
	case SearcherBayesian:
		return func(space ParameterSpace, budget int, seed int64) (Searcher, error) {
			return NewBayesianSearch(space, budget, seed)
		}, nil
	case SearcherGenetic:
		return func(space ParameterSpace, budget int, seed int64) (Searcher, error) {
			return NewGeneticSearch(space, budget, seed)
		}, nil
	}
	return nil, invalidConfig("unknown optimizer kind %q", kind)
}

// incumbent tracks the best feasible observation. Only a strictly greater
// score replaces it, so ties keep the earliest proposal.
type incumbent struct {
	pending  ParameterSet
	proposed int
	best     ParameterSet
	score    float64
	index    int
	found    bool
}

func (c *incumbent) propose(ps ParameterSet) ParameterSet {
	c.pending = ps
	c.proposed++
	return ps.Clone()
}

func (c *incumbent) observe(score float64, feasible bool) {
	if c.pending == nil {
		return
	}
	if feasible && !math.IsNaN(score) && (!c.found || score > c.score) {
		c.best = c.pending
		c.score = score
		c.index = c.proposed - 1
		c.found = true
	}
	c.pending = nil
}

func (c *incumbent) result() (ParameterSet, float64, bool) {
	if !c.found {
		return nil, 0, false
	}
	return c.best.Clone(), c.score, true
}

// ============================================================================
// OPTIMIZATION RESULT
// ============================================================================

// Trial is one evaluated proposal
type Trial struct {
	Index    int           `json:"index"`
	Params   ParameterSet  `json:"params"`
	Score    float64       `json:"score"`
	Feasible bool          `json:"feasible"`
	Reason   string        `json:"reason,omitempty"`
	Metrics  *Metrics      `json:"metrics,omitempty"`
	Duration time.Duration `json:"duration"`
}

// OptimizationResult is the outcome of Optimizer.Optimize
type OptimizationResult struct {
	Best        ParameterSet  `json:"best"`
	BestScore   float64       `json:"best_score"`
	BestIndex   int           `json:"best_index"`
	Evaluations int           `json:"evaluations"`
	Feasible    int           `json:"feasible"`
	Trials      []*Trial      `json:"trials,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// ============================================================================
// OPTIMIZER
// ============================================================================

// Optimizer drives a Searcher against an Evaluator on one price slice
type Optimizer struct {
	evaluator Evaluator
	factory   SearcherFactory
	kind      SearcherKind
	cost      CostModel
	capital   float64
	seed      int64
	fold      int
	observer  Observer
	logger    zerolog.Logger
}

// NewOptimizer creates an optimizer using searchers of the given kind
func NewOptimizer(evaluator Evaluator, kind SearcherKind, cost CostModel, startingCapital float64) (*Optimizer, error) {
	factory, err := NewSearcherFactory(kind)
	if err != nil {
		return nil, err
	}
	return &Optimizer{
		evaluator: evaluator,
		factory:   factory,
		kind:      kind,
		cost:      cost,
		capital:   startingCapital,
		fold:      -1,
		observer:  NopObserver{},
		logger:    log.With().Str("component", "optimizer").Logger(),
	}, nil
}

// SetSeed sets the seed handed to the searcher factory
func (o *Optimizer) SetSeed(seed int64) { o.seed = seed }

// SetObserver sets the trial observer
func (o *Optimizer) SetObserver(observer Observer) {
	if observer != nil {
		o.observer = observer
	}
}

// SetFactory overrides the searcher factory, keeping kind for reporting
func (o *Optimizer) SetFactory(factory SearcherFactory) {
	if factory != nil {
		o.factory = factory
	}
}

// forFold returns a copy bound to one fold and seed
func (o *Optimizer) forFold(fold int, seed int64) *Optimizer {
	c := *o
	c.fold = fold
	c.seed = seed
	c.logger = o.logger.With().Int("fold", fold).Logger()
	return &c
}

// Optimize searches space on series for the parameters maximizing objective.
// The context is checked before every proposal; cancellation returns
// ErrTimeout with the partial result.
func (o *Optimizer) Optimize(ctx context.Context, series *PriceSeries, objective Objective, budget int, space ParameterSpace) (*OptimizationResult, error) {
	if err := space.Validate(); err != nil {
		return nil, err
	}
	if objective.Fn == nil {
		return nil, invalidConfig("objective %q has no function", objective.Name)
	}
	searcher, err := o.factory(space, budget, o.seed)
	if err != nil {
		return nil, err
	}

	startTime := time.Now()
	result := &OptimizationResult{BestIndex: -1}

	o.logger.Debug().
		Str("searcher", string(o.kind)).
		Int("budget", budget).
		Int("bars", series.Len()).
		Msg("Starting optimization")

	for budget <= 0 || result.Evaluations < budget {
		if err := ctx.Err(); err != nil {
			result.Duration = time.Since(startTime)
			return result, fmt.Errorf("optimization interrupted after %d evaluations: %w", result.Evaluations, timeoutError(err))
		}

		params, ok := searcher.Propose()
		if !ok {
			break
		}

		trial := o.trial(ctx, series, objective, space, params)
		trial.Index = result.Evaluations
		searcher.Observe(trial.Score, trial.Feasible)

		result.Trials = append(result.Trials, trial)
		result.Evaluations++
		if trial.Feasible {
			result.Feasible++
		}
		o.observer.EvaluationCompleted(o.fold, o.kind, trial)

		o.logger.Debug().
			Int("trial", trial.Index).
			Str("params", params.Key()).
			Bool("feasible", trial.Feasible).
			Float64("score", trial.Score).
			Msg("Evaluated candidate")
	}
	result.Duration = time.Since(startTime)

	best, score, ok := searcher.Best()
	if !ok {
		return result, fmt.Errorf("%w: %d candidates evaluated", ErrNoFeasibleParameters, result.Evaluations)
	}
	result.Best = best
	result.BestScore = score
	for _, t := range result.Trials {
		if t.Feasible && t.Score == score && t.Params.Key() == best.Key() {
			result.BestIndex = t.Index
			break
		}
	}

	o.logger.Debug().
		Int("evaluations", result.Evaluations).
		Int("feasible", result.Feasible).
		Float64("best_score", score).
		Str("best", best.Key()).
		Dur("duration", result.Duration).
		Msg("Optimization complete")

	return result, nil
}

// trial evaluates one proposal. Bound violations, evaluator errors, zero
// trades and undefined scores are infeasible.
func (o *Optimizer) trial(ctx context.Context, series *PriceSeries, objective Objective, space ParameterSpace, params ParameterSet) *Trial {
	start := time.Now()
	trial := &Trial{Params: params, Score: math.Inf(-1)}
	defer func() { trial.Duration = time.Since(start) }()

	if err := space.Contains(params); err != nil {
		trial.Reason = err.Error()
		return trial
	}

	eval, err := evaluate(ctx, o.evaluator, series, params, o.cost, o.capital)
	if err != nil {
		trial.Reason = err.Error()
		return trial
	}
	trial.Metrics = eval.Metrics
	if eval.Record.Len() == 0 {
		trial.Reason = "no trades"
		return trial
	}

	score := objective.Score(eval.Metrics)
	if math.IsNaN(score) {
		trial.Reason = "objective is NaN"
		return trial
	}
	trial.Score = score
	trial.Feasible = true
	return trial
}
