// Monte Carlo robustness testing: price-path resampling and parameter
// perturbation around a fixed parameter set
package backtest

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"
)

// MonteCarloMode selects which inputs are perturbed
type MonteCarloMode string

const (
	ModePath   MonteCarloMode = "path"
	ModeParams MonteCarloMode = "params"
	ModeBoth   MonteCarloMode = "both"
)

// ParseMonteCarloMode validates a mode name
func ParseMonteCarloMode(s string) (MonteCarloMode, error) {
	switch m := MonteCarloMode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModePath, ModeParams, ModeBoth:
		return m, nil
	}
	return "", invalidConfig("unknown monte carlo mode %q", s)
}

func (m MonteCarloMode) perturbsPath() bool   { return m == ModePath || m == ModeBoth }
func (m MonteCarloMode) perturbsParams() bool { return m == ModeParams || m == ModeBoth }

// Exclusion reasons recorded on failed simulations
const (
	ExcludedNoTrades  = "no_trades"
	ExcludedEvaluator = "evaluation_error"
	ExcludedPath      = "path_error"
)

// DefaultJitter is the default relative parameter perturbation
const DefaultJitter = 0.10

// MonteCarloConfig holds the simulation settings
type MonteCarloConfig struct {
	BlockSize       int       `json:"block_size" yaml:"block_size"`
	Jitter          float64   `json:"jitter" yaml:"jitter"`
	Parallelism     int       `json:"parallelism" yaml:"parallelism"`
	StartingCapital float64   `json:"starting_capital" yaml:"starting_capital"`
	Cost            CostModel `json:"cost" yaml:"cost"`
}

// DefaultMonteCarloConfig returns 20-bar blocks and 10% jitter
func DefaultMonteCarloConfig() MonteCarloConfig {
	return MonteCarloConfig{
		BlockSize:       DefaultBlockSize,
		Jitter:          DefaultJitter,
		Parallelism:     4,
		StartingCapital: 100000,
	}
}

// SimulationInput is the fixed input every simulation perturbs
type SimulationInput struct {
	Series *PriceSeries
	Params ParameterSet
	Space  ParameterSpace // Optional; bounds for parameter jitter
}

// Simulation is one perturbed re-evaluation
type Simulation struct {
	Index    int          `json:"index" yaml:"index"`
	Seed     int64        `json:"seed" yaml:"seed"`
	Params   ParameterSet `json:"params,omitempty" yaml:"params,omitempty"`
	Score    float64      `json:"score" yaml:"score"`
	Metrics  *Metrics     `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Excluded bool         `json:"excluded,omitempty" yaml:"excluded,omitempty"`
	Reason   string       `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Percentiles of a distribution
type Percentiles struct {
	P5  float64 `json:"p5" yaml:"p5"`
	P50 float64 `json:"p50" yaml:"p50"`
	P95 float64 `json:"p95" yaml:"p95"`
}

// MonteCarloReport summarizes the distribution of simulated outcomes. Only
// non-excluded simulations contribute to the distribution and percentiles.
type MonteCarloReport struct {
	SchemaVersion        string                 `json:"schema_version" yaml:"schema_version"`
	Mode                 MonteCarloMode         `json:"mode" yaml:"mode"`
	Simulations          int                    `json:"simulations" yaml:"simulations"`
	Seed                 int64                  `json:"seed" yaml:"seed"`
	Objective            string                 `json:"objective" yaml:"objective"`
	Baseline             *Metrics               `json:"baseline,omitempty" yaml:"baseline,omitempty"`
	BaselineScore        float64                `json:"baseline_score" yaml:"baseline_score"`
	Runs                 []*Simulation          `json:"runs" yaml:"runs"`
	Distribution         []*Metrics             `json:"-" yaml:"-"`
	Excluded             int                    `json:"excluded" yaml:"excluded"`
	ExclusionReasons     map[string]int         `json:"exclusion_reasons,omitempty" yaml:"exclusion_reasons,omitempty"`
	ObjectivePercentiles Percentiles            `json:"objective_percentiles" yaml:"objective_percentiles"`
	ObjectiveMean        float64                `json:"objective_mean" yaml:"objective_mean"`
	ObjectiveStdDev      float64                `json:"objective_stddev" yaml:"objective_stddev"`
	MetricPercentiles    map[string]Percentiles `json:"metric_percentiles" yaml:"metric_percentiles"`
	ProbabilityOfLoss    float64                `json:"probability_of_loss" yaml:"probability_of_loss"`
	Duration             time.Duration          `json:"duration" yaml:"duration"`
}

// percentileMetrics are summarized alongside the objective
var percentileMetrics = []string{"total_return", "max_drawdown", "sharpe"}

// MonteCarlo re-runs an evaluator on perturbed inputs
type MonteCarlo struct {
	evaluator Evaluator
	objective Objective
	config    MonteCarloConfig
	observer  Observer
	logger    zerolog.Logger
}

// MonteCarloOption customizes a MonteCarlo
type MonteCarloOption func(*MonteCarlo)

// WithSimulationObserver sets the progress observer
func WithSimulationObserver(o Observer) MonteCarloOption {
	return func(m *MonteCarlo) {
		if o != nil {
			m.observer = o
		}
	}
}

// NewMonteCarlo validates the configuration
func NewMonteCarlo(evaluator Evaluator, objective Objective, config MonteCarloConfig, opts ...MonteCarloOption) (*MonteCarlo, error) {
	if evaluator == nil {
		return nil, invalidConfig("nil evaluator")
	}
	if objective.Fn == nil {
		return nil, invalidConfig("objective %q has no function", objective.Name)
	}
	if config.BlockSize < 0 {
		return nil, invalidConfig("block_size must be non-negative, got %d", config.BlockSize)
	}
	if config.Jitter < 0 || config.Jitter >= 1 {
		return nil, invalidConfig("jitter must be in [0, 1), got %v", config.Jitter)
	}
	if config.StartingCapital <= 0 {
		return nil, invalidConfig("starting_capital must be positive, got %v", config.StartingCapital)
	}
	if err := config.Cost.Validate(); err != nil {
		return nil, err
	}
	if config.Parallelism <= 0 {
		config.Parallelism = 1
	}

	m := &MonteCarlo{
		evaluator: evaluator,
		objective: objective,
		config:    config,
		observer:  NopObserver{},
		logger:    log.With().Str("component", "montecarlo").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Simulate runs n perturbed evaluations. Simulation i is seeded with
// DeriveSeed(seed, i) and writes only its own slot, so the report is
// identical for identical inputs regardless of parallelism.
func (m *MonteCarlo) Simulate(ctx context.Context, in SimulationInput, mode MonteCarloMode, n int, seed int64) (*MonteCarloReport, error) {
	if n <= 0 {
		return nil, invalidConfig("simulation count must be positive, got %d", n)
	}
	if _, err := ParseMonteCarloMode(string(mode)); err != nil {
		return nil, err
	}
	if in.Series == nil {
		return nil, invalidConfig("simulation input has no series")
	}
	if in.Params == nil {
		in.Params = ParameterSet{}
	}

	startTime := time.Now()
	m.logger.Info().
		Str("mode", string(mode)).
		Int("simulations", n).
		Int64("seed", seed).
		Int("bars", in.Series.Len()).
		Str("params", in.Params.Key()).
		Msg("Starting Monte Carlo simulation")

	report := &MonteCarloReport{
		SchemaVersion:     ReportSchemaVersion,
		Mode:              mode,
		Simulations:       n,
		Seed:              seed,
		Objective:         m.objective.Name,
		Runs:              make([]*Simulation, n),
		ExclusionReasons:  make(map[string]int),
		MetricPercentiles: make(map[string]Percentiles, len(percentileMetrics)),
	}

	if base, err := evaluate(ctx, m.evaluator, in.Series, in.Params, m.config.Cost, m.config.StartingCapital); err == nil {
		report.Baseline = base.Metrics
		report.BaselineScore = m.objective.Score(base.Metrics)
	} else {
		m.logger.Warn().Err(err).Msg("Baseline evaluation failed")
	}

	var g errgroup.Group
	g.SetLimit(m.config.Parallelism)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return timeoutError(err)
			}
			sim := m.simulate(ctx, in, mode, i, DeriveSeed(seed, i))
			report.Runs[i] = sim
			m.observer.SimulationCompleted(mode, sim)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("monte carlo cancelled: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("monte carlo cancelled: %w", timeoutError(err))
	}

	m.summarize(report)
	report.Duration = time.Since(startTime)

	m.logger.Info().
		Int("completed", len(report.Distribution)).
		Int("excluded", report.Excluded).
		Float64("p5", report.ObjectivePercentiles.P5).
		Float64("p50", report.ObjectivePercentiles.P50).
		Float64("p95", report.ObjectivePercentiles.P95).
		Float64("probability_of_loss", report.ProbabilityOfLoss).
		Dur("duration", report.Duration).
		Msg("Monte Carlo simulation complete")

	return report, nil
}

// simulate runs simulation i. Path resampling happens before parameter
// jitter so both draw from the same generator in a fixed order.
func (m *MonteCarlo) simulate(ctx context.Context, in SimulationInput, mode MonteCarloMode, i int, seed int64) *Simulation {
	rng := rand.New(rand.NewSource(seed)) // #nosec G404 -- Non-cryptographic use: reproducible resampling
	sim := &Simulation{Index: i, Seed: seed, Params: in.Params}

	series := in.Series
	if mode.perturbsPath() {
		resampled, err := BlockBootstrap(series, m.config.BlockSize, rng)
		if err != nil {
			return sim.exclude(ExcludedPath, err)
		}
		series = resampled
	}
	if mode.perturbsParams() {
		sim.Params = JitterParameters(in.Params, in.Space, m.config.Jitter, rng)
	}

	eval, err := evaluate(ctx, m.evaluator, series, sim.Params, m.config.Cost, m.config.StartingCapital)
	if err != nil {
		return sim.exclude(ExcludedEvaluator, err)
	}
	sim.Metrics = eval.Metrics
	if eval.Record.Len() == 0 {
		return sim.exclude(ExcludedNoTrades, nil)
	}
	sim.Score = m.objective.Score(eval.Metrics)
	return sim
}

func (s *Simulation) exclude(reason string, err error) *Simulation {
	s.Excluded = true
	s.Reason = reason
	if err != nil {
		s.Reason = reason + ": " + err.Error()
	}
	return s
}

// summarize computes the distribution statistics in simulation order
func (m *MonteCarlo) summarize(report *MonteCarloReport) {
	var (
		scores []float64
		losses int
		values = make(map[string][]float64, len(percentileMetrics))
	)
	for _, sim := range report.Runs {
		if sim.Excluded {
			report.Excluded++
			kind, _, _ := strings.Cut(sim.Reason, ":")
			report.ExclusionReasons[kind]++
			continue
		}
		report.Distribution = append(report.Distribution, sim.Metrics)
		scores = append(scores, sim.Score)
		if sim.Metrics.NetProfit < 0 {
			losses++
		}
		for _, name := range percentileMetrics {
			v, _ := sim.Metrics.Value(name)
			values[name] = append(values[name], v)
		}
	}

	if len(scores) == 0 {
		return
	}
	report.ObjectivePercentiles = percentiles(scores)
	report.ObjectiveMean, report.ObjectiveStdDev = meanStdDev(finite(scores))
	report.ProbabilityOfLoss = float64(losses) / float64(len(scores))
	for _, name := range percentileMetrics {
		report.MetricPercentiles[name] = percentiles(values[name])
	}
}

// percentiles returns the empirical 5th, 50th and 95th percentiles
func percentiles(values []float64) Percentiles {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return Percentiles{
		P5:  stat.Quantile(0.05, stat.Empirical, sorted, nil),
		P50: stat.Quantile(0.50, stat.Empirical, sorted, nil),
		P95: stat.Quantile(0.95, stat.Empirical, sorted, nil),
	}
}

// ScoreAt returns the empirical quantile p of the objective distribution
func (r *MonteCarloReport) ScoreAt(p float64) float64 {
	var scores []float64
	for _, sim := range r.Runs {
		if sim != nil && !sim.Excluded {
			scores = append(scores, sim.Score)
		}
	}
	if len(scores) == 0 || math.IsNaN(p) {
		return 0
	}
	sort.Float64s(scores)
	return stat.Quantile(math.Min(1, math.Max(0, p)), stat.Empirical, scores, nil)
}
