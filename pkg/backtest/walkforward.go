// Walk-forward orchestration: rolling in-sample optimization with
// out-of-sample evaluation
package backtest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"
)

// ReportSchemaVersion is written into every serialized report
const ReportSchemaVersion = "1.1.0"

// ============================================================================
// CONFIGURATION
// ============================================================================

// WalkForwardConfig holds the run settings
type WalkForwardConfig struct {
	ISWindow        Window        `json:"is_window_length" yaml:"is_window_length"`
	OOSWindow       Window        `json:"oos_window_length" yaml:"oos_window_length"`
	StepWindow      Window        `json:"step_length" yaml:"step_length"` // Zero means OOSWindow
	Anchored        bool          `json:"anchored" yaml:"anchored"`
	Optimizer       SearcherKind  `json:"optimizer_kind" yaml:"optimizer_kind"`
	ObjectiveMetric string        `json:"objective_metric" yaml:"objective_metric"`
	Budget          int           `json:"optimization_budget" yaml:"optimization_budget"`
	Parallelism     int           `json:"parallelism" yaml:"parallelism"`
	FoldTimeout     time.Duration `json:"fold_timeout" yaml:"fold_timeout"` // Zero disables
	Seed            int64         `json:"random_seed" yaml:"random_seed"`
	StartingCapital float64       `json:"starting_capital" yaml:"starting_capital"`
	Cost            CostModel     `json:"cost" yaml:"cost"`
}

// DefaultWalkForwardConfig returns 2y/6mo calendar folds optimized for Sharpe
// with a 50-evaluation Bayesian search
func DefaultWalkForwardConfig() WalkForwardConfig {
	return WalkForwardConfig{
		ISWindow:        Calendar(2, 0, 0),
		OOSWindow:       Calendar(0, 6, 0),
		Optimizer:       SearcherBayesian,
		ObjectiveMetric: "sharpe",
		Budget:          50,
		Parallelism:     4,
		FoldTimeout:     5 * time.Minute,
		Seed:            42,
		StartingCapital: 100000,
	}
}

// Validate checks every setting and reports all problems at once
func (c WalkForwardConfig) Validate() error {
	var errs []error
	step := c.StepWindow
	if step.IsZero() {
		step = c.OOSWindow
	}
	if err := validateWindows(c.ISWindow, c.OOSWindow, step); err != nil {
		errs = append(errs, err)
	}
	if _, err := NewSearcherFactory(c.Optimizer); err != nil {
		errs = append(errs, err)
	}
	if c.ObjectiveMetric != "" {
		if _, err := ObjectiveByName(c.ObjectiveMetric); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Budget < 0 || (c.Budget == 0 && c.Optimizer != SearcherGrid) {
		errs = append(errs, invalidConfig("optimization_budget must be positive for %s search, got %d", c.Optimizer, c.Budget))
	}
	if c.Parallelism < 0 {
		errs = append(errs, invalidConfig("parallelism must be non-negative, got %d", c.Parallelism))
	}
	if c.FoldTimeout < 0 {
		errs = append(errs, invalidConfig("fold_timeout must be non-negative, got %s", c.FoldTimeout))
	}
	if c.StartingCapital <= 0 {
		errs = append(errs, invalidConfig("starting_capital must be positive, got %v", c.StartingCapital))
	}
	if err := c.Cost.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ============================================================================
// RESULTS
// ============================================================================

// FoldState is the lifecycle state of one fold
type FoldState string

const (
	FoldPending       FoldState = "PENDING"
	FoldOptimizing    FoldState = "OPTIMIZING"
	FoldEvaluatingOOS FoldState = "EVALUATING_OOS"
	FoldDone          FoldState = "DONE"
	FoldFailed        FoldState = "FAILED"
)

// Failure kinds recorded on failed folds
const (
	FailureTimeout         = "timeout"
	FailureNoFeasible      = "no_feasible_parameters"
	FailureEvaluationError = "evaluation_error"
)

// FoldResult is the outcome of one fold
type FoldResult struct {
	Fold          Fold           `json:"fold" yaml:"fold"`
	State         FoldState      `json:"state" yaml:"state"`
	BestParams    ParameterSet   `json:"best_params,omitempty" yaml:"best_params,omitempty"`
	BestScore     float64        `json:"best_score" yaml:"best_score"`
	ISMetrics     *Metrics       `json:"is_metrics,omitempty" yaml:"is_metrics,omitempty"`
	OOSMetrics    *Metrics       `json:"oos_metrics,omitempty" yaml:"oos_metrics,omitempty"`
	OOSTrades     *TradeRecord   `json:"oos_trades,omitempty" yaml:"oos_trades,omitempty"`
	OOSEquity     []*EquityPoint `json:"oos_equity,omitempty" yaml:"-"`
	Evaluations   int            `json:"evaluations" yaml:"evaluations"`
	Feasible      int            `json:"feasible_evaluations" yaml:"feasible_evaluations"`
	FailureKind   string         `json:"failure_kind,omitempty" yaml:"failure_kind,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty" yaml:"failure_reason,omitempty"`
	Duration      time.Duration  `json:"duration" yaml:"duration"`
	Cached        bool           `json:"cached,omitempty" yaml:"cached,omitempty"`
}

// MetricAggregate summarizes one metric across completed folds
type MetricAggregate struct {
	ISMean      float64 `json:"is_mean" yaml:"is_mean"`
	OOSMean     float64 `json:"oos_mean" yaml:"oos_mean"`
	OOSMedian   float64 `json:"oos_median" yaml:"oos_median"`
	OOSStdDev   float64 `json:"oos_stddev" yaml:"oos_stddev"`
	Degradation float64 `json:"degradation" yaml:"degradation"` // mean(OOS) / mean(IS), 0 when mean(IS) is 0
}

// AggregateStats summarizes the completed folds of a run
type AggregateStats struct {
	CompletedFolds int `json:"completed_folds" yaml:"completed_folds"`
	FailedFolds    int `json:"failed_folds" yaml:"failed_folds"`

	Objective            string  `json:"objective" yaml:"objective"`
	ObjectiveISMean      float64 `json:"objective_is_mean" yaml:"objective_is_mean"`
	ObjectiveOOSMean     float64 `json:"objective_oos_mean" yaml:"objective_oos_mean"`
	ObjectiveOOSMedian   float64 `json:"objective_oos_median" yaml:"objective_oos_median"`
	ObjectiveOOSStdDev   float64 `json:"objective_oos_stddev" yaml:"objective_oos_stddev"`
	ObjectiveDegradation float64 `json:"objective_degradation" yaml:"objective_degradation"`

	Metrics map[string]MetricAggregate `json:"metrics" yaml:"metrics"`

	Stability          float64            `json:"stability" yaml:"stability"`     // 1 / (1 + CV) of the OOS objective
	Consistency        float64            `json:"consistency" yaml:"consistency"` // Share of folds with positive OOS net profit
	Efficiency         float64            `json:"efficiency" yaml:"efficiency"`   // OOS / IS annualized return
	ParameterStability map[string]float64 `json:"parameter_stability,omitempty" yaml:"parameter_stability,omitempty"`
	FailureKinds       map[string]int     `json:"failure_kinds,omitempty" yaml:"failure_kinds,omitempty"`
}

// WalkForwardReport is the output of a walk-forward run. Folds are ordered
// by fold index regardless of completion order.
type WalkForwardReport struct {
	SchemaVersion  string            `json:"schema_version" yaml:"schema_version"`
	RunID          string            `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	Symbol         string            `json:"symbol" yaml:"symbol"`
	Config         WalkForwardConfig `json:"config" yaml:"config"`
	Space          ParameterSpace    `json:"space" yaml:"space"`
	StartDate      time.Time         `json:"start_date" yaml:"start_date"`
	EndDate        time.Time         `json:"end_date" yaml:"end_date"`
	Bars           int               `json:"bars" yaml:"bars"`
	Folds          []*FoldResult     `json:"folds" yaml:"folds"`
	Aggregate      *AggregateStats   `json:"aggregate" yaml:"aggregate"`
	StitchedEquity []*EquityPoint    `json:"stitched_equity,omitempty" yaml:"stitched_equity,omitempty"`
	StartedAt      time.Time         `json:"started_at" yaml:"started_at"`
	Duration       time.Duration     `json:"duration" yaml:"duration"`
}

// FinalParams returns the parameters chosen by the last completed fold
func (r *WalkForwardReport) FinalParams() (ParameterSet, bool) {
	for i := len(r.Folds) - 1; i >= 0; i-- {
		if f := r.Folds[i]; f != nil && f.State == FoldDone {
			return f.BestParams.Clone(), true
		}
	}
	return nil, false
}

// OOSSpan returns the dates the completed folds were tested on, from the
// first completed fold's OOS start to the last one's OOS end
func (r *WalkForwardReport) OOSSpan() (from, to time.Time, ok bool) {
	for _, f := range r.Folds {
		if f == nil || f.State != FoldDone || f.Fold.OOSStartDate.IsZero() {
			continue
		}
		if !ok {
			from, ok = f.Fold.OOSStartDate, true
		}
		to = f.Fold.OOSEndDate
	}
	return from, to, ok
}

// ============================================================================
// FOLD CACHE
// ============================================================================

// FoldCache stores completed fold results across runs. Implementations must
// be safe for concurrent use; a miss or backend error is reported as a miss.
type FoldCache interface {
	Get(ctx context.Context, key string) (*FoldResult, bool)
	Put(ctx context.Context, key string, result *FoldResult) error
}

// CacheKeyer is implemented by evaluators and rules whose output depends on
// state beyond the parameters and cost model, such as a position sizer.
// The key becomes part of every fold cache key.
type CacheKeyer interface {
	CacheKey() string
}

// cacheIdentity returns the CacheKey of v, or its type name
func cacheIdentity(v interface{}) string {
	if k, ok := v.(CacheKeyer); ok {
		return k.CacheKey()
	}
	return fmt.Sprintf("%T", v)
}

// ============================================================================
// ORCHESTRATOR
// ============================================================================

// WalkForward runs walk-forward analysis over a price series
type WalkForward struct {
	evaluator Evaluator
	space     ParameterSpace
	config    WalkForwardConfig
	objective Objective
	factory   SearcherFactory
	observer  Observer
	cache     FoldCache
	logger    zerolog.Logger
}

// WalkForwardOption customizes a WalkForward
type WalkForwardOption func(*WalkForward)

// WithObserver sets the progress observer
func WithObserver(o Observer) WalkForwardOption {
	return func(w *WalkForward) {
		if o != nil {
			w.observer = o
		}
	}
}

// WithFoldCache enables caching of completed folds
func WithFoldCache(c FoldCache) WalkForwardOption {
	return func(w *WalkForward) { w.cache = c }
}

// WithObjective sets a custom objective, overriding ObjectiveMetric
func WithObjective(o Objective) WalkForwardOption {
	return func(w *WalkForward) { w.objective = o }
}

// WithSearcherFactory overrides the searcher construction for Optimizer kind
func WithSearcherFactory(f SearcherFactory) WalkForwardOption {
	return func(w *WalkForward) { w.factory = f }
}

// NewWalkForward validates the configuration and parameter space
func NewWalkForward(evaluator Evaluator, space ParameterSpace, config WalkForwardConfig, opts ...WalkForwardOption) (*WalkForward, error) {
	if evaluator == nil {
		return nil, invalidConfig("nil evaluator")
	}
	if config.ObjectiveMetric == "" {
		config.ObjectiveMetric = "sharpe"
	}
	if config.Parallelism == 0 {
		config.Parallelism = 1
	}
	if config.StepWindow.IsZero() {
		config.StepWindow = config.OOSWindow
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if err := space.Validate(); err != nil {
		return nil, err
	}

	objective, _ := ObjectiveByName(config.ObjectiveMetric)
	factory, _ := NewSearcherFactory(config.Optimizer)

	w := &WalkForward{
		evaluator: evaluator,
		space:     space,
		config:    config,
		objective: objective,
		factory:   factory,
		observer:  NopObserver{},
		logger:    log.With().Str("component", "walkforward").Logger(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.objective.Fn == nil {
		return nil, invalidConfig("objective %q has no function", w.objective.Name)
	}
	w.config.ObjectiveMetric = w.objective.Name
	return w, nil
}

// Config returns the effective configuration
func (w *WalkForward) Config() WalkForwardConfig { return w.config }

// Run schedules the folds and processes them in parallel. Fold failures are
// recorded on the fold and never abort the run. Configuration and data
// errors are returned before any fold runs. If ctx is cancelled the report
// is still returned, alongside an ErrTimeout error.
func (w *WalkForward) Run(ctx context.Context, series *PriceSeries) (*WalkForwardReport, error) {
	if series == nil {
		return nil, fmt.Errorf("%w: nil series", ErrInsufficientData)
	}
	schedule, err := GenerateFolds(series, w.config.ISWindow, w.config.OOSWindow, w.config.StepWindow, FoldOptions{Anchored: w.config.Anchored})
	if err != nil {
		return nil, err
	}
	folds := schedule.Collect()

	startedAt := time.Now()
	w.logger.Info().
		Str("symbol", series.Symbol()).
		Int("bars", series.Len()).
		Int("folds", len(folds)).
		Str("is", w.config.ISWindow.String()).
		Str("oos", w.config.OOSWindow.String()).
		Str("step", w.config.StepWindow.String()).
		Str("optimizer", string(w.config.Optimizer)).
		Str("objective", w.objective.Name).
		Int("budget", w.config.Budget).
		Int("parallelism", w.config.Parallelism).
		Msg("Starting walk-forward analysis")

	results := make([]*FoldResult, len(folds))
	for i, f := range folds {
		results[i] = &FoldResult{Fold: f, State: FoldPending}
		w.notify(results[i])
	}

	var g errgroup.Group
	g.SetLimit(w.config.Parallelism)
	for i := range folds {
		g.Go(func() error {
			w.runFold(ctx, series, results[i])
			return nil
		})
	}
	_ = g.Wait() // Fold goroutines never return errors

	report := &WalkForwardReport{
		SchemaVersion: ReportSchemaVersion,
		Symbol:        series.Symbol(),
		Config:        w.config,
		Space:         w.space,
		StartDate:     series.Start(),
		EndDate:       series.End(),
		Bars:          series.Len(),
		Folds:         results,
		StartedAt:     startedAt,
	}
	report.Aggregate = Aggregate(results, w.objective)
	report.StitchedEquity = StitchEquity(results, w.config.StartingCapital)
	report.Duration = time.Since(startedAt)

	w.logger.Info().
		Int("completed", report.Aggregate.CompletedFolds).
		Int("failed", report.Aggregate.FailedFolds).
		Float64("oos_objective_mean", report.Aggregate.ObjectiveOOSMean).
		Float64("degradation", report.Aggregate.ObjectiveDegradation).
		Float64("stability", report.Aggregate.Stability).
		Dur("duration", report.Duration).
		Msg("Walk-forward analysis complete")

	if err := ctx.Err(); err != nil {
		return report, fmt.Errorf("walk-forward run cancelled: %w", timeoutError(err))
	}
	return report, nil
}

// runFold drives one fold through its states, writing only to res
func (w *WalkForward) runFold(ctx context.Context, series *PriceSeries, res *FoldResult) {
	start := time.Now()
	f := res.Fold
	logger := w.logger.With().Int("fold", f.Index).Logger()

	defer func() {
		res.Duration = time.Since(start)
		w.notify(res)
	}()

	key := ""
	if w.cache != nil {
		key = w.cacheKey(series, f)
		if cached, ok := w.cache.Get(ctx, key); ok && cached.State == FoldDone {
			if params, err := w.space.Coerce(cached.BestParams); err == nil {
				*res = *cached
				res.Fold = f
				res.BestParams = params
				res.Cached = true
				logger.Info().Str("key", key).Msg("Fold restored from cache")
				return
			}
		}
	}

	foldCtx := ctx
	if w.config.FoldTimeout > 0 {
		var cancel context.CancelFunc
		foldCtx, cancel = context.WithTimeout(ctx, w.config.FoldTimeout)
		defer cancel()
	}

	isSlice, err := series.Slice(f.ISStart, f.ISEnd)
	if err != nil {
		w.fail(res, err, logger)
		return
	}
	oosSlice, err := series.Slice(f.OOSStart, f.OOSEnd)
	if err != nil {
		w.fail(res, err, logger)
		return
	}

	// OPTIMIZING
	w.transition(res, FoldOptimizing)
	optimizer := &Optimizer{
		evaluator: w.evaluator,
		factory:   w.factory,
		kind:      w.config.Optimizer,
		cost:      w.config.Cost,
		capital:   w.config.StartingCapital,
		observer:  w.observer,
		logger:    logger,
	}
	optimizer = optimizer.forFold(f.Index, DeriveSeed(w.config.Seed, f.Index))

	opt, err := optimizer.Optimize(foldCtx, isSlice, w.objective, w.config.Budget, w.space)
	if opt != nil {
		res.Evaluations = opt.Evaluations
		res.Feasible = opt.Feasible
	}
	if err != nil {
		w.fail(res, err, logger)
		return
	}
	res.BestParams = opt.Best
	res.BestScore = opt.BestScore

	// EVALUATING_OOS
	w.transition(res, FoldEvaluatingOOS)
	oos, err := evaluate(foldCtx, w.evaluator, oosSlice, opt.Best, w.config.Cost, w.config.StartingCapital)
	if err != nil {
		w.fail(res, err, logger)
		return
	}
	is, err := evaluate(foldCtx, w.evaluator, isSlice, opt.Best, w.config.Cost, w.config.StartingCapital)
	if err != nil {
		w.fail(res, err, logger)
		return
	}
	res.OOSMetrics = oos.Metrics
	res.OOSTrades = oos.Record
	res.OOSEquity = oos.Curve
	res.ISMetrics = is.Metrics

	// DONE, reported by the deferred notify
	res.State = FoldDone
	logger.Info().
		Str("params", opt.Best.Key()).
		Float64("is_score", opt.BestScore).
		Float64("oos_score", w.objective.Score(oos.Metrics)).
		Int("oos_trades", oos.Metrics.TotalTrades).
		Int("evaluations", opt.Evaluations).
		Msg("Fold complete")

	if w.cache != nil {
		res.Duration = time.Since(start)
		if err := w.cache.Put(ctx, key, res); err != nil {
			logger.Warn().Err(err).Msg("Failed to cache fold result")
		}
	}
}

func (w *WalkForward) transition(res *FoldResult, state FoldState) {
	res.State = state
	w.notify(res)
}

// notify hands observers a snapshot so they never share the live result
func (w *WalkForward) notify(res *FoldResult) {
	snapshot := *res
	w.observer.FoldStateChanged(&snapshot)
}

func (w *WalkForward) fail(res *FoldResult, err error, logger zerolog.Logger) {
	res.State = FoldFailed
	res.FailureReason = err.Error()
	switch {
	case errors.Is(err, ErrTimeout):
		res.FailureKind = FailureTimeout
	case errors.Is(err, ErrNoFeasibleParameters):
		res.FailureKind = FailureNoFeasible
	default:
		res.FailureKind = FailureEvaluationError
	}
	logger.Warn().
		Err(err).
		Str("failure_kind", res.FailureKind).
		Int("evaluations", res.Evaluations).
		Msg("Fold failed")
}

// cacheKey identifies a fold computation by everything that affects it
func (w *WalkForward) cacheKey(series *PriceSeries, f Fold) string {
	h := xxhash.New()
	_, _ = h.WriteString(strconv.FormatUint(series.Fingerprint(), 16))
	_, _ = fmt.Fprintf(h, "|%d:%d:%d:%d|%s|%s|%d|%d|%s|%+v|%v|%s",
		f.ISStart, f.ISEnd, f.OOSStart, f.OOSEnd,
		w.objective.Name, w.config.Optimizer, w.config.Budget,
		DeriveSeed(w.config.Seed, f.Index), w.space.Key(), w.config.Cost, w.config.StartingCapital,
		cacheIdentity(w.evaluator))
	return fmt.Sprintf("%s:%d:%016x", series.Symbol(), f.Index, h.Sum64())
}

// ============================================================================
// AGGREGATION
// ============================================================================

// Aggregate summarizes the completed folds. Failed folds are only counted.
func Aggregate(results []*FoldResult, objective Objective) *AggregateStats {
	agg := &AggregateStats{
		Objective:          objective.Name,
		Metrics:            make(map[string]MetricAggregate, len(MetricNames)),
		ParameterStability: make(map[string]float64),
		FailureKinds:       make(map[string]int),
	}

	var done []*FoldResult
	for _, r := range results {
		switch {
		case r == nil:
		case r.State == FoldDone && r.ISMetrics != nil && r.OOSMetrics != nil:
			done = append(done, r)
		case r.State == FoldFailed:
			agg.FailedFolds++
			agg.FailureKinds[r.FailureKind]++
		}
	}
	agg.CompletedFolds = len(done)
	if len(done) == 0 {
		return agg
	}

	isObj := make([]float64, len(done))
	oosObj := make([]float64, len(done))
	positive := 0
	for i, r := range done {
		isObj[i] = objective.Score(r.ISMetrics)
		oosObj[i] = objective.Score(r.OOSMetrics)
		if r.OOSMetrics.NetProfit > 0 {
			positive++
		}
	}
	objAgg := aggregateValues(isObj, oosObj)
	agg.ObjectiveISMean = objAgg.ISMean
	agg.ObjectiveOOSMean = objAgg.OOSMean
	agg.ObjectiveOOSMedian = objAgg.OOSMedian
	agg.ObjectiveOOSStdDev = objAgg.OOSStdDev
	agg.ObjectiveDegradation = objAgg.Degradation
	agg.Consistency = float64(positive) / float64(len(done))

	if len(done) >= 2 {
		if mean := math.Abs(objAgg.OOSMean); mean > 0 {
			agg.Stability = 1 / (1 + objAgg.OOSStdDev/mean)
		}
	}

	for _, name := range MetricNames {
		isVals := make([]float64, len(done))
		oosVals := make([]float64, len(done))
		for i, r := range done {
			isVals[i], _ = r.ISMetrics.Value(name)
			oosVals[i], _ = r.OOSMetrics.Value(name)
		}
		agg.Metrics[name] = aggregateValues(isVals, oosVals)
	}

	if ret := agg.Metrics["annualized_return"]; ret.ISMean != 0 {
		agg.Efficiency = ret.OOSMean / ret.ISMean
	}

	agg.ParameterStability = parameterStability(done)
	return agg
}

// aggregateValues computes mean/median/stdev, ignoring non-finite values
func aggregateValues(isVals, oosVals []float64) MetricAggregate {
	is := finite(isVals)
	oos := finite(oosVals)

	var a MetricAggregate
	if len(is) > 0 {
		a.ISMean = stat.Mean(is, nil)
	}
	if len(oos) > 0 {
		a.OOSMean, a.OOSStdDev = meanStdDev(oos)
		sorted := append([]float64(nil), oos...)
		sort.Float64s(sorted)
		a.OOSMedian = median(sorted)
	}
	if a.ISMean != 0 {
		a.Degradation = a.OOSMean / a.ISMean
	}
	return a
}

// parameterStability is the stdev of each numeric parameter across folds
func parameterStability(done []*FoldResult) map[string]float64 {
	values := make(map[string][]float64)
	for _, r := range done {
		for name, v := range r.BestParams {
			if f, ok := toFloat(v); ok {
				values[name] = append(values[name], f)
			}
		}
	}
	out := make(map[string]float64, len(values))
	for name, vals := range values {
		_, out[name] = meanStdDev(vals)
	}
	return out
}

// meanStdDev is stat.MeanStdDev with a zero deviation for fewer than two
// values
func meanStdDev(values []float64) (float64, float64) {
	if len(values) < 2 {
		if len(values) == 1 {
			return values[0], 0
		}
		return 0, 0
	}
	return stat.MeanStdDev(values, nil)
}

// median of sorted values, averaging the two middle values for even counts
func median(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func finite(values []float64) []float64 {
	out := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			out = append(out, v)
		}
	}
	return out
}

// StitchEquity chains the OOS equity curves of completed folds into one
// compounded curve. Folds whose OOS window overlaps an earlier stitched
// window are skipped.
func StitchEquity(results []*FoldResult, startingCapital float64) []*EquityPoint {
	var (
		stitched []*EquityPoint
		equity   = startingCapital
		lastEnd  = -1
	)
	for _, r := range results {
		if r == nil || r.State != FoldDone || len(r.OOSEquity) == 0 || r.Fold.OOSStart <= lastEnd {
			continue
		}
		base := r.OOSMetrics.StartingCapital
		if base <= 0 {
			continue
		}
		scale := equity / base
		for _, p := range r.OOSEquity {
			stitched = append(stitched, &EquityPoint{
				Timestamp: p.Timestamp,
				Equity:    p.Equity * scale,
				InMarket:  p.InMarket,
			})
		}
		equity = stitched[len(stitched)-1].Equity
		lastEnd = r.Fold.OOSEnd
	}
	return stitched
}
