package backtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func barConfig(kind SearcherKind, budget int) WalkForwardConfig {
	config := DefaultWalkForwardConfig()
	config.ISWindow = Bars(200)
	config.OOSWindow = Bars(100)
	config.Optimizer = kind
	config.Budget = budget
	config.ObjectiveMetric = "net_profit"
	config.Parallelism = 2
	config.Cost = testCost()
	return config
}

func runWalkForward(t *testing.T, evaluator Evaluator, config WalkForwardConfig, series *PriceSeries, opts ...WalkForwardOption) *WalkForwardReport {
	t.Helper()
	wf, err := NewWalkForward(evaluator, pullbackSpace(), config, opts...)
	require.NoError(t, err)
	report, err := wf.Run(context.Background(), series)
	require.NoError(t, err)
	return report
}

func TestWalkForward_EndToEnd(t *testing.T) {
	series := generateSeries(t, 600, 7)
	report := runWalkForward(t, NewRuleEngine(pullbackRules()), barConfig(SearcherGrid, 0), series)

	assert.Equal(t, ReportSchemaVersion, report.SchemaVersion)
	assert.Equal(t, "ES", report.Symbol)
	assert.Equal(t, 600, report.Bars)
	require.Len(t, report.Folds, 4)

	space := pullbackSpace()
	for i, f := range report.Folds {
		assert.Equal(t, i, f.Fold.Index)
		assert.Equal(t, FoldDone, f.State, f.FailureReason)
		assert.Equal(t, 200+100*i, f.Fold.OOSStart)
		require.NoError(t, space.Contains(f.BestParams))
		assert.Equal(t, 25, f.Evaluations)
		require.NotNil(t, f.ISMetrics)
		require.NotNil(t, f.OOSMetrics)
		assert.InDelta(t, f.BestScore, f.ISMetrics.NetProfit, 1e-6)
		assert.Equal(t, 100, f.OOSMetrics.Bars)
		assert.Len(t, f.OOSEquity, 100)
		assert.Equal(t, f.OOSMetrics.TotalTrades, f.OOSTrades.Len())
		for _, trade := range f.OOSTrades.Trades {
			assert.False(t, trade.EntryDate.Before(f.Fold.OOSStartDate))
			assert.False(t, trade.ExitDate.After(f.Fold.OOSEndDate))
		}
	}

	require.NotNil(t, report.Aggregate)
	assert.Equal(t, 4, report.Aggregate.CompletedFolds)
	assert.Zero(t, report.Aggregate.FailedFolds)
	assert.Equal(t, "net_profit", report.Aggregate.Objective)
	assert.Contains(t, report.Aggregate.Metrics, "sharpe")
	assert.Contains(t, report.Aggregate.ParameterStability, "lookback")
	assert.Len(t, report.StitchedEquity, 400)

	params, ok := report.FinalParams()
	require.True(t, ok)
	assert.Equal(t, report.Folds[3].BestParams, params)
}

func TestWalkForward_ParallelismDoesNotChangeResults(t *testing.T) {
	series := generateSeries(t, 600, 9)

	run := func(parallelism int) *WalkForwardReport {
		config := barConfig(SearcherBayesian, 12)
		config.Parallelism = parallelism
		config.Seed = 1234
		return runWalkForward(t, NewRuleEngine(pullbackRules()), config, series)
	}
	serial := run(1)
	parallel := run(4)

	require.Len(t, parallel.Folds, len(serial.Folds))
	for i := range serial.Folds {
		a, b := *serial.Folds[i], *parallel.Folds[i]
		a.Duration, b.Duration = 0, 0
		assert.Equal(t, a, b, "fold %d", i)
	}
	assert.Equal(t, serial.Aggregate, parallel.Aggregate)
	assert.Equal(t, serial.StitchedEquity, parallel.StitchedEquity)
}

func TestWalkForward_SeedChangesSearch(t *testing.T) {
	series := generateSeries(t, 600, 9)
	keys := make(map[string]bool)
	for _, seed := range []int64{1, 2, 3, 4} {
		config := barConfig(SearcherRandom, 3)
		config.Seed = seed
		report := runWalkForward(t, NewRuleEngine(pullbackRules()), config, series)
		keys[report.Folds[0].BestParams.Key()] = true
	}
	assert.Greater(t, len(keys), 1)
}

func TestWalkForward_FoldFailureIsIsolated(t *testing.T) {
	series := generateSeries(t, 600, 7)
	schedule, err := GenerateFolds(series, Bars(200), Bars(100), Window{}, FoldOptions{})
	require.NoError(t, err)
	broken := schedule.Collect()[1].ISStartDate

	base := NewRuleEngine(pullbackRules())
	evaluator := EvaluatorFunc(func(ctx context.Context, s *PriceSeries, params ParameterSet, cost CostModel) (*TradeRecord, error) {
		if s.Start().Equal(broken) {
			return &TradeRecord{}, nil
		}
		return base.Evaluate(ctx, s, params, cost)
	})

	report := runWalkForward(t, evaluator, barConfig(SearcherGrid, 0), series)
	require.Len(t, report.Folds, 4)

	failed := report.Folds[1]
	assert.Equal(t, FoldFailed, failed.State)
	assert.Equal(t, FailureNoFeasible, failed.FailureKind)
	assert.Equal(t, 25, failed.Evaluations)
	assert.Zero(t, failed.Feasible)
	assert.Nil(t, failed.OOSMetrics)

	for _, i := range []int{0, 2, 3} {
		assert.Equal(t, FoldDone, report.Folds[i].State)
	}
	assert.Equal(t, 3, report.Aggregate.CompletedFolds)
	assert.Equal(t, 1, report.Aggregate.FailedFolds)
	assert.Equal(t, map[string]int{FailureNoFeasible: 1}, report.Aggregate.FailureKinds)
	assert.Len(t, report.StitchedEquity, 300)
}

func TestWalkForward_FoldTimeout(t *testing.T) {
	series := generateSeries(t, 600, 7)
	schedule, err := GenerateFolds(series, Bars(200), Bars(100), Window{}, FoldOptions{})
	require.NoError(t, err)
	slow := schedule.Collect()[1].ISStartDate

	base := NewRuleEngine(pullbackRules())
	evaluator := EvaluatorFunc(func(ctx context.Context, s *PriceSeries, params ParameterSet, cost CostModel) (*TradeRecord, error) {
		if s.Start().Equal(slow) {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return base.Evaluate(ctx, s, params, cost)
	})

	config := barConfig(SearcherRandom, 5)
	config.FoldTimeout = 200 * time.Millisecond
	report := runWalkForward(t, evaluator, config, series)

	assert.Equal(t, FoldFailed, report.Folds[1].State)
	assert.Equal(t, FailureTimeout, report.Folds[1].FailureKind)
	for _, i := range []int{0, 2, 3} {
		assert.Equal(t, FoldDone, report.Folds[i].State, report.Folds[i].FailureReason)
	}
}

func TestWalkForward_CancelledRun(t *testing.T) {
	series := generateSeries(t, 600, 7)
	wf, err := NewWalkForward(NewRuleEngine(pullbackRules()), pullbackSpace(), barConfig(SearcherGrid, 0))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := wf.Run(ctx, series)
	require.ErrorIs(t, err, ErrTimeout)
	require.NotNil(t, report)
	for _, f := range report.Folds {
		assert.Equal(t, FoldFailed, f.State)
		assert.Equal(t, FailureTimeout, f.FailureKind)
	}
	assert.Equal(t, len(report.Folds), report.Aggregate.FailedFolds)
}

func TestWalkForward_InsufficientData(t *testing.T) {
	wf, err := NewWalkForward(NewRuleEngine(pullbackRules()), pullbackSpace(), barConfig(SearcherGrid, 0))
	require.NoError(t, err)

	report, err := wf.Run(context.Background(), generateSeries(t, 250, 1))
	assert.ErrorIs(t, err, ErrInsufficientData)
	assert.Nil(t, report)
}

func TestWalkForwardConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultWalkForwardConfig().Validate())

	config := DefaultWalkForwardConfig()
	config.ISWindow = Bars(100)
	config.Optimizer = "annealing"
	config.Budget = -1
	config.StartingCapital = 0
	config.Parallelism = -2

	err := config.Validate()
	require.ErrorIs(t, err, ErrInvalidConfiguration)
	for _, fragment := range []string{"bars or all be calendar", "annealing", "optimization_budget", "starting_capital", "parallelism"} {
		assert.Contains(t, err.Error(), fragment)
	}

	grid := barConfig(SearcherGrid, 0)
	assert.NoError(t, grid.Validate(), "grid search may enumerate the full grid")
	random := barConfig(SearcherRandom, 0)
	assert.ErrorIs(t, random.Validate(), ErrInvalidConfiguration)

	unknown := barConfig(SearcherGrid, 0)
	unknown.ObjectiveMetric = "alpha"
	assert.ErrorIs(t, unknown.Validate(), ErrInvalidConfiguration)
}

func TestNewWalkForward(t *testing.T) {
	_, err := NewWalkForward(nil, pullbackSpace(), barConfig(SearcherGrid, 0))
	assert.ErrorIs(t, err, ErrInvalidConfiguration)

	_, err = NewWalkForward(NewRuleEngine(pullbackRules()), ParameterSpace{}, barConfig(SearcherGrid, 0))
	assert.ErrorIs(t, err, ErrInvalidConfiguration)

	config := barConfig(SearcherGrid, 0)
	config.ObjectiveMetric = ""
	config.Parallelism = 0
	wf, err := NewWalkForward(NewRuleEngine(pullbackRules()), pullbackSpace(), config)
	require.NoError(t, err)
	assert.Equal(t, "sharpe", wf.Config().ObjectiveMetric)
	assert.Equal(t, 1, wf.Config().Parallelism)
	assert.Equal(t, Bars(100), wf.Config().StepWindow)

	custom := Objective{Name: "trades", Fn: func(m *Metrics) float64 { return float64(m.TotalTrades) }}
	wf, err = NewWalkForward(NewRuleEngine(pullbackRules()), pullbackSpace(), config, WithObjective(custom))
	require.NoError(t, err)
	assert.Equal(t, "trades", wf.Config().ObjectiveMetric)
}

func TestWalkForward_Observer(t *testing.T) {
	observer := newRecordingObserver()
	series := generateSeries(t, 600, 7)
	runWalkForward(t, NewRuleEngine(pullbackRules()), barConfig(SearcherGrid, 0), series, WithObserver(observer))

	require.Len(t, observer.states, 4)
	for i := 0; i < 4; i++ {
		assert.Equal(t, []FoldState{FoldPending, FoldOptimizing, FoldEvaluatingOOS, FoldDone}, observer.states[i])
		assert.Equal(t, 25, observer.trials[i])
	}
}

func TestWalkForward_SearcherFactoryOverride(t *testing.T) {
	series := generateSeries(t, 600, 7)
	var seeds sync.Map
	factory := func(space ParameterSpace, budget int, seed int64) (Searcher, error) {
		seeds.Store(seed, true)
		return NewGridSearch(space, 3)
	}

	report := runWalkForward(t, NewRuleEngine(pullbackRules()), barConfig(SearcherGrid, 0), series, WithSearcherFactory(factory))
	distinct := 0
	seeds.Range(func(any, any) bool { distinct++; return true })
	assert.Equal(t, 4, distinct)
	for _, f := range report.Folds {
		assert.Equal(t, 3, f.Evaluations)
	}
}

// memoryCache is an in-process FoldCache
type memoryCache struct {
	mu    sync.Mutex
	items map[string]FoldResult
}

func (c *memoryCache) Get(_ context.Context, key string) (*FoldResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.items[key]
	if !ok {
		return nil, false
	}
	return &r, true
}

func (c *memoryCache) Put(_ context.Context, key string, result *FoldResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.items == nil {
		c.items = make(map[string]FoldResult)
	}
	c.items[key] = *result
	return nil
}

func TestWalkForward_FoldCache(t *testing.T) {
	series := generateSeries(t, 600, 7)
	cache := &memoryCache{}

	var calls atomic.Int64
	base := NewRuleEngine(pullbackRules())
	evaluator := EvaluatorFunc(func(ctx context.Context, s *PriceSeries, params ParameterSet, cost CostModel) (*TradeRecord, error) {
		calls.Add(1)
		return base.Evaluate(ctx, s, params, cost)
	})

	config := barConfig(SearcherGrid, 0)
	first := runWalkForward(t, evaluator, config, series, WithFoldCache(cache))
	assert.Len(t, cache.items, 4)
	firstCalls := calls.Load()
	assert.Positive(t, firstCalls)

	second := runWalkForward(t, evaluator, config, series, WithFoldCache(cache))
	assert.Equal(t, firstCalls, calls.Load(), "cached folds must not be re-evaluated")
	for i, f := range second.Folds {
		assert.True(t, f.Cached)
		assert.Equal(t, first.Folds[i].BestParams, f.BestParams)
		assert.Equal(t, first.Folds[i].OOSMetrics, f.OOSMetrics)
	}
	assert.Equal(t, first.Aggregate, second.Aggregate)

	config.Seed++
	config.Optimizer = SearcherRandom
	config.Budget = 3
	runWalkForward(t, evaluator, config, series, WithFoldCache(cache))
	assert.Greater(t, calls.Load(), firstCalls, "a different configuration misses the cache")
	assert.Len(t, cache.items, 8)
}

func TestWalkForward_FoldCacheKeysOnSizer(t *testing.T) {
	series := generateSeries(t, 600, 7)
	cache := &memoryCache{}
	config := barConfig(SearcherGrid, 0)

	single := runWalkForward(t, NewRuleEngine(pullbackRules()), config, series, WithFoldCache(cache))
	five := runWalkForward(t, NewRuleEngine(pullbackRules(), WithSizer(FixedContracts(5))), config, series, WithFoldCache(cache))
	assert.Len(t, cache.items, 8)

	for i, f := range five.Folds {
		require.Equal(t, FoldDone, f.State, f.FailureReason)
		assert.False(t, f.Cached, "fold %d reused a result sized for one contract", i)
		for _, trade := range f.OOSTrades.Trades {
			assert.Equal(t, 5, trade.Contracts)
		}
		if single.Folds[i].OOSMetrics.TotalTrades > 0 {
			assert.NotEqual(t, single.Folds[i].OOSMetrics.NetProfit, f.OOSMetrics.NetProfit)
		}
	}

	again := runWalkForward(t, NewRuleEngine(pullbackRules(), WithSizer(FixedContracts(5))), config, series, WithFoldCache(cache))
	for i, f := range again.Folds {
		assert.True(t, f.Cached)
		assert.Equal(t, five.Folds[i].OOSMetrics, f.OOSMetrics)
	}
}

func TestRuleEngine_CacheKey(t *testing.T) {
	one := NewRuleEngine(pullbackRules())
	assert.Equal(t, one.CacheKey(), NewRuleEngine(pullbackRules()).CacheKey())
	assert.NotEqual(t, one.CacheKey(), NewRuleEngine(pullbackRules(), WithSizer(FixedContracts(2))).CacheKey())
	assert.NotEqual(t, one.CacheKey(), NewRuleEngine(pullbackRules(), WithSizer(DefaultKellySizer())).CacheKey())
	assert.NotEqual(t, one.CacheKey(), NewRuleEngine(pullbackRules(), WithEngineCapital(50000)).CacheKey())
}

func TestWalkForwardReport_OOSSpan(t *testing.T) {
	day := func(d int) time.Time { return testStart.AddDate(0, 0, d) }
	fold := func(state FoldState, from, to int) *FoldResult {
		return &FoldResult{State: state, Fold: Fold{OOSStartDate: day(from), OOSEndDate: day(to)}}
	}

	report := &WalkForwardReport{Folds: []*FoldResult{
		fold(FoldFailed, 0, 9),
		fold(FoldDone, 10, 19),
		fold(FoldDone, 20, 29),
		fold(FoldFailed, 30, 39),
	}}
	from, to, ok := report.OOSSpan()
	require.True(t, ok)
	assert.Equal(t, day(10), from)
	assert.Equal(t, day(29), to)

	_, _, ok = (&WalkForwardReport{Folds: []*FoldResult{fold(FoldFailed, 0, 9)}}).OOSSpan()
	assert.False(t, ok)
}

func doneFold(index int, isNet, oosNet, isSharpe, oosSharpe float64, params ParameterSet) *FoldResult {
	return &FoldResult{
		Fold:       Fold{Index: index},
		State:      FoldDone,
		BestParams: params,
		ISMetrics:  &Metrics{NetProfit: isNet, SharpeRatio: isSharpe, AnnualizedReturn: 0.2},
		OOSMetrics: &Metrics{NetProfit: oosNet, SharpeRatio: oosSharpe, AnnualizedReturn: 0.1},
	}
}

func TestAggregate(t *testing.T) {
	objective, err := ObjectiveByName("sharpe")
	require.NoError(t, err)

	results := []*FoldResult{
		doneFold(0, 100, 50, 2, 1, ParameterSet{"period": 10, "mode": "fast"}),
		{Fold: Fold{Index: 1}, State: FoldFailed, FailureKind: FailureTimeout},
		doneFold(2, 100, -20, 2, 0.5, ParameterSet{"period": 14, "mode": "slow"}),
		nil,
	}
	agg := Aggregate(results, objective)

	assert.Equal(t, 2, agg.CompletedFolds)
	assert.Equal(t, 1, agg.FailedFolds)
	assert.Equal(t, map[string]int{FailureTimeout: 1}, agg.FailureKinds)
	assert.InDelta(t, 2, agg.ObjectiveISMean, 1e-12)
	assert.InDelta(t, 0.75, agg.ObjectiveOOSMean, 1e-12)
	assert.InDelta(t, 0.75, agg.ObjectiveOOSMedian, 1e-12)
	assert.InDelta(t, 0.353553390593, agg.ObjectiveOOSStdDev, 1e-9)
	assert.InDelta(t, 0.375, agg.ObjectiveDegradation, 1e-12)
	assert.InDelta(t, 1/(1+0.353553390593/0.75), agg.Stability, 1e-9)
	assert.InDelta(t, 0.5, agg.Consistency, 1e-12)
	assert.InDelta(t, 0.5, agg.Efficiency, 1e-12)
	assert.InDelta(t, 15, agg.Metrics["net_profit"].OOSMean, 1e-12)
	assert.InDelta(t, 0.15, agg.Metrics["net_profit"].Degradation, 1e-12)
	assert.InDelta(t, 2.828427124746, agg.ParameterStability["period"], 1e-9)
	assert.NotContains(t, agg.ParameterStability, "mode")
}

func TestAggregate_EdgeCases(t *testing.T) {
	objective, err := ObjectiveByName("sharpe")
	require.NoError(t, err)

	empty := Aggregate(nil, objective)
	assert.Zero(t, empty.CompletedFolds)
	assert.Zero(t, empty.Stability)

	single := Aggregate([]*FoldResult{doneFold(0, 100, 50, 2, 1, nil)}, objective)
	assert.Equal(t, 1, single.CompletedFolds)
	assert.Zero(t, single.Stability, "stability needs at least two folds")
	assert.InDelta(t, 1, single.ObjectiveOOSMedian, 1e-12)

	zeroIS := Aggregate([]*FoldResult{doneFold(0, 0, 50, 0, 1, nil), doneFold(1, 0, 50, 0, 1, nil)}, objective)
	assert.Zero(t, zeroIS.ObjectiveDegradation)
	assert.InDelta(t, 1, zeroIS.Stability, 1e-12)
}

func TestStitchEquity(t *testing.T) {
	dates := weekdayDates(6)
	point := func(i int, equity float64) *EquityPoint {
		return &EquityPoint{Timestamp: dates[i], Equity: equity}
	}
	withCurve := func(index, start, end int, curve ...*EquityPoint) *FoldResult {
		return &FoldResult{
			Fold:       Fold{Index: index, OOSStart: start, OOSEnd: end},
			State:      FoldDone,
			OOSMetrics: &Metrics{StartingCapital: 100},
			OOSEquity:  curve,
		}
	}

	results := []*FoldResult{
		withCurve(0, 0, 1, point(0, 110), point(1, 120)),
		withCurve(1, 1, 2, point(1, 50), point(2, 50)),
		{Fold: Fold{Index: 2, OOSStart: 2, OOSEnd: 3}, State: FoldFailed},
		withCurve(3, 4, 5, point(4, 90), point(5, 105)),
	}
	stitched := StitchEquity(results, 100)

	require.Len(t, stitched, 4)
	assert.InDelta(t, 110, stitched[0].Equity, 1e-9)
	assert.InDelta(t, 120, stitched[1].Equity, 1e-9)
	assert.InDelta(t, 108, stitched[2].Equity, 1e-9)
	assert.InDelta(t, 126, stitched[3].Equity, 1e-9)
	assert.Equal(t, dates[4], stitched[2].Timestamp)

	assert.Empty(t, StitchEquity(nil, 100))
}

func TestWalkForward_FailureKinds(t *testing.T) {
	wf := &WalkForward{}
	tests := []struct {
		err  error
		kind string
	}{
		{err: fmt.Errorf("fold: %w", ErrTimeout), kind: FailureTimeout},
		{err: fmt.Errorf("fold: %w", ErrNoFeasibleParameters), kind: FailureNoFeasible},
		{err: errors.New("boom"), kind: FailureEvaluationError},
	}
	for _, tt := range tests {
		res := &FoldResult{}
		wf.fail(res, tt.err, zerolog.Nop())
		assert.Equal(t, FoldFailed, res.State)
		assert.Equal(t, tt.kind, res.FailureKind)
		assert.Equal(t, tt.err.Error(), res.FailureReason)
	}
}
