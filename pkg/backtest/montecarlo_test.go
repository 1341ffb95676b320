package backtest

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMonteCarlo(t *testing.T, evaluator Evaluator, parallelism int, opts ...MonteCarloOption) *MonteCarlo {
	t.Helper()
	config := DefaultMonteCarloConfig()
	config.Parallelism = parallelism
	config.Cost = testCost()
	mc, err := NewMonteCarlo(evaluator, netProfitObjective(t), config, opts...)
	require.NoError(t, err)
	return mc
}

func pullbackInput(t *testing.T) SimulationInput {
	return SimulationInput{
		Series: generateSeries(t, 300, 5),
		Params: ParameterSet{"lookback": 2, "hold": 3},
		Space:  pullbackSpace(),
	}
}

func TestMonteCarlo_RejectsNonPositiveCount(t *testing.T) {
	mc := newTestMonteCarlo(t, NewRuleEngine(pullbackRules()), 1)
	for _, n := range []int{0, -5} {
		report, err := mc.Simulate(context.Background(), pullbackInput(t), ModePath, n, 1)
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
		assert.Nil(t, report)
	}

	_, err := mc.Simulate(context.Background(), pullbackInput(t), "shuffle", 10, 1)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)

	_, err = mc.Simulate(context.Background(), SimulationInput{}, ModePath, 10, 1)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestMonteCarlo_PathResamplingIsReproducible(t *testing.T) {
	input := pullbackInput(t)

	first, err := newTestMonteCarlo(t, NewRuleEngine(pullbackRules()), 4).
		Simulate(context.Background(), input, ModePath, 1000, 99)
	require.NoError(t, err)
	second, err := newTestMonteCarlo(t, NewRuleEngine(pullbackRules()), 1).
		Simulate(context.Background(), input, ModePath, 1000, 99)
	require.NoError(t, err)

	first.Duration, second.Duration = 0, 0
	assert.Equal(t, first, second)

	assert.Equal(t, 1000, first.Simulations)
	assert.Equal(t, 1000, first.Excluded+len(first.Distribution))
	assert.LessOrEqual(t, first.ObjectivePercentiles.P5, first.ObjectivePercentiles.P50)
	assert.LessOrEqual(t, first.ObjectivePercentiles.P50, first.ObjectivePercentiles.P95)
	assert.Contains(t, first.MetricPercentiles, "max_drawdown")
	assert.GreaterOrEqual(t, first.ProbabilityOfLoss, 0.0)
	assert.LessOrEqual(t, first.ProbabilityOfLoss, 1.0)
	require.NotNil(t, first.Baseline)

	third, err := newTestMonteCarlo(t, NewRuleEngine(pullbackRules()), 4).
		Simulate(context.Background(), input, ModePath, 1000, 100)
	require.NoError(t, err)
	assert.NotEqual(t, first.ObjectivePercentiles, third.ObjectivePercentiles)
}

func TestMonteCarlo_Exclusions(t *testing.T) {
	series := generateSeries(t, 50, 1)
	evaluator := EvaluatorFunc(func(ctx context.Context, s *PriceSeries, params ParameterSet, cost CostModel) (*TradeRecord, error) {
		x, _ := params.Float("x")
		switch {
		case x < 4:
			return &TradeRecord{}, nil
		case x > 6:
			return nil, errors.New("unstable")
		}
		return &TradeRecord{Trades: []*Trade{tradeAt(s, 0, 1, x)}}, nil
	})

	config := DefaultMonteCarloConfig()
	config.Jitter = 0.5
	mc, err := NewMonteCarlo(evaluator, netProfitObjective(t), config)
	require.NoError(t, err)

	input := SimulationInput{
		Series: series,
		Params: ParameterSet{"x": 5.0},
		Space:  ParameterSpace{{Name: "x", Type: ParamTypeFloat, Min: 0, Max: 10}},
	}
	report, err := mc.Simulate(context.Background(), input, ModeParams, 200, 3)
	require.NoError(t, err)

	noTrades, failed := 0, 0
	for _, sim := range report.Runs {
		x, _ := sim.Params.Float("x")
		assert.GreaterOrEqual(t, x, 2.5)
		assert.LessOrEqual(t, x, 7.5)
		switch {
		case x < 4:
			noTrades++
			assert.True(t, sim.Excluded)
			assert.Equal(t, ExcludedNoTrades, sim.Reason)
		case x > 6:
			failed++
			assert.True(t, sim.Excluded)
			assert.Contains(t, sim.Reason, "unstable")
		default:
			assert.False(t, sim.Excluded)
			assert.InDelta(t, x, sim.Score, 1e-6)
		}
	}
	assert.Positive(t, noTrades)
	assert.Positive(t, failed)
	assert.Equal(t, noTrades+failed, report.Excluded)
	assert.Equal(t, noTrades, report.ExclusionReasons[ExcludedNoTrades])
	assert.Equal(t, failed, report.ExclusionReasons[ExcludedEvaluator])
	assert.Len(t, report.Distribution, 200-report.Excluded)
	assert.GreaterOrEqual(t, report.ObjectivePercentiles.P5, 4.0-1e-6)
	assert.LessOrEqual(t, report.ObjectivePercentiles.P95, 6.0+1e-6)
	assert.Zero(t, report.ProbabilityOfLoss)
}

func TestMonteCarlo_AllExcluded(t *testing.T) {
	mc := newTestMonteCarlo(t, scoreEvaluator(nil), 2)

	report, err := mc.Simulate(context.Background(), SimulationInput{Series: generateSeries(t, 50, 1)}, ModePath, 25, 1)
	require.NoError(t, err)
	assert.Equal(t, 25, report.Excluded)
	assert.Empty(t, report.Distribution)
	assert.Equal(t, Percentiles{}, report.ObjectivePercentiles)
	assert.Zero(t, report.ScoreAt(0.5))
}

func TestMonteCarlo_PathErrorsAreExcluded(t *testing.T) {
	mc := newTestMonteCarlo(t, NewRuleEngine(pullbackRules()), 1)
	input := SimulationInput{Series: generateSeries(t, 2, 1), Params: ParameterSet{"lookback": 1, "hold": 1}}

	report, err := mc.Simulate(context.Background(), input, ModePath, 5, 1)
	require.NoError(t, err)
	assert.Equal(t, 5, report.ExclusionReasons[ExcludedPath])
}

func TestMonteCarlo_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	mc := newTestMonteCarlo(t, NewRuleEngine(pullbackRules()), 2)
	report, err := mc.Simulate(ctx, pullbackInput(t), ModeBoth, 50, 1)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Nil(t, report)
}

func TestMonteCarlo_Observer(t *testing.T) {
	observer := newRecordingObserver()
	mc := newTestMonteCarlo(t, NewRuleEngine(pullbackRules()), 3, WithSimulationObserver(observer))

	_, err := mc.Simulate(context.Background(), pullbackInput(t), ModeBoth, 40, 1)
	require.NoError(t, err)
	assert.Equal(t, 40, observer.simulations)
}

func TestNewMonteCarlo_Validation(t *testing.T) {
	objective := netProfitObjective(t)
	evaluator := NewRuleEngine(pullbackRules())

	_, err := NewMonteCarlo(nil, objective, DefaultMonteCarloConfig())
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
	_, err = NewMonteCarlo(evaluator, Objective{}, DefaultMonteCarloConfig())
	assert.ErrorIs(t, err, ErrInvalidConfiguration)

	for name, mutate := range map[string]func(*MonteCarloConfig){
		"negative block": func(c *MonteCarloConfig) { c.BlockSize = -1 },
		"jitter of one":  func(c *MonteCarloConfig) { c.Jitter = 1 },
		"no capital":     func(c *MonteCarloConfig) { c.StartingCapital = 0 },
		"negative cost":  func(c *MonteCarloConfig) { c.Cost.SlippagePerContract = -1 },
	} {
		t.Run(name, func(t *testing.T) {
			config := DefaultMonteCarloConfig()
			mutate(&config)
			_, err := NewMonteCarlo(evaluator, objective, config)
			assert.ErrorIs(t, err, ErrInvalidConfiguration)
		})
	}
}

func TestParseMonteCarloMode(t *testing.T) {
	mode, err := ParseMonteCarloMode(" Both ")
	require.NoError(t, err)
	assert.Equal(t, ModeBoth, mode)

	_, err = ParseMonteCarloMode("trades")
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestMonteCarloReport_ScoreAt(t *testing.T) {
	report := &MonteCarloReport{}
	for i := 1; i <= 100; i++ {
		report.Runs = append(report.Runs, &Simulation{Index: i, Score: float64(i)})
	}
	report.Runs = append(report.Runs, &Simulation{Score: 1e9, Excluded: true})

	assert.Equal(t, 1.0, report.ScoreAt(0))
	assert.Equal(t, 50.0, report.ScoreAt(0.5))
	assert.Equal(t, 100.0, report.ScoreAt(2))
	assert.Zero(t, report.ScoreAt(math.NaN()))
}

func TestBlockBootstrap(t *testing.T) {
	series := generateSeries(t, 120, 4)
	returns := series.LogReturns()

	synthetic, err := BlockBootstrap(series, 10, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	require.Equal(t, series.Len(), synthetic.Len())
	assert.Equal(t, series.Bar(0), synthetic.Bar(0))

	for i := 1; i < synthetic.Len(); i++ {
		bar := synthetic.Bar(i)
		assert.Equal(t, series.Bar(i).Timestamp, bar.Timestamp)
		require.NoError(t, bar.Validate())

		r := math.Log(bar.Close / synthetic.Bar(i-1).Close)
		source := -1
		for k, orig := range returns {
			if math.Abs(orig-r) < 1e-9 && series.Bar(k+1).Volume == bar.Volume {
				source = k + 1
				break
			}
		}
		require.NotEqual(t, -1, source, "bar %d has no source bar", i)
		src := series.Bar(source)
		assert.InDelta(t, src.Open/src.Close, bar.Open/bar.Close, 1e-9)
	}
}

func TestBlockBootstrap_FullBlockIsRotation(t *testing.T) {
	series := generateSeries(t, 30, 4)
	returns := series.LogReturns()

	synthetic, err := BlockBootstrap(series, 1000, rand.New(rand.NewSource(9)))
	require.NoError(t, err)
	resampled := synthetic.LogReturns()

	offset := -1
	for k := range returns {
		if math.Abs(returns[k]-resampled[0]) < 1e-12 {
			offset = k
			break
		}
	}
	require.NotEqual(t, -1, offset)
	for j := range resampled {
		assert.InDelta(t, returns[(offset+j)%len(returns)], resampled[j], 1e-9)
	}
}

func TestBlockBootstrap_Deterministic(t *testing.T) {
	series := generateSeries(t, 60, 2)
	a, err := BlockBootstrap(series, 5, rand.New(rand.NewSource(3)))
	require.NoError(t, err)
	b, err := BlockBootstrap(series, 5, rand.New(rand.NewSource(3)))
	require.NoError(t, err)
	assert.Equal(t, a.Candles(), b.Candles())

	_, err = BlockBootstrap(generateSeries(t, 2, 1), 5, rand.New(rand.NewSource(3)))
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestJitterParameters(t *testing.T) {
	space := ParameterSpace{
		{Name: "period", Type: ParamTypeInt, Min: 2, Max: 20},
		{Name: "threshold", Type: ParamTypeFloat, Min: 0, Max: 1},
		{Name: "offset", Type: ParamTypeFloat, Min: -2, Max: 2},
		{Name: "mode", Type: ParamTypeString, Values: []string{"fast", "slow"}},
	}
	base := ParameterSet{"period": 20, "threshold": 0.98, "offset": 0.0, "mode": "slow", "extra": 7, "window": 63.0}

	rng := rand.New(rand.NewSource(4))
	for i := 0; i < 500; i++ {
		ps := JitterParameters(base, space, 0.25, rng)

		require.NoError(t, space.Contains(ps))
		assert.Equal(t, "slow", ps["mode"])
		assert.Equal(t, 7, ps["extra"], "undeclared parameters are not optimized and stay fixed")
		assert.Equal(t, 63.0, ps["window"])

		offset, _ := ps.Float("offset")
		assert.LessOrEqual(t, math.Abs(offset), 0.25*4+1e-12)
	}
	assert.Equal(t, 20, base["period"], "input must not be modified")

	a := JitterParameters(base, space, 0.1, rand.New(rand.NewSource(8)))
	b := JitterParameters(base, space, 0.1, rand.New(rand.NewSource(8)))
	assert.Equal(t, a, b)

	unchanged := JitterParameters(base, space, 0, rand.New(rand.NewSource(8)))
	assert.Equal(t, base, unchanged)
}
