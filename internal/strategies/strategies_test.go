package strategies

import (
	"context"
	"math"
	"math/rand"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/foldwise/pkg/backtest"
)

// seriesFromCloses builds daily bars opening at the previous close
func seriesFromCloses(t *testing.T, closes []float64) *backtest.PriceSeries {
	t.Helper()
	start := time.Date(2021, 1, 4, 0, 0, 0, 0, time.UTC)
	candles := make([]*backtest.Candlestick, len(closes))
	for i, c := range closes {
		open := c
		if i > 0 {
			open = closes[i-1]
		}
		candles[i] = &backtest.Candlestick{
			Timestamp: start.AddDate(0, 0, i),
			Open:      open,
			High:      math.Max(open, c) + 0.5,
			Low:       math.Min(open, c) - 0.5,
			Close:     c,
			Volume:    1000,
		}
	}
	series, err := backtest.NewPriceSeries("ES", candles)
	require.NoError(t, err)
	return series
}

// noisyWave is a seeded oscillating series with enough pullbacks to trade
func noisyWave(n int, seed int64) []float64 {
	rng := rand.New(rand.NewSource(seed))
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = 4000 + 60*math.Sin(float64(i)/6) + float64(i)*0.5 + rng.NormFloat64()*8
	}
	return closes
}

func ramp(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 100 + float64(i)
	}
	return out
}

func TestRSIAlignment(t *testing.T) {
	up := RSI(ramp(30), 2)
	require.Len(t, up, 30)
	assert.True(t, math.IsNaN(up[0]), "no RSI before the lookback is full")
	assert.InDelta(t, 100, up[29], 1e-9, "only gains")

	down := ramp(30)
	slices.Reverse(down)
	assert.InDelta(t, 0, RSI(down, 2)[29], 1e-9, "only losses")

	short := RSI([]float64{1, 2}, 2)
	assert.True(t, math.IsNaN(short[0]) && math.IsNaN(short[1]))
}

func TestCompositeRSIRange(t *testing.T) {
	closes := noisyWave(120, 1)
	comp := CompositeRSI(closes, 2, 24)
	require.Len(t, comp, len(closes))

	assert.True(t, math.IsNaN(comp[0]))
	defined := 0
	for _, v := range comp {
		if math.IsNaN(v) {
			continue
		}
		defined++
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 100.0)
	}
	assert.Greater(t, defined, 80)

	assert.Len(t, CompositeRSI(closes[:10], 2, 24), 10, "too short to smooth")
}

func TestHurstRS(t *testing.T) {
	assert.True(t, math.IsNaN(HurstRS([]float64{1, 2, 3, 4, 5, 6, 7})), "fewer than 8 points")
	assert.True(t, math.IsNaN(HurstRS(make([]float64, 40))), "zero variance everywhere")

	assert.Greater(t, HurstRS(ramp(64)), 0.9, "a straight trend persists")

	alternating := make([]float64, 64)
	for i := range alternating {
		alternating[i] = 100 + float64(1-2*(i%2))
	}
	assert.Less(t, HurstRS(alternating), 0.2, "strict alternation mean-reverts")
}

func TestHurstWindows(t *testing.T) {
	assert.Equal(t, []int{4}, hurstWindows(4))

	w := hurstWindows(50)
	assert.Equal(t, 4, w[0])
	assert.Equal(t, 50, w[len(w)-1])
	assert.True(t, slices.IsSorted(w))
	assert.LessOrEqual(t, len(w), hurstScales)
}

func TestRollingHurst(t *testing.T) {
	closes := noisyWave(60, 2)
	h := RollingHurst(closes, 20)
	require.Len(t, h, 60)
	assert.True(t, math.IsNaN(h[18]))
	assert.False(t, math.IsNaN(h[19]))
	assert.Equal(t, HurstRS(closes[40:60]), h[59])

	for _, v := range RollingHurst(closes, 4) {
		assert.True(t, math.IsNaN(v), "window below the minimum")
	}
}

func TestEntryBandAndHurstFilter(t *testing.T) {
	series := seriesFromCloses(t, ramp(5))
	nan := math.NaN()
	rs := &rsi2RuleSet{
		params: rsi2Params{entryLow: 10, entryHigh: 20, hurstThreshold: 0.5},
		series: series,
		rsi:    []float64{nan, 15, 15, 25, 10},
		hurst:  []float64{0.6, 0.6, 0.4, 0.7, nan},
	}

	tests := []struct {
		i    int
		want bool
	}{
		{0, false}, // RSI undefined
		{1, true},
		{2, false}, // mean-reverting regime
		{3, false}, // above the band
		{4, false}, // Hurst undefined
	}
	for _, tt := range tests {
		side, ok := rs.Entry(tt.i)
		assert.Equal(t, tt.want, ok, "bar %d", tt.i)
		if ok {
			assert.Equal(t, backtest.SideLong, side)
		}
	}

	rs.ablation.DisableHurstFilter = true
	_, ok := rs.Entry(2)
	assert.True(t, ok, "filter ablated")
	_, ok = rs.Entry(4)
	assert.True(t, ok, "band is inclusive")
}

func TestExitRules(t *testing.T) {
	// Bars 1-3 close up, bar 4 closes down
	series := seriesFromCloses(t, []float64{100, 101, 102, 103, 99, 100})
	nan := math.NaN()
	rs := &rsi2RuleSet{
		params:    rsi2Params{compositeThreshold: 50, profitableCloses: 3, maxBars: 5},
		series:    series,
		composite: []float64{nan, 40, 40, 40, 60, 40},
	}

	reason, ok := rs.Exit(3, &backtest.Position{EntryIndex: 1, BarsHeld: 3})
	assert.True(t, ok)
	assert.Equal(t, ExitProfitableCloses, reason)

	_, ok = rs.Exit(3, &backtest.Position{EntryIndex: 2, BarsHeld: 2})
	assert.False(t, ok, "fewer bars held than the run length")

	reason, ok = rs.Exit(4, &backtest.Position{EntryIndex: 1, BarsHeld: 4})
	assert.True(t, ok)
	assert.Equal(t, ExitCompositeRSI, reason)

	reason, ok = rs.Exit(5, &backtest.Position{EntryIndex: 1, BarsHeld: 5})
	assert.True(t, ok)
	assert.Equal(t, ExitTime, reason)

	rs.ablation = Ablation{DisableTimeExit: true, DisableCompositeRSIExit: true, DisableProfitableClose: true}
	for i := 1; i < 6; i++ {
		_, ok := rs.Exit(i, &backtest.Position{EntryIndex: 1, BarsHeld: 50})
		assert.False(t, ok, "every exit ablated at bar %d", i)
	}
}

func TestParseAblation(t *testing.T) {
	a, err := ParseAblation([]string{ComponentHurstFilter, ComponentTimeExit})
	require.NoError(t, err)
	assert.Equal(t, Ablation{DisableHurstFilter: true, DisableTimeExit: true}, a)

	_, err = ParseAblation([]string{"stop_loss"})
	assert.ErrorContains(t, err, "unknown strategy component")

	b, err := a.Without(ComponentCompositeRSIExit)
	require.NoError(t, err)
	assert.True(t, b.DisableCompositeRSIExit)
	assert.False(t, a.DisableCompositeRSIExit, "Without copies")
}

func TestSpaceFollowsAblation(t *testing.T) {
	full := NewRSI2Pullback(Ablation{}).Space()
	require.NoError(t, full.Validate())
	_, ok := full.Lookup(ParamHurstThreshold)
	assert.True(t, ok)

	reduced := NewRSI2Pullback(Ablation{DisableHurstFilter: true, DisableTimeExit: true}).Space()
	require.NoError(t, reduced.Validate())
	assert.Len(t, reduced, len(full)-2)
	_, ok = reduced.Lookup(ParamMaxBars)
	assert.False(t, ok)
}

func TestJitterLeavesFixedSettings(t *testing.T) {
	s := NewRSI2Pullback(Ablation{})
	defaults := s.Defaults()
	rng := rand.New(rand.NewSource(5))

	moved := 0
	for i := 0; i < 200; i++ {
		ps := backtest.JitterParameters(defaults, s.Space(), 0.2, rng)
		for _, name := range []string{ParamRSIPeriod, ParamHurstWindow, ParamCompositeShort, ParamCompositeLong} {
			assert.Equal(t, defaults[name], ps[name], name)
		}
		if ps[ParamEntryLow] != defaults[ParamEntryLow] {
			moved++
		}
	}
	assert.Positive(t, moved)
}

func TestCacheKeyFollowsAblation(t *testing.T) {
	full := NewRSI2Pullback(Ablation{})
	assert.Equal(t, full.CacheKey(), NewRSI2Pullback(Ablation{}).CacheKey())
	assert.NotEqual(t, full.CacheKey(), NewRSI2Pullback(Ablation{DisableProfitableClose: true}).CacheKey())

	engine := backtest.NewRuleEngine(full)
	assert.Contains(t, engine.CacheKey(), full.CacheKey())
	assert.NotEqual(t, engine.CacheKey(), backtest.NewRuleEngine(full, backtest.WithSizer(backtest.FixedContracts(3))).CacheKey())
}

func TestPrepareRejectsBadParams(t *testing.T) {
	series := seriesFromCloses(t, noisyWave(40, 3))
	s := NewRSI2Pullback(Ablation{})

	_, err := s.Prepare(series, backtest.ParameterSet{ParamEntryLow: 30.0, ParamEntryHigh: 20.0})
	assert.ErrorContains(t, err, "entry band")
	_, err = s.Prepare(series, backtest.ParameterSet{ParamHurstWindow: 4})
	assert.ErrorContains(t, err, "hurst window")
	_, err = s.Prepare(series, backtest.ParameterSet{ParamMaxBars: 0})
	assert.Error(t, err)

	rules, err := s.Prepare(series, s.Defaults())
	require.NoError(t, err)
	assert.NotNil(t, rules)
}

func TestRSI2PullbackTrades(t *testing.T) {
	series := seriesFromCloses(t, noisyWave(250, 4))
	s := NewRSI2Pullback(Ablation{DisableHurstFilter: true})

	params := s.Defaults()
	params[ParamEntryLow] = 0.0
	params[ParamEntryHigh] = 50.0

	engine := backtest.NewRuleEngine(s)
	record, err := engine.Evaluate(context.Background(), series, params, backtest.CostModel{PointValue: 50})
	require.NoError(t, err)
	require.NotEmpty(t, record.Trades)

	valid := []string{ExitCompositeRSI, ExitProfitableCloses, ExitTime, "end_of_data"}
	for _, trade := range record.Trades {
		assert.Equal(t, backtest.SideLong, trade.Side)
		assert.Contains(t, valid, trade.ExitReason)
		assert.LessOrEqual(t, trade.Bars, 11, "time exit caps the holding period")
	}
}

func TestLookup(t *testing.T) {
	s, err := Lookup(NameRSI2Pullback, Ablation{DisableTimeExit: true})
	require.NoError(t, err)
	assert.True(t, s.(*RSI2Pullback).Ablation.DisableTimeExit)

	_, err = Lookup("turtle", Ablation{})
	assert.ErrorContains(t, err, "unknown strategy")
	assert.Equal(t, []string{NameRSI2Pullback}, Names())
}

func TestRunAblation(t *testing.T) {
	series := seriesFromCloses(t, noisyWave(250, 5))
	objective, err := backtest.ObjectiveByName("net_profit")
	require.NoError(t, err)

	results, err := RunAblation(context.Background(), series, AblationConfig{
		Strategy:        NameRSI2Pullback,
		Params:          backtest.ParameterSet{ParamEntryLow: 0.0, ParamEntryHigh: 50.0},
		Base:            Ablation{DisableHurstFilter: true},
		Objective:       objective,
		Cost:            backtest.CostModel{PointValue: 50},
		StartingCapital: 100000,
	})
	require.NoError(t, err)
	require.Len(t, results, 4, "baseline plus each component still enabled")

	assert.Equal(t, "baseline", results[0].Variant)
	assert.Zero(t, results[0].Delta)
	for _, r := range results[1:] {
		assert.InDelta(t, r.Score-results[0].Score, r.Delta, 1e-9)
		assert.True(t, r.Ablation.DisableHurstFilter)
	}
	assert.Equal(t, "without_time_exit", results[3].Variant)

	table := FormatAblation(results)
	assert.Contains(t, table, "VARIANT")
	assert.Contains(t, table, "without_composite_rsi_exit")

	_, err = RunAblation(context.Background(), series, AblationConfig{Strategy: NameRSI2Pullback})
	assert.Error(t, err)
}
