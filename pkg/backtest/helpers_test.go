package backtest

import (
	"context"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// ============================================================================
// TEST DATA
// ============================================================================

// testStart is a Wednesday
var testStart = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

// weekdayDates returns n consecutive weekdays starting at testStart
func weekdayDates(n int) []time.Time {
	dates := make([]time.Time, 0, n)
	for d := testStart; len(dates) < n; d = d.AddDate(0, 0, 1) {
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}
		dates = append(dates, d)
	}
	return dates
}

// generateCandles builds a seeded random walk of n weekday bars
func generateCandles(n int, seed int64) []*Candlestick {
	rng := rand.New(rand.NewSource(seed))
	dates := weekdayDates(n)
	candles := make([]*Candlestick, n)
	price := 100.0
	for i := range candles {
		open := price * (1 + rng.NormFloat64()*0.002)
		price *= math.Exp(rng.NormFloat64() * 0.01)
		high := math.Max(open, price) * (1 + math.Abs(rng.NormFloat64())*0.003)
		low := math.Min(open, price) * (1 - math.Abs(rng.NormFloat64())*0.003)
		candles[i] = &Candlestick{
			Symbol:    "ES",
			Timestamp: dates[i],
			Open:      open,
			High:      high,
			Low:       low,
			Close:     price,
			Volume:    1000 + float64(rng.Intn(500)),
		}
	}
	return candles
}

func generateSeries(t testing.TB, n int, seed int64) *PriceSeries {
	t.Helper()
	series, err := NewPriceSeries("ES", generateCandles(n, seed))
	require.NoError(t, err)
	return series
}

// seriesFromPrices builds bars with the given opens and closes
func seriesFromPrices(t testing.TB, opens, closes []float64) *PriceSeries {
	t.Helper()
	require.Equal(t, len(opens), len(closes))
	dates := weekdayDates(len(closes))
	candles := make([]*Candlestick, len(closes))
	for i := range closes {
		candles[i] = &Candlestick{
			Timestamp: dates[i],
			Open:      opens[i],
			High:      math.Max(opens[i], closes[i]) + 1,
			Low:       math.Min(opens[i], closes[i]) - 1,
			Close:     closes[i],
			Volume:    100,
		}
	}
	series, err := NewPriceSeries("ES", candles)
	require.NoError(t, err)
	return series
}

// tradeAt is a one-contract long trade between two bars with a fixed net P&L
func tradeAt(series *PriceSeries, entry, exit int, net float64) *Trade {
	return &Trade{
		EntryDate:  series.Bar(entry).Timestamp,
		ExitDate:   series.Bar(exit).Timestamp,
		Side:       SideLong,
		EntryPrice: series.Bar(entry).Open,
		ExitPrice:  series.Bar(exit).Open,
		Contracts:  1,
		PointValue: 1,
		GrossPnL:   net,
		NetPnL:     net,
		Bars:       max(exit-entry, 1),
	}
}

// ============================================================================
// TEST EVALUATORS
// ============================================================================

// scoreEvaluator produces one trade whose net P&L is scores[params["x"]]
func scoreEvaluator(scores map[int]float64) Evaluator {
	return EvaluatorFunc(func(ctx context.Context, series *PriceSeries, params ParameterSet, cost CostModel) (*TradeRecord, error) {
		x, _ := params.Int("x")
		score, ok := scores[x]
		if !ok {
			return &TradeRecord{}, nil
		}
		return &TradeRecord{Trades: []*Trade{tradeAt(series, 0, 1, score)}}, nil
	})
}

// pullbackRules buys when the close is below the close lookback bars ago and
// holds for hold bars
func pullbackRules() Rules {
	return RulesFunc(func(series *PriceSeries, params ParameterSet) (RuleSet, error) {
		return &pullbackRuleSet{
			closes:   series.Closes(),
			lookback: params.IntOr("lookback", 2),
			hold:     params.IntOr("hold", 3),
		}, nil
	})
}

type pullbackRuleSet struct {
	closes   []float64
	lookback int
	hold     int
}

func (r *pullbackRuleSet) Entry(i int) (Side, bool) {
	if i < r.lookback || r.closes[i] >= r.closes[i-r.lookback] {
		return "", false
	}
	return SideLong, true
}

func (r *pullbackRuleSet) Exit(i int, pos *Position) (string, bool) {
	return "time", pos.BarsHeld >= r.hold
}

func pullbackSpace() ParameterSpace {
	return ParameterSpace{
		{Name: "lookback", Type: ParamTypeInt, Min: 1, Max: 5, Step: 1},
		{Name: "hold", Type: ParamTypeInt, Min: 1, Max: 5, Step: 1},
	}
}

func testCost() CostModel {
	return CostModel{CommissionPerContract: 2.5, SlippagePerContract: 12.5, PointValue: 50}
}
