package backtest

import (
	"fmt"
	"math"
	"math/rand"
)

// DefaultBlockSize is the bootstrap block length in bars
const DefaultBlockSize = 20

// BlockBootstrap builds a synthetic path by circular block resampling of the
// series' daily log returns. Each rebuilt bar keeps the open/high/low to close
// ratios and the volume of the bar its return was drawn from; dates and the
// first close are kept.
func BlockBootstrap(series *PriceSeries, blockSize int, rng *rand.Rand) (*PriceSeries, error) {
	n := series.Len()
	if n < 3 {
		return nil, fmt.Errorf("%w: block bootstrap needs at least 3 bars, got %d", ErrInsufficientData, n)
	}
	returns := series.LogReturns()
	m := len(returns)
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	blockSize = min(blockSize, m)

	// sources[k] is the original return index used for synthetic return k
	sources := make([]int, 0, m)
	for len(sources) < m {
		start := rng.Intn(m)
		for k := 0; k < blockSize && len(sources) < m; k++ {
			sources = append(sources, (start+k)%m)
		}
	}

	candles := make([]*Candlestick, n)
	first := series.bars[0]
	candles[0] = &first
	closePrice := first.Close
	for t := 1; t < n; t++ {
		src := sources[t-1]
		shape := series.bars[src+1]
		closePrice *= math.Exp(returns[src])

		open := closePrice * shape.Open / shape.Close
		high := closePrice * shape.High / shape.Close
		low := closePrice * shape.Low / shape.Close
		candles[t] = &Candlestick{
			Symbol:    series.symbol,
			Timestamp: series.bars[t].Timestamp,
			Open:      open,
			High:      math.Max(high, math.Max(open, closePrice)),
			Low:       math.Min(low, math.Min(open, closePrice)),
			Close:     closePrice,
			Volume:    shape.Volume,
		}
	}

	return NewPriceSeries(series.symbol, candles)
}

// JitterParameters perturbs every numeric parameter declared in space by a
// uniform factor in [-fraction, +fraction] and clamps it to its bounds. Zero
// values are jittered by the same fraction of the declared range. Parameters
// the space does not declare are fixed settings, not optimized ones, and are
// left untouched like categorical and boolean values. Parameters are visited
// in name order so the result depends only on rng.
func JitterParameters(ps ParameterSet, space ParameterSpace, fraction float64, rng *rand.Rand) ParameterSet {
	out := ps.Clone()
	for _, name := range ps.Names() {
		p, declared := space.Lookup(name)
		if !declared || !p.IsNumeric() {
			continue
		}
		v, ok := toFloat(ps[name])
		if !ok {
			continue
		}
		u := (rng.Float64()*2 - 1) * fraction
		if v == 0 {
			v += u * (p.Max - p.Min)
		} else {
			v *= 1 + u
		}
		out[name] = p.clamp(v)
	}
	return out
}
