package strategies

import (
	"math"

	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/trend"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// minHurstPoints is the shortest segment the rescaled-range estimate accepts
const minHurstPoints = 8

// hurstScales is the number of log-spaced sub-window sizes tried
const hurstScales = 10

// RSI returns the relative strength index of closes aligned to the input:
// out[i] is the RSI at the close of bar i, NaN until the lookback is full.
func RSI(closes []float64, period int) []float64 {
	out := nanSlice(len(closes))
	if period < 1 || len(closes) <= period {
		return out
	}

	rsi := momentum.NewRsiWithPeriod[float64](period)
	return alignTail(out, collect(rsi.Compute(feed(closes))))
}

// CompositeRSI is a short RSI smoothed by an EMA over long bars
func CompositeRSI(closes []float64, short, long int) []float64 {
	out := nanSlice(len(closes))
	raw := RSI(closes, short)

	// Skip the warm-up and any undefined values before smoothing
	start := 0
	for start < len(raw) && math.IsNaN(raw[start]) {
		start++
	}
	valid := raw[start:]
	if long <= 1 {
		copy(out[start:], valid)
		return out
	}
	if len(valid) < long {
		return out
	}

	for i, v := range valid {
		if math.IsNaN(v) {
			valid[i] = 50
		}
	}
	ema := trend.NewEmaWithPeriod[float64](long)
	return alignTail(out, collect(ema.Compute(feed(valid))))
}

// HurstRS estimates the Hurst exponent of values by rescaled range: the
// slope of log10(R/S) against log10(window) over log-spaced windows from 4
// to half the length. It returns NaN for fewer than 8 points or when fewer
// than two window sizes produce a defined R/S.
func HurstRS(values []float64) float64 {
	n := len(values)
	if n < minHurstPoints {
		return math.NaN()
	}

	var xs, ys []float64
	seg := make([]float64, 0, n)
	cum := make([]float64, n)
	for _, w := range hurstWindows(n / 2) {
		var sum float64
		var count int
		for s := 0; s+w <= n; s += w {
			seg = append(seg[:0], values[s:s+w]...)
			mean, std := stat.PopMeanStdDev(seg, nil)
			if std == 0 {
				continue
			}
			floats.AddConst(-mean, seg)
			y := floats.CumSum(cum[:w], seg)
			sum += (floats.Max(y) - floats.Min(y)) / std
			count++
		}
		if count > 0 {
			xs = append(xs, math.Log10(float64(w)))
			ys = append(ys, math.Log10(sum/float64(count)))
		}
	}
	if len(xs) < 2 {
		return math.NaN()
	}

	_, slope := stat.LinearRegression(xs, ys, nil, false)
	return slope
}

// RollingHurst applies HurstRS over a trailing window ending at each bar
func RollingHurst(closes []float64, window int) []float64 {
	out := nanSlice(len(closes))
	if window < minHurstPoints {
		return out
	}
	for i := window - 1; i < len(closes); i++ {
		out[i] = HurstRS(closes[i-window+1 : i+1])
	}
	return out
}

// hurstWindows returns distinct floor(logspace(log10 4, log10 maxWindow))
// sizes in increasing order
func hurstWindows(maxWindow int) []int {
	lo, hi := math.Log10(4), math.Log10(float64(maxWindow))
	var sizes []int
	for k := range hurstScales {
		w := int(math.Floor(math.Pow(10, lo+(hi-lo)*float64(k)/float64(hurstScales-1)) + 1e-9))
		if len(sizes) == 0 || w > sizes[len(sizes)-1] {
			sizes = append(sizes, w)
		}
	}
	return sizes
}

func feed(values []float64) <-chan float64 {
	c := make(chan float64, len(values))
	for _, v := range values {
		c <- v
	}
	close(c)
	return c
}

func collect(c <-chan float64) []float64 {
	var out []float64
	for v := range c {
		out = append(out, v)
	}
	return out
}

// alignTail writes values into the end of out. Streaming indicators drop
// their warm-up period, so the last value always belongs to the last bar.
func alignTail(out, values []float64) []float64 {
	if len(values) > len(out) {
		values = values[len(values)-len(out):]
	}
	copy(out[len(out)-len(values):], values)
	return out
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}
