// Package strategies holds the reference rule sets evaluated by the
// walk-forward engine.
package strategies

import (
	"fmt"
	"math"

	"github.com/ajitpratap0/foldwise/pkg/backtest"
)

// Exit reasons recorded on trades
const (
	ExitCompositeRSI     = "composite_rsi"
	ExitProfitableCloses = "profitable_closes"
	ExitTime             = "time_exit"
)

// Parameter names of the RSI(2) pullback strategy
const (
	ParamRSIPeriod          = "rsi_period"
	ParamEntryLow           = "entry_low"
	ParamEntryHigh          = "entry_high"
	ParamHurstWindow        = "hurst_window"
	ParamHurstThreshold     = "hurst_threshold"
	ParamCompositeShort     = "composite_short"
	ParamCompositeLong      = "composite_long"
	ParamCompositeThreshold = "composite_threshold"
	ParamProfitableCloses   = "max_profitable_closes"
	ParamMaxBars            = "max_bars_in_trade"
)

// Defaults used when a parameter is absent from the set being evaluated
var rsi2Defaults = backtest.ParameterSet{
	ParamRSIPeriod:          2,
	ParamEntryLow:           10.0,
	ParamEntryHigh:          20.0,
	ParamHurstWindow:        20,
	ParamHurstThreshold:     0.5,
	ParamCompositeShort:     2,
	ParamCompositeLong:      24,
	ParamCompositeThreshold: 50.0,
	ParamProfitableCloses:   5,
	ParamMaxBars:            11,
}

// Ablation disables individual components. The zero value runs the full
// strategy.
type Ablation struct {
	DisableHurstFilter      bool `json:"disable_hurst_filter" yaml:"disable_hurst_filter"`
	DisableCompositeRSIExit bool `json:"disable_composite_rsi_exit" yaml:"disable_composite_rsi_exit"`
	DisableProfitableClose  bool `json:"disable_profitable_close_exit" yaml:"disable_profitable_close_exit"`
	DisableTimeExit         bool `json:"disable_time_exit" yaml:"disable_time_exit"`
}

// Component names accepted by ParseAblation
const (
	ComponentHurstFilter      = "hurst_filter"
	ComponentCompositeRSIExit = "composite_rsi_exit"
	ComponentProfitableClose  = "profitable_close_exit"
	ComponentTimeExit         = "time_exit"
)

// Components lists every component that can be ablated
var Components = []string{ComponentHurstFilter, ComponentCompositeRSIExit, ComponentProfitableClose, ComponentTimeExit}

// ParseAblation builds an Ablation that disables the named components
func ParseAblation(disabled []string) (Ablation, error) {
	var a Ablation
	for _, name := range disabled {
		if err := a.disable(name); err != nil {
			return Ablation{}, err
		}
	}
	return a, nil
}

func (a *Ablation) disable(component string) error {
	switch component {
	case ComponentHurstFilter:
		a.DisableHurstFilter = true
	case ComponentCompositeRSIExit:
		a.DisableCompositeRSIExit = true
	case ComponentProfitableClose:
		a.DisableProfitableClose = true
	case ComponentTimeExit:
		a.DisableTimeExit = true
	default:
		return fmt.Errorf("unknown strategy component: %s (valid: %v)", component, Components)
	}
	return nil
}

// Without returns a copy of a with component also disabled
func (a Ablation) Without(component string) (Ablation, error) {
	err := a.disable(component)
	return a, err
}

// RSI2Pullback buys an RSI(2) dip into the oversold band, optionally only
// when the Hurst exponent says the market is trending, and exits on the
// first of a smoothed RSI recovery, a run of up closes or a time stop.
type RSI2Pullback struct {
	Ablation Ablation
}

var _ backtest.Rules = (*RSI2Pullback)(nil)

// NewRSI2Pullback creates the strategy with the given components disabled
func NewRSI2Pullback(a Ablation) *RSI2Pullback {
	return &RSI2Pullback{Ablation: a}
}

// CacheKey names the strategy and its disabled components
func (s *RSI2Pullback) CacheKey() string {
	return fmt.Sprintf("%s%+v", NameRSI2Pullback, s.Ablation)
}

// Space returns the default search space
func (s *RSI2Pullback) Space() backtest.ParameterSpace {
	space := backtest.ParameterSpace{
		{Name: ParamEntryLow, Type: backtest.ParamTypeFloat, Min: 5, Max: 15, Step: 5},
		{Name: ParamEntryHigh, Type: backtest.ParamTypeFloat, Min: 20, Max: 30, Step: 5},
	}
	if !s.Ablation.DisableHurstFilter {
		space = append(space, &backtest.Parameter{Name: ParamHurstThreshold, Type: backtest.ParamTypeFloat, Min: 0.4, Max: 0.6, Step: 0.05})
	}
	if !s.Ablation.DisableCompositeRSIExit {
		space = append(space, &backtest.Parameter{Name: ParamCompositeThreshold, Type: backtest.ParamTypeFloat, Min: 40, Max: 70, Step: 10})
	}
	if !s.Ablation.DisableProfitableClose {
		space = append(space, &backtest.Parameter{Name: ParamProfitableCloses, Type: backtest.ParamTypeInt, Min: 2, Max: 6, Step: 1})
	}
	if !s.Ablation.DisableTimeExit {
		space = append(space, &backtest.Parameter{Name: ParamMaxBars, Type: backtest.ParamTypeInt, Min: 5, Max: 15, Step: 2})
	}
	return space
}

// Defaults returns the parameter set the strategy uses when nothing is tuned
func (s *RSI2Pullback) Defaults() backtest.ParameterSet {
	return rsi2Defaults.Clone()
}

type rsi2Params struct {
	rsiPeriod          int
	entryLow           float64
	entryHigh          float64
	hurstWindow        int
	hurstThreshold     float64
	compositeShort     int
	compositeLong      int
	compositeThreshold float64
	profitableCloses   int
	maxBars            int
}

func parseRSI2Params(ps backtest.ParameterSet) (rsi2Params, error) {
	p := rsi2Params{
		rsiPeriod:          ps.IntOr(ParamRSIPeriod, 2),
		entryLow:           ps.FloatOr(ParamEntryLow, 10),
		entryHigh:          ps.FloatOr(ParamEntryHigh, 20),
		hurstWindow:        ps.IntOr(ParamHurstWindow, 20),
		hurstThreshold:     ps.FloatOr(ParamHurstThreshold, 0.5),
		compositeShort:     ps.IntOr(ParamCompositeShort, 2),
		compositeLong:      ps.IntOr(ParamCompositeLong, 24),
		compositeThreshold: ps.FloatOr(ParamCompositeThreshold, 50),
		profitableCloses:   ps.IntOr(ParamProfitableCloses, 5),
		maxBars:            ps.IntOr(ParamMaxBars, 11),
	}
	switch {
	case p.rsiPeriod < 1 || p.compositeShort < 1 || p.compositeLong < 1:
		return p, fmt.Errorf("rsi periods must be positive")
	case p.entryLow > p.entryHigh:
		return p, fmt.Errorf("entry band [%v, %v] is empty", p.entryLow, p.entryHigh)
	case p.hurstWindow < minHurstPoints:
		return p, fmt.Errorf("hurst window %d shorter than %d bars", p.hurstWindow, minHurstPoints)
	case p.profitableCloses < 1 || p.maxBars < 1:
		return p, fmt.Errorf("exit bar counts must be positive")
	}
	return p, nil
}

// Prepare computes the indicators for series
func (s *RSI2Pullback) Prepare(series *backtest.PriceSeries, ps backtest.ParameterSet) (backtest.RuleSet, error) {
	p, err := parseRSI2Params(ps)
	if err != nil {
		return nil, err
	}

	closes := series.Closes()
	rs := &rsi2RuleSet{
		params:   p,
		ablation: s.Ablation,
		series:   series,
		rsi:      RSI(closes, p.rsiPeriod),
	}
	if !s.Ablation.DisableHurstFilter {
		rs.hurst = RollingHurst(closes, p.hurstWindow)
	}
	if !s.Ablation.DisableCompositeRSIExit {
		rs.composite = CompositeRSI(closes, p.compositeShort, p.compositeLong)
	}
	return rs, nil
}

type rsi2RuleSet struct {
	params    rsi2Params
	ablation  Ablation
	series    *backtest.PriceSeries
	rsi       []float64
	hurst     []float64
	composite []float64
}

// Entry fires when RSI is inside the oversold band and the regime filter,
// if enabled, reports a Hurst exponent above threshold. NaN blocks entry.
func (r *rsi2RuleSet) Entry(i int) (backtest.Side, bool) {
	v := r.rsi[i]
	if math.IsNaN(v) || v < r.params.entryLow || v > r.params.entryHigh {
		return "", false
	}
	if !r.ablation.DisableHurstFilter {
		h := r.hurst[i]
		if math.IsNaN(h) || h <= r.params.hurstThreshold {
			return "", false
		}
	}
	return backtest.SideLong, true
}

// Exit checks the time stop, then the composite RSI, then the run of
// profitable closes
func (r *rsi2RuleSet) Exit(i int, pos *backtest.Position) (string, bool) {
	if !r.ablation.DisableTimeExit && pos.BarsHeld >= r.params.maxBars {
		return ExitTime, true
	}
	if !r.ablation.DisableCompositeRSIExit {
		if c := r.composite[i]; !math.IsNaN(c) && c > r.params.compositeThreshold {
			return ExitCompositeRSI, true
		}
	}
	if !r.ablation.DisableProfitableClose && r.profitableCloses(i, pos) {
		return ExitProfitableCloses, true
	}
	return "", false
}

// profitableCloses reports whether each of the last N bars closed at or
// above its open, counting only bars held
func (r *rsi2RuleSet) profitableCloses(i int, pos *backtest.Position) bool {
	n := r.params.profitableCloses
	if pos.BarsHeld < n {
		return false
	}
	for j := range n {
		bar := r.series.Bar(i - j)
		if bar.Close < bar.Open {
			return false
		}
	}
	return true
}
