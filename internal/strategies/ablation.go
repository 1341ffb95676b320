package strategies

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/foldwise/pkg/backtest"
)

// AblationResult is the outcome of one variant
type AblationResult struct {
	Variant  string            `json:"variant" yaml:"variant"`
	Ablation Ablation          `json:"ablation" yaml:"ablation"`
	Metrics  *backtest.Metrics `json:"metrics" yaml:"metrics"`
	Score    float64           `json:"score" yaml:"score"`
	Delta    float64           `json:"delta" yaml:"delta"` // Score minus the baseline score
}

// AblationConfig configures RunAblation
type AblationConfig struct {
	Strategy        string
	Params          backtest.ParameterSet // Nil uses the strategy defaults
	Base            Ablation              // Components disabled in every variant
	Objective       backtest.Objective
	Cost            backtest.CostModel
	StartingCapital float64
	Sizer           backtest.Sizer
}

// RunAblation evaluates the strategy once as configured and once more with
// each still-enabled component disabled, reporting every variant's score
// against the first.
func RunAblation(ctx context.Context, series *backtest.PriceSeries, cfg AblationConfig) ([]*AblationResult, error) {
	if cfg.Objective.Fn == nil {
		return nil, fmt.Errorf("ablation needs an objective")
	}

	variants := []struct {
		name string
		a    Ablation
	}{{"baseline", cfg.Base}}
	for _, c := range Components {
		a, err := cfg.Base.Without(c)
		if err != nil {
			return nil, err
		}
		if a != cfg.Base {
			variants = append(variants, struct {
				name string
				a    Ablation
			}{"without_" + c, a})
		}
	}

	results := make([]*AblationResult, 0, len(variants))
	for _, v := range variants {
		strategy, err := Lookup(cfg.Strategy, v.a)
		if err != nil {
			return nil, err
		}
		params := cfg.Params
		if params == nil {
			params = strategy.Defaults()
		}

		engine := backtest.NewRuleEngine(strategy,
			backtest.WithSizer(cfg.Sizer),
			backtest.WithEngineCapital(cfg.StartingCapital),
		)
		record, err := engine.Evaluate(ctx, series, params, cfg.Cost)
		if err != nil {
			return nil, fmt.Errorf("variant %s: %w", v.name, err)
		}
		curve, err := backtest.BuildEquityCurve(series, record, cfg.StartingCapital)
		if err != nil {
			return nil, fmt.Errorf("variant %s: %w", v.name, err)
		}
		m := backtest.ComputeMetrics(curve, record, cfg.StartingCapital)

		res := &AblationResult{Variant: v.name, Ablation: v.a, Metrics: m, Score: cfg.Objective.Score(m)}
		if len(results) > 0 {
			res.Delta = res.Score - results[0].Score
		}
		results = append(results, res)

		log.Info().
			Str("variant", v.name).
			Int("trades", m.TotalTrades).
			Float64("net_profit", m.NetProfit).
			Float64("score", res.Score).
			Float64("delta", res.Delta).
			Msg("Ablation variant evaluated")
	}
	return results, nil
}

// FormatAblation renders results as an aligned table
func FormatAblation(results []*AblationResult) string {
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VARIANT\tTRADES\tNET PROFIT\tSHARPE\tSCORE\tDELTA")
	for _, r := range results {
		fmt.Fprintf(w, "%s\t%d\t%.2f\t%.3f\t%.4f\t%+.4f\n",
			r.Variant, r.Metrics.TotalTrades, r.Metrics.NetProfit, r.Metrics.SharpeRatio, r.Score, r.Delta)
	}
	_ = w.Flush()
	return b.String()
}
