// Performance metrics calculation for walk-forward evaluation
package backtest

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"
)

// TradingDaysPerYear annualizes daily statistics
const TradingDaysPerYear = 252

// ============================================================================
// PERFORMANCE METRICS
// ============================================================================

// Metrics holds the performance statistics of one evaluation. Returns and
// drawdowns are fractions, not percentages.
type Metrics struct {
	// Returns
	TotalReturn      float64 `json:"total_return" yaml:"total_return"`           // (final - start) / start
	NetProfit        float64 `json:"net_profit" yaml:"net_profit"`               // Final equity - starting capital
	AnnualizedReturn float64 `json:"annualized_return" yaml:"annualized_return"` // CAGR over trading days

	// Risk metrics
	MaxDrawdown       float64 `json:"max_drawdown" yaml:"max_drawdown"`               // Peak-to-trough, positive fraction
	MaxDrawdownAmount float64 `json:"max_drawdown_amount" yaml:"max_drawdown_amount"` // Peak-to-trough in currency
	Volatility        float64 `json:"volatility" yaml:"volatility"`                   // Annualized stdev of daily returns
	SharpeRatio       float64 `json:"sharpe_ratio" yaml:"sharpe_ratio"`
	SortinoRatio      float64 `json:"sortino_ratio" yaml:"sortino_ratio"`
	CalmarRatio       float64 `json:"calmar_ratio" yaml:"calmar_ratio"` // Annualized return / max drawdown

	// Trade statistics
	TotalTrades          int     `json:"total_trades" yaml:"total_trades"`
	WinningTrades        int     `json:"winning_trades" yaml:"winning_trades"`
	LosingTrades         int     `json:"losing_trades" yaml:"losing_trades"`
	BreakEvenTrades      int     `json:"break_even_trades" yaml:"break_even_trades"` // Zero net P&L, in neither count
	WinRate              float64 `json:"win_rate" yaml:"win_rate"`
	GrossProfit          float64 `json:"gross_profit" yaml:"gross_profit"`
	GrossLoss            float64 `json:"gross_loss" yaml:"gross_loss"` // Positive
	AverageWin           float64 `json:"average_win" yaml:"average_win"`
	AverageLoss          float64 `json:"average_loss" yaml:"average_loss"` // Positive
	LargestWin           float64 `json:"largest_win" yaml:"largest_win"`
	LargestLoss          float64 `json:"largest_loss" yaml:"largest_loss"` // Positive
	ProfitFactor         float64 `json:"profit_factor" yaml:"profit_factor"`
	ProfitFactorInfinite bool    `json:"profit_factor_infinite" yaml:"profit_factor_infinite"`
	Expectancy           float64 `json:"expectancy" yaml:"expectancy"` // Net P&L per trade
	TotalCommission      float64 `json:"total_commission" yaml:"total_commission"`
	TotalSlippage        float64 `json:"total_slippage" yaml:"total_slippage"`

	// Holding statistics
	Exposure        float64 `json:"exposure" yaml:"exposure"` // Bars in market / bars
	AverageBarsHeld float64 `json:"average_bars_held" yaml:"average_bars_held"`
	MedianBarsHeld  float64 `json:"median_bars_held" yaml:"median_bars_held"`
	MaxBarsHeld     int     `json:"max_bars_held" yaml:"max_bars_held"`

	// Portfolio statistics
	StartingCapital float64   `json:"starting_capital" yaml:"starting_capital"`
	FinalEquity     float64   `json:"final_equity" yaml:"final_equity"`
	PeakEquity      float64   `json:"peak_equity" yaml:"peak_equity"`
	EquityLow       float64   `json:"equity_low" yaml:"equity_low"`
	StartDate       time.Time `json:"start_date" yaml:"start_date"`
	EndDate         time.Time `json:"end_date" yaml:"end_date"`
	Bars            int       `json:"bars" yaml:"bars"`
}

// ComputeMetrics derives the report from an equity curve and trade record.
// It never fails: an empty record or curve yields neutral values.
func ComputeMetrics(curve []*EquityPoint, record *TradeRecord, startingCapital float64) *Metrics {
	m := &Metrics{
		StartingCapital: startingCapital,
		FinalEquity:     startingCapital,
		PeakEquity:      startingCapital,
		EquityLow:       startingCapital,
		Bars:            len(curve),
	}

	if len(curve) > 0 {
		m.StartDate = curve[0].Timestamp
		m.EndDate = curve[len(curve)-1].Timestamp
		m.FinalEquity = curve[len(curve)-1].Equity
	}

	m.NetProfit = m.FinalEquity - startingCapital
	if startingCapital > 0 {
		m.TotalReturn = m.NetProfit / startingCapital
	}

	calculateRiskMetrics(m, curve)
	calculateTradeStatistics(m, record)

	return m
}

// calculateRiskMetrics fills drawdown, exposure and the return ratios
func calculateRiskMetrics(m *Metrics, curve []*EquityPoint) {
	if len(curve) == 0 {
		return
	}

	peak := m.StartingCapital
	inMarket := 0
	for _, p := range curve {
		if p.Equity > peak {
			peak = p.Equity
		}
		if p.Equity < m.EquityLow {
			m.EquityLow = p.Equity
		}
		if peak > 0 {
			if dd := (peak - p.Equity) / peak; dd > m.MaxDrawdown {
				m.MaxDrawdown = dd
				m.MaxDrawdownAmount = peak - p.Equity
			}
		}
		if p.InMarket {
			inMarket++
		}
	}
	m.PeakEquity = peak
	m.Exposure = float64(inMarket) / float64(len(curve))

	returns := dailyReturns(m.StartingCapital, curve)
	if len(returns) >= 2 {
		mean, std := stat.MeanStdDev(returns, nil)
		if std > 0 && !math.IsNaN(std) {
			m.SharpeRatio = mean / std * math.Sqrt(TradingDaysPerYear)
			m.Volatility = std * math.Sqrt(TradingDaysPerYear)
		}
		m.SortinoRatio = sortinoRatio(mean, returns)
	}

	years := float64(len(curve)) / TradingDaysPerYear
	if years > 0 && m.StartingCapital > 0 && m.FinalEquity > 0 {
		m.AnnualizedReturn = math.Pow(m.FinalEquity/m.StartingCapital, 1/years) - 1
	}
	if m.MaxDrawdown > 0 {
		m.CalmarRatio = m.AnnualizedReturn / m.MaxDrawdown
	}
}

// dailyReturns are bar-over-bar equity returns, the first measured against
// the starting capital.
func dailyReturns(start float64, curve []*EquityPoint) []float64 {
	returns := make([]float64, 0, len(curve))
	prev := start
	for _, p := range curve {
		if prev != 0 {
			returns = append(returns, (p.Equity-prev)/prev)
		}
		prev = p.Equity
	}
	return returns
}

// sortinoRatio uses the downside deviation over all observations
func sortinoRatio(mean float64, returns []float64) float64 {
	sumSq := 0.0
	for _, r := range returns {
		if r < 0 {
			sumSq += r * r
		}
	}
	downside := math.Sqrt(sumSq / float64(len(returns)))
	if downside == 0 {
		return 0
	}
	return mean / downside * math.Sqrt(TradingDaysPerYear)
}

// calculateTradeStatistics fills win/loss statistics from closed trades
func calculateTradeStatistics(m *Metrics, record *TradeRecord) {
	if record.Len() == 0 {
		return
	}

	m.TotalTrades = len(record.Trades)
	held := make([]float64, 0, m.TotalTrades)
	totalBars := 0

	for _, t := range record.Trades {
		pnl := t.NetPnL
		m.TotalCommission += t.Commission
		m.TotalSlippage += t.Slippage

		switch {
		case pnl > 0:
			m.WinningTrades++
			m.GrossProfit += pnl
			if pnl > m.LargestWin {
				m.LargestWin = pnl
			}
		case pnl == 0:
			m.BreakEvenTrades++
		default:
			m.LosingTrades++
			m.GrossLoss += -pnl
			if -pnl > m.LargestLoss {
				m.LargestLoss = -pnl
			}
		}

		totalBars += t.Bars
		held = append(held, float64(t.Bars))
		if t.Bars > m.MaxBarsHeld {
			m.MaxBarsHeld = t.Bars
		}
	}

	m.WinRate = float64(m.WinningTrades) / float64(m.TotalTrades)
	if m.WinningTrades > 0 {
		m.AverageWin = m.GrossProfit / float64(m.WinningTrades)
	}
	if m.LosingTrades > 0 {
		m.AverageLoss = m.GrossLoss / float64(m.LosingTrades)
	}

	switch {
	case m.GrossLoss > 0:
		m.ProfitFactor = m.GrossProfit / m.GrossLoss
	case m.GrossProfit > 0:
		m.ProfitFactor = math.Inf(1)
		m.ProfitFactorInfinite = true
	}

	m.Expectancy = (m.GrossProfit - m.GrossLoss) / float64(m.TotalTrades)
	m.AverageBarsHeld = float64(totalBars) / float64(m.TotalTrades)
	sort.Float64s(held)
	m.MedianBarsHeld = stat.Quantile(0.5, stat.Empirical, held, nil)
}

// ============================================================================
// NAMED ACCESS
// ============================================================================

// MetricNames lists the names accepted by Value, in report order
var MetricNames = []string{
	"total_return",
	"net_profit",
	"annualized_return",
	"sharpe",
	"sortino",
	"calmar",
	"max_drawdown",
	"volatility",
	"win_rate",
	"profit_factor",
	"expectancy",
	"trades",
	"exposure",
}

// Value returns a metric by name
func (m *Metrics) Value(name string) (float64, error) {
	switch strings.ToLower(name) {
	case "total_return":
		return m.TotalReturn, nil
	case "net_profit":
		return m.NetProfit, nil
	case "annualized_return", "cagr":
		return m.AnnualizedReturn, nil
	case "sharpe", "sharpe_ratio":
		return m.SharpeRatio, nil
	case "sortino", "sortino_ratio":
		return m.SortinoRatio, nil
	case "calmar", "calmar_ratio":
		return m.CalmarRatio, nil
	case "max_drawdown":
		return m.MaxDrawdown, nil
	case "volatility":
		return m.Volatility, nil
	case "win_rate":
		return m.WinRate, nil
	case "profit_factor":
		return m.ProfitFactor, nil
	case "expectancy":
		return m.Expectancy, nil
	case "trades", "total_trades":
		return float64(m.TotalTrades), nil
	case "exposure":
		return m.Exposure, nil
	}
	return 0, invalidConfig("unknown metric %q", name)
}

// ============================================================================
// SERIALIZATION
// ============================================================================

type metricsAlias Metrics

// MarshalJSON encodes an infinite profit factor as null; the
// profit_factor_infinite flag carries the information.
func (m Metrics) MarshalJSON() ([]byte, error) {
	out := struct {
		*metricsAlias
		ProfitFactor *float64 `json:"profit_factor"`
	}{metricsAlias: (*metricsAlias)(&m)}
	if !math.IsInf(m.ProfitFactor, 0) && !math.IsNaN(m.ProfitFactor) {
		pf := m.ProfitFactor
		out.ProfitFactor = &pf
	}
	return json.Marshal(out)
}

// UnmarshalJSON restores an infinite profit factor from the flag
func (m *Metrics) UnmarshalJSON(data []byte) error {
	in := struct {
		*metricsAlias
		ProfitFactor *float64 `json:"profit_factor"`
	}{metricsAlias: (*metricsAlias)(m)}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	switch {
	case m.ProfitFactorInfinite:
		m.ProfitFactor = math.Inf(1)
	case in.ProfitFactor != nil:
		m.ProfitFactor = *in.ProfitFactor
	default:
		m.ProfitFactor = 0
	}
	return nil
}

// ============================================================================
// TEXT REPORT
// ============================================================================

// GenerateReport renders metrics as a plain-text report
func GenerateReport(metrics *Metrics) string {
	report := fmt.Sprintf(`
================================================================================
PERFORMANCE REPORT
================================================================================

OVERVIEW
--------
Period:            %s to %s (%d bars)
Starting Capital:  $%.2f
Final Equity:      $%.2f
Peak Equity:       $%.2f
Equity Low:        $%.2f

RETURNS
-------
Net Profit:        $%.2f (%.2f%%)
Annualized Return: %.2f%%

RISK METRICS
------------
Max Drawdown:      $%.2f (%.2f%%)
Volatility:        %.2f%%
Sharpe Ratio:      %.2f
Sortino Ratio:     %.2f
Calmar Ratio:      %.2f
Exposure:          %.2f%%

TRADE STATISTICS
----------------
Total Trades:      %d
Winning Trades:    %d
Losing Trades:     %d
Break-even Trades: %d
Win Rate:          %.2f%%

Average Win:       $%.2f
Average Loss:      $%.2f
Largest Win:       $%.2f
Largest Loss:      $%.2f

Profit Factor:     %s
Expectancy:        $%.2f per trade
Commission:        $%.2f
Slippage:          $%.2f
Average Bars Held: %.1f

================================================================================
`,
		formatDate(metrics.StartDate),
		formatDate(metrics.EndDate),
		metrics.Bars,
		metrics.StartingCapital,
		metrics.FinalEquity,
		metrics.PeakEquity,
		metrics.EquityLow,
		metrics.NetProfit,
		metrics.TotalReturn*100,
		metrics.AnnualizedReturn*100,
		metrics.MaxDrawdownAmount,
		metrics.MaxDrawdown*100,
		metrics.Volatility*100,
		metrics.SharpeRatio,
		metrics.SortinoRatio,
		metrics.CalmarRatio,
		metrics.Exposure*100,
		metrics.TotalTrades,
		metrics.WinningTrades,
		metrics.LosingTrades,
		metrics.BreakEvenTrades,
		metrics.WinRate*100,
		metrics.AverageWin,
		metrics.AverageLoss,
		metrics.LargestWin,
		metrics.LargestLoss,
		formatProfitFactor(metrics),
		metrics.Expectancy,
		metrics.TotalCommission,
		metrics.TotalSlippage,
		metrics.AverageBarsHeld,
	)

	return report
}

func formatProfitFactor(m *Metrics) string {
	if m.ProfitFactorInfinite {
		return "inf (no losing trades)"
	}
	return fmt.Sprintf("%.2f", m.ProfitFactor)
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.DateOnly)
}
