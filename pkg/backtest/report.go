// Report rendering and serialization for walk-forward and Monte Carlo runs
package backtest

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// ExportFormat specifies the output format for report export
type ExportFormat string

const (
	FormatJSON ExportFormat = "json"
	FormatYAML ExportFormat = "yaml"
	FormatCSV  ExportFormat = "csv"
	FormatText ExportFormat = "txt"
)

// FormatFromPath infers the export format from a file extension
func FormatFromPath(path string) (ExportFormat, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".csv":
		return FormatCSV, nil
	case ".txt", ".log":
		return FormatText, nil
	}
	return "", fmt.Errorf("unsupported report format: %s", filepath.Ext(path))
}

// ============================================================================
// TEXT SUMMARY
// ============================================================================

// Summary renders the walk-forward report as plain text
func (r *WalkForwardReport) Summary() string {
	var b strings.Builder
	agg := r.Aggregate
	if agg == nil {
		agg = &AggregateStats{}
	}

	fmt.Fprintf(&b, `
================================================================================
WALK-FORWARD ANALYSIS REPORT
================================================================================

OVERVIEW
--------
Symbol:            %s
Period:            %s to %s (%d bars)
Windows:           is=%s oos=%s step=%s anchored=%t
Optimizer:         %s (budget %d, seed %d)
Objective:         %s
Folds:             %d completed, %d failed

OBJECTIVE ACROSS FOLDS
----------------------
IS Mean:           %.4f
OOS Mean:          %.4f
OOS Median:        %.4f
OOS StdDev:        %.4f
Degradation:       %.4f
Stability:         %.4f
Consistency:       %.2f%%
WF Efficiency:     %.4f

FOLDS
-----
`,
		r.Symbol,
		formatDate(r.StartDate), formatDate(r.EndDate), r.Bars,
		r.Config.ISWindow, r.Config.OOSWindow, r.Config.StepWindow, r.Config.Anchored,
		r.Config.Optimizer, r.Config.Budget, r.Config.Seed,
		agg.Objective,
		agg.CompletedFolds, agg.FailedFolds,
		agg.ObjectiveISMean,
		agg.ObjectiveOOSMean,
		agg.ObjectiveOOSMedian,
		agg.ObjectiveOOSStdDev,
		agg.ObjectiveDegradation,
		agg.Stability,
		agg.Consistency*100,
		agg.Efficiency,
	)

	fmt.Fprintf(&b, "%-4s  %-10s  %-10s  %-14s  %10s  %10s  %8s  %s\n", "#", "OOS start", "OOS end", "state", "IS score", "OOS score", "trades", "params")
	for _, f := range r.Folds {
		if f == nil {
			continue
		}
		if f.State != FoldDone {
			fmt.Fprintf(&b, "%-4d  %-10s  %-10s  %-14s  %s\n", f.Fold.Index, formatDate(f.Fold.OOSStartDate), formatDate(f.Fold.OOSEndDate), f.State, f.FailureReason)
			continue
		}
		oosScore := 0.0
		if fn, err := ObjectiveByName(agg.Objective); err == nil {
			oosScore = fn.Score(f.OOSMetrics)
		}
		fmt.Fprintf(&b, "%-4d  %-10s  %-10s  %-14s  %10.4f  %10.4f  %8d  %s\n",
			f.Fold.Index, formatDate(f.Fold.OOSStartDate), formatDate(f.Fold.OOSEndDate), f.State,
			f.BestScore, oosScore, f.OOSMetrics.TotalTrades, f.BestParams.Key())
	}

	b.WriteString("\nOOS METRICS (mean / median / IS mean / degradation)\n---------------------------------------------------\n")
	for _, name := range MetricNames {
		m, ok := agg.Metrics[name]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "%-18s %12.4f %12.4f %12.4f %10.4f\n", name+":", m.OOSMean, m.OOSMedian, m.ISMean, m.Degradation)
	}
	b.WriteString("\n================================================================================\n")
	return b.String()
}

// Summary renders the Monte Carlo report as plain text
func (r *MonteCarloReport) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, `
================================================================================
MONTE CARLO ROBUSTNESS REPORT
================================================================================

Mode:              %s
Simulations:       %d (%d excluded)
Seed:              %d
Objective:         %s
Baseline Score:    %.4f

OBJECTIVE DISTRIBUTION
----------------------
P5:                %.4f
P50:               %.4f
P95:               %.4f
Mean:              %.4f
StdDev:            %.4f
Prob. of Loss:     %.2f%%
`,
		r.Mode, r.Simulations, r.Excluded, r.Seed, r.Objective, r.BaselineScore,
		r.ObjectivePercentiles.P5, r.ObjectivePercentiles.P50, r.ObjectivePercentiles.P95,
		r.ObjectiveMean, r.ObjectiveStdDev, r.ProbabilityOfLoss*100,
	)
	for _, name := range percentileMetrics {
		p := r.MetricPercentiles[name]
		fmt.Fprintf(&b, "%-18s P5 %10.4f  P50 %10.4f  P95 %10.4f\n", name+":", p.P5, p.P50, p.P95)
	}
	if len(r.ExclusionReasons) > 0 {
		b.WriteString("\nEXCLUSIONS\n----------\n")
		for _, reason := range []string{ExcludedNoTrades, ExcludedEvaluator, ExcludedPath} {
			if n := r.ExclusionReasons[reason]; n > 0 {
				fmt.Fprintf(&b, "%-18s %d\n", reason+":", n)
			}
		}
	}
	b.WriteString("\n================================================================================\n")
	return b.String()
}

// ============================================================================
// STRUCTURED EXPORT
// ============================================================================

// ExportJSON writes the report as indented JSON
func (r *WalkForwardReport) ExportJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// ExportYAML writes the report as YAML
func (r *WalkForwardReport) ExportYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return err
	}
	return enc.Close()
}

// WriteFoldsCSV writes one row per fold for downstream plotting
func (r *WalkForwardReport) WriteFoldsCSV(w io.Writer) error {
	objective := ""
	if r.Aggregate != nil {
		objective = r.Aggregate.Objective
	}
	obj, _ := ObjectiveByName(objective)

	cw := csv.NewWriter(w)
	header := []string{
		"fold", "is_start", "is_end", "oos_start", "oos_end", "state", "params",
		"is_score", "oos_score", "oos_total_return", "oos_sharpe", "oos_max_drawdown",
		"oos_win_rate", "oos_profit_factor", "oos_trades", "evaluations", "failure_kind",
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, f := range r.Folds {
		if f == nil {
			continue
		}
		row := []string{
			strconv.Itoa(f.Fold.Index),
			formatDate(f.Fold.ISStartDate),
			formatDate(f.Fold.ISEndDate),
			formatDate(f.Fold.OOSStartDate),
			formatDate(f.Fold.OOSEndDate),
			string(f.State),
			f.BestParams.Key(),
		}
		if f.State == FoldDone && f.OOSMetrics != nil && f.ISMetrics != nil {
			oosScore := 0.0
			if obj.Fn != nil {
				oosScore = obj.Score(f.OOSMetrics)
			}
			row = append(row,
				formatCSVFloat(f.BestScore),
				formatCSVFloat(oosScore),
				formatCSVFloat(f.OOSMetrics.TotalReturn),
				formatCSVFloat(f.OOSMetrics.SharpeRatio),
				formatCSVFloat(f.OOSMetrics.MaxDrawdown),
				formatCSVFloat(f.OOSMetrics.WinRate),
				formatCSVFloat(f.OOSMetrics.ProfitFactor),
				strconv.Itoa(f.OOSMetrics.TotalTrades),
			)
		} else {
			row = append(row, "", "", "", "", "", "", "", "")
		}
		row = append(row, strconv.Itoa(f.Evaluations), f.FailureKind)
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteEquityCSV writes an equity curve as date,equity,in_market rows
func WriteEquityCSV(w io.Writer, curve []*EquityPoint) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"date", "equity", "in_market"}); err != nil {
		return err
	}
	for _, p := range curve {
		if err := cw.Write([]string{p.Timestamp.Format(time.DateOnly), formatCSVFloat(p.Equity), strconv.FormatBool(p.InMarket)}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ExportJSON writes the Monte Carlo report as indented JSON
func (r *MonteCarloReport) ExportJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// ExportYAML writes the Monte Carlo report as YAML
func (r *MonteCarloReport) ExportYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return err
	}
	return enc.Close()
}

// WriteRunsCSV writes one row per simulation
func (r *MonteCarloReport) WriteRunsCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"index", "seed", "excluded", "score", "total_return", "max_drawdown", "sharpe", "trades", "params", "reason"}); err != nil {
		return err
	}
	for _, sim := range r.Runs {
		if sim == nil {
			continue
		}
		row := []string{strconv.Itoa(sim.Index), strconv.FormatInt(sim.Seed, 10), strconv.FormatBool(sim.Excluded)}
		if sim.Metrics != nil && !sim.Excluded {
			row = append(row,
				formatCSVFloat(sim.Score),
				formatCSVFloat(sim.Metrics.TotalReturn),
				formatCSVFloat(sim.Metrics.MaxDrawdown),
				formatCSVFloat(sim.Metrics.SharpeRatio),
				strconv.Itoa(sim.Metrics.TotalTrades),
			)
		} else {
			row = append(row, "", "", "", "", "")
		}
		row = append(row, sim.Params.Key(), sim.Reason)
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatCSVFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// ============================================================================
// FILES
// ============================================================================

type exporter interface {
	ExportJSON(io.Writer) error
	ExportYAML(io.Writer) error
	Summary() string
}

// SaveReport writes a WalkForwardReport or MonteCarloReport to path, in the
// format given by its extension. CSV writes the fold or simulation table.
func SaveReport(report exporter, path string) error {
	format, err := FormatFromPath(path)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create report directory: %w", err)
		}
	}

	file, err := os.Create(path) // #nosec G304 -- path is operator supplied
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}
	defer file.Close()

	switch format {
	case FormatJSON:
		err = report.ExportJSON(file)
	case FormatYAML:
		err = report.ExportYAML(file)
	case FormatText:
		_, err = io.WriteString(file, report.Summary())
	case FormatCSV:
		switch r := report.(type) {
		case *WalkForwardReport:
			err = r.WriteFoldsCSV(file)
		case *MonteCarloReport:
			err = r.WriteRunsCSV(file)
		default:
			err = fmt.Errorf("csv export not supported for %T", report)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to write %s report: %w", format, err)
	}
	return file.Close()
}

// LoadReport reads a walk-forward report saved as JSON or YAML. Reports
// written by a newer minor version or a different major version are
// rejected. Parameter values are coerced back to their declared types.
func LoadReport(path string) (*WalkForwardReport, error) {
	var report WalkForwardReport
	if err := loadFile(path, &report); err != nil {
		return nil, err
	}
	if err := CheckSchemaVersion(report.SchemaVersion); err != nil {
		return nil, err
	}
	for _, f := range report.Folds {
		if f == nil || f.BestParams == nil {
			continue
		}
		params, err := report.Space.Coerce(f.BestParams)
		if err != nil {
			return nil, fmt.Errorf("fold %d: %w", f.Fold.Index, err)
		}
		f.BestParams = params
	}
	return &report, nil
}

// LoadMonteCarloReport reads a Monte Carlo report saved as JSON or YAML
func LoadMonteCarloReport(path string) (*MonteCarloReport, error) {
	var report MonteCarloReport
	if err := loadFile(path, &report); err != nil {
		return nil, err
	}
	if err := CheckSchemaVersion(report.SchemaVersion); err != nil {
		return nil, err
	}
	for _, sim := range report.Runs {
		if sim != nil && !sim.Excluded {
			report.Distribution = append(report.Distribution, sim.Metrics)
		}
	}
	return &report, nil
}

func loadFile(path string, out interface{}) error {
	format, err := FormatFromPath(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path) // #nosec G304 -- path is operator supplied
	if err != nil {
		return fmt.Errorf("failed to read report: %w", err)
	}
	switch format {
	case FormatJSON:
		err = json.Unmarshal(data, out)
	case FormatYAML:
		err = yaml.Unmarshal(data, out)
	default:
		return fmt.Errorf("cannot load %s reports", format)
	}
	if err != nil {
		return fmt.Errorf("failed to parse report: %w", err)
	}
	return nil
}

// CheckSchemaVersion accepts versions with the current major version that
// are not newer than ReportSchemaVersion
func CheckSchemaVersion(version string) error {
	if version == "" {
		return fmt.Errorf("report has no schema version")
	}
	current, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("invalid schema version: %s", version)
	}
	target := semver.MustParse(ReportSchemaVersion)
	if current.Major() != target.Major() {
		return fmt.Errorf("schema version %s is incompatible with %s", current, target)
	}
	if current.GreaterThan(target) {
		return fmt.Errorf("schema version %s is newer than supported version %s", current, target)
	}
	return nil
}
