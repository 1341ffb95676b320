package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/foldwise/internal/config"
	"github.com/ajitpratap0/foldwise/internal/marketdata"
	"github.com/ajitpratap0/foldwise/internal/strategies"
	"github.com/ajitpratap0/foldwise/pkg/backtest"
)

func writeBars(t *testing.T, dir string, n int) string {
	t.Helper()
	rng := rand.New(rand.NewSource(11))
	start := time.Date(2021, 1, 4, 0, 0, 0, 0, time.UTC)
	candles := make([]*backtest.Candlestick, n)
	prev := 4200.0
	for i := range candles {
		c := 4200 + 50*math.Sin(float64(i)/5) + rng.NormFloat64()*6
		candles[i] = &backtest.Candlestick{
			Timestamp: start.AddDate(0, 0, i),
			Open:      prev,
			High:      math.Max(prev, c) + 2,
			Low:       math.Min(prev, c) - 2,
			Close:     c,
			Volume:    500,
		}
		prev = c
	}

	path := filepath.Join(dir, "es.csv")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, marketdata.WriteCSV(f, candles))
	return path
}

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	content := `
app:
  log_level: error
walkforward:
  is_window_length: 150b
  oos_window_length: 50b
  optimizer_kind: random
  objective_metric: net_profit
  optimization_budget: 6
  parallelism: 2
montecarlo:
  simulations: 6
  mode: path
  block_size: 10
monitoring:
  enable_metrics: false
costs:
  point_value: 50
`
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// execute runs the root command and returns its stdout
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("foldwise %s\n", config.GetVersion()), out)
}

func TestRunWritesReport(t *testing.T) {
	dir := t.TempDir()
	bars := writeBars(t, dir, 400)
	cfgPath := writeConfig(t, dir)
	reportPath := filepath.Join(dir, "reports", "es.json")

	out, err := execute(t, "run", "-c", cfgPath, "--data", bars, "--seed", "3", "-o", reportPath)
	require.NoError(t, err)
	assert.Contains(t, out, "ES")

	report, err := backtest.LoadReport(reportPath)
	require.NoError(t, err)
	assert.Equal(t, "ES", report.Symbol)
	assert.Equal(t, int64(3), report.Config.Seed)
	assert.NotEmpty(t, report.Folds)

	// The saved report feeds the Monte Carlo command
	mcPath := filepath.Join(dir, "mc.json")
	_, err = execute(t, "montecarlo", "-c", cfgPath, "--data", bars, "--report", reportPath, "-n", "4", "-o", mcPath)
	require.NoError(t, err)

	data, err := os.ReadFile(mcPath)
	require.NoError(t, err)
	var mc backtest.MonteCarloReport
	require.NoError(t, json.Unmarshal(data, &mc))
	assert.Equal(t, 4, mc.Simulations)
	assert.Equal(t, backtest.ModePath, mc.Mode)

	// Only the dates the run tested out of sample are replayed
	from, to, ok := report.OOSSpan()
	require.True(t, ok)
	require.NotNil(t, mc.Baseline)
	assert.Equal(t, from.Format(time.DateOnly), mc.Baseline.StartDate.Format(time.DateOnly))
	assert.Equal(t, to.Format(time.DateOnly), mc.Baseline.EndDate.Format(time.DateOnly))

	fullPath := filepath.Join(dir, "mc-full.json")
	_, err = execute(t, "montecarlo", "-c", cfgPath, "--data", bars, "--report", reportPath, "-n", "4", "--oos-only=false", "-o", fullPath)
	require.NoError(t, err)
	data, err = os.ReadFile(fullPath)
	require.NoError(t, err)
	var full backtest.MonteCarloReport
	require.NoError(t, json.Unmarshal(data, &full))
	require.NotNil(t, full.Baseline)
	assert.Equal(t, 400, full.Baseline.Bars)
}

func TestRunRejectsUnknownFormat(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)

	_, err := execute(t, "run", "-c", cfgPath, "--data", filepath.Join(dir, "bars.parquet"))
	require.Error(t, err)
}

func TestMonteCarloFlagsAreExclusive(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)

	_, err := execute(t, "montecarlo", "-c", cfgPath, "--report", "a.json", "--param", "entry_low=10")
	require.Error(t, err)
}

func TestAblation(t *testing.T) {
	dir := t.TempDir()
	bars := writeBars(t, dir, 300)
	cfgPath := writeConfig(t, dir)
	outPath := filepath.Join(dir, "ablation.json")

	out, err := execute(t, "ablation", "-c", cfgPath, "--data", bars, "-o", outPath)
	require.NoError(t, err)
	assert.Contains(t, out, "VARIANT")
	assert.Contains(t, out, "baseline")

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	var results []*strategies.AblationResult
	require.NoError(t, json.Unmarshal(data, &results))
	require.Len(t, results, len(strategies.Components)+1)
	assert.Equal(t, "baseline", results[0].Variant)
	assert.Zero(t, results[0].Delta)
}

func TestAblationRejectsUnknownFormat(t *testing.T) {
	err := saveAblation(nil, filepath.Join(t.TempDir(), "out.xml"))
	require.Error(t, err)
}

func TestParseParams(t *testing.T) {
	ps := parseParams(map[string]string{
		"entry_low":  "10",
		"exit_level": "72.5",
		"use_filter": "true",
		"label":      "fast",
	})
	assert.Equal(t, 10.0, ps["entry_low"])
	assert.Equal(t, 72.5, ps["exit_level"])
	assert.Equal(t, true, ps["use_filter"])
	assert.Equal(t, "fast", ps["label"])
}
