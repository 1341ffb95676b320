package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ajitpratap0/foldwise/internal/analysis"
	"github.com/ajitpratap0/foldwise/pkg/backtest"
)

// requestFlags are the data and strategy overrides every analysis accepts
type requestFlags struct {
	source   string
	data     string
	symbol   string
	from     string
	to       string
	strategy string
	disable  []string
	seed     int64
	output   string
}

func (f *requestFlags) bind(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.source, "source", "", "Bar source: csv, json or postgres (default data.source)")
	fl.StringVarP(&f.data, "data", "d", "", "Bar file; the format follows the extension (default data.path)")
	fl.StringVarP(&f.symbol, "symbol", "s", "", "Instrument symbol (default from the file name)")
	fl.StringVar(&f.from, "from", "", "First date to load, YYYY-MM-DD")
	fl.StringVar(&f.to, "to", "", "Last date to load, YYYY-MM-DD")
	fl.StringVar(&f.strategy, "strategy", "", "Strategy name (default strategy.name)")
	fl.StringSliceVar(&f.disable, "disable", nil, "Strategy components to disable (hurst_filter, composite_rsi_exit, profitable_close_exit, time_exit)")
	fl.Int64Var(&f.seed, "seed", 0, "Random seed (default random_seed)")
	fl.StringVarP(&f.output, "output", "o", "", "Write the report to this file (.json, .yaml, .csv or .txt)")
}

func (f *requestFlags) request(cmd *cobra.Command) analysis.Request {
	req := analysis.Request{
		Source:   f.source,
		Path:     f.data,
		Symbol:   f.symbol,
		From:     f.from,
		To:       f.to,
		Strategy: f.strategy,
	}
	if cmd.Flags().Changed("disable") {
		req.Disabled = f.disable
	}
	if cmd.Flags().Changed("seed") {
		seed := f.seed
		req.Seed = &seed
	}
	if f.source == "" && f.data != "" {
		// A file on the command line implies a file source
		if format, err := backtest.FormatFromPath(f.data); err == nil && format == backtest.FormatJSON {
			req.Source = "json"
		} else {
			req.Source = "csv"
		}
	}
	return req
}

// signalContext is cancelled on SIGINT or SIGTERM so a run can stop early
// and still write its partial report
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func newRunCmd(a *app) *cobra.Command {
	var flags requestFlags

	cmd := &cobra.Command{
		Use:     "run",
		Aliases: []string{"walkforward"},
		Short:   "Run a walk-forward analysis",
		Long: `Run a walk-forward analysis with the configured windows, optimizer and
objective. The summary is printed to stdout; --output also saves the full
report. Interrupting the run keeps every fold finished so far.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			b, err := openBackends(ctx, a.cfg)
			if err != nil {
				return err
			}
			defer b.Close()

			wf, runErr := b.service(a.cfg).WalkForward(ctx, flags.request(cmd))
			if wf == nil {
				return runErr
			}
			if err := writeReport(cmd, wf, flags.output); err != nil {
				return err
			}
			if errors.Is(runErr, backtest.ErrTimeout) {
				log.Warn().Err(runErr).Msg("Run interrupted, partial report written")
			}
			return runErr
		},
	}
	flags.bind(cmd)
	return cmd
}

// report is satisfied by both walk-forward and Monte Carlo reports
type report interface {
	Summary() string
	ExportJSON(io.Writer) error
	ExportYAML(io.Writer) error
}

// writeReport prints the summary and saves the report when a path is given
func writeReport(cmd *cobra.Command, r report, path string) error {
	fmt.Fprint(cmd.OutOrStdout(), r.Summary())
	if path == "" {
		return nil
	}
	if err := backtest.SaveReport(r, path); err != nil {
		return err
	}
	log.Info().Str("path", path).Msg("Report saved")
	return nil
}
