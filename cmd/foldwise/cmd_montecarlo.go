package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ajitpratap0/foldwise/pkg/backtest"
)

func newMonteCarloCmd(a *app) *cobra.Command {
	var (
		flags       requestFlags
		reportPath  string
		fromRun     string
		params      map[string]string
		simulations int
		mode        string
		oosOnly     bool
	)

	cmd := &cobra.Command{
		Use:     "montecarlo",
		Aliases: []string{"mc"},
		Short:   "Stress a parameter set with Monte Carlo simulations",
		Long: `Re-run the strategy on block-bootstrapped price paths, jittered parameters
or both, and report the distribution of the objective.

The parameters come from --param, else from the last completed fold of a
walk-forward report (--report file or --from-run stored run), else the
strategy defaults. Parameters taken from a walk-forward run are replayed
only on the dates that run tested out of sample unless --oos-only=false.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := flags.request(cmd)
			req.FromRun = fromRun
			req.Simulations = simulations
			req.Mode = mode
			if cmd.Flags().Changed("oos-only") {
				req.OOSOnly = &oosOnly
			}

			switch {
			case len(params) > 0:
				req.Params = parseParams(params)
			case reportPath != "":
				wf, err := backtest.LoadReport(reportPath)
				if err != nil {
					return err
				}
				final, ok := wf.FinalParams()
				if !ok {
					return fmt.Errorf("%s has no completed folds", reportPath)
				}
				log.Info().Str("report", reportPath).Str("params", final.Key()).Msg("Using final walk-forward parameters")
				req.Params = final
				if from, to, ok := wf.OOSSpan(); ok && oosOnly && req.From == "" && req.To == "" {
					req.From, req.To = from.Format(time.DateOnly), to.Format(time.DateOnly)
				}
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			b, err := openBackends(ctx, a.cfg)
			if err != nil {
				return err
			}
			defer b.Close()

			mc, runErr := b.service(a.cfg).MonteCarlo(ctx, req)
			if mc == nil {
				return runErr
			}
			if err := writeReport(cmd, mc, flags.output); err != nil {
				return err
			}
			return runErr
		},
	}

	flags.bind(cmd)
	cmd.Flags().StringVar(&reportPath, "report", "", "Walk-forward report whose final parameters to stress")
	cmd.Flags().StringVar(&fromRun, "from-run", "", "Stored walk-forward run ID whose final parameters to stress")
	cmd.Flags().StringToStringVar(&params, "param", nil, "Parameter values, e.g. --param entry_low=10,entry_high=25")
	cmd.Flags().IntVarP(&simulations, "simulations", "n", 0, "Number of simulations (default montecarlo.simulations)")
	cmd.Flags().StringVar(&mode, "mode", "", "Perturbation: path, params or both (default montecarlo.mode)")
	cmd.Flags().BoolVar(&oosOnly, "oos-only", true, "With --report or --from-run, replay only the run's out-of-sample dates")
	cmd.MarkFlagsMutuallyExclusive("report", "from-run", "param")
	return cmd
}

// parseParams turns key=value flags into a parameter set. The strategy's
// search space coerces the numbers to their declared types later.
func parseParams(raw map[string]string) backtest.ParameterSet {
	ps := make(backtest.ParameterSet, len(raw))
	for name, value := range raw {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			ps[name] = f
			continue
		}
		if b, err := strconv.ParseBool(value); err == nil {
			ps[name] = b
			continue
		}
		ps[name] = value
	}
	return ps
}
