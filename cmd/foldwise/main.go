// foldwise runs walk-forward analyses and Monte Carlo robustness checks
// from the command line, or serves them over REST
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ajitpratap0/foldwise/internal/config"
)

// app carries the state shared by every subcommand
type app struct {
	configPath string
	logLevel   string
	logFormat  string
	cfg        *config.Config
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "foldwise",
		Short: "Walk-forward analysis and Monte Carlo robustness testing",
		Long: `foldwise optimizes a rule-based strategy on rolling in-sample windows,
scores the chosen parameters on the out-of-sample window that follows, and
stresses the result with block-bootstrapped paths and jittered parameters.

Examples:
  foldwise run --data es.csv --output reports/es.json
  foldwise montecarlo --data es.csv --report reports/es.json --mode both
  foldwise ablation --data es.csv
  foldwise serve`,
		Version:       config.GetVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Config file (default ./configs/config.yaml or ./config.yaml)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Override app.log_level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&a.logFormat, "log-format", "", "Override app.log_format (json, console)")

	root.AddCommand(
		newRunCmd(a),
		newMonteCarloCmd(a),
		newAblationCmd(a),
		newServeCmd(a),
		newMigrateCmd(a),
		newImportCmd(a),
		newCacheCmd(a),
		newVersionCmd(),
	)
	return root
}

// load reads the configuration and sets up logging
func (a *app) load(cmd *cobra.Command) error {
	if cmd.Name() == "version" {
		return nil
	}

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.App.LogLevel = a.logLevel
	}
	if a.logFormat != "" {
		cfg.App.LogFormat = a.logFormat
	}
	config.InitLoggerWithOutput(cfg.App.LogLevel, cfg.App.LogFormat, cmd.ErrOrStderr())
	a.cfg = cfg

	log.Debug().
		Str("command", cmd.CommandPath()).
		Str("environment", cfg.App.Environment).
		Msg("Configuration loaded")
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "foldwise %s\n", config.GetVersion())
		},
	}
}
