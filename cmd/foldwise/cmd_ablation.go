package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/foldwise/internal/strategies"
)

func newAblationCmd(a *app) *cobra.Command {
	var (
		flags   requestFlags
		fromRun string
		params  map[string]string
	)

	cmd := &cobra.Command{
		Use:   "ablation",
		Short: "Measure what each strategy component contributes",
		Long: `Evaluate the strategy once as configured, then once more with each
still-enabled component disabled, and show every variant's objective against
the baseline.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := flags.request(cmd)
			req.FromRun = fromRun
			if len(params) > 0 {
				req.Params = parseParams(params)
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			b, err := openBackends(ctx, a.cfg)
			if err != nil {
				return err
			}
			defer b.Close()

			results, err := b.service(a.cfg).Ablation(ctx, req)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), strategies.FormatAblation(results))
			if flags.output == "" {
				return nil
			}
			return saveAblation(results, flags.output)
		},
	}

	flags.bind(cmd)
	cmd.Flags().StringVar(&fromRun, "from-run", "", "Stored walk-forward run ID whose final parameters to use")
	cmd.Flags().StringToStringVar(&params, "param", nil, "Parameter values, e.g. --param entry_low=10")
	cmd.MarkFlagsMutuallyExclusive("from-run", "param")
	return cmd
}

func saveAblation(results []*strategies.AblationResult, path string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(results, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(results)
	case ".txt":
		data = []byte(strategies.FormatAblation(results))
	default:
		return fmt.Errorf("unsupported ablation format: %s", filepath.Ext(path))
	}
	if err != nil {
		return fmt.Errorf("failed to encode ablation results: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	return os.WriteFile(path, data, 0o600)
}
