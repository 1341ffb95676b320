package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ajitpratap0/foldwise/internal/db"
	"github.com/ajitpratap0/foldwise/internal/marketdata"
)

func newImportCmd(a *app) *cobra.Command {
	var symbol string

	cmd := &cobra.Command{
		Use:   "import-csv <file>",
		Short: "Load daily bars from a CSV or JSON file into Postgres",
		Long: `Validate a bar file and upsert its rows into the candlesticks table, so
later runs can use --source postgres. Existing bars for the same dates are
replaced.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			series, err := marketdata.LoadFile(args[0], marketdata.Query{Symbol: symbol})
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			database, err := db.New(ctx, a.cfg.Database.GetURL())
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer database.Close()

			n, err := database.SaveCandles(ctx, series.Symbol(), db.DailyInterval, series.Candles())
			if err != nil {
				return err
			}
			log.Info().Str("symbol", series.Symbol()).Int("bars", n).Msg("Bars imported")
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d bars for %s\n", n, series.Symbol())
			return nil
		},
	}

	cmd.Flags().StringVarP(&symbol, "symbol", "s", "", "Instrument symbol (default from the file name)")
	return cmd
}
