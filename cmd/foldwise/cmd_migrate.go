package main

import (
	"database/sql"
	"fmt"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ajitpratap0/foldwise/internal/config"
	"github.com/ajitpratap0/foldwise/internal/db"
)

func newMigrateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSQL(a.cfg, func(sqlDB *sql.DB) error {
				applied, err := db.NewMigrator(sqlDB).Migrate(cmd.Context())
				if err != nil {
					return err
				}
				log.Info().Int("applied", applied).Msg("Migrations complete")
				fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", applied)
				return nil
			})
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "List migrations and whether they are applied",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSQL(a.cfg, func(sqlDB *sql.DB) error {
				statuses, err := db.NewMigrator(sqlDB).Status(cmd.Context())
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "VERSION\tSTATE\tDESCRIPTION")
				for _, s := range statuses {
					state := "pending"
					if s.Applied {
						state = "applied"
					}
					fmt.Fprintf(w, "%03d\t%s\t%s\n", s.Version, state, s.Description)
				}
				return w.Flush()
			})
		},
	}

	cmd.AddCommand(up, status)
	return cmd
}

func withSQL(cfg *config.Config, fn func(*sql.DB) error) error {
	sqlDB, err := db.OpenSQL(cfg.Database.GetDSN())
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	return fn(sqlDB)
}
