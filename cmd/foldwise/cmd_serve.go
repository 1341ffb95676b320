package main

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ajitpratap0/foldwise/internal/api"
	"github.com/ajitpratap0/foldwise/internal/config"
	"github.com/ajitpratap0/foldwise/internal/jobs"
	"github.com/ajitpratap0/foldwise/internal/metrics"
)

func newServeCmd(a *app) *cobra.Command {
	var shutdownTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the REST API",
		Long: `Serve the REST API. Runs are queued as background jobs, at most
api.max_concurrent at a time. Prometheus metrics are served on
monitoring.prometheus_port when monitoring.enable_metrics is set.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := a.cfg
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			b, err := openBackends(ctx, cfg)
			if err != nil {
				return err
			}
			defer b.Close()

			svc := b.service(cfg)
			manager := jobs.NewManager(svc, cfg.API.MaxConcurrent)

			if cfg.Monitoring.EnableMetrics {
				ms := metrics.NewServer(cfg.Monitoring.PrometheusPort, config.NewLogger("metrics"))
				if err := ms.Start(); err != nil {
					return err
				}
				defer func() {
					sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
					defer cancel()
					_ = ms.Shutdown(sctx)
				}()

				var poolStats metrics.PoolStats
				if b.db != nil {
					poolStats = b.db.Stats
				}
				updater := metrics.NewUpdater(poolStats, manager.Active, 15*time.Second)
				updater.Start(ctx)
				defer updater.Stop()
			}

			server := api.NewServer(api.Config{
				Host:           cfg.API.Host,
				Port:           cfg.API.Port,
				APIKey:         cfg.API.APIKey,
				AllowedOrigins: cfg.API.AllowedOrigins,
				Service:        svc,
				Jobs:           manager,
				DB:             b.db,
				Cache:          b.cache,
			})

			errCh := make(chan error, 1)
			go func() { errCh <- server.Start() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				log.Info().Msg("Shutdown signal received")
			}

			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return server.Stop(sctx)
		},
	}

	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "Time allowed for running jobs to stop")
	return cmd
}
