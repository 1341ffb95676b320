package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ajitpratap0/foldwise/internal/cache"
)

func newCacheCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the Redis fold cache",
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop every cached fold result",
		RunE: func(cmd *cobra.Command, _ []string) error {
			r := a.cfg.Redis
			client := cache.NewClient(r.GetRedisAddr(), r.Password, r.DB)
			defer client.Close()

			n, err := cache.NewFoldCache(client, r.TTL).Clear(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %d cached fold(s)\n", n)
			return nil
		},
	}

	cmd.AddCommand(clearCmd)
	return cmd
}
