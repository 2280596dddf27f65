package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/storyapp/shelter/internal/worker"
)

func newInstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Precache the application shell and evict stale partitions",
		Long: `install runs the install and activate phases once against the configured
cache store and exits. With an S3 store this pre-warms the shell for every
gateway sharing the bucket.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			wk, err := a.newWorker(nil)
			if err != nil {
				return err
			}
			defer wk.Close()

			reg := worker.NewRegistration(a.cfg.OriginURL, a.locker, a.cfg.LockTTL, a.log)
			if err := reg.Register(ctx, wk); err != nil {
				return err
			}
			v := wk.Version()
			fmt.Fprintf(cmd.OutOrStdout(), "activated %s (runtime %s, tiles %s)\n", v.Shell, v.Runtime, v.Tiles)
			return nil
		},
	}
}
