package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/storyapp/shelter/internal/queue"
	"github.com/storyapp/shelter/internal/replay"
)

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay queued story submissions once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			q, err := queue.Open(ctx, a.cfg.QueuePath)
			if err != nil {
				return err
			}
			defer q.Close()

			rp := replay.New(q, a.api, a.locker, replay.Options{
				EntryTimeout: a.cfg.SyncEntryTimeout,
				LockKey:      replay.QueueLockKey(a.cfg.QueuePath),
			}, a.log, a.metrics)
			res, err := rp.Run(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "attempted %d, replayed %d, failed %d\n", res.Attempted, res.Replayed, res.Failed)
			return nil
		},
	}
}
