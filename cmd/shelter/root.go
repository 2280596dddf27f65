package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "shelter",
	Short: "Offline-first gateway for the Story App",
	Long: `shelter sits between the Story App and the network. It keeps the
application shell, API reads and map tiles cached, queues story submissions
made while offline and replays them when connectivity returns.

Configuration is read from SHELTER_* environment variables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	rootCmd.SetContext(ctx)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "shelter:", err)
		cancel()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override SHELTER_LOG_LEVEL (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Override SHELTER_LOG_FORMAT (text, json)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newInstallCmd())
	rootCmd.AddCommand(newSyncCmd())
	rootCmd.AddCommand(newQueueCmd())
	rootCmd.AddCommand(newPushCmd())
	rootCmd.AddCommand(newLoginCmd())
}
