package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"github.com/storyapp/shelter/internal/config"
	"github.com/storyapp/shelter/internal/storyapi"
)

func newLoginCmd() *cobra.Command {
	var email, password string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in to the Story API and print the bearer token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			api := storyapi.NewClient(cfg.APIBaseURL, &http.Client{Timeout: cfg.SyncEntryTimeout})
			res, err := api.Login(cmd.Context(), email, password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Token)
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Account email")
	cmd.Flags().StringVar(&password, "password", "", "Account password")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}
