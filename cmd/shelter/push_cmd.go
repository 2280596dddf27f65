package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"github.com/storyapp/shelter/internal/config"
	"github.com/storyapp/shelter/internal/storyapi"
)

func newPushCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Manage the Story API push subscription",
	}
	cmd.AddCommand(newPushSubscribeCmd(), newPushUnsubscribeCmd())
	return cmd
}

func pushAPI() (*storyapi.Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return storyapi.NewClient(cfg.APIBaseURL, &http.Client{Timeout: cfg.SyncEntryTimeout}), nil
}

func newPushSubscribeCmd() *cobra.Command {
	var token string
	var sub storyapi.PushSubscription

	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Register a push endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			api, err := pushAPI()
			if err != nil {
				return err
			}
			if err := api.SubscribePush(cmd.Context(), token, sub); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "subscribed", sub.Endpoint)
			return nil
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "Bearer token from 'shelter login'")
	cmd.Flags().StringVar(&sub.Endpoint, "endpoint", "", "Push service endpoint URL")
	cmd.Flags().StringVar(&sub.Keys.P256dh, "p256dh", "", "Client public key")
	cmd.Flags().StringVar(&sub.Keys.Auth, "auth", "", "Client auth secret")
	for _, f := range []string{"token", "endpoint", "p256dh", "auth"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

func newPushUnsubscribeCmd() *cobra.Command {
	var token, endpoint string

	cmd := &cobra.Command{
		Use:   "unsubscribe",
		Short: "Remove a push endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			api, err := pushAPI()
			if err != nil {
				return err
			}
			if err := api.UnsubscribePush(cmd.Context(), token, endpoint); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "unsubscribed", endpoint)
			return nil
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "Bearer token from 'shelter login'")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "Push service endpoint URL")
	_ = cmd.MarkFlagRequired("token")
	_ = cmd.MarkFlagRequired("endpoint")
	return cmd
}
