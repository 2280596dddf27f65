package main

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/storyapp/shelter/internal/config"
	"github.com/storyapp/shelter/internal/queue"
)

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and edit the deferred-write queue",
	}
	cmd.AddCommand(newQueueListCmd(), newQueueAddCmd(), newQueueDropCmd())
	return cmd
}

func openQueue(cmd *cobra.Command) (*queue.Queue, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return queue.Open(cmd.Context(), cfg.QueuePath)
}

func newQueueListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queued story submissions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := openQueue(cmd)
			if err != nil {
				return err
			}
			defer q.Close()

			items, err := q.List(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCREATED\tAUTHOR\tPHOTO\tDESCRIPTION")
			for _, it := range items {
				author := "guest"
				if it.Token != "" {
					author = "user"
				}
				photo := "-"
				if it.Photo != nil {
					photo = fmt.Sprintf("%s (%d B)", it.Photo.Name, len(it.Photo.Data))
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", it.ID, it.CreatedAt.Format(time.RFC3339), author, photo, it.Description)
			}
			return tw.Flush()
		},
	}
}

func newQueueAddCmd() *cobra.Command {
	var (
		description string
		photoPath   string
		token       string
		lat, lon    float64
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Queue a story submission for the next sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := queue.PendingWrite{Description: description, Token: token}
			if cmd.Flags().Changed("lat") {
				w.Lat = &lat
			}
			if cmd.Flags().Changed("lon") {
				w.Lon = &lon
			}
			if photoPath != "" {
				data, err := os.ReadFile(photoPath)
				if err != nil {
					return err
				}
				w.Photo = &queue.Attachment{
					Name:        filepath.Base(photoPath),
					ContentType: http.DetectContentType(data),
					Data:        data,
				}
			}

			q, err := openQueue(cmd)
			if err != nil {
				return err
			}
			defer q.Close()

			w, err = q.Enqueue(cmd.Context(), w)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), w.ID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&description, "description", "d", "", "Story text")
	cmd.Flags().StringVar(&photoPath, "photo", "", "Path to the story photo")
	cmd.Flags().StringVar(&token, "token", "", "Bearer token; omit for a guest story")
	cmd.Flags().Float64Var(&lat, "lat", 0, "Latitude")
	cmd.Flags().Float64Var(&lon, "lon", 0, "Longitude")
	_ = cmd.MarkFlagRequired("description")
	cmd.MarkFlagsRequiredTogether("lat", "lon")
	return cmd
}

func newQueueDropCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drop <id>",
		Short: "Remove a queued submission without sending it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q: %w", args[0], err)
			}
			q, err := openQueue(cmd)
			if err != nil {
				return err
			}
			defer q.Close()
			return q.Delete(cmd.Context(), id)
		},
	}
}
