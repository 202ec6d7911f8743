package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/templui/downloadgroups/internal/jobs"
)

func QueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Job queue commands",
	}

	cmd.AddCommand(queueStatsCmd())
	cmd.AddCommand(queueRecoverCmd())
	return cmd
}

func withQueue(cmd *cobra.Command, fn func(q *jobs.Queue) error) error {
	cfg := load()
	client, err := jobs.Connect(cmd.Context(), cfg.RedisURL)
	if err != nil {
		return err
	}
	defer client.Close()
	return fn(jobs.NewQueue(client, jobs.Options{Name: cfg.QueueName}))
}

func queueStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print ready, processing, delayed and dead job counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd, func(q *jobs.Queue) error {
				stats, err := q.Stats(cmd.Context())
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			})
		},
	}
}

func queueRecoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Requeue jobs left in processing by crashed workers",
		Long:  "Only run this while no worker is running, in-flight jobs would be executed twice.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd, func(q *jobs.Queue) error {
				n, err := q.Recover(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "recovered %d jobs\n", n)
				return nil
			})
		},
	}
}
