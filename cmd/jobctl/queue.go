package main

import (
	"github.com/spf13/cobra"

	"bulkmail/internal/queue"
)

func newQueueCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the job queue",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Print message counts of the queue and its dead-letter queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := c.Backend()
			if err != nil {
				return err
			}
			stats, err := b.QueueStats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), struct {
				queue.Stats
				MaxReceiveCount int `json:"maxReceiveCount"`
			}{stats, b.MaxReceiveCount()})
		},
	})
	return cmd
}
