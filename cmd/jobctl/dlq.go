package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDLQCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Work with the dead-letter queue",
	}

	var max int
	redrive := &cobra.Command{
		Use:   "redrive",
		Short: "Move dead-lettered messages back to the main queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if max < 0 {
				return fmt.Errorf("--max must not be negative")
			}
			b, err := c.Backend()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(),
				"redriven messages get %d more receives before dead-lettering again\n", b.MaxReceiveCount())

			res, err := b.Redrive(cmd.Context(), max)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if res.Failed > 0 {
				return fmt.Errorf("%d messages could not be redriven", res.Failed)
			}
			return nil
		},
	}
	redrive.Flags().IntVar(&max, "max", 0, "Stop after this many messages (0 drains the queue)")
	cmd.AddCommand(redrive)
	return cmd
}
