package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"bulkmail/internal/types"
)

func newStatusCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status <jobId>",
		Short: "Print the status record of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID := args[0]
			if _, err := uuid.Parse(jobID); err != nil {
				return fmt.Errorf("job id %q is not a UUID", jobID)
			}

			b, err := c.Backend()
			if err != nil {
				return err
			}
			store, err := b.StatusStore(cmd.Context())
			if err != nil {
				return err
			}

			rec, err := store.Get(cmd.Context(), jobID)
			if types.IsCode(err, types.ErrCodeNotFoundJob) {
				fmt.Fprintf(cmd.ErrOrStderr(), "no status record for %s yet\n", jobID)
				rec = &types.JobRecord{JobID: jobID, Status: types.JobStatusQueued}
			} else if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		},
	}
}
