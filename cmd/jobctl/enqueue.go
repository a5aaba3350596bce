package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"bulkmail/internal/core"
	"bulkmail/internal/types"
)

func newEnqueueCmd(c *cli) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "enqueue --file request.json",
		Short: "Validate and enqueue an email job, bypassing the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			req, err := decodeRequest(in)
			if err != nil {
				return err
			}

			b, err := c.Backend()
			if err != nil {
				return err
			}
			store, err := b.StatusStore(cmd.Context())
			if err != nil {
				return err
			}
			publisher, err := b.Publisher(cmd.Context())
			if err != nil {
				return err
			}

			now := time.Now().UTC()
			env := req.ToEnvelope(uuid.NewString(), now)
			env.Metadata.Source = "jobctl"

			if _, err := store.Upsert(cmd.Context(), env.JobID, types.JobStatusQueued, types.StatusFields{
				At:              now,
				TotalRecipients: types.IntPtr(env.RecipientCount()),
				CampaignID:      env.Metadata.CampaignID,
				Priority:        env.Metadata.Priority,
			}); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: could not record queued status: %v\n", err)
			}

			messageID, err := publisher.Publish(cmd.Context(), env)
			if err != nil {
				_, _ = store.Upsert(cmd.Context(), env.JobID, types.JobStatusFailed, types.StatusFields{
					At:    time.Now().UTC(),
					Error: "enqueue failed: " + err.Error(),
				})
				return err
			}

			return printJSON(cmd.OutOrStdout(), types.QueuedJob{
				JobID:               env.JobID,
				MessageID:           messageID,
				EstimatedRecipients: env.RecipientCount(),
				QueuedAt:            now,
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Path to a JSON email request, or - for stdin")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// decodeRequest parses and validates a request body exactly as the API does.
func decodeRequest(r io.Reader) (types.EmailRequest, error) {
	var req types.EmailRequest
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return req, fmt.Errorf("parsing request: %w", err)
	}
	v := core.NewValidator(slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := v.ValidateStruct(req); err != nil {
		return req, err
	}
	return req, nil
}
