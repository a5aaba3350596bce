package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"bulkmail/internal/core"
)

func newAPIKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}

	var client string
	hash := &cobra.Command{
		Use:   "hash <secret>",
		Short: "Print an API_KEYS entry for a client secret",
		Long: "Hashes the secret with bcrypt and prints a <client>:<hash> entry for API_KEYS.\n" +
			"Callers then send the key as <client>.<secret>.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if client == "" || strings.ContainsAny(client, ".:,") {
				return fmt.Errorf("--client must be set and must not contain '.', ':' or ','")
			}
			h, err := core.HashAPIKeySecret(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s:%s\n", client, h)
			return nil
		},
	}
	hash.Flags().StringVar(&client, "client", "", "Client name the key belongs to")
	cmd.AddCommand(hash)
	return cmd
}
