package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"bulkmail/internal/app"
	"bulkmail/internal/jobs"
	"bulkmail/internal/queue"
)

// Backend is what the commands need from the running system.
type Backend interface {
	StatusStore(ctx context.Context) (jobs.StatusStore, error)
	Publisher(ctx context.Context) (app.Publisher, error)
	QueueStats(ctx context.Context) (queue.Stats, error)
	Redrive(ctx context.Context, max int) (queue.RedriveResult, error)
	MaxReceiveCount() int
	Close() error
}

type connectFunc func(verbose bool) (Backend, error)

// cli carries state shared by the subcommands. The backend is connected on
// first use so that commands like apikey run without configuration.
type cli struct {
	connect connectFunc
	backend Backend
	verbose bool
}

func newRootCmd(connect connectFunc) *cobra.Command {
	c := &cli{connect: connect}

	root := &cobra.Command{
		Use:           "jobctl",
		Short:         "Operate the bulk mail queue and job status store.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if c.backend == nil {
				return nil
			}
			return c.backend.Close()
		},
	}
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "Log backend activity to stderr")

	root.AddCommand(
		newStatusCmd(c),
		newEnqueueCmd(c),
		newQueueCmd(c),
		newDLQCmd(c),
		newAPIKeyCmd(),
	)
	return root
}

func (c *cli) Backend() (Backend, error) {
	if c.backend != nil {
		return c.backend, nil
	}
	b, err := c.connect(c.verbose)
	if err != nil {
		return nil, err
	}
	c.backend = b
	return b, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// registryBackend adapts app.Registry to Backend.
type registryBackend struct {
	*app.Registry
}

func connectRegistry(verbose bool) (Backend, error) {
	cfg, err := app.LoadConfig(os.Getenv("AWS_REGION"))
	if err != nil {
		return nil, err
	}
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	return registryBackend{app.New(cfg, logger)}, nil
}

func (b registryBackend) QueueStats(ctx context.Context) (queue.Stats, error) {
	inspector, err := b.Inspector(ctx)
	if err != nil {
		return queue.Stats{}, err
	}
	return inspector.Stats(ctx)
}

func (b registryBackend) Redrive(ctx context.Context, max int) (queue.RedriveResult, error) {
	redriver, err := b.Redriver(ctx)
	if err != nil {
		return queue.RedriveResult{}, err
	}
	return redriver.Redrive(ctx, max)
}

func (b registryBackend) MaxReceiveCount() int { return b.Config.Queue.MaxReceiveCount }
