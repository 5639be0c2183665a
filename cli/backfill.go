package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/runrelay/bus"
	"github.com/petal-labs/runrelay/daemon"
	"github.com/petal-labs/runrelay/runs"
	"github.com/petal-labs/runrelay/runtime"
	"github.com/petal-labs/runrelay/worker"
)

// NewBackfillCmd creates the "backfill" subcommand.
func NewBackfillCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backfill <run-id>...",
		Short: "Persist the results of finished runs",
		Long:  "Fetch each run from the worker and write its summary and artifacts to the configured storage. Writes that already succeeded are not repeated.",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runBackfill,
	}
	addWorkerFlags(cmd)
	addStorageFlags(cmd)
	cmd.Flags().Duration("timeout", 2*time.Minute, "Overall timeout")
	return cmd
}

func runBackfill(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")
	logger := slog.Default()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	stores, err := daemon.OpenStores(ctx, cfg, logger)
	if err != nil {
		return exitError(exitRuntime, "opening storage: %v", err)
	}
	defer func() { _ = stores.Close() }()

	client, err := newWorkerClient(cfg, logger)
	if err != nil {
		return err
	}

	registry, err := runs.NewRegistry(runs.Config{
		Worker:          client,
		Persister:       stores.Persister,
		History:         stores.Events,
		FinalizeTimeout: timeout,
		Observers:       []runtime.EventHandler{bus.NewStoreSubscriber(stores.Events, logger).Handle},
		Logger:          logger,
	})
	if err != nil {
		return exitError(exitRuntime, "creating run registry: %v", err)
	}
	defer func() { _ = registry.Close() }()

	var failed error
	for _, id := range args {
		if err := registry.Backfill(ctx, id); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", id, err)
			if failed == nil {
				failed = commandError("backfill "+id, err)
			}
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: persisted\n", id)
	}
	return failed
}

func addWorkerFlags(cmd *cobra.Command) {
	cmd.Flags().String("worker-url", "", "Remote worker base URL")
	cmd.Flags().String("worker-token", "", "Bearer token for the remote worker")
}

func addStorageFlags(cmd *cobra.Command) {
	cmd.Flags().String("sqlite-path", "", "SQLite database for artifacts and event history")
	cmd.Flags().String("redis-url", "", "Redis URL for artifact storage")
	cmd.Flags().String("database-url", "", "Postgres URL for the ticker index")
}

func newWorkerClient(cfg daemon.Config, logger *slog.Logger) (*worker.HTTPClient, error) {
	client, err := worker.NewHTTPClient(worker.HTTPClientConfig{
		BaseURL:     cfg.Worker.URL,
		Token:       cfg.Worker.Token,
		Timeout:     cfg.Worker.Timeout,
		MaxAttempts: cfg.Worker.MaxAttempts,
		Logger:      logger,
	})
	if err != nil {
		return nil, exitError(exitConfig, "%v", err)
	}
	return client, nil
}
