package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	otelapi "go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/petal-labs/runrelay/bus"
	"github.com/petal-labs/runrelay/daemon"
	"github.com/petal-labs/runrelay/notify"
	relayotel "github.com/petal-labs/runrelay/otel"
	"github.com/petal-labs/runrelay/runs"
	"github.com/petal-labs/runrelay/runtime"
	"github.com/petal-labs/runrelay/server"
	"github.com/petal-labs/runrelay/worker"
)

const instrumentationName = "github.com/petal-labs/runrelay"

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay HTTP server",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	cmd.Flags().String("listen", "", "Listen address (default :8080)")
	cmd.Flags().String("worker-url", "", "Remote worker base URL")
	cmd.Flags().String("worker-token", "", "Bearer token for the remote worker")
	cmd.Flags().String("sqlite-path", "", "SQLite database for artifacts and event history")
	cmd.Flags().String("redis-url", "", "Redis URL for artifact storage")
	cmd.Flags().String("database-url", "", "Postgres URL for the ticker index")
	cmd.Flags().String("nats-url", "", "NATS URL for event fan-out")
	cmd.Flags().String("otlp-endpoint", "", "OTLP/HTTP trace endpoint")
	cmd.Flags().String("cors-origin", "", "Allowed CORS origin")
	cmd.Flags().String("template", "", "JSON run template merged into every submission")
	cmd.Flags().String("sweep-schedule", "", "Cron schedule (UTC) of the orphaned-run sweep")
	cmd.Flags().Int64("max-body", 0, "Max request body size in bytes")
	cmd.Flags().String("tls-cert", "", "TLS certificate file")
	cmd.Flags().String("tls-key", "", "TLS key file")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	cmd.Flags().Duration("shutdown-timeout", 30*time.Second, "Graceful shutdown timeout")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	readTimeout, _ := cmd.Flags().GetDuration("read-timeout")
	shutdownTimeout, _ := cmd.Flags().GetDuration("shutdown-timeout")
	tlsCert, _ := cmd.Flags().GetString("tls-cert")
	tlsKey, _ := cmd.Flags().GetString("tls-key")
	if (tlsCert == "") != (tlsKey == "") {
		return exitError(exitValidation, "--tls-cert and --tls-key must be set together")
	}

	logger := slog.Default()

	// Signal handling
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := setupTracing(ctx, cfg.Telemetry)
	if err != nil {
		return exitError(exitConfig, "%v", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("trace exporter shutdown failed", "error", err)
		}
	}()

	stores, err := daemon.OpenStores(ctx, cfg, logger)
	if err != nil {
		return exitError(exitRuntime, "opening storage: %v", err)
	}
	defer func() {
		if err := stores.Close(); err != nil {
			logger.Warn("closing storage failed", "error", err)
		}
	}()

	client, err := worker.NewHTTPClient(worker.HTTPClientConfig{
		BaseURL:     cfg.Worker.URL,
		Token:       cfg.Worker.Token,
		Timeout:     cfg.Worker.Timeout,
		MaxAttempts: cfg.Worker.MaxAttempts,
		Logger:      logger,
	})
	if err != nil {
		return exitError(exitConfig, "%v", err)
	}

	observers, closeObservers, err := buildObservers(cfg, stores.Events, logger)
	if err != nil {
		return err
	}
	defer closeObservers()

	var builder runs.ConfigBuilder
	if cfg.Runs.Template != "" {
		tmpl, err := runs.LoadTemplateFile(cfg.Runs.Template)
		if err != nil {
			return exitError(exitConfig, "%v", err)
		}
		builder = tmpl
	}

	registry, err := runs.NewRegistry(runs.Config{
		Worker:            client,
		Persister:         stores.Persister,
		Reports:           stores.Reports,
		ConfigBuilder:     builder,
		History:           stores.Events,
		ReplaySize:        cfg.Runs.ReplaySize,
		ReconnectDelay:    cfg.Runs.ReconnectDelay,
		MaxReconnectDelay: cfg.Runs.MaxReconnectDelay,
		FinalizeTimeout:   cfg.Runs.FinalizeTimeout,
		Observers:         observers,
		Logger:            logger,
	})
	if err != nil {
		return exitError(exitRuntime, "creating run registry: %v", err)
	}
	defer func() { _ = registry.Close() }()

	if _, err := registry.Recover(ctx); err != nil {
		logger.Warn("recovering runs from event history failed", "error", err)
	}

	sweeper, err := runs.NewSweeper(runs.SweeperConfig{
		Registry: registry,
		Schedule: cfg.Runs.SweepSchedule,
		Logger:   logger,
	})
	if err != nil {
		return exitError(exitConfig, "%v", err)
	}

	api := server.NewServer(server.ServerConfig{
		Runs:          registry,
		EventStore:    stores.Events,
		Catalog:       stores.Catalog,
		InternalToken: cfg.InternalToken,
		CORSOrigin:    cfg.CORSOrigin,
		MaxBody:       cfg.MaxBodyBytes,
		Logger:        logger,
	})

	// No write timeout: SSE streams stay open until the run ends.
	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       readTimeout,
	}

	sweeper.Start()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		fmt.Fprintf(cmd.OutOrStdout(), "runrelay listening on %s (worker %s)\n", cfg.Listen, cfg.Worker.URL)
		var err error
		if tlsCert != "" {
			err = httpServer.ListenAndServeTLS(tlsCert, tlsKey)
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := sweeper.Stop(shutdownCtx); err != nil {
			logger.Warn("sweeper stop timed out", "error", err)
		}
		// Close the registry first so open SSE streams complete and Shutdown
		// is not held up by them.
		_ = registry.Close()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return exitError(exitRuntime, "server error: %v", err)
	}
	return nil
}

// buildObservers assembles the registry observers: event history, metrics,
// tracing and the optional NATS publisher.
func buildObservers(cfg daemon.Config, events bus.EventStore, logger *slog.Logger) ([]runtime.EventHandler, func(), error) {
	metrics, err := relayotel.NewMetricsHandler(otelapi.GetMeterProvider().Meter(instrumentationName))
	if err != nil {
		return nil, nil, exitError(exitRuntime, "initializing metrics: %v", err)
	}
	tracing := relayotel.NewTracingHandler(otelapi.GetTracerProvider().Tracer(instrumentationName))

	observers := []runtime.EventHandler{
		bus.NewStoreSubscriber(events, logger).Handle,
		metrics.Handle,
		tracing.Handle,
	}
	closeFn := func() {}

	if cfg.NATS.URL != "" {
		conn, err := notify.Connect(cfg.NATS.URL, logger)
		if err != nil {
			return nil, nil, exitError(exitConfig, "connecting to nats: %v", err)
		}
		pub, err := notify.NewPublisher(notify.PublisherConfig{
			Conn:          conn,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			Logger:        logger,
		})
		if err != nil {
			conn.Close()
			return nil, nil, exitError(exitConfig, "%v", err)
		}
		observers = append(observers, pub.Handle)
		closeFn = func() { drainNATS(conn, logger) }
		logger.Info("nats event fan-out enabled", "url", cfg.NATS.URL)
	}
	return observers, closeFn, nil
}

func drainNATS(conn *nats.Conn, logger *slog.Logger) {
	if err := conn.Drain(); err != nil {
		logger.Warn("nats drain failed", "error", err)
		conn.Close()
	}
}
