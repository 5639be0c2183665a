package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petal-labs/runrelay/core"
	"github.com/petal-labs/runrelay/daemon"
)

// NewRootCmd builds the runrelay command tree.
func NewRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "runrelay",
		Short: "Run relay for remote analysis workers",
		Long:  "runrelay submits runs to a remote worker, relays their events to clients and persists their results.",
		// SilenceUsage prevents printing usage on every error
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(cmd)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			return nil
		},
	}

	root.PersistentFlags().String("config", "", "Path to runrelay.yaml (default: ./runrelay.yaml, then ~/.runrelay/config.yaml)")
	root.PersistentFlags().Bool("verbose", false, "Enable verbose/debug logging")
	root.PersistentFlags().Bool("quiet", false, "Suppress all output except errors")
	root.PersistentFlags().String("log-format", "text", "Log format: text | json")

	root.Version = version
	root.SetVersionTemplate(fmt.Sprintf("runrelay version %s\n", version))

	root.AddCommand(NewServeCmd())
	root.AddCommand(NewBackfillCmd())
	root.AddCommand(NewStatusCmd())
	return root
}

// newLogger builds the process logger from the persistent flags. Logs go to
// stderr so command output on stdout stays parseable.
func newLogger(cmd *cobra.Command) (*slog.Logger, error) {
	verbose, _ := cmd.Flags().GetBool("verbose")
	quiet, _ := cmd.Flags().GetBool("quiet")
	format, _ := cmd.Flags().GetString("log-format")
	return buildLogger(cmd.ErrOrStderr(), format, verbose, quiet)
}

func buildLogger(w io.Writer, format string, verbose, quiet bool) (*slog.Logger, error) {
	level := slog.LevelInfo
	switch {
	case verbose && quiet:
		return nil, exitError(exitValidation, "--verbose and --quiet are mutually exclusive")
	case verbose:
		level = slog.LevelDebug
	case quiet:
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, exitError(exitValidation, "unknown log format %q (want text or json)", format)
	}
}

// loadConfig discovers, loads and validates the daemon config.
func loadConfig(cmd *cobra.Command) (daemon.Config, error) {
	explicit, _ := cmd.Flags().GetString("config")
	cfg, path, err := daemon.LoadConfig(explicit)
	if err != nil {
		return daemon.Config{}, exitError(exitConfig, "loading config: %v", err)
	}
	if path != "" {
		slog.Debug("loaded config", "path", path)
	}
	applyConfigFlags(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return daemon.Config{}, exitError(exitConfig, "%v", err)
	}
	return cfg, nil
}

// applyConfigFlags lets explicitly set flags override file and env values.
func applyConfigFlags(cmd *cobra.Command, cfg *daemon.Config) {
	flags := cmd.Flags()
	setString := func(name string, dst *string) {
		if flags.Lookup(name) != nil && flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	setString("worker-url", &cfg.Worker.URL)
	setString("worker-token", &cfg.Worker.Token)
	setString("listen", &cfg.Listen)
	setString("sqlite-path", &cfg.Storage.SQLitePath)
	setString("redis-url", &cfg.Storage.RedisURL)
	setString("database-url", &cfg.Storage.DatabaseURL)
	setString("nats-url", &cfg.NATS.URL)
	setString("otlp-endpoint", &cfg.Telemetry.OTLPEndpoint)
	setString("cors-origin", &cfg.CORSOrigin)
	setString("template", &cfg.Runs.Template)
	setString("sweep-schedule", &cfg.Runs.SweepSchedule)
	if flags.Lookup("max-body") != nil && flags.Changed("max-body") {
		cfg.MaxBodyBytes, _ = flags.GetInt64("max-body")
	}
}

// commandError maps registry and worker errors onto exit codes.
func commandError(action string, err error) error {
	var conflict *core.ConflictError
	var transport *core.TransportError
	switch {
	case errors.Is(err, core.ErrNotFound):
		return exitError(exitNotFound, "%s: %v", action, err)
	case errors.As(err, &conflict), errors.Is(err, core.ErrRunNotTerminal):
		return exitError(exitConflict, "%s: %v", action, err)
	case errors.Is(err, core.ErrInvalidInput):
		return exitError(exitValidation, "%s: %v", action, err)
	case errors.As(err, &transport):
		return exitError(exitUpstream, "%s: %v", action, err)
	default:
		return exitError(exitRuntime, "%s: %v", action, err)
	}
}
