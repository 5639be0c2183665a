package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/runrelay/core"
	"github.com/petal-labs/runrelay/worker"
)

// NewStatusCmd creates the "status" subcommand.
func NewStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show a run's status as reported by the worker",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus,
	}
	addWorkerFlags(cmd)
	cmd.Flags().String("format", "text", "Output format: text | json")
	return cmd
}

// statusOutput is the JSON shape of "status --format json".
type statusOutput struct {
	ID        string         `json:"id"`
	Ticker    string         `json:"ticker"`
	TradeDate string         `json:"tradeDate"`
	Status    core.RunStatus `json:"status"`
	RawStatus string         `json:"rawStatus,omitempty"`
	CreatedAt *time.Time     `json:"createdAt,omitempty"`
	UpdatedAt *time.Time     `json:"updatedAt,omitempty"`
	Error     string         `json:"error,omitempty"`
	Result    map[string]any `json:"result,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	format = strings.ToLower(strings.TrimSpace(format))
	if format != "text" && format != "json" {
		return exitError(exitValidation, "unknown format %q (want text or json)", format)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	client, err := newWorkerClient(cfg, slog.Default())
	if err != nil {
		return err
	}

	run, err := client.FetchStatus(cmd.Context(), args[0])
	if err != nil {
		return commandError("status "+args[0], err)
	}

	out := cmd.OutOrStdout()
	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(toStatusOutput(run)); err != nil {
			return exitError(exitRuntime, "writing output: %v", err)
		}
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Run:\t%s\n", run.ID)
	fmt.Fprintf(tw, "Ticker:\t%s\n", run.Symbol)
	fmt.Fprintf(tw, "Trade date:\t%s\n", run.TradeDate)
	fmt.Fprintf(tw, "Status:\t%s (%s)\n", run.Status, run.RawStatus)
	if !run.UpdatedAt.IsZero() {
		fmt.Fprintf(tw, "Updated:\t%s\n", run.UpdatedAt.UTC().Format(time.RFC3339))
	}
	if run.Error != "" {
		fmt.Fprintf(tw, "Error:\t%s\n", run.Error)
	}
	if decision, ok := run.Result["decision"].(string); ok && decision != "" {
		fmt.Fprintf(tw, "Decision:\t%s\n", decision)
	}
	return tw.Flush()
}

func toStatusOutput(run worker.RemoteRun) statusOutput {
	out := statusOutput{
		ID:        run.ID,
		Ticker:    run.Symbol,
		TradeDate: run.TradeDate,
		Status:    run.Status,
		RawStatus: run.RawStatus,
		Error:     run.Error,
		Result:    run.Result,
	}
	if !run.CreatedAt.IsZero() {
		t := run.CreatedAt.UTC()
		out.CreatedAt = &t
	}
	if !run.UpdatedAt.IsZero() {
		t := run.UpdatedAt.UTC()
		out.UpdatedAt = &t
	}
	return out
}
