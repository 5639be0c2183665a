package artifacts

import (
	"sort"
	"strconv"
	"strings"

	"github.com/petal-labs/runrelay/core"
)

// Artifact namespaces.
const (
	NamespaceReports = "reports"
	NamespacePlans   = "plans"
)

// BuildArtifacts derives the artifacts of a run from its result payload:
// the decision and final trade decision, the investment and trader plans,
// and one report per entry of result["reports"]. Empty values are skipped.
// A nil result yields no artifacts.
func BuildArtifacts(runID, symbol, tradeDate string, status core.RunStatus, result map[string]any) []ArtifactRecord {
	if result == nil {
		return nil
	}

	var out []ArtifactRecord
	add := func(namespace, key string, value any) {
		content, ok := contentString(value)
		if !ok {
			return
		}
		out = append(out, ArtifactRecord{
			Symbol:      symbol,
			TradeDate:   tradeDate,
			Namespace:   namespace,
			Key:         key,
			Content:     content,
			ContentSize: len(content),
			ContentType: ContentTypeMarkdown,
			Metadata: map[string]any{
				"runId":  runID,
				"status": string(status),
			},
		})
	}

	add(NamespaceReports, "decision", result["decision"])
	add(NamespaceReports, "final_trade_decision", result["final_trade_decision"])
	add(NamespacePlans, "investment_plan", result["investment_plan"])
	add(NamespacePlans, "trader_investment_plan", result["trader_investment_plan"])

	if reports, ok := result["reports"].(map[string]any); ok {
		sections := make([]string, 0, len(reports))
		for section := range reports {
			sections = append(sections, section)
		}
		sort.Strings(sections)
		for _, section := range sections {
			add(NamespaceReports, section, reports[section])
		}
	}
	return out
}

// DurationSeconds reads duration_seconds (or durationSeconds) from a result
// payload. Numeric strings are accepted.
func DurationSeconds(result map[string]any) *float64 {
	if result == nil {
		return nil
	}
	value, ok := result["duration_seconds"]
	if !ok || value == nil {
		value = result["durationSeconds"]
	}
	switch v := value.(type) {
	case float64:
		return &v
	case int:
		f := float64(v)
		return &f
	case int64:
		f := float64(v)
		return &f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil
		}
		return &f
	default:
		return nil
	}
}

var summaryMetadataKeys = []string{"log_path", "project_dir", "started_at", "completed_at"}

// SummaryMetadata keeps the non-empty run bookkeeping fields of a result
// payload. It returns nil when none are present.
func SummaryMetadata(result map[string]any) map[string]any {
	if result == nil {
		return nil
	}
	meta := make(map[string]any)
	for _, key := range summaryMetadataKeys {
		if s, ok := result[key].(string); ok && strings.TrimSpace(s) != "" {
			meta[key] = s
		}
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}

// NewRunSummary assembles the summary record for a finished run.
func NewRunSummary(run core.RunSummary) RunSummaryRecord {
	rec := RunSummaryRecord{
		RunID:           run.ID,
		Symbol:          run.Symbol,
		TradeDate:       run.TradeDate,
		Status:          run.Status,
		Result:          run.Result,
		DurationSeconds: DurationSeconds(run.Result),
		Metadata:        SummaryMetadata(run.Result),
	}
	if run.Error != nil {
		rec.Error = run.Error.Message
	}
	return rec
}
