package runs

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// ConfigBuilder prepares the worker config for a submission.
type ConfigBuilder interface {
	Build(symbol, tradeDate string, user map[string]any) map[string]any
}

// TemplateConfig merges a base template with per-run overrides.
type TemplateConfig struct {
	Template map[string]any
	Now      func() time.Time
}

// LoadTemplateFile reads a JSON run template. The "_metadata" field is
// dropped.
func LoadTemplateFile(path string) (TemplateConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return TemplateConfig{}, fmt.Errorf("runs: read template: %w", err)
	}
	var tmpl map[string]any
	if err := json.Unmarshal(data, &tmpl); err != nil {
		return TemplateConfig{}, fmt.Errorf("runs: parse template %s: %w", path, err)
	}
	delete(tmpl, "_metadata")
	return TemplateConfig{Template: tmpl}, nil
}

// Build shallow-merges the template and user config, user keys winning, and
// stamps metadata.preparedAt when metadata is an object.
func (t TemplateConfig) Build(_, _ string, user map[string]any) map[string]any {
	out := make(map[string]any, len(t.Template)+len(user))
	for k, v := range t.Template {
		out[k] = v
	}
	for k, v := range user {
		out[k] = v
	}
	delete(out, "_metadata")

	if meta, ok := out["metadata"].(map[string]any); ok {
		now := time.Now().UTC()
		if t.Now != nil {
			now = t.Now().UTC()
		}
		stamped := cloneMap(meta)
		stamped["preparedAt"] = now.Format(time.RFC3339)
		out["metadata"] = stamped
	}
	return out
}
