package artifacts

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

const defaultSeparator = "\n\n"

var labelSpaces = regexp.MustCompile(`[_\s]+`)

// StringifyContent renders structured worker output as markdown text.
//
// Strings are returned verbatim and scalars formatted. Arrays are rendered
// item by item and joined by blank lines. Objects with a "text" or "content"
// field are unwrapped; other objects become a "- **Label:** value" bullet
// list with keys in sorted order.
func StringifyContent(v any) string {
	return stringify(v, defaultSeparator)
}

func stringify(v any, sep string) string {
	switch c := v.(type) {
	case nil:
		return ""
	case string:
		return c
	case bool:
		return strconv.FormatBool(c)
	case float64:
		return strconv.FormatFloat(c, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(c), 'f', -1, 32)
	case int:
		return strconv.Itoa(c)
	case int64:
		return strconv.FormatInt(c, 10)
	case json.Number:
		return c.String()
	case []any:
		parts := make([]string, 0, len(c))
		for _, item := range c {
			if text := strings.TrimSpace(stringify(item, sep)); text != "" {
				parts = append(parts, text)
			}
		}
		return strings.Join(parts, sep)
	case []string:
		items := make([]any, len(c))
		for i, s := range c {
			items[i] = s
		}
		return stringify(items, sep)
	case map[string]any:
		return stringifyObject(c, sep)
	default:
		return fmt.Sprint(c)
	}
}

func stringifyObject(obj map[string]any, sep string) string {
	if text, ok := obj["text"]; ok {
		return stringify(text, sep)
	}
	if content, ok := obj["content"]; ok {
		return stringify(content, sep)
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var entries []string
	for _, k := range keys {
		formatted := strings.TrimSpace(stringify(obj[k], sep))
		if formatted == "" {
			continue
		}
		label := formatLabel(k)
		if strings.Contains(formatted, "\n") {
			entries = append(entries, fmt.Sprintf("- **%s:**\n%s", label, indent(formatted, 2)))
		} else {
			entries = append(entries, fmt.Sprintf("- **%s:** %s", label, formatted))
		}
	}
	if len(entries) > 0 {
		return strings.Join(entries, "\n")
	}

	raw, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		return fmt.Sprint(obj)
	}
	return string(raw)
}

func formatLabel(key string) string {
	label := strings.TrimSpace(labelSpaces.ReplaceAllString(key, " "))
	if label == "" {
		return label
	}
	r, size := utf8.DecodeRuneInString(label)
	return string(unicode.ToUpper(r)) + label[size:]
}

func indent(s string, spaces int) string {
	pad := strings.Repeat(" ", spaces)
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		if line != "" {
			lines[i] = pad + line
		}
	}
	return strings.Join(lines, "\n")
}

// NormalizeReportContent renders stored content for display. Content that
// parses as JSON is converted with StringifyContent; anything else is
// returned trimmed.
func NormalizeReportContent(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	var parsed any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return trimmed
	}
	if md := strings.TrimSpace(StringifyContent(parsed)); md != "" {
		return md
	}
	return trimmed
}

// contentString renders v and trims it. It reports false when nothing is
// left to store.
func contentString(v any) (string, bool) {
	if v == nil {
		return "", false
	}
	text := strings.TrimSpace(StringifyContent(v))
	return text, text != ""
}
