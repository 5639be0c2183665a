package core

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the canonical trade date format.
const DateLayout = "2006-01-02"

// NormalizeSymbol trims and uppercases a ticker symbol.
func NormalizeSymbol(symbol string) (string, error) {
	clean := strings.ToUpper(strings.TrimSpace(symbol))
	if clean == "" {
		return "", fmt.Errorf("%w: ticker is required", ErrInvalidInput)
	}
	return clean, nil
}

// NormalizeTradeDate canonicalizes a trade date to YYYY-MM-DD.
// RFC 3339 timestamps are accepted and truncated to their date part.
func NormalizeTradeDate(date string) (string, error) {
	clean := strings.TrimSpace(date)
	if clean == "" {
		return "", fmt.Errorf("%w: trade date is required", ErrInvalidInput)
	}
	if t, err := time.Parse(DateLayout, clean); err == nil {
		return t.Format(DateLayout), nil
	}
	if t, err := time.Parse(time.RFC3339, clean); err == nil {
		return t.Format(DateLayout), nil
	}
	return "", fmt.Errorf("%w: trade date %q is not YYYY-MM-DD", ErrInvalidInput, date)
}

// ParseTimestamp parses a timestamp reported by the worker. The worker emits
// naive UTC ISO timestamps, so offset-less values are read as UTC. Empty or
// malformed input yields fallback.
func ParseTimestamp(value string, fallback time.Time) time.Time {
	clean := strings.TrimSpace(value)
	if clean == "" {
		return fallback
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05.999999999"} {
		if t, err := time.Parse(layout, clean); err == nil {
			return t.UTC()
		}
	}
	return fallback
}
