// Package core provides the foundational types for runrelay runs.
//
// This package contains:
//   - Run model: RunStatus, RunSummary, RunError
//   - Input normalization for symbols and trade dates
//   - The error taxonomy shared by the worker client, registry and HTTP layer
package core

import (
	"strings"
	"time"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	StatusPending RunStatus = "pending"
	StatusRunning RunStatus = "running"
	StatusSuccess RunStatus = "success"
	StatusFailed  RunStatus = "failed"
)

// String returns the string representation of the RunStatus.
func (s RunStatus) String() string {
	return string(s)
}

// IsTerminal reports whether no further transitions are possible.
func (s RunStatus) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Rank orders statuses along pending -> running -> terminal.
// Both terminal statuses share the highest rank.
func (s RunStatus) Rank() int {
	switch s {
	case StatusRunning:
		return 1
	case StatusSuccess, StatusFailed:
		return 2
	default:
		return 0
	}
}

// Advances reports whether moving from s to next is a legal forward step.
// Staying in the same non-terminal status is allowed; once terminal, a record
// never changes status again.
func (s RunStatus) Advances(next RunStatus) bool {
	if s.IsTerminal() {
		return false
	}
	return next.Rank() >= s.Rank()
}

// ParseRunStatus maps a status string reported by the worker onto a RunStatus.
// Unknown values, including "queued", map to StatusPending.
func ParseRunStatus(s string) RunStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "running":
		return StatusRunning
	case "success":
		return StatusSuccess
	case "failed":
		return StatusFailed
	default:
		return StatusPending
	}
}

// RunError describes why a run failed.
type RunError struct {
	Message   string `json:"message"`
	Traceback string `json:"traceback,omitempty"`
}

// RunSummary is a point-in-time snapshot of a run record.
type RunSummary struct {
	ID           string         `json:"id"`
	Symbol       string         `json:"ticker"`
	TradeDate    string         `json:"tradeDate"`
	Status       RunStatus      `json:"status"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
	Result       map[string]any `json:"result,omitempty"`
	Error        *RunError      `json:"error,omitempty"`
	StreamActive bool           `json:"streamActive"`
	Persisted    bool           `json:"persisted"`
}

// TargetKey identifies the logical target of a run: one symbol on one date.
func TargetKey(symbol, tradeDate string) string {
	return symbol + "#" + tradeDate
}
