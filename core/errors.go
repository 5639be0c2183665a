package core

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across packages.
var (
	ErrNotFound       = errors.New("run not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrConflict       = errors.New("run conflict")
	ErrRunNotTerminal = errors.New("run has not reached a terminal status")
)

// ConflictReason explains why a submission was rejected as a duplicate.
type ConflictReason string

const (
	// ConflictInProgress means a non-terminal run already targets the same symbol and date.
	ConflictInProgress ConflictReason = "in_progress"

	// ConflictReportExists means a completed report is already stored for the target.
	ConflictReportExists ConflictReason = "report_exists"
)

// ConflictError is returned when a submission duplicates existing work.
// RunID is empty when the conflicting submission has not been assigned an id yet.
type ConflictError struct {
	RunID     string
	Symbol    string
	TradeDate string
	Reason    ConflictReason
}

func (e *ConflictError) Error() string {
	if e.Reason == ConflictReportExists {
		return fmt.Sprintf("reports already exist for %s on %s", e.Symbol, e.TradeDate)
	}
	if e.RunID != "" {
		return fmt.Sprintf("run already in progress for %s on %s (run %s)", e.Symbol, e.TradeDate, e.RunID)
	}
	return fmt.Sprintf("run already in progress for %s on %s", e.Symbol, e.TradeDate)
}

// Is lets errors.Is(err, ErrConflict) match any ConflictError.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// TransportError wraps a failed exchange with the remote worker.
// StatusCode is zero when no HTTP response was received.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("worker %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("worker %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying the same request may succeed.
func (e *TransportError) Temporary() bool {
	switch e.StatusCode {
	case 0, 502, 503, 504:
		return !errors.Is(e.Err, ErrNotFound)
	default:
		return false
	}
}

// PersistenceError records a failed artifact or summary write.
type PersistenceError struct {
	RunID string
	Key   string
	Err   error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s for run %s: %v", e.Key, e.RunID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
