package server

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/petal-labs/runrelay/core"
)

func TestToAPIError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"invalid", fmt.Errorf("symbol: %w", core.ErrInvalidInput), http.StatusBadRequest, "INVALID_REQUEST"},
		{"not found", fmt.Errorf("runs: run x: %w", core.ErrNotFound), http.StatusNotFound, "NOT_FOUND"},
		{"remote not found", &core.TransportError{Op: "fetch status", StatusCode: 404, Err: core.ErrNotFound}, http.StatusNotFound, "NOT_FOUND"},
		{"conflict", &core.ConflictError{Symbol: "NVDA", TradeDate: "2025-01-15", Reason: core.ConflictInProgress}, http.StatusConflict, "CONFLICT"},
		{"not terminal", fmt.Errorf("backfill: %w", core.ErrRunNotTerminal), http.StatusConflict, "RUN_NOT_TERMINAL"},
		{"upstream", fmt.Errorf("runs: submit: %w", &core.TransportError{Op: "submit", StatusCode: 500, Err: errors.New("boom")}), http.StatusBadGateway, "UPSTREAM_ERROR"},
		{"persistence", errors.Join(&core.PersistenceError{RunID: "r", Key: "k", Err: errors.New("down")}), http.StatusInternalServerError, "INTERNAL"},
		{"other", errors.New("unexpected"), http.StatusInternalServerError, "INTERNAL"},
		{"already mapped", &runAPIError{Status: http.StatusTeapot, Code: "TEAPOT"}, http.StatusTeapot, "TEAPOT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := toAPIError(tt.err)
			if got.Status != tt.wantStatus || got.Code != tt.wantCode {
				t.Errorf("toAPIError = %d %s, want %d %s", got.Status, got.Code, tt.wantStatus, tt.wantCode)
			}
		})
	}
}

func TestToAPIError_ConflictDetails(t *testing.T) {
	got := toAPIError(&core.ConflictError{RunID: "run-1", Symbol: "NVDA", TradeDate: "2025-01-15", Reason: core.ConflictReportExists})
	d, ok := got.Details.(conflictDetails)
	if !ok {
		t.Fatalf("details = %T", got.Details)
	}
	if d.RunID != "run-1" || d.Ticker != "NVDA" || d.TradeDate != "2025-01-15" || d.Reason != "report_exists" {
		t.Errorf("details = %+v", d)
	}
}
