package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/petal-labs/runrelay/artifacts"
	"github.com/petal-labs/runrelay/core"
	"github.com/petal-labs/runrelay/runs"
	"github.com/petal-labs/runrelay/runtime"
)

// StartRunRequest is the body of POST /api/runs.
type StartRunRequest struct {
	Ticker    string         `json:"ticker"`
	TradeDate string         `json:"tradeDate"`
	Config    map[string]any `json:"config,omitempty"`
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStartRun submits a new run and answers 202 with its summary.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		if isMaxBytesError(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "INVALID_REQUEST", "request body exceeds size limit", nil)
			return
		}
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "failed to read request body", nil)
		return
	}

	var req StartRunRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", fmt.Sprintf("invalid JSON: %v", err), nil)
		return
	}
	if strings.TrimSpace(req.Ticker) == "" || strings.TrimSpace(req.TradeDate) == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "ticker and tradeDate are required", nil)
		return
	}

	run, err := s.runs.StartRun(r.Context(), runs.StartRequest{
		Symbol:    req.Ticker,
		TradeDate: req.TradeDate,
		Config:    req.Config,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

// handleListRuns returns every tracked run, newest first, optionally
// filtered by status or ticker.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	statusFilter := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status")))
	tickerFilter := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("ticker")))

	all := s.runs.Runs()
	out := make([]core.RunSummary, 0, len(all))
	for _, run := range all {
		if statusFilter != "" && string(run.Status) != statusFilter {
			continue
		}
		if tickerFilter != "" && run.Symbol != tickerFilter {
			continue
		}
		out = append(out, run)
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

// handleGetRun reconciles a run against the worker and returns it.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.GetRun(r.Context(), r.PathValue("run_id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleRunEvents pages through a run's persisted event history.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")

	if s.eventStore == nil {
		writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "event store not configured", nil)
		return
	}

	afterSeq, err := queryUint(r, "after")
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	limit, err := queryUint(r, "limit")
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	events, err := s.eventStore.List(r.Context(), runID, afterSeq, int(limit))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if len(events) == 0 && afterSeq == 0 {
		if seq, err := s.eventStore.LatestSeq(r.Context(), runID); err == nil && seq == 0 {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("no events for run %q", runID), nil)
			return
		}
	}

	out := make([]runtime.WireEvent, 0, len(events))
	for _, evt := range events {
		out = append(out, evt.Wire())
	}
	writeJSON(w, http.StatusOK, map[string]any{"runId": runID, "events": out})
}

// handleBackfill persists a terminal run's results.
func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	if err := s.runs.Backfill(r.Context(), r.PathValue("run_id")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleListTickers returns every ticker with stored results.
func (s *Server) handleListTickers(w http.ResponseWriter, r *http.Request) {
	if !s.requireCatalog(w) {
		return
	}
	tickers, err := s.catalog.ListTickers(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tickers": nonNil(tickers)})
}

// handleListRunDates returns the trade dates with stored results for a
// ticker, newest first.
func (s *Server) handleListRunDates(w http.ResponseWriter, r *http.Request) {
	if !s.requireCatalog(w) {
		return
	}
	ticker, err := core.NormalizeSymbol(r.PathValue("ticker"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	dates, err := s.catalog.ListRunDates(r.Context(), ticker)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ticker": ticker, "dates": nonNil(dates)})
}

// handleListArtifacts returns the stored artifacts of a ticker and date.
func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	if !s.requireCatalog(w) {
		return
	}
	ticker, err := core.NormalizeSymbol(r.PathValue("ticker"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	date, err := core.NormalizeTradeDate(r.PathValue("date"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	recs, err := s.catalog.ListArtifacts(r.Context(), ticker, date)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if recs == nil {
		recs = []artifacts.ArtifactRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ticker": ticker, "tradeDate": date, "artifacts": recs})
}

func (s *Server) requireCatalog(w http.ResponseWriter) bool {
	if s.catalog == nil {
		writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "artifact catalog not configured", nil)
		return false
	}
	return true
}

func queryUint(r *http.Request, name string) (uint64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid %s parameter %q: %w", name, raw, core.ErrInvalidInput)
	}
	return v, nil
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func isMaxBytesError(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}
