package server

import (
	"errors"
	"net/http"

	"github.com/petal-labs/runrelay/core"
)

// runAPIError is an error already mapped to an HTTP response.
type runAPIError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *runAPIError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// conflictDetails is the details object of a CONFLICT response.
type conflictDetails struct {
	RunID     string `json:"runId,omitempty"`
	Ticker    string `json:"ticker"`
	TradeDate string `json:"tradeDate"`
	Reason    string `json:"reason"`
}

// toAPIError maps registry and worker errors onto the error envelope.
func toAPIError(err error) *runAPIError {
	var apiErr *runAPIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	var conflict *core.ConflictError
	var transport *core.TransportError
	var persist *core.PersistenceError
	switch {
	case errors.As(err, &conflict):
		return &runAPIError{
			Status:  http.StatusConflict,
			Code:    "CONFLICT",
			Message: conflict.Error(),
			Details: conflictDetails{
				RunID:     conflict.RunID,
				Ticker:    conflict.Symbol,
				TradeDate: conflict.TradeDate,
				Reason:    string(conflict.Reason),
			},
		}
	case errors.Is(err, core.ErrInvalidInput):
		return &runAPIError{Status: http.StatusBadRequest, Code: "INVALID_REQUEST", Message: err.Error()}
	case errors.Is(err, core.ErrNotFound):
		return &runAPIError{Status: http.StatusNotFound, Code: "NOT_FOUND", Message: err.Error()}
	case errors.Is(err, core.ErrRunNotTerminal):
		return &runAPIError{Status: http.StatusConflict, Code: "RUN_NOT_TERMINAL", Message: err.Error()}
	case errors.As(err, &persist):
		return &runAPIError{Status: http.StatusInternalServerError, Code: "INTERNAL", Message: err.Error()}
	case errors.As(err, &transport):
		return &runAPIError{Status: http.StatusBadGateway, Code: "UPSTREAM_ERROR", Message: err.Error()}
	default:
		return &runAPIError{Status: http.StatusInternalServerError, Code: "INTERNAL", Message: err.Error()}
	}
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	apiErr := toAPIError(err)
	if apiErr.Status >= http.StatusInternalServerError {
		s.logger.Error("server: request failed", "code", apiErr.Code, "error", err)
	}
	writeError(w, apiErr.Status, apiErr.Code, apiErr.Message, apiErr.Details)
}
