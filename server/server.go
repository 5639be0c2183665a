// Package server exposes the run registry over HTTP.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/petal-labs/runrelay/artifacts"
	"github.com/petal-labs/runrelay/bus"
	"github.com/petal-labs/runrelay/core"
	"github.com/petal-labs/runrelay/runs"
	"github.com/petal-labs/runrelay/sse"
)

// RequestIDHeader carries the request id on requests and responses.
const RequestIDHeader = "X-Request-ID"

// RunService is the part of the run registry the API serves.
type RunService interface {
	StartRun(ctx context.Context, req runs.StartRequest) (core.RunSummary, error)
	GetRun(ctx context.Context, id string) (core.RunSummary, error)
	Subscribe(ctx context.Context, id string) (bus.Subscription, error)
	Backfill(ctx context.Context, id string) error
	Runs() []core.RunSummary
}

// ServerConfig configures a Server instance.
type ServerConfig struct {
	Runs       RunService
	EventStore bus.EventStore

	// Catalog serves stored artifacts by ticker and date. Optional.
	Catalog artifacts.Catalog

	// InternalToken, when set, is required on every route except /health,
	// as a bearer token or in the X-Internal-Token header.
	InternalToken string

	CORSOrigin string
	MaxBody    int64
	Logger     *slog.Logger
}

// Server is the runrelay HTTP API server.
type Server struct {
	runs          RunService
	eventStore    bus.EventStore
	catalog       artifacts.Catalog
	stream        *sse.Handler
	internalToken string
	corsOrigin    string
	maxBody       int64
	logger        *slog.Logger
}

// NewServer creates a new Server with the given configuration.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	corsOrigin := cfg.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20 // 1 MB default
	}
	s := &Server{
		runs:          cfg.Runs,
		eventStore:    cfg.EventStore,
		catalog:       cfg.Catalog,
		internalToken: strings.TrimSpace(cfg.InternalToken),
		corsOrigin:    corsOrigin,
		maxBody:       maxBody,
		logger:        logger,
	}
	s.stream = sse.NewHandler(cfg.Runs)
	s.stream.WriteError = s.writeServiceError
	return s
}

// Handler returns an http.Handler with all routes and middleware wired.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = s.authMiddleware(handler)
	handler = s.corsMiddleware(handler)
	handler = s.maxBodyMiddleware(handler)
	handler = s.requestIDMiddleware(handler)

	return handler
}

// RegisterRoutes mounts the API routes onto an existing mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/runs", s.handleStartRun)
	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{run_id}", s.handleGetRun)
	mux.Handle("GET /api/runs/{run_id}/stream", s.stream)
	mux.HandleFunc("GET /api/runs/{run_id}/events", s.handleRunEvents)
	mux.HandleFunc("POST /api/runs/{run_id}/backfill", s.handleBackfill)

	mux.HandleFunc("GET /api/tickers", s.handleListTickers)
	mux.HandleFunc("GET /api/tickers/{ticker}/dates", s.handleListRunDates)
	mux.HandleFunc("GET /api/tickers/{ticker}/dates/{date}/artifacts", s.handleListArtifacts)
}

// --- Middleware ---

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(RequestIDHeader))
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(RequestIDHeader, id)
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.internalToken == "" {
		return next
	}
	want := []byte(s.internalToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := bearerToken(r)
		if !ok || subtle.ConstantTimeCompare([]byte(token), want) != 1 {
			s.logger.Warn("server: rejected unauthenticated request",
				"path", r.URL.Path, "request_id", r.Header.Get(RequestIDHeader))
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid bearer token", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	if token := strings.TrimSpace(r.Header.Get("X-Internal-Token")); token != "" {
		return token, true
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Last-Event-ID, X-Internal-Token, "+RequestIDHeader)
		w.Header().Set("Access-Control-Expose-Headers", RequestIDHeader)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		next.ServeHTTP(w, r)
	})
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// apiError is the standard error envelope.
type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, apiError{
		Error: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}
