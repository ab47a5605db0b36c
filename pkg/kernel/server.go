package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/manthysbr/jobpipe/internal/config"
	"github.com/manthysbr/jobpipe/internal/core/domain"
	"github.com/manthysbr/jobpipe/internal/core/ports"
	"github.com/manthysbr/jobpipe/internal/core/services"
	"github.com/manthysbr/jobpipe/internal/metrics"
)

// AgentStore lists agents and lifts manual or error disables.
type AgentStore interface {
	ListAgents(ctx context.Context) ([]domain.AgentConfig, error)
	Enable(ctx context.Context, id domain.AgentID) error
}

// RecordReader serves the records written by the Save steps.
type RecordReader interface {
	ListJobRecords(ctx context.Context, minScore, limit int) ([]domain.JobRecord, error)
	ListCompanyRecords(ctx context.Context, limit int) ([]domain.CompanyRecord, error)
}

// Resetter runs an out-of-schedule daily usage reset.
type Resetter interface {
	ResetNow(ctx context.Context) (int, error)
}

// Deps groups what the API server reads from and writes to.
type Deps struct {
	Items    ports.WorkItemStore
	Agents   AgentStore
	Ledger   ports.BudgetLedger // nil: usage comes from AgentStore
	Records  RecordReader
	Resetter Resetter
	Settings *config.SettingsStore
	EventBus *services.EventBus
	Notify   func() // wakes the worker pool after an enqueue
}

type Server struct {
	logger    *slog.Logger
	deps      Deps
	validator *requestValidator
}

func NewServer(logger *slog.Logger, deps Deps) (*Server, error) {
	doc, err := LoadSpec()
	if err != nil {
		return nil, err
	}
	validator, err := newRequestValidator(doc)
	if err != nil {
		return nil, err
	}
	if deps.Notify == nil {
		deps.Notify = func() {}
	}
	return &Server{
		logger:    logger,
		deps:      deps,
		validator: validator,
	}, nil
}

// Handler returns the http.Handler for the server.
// /metrics is served outside the OpenAPI document; every other route is
// validated against it first.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/items", s.handleCreateItem)
	mux.HandleFunc("GET /v1/items", s.handleListItems)
	mux.HandleFunc("GET /v1/items/{id}", s.handleGetItem)
	mux.HandleFunc("POST /v1/items/{id}/cancel", s.handleCancelItem)
	mux.HandleFunc("GET /v1/items/{id}/events", s.handleItemSSE)
	mux.HandleFunc("GET /v1/events", s.handleBroadcastSSE)
	mux.HandleFunc("GET /v1/stats", s.handleStats)

	mux.HandleFunc("GET /v1/agents", s.handleListAgents)
	mux.HandleFunc("POST /v1/agents/reset", s.handleResetAgents)
	mux.HandleFunc("POST /v1/agents/{id}/enable", s.handleEnableAgent)

	mux.HandleFunc("GET /v1/records/jobs", s.handleListJobRecords)
	mux.HandleFunc("GET /v1/records/companies", s.handleListCompanyRecords)

	mux.HandleFunc("GET /v1/settings", s.handleGetSettings)
	mux.HandleFunc("PUT /v1/settings", s.handleUpdateSettings)

	api := s.validator.middleware(mux)
	metricsHandler := metrics.Handler()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/metrics" {
			metricsHandler.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		api.ServeHTTP(rec, r)
		metrics.RecordHTTPRequest(r.Method, routeLabel(r.URL.Path), rec.status, time.Since(start))
	})
}

// statusRecorder captures the response code for metrics. It forwards Flush
// so SSE handlers keep streaming through it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// routeLabel collapses ids out of the path to keep metric cardinality low.
func routeLabel(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) >= 3 && (parts[1] == "items" || parts[1] == "agents") && parts[2] != "reset" {
		parts[2] = "{id}"
	}
	return "/" + strings.Join(parts, "/")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Warn("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps store and agent errors onto HTTP status codes.
func (s *Server) writeDomainError(w http.ResponseWriter, op string, err error) {
	var (
		noAgents *domain.NoAgentsAvailableError
		cfgErr   *domain.ConfigurationError
	)
	switch {
	case errors.Is(err, domain.ErrItemNotFound), errors.Is(err, domain.ErrAgentNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrDuplicateItem), errors.Is(err, domain.ErrNotPending):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrInvalidItem):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &cfgErr):
		writeError(w, http.StatusBadRequest, cfgErr.Error())
	case errors.As(err, &noAgents):
		writeError(w, http.StatusServiceUnavailable, domain.UserMessage(err))
	default:
		s.logger.Error("request failed", "op", op, "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("%s: internal error", op))
	}
}
