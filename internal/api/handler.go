package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/appraise/internal/gateway"
	"github.com/kalambet/appraise/internal/pipeline"
	"github.com/kalambet/appraise/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Runner runs the pipeline for one case; satisfied by *pipeline.Orchestrator.
type Runner interface {
	RunPipeline(ctx context.Context, caseID, tenantID string) pipeline.Result
}

// Deps holds what the HTTP handler needs.
type Deps struct {
	Store  *storage.Store
	Runner Runner
	Rates  map[string]gateway.Rate
	Token  string
	Logger *slog.Logger
}

// CreateCaseRequest is the body of POST /v1/tenants/{tenantID}/cases.
type CreateCaseRequest struct {
	ID           string         `json:"id"`
	Status       string         `json:"status"`
	PropertyData map[string]any `json:"property_data"`
}

// CostsResponse lists the ledger rows of a case with its running total.
type CostsResponse struct {
	CaseID         string              `json:"case_id"`
	AICostUSD      float64             `json:"ai_cost_usd"`
	LastRunCostUSD *float64            `json:"last_run_cost_usd,omitempty"`
	Entries        []storage.CostEntry `json:"entries"`
}

// NewHandler returns the appraisal REST API. Everything except /health
// requires the bearer token.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/v1/rates", handleRates(deps))
		r.Route("/v1/tenants/{tenantID}/cases", func(r chi.Router) {
			r.Post("/", handleCreateCase(deps))
			r.Get("/", handleListCases(deps))
			r.Route("/{caseID}", func(r chi.Router) {
				r.Get("/", handleGetCase(deps))
				r.Post("/pipeline", handleRunPipeline(deps))
				r.Get("/costs", handleCosts(deps))
				r.Get("/audit", handleAudit(deps))
				r.Get("/comparables", handleComparables(deps))
				r.Get("/report", handleReport(deps))
				r.Get("/runs", handleRuns(deps))
			})
		})
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleRates(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Rates)
	}
}

func handleCreateCase(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := chi.URLParam(r, "tenantID")
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req CreateCaseRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		if _, err := deps.Store.GetTenant(r.Context(), tenantID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found", "tenant %s not found", tenantID)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "loading tenant: %v", err)
			return
		}

		if req.ID == "" {
			req.ID = uuid.New().String()
		}
		switch req.Status {
		case "", storage.StatusDraft, storage.StatusPendingIntake:
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "status must be %q or %q", storage.StatusDraft, storage.StatusPendingIntake)
			return
		}

		c := storage.Case{ID: req.ID, TenantID: tenantID, Status: req.Status, PropertyData: req.PropertyData}
		if err := deps.Store.CreateCase(r.Context(), c); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "creating case: %v", err)
			return
		}
		created, err := deps.Store.GetCase(r.Context(), req.ID, tenantID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading case: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	}
}

func handleListCases(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		cases, err := deps.Store.ListCases(r.Context(), chi.URLParam(r, "tenantID"), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing cases: %v", err)
			return
		}
		if cases == nil {
			cases = []storage.Case{}
		}
		writeJSON(w, http.StatusOK, cases)
	}
}

// loadCase writes a 404 and returns false when the case is not visible to
// the tenant in the URL.
func loadCase(w http.ResponseWriter, r *http.Request, store *storage.Store) (storage.Case, bool) {
	tenantID := chi.URLParam(r, "tenantID")
	caseID := chi.URLParam(r, "caseID")
	c, err := store.GetCase(r.Context(), caseID, tenantID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "case %s not found", caseID)
			return storage.Case{}, false
		}
		httpError(w, http.StatusInternalServerError, "api_error", "loading case: %v", err)
		return storage.Case{}, false
	}
	return c, true
}

func handleGetCase(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if c, ok := loadCase(w, r, deps.Store); ok {
			writeJSON(w, http.StatusOK, c)
		}
	}
}

// handleRunPipeline runs synchronously. A run that fails at a stage is still
// a 200: the failure is part of the result body.
func handleRunPipeline(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := loadCase(w, r, deps.Store)
		if !ok {
			return
		}
		res := deps.Runner.RunPipeline(r.Context(), c.ID, c.TenantID)
		deps.Logger.Info("api: pipeline run",
			"tenant_id", c.TenantID,
			"case_id", c.ID,
			"run_id", res.RunID,
			"success", res.Success,
			"total_cost_usd", res.TotalCostUSD,
		)
		writeJSON(w, http.StatusOK, res)
	}
}

func handleCosts(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := loadCase(w, r, deps.Store)
		if !ok {
			return
		}
		entries, err := deps.Store.ListCostEntries(r.Context(), c.TenantID, c.ID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing cost entries: %v", err)
			return
		}
		if entries == nil {
			entries = []storage.CostEntry{}
		}
		writeJSON(w, http.StatusOK, CostsResponse{
			CaseID:         c.ID,
			AICostUSD:      c.AICostUSD,
			LastRunCostUSD: c.LastRunCostUSD,
			Entries:        entries,
		})
	}
}

func handleAudit(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := loadCase(w, r, deps.Store)
		if !ok {
			return
		}
		events, err := deps.Store.ListAuditEvents(r.Context(), c.TenantID, c.ID, parseIntParam(r, "limit", 100, 1000))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing audit events: %v", err)
			return
		}
		if events == nil {
			events = []storage.AuditEvent{}
		}
		writeJSON(w, http.StatusOK, events)
	}
}

func handleComparables(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := loadCase(w, r, deps.Store)
		if !ok {
			return
		}
		comps, err := deps.Store.ListComparables(r.Context(), c.TenantID, c.ID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing comparables: %v", err)
			return
		}
		if comps == nil {
			comps = []storage.Comparable{}
		}
		writeJSON(w, http.StatusOK, comps)
	}
}

func handleReport(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := loadCase(w, r, deps.Store)
		if !ok {
			return
		}
		report, err := deps.Store.LatestReport(r.Context(), c.TenantID, c.ID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found", "no report for case %s", c.ID)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "loading report: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

func handleRuns(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := loadCase(w, r, deps.Store)
		if !ok {
			return
		}
		runs, err := deps.Store.ListPipelineRuns(r.Context(), c.TenantID, c.ID, parseIntParam(r, "limit", 20, 100))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing runs: %v", err)
			return
		}
		if runs == nil {
			runs = []storage.PipelineRun{}
		}
		writeJSON(w, http.StatusOK, runs)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
