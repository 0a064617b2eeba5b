package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/calvora/cadence/internal/backlog"
	"github.com/calvora/cadence/internal/domain"
	"github.com/calvora/cadence/internal/queue"
	"github.com/calvora/cadence/internal/store"
)

// defaultPageSize bounds list endpoints when no limit is given.
const defaultPageSize = 50

// maxPageSize is the hard ceiling for list endpoints.
const maxPageSize = 200

// RunResponse is the dashboard representation of a pipeline run,
// including its computed rollup.
type RunResponse struct {
	*domain.PipelineRun
	Rollup domain.StepRollup `json:"rollup"`
}

// DashboardHandler serves the read-only operational dashboard. It has
// no mutation path: every endpoint is a projection of stores the
// background components write.
type DashboardHandler struct {
	runs     store.PipelineRunStore
	failures store.JobFailureStore
	gate     *backlog.Gate
	health   queue.HealthChecker
	logger   *slog.Logger
}

// NewDashboardHandler creates a DashboardHandler.
func NewDashboardHandler(runs store.PipelineRunStore, failures store.JobFailureStore, gate *backlog.Gate, health queue.HealthChecker, log *slog.Logger) *DashboardHandler {
	return &DashboardHandler{
		runs:     runs,
		failures: failures,
		gate:     gate,
		health:   health,
		logger:   log.With("component", "dashboard"),
	}
}

// GetRun handles GET /api/runs/{runID} requests.
func (h *DashboardHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid run id")
		return
	}

	run, err := h.runs.GetByID(r.Context(), runID)
	if err != nil {
		if store.IsNotFoundError(err) {
			respondWithError(w, http.StatusNotFound, "run not found")
			return
		}
		h.logger.Error("failed to load run", "run_id", runID, "error", err)
		respondWithError(w, http.StatusInternalServerError, "failed to load run")
		return
	}

	respondWithJSON(w, http.StatusOK, RunResponse{PipelineRun: run, Rollup: run.Rollup()})
}

// ListAccountRuns handles GET /api/accounts/{accountID}/runs requests.
func (h *DashboardHandler) ListAccountRuns(w http.ResponseWriter, r *http.Request) {
	accountID, err := strconv.ParseInt(chi.URLParam(r, "accountID"), 10, 64)
	if err != nil || accountID <= 0 {
		respondWithError(w, http.StatusBadRequest, "invalid account id")
		return
	}

	limit, offset := pagination(r)
	runs, err := h.runs.ListByAccount(r.Context(), accountID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list runs", "account_id", accountID, "error", err)
		respondWithError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	responses := make([]RunResponse, 0, len(runs))
	for _, run := range runs {
		responses = append(responses, RunResponse{PipelineRun: run, Rollup: run.Rollup()})
	}
	respondWithJSON(w, http.StatusOK, responses)
}

// GetAccountBacklog handles GET /api/accounts/{accountID}/backlog
// requests.
func (h *DashboardHandler) GetAccountBacklog(w http.ResponseWriter, r *http.Request) {
	accountID, err := strconv.ParseInt(chi.URLParam(r, "accountID"), 10, 64)
	if err != nil || accountID <= 0 {
		respondWithError(w, http.StatusBadRequest, "invalid account id")
		return
	}

	status, err := h.gate.Check(r.Context(), accountID)
	if err != nil {
		h.logger.Error("failed to check backlog", "account_id", accountID, "error", err)
		respondWithError(w, http.StatusInternalServerError, "failed to check backlog")
		return
	}
	respondWithJSON(w, http.StatusOK, status)
}

// ListFailures handles GET /api/failures requests.
func (h *DashboardHandler) ListFailures(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	failures, err := h.failures.List(r.Context(), limit, offset)
	if err != nil {
		h.logger.Error("failed to list failures", "error", err)
		respondWithError(w, http.StatusInternalServerError, "failed to list failures")
		return
	}
	if failures == nil {
		failures = []*domain.JobFailure{}
	}
	respondWithJSON(w, http.StatusOK, failures)
}

// GetQueueHealth handles GET /api/queues/health requests.
func (h *DashboardHandler) GetQueueHealth(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.health.Health(r.Context()))
}

func pagination(r *http.Request) (limit, offset int) {
	limit = defaultPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			offset = v
		}
	}
	return limit, offset
}

func respondWithJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondWithError(w http.ResponseWriter, status int, message string) {
	respondWithJSON(w, status, map[string]string{"error": message})
}
