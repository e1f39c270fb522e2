// Package analysishttp exposes analysis runs over the JSON API.
package analysishttp

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/aegis-grc/aegis/internal/analysis"
	"github.com/aegis-grc/aegis/internal/graph"
	"github.com/aegis-grc/aegis/internal/platform/httpx"
	"github.com/aegis-grc/aegis/internal/rules"
	"github.com/aegis-grc/aegis/internal/shared"
	"github.com/aegis-grc/aegis/jobs"
)

// Handler wires analysis endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *analysis.Service
	jobs     *jobs.Client
	validate *validator.Validate
}

// NewHandler constructs handler.
func NewHandler(logger *slog.Logger, service *analysis.Service, jobsClient *jobs.Client) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		jobs:     jobsClient,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// MountRoutes registers routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/analyses", func(r chi.Router) {
		r.Post("/", h.startRun)
		r.Post("/schedule", h.scheduleRun)
		r.Get("/", h.listRuns)
		r.Get("/{id}", h.getRun)
		r.Post("/users/{userID}", h.analyzeUser)
	})
}

type startRunRequest struct {
	Mode            string   `json:"mode" validate:"required,oneof=snapshot delta continuous"`
	Systems         []string `json:"systems"`
	OrgUnits        []string `json:"orgUnits"`
	UserTypes       []string `json:"userTypes"`
	UserIDs         []int64  `json:"userIds" validate:"dive,gt=0"`
	IncludeInactive bool     `json:"includeInactive"`
	RiskLevels      []string `json:"riskLevels" validate:"dive,oneof=CRITICAL HIGH MEDIUM LOW"`
}

func (h *Handler) startRun(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := shared.TenantFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Missing Tenant", "tenant not resolved")
		return
	}
	var req startRunRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	levels := make([]rules.Severity, 0, len(req.RiskLevels))
	for _, lvl := range req.RiskLevels {
		levels = append(levels, rules.Severity(lvl))
	}
	cfg := analysis.Config{
		Scope: graph.Scope{
			Systems:   req.Systems,
			OrgUnits:  req.OrgUnits,
			UserTypes: req.UserTypes,
			UserIDs:   req.UserIDs,
		},
		IncludeInactive: req.IncludeInactive,
		RiskLevels:      levels,
	}
	result, err := h.service.Analyze(r.Context(), tenantID, analysis.Mode(req.Mode), cfg)
	if err != nil {
		h.logger.Error("start analysis run", slog.Int64("tenant_id", tenantID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

type scheduleRunRequest struct {
	Mode string `json:"mode" validate:"required,oneof=snapshot delta continuous"`
}

// scheduleRun hands the run to the background queue instead of blocking the
// request on a full evaluation.
func (h *Handler) scheduleRun(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := shared.TenantFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Missing Tenant", "tenant not resolved")
		return
	}
	if h.jobs == nil {
		httpx.Problem(w, http.StatusServiceUnavailable, "Queue Unavailable", "background queue is not configured")
		return
	}
	var req scheduleRunRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	info, err := h.jobs.EnqueueAnalysisRun(r.Context(), jobs.AnalysisRunPayload{
		TenantID: tenantID,
		Mode:     req.Mode,
	})
	if err != nil {
		h.logger.Error("enqueue analysis run", slog.Int64("tenant_id", tenantID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]any{"taskId": info.ID, "queue": info.Queue})
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := shared.TenantFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Missing Tenant", "tenant not resolved")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := h.service.ListRuns(r.Context(), tenantID, limit)
	if err != nil {
		h.logger.Error("list analysis runs", slog.Int64("tenant_id", tenantID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (h *Handler) getRun(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := shared.TenantFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Missing Tenant", "tenant not resolved")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "run id must be a UUID")
		return
	}
	run, err := h.service.GetRun(r.Context(), tenantID, id)
	if err != nil {
		if err == shared.ErrNotFound {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "run not found")
			return
		}
		h.logger.Error("get analysis run", slog.Int64("tenant_id", tenantID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, run)
}

func (h *Handler) analyzeUser(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := shared.TenantFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Missing Tenant", "tenant not resolved")
		return
	}
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || userID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "user id must be a positive integer")
		return
	}
	result, err := h.service.AnalyzeUser(r.Context(), tenantID, userID)
	if err != nil {
		h.logger.Error("analyze user", slog.Int64("tenant_id", tenantID), slog.Int64("user_id", userID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}
