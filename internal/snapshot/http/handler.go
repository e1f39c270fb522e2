// Package snapshothttp exposes snapshot capture and delta detection over the
// JSON API.
package snapshothttp

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/aegis-grc/aegis/internal/platform/httpx"
	"github.com/aegis-grc/aegis/internal/shared"
	"github.com/aegis-grc/aegis/internal/snapshot"
	"github.com/aegis-grc/aegis/jobs"
)

// Handler wires snapshot endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *snapshot.Service
	jobs     *jobs.Client
	validate *validator.Validate
}

// NewHandler constructs handler.
func NewHandler(logger *slog.Logger, service *snapshot.Service, jobsClient *jobs.Client) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		jobs:     jobsClient,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// MountRoutes registers routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/snapshots", func(r chi.Router) {
		r.Post("/", h.capture)
		r.Post("/schedule", h.schedule)
		r.Get("/", h.list)
		r.Post("/deltas", h.detectDeltas)
	})
}

type captureRequest struct {
	TriggeredBy string `json:"triggeredBy" validate:"required,max=120"`
}

func (h *Handler) capture(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := shared.TenantFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Missing Tenant", "tenant not resolved")
		return
	}
	var req captureRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	snap, err := h.service.Create(r.Context(), tenantID, snapshot.TriggerOnDemand, req.TriggeredBy)
	if err != nil {
		h.logger.Error("capture snapshot", slog.Int64("tenant_id", tenantID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, snap.Meta())
}

// schedule enqueues a background capture for large graphs.
func (h *Handler) schedule(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := shared.TenantFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Missing Tenant", "tenant not resolved")
		return
	}
	if h.jobs == nil {
		httpx.Problem(w, http.StatusServiceUnavailable, "Queue Unavailable", "background queue is not configured")
		return
	}
	var req captureRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	info, err := h.jobs.EnqueueSnapshotCapture(r.Context(), jobs.SnapshotCapturePayload{
		TenantID:    tenantID,
		TriggeredBy: req.TriggeredBy,
	})
	if err != nil {
		h.logger.Error("enqueue snapshot capture", slog.Int64("tenant_id", tenantID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]any{"taskId": info.ID, "queue": info.Queue})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := shared.TenantFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Missing Tenant", "tenant not resolved")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	metas, err := h.service.List(r.Context(), tenantID, limit)
	if err != nil {
		h.logger.Error("list snapshots", slog.Int64("tenant_id", tenantID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"snapshots": metas})
}

type detectDeltasRequest struct {
	FromSnapshotID string `json:"fromSnapshotId" validate:"required,uuid4"`
	ToSnapshotID   string `json:"toSnapshotId" validate:"required,uuid4"`
}

func (h *Handler) detectDeltas(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := shared.TenantFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Missing Tenant", "tenant not resolved")
		return
	}
	var req detectDeltasRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	fromID, _ := uuid.Parse(req.FromSnapshotID)
	toID, _ := uuid.Parse(req.ToSnapshotID)
	deltas, err := h.service.DetectDeltas(r.Context(), tenantID, fromID, toID)
	if err != nil {
		switch {
		case errors.Is(err, snapshot.ErrTenantMismatch):
			httpx.Problem(w, http.StatusUnprocessableEntity, "Tenant Mismatch", err.Error())
		case errors.Is(err, snapshot.ErrNotFound):
			httpx.Problem(w, http.StatusNotFound, "Not Found", "snapshot not found")
		default:
			h.logger.Error("detect deltas", slog.Int64("tenant_id", tenantID), slog.Any("error", err))
			httpx.RespondError(w, err)
		}
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"deltas": deltas})
}
