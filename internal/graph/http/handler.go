// Package graphhttp exposes the connector-facing graph sync endpoint.
package graphhttp

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/aegis-grc/aegis/internal/graph"
	"github.com/aegis-grc/aegis/internal/platform/httpx"
	"github.com/aegis-grc/aegis/internal/shared"
)

// Handler wires graph sync endpoints.
type Handler struct {
	logger   *slog.Logger
	syncer   *graph.Syncer
	validate *validator.Validate
}

// NewHandler constructs handler.
func NewHandler(logger *slog.Logger, syncer *graph.Syncer) *Handler {
	return &Handler{
		logger:   logger,
		syncer:   syncer,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// MountRoutes registers routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/graph/sync", h.sync)
}

type syncRequest struct {
	System string `json:"system" validate:"required,max=60"`
}

func (h *Handler) sync(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := shared.TenantFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Missing Tenant", "tenant not resolved")
		return
	}
	var input graph.SyncInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(syncRequest{System: input.System}); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	result, err := h.syncer.Sync(r.Context(), tenantID, input)
	if err != nil {
		h.logger.Error("graph sync", slog.Int64("tenant_id", tenantID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}
