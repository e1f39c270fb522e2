// Package findingshttp exposes finding listings and reports over the JSON API.
package findingshttp

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/aegis-grc/aegis/internal/findings"
	"github.com/aegis-grc/aegis/internal/platform/httpx"
	"github.com/aegis-grc/aegis/internal/rules"
	"github.com/aegis-grc/aegis/internal/shared"
)

// Handler wires finding and report endpoints.
type Handler struct {
	logger  *slog.Logger
	service *findings.Service
}

// NewHandler constructs handler.
func NewHandler(logger *slog.Logger, service *findings.Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/findings", h.list)
	r.Get("/findings/{findingID}", h.get)
	r.Route("/reports", func(r chi.Router) {
		r.Get("/violations", h.violationReport)
		r.Get("/compliance", h.complianceReport)
	})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := shared.TenantFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Missing Tenant", "tenant not resolved")
		return
	}
	q := r.URL.Query()
	query := findings.ListQuery{
		Severity: rules.Severity(q.Get("severity")),
		Status:   findings.Status(q.Get("status")),
	}
	if query.Severity != "" && !query.Severity.Valid() {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "unknown severity "+string(query.Severity))
		return
	}
	query.UserID, _ = strconv.ParseInt(q.Get("userId"), 10, 64)
	query.Page, _ = strconv.Atoi(q.Get("page"))
	query.PageSize, _ = strconv.Atoi(q.Get("pageSize"))
	result, err := h.service.List(r.Context(), tenantID, query)
	if err != nil {
		h.logger.Error("list findings", slog.Int64("tenant_id", tenantID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := shared.TenantFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Missing Tenant", "tenant not resolved")
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "findingID"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "finding id must be a positive integer")
		return
	}
	finding, err := h.service.Get(r.Context(), tenantID, id)
	if err != nil {
		if errors.Is(err, findings.ErrNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "finding not found")
			return
		}
		h.logger.Error("get finding", slog.Int64("tenant_id", tenantID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, finding)
}

func (h *Handler) violationReport(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := shared.TenantFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Missing Tenant", "tenant not resolved")
		return
	}
	report, err := h.service.ViolationReport(r.Context(), tenantID)
	if err != nil {
		h.logger.Error("violation report", slog.Int64("tenant_id", tenantID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) complianceReport(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := shared.TenantFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Missing Tenant", "tenant not resolved")
		return
	}
	report, err := h.service.ComplianceReport(r.Context(), tenantID)
	if err != nil {
		h.logger.Error("compliance report", slog.Int64("tenant_id", tenantID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}
