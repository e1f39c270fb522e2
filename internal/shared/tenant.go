package shared

import (
	"net/http"
	"strconv"

	"github.com/aegis-grc/aegis/internal/platform/httpx"
)

// TenantHeader carries the caller's tenant id on every API request.
const TenantHeader = "X-Tenant-ID"

// RequireTenant rejects requests without a positive tenant id header and
// stores the id in the request context for downstream handlers.
func RequireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(TenantHeader)
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			httpx.Problem(w, http.StatusBadRequest, "Missing Tenant", "a positive "+TenantHeader+" header is required")
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithTenant(r.Context(), id)))
	})
}
