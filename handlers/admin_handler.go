package handlers

import (
	"net/http"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"peermatch-system/services"
)

type AdminHandler struct {
	app         *pocketbase.PocketBase
	maintenance *services.MaintenanceService
}

func NewAdminHandler(app *pocketbase.PocketBase, maintenance *services.MaintenanceService) *AdminHandler {
	return &AdminHandler{
		app:         app,
		maintenance: maintenance,
	}
}

// GetHealth - latest maintenance health judgement
func (h *AdminHandler) GetHealth(e *core.RequestEvent) error {
	if e.Auth == nil || !e.Auth.IsSuperuser() {
		return apis.NewForbiddenError("Admin access required", nil)
	}

	health := h.maintenance.GetHealthStatus(e.Request.Context())
	return e.JSON(http.StatusOK, health)
}

// ForceCleanup - run both maintenance passes synchronously
func (h *AdminHandler) ForceCleanup(e *core.RequestEvent) error {
	if e.Auth == nil || !e.Auth.IsSuperuser() {
		return apis.NewForbiddenError("Admin access required", nil)
	}

	report := h.maintenance.ForceCleanup(e.Request.Context())
	return e.JSON(http.StatusOK, map[string]any{
		"expired_entries":  report.ExpiredEntries,
		"orphaned_records": report.OrphanedRecords,
		"elapsed_ms":       report.Elapsed.Milliseconds(),
	})
}
