package handler

import (
	"asset-ledger/internal/adapter/http/dto"
	"asset-ledger/internal/core/ports"
	"asset-ledger/pkg/apperror"
	"asset-ledger/pkg/response"

	"github.com/gin-gonic/gin"
)

// AdminHandler handles maintenance endpoints. Every route sits behind
// middleware.AdminAuth.
type AdminHandler struct {
	reconciler  ports.Reconciler
	maintenance ports.LedgerMaintenance
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(reconciler ports.Reconciler, maintenance ports.LedgerMaintenance) *AdminHandler {
	return &AdminHandler{reconciler: reconciler, maintenance: maintenance}
}

// Reconcile handles POST /api/v1/admin/reconcile. It runs one cycle and
// waits for its report.
func (h *AdminHandler) Reconcile(c *gin.Context) {
	report, err := h.reconciler.Trigger(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, report)
}

// ClearIdempotencyKey handles DELETE /api/v1/admin/idempotency-keys/:key.
func (h *AdminHandler) ClearIdempotencyKey(c *gin.Context) {
	key := c.Param("key")
	if !dto.ValidIdempotencyKey(key) {
		response.Error(c, apperror.Validation("key has an invalid format"))
		return
	}

	if err := h.maintenance.ClearIdempotencyKey(c.Request.Context(), key); err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{"key": key, "cleared": true})
}

// VerifyBalance handles GET /api/v1/admin/assets/:asset_id/verify.
func (h *AdminHandler) VerifyBalance(c *gin.Context) {
	var uri dto.AssetURI
	if err := c.ShouldBindUri(&uri); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}

	check, err := h.maintenance.VerifyBalance(c.Request.Context(), uri.AssetID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, check)
}
