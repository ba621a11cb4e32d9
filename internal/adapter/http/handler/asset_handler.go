package handler

import (
	"time"

	"asset-ledger/internal/adapter/http/dto"
	"asset-ledger/internal/core/domain"
	"asset-ledger/internal/core/ports"
	"asset-ledger/pkg/apperror"
	"asset-ledger/pkg/response"

	"github.com/gin-gonic/gin"
)

// HeaderIdempotencyKey carries the client-chosen key on submit endpoints.
const HeaderIdempotencyKey = "Idempotency-Key"

// AssetHandler handles the asset submit and balance endpoints.
type AssetHandler struct {
	assetSvc ports.AssetService
}

// NewAssetHandler creates a new AssetHandler.
func NewAssetHandler(assetSvc ports.AssetService) *AssetHandler {
	return &AssetHandler{assetSvc: assetSvc}
}

// Send handles POST /api/v1/assets/:asset_id/send.
func (h *AssetHandler) Send(c *gin.Context) {
	assetID, key, ok := bindSubmit(c)
	if !ok {
		return
	}

	var req dto.SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}
	req.Trim()

	tx, err := h.assetSvc.SubmitSend(c.Request.Context(), ports.SendRequest{
		AssetID:        assetID,
		Amount:         req.Amount,
		Destination:    req.Destination,
		IdempotencyKey: key,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	respondSubmitted(c, tx)
}

// Mint handles POST /api/v1/assets/:asset_id/mint.
func (h *AssetHandler) Mint(c *gin.Context) {
	assetID, key, ok := bindSubmit(c)
	if !ok {
		return
	}

	var req dto.MintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}

	tx, err := h.assetSvc.SubmitMint(c.Request.Context(), ports.MintRequest{
		AssetID:        assetID,
		Amount:         req.Amount,
		IdempotencyKey: key,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	respondSubmitted(c, tx)
}

// CreateInvoice handles POST /api/v1/assets/:asset_id/invoices.
func (h *AssetHandler) CreateInvoice(c *gin.Context) {
	assetID, key, ok := bindSubmit(c)
	if !ok {
		return
	}

	var req dto.InvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}
	req.Trim()

	tx, err := h.assetSvc.SubmitReceive(c.Request.Context(), ports.ReceiveRequest{
		AssetID:        assetID,
		Amount:         req.Amount,
		Description:    req.Description,
		IdempotencyKey: key,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	respondSubmitted(c, tx)
}

// GetBalance handles GET /api/v1/assets/:asset_id/balance.
func (h *AssetHandler) GetBalance(c *gin.Context) {
	var uri dto.AssetURI
	if err := c.ShouldBindUri(&uri); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}

	balance, err := h.assetSvc.GetBalance(c.Request.Context(), uri.AssetID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.OK(c, dto.BalanceResponse{AssetID: uri.AssetID, Balance: balance})
}

// ListAssets handles GET /api/v1/assets.
func (h *AssetHandler) ListAssets(c *gin.Context) {
	assets, err := h.assetSvc.ListAssets(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	if assets == nil {
		assets = []ports.AssetSummary{}
	}
	response.OK(c, assets)
}

// bindSubmit reads the asset id and idempotency key shared by every submit
// endpoint. It writes the error response itself and reports false on failure.
func bindSubmit(c *gin.Context) (string, string, bool) {
	var uri dto.AssetURI
	if err := c.ShouldBindUri(&uri); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return "", "", false
	}

	key := c.GetHeader(HeaderIdempotencyKey)
	if key == "" {
		response.Error(c, apperror.Validation(HeaderIdempotencyKey+" header is required"))
		return "", "", false
	}
	if !dto.ValidIdempotencyKey(key) {
		response.Error(c, apperror.Validation(HeaderIdempotencyKey+" header has an invalid format"))
		return "", "", false
	}
	return uri.AssetID, key, true
}

// respondSubmitted maps the entry's status to the response code: 201 once the
// daemon confirmed, 202 while the outcome is still pending, 200 for a replay
// of an entry that already failed.
func respondSubmitted(c *gin.Context, tx *domain.Transaction) {
	body := toTransactionResponse(tx)
	switch tx.Status {
	case domain.TransactionStatusConfirmed:
		response.Created(c, body)
	case domain.TransactionStatusPending:
		response.Accepted(c, body)
	default:
		response.OK(c, body)
	}
}

// toTransactionResponse converts domain.Transaction to DTO.
func toTransactionResponse(tx *domain.Transaction) dto.TransactionResponse {
	return dto.TransactionResponse{
		ID:          tx.ID.String(),
		Type:        string(tx.Type),
		AssetID:     tx.AssetID,
		Amount:      tx.Amount,
		Status:      string(tx.Status),
		Destination: tx.Destination,
		Description: tx.Description,
		ExternalRef: tx.ExternalRef,
		CreatedAt:   tx.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:   tx.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
