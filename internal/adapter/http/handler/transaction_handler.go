package handler

import (
	"time"

	"asset-ledger/internal/adapter/http/dto"
	"asset-ledger/internal/core/domain"
	"asset-ledger/internal/core/ports"
	"asset-ledger/pkg/apperror"
	"asset-ledger/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// TransactionHandler handles ledger read endpoints.
type TransactionHandler struct {
	assetSvc ports.AssetService
}

// NewTransactionHandler creates a new TransactionHandler.
func NewTransactionHandler(assetSvc ports.AssetService) *TransactionHandler {
	return &TransactionHandler{assetSvc: assetSvc}
}

// List handles GET /api/v1/transactions.
func (h *TransactionHandler) List(c *gin.Context) {
	var q dto.TransactionQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}

	filter := ports.TransactionFilter{Limit: q.Limit}
	if q.AssetID != "" {
		filter.AssetID = &q.AssetID
	}
	if q.Status != "" {
		status := domain.TransactionStatus(q.Status)
		filter.Status = &status
	}
	if q.Type != "" {
		txType := domain.TransactionType(q.Type)
		filter.Type = &txType
	}

	var err error
	if filter.Since, err = parseTime("since", q.Since); err != nil {
		response.Error(c, err)
		return
	}
	if filter.Before, err = parseTime("before", q.Before); err != nil {
		response.Error(c, err)
		return
	}

	txns, err := h.assetSvc.ListTransactions(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}

	items := make([]dto.TransactionResponse, 0, len(txns))
	for i := range txns {
		items = append(items, toTransactionResponse(&txns[i]))
	}

	response.OK(c, dto.TransactionListResponse{
		Items: items,
		Count: len(items),
		Limit: q.Limit,
	})
}

// Get handles GET /api/v1/transactions/:id.
func (h *TransactionHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Error(c, apperror.Validation("id must be a UUID"))
		return
	}

	tx, err := h.assetSvc.GetTransaction(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.OK(c, toTransactionResponse(tx))
}

func parseTime(field, raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, apperror.Validation(field + " must be an RFC 3339 timestamp")
	}
	return &t, nil
}
