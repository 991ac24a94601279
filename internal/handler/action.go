package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/vaultpilot/vaultpilot/internal/model"
	"github.com/vaultpilot/vaultpilot/internal/pkg/apperrors"
	"github.com/vaultpilot/vaultpilot/internal/service"
)

type ActionHandler struct {
	ledger   service.Ledger
	maxLimit int
}

func NewActionHandler(ledger service.Ledger, maxLimit int) *ActionHandler {
	if maxLimit <= 0 {
		maxLimit = 200
	}
	return &ActionHandler{ledger: ledger, maxLimit: maxLimit}
}

func (h *ActionHandler) List(c *gin.Context) {
	address, err := model.NormalizeAddress(c.Param("address"))
	if err != nil {
		c.Error(apperrors.NewInvalidRequest(err.Error()))
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.Error(apperrors.NewInvalidRequest("limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	if limit > h.maxLimit {
		limit = h.maxLimit
	}

	var kind model.ActionKind
	switch raw := c.Query("kind"); raw {
	case "":
	case string(model.ActionRebalance), string(model.ActionSessionEvent):
		kind = model.ActionKind(raw)
	default:
		c.Error(apperrors.NewInvalidRequest("unknown action kind: " + raw))
		return
	}

	records, err := h.ledger.ListByAddress(c.Request.Context(), address, kind, limit)
	if err != nil {
		c.Error(apperrors.New(apperrors.ErrInternal, "listing actions", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"actions": records, "count": len(records)})
}
