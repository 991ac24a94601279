package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vaultpilot/vaultpilot/internal/model"
	"github.com/vaultpilot/vaultpilot/internal/pkg/apperrors"
	"github.com/vaultpilot/vaultpilot/internal/service"
)

type CycleHandler struct {
	orch *service.Orchestrator
}

func NewCycleHandler(orch *service.Orchestrator) *CycleHandler {
	return &CycleHandler{orch: orch}
}

// Run triggers one cycle. The body is optional; a targeted trigger narrows
// the cycle to the vaults whose APY moved.
func (h *CycleHandler) Run(c *gin.Context) {
	var req model.RunCycleRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.Error(apperrors.NewInvalidRequest(err.Error()))
			return
		}
	}

	result, err := h.orch.RunCycle(c.Request.Context(), req)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Preview returns what the engine would decide for one user right now,
// without locking, budget checks or execution.
func (h *CycleHandler) Preview(c *gin.Context) {
	decision, err := h.orch.PreviewDecision(c.Request.Context(), c.Param("address"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, decision)
}
