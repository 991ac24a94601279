package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vaultpilot/vaultpilot/internal/model"
	"github.com/vaultpilot/vaultpilot/internal/pkg/apperrors"
	"github.com/vaultpilot/vaultpilot/internal/service"
)

type SessionHandler struct {
	svc *service.SessionService
}

func NewSessionHandler(svc *service.SessionService) *SessionHandler {
	return &SessionHandler{svc: svc}
}

func (h *SessionHandler) Issue(c *gin.Context) {
	var req model.IssueSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidRequest(err.Error()))
		return
	}

	session, err := h.svc.Issue(c.Request.Context(), req)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *SessionHandler) Revoke(c *gin.Context) {
	if err := h.svc.Revoke(c.Request.Context(), c.Param("address")); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "revoked"})
}
