package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/curaline/telecare/internal/rtctoken"
	"github.com/curaline/telecare/internal/utils"
)

type TokenHandler struct {
	issuer *rtctoken.Issuer
}

func NewTokenHandler(issuer *rtctoken.Issuer) *TokenHandler {
	return &TokenHandler{issuer: issuer}
}

type IssueTokenRequest struct {
	ChannelName string `json:"channel_name" binding:"required"`
	// UID is accepted for API symmetry but deliberately ignored: every
	// credential carries the wildcard uid 0 so both participants can share
	// it.
	UID uint32 `json:"uid"`
}

func (h *TokenHandler) Issue(c *gin.Context) {
	if _, ok := requireUserID(c); !ok {
		return
	}

	var req IssueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, "TokenHandler.Issue", "invalid request body", err))
		return
	}

	cred, err := h.issuer.IssueCredential(req.ChannelName)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cred)
}
