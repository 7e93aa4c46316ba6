// Package push exposes device token registration over HTTP so the
// local user's devices can receive call invites.
package push

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"peercall-engine/pkg/push"
	"peercall-engine/pkg/response"
)

// Handler handles push token HTTP requests
type Handler struct {
	service *push.Service
	selfID  string
}

// NewHandler creates a push token handler for the agent's local user
func NewHandler(service *push.Service, selfID string) *Handler {
	return &Handler{
		service: service,
		selfID:  selfID,
	}
}

// RegisterRoutes mounts the push endpoints on a router group
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	tokens := rg.Group("/push/tokens")
	tokens.POST("", h.RegisterToken)
	tokens.DELETE("", h.UnregisterTokens)
}

// RegisterTokenRequest represents a device token registration
type RegisterTokenRequest struct {
	Token    string `json:"token" binding:"required"`
	Type     string `json:"type" binding:"required,oneof=fcm apns"`
	DeviceID string `json:"device_id"`
	Platform string `json:"platform" binding:"omitempty,oneof=ios android"`
}

// RegisterToken registers or refreshes a device push token
// POST /v1/push/tokens
func (h *Handler) RegisterToken(c *gin.Context) {
	var req RegisterTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	err := h.service.RegisterToken(c.Request.Context(), &push.Token{
		UserID:   h.selfID,
		Token:    req.Token,
		Type:     push.TokenType(req.Type),
		DeviceID: req.DeviceID,
		Platform: req.Platform,
	})
	if err != nil {
		response.InternalError(c, "Failed to register push token")
		return
	}

	response.Success(c, http.StatusCreated, gin.H{"registered": true})
}

// UnregisterTokens removes every device token of the local user
// DELETE /v1/push/tokens
func (h *Handler) UnregisterTokens(c *gin.Context) {
	if err := h.service.UnregisterAllTokens(c.Request.Context(), h.selfID); err != nil {
		response.InternalError(c, "Failed to unregister push tokens")
		return
	}
	response.Success(c, http.StatusOK, gin.H{"unregistered": true})
}
