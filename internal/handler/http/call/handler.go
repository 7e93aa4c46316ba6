// Package call exposes the agent's call controls over HTTP. The agent
// runs on behalf of one local user, so no per-request identity is
// required; hangup and accept operate on calls this agent owns.
package call

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"peercall-engine/internal/domain"
	callsvc "peercall-engine/internal/service/call"
	"peercall-engine/pkg/errors"
	"peercall-engine/pkg/response"
)

// Handler handles call HTTP requests
type Handler struct {
	manager *callsvc.Manager
}

// NewHandler creates a call handler on the given manager
func NewHandler(manager *callsvc.Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterRoutes mounts the call endpoints on a router group
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	calls := rg.Group("/calls")
	calls.POST("", h.InitiateCall)
	calls.POST("/incoming", h.IncomingCall)
	calls.GET("/:id", h.GetCall)
	calls.POST("/:id/end", h.EndCall)
	calls.POST("/:id/accept", h.AcceptCall)
	calls.POST("/:id/decline", h.DeclineCall)
}

// IncomingCallRequest carries the invite payload the device received
type IncomingCallRequest struct {
	CallID     string `json:"call_id" binding:"required"`
	CallerID   string `json:"caller_id" binding:"required"`
	CallerName string `json:"caller_name"`
	CallType   string `json:"call_type" binding:"required,oneof=audio video"`
}

// IncomingCall presents a received invite and starts it ringing locally.
// The device delivers the push payload here; accept and decline then
// address the ringing call by ID.
// POST /v1/calls/incoming
func (h *Handler) IncomingCall(c *gin.Context) {
	var req IncomingCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	h.manager.PresentIncoming(domain.CallInvite{
		CallID:     req.CallID,
		CallerID:   req.CallerID,
		CallerName: req.CallerName,
		CallType:   domain.CallType(req.CallType),
	})
	response.Success(c, http.StatusOK, gin.H{"call_id": req.CallID, "status": "ringing"})
}

// InitiateCallRequest represents a call initiation request
type InitiateCallRequest struct {
	CalleeID     string `json:"callee_id" binding:"required"`
	CallType     string `json:"call_type" binding:"required,oneof=audio video"`
	CallerName   string `json:"caller_name"`
	CallerAvatar string `json:"caller_avatar"`
}

// InitiateCall starts a new outgoing call
// POST /v1/calls
func (h *Handler) InitiateCall(c *gin.Context) {
	var req InitiateCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	callID, err := h.manager.Initiate(c.Request.Context(), callsvc.OutgoingCall{
		CalleeID:     req.CalleeID,
		CallType:     domain.CallType(req.CallType),
		CallerName:   req.CallerName,
		CallerAvatar: req.CallerAvatar,
	})
	if err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, gin.H{
		"call_id": callID,
		"status":  "initiated",
	})
}

// GetCall returns the current call record snapshot
// GET /v1/calls/:id
func (h *Handler) GetCall(c *gin.Context) {
	record, err := h.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.AppError(c, err)
		return
	}
	response.Success(c, http.StatusOK, record)
}

// EndCall hangs up an active call
// POST /v1/calls/:id/end
func (h *Handler) EndCall(c *gin.Context) {
	callID := c.Param("id")

	// A ringing call that was never accepted ends through its gate.
	if gate, ok := h.manager.Gate(callID); ok {
		if err := gate.Decline(c.Request.Context()); err != nil {
			response.AppError(c, err)
			return
		}
		response.Success(c, http.StatusOK, gin.H{"call_id": callID, "status": "declined"})
		return
	}

	if err := h.manager.HangUp(c.Request.Context(), callID); err != nil {
		response.AppError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"call_id": callID, "status": "ended"})
}

// AcceptCall answers a ringing incoming call
// POST /v1/calls/:id/accept
func (h *Handler) AcceptCall(c *gin.Context) {
	callID := c.Param("id")
	gate, ok := h.manager.Gate(callID)
	if !ok {
		response.AppError(c, errors.CallNotFoundError())
		return
	}
	if err := gate.Accept(c.Request.Context()); err != nil {
		response.AppError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"call_id": callID, "status": "accepted"})
}

// DeclineCall rejects a ringing incoming call
// POST /v1/calls/:id/decline
func (h *Handler) DeclineCall(c *gin.Context) {
	callID := c.Param("id")
	gate, ok := h.manager.Gate(callID)
	if !ok {
		response.AppError(c, errors.CallNotFoundError())
		return
	}
	if err := gate.Decline(c.Request.Context()); err != nil {
		response.AppError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"call_id": callID, "status": "declined"})
}
