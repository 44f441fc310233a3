package push

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/domain"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/middleware"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/service/notification"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/logger"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/push"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/response"
)

// Handler handles push token HTTP requests
type Handler struct {
	notifications *notification.Service
}

// NewHandler creates a new push notification handler
func NewHandler(notifications *notification.Service) *Handler {
	return &Handler{
		notifications: notifications,
	}
}

// RegisterRoutes mounts the handler on an authenticated group
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/push/tokens", h.RegisterToken)
	rg.DELETE("/push/tokens", h.UnregisterToken)
}

// RegisterToken registers a push token for the authenticated participant
// POST /v1/push/tokens
func (h *Handler) RegisterToken(c *gin.Context) {
	participantID := middleware.ParticipantID(c)

	var req domain.PushToken
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	if err := h.notifications.RegisterToken(c.Request.Context(), participantID, &req); err != nil {
		response.FromError(c, err)
		return
	}

	logger.FromContext(c.Request.Context()).Info("Push token registered",
		zap.String("participant_id", participantID),
		zap.String("platform", string(req.Platform)),
		zap.Bool("voip", req.VoIP),
		zap.String("token", push.MaskToken(req.Token)))

	response.Success(c, http.StatusOK, gin.H{
		"message": "Token registered successfully",
	})
}

// UnregisterTokenRequest represents request to unregister a push token
type UnregisterTokenRequest struct {
	Token string `json:"token" binding:"required"`
}

// UnregisterToken removes a push token
// DELETE /v1/push/tokens
func (h *Handler) UnregisterToken(c *gin.Context) {
	var req UnregisterTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	if err := h.notifications.UnregisterToken(c.Request.Context(), middleware.ParticipantID(c), req.Token); err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"message": "Token unregistered successfully",
	})
}
