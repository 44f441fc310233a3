package call

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/middleware"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/service/call"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/pagination"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/response"
)

// Handler handles call HTTP requests. Placing and answering calls needs a
// live socket and lives in the ws package.
type Handler struct {
	engine *call.Engine
}

// NewHandler creates a new call handler
func NewHandler(engine *call.Engine) *Handler {
	return &Handler{
		engine: engine,
	}
}

// RegisterRoutes mounts the handler on an authenticated group
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/calls", h.ListCalls)
	rg.GET("/calls/:id", h.GetCall)
	rg.POST("/calls/:id/decline", h.Decline)
	rg.POST("/calls/:id/hangup", h.Hangup)
}

// ListCalls returns the caller's recent calls, newest first
// GET /v1/calls?limit=50
func (h *Handler) ListCalls(c *gin.Context) {
	page, err := pagination.Parse("", c.Query("limit"))
	if err != nil {
		response.FromError(c, err)
		return
	}

	calls, err := h.engine.ListCalls(c.Request.Context(), middleware.ParticipantID(c), page.Limit)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"calls": calls,
	})
}

// GetCall retrieves call information
// GET /v1/calls/:id
func (h *Handler) GetCall(c *gin.Context) {
	session, err := h.engine.GetCall(c.Request.Context(), c.Param("id"), middleware.ParticipantID(c))
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, session)
}

// Decline rejects a ringing call, for example from a push notification action
// POST /v1/calls/:id/decline
func (h *Handler) Decline(c *gin.Context) {
	session, err := h.engine.Decline(c.Request.Context(), c.Param("id"), middleware.ParticipantID(c))
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, session)
}

// Hangup ends a call for everyone, from a device that holds no socket for it
// POST /v1/calls/:id/hangup
func (h *Handler) Hangup(c *gin.Context) {
	session, err := h.engine.Hangup(c.Request.Context(), c.Param("id"), middleware.ParticipantID(c))
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, session)
}
