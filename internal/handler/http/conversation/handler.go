package conversation

import (
	"mime/multipart"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/domain"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/middleware"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/service/attachment"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/service/conversation"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/service/delivery"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/logger"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/pagination"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/response"
)

// maxMultipartMemory is buffered in memory before parts spill to disk
const maxMultipartMemory = 8 << 20

// Handler handles conversation and message HTTP requests
type Handler struct {
	conversations *conversation.Service
	sender        *conversation.Sender
	tracker       *delivery.Tracker
	attachments   *attachment.Pipeline
}

// NewHandler creates a new conversation handler
func NewHandler(conversations *conversation.Service, sender *conversation.Sender, tracker *delivery.Tracker, attachments *attachment.Pipeline) *Handler {
	return &Handler{
		conversations: conversations,
		sender:        sender,
		tracker:       tracker,
		attachments:   attachments,
	}
}

// RegisterRoutes mounts the handler on an authenticated group
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/conversations", h.ListConversations)
	rg.POST("/conversations/direct", h.OpenDirect)
	rg.POST("/conversations/groups", h.CreateGroup)
	rg.GET("/conversations/:id", h.GetConversation)
	rg.POST("/conversations/:id/join", h.JoinGroup)
	rg.POST("/conversations/:id/close", h.CloseConversation)
	rg.GET("/conversations/:id/messages", h.History)
	rg.POST("/conversations/:id/messages", h.SendMessage)
	rg.POST("/conversations/:id/read", h.MarkRead)
	rg.GET("/conversations/:id/attachments", h.AttachmentURL)
	rg.GET("/unread", h.Unread)
}

// OpenDirectRequest names the other side of a one-to-one conversation
type OpenDirectRequest struct {
	Peer domain.Participant `json:"peer" binding:"required"`
}

// OpenDirect returns the direct conversation with a peer, creating it on first contact
// POST /v1/conversations/direct
func (h *Handler) OpenDirect(c *gin.Context) {
	me, ok := middleware.ParticipantFrom(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	var req OpenDirectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	conv, err := h.conversations.GetOrCreateConversation(c.Request.Context(), me, req.Peer)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, conv)
}

// CreateGroupRequest represents create group request
type CreateGroupRequest struct {
	Name    string               `json:"name" binding:"required,max=120"`
	Members []domain.Participant `json:"members" binding:"required,min=1,dive"`
}

// CreateGroup creates a rostered conversation
// POST /v1/conversations/groups
func (h *Handler) CreateGroup(c *gin.Context) {
	me, ok := middleware.ParticipantFrom(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	var req CreateGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	conv, err := h.conversations.CreateGroup(c.Request.Context(), me, req.Name, req.Members)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, conv)
}

// JoinGroup adds the caller to a group
// POST /v1/conversations/:id/join
func (h *Handler) JoinGroup(c *gin.Context) {
	me, ok := middleware.ParticipantFrom(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	conv, err := h.conversations.JoinGroup(c.Request.Context(), c.Param("id"), me)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, conv)
}

// CloseConversation stops a conversation from accepting messages
// POST /v1/conversations/:id/close
func (h *Handler) CloseConversation(c *gin.Context) {
	conv, err := h.conversations.CloseConversation(c.Request.Context(), c.Param("id"), middleware.ParticipantID(c))
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, conv)
}

// ListConversations returns the caller's conversations, most recent activity first
// GET /v1/conversations
func (h *Handler) ListConversations(c *gin.Context) {
	viewerID := middleware.ParticipantID(c)

	convs, err := h.conversations.ListConversations(c.Request.Context(), viewerID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	withUnread, err := h.tracker.UnreadFor(c.Request.Context(), viewerID, convs)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"conversations": withUnread,
	})
}

// GetConversation retrieves a specific conversation
// GET /v1/conversations/:id
func (h *Handler) GetConversation(c *gin.Context) {
	conv, err := h.conversations.GetConversation(c.Request.Context(), c.Param("id"), middleware.ParticipantID(c))
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, conv)
}

// History pages backwards through a conversation
// GET /v1/conversations/:id/messages?before=<message id>&limit=50
func (h *Handler) History(c *gin.Context) {
	page, err := pagination.Parse(c.Query("before"), c.Query("limit"))
	if err != nil {
		response.FromError(c, err)
		return
	}

	messages, err := h.conversations.History(c.Request.Context(), c.Param("id"), middleware.ParticipantID(c), page.Before, page.Limit)
	if err != nil {
		response.FromError(c, err)
		return
	}

	ids := make([]string, len(messages))
	for i, msg := range messages {
		ids[i] = msg.ID
	}
	response.Success(c, http.StatusOK, gin.H{
		"messages":    messages,
		"next_before": pagination.NextCursor(ids, page.Limit),
	})
}

// SendMessageRequest is the JSON body of a text-only send
type SendMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

// SendMessage appends a message. A multipart body carries a "content" field and
// any number of "files" parts, which are uploaded before the message is stored.
// POST /v1/conversations/:id/messages
func (h *Handler) SendMessage(c *gin.Context) {
	authorID := middleware.ParticipantID(c)
	conversationID := c.Param("id")

	if c.ContentType() != "multipart/form-data" {
		var req SendMessageRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.ValidationError(c, err.Error())
			return
		}
		msg, err := h.conversations.AppendMessage(c.Request.Context(), conversationID, authorID, req.Content, nil)
		if err != nil {
			response.FromError(c, err)
			return
		}
		response.Success(c, http.StatusCreated, msg)
		return
	}

	if err := c.Request.ParseMultipartForm(maxMultipartMemory); err != nil {
		response.ValidationError(c, "Invalid multipart body")
		return
	}
	form := c.Request.MultipartForm
	defer form.RemoveAll()

	files, closeAll, err := openFiles(form.File["files"])
	defer closeAll()
	if err != nil {
		response.ValidationError(c, "Unreadable file part")
		return
	}

	result, err := h.sender.SendWithAttachments(c.Request.Context(), conversationID, authorID, c.PostForm("content"), files, nil)
	if err != nil {
		response.FromError(c, err)
		return
	}

	failures := make(map[string]string, len(result.Failures))
	for i, ferr := range result.Failures {
		failures[files[i].Filename] = ferr.Error()
		logger.FromContext(c.Request.Context()).Info("Attachment dropped from message",
			zap.String("conversation_id", conversationID),
			zap.String("filename", files[i].Filename),
			zap.Error(ferr))
	}
	response.Success(c, http.StatusCreated, gin.H{
		"message":  result.Message,
		"failures": failures,
	})
}

func openFiles(headers []*multipart.FileHeader) ([]domain.File, func(), error) {
	var opened []multipart.File
	closeAll := func() {
		for _, f := range opened {
			_ = f.Close()
		}
	}

	files := make([]domain.File, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			return nil, closeAll, err
		}
		opened = append(opened, f)
		files = append(files, domain.File{
			Filename: fh.Filename,
			Size:     fh.Size,
			Content:  f,
		})
	}
	return files, closeAll, nil
}

// MarkReadRequest carries the newest message the caller has seen
type MarkReadRequest struct {
	UpTo string `json:"up_to" binding:"required"`
}

// MarkRead marks every message up to and including up_to as read
// POST /v1/conversations/:id/read
func (h *Handler) MarkRead(c *gin.Context) {
	var req MarkReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	if err := h.tracker.MarkRead(c.Request.Context(), middleware.ParticipantID(c), c.Param("id"), req.UpTo); err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"conversation_id": c.Param("id"),
		"up_to":           req.UpTo,
	})
}

// Unread returns the caller's unread counter per conversation
// GET /v1/unread
func (h *Handler) Unread(c *gin.Context) {
	counts, err := h.tracker.Unread(c.Request.Context(), middleware.ParticipantID(c))
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, counts)
}

// AttachmentURL returns a fresh link for an attachment whose link expired
// GET /v1/conversations/:id/attachments?key=<object key>
func (h *Handler) AttachmentURL(c *gin.Context) {
	key := c.Query("key")
	if key == "" {
		response.ValidationError(c, "key is required")
		return
	}

	conversationID := c.Param("id")
	if _, err := h.conversations.GetConversation(c.Request.Context(), conversationID, middleware.ParticipantID(c)); err != nil {
		response.FromError(c, err)
		return
	}

	url, err := h.attachments.URL(c.Request.Context(), conversationID, key)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"url": url})
}
