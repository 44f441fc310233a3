package ws

import (
	"encoding/json"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/service/conversation"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/service/delivery"
	apperrors "github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/errors"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/logger"
)

// Chat frame types
const (
	FrameMessage       = "message"
	FrameUpdate        = "update"
	FrameConversations = "conversations"
	FrameAck           = "ack"

	actionSend = "send"
	actionRead = "read"
)

// ChatHandler streams conversations to clients
type ChatHandler struct {
	hub           *Hub
	conversations *conversation.Service
	tracker       *delivery.Tracker
}

// NewChatHandler creates a new chat handler
func NewChatHandler(hub *Hub, conversations *conversation.Service, tracker *delivery.Tracker) *ChatHandler {
	return &ChatHandler{
		hub:           hub,
		conversations: conversations,
		tracker:       tracker,
	}
}

type sendFrame struct {
	Content string `json:"content"`
	// Ref is echoed in the ack so the client can match its optimistic copy.
	Ref string `json:"ref,omitempty"`
}

type readFrame struct {
	UpTo string `json:"up_to"`
}

// ServeConversation streams one conversation's messages after ?since=<cursor>.
// Clients may send {"type":"send"} and {"type":"read"} frames on the same socket.
// GET /ws/conversations/:id
func (h *ChatHandler) ServeConversation(c *gin.Context) {
	conversationID := c.Param("id")
	since := c.Query("since")

	h.hub.Serve(c, "conversation", func(client *Client) {
		sub, err := h.conversations.Subscribe(client.Context(), conversationID, client.UserID(), since)
		if err != nil {
			client.SendError(err)
			return
		}
		defer sub.Close()

		messages, updates := sub.Messages(), sub.Updates()
		for messages != nil {
			select {
			case <-client.Context().Done():
				return
			case msg, ok := <-messages:
				if !ok {
					messages = nil
					continue
				}
				if !client.Send(FrameMessage, msg) {
					return
				}
			case patch, ok := <-updates:
				if !ok {
					updates = nil
					continue
				}
				if !client.Send(FrameUpdate, patch) {
					return
				}
			}
		}
		if err := sub.Err(); err != nil {
			client.SendError(apperrors.TransientError(err))
		}
	}, func(client *Client, raw []byte) {
		h.handleFrame(client, conversationID, raw)
	})
}

func (h *ChatHandler) handleFrame(client *Client, conversationID string, raw []byte) {
	in, ok := decode(client, raw)
	if !ok {
		return
	}
	ctx := client.Context()

	switch in.Type {
	case actionSend:
		var f sendFrame
		if err := json.Unmarshal(in.Data, &f); err != nil {
			client.SendError(apperrors.ValidationError("Invalid send frame"))
			return
		}
		msg, err := h.conversations.AppendMessage(ctx, conversationID, client.UserID(), f.Content, nil)
		if err != nil {
			client.SendError(err)
			return
		}
		client.Send(FrameAck, map[string]string{"ref": f.Ref, "message_id": msg.ID})

	case actionRead:
		var f readFrame
		if err := json.Unmarshal(in.Data, &f); err != nil || f.UpTo == "" {
			client.SendError(apperrors.MissingFieldError("up_to"))
			return
		}
		if err := h.tracker.MarkRead(ctx, client.UserID(), conversationID, f.UpTo); err != nil {
			logger.FromContext(ctx).Warn("Failed to mark read",
				zap.String("conversation_id", conversationID),
				zap.String("user_id", client.UserID()),
				zap.Error(err))
			client.SendError(err)
		}

	default:
		client.SendError(apperrors.ValidationError("Unknown frame type " + in.Type))
	}
}

// ServeInbox streams the caller's conversation list with unread counters after every change
// GET /ws/inbox
func (h *ChatHandler) ServeInbox(c *gin.Context) {
	h.hub.Serve(c, "inbox", func(client *Client) {
		watch, err := h.conversations.WatchConversations(client.Context(), client.UserID())
		if err != nil {
			client.SendError(err)
			return
		}
		defer watch.Close()

		for {
			select {
			case <-client.Context().Done():
				return
			case convs, ok := <-watch.Snapshots():
				if !ok {
					return
				}
				withUnread, err := h.tracker.UnreadFor(client.Context(), client.UserID(), convs)
				if err != nil {
					client.SendError(err)
					continue
				}
				if !client.Send(FrameConversations, withUnread) {
					return
				}
			}
		}
	}, nil)
}
