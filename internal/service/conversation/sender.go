package conversation

import (
	"context"

	"go.uber.org/zap"

	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/domain"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/service/attachment"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/logger"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/sanitize"
)

// Uploader is the part of the attachment pipeline the sender needs
type Uploader interface {
	UploadAll(ctx context.Context, conversationID string, files []domain.File, onProgress attachment.ProgressFunc) *attachment.Result
	Discard(attachments []domain.Attachment)
}

// Sender composes uploads and appends into one send operation
type Sender struct {
	conversations *Service
	uploader      Uploader
}

// NewSender creates a Sender
func NewSender(conversations *Service, uploader Uploader) *Sender {
	return &Sender{conversations: conversations, uploader: uploader}
}

// SendResult is the outcome of SendWithAttachments
type SendResult struct {
	// Message is nil when the send was abandoned.
	Message *domain.Message
	// Failures maps the input index of each dropped file to its error.
	Failures map[int]error
}

// SendWithAttachments uploads files first and appends the message once they finish.
// Files that fail are dropped from the message; the send is abandoned only when
// neither text nor any attachment remains.
func (s *Sender) SendWithAttachments(ctx context.Context, conversationID, authorID, content string, files []domain.File, onProgress attachment.ProgressFunc) (*SendResult, error) {
	// Reject early so nothing is uploaded for a message that cannot be stored.
	conv, err := s.conversations.GetConversation(ctx, conversationID, authorID)
	if err != nil {
		return nil, err
	}
	if conv.IsClosed() {
		return nil, domain.ErrConversationClosed
	}

	result := &SendResult{Failures: map[int]error{}}
	var attachments []domain.Attachment
	if len(files) > 0 {
		uploaded := s.uploader.UploadAll(ctx, conversationID, files, onProgress)
		attachments = uploaded.Attachments
		result.Failures = uploaded.Failures
	}

	if sanitize.MessageContent(content) == "" && len(attachments) == 0 {
		for i := range files {
			if ferr, ok := result.Failures[i]; ok {
				return result, ferr
			}
		}
		return result, domain.ErrEmptyMessage
	}

	msg, err := s.conversations.AppendMessage(ctx, conversationID, authorID, content, attachments)
	if err != nil {
		logger.FromContext(ctx).Warn("Send failed after uploads, discarding attachments",
			zap.String("conversation_id", conversationID),
			zap.Int("attachments", len(attachments)),
			zap.Error(err))
		s.uploader.Discard(attachments)
		return result, err
	}
	result.Message = msg
	return result, nil
}
