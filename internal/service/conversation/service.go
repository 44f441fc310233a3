// Package conversation owns conversations and their append-only message logs.
package conversation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/domain"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/realtime"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/repository"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/constants"
	apperrors "github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/errors"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/idgen"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/logger"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/metrics"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/resilience"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/sanitize"
)

// SendHook runs after a message is stored and published.
// Hooks must not block; long work belongs on their own goroutines.
type SendHook interface {
	MessageSent(ctx context.Context, conv *domain.Conversation, msg *domain.Message)
}

// DeliveryObserver is told when a live subscriber first observes a message.
// It must not block the subscription.
type DeliveryObserver interface {
	ObserveDelivered(ctx context.Context, viewerID string, msg *domain.Message)
}

// Service handles conversation business logic
type Service struct {
	conversations repository.ConversationRepository
	messages      repository.MessageRepository
	bus           realtime.Bus
	ids           *idgen.Generator
	policy        resilience.Policy

	hooks    []SendHook
	observer DeliveryObserver

	// appends holds one lock per conversation so IDs are stored and published in order
	appends keyedMutex
}

// NewService creates a new conversation service
func NewService(
	conversations repository.ConversationRepository,
	messages repository.MessageRepository,
	bus realtime.Bus,
	ids *idgen.Generator,
) *Service {
	if ids == nil {
		ids = idgen.NewGenerator(time.Now)
	}
	return &Service{
		conversations: conversations,
		messages:      messages,
		bus:           bus,
		ids:           ids,
		policy:        resilience.DefaultPolicy(),
	}
}

// AddHook registers h to run after every append. Not safe to call once the service is in use.
func (s *Service) AddHook(h SendHook) {
	s.hooks = append(s.hooks, h)
}

// SetDeliveryObserver registers the tracker notified by live subscriptions
func (s *Service) SetDeliveryObserver(o DeliveryObserver) {
	s.observer = o
}

// GetOrCreateConversation returns the direct conversation of a and b, creating it on first use.
// Both participants derive the same ID, so concurrent calls from either side converge.
func (s *Service) GetOrCreateConversation(ctx context.Context, a, b domain.Participant) (*domain.Conversation, error) {
	if a.ID == "" || b.ID == "" {
		return nil, apperrors.MissingFieldError("participant id")
	}
	if a.ID == b.ID {
		return nil, apperrors.ValidationError("cannot start a conversation with yourself")
	}

	conv := &domain.Conversation{
		ID:           domain.DirectConversationID(a.ID, b.ID),
		Type:         domain.ConversationDirect,
		Status:       domain.ConversationActive,
		Participants: domain.PairKey(a.ID, b.ID),
		ParticipantInfo: map[string]domain.ParticipantInfo{
			a.ID: a.Info(),
			b.ID: b.Info(),
		},
		CreatedBy: a.ID,
		CreatedAt: time.Now().UTC(),
	}
	return s.create(ctx, conv)
}

// CreateGroup creates a rostered conversation. The creator is always a participant.
func (s *Service) CreateGroup(ctx context.Context, creator domain.Participant, name string, members []domain.Participant) (*domain.Conversation, error) {
	if creator.ID == "" {
		return nil, apperrors.MissingFieldError("creator id")
	}
	name = sanitize.MessageContent(name)
	if name == "" {
		return nil, apperrors.MissingFieldError("name")
	}
	if !sanitize.ValidateStringLength(name, 1, constants.MaxGroupNameLength) {
		return nil, apperrors.ValidationError(fmt.Sprintf("group name exceeds %d characters", constants.MaxGroupNameLength))
	}

	conv := &domain.Conversation{
		ID:              idgen.NewGroupID(),
		Type:            domain.ConversationGroup,
		Status:          domain.ConversationActive,
		Name:            name,
		Participants:    []string{creator.ID},
		ParticipantInfo: map[string]domain.ParticipantInfo{creator.ID: creator.Info()},
		CreatedBy:       creator.ID,
		CreatedAt:       time.Now().UTC(),
	}
	for _, m := range members {
		if m.ID == "" || conv.HasParticipant(m.ID) {
			continue
		}
		conv.Participants = append(conv.Participants, m.ID)
		conv.ParticipantInfo[m.ID] = m.Info()
	}
	if len(conv.Participants) < 2 {
		return nil, apperrors.ValidationError("a group needs at least one other participant")
	}
	return s.create(ctx, conv)
}

func (s *Service) create(ctx context.Context, conv *domain.Conversation) (*domain.Conversation, error) {
	var (
		stored  *domain.Conversation
		created bool
	)
	err := resilience.Retry(ctx, s.policy, "conversation.create", func(ctx context.Context) error {
		var err error
		stored, created, err = s.conversations.CreateIfAbsent(ctx, conv)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	if created {
		metrics.ConversationsCreatedTotal.WithLabelValues(string(stored.Type)).Inc()
		logger.FromContext(ctx).Info("Conversation created",
			zap.String("conversation_id", stored.ID),
			zap.String("type", string(stored.Type)))
		s.publishInbox(ctx, stored)
	}
	return stored, nil
}

// JoinGroup adds p to a group roster. Joining twice is a no-op.
func (s *Service) JoinGroup(ctx context.Context, conversationID string, p domain.Participant) (*domain.Conversation, error) {
	if p.ID == "" {
		return nil, apperrors.MissingFieldError("participant id")
	}
	conv, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Type != domain.ConversationGroup {
		return nil, apperrors.ValidationError("only group conversations can be joined")
	}
	if conv.IsClosed() {
		return nil, domain.ErrConversationClosed
	}
	if conv.HasParticipant(p.ID) {
		return conv, nil
	}

	conv, err = s.conversations.AddParticipant(ctx, conversationID, p)
	if err != nil {
		return nil, fmt.Errorf("failed to join conversation: %w", err)
	}
	s.publishInbox(ctx, conv)
	return conv, nil
}

// CloseConversation stops new messages. The history stays readable.
func (s *Service) CloseConversation(ctx context.Context, conversationID, actorID string) (*domain.Conversation, error) {
	conv, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(actorID) {
		return nil, domain.ErrNotParticipant
	}
	if conv.IsClosed() {
		return conv, nil
	}

	conv, err = s.conversations.UpdateStatus(ctx, conversationID, domain.ConversationClosed)
	if err != nil {
		return nil, fmt.Errorf("failed to close conversation: %w", err)
	}
	s.publishInbox(ctx, conv)
	return conv, nil
}

// GetConversation returns a conversation the viewer belongs to
func (s *Service) GetConversation(ctx context.Context, conversationID, viewerID string) (*domain.Conversation, error) {
	conv, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(viewerID) {
		return nil, domain.ErrNotParticipant
	}
	return conv, nil
}

// AppendMessage validates and stores a message, then moves the conversation summary forward.
// The message is durable before the summary changes, so a reader never sees a summary
// pointing at a missing message.
func (s *Service) AppendMessage(ctx context.Context, conversationID, authorID, content string, attachments []domain.Attachment) (*domain.Message, error) {
	content = sanitize.MessageContent(content)
	if content == "" && len(attachments) == 0 {
		return nil, domain.ErrEmptyMessage
	}
	if len(content) > constants.MaxMessageLength {
		return nil, apperrors.ValidationError(fmt.Sprintf("message exceeds %d characters", constants.MaxMessageLength))
	}
	if len(attachments) > constants.MaxAttachmentsPerMessage {
		return nil, apperrors.ValidationError(fmt.Sprintf("at most %d attachments per message", constants.MaxAttachmentsPerMessage))
	}

	conv, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(authorID) {
		return nil, domain.ErrNotParticipant
	}
	if conv.IsClosed() {
		return nil, domain.ErrConversationClosed
	}

	return s.append(ctx, conv, authorID, domain.MessageText, content, attachments, "")
}

// AppendSystemMessage records call history in a conversation
func (s *Service) AppendSystemMessage(ctx context.Context, conversationID string, kind domain.MessageKind, content, callID string) (*domain.Message, error) {
	if content == "" {
		return nil, domain.ErrEmptyMessage
	}
	conv, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.IsClosed() {
		return nil, domain.ErrConversationClosed
	}
	return s.append(ctx, conv, domain.SystemSenderID, kind, content, nil, callID)
}

func (s *Service) append(ctx context.Context, conv *domain.Conversation, senderID string, kind domain.MessageKind, content string, attachments []domain.Attachment, callID string) (*domain.Message, error) {
	msg, updated, err := s.storeAndPublish(ctx, conv, senderID, kind, content, attachments, callID)
	if err != nil {
		metrics.MessagesAppendedTotal.WithLabelValues(string(kind), "failure").Inc()
		return nil, err
	}

	for _, h := range s.hooks {
		h.MessageSent(ctx, updated, msg.Clone())
	}

	metrics.MessagesAppendedTotal.WithLabelValues(string(kind), "success").Inc()
	return msg, nil
}

// storeAndPublish assigns the message ID, stores the message and publishes it while
// holding the conversation's append lock. A subscriber therefore never sees a message
// whose ID is below one it already received from this process.
func (s *Service) storeAndPublish(ctx context.Context, conv *domain.Conversation, senderID string, kind domain.MessageKind, content string, attachments []domain.Attachment, callID string) (*domain.Message, *domain.Conversation, error) {
	unlock := s.appends.Lock(conv.ID)
	defer unlock()

	start := time.Now()
	id, at := s.ids.NextString()
	msg := &domain.Message{
		ID:             id,
		ConversationID: conv.ID,
		SenderID:       senderID,
		Kind:           kind,
		Content:        content,
		Attachments:    attachments,
		Status:         domain.StatusSent,
		CallID:         callID,
		CreatedAt:      at,
	}

	err := resilience.Retry(ctx, s.policy, "message.create", func(ctx context.Context) error {
		return s.messages.Create(ctx, msg)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to store message: %w", err)
	}
	metrics.MessageAppendDuration.WithLabelValues("store").Observe(time.Since(start).Seconds())

	var (
		updated *domain.Conversation
		applied bool
	)
	err = resilience.Retry(ctx, s.policy, "conversation.summary", func(ctx context.Context) error {
		var err error
		updated, applied, err = s.conversations.UpdateSummary(ctx, msg)
		return err
	})
	if err != nil {
		// The message is stored; the next append moves the summary past it.
		logger.FromContext(ctx).Warn("Failed to update conversation summary",
			zap.String("conversation_id", conv.ID),
			zap.String("message_id", msg.ID),
			zap.Error(err))
		updated = conv
	}
	metrics.MessageAppendDuration.WithLabelValues("summary").Observe(time.Since(start).Seconds())

	evt := realtime.Event{Type: realtime.EventMessageAppended, Message: msg.Clone()}
	if err := s.bus.Publish(ctx, realtime.ConversationTopic(conv.ID), evt); err != nil {
		logger.FromContext(ctx).Warn("Failed to publish message",
			zap.String("conversation_id", conv.ID),
			zap.String("message_id", msg.ID),
			zap.Error(err))
	}
	if applied {
		s.publishInbox(ctx, updated)
	}
	return msg, updated, nil
}

// publishInbox tells every participant that one of their conversations changed
func (s *Service) publishInbox(ctx context.Context, conv *domain.Conversation) {
	for _, p := range conv.Participants {
		evt := realtime.Event{Type: realtime.EventConversationUpdated, Conversation: conv.Clone()}
		if err := s.bus.Publish(ctx, realtime.InboxTopic(p), evt); err != nil {
			logger.FromContext(ctx).Warn("Failed to publish conversation update",
				zap.String("conversation_id", conv.ID),
				zap.String("participant_id", p),
				zap.Error(err))
		}
	}
}

// ListConversations returns the participant's conversations, most recent activity first
func (s *Service) ListConversations(ctx context.Context, participantID string) ([]*domain.Conversation, error) {
	convs, err := s.conversations.ListByParticipant(ctx, participantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	domain.SortByLastMessage(convs)
	return convs, nil
}

// History returns up to limit messages before the given message ID, oldest first.
// An empty before pages back from the newest message.
func (s *Service) History(ctx context.Context, conversationID, viewerID, before string, limit int) ([]*domain.Message, error) {
	if _, err := s.GetConversation(ctx, conversationID, viewerID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = constants.DefaultPageSize
	}
	if limit > constants.MaxPageSize {
		limit = constants.MaxPageSize
	}
	return s.messages.ListBefore(ctx, conversationID, before, limit)
}
