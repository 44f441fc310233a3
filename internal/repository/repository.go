// Package repository declares the persistence contracts of the communication core.
// The cockroach, cassandra and redis packages implement them against the
// distributed backends; the memory package implements all of them in-process.
package repository

import (
	"context"
	"time"

	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/domain"
)

// ConversationRepository stores conversations and their summary fields
type ConversationRepository interface {
	// CreateIfAbsent inserts conv unless a conversation with the same ID exists, in one
	// transaction. It returns the stored conversation and whether this call created it.
	CreateIfAbsent(ctx context.Context, conv *domain.Conversation) (*domain.Conversation, bool, error)
	GetByID(ctx context.Context, conversationID string) (*domain.Conversation, error)
	ListByParticipant(ctx context.Context, participantID string) ([]*domain.Conversation, error)
	// UpdateSummary points the summary at msg when msg is newer than the current summary.
	UpdateSummary(ctx context.Context, msg *domain.Message) (*domain.Conversation, bool, error)
	AddParticipant(ctx context.Context, conversationID string, p domain.Participant) (*domain.Conversation, error)
	UpdateStatus(ctx context.Context, conversationID string, status domain.ConversationStatus) (*domain.Conversation, error)
}

// MessageRepository stores the append-only message log.
// Messages are returned in ascending ID order.
type MessageRepository interface {
	Create(ctx context.Context, msg *domain.Message) error
	GetByID(ctx context.Context, conversationID, messageID string) (*domain.Message, error)
	// ListAfter returns up to limit messages with an ID greater than afterID.
	// An empty afterID starts from the beginning of the conversation.
	ListAfter(ctx context.Context, conversationID, afterID string, limit int) ([]*domain.Message, error)
	// ListBefore returns the limit messages immediately preceding beforeID.
	// An empty beforeID pages back from the newest message.
	ListBefore(ctx context.Context, conversationID, beforeID string, limit int) ([]*domain.Message, error)
	// AdvanceStatus applies a forward-only status transition. It reports false without
	// error when the message is already at or past the target status.
	AdvanceStatus(ctx context.Context, conversationID, messageID string, to domain.MessageStatus) (bool, error)
	SetTranslation(ctx context.Context, conversationID, messageID, language, text string) error
}

// CallRepository stores call sessions. Every state change is a compare-and-set.
type CallRepository interface {
	// Create inserts a ringing session. It fails with domain.ErrChannelBusy when the
	// channel already has a non-terminal session.
	Create(ctx context.Context, call *domain.CallSession) error
	GetByID(ctx context.Context, callID string) (*domain.CallSession, error)
	// GetOpenByChannel returns the non-terminal session of a channel.
	GetOpenByChannel(ctx context.Context, channelID string) (*domain.CallSession, error)
	// Transition applies tr when the session's current state is in tr.To.AllowedFrom().
	// It always returns the session as stored after the attempt and whether this call applied it.
	Transition(ctx context.Context, tr domain.CallTransition) (*domain.CallSession, bool, error)
	ListRingingFor(ctx context.Context, participantID string) ([]*domain.CallSession, error)
	// ListStale returns sessions ringing since before ringingBefore or active since before activeBefore.
	ListStale(ctx context.Context, ringingBefore, activeBefore time.Time) ([]*domain.CallSession, error)
	ListByParticipant(ctx context.Context, participantID string, limit int) ([]*domain.CallSession, error)
}

// UnreadRepository keeps per-participant unread counters and read cursors
type UnreadRepository interface {
	Increment(ctx context.Context, conversationID string, participantIDs []string) error
	// Reset zeroes the counter. It never decrements.
	Reset(ctx context.Context, participantID, conversationID string) error
	Counts(ctx context.Context, participantID string) (domain.UnreadCounts, error)
	// AdvanceReadCursor stores messageID when it is newer than the stored cursor.
	AdvanceReadCursor(ctx context.Context, participantID, conversationID, messageID string) (string, error)
	ReadCursor(ctx context.Context, participantID, conversationID string) (string, error)
}

// PresenceRepository tracks which participants have a live client
type PresenceRepository interface {
	SetOnline(ctx context.Context, participantID string) error
	SetOffline(ctx context.Context, participantID string) error
	IsOnline(ctx context.Context, participantID string) (bool, error)
}

// PushTokenRepository stores device tokens for wake-up notifications
type PushTokenRepository interface {
	Register(ctx context.Context, token *domain.PushToken) error
	Remove(ctx context.Context, participantID, token string) error
	ListByParticipant(ctx context.Context, participantID string) ([]*domain.PushToken, error)
}
