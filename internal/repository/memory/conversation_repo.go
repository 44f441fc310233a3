// Package memory implements every repository contract in-process.
// It backs tests and the single-node development mode.
package memory

import (
	"context"
	"sync"

	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/domain"
)

// ConversationRepository keeps conversations in a map guarded by a mutex.
// The mutex gives CreateIfAbsent the same create-if-absent atomicity as the SQL transaction.
type ConversationRepository struct {
	mu            sync.RWMutex
	conversations map[string]*domain.Conversation
}

// NewConversationRepository creates an empty repository
func NewConversationRepository() *ConversationRepository {
	return &ConversationRepository{conversations: make(map[string]*domain.Conversation)}
}

func (r *ConversationRepository) CreateIfAbsent(ctx context.Context, conv *domain.Conversation) (*domain.Conversation, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.conversations[conv.ID]; ok {
		return existing.Clone(), false, nil
	}
	stored := conv.Clone()
	r.conversations[conv.ID] = stored
	return stored.Clone(), true, nil
}

func (r *ConversationRepository) GetByID(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	conv, ok := r.conversations[conversationID]
	if !ok {
		return nil, domain.ErrConversationNotFound
	}
	return conv.Clone(), nil
}

func (r *ConversationRepository) ListByParticipant(ctx context.Context, participantID string) ([]*domain.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.Conversation
	for _, conv := range r.conversations {
		if conv.HasParticipant(participantID) {
			out = append(out, conv.Clone())
		}
	}
	domain.SortByLastMessage(out)
	return out, nil
}

func (r *ConversationRepository) UpdateSummary(ctx context.Context, msg *domain.Message) (*domain.Conversation, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, ok := r.conversations[msg.ConversationID]
	if !ok {
		return nil, false, domain.ErrConversationNotFound
	}
	applied := conv.ApplySummary(msg)
	return conv.Clone(), applied, nil
}

func (r *ConversationRepository) AddParticipant(ctx context.Context, conversationID string, p domain.Participant) (*domain.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, ok := r.conversations[conversationID]
	if !ok {
		return nil, domain.ErrConversationNotFound
	}
	if !conv.HasParticipant(p.ID) {
		conv.Participants = append(conv.Participants, p.ID)
	}
	if conv.ParticipantInfo == nil {
		conv.ParticipantInfo = make(map[string]domain.ParticipantInfo)
	}
	conv.ParticipantInfo[p.ID] = p.Info()
	return conv.Clone(), nil
}

func (r *ConversationRepository) UpdateStatus(ctx context.Context, conversationID string, status domain.ConversationStatus) (*domain.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, ok := r.conversations[conversationID]
	if !ok {
		return nil, domain.ErrConversationNotFound
	}
	conv.Status = status
	return conv.Clone(), nil
}
