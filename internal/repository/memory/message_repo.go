package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/domain"
	apperrors "github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/errors"
)

// MessageRepository keeps one ID-sorted slice per conversation
type MessageRepository struct {
	mu    sync.RWMutex
	logs  map[string][]*domain.Message
	index map[string]*domain.Message
}

// NewMessageRepository creates an empty repository
func NewMessageRepository() *MessageRepository {
	return &MessageRepository{
		logs:  make(map[string][]*domain.Message),
		index: make(map[string]*domain.Message),
	}
}

func (r *MessageRepository) Create(ctx context.Context, msg *domain.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.index[msg.ID]; exists {
		return apperrors.ConflictError("message already exists")
	}

	stored := msg.Clone()
	log := r.logs[msg.ConversationID]
	i := sort.Search(len(log), func(i int) bool { return log[i].ID > stored.ID })
	log = append(log, nil)
	copy(log[i+1:], log[i:])
	log[i] = stored

	r.logs[msg.ConversationID] = log
	r.index[msg.ID] = stored
	return nil
}

func (r *MessageRepository) GetByID(ctx context.Context, conversationID, messageID string) (*domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	msg, ok := r.index[messageID]
	if !ok || msg.ConversationID != conversationID {
		return nil, domain.ErrMessageNotFound
	}
	return msg.Clone(), nil
}

func (r *MessageRepository) ListAfter(ctx context.Context, conversationID, afterID string, limit int) ([]*domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	log := r.logs[conversationID]
	start := sort.Search(len(log), func(i int) bool { return log[i].ID > afterID })
	end := len(log)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	return cloneAll(log[start:end]), nil
}

func (r *MessageRepository) ListBefore(ctx context.Context, conversationID, beforeID string, limit int) ([]*domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	log := r.logs[conversationID]
	end := len(log)
	if beforeID != "" {
		end = sort.Search(len(log), func(i int) bool { return log[i].ID >= beforeID })
	}
	start := 0
	if limit > 0 && end-limit > 0 {
		start = end - limit
	}
	return cloneAll(log[start:end]), nil
}

func (r *MessageRepository) AdvanceStatus(ctx context.Context, conversationID, messageID string, to domain.MessageStatus) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, ok := r.index[messageID]
	if !ok || msg.ConversationID != conversationID {
		return false, domain.ErrMessageNotFound
	}
	if msg.Status.Rank() >= to.Rank() {
		return false, nil
	}
	msg.Status = to
	return true, nil
}

func (r *MessageRepository) SetTranslation(ctx context.Context, conversationID, messageID, language, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, ok := r.index[messageID]
	if !ok || msg.ConversationID != conversationID {
		return domain.ErrMessageNotFound
	}
	if msg.Translations == nil {
		msg.Translations = make(map[string]string)
	}
	msg.Translations[language] = text
	return nil
}

// Count returns the number of stored messages in a conversation
func (r *MessageRepository) Count(conversationID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.logs[conversationID])
}

func cloneAll(in []*domain.Message) []*domain.Message {
	out := make([]*domain.Message, len(in))
	for i, m := range in {
		out[i] = m.Clone()
	}
	return out
}
