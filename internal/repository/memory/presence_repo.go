package memory

import (
	"context"
	"sync"
	"time"

	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/domain"
)

// PresenceRepository tracks online participants
type PresenceRepository struct {
	mu     sync.RWMutex
	online map[string]bool
}

// NewPresenceRepository creates an empty repository
func NewPresenceRepository() *PresenceRepository {
	return &PresenceRepository{online: make(map[string]bool)}
}

func (r *PresenceRepository) SetOnline(ctx context.Context, participantID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.online[participantID] = true
	return nil
}

func (r *PresenceRepository) SetOffline(ctx context.Context, participantID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.online, participantID)
	return nil
}

func (r *PresenceRepository) IsOnline(ctx context.Context, participantID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.online[participantID], nil
}

// PushTokenRepository stores device tokens per participant
type PushTokenRepository struct {
	mu     sync.RWMutex
	tokens map[string]map[string]*domain.PushToken
}

// NewPushTokenRepository creates an empty repository
func NewPushTokenRepository() *PushTokenRepository {
	return &PushTokenRepository{tokens: make(map[string]map[string]*domain.PushToken)}
}

func (r *PushTokenRepository) Register(ctx context.Context, token *domain.PushToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.tokens[token.ParticipantID] == nil {
		r.tokens[token.ParticipantID] = make(map[string]*domain.PushToken)
	}
	stored := *token
	if stored.RegisteredAt.IsZero() {
		stored.RegisteredAt = time.Now()
	}
	r.tokens[token.ParticipantID][token.Token] = &stored
	return nil
}

func (r *PushTokenRepository) Remove(ctx context.Context, participantID, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tokens[participantID], token)
	return nil
}

func (r *PushTokenRepository) ListByParticipant(ctx context.Context, participantID string) ([]*domain.PushToken, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.PushToken, 0, len(r.tokens[participantID]))
	for _, t := range r.tokens[participantID] {
		copied := *t
		out = append(out, &copied)
	}
	return out, nil
}
