package memory

import (
	"context"
	"sync"

	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/domain"
)

// UnreadRepository keeps counters and read cursors per participant
type UnreadRepository struct {
	mu      sync.Mutex
	counts  map[string]domain.UnreadCounts
	cursors map[string]map[string]string
}

// NewUnreadRepository creates an empty repository
func NewUnreadRepository() *UnreadRepository {
	return &UnreadRepository{
		counts:  make(map[string]domain.UnreadCounts),
		cursors: make(map[string]map[string]string),
	}
}

func (r *UnreadRepository) Increment(ctx context.Context, conversationID string, participantIDs []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range participantIDs {
		if r.counts[p] == nil {
			r.counts[p] = make(domain.UnreadCounts)
		}
		r.counts[p][conversationID]++
	}
	return nil
}

func (r *UnreadRepository) Reset(ctx context.Context, participantID, conversationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.counts[participantID] == nil {
		r.counts[participantID] = make(domain.UnreadCounts)
	}
	r.counts[participantID][conversationID] = 0
	return nil
}

func (r *UnreadRepository) Counts(ctx context.Context, participantID string) (domain.UnreadCounts, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(domain.UnreadCounts, len(r.counts[participantID]))
	for k, v := range r.counts[participantID] {
		out[k] = v
	}
	return out, nil
}

func (r *UnreadRepository) AdvanceReadCursor(ctx context.Context, participantID, conversationID, messageID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cursors[participantID] == nil {
		r.cursors[participantID] = make(map[string]string)
	}
	if current := r.cursors[participantID][conversationID]; current >= messageID {
		return current, nil
	}
	r.cursors[participantID][conversationID] = messageID
	return messageID, nil
}

func (r *UnreadRepository) ReadCursor(ctx context.Context, participantID, conversationID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursors[participantID][conversationID], nil
}
