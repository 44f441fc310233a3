package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/domain"
)

// CallRepository keeps call sessions in a map. Every mutation happens under one lock,
// which makes Transition a true compare-and-set.
type CallRepository struct {
	mu    sync.Mutex
	calls map[string]*domain.CallSession
}

// NewCallRepository creates an empty repository
func NewCallRepository() *CallRepository {
	return &CallRepository{calls: make(map[string]*domain.CallSession)}
}

func (r *CallRepository) Create(ctx context.Context, call *domain.CallSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.openByChannel(call.ChannelID) != nil {
		return domain.ErrChannelBusy
	}
	r.calls[call.ID] = call.Clone()
	return nil
}

func (r *CallRepository) GetByID(ctx context.Context, callID string) (*domain.CallSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	call, ok := r.calls[callID]
	if !ok {
		return nil, domain.ErrCallNotFound
	}
	return call.Clone(), nil
}

func (r *CallRepository) GetOpenByChannel(ctx context.Context, channelID string) (*domain.CallSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if call := r.openByChannel(channelID); call != nil {
		return call.Clone(), nil
	}
	return nil, domain.ErrCallNotFound
}

func (r *CallRepository) Transition(ctx context.Context, tr domain.CallTransition) (*domain.CallSession, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	call, ok := r.calls[tr.CallID]
	if !ok {
		return nil, false, domain.ErrCallNotFound
	}
	applied := call.Apply(tr)
	return call.Clone(), applied, nil
}

func (r *CallRepository) ListRingingFor(ctx context.Context, participantID string) ([]*domain.CallSession, error) {
	return r.filter(ctx, 0, func(c *domain.CallSession) bool {
		return c.State == domain.CallRinging && c.HasParticipant(participantID) && c.CallerID != participantID
	})
}

func (r *CallRepository) ListStale(ctx context.Context, ringingBefore, activeBefore time.Time) ([]*domain.CallSession, error) {
	return r.filter(ctx, 0, func(c *domain.CallSession) bool {
		switch c.State {
		case domain.CallRinging:
			return c.StartedAt.Before(ringingBefore)
		case domain.CallActive:
			return c.AnsweredAt != nil && c.AnsweredAt.Before(activeBefore)
		}
		return false
	})
}

func (r *CallRepository) ListByParticipant(ctx context.Context, participantID string, limit int) ([]*domain.CallSession, error) {
	return r.filter(ctx, limit, func(c *domain.CallSession) bool {
		return c.HasParticipant(participantID)
	})
}

func (r *CallRepository) filter(ctx context.Context, limit int, keep func(*domain.CallSession) bool) ([]*domain.CallSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*domain.CallSession
	for _, c := range r.calls {
		if keep(c) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *CallRepository) openByChannel(channelID string) *domain.CallSession {
	for _, c := range r.calls {
		if c.ChannelID == channelID && !c.State.IsTerminal() {
			return c
		}
	}
	return nil
}
