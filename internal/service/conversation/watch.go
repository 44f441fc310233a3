package conversation

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/domain"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/realtime"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/logger"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/metrics"
)

// ConversationWatch streams sorted snapshots of a participant's conversation list
type ConversationWatch struct {
	snapshots chan []*domain.Conversation
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// Snapshots yields the full list, most recent activity first, after every change.
// Only the newest snapshot is kept for a slow reader.
func (w *ConversationWatch) Snapshots() <-chan []*domain.Conversation {
	return w.snapshots
}

// Close stops the watch and waits for its goroutine to exit
func (w *ConversationWatch) Close() error {
	w.closeOnce.Do(w.cancel)
	<-w.done
	return nil
}

// WatchConversations emits the current list immediately and again whenever any of the
// participant's conversations changes.
func (s *Service) WatchConversations(ctx context.Context, participantID string) (*ConversationWatch, error) {
	watchCtx, cancel := context.WithCancel(ctx)
	live, err := s.bus.Subscribe(watchCtx, realtime.InboxTopic(participantID))
	if err != nil {
		cancel()
		return nil, err
	}

	w := &ConversationWatch{
		snapshots: make(chan []*domain.Conversation, 1),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	metrics.SubscriptionsActive.WithLabelValues("inbox").Inc()
	go func() {
		defer func() {
			_ = live.Close()
			close(w.snapshots)
			metrics.SubscriptionsActive.WithLabelValues("inbox").Dec()
			close(w.done)
		}()

		s.pushSnapshot(watchCtx, w, participantID)
		for {
			select {
			case <-watchCtx.Done():
				return
			case _, ok := <-live.Events():
				if !ok {
					return
				}
				s.pushSnapshot(watchCtx, w, participantID)
			}
		}
	}()
	return w, nil
}

func (s *Service) pushSnapshot(ctx context.Context, w *ConversationWatch, participantID string) {
	convs, err := s.ListConversations(ctx, participantID)
	if err != nil {
		if ctx.Err() == nil {
			logger.FromContext(ctx).Warn("Failed to refresh conversation list",
				zap.String("participant_id", participantID),
				zap.Error(err))
		}
		return
	}

	select {
	case w.snapshots <- convs:
		return
	default:
	}
	// Replace the unread snapshot with the newer one.
	select {
	case <-w.snapshots:
	default:
	}
	select {
	case w.snapshots <- convs:
	default:
	}
}
