package conversation

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/domain"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/realtime"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/constants"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/logger"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/metrics"
)

// Subscription is a live, ordered view of one conversation's messages
type Subscription struct {
	conversationID string
	viewerID       string

	messages chan *domain.Message
	updates  chan *domain.MessagePatch

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	// resumeID is the cursor the subscription started from; nothing at or before it is emitted
	resumeID string
	// seen holds the most recently emitted IDs, oldest first in seenOrder.
	// Only the subscription goroutine touches them.
	seen      map[string]struct{}
	seenOrder []string
	seenFloor string

	mu     sync.Mutex
	lastID string
	err    error
}

// Messages streams every message after the resume cursor exactly once, in ID order.
// A message stored late by another replica still arrives once, after the ones
// already emitted. It is closed when the subscription ends.
func (s *Subscription) Messages() <-chan *domain.Message {
	return s.messages
}

// Updates streams status and translation changes. A reader that falls behind
// loses the oldest patches; the message itself can be refetched.
func (s *Subscription) Updates() <-chan *domain.MessagePatch {
	return s.updates
}

// Cursor returns the highest emitted message ID
func (s *Subscription) Cursor() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastID
}

// Err returns the error that ended the subscription, if any
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed once the subscription has released its resources
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close stops the subscription and waits for its goroutine to exit
func (s *Subscription) Close() error {
	s.closeOnce.Do(s.cancel)
	<-s.done
	return nil
}

// Subscribe opens a live view of a conversation for viewerID, resuming after sinceCursor.
// The bus subscription goes live before the backlog is replayed, so a message appended
// during the replay is either replayed or forwarded live, and duplicates are dropped by ID.
func (s *Service) Subscribe(ctx context.Context, conversationID, viewerID, sinceCursor string) (*Subscription, error) {
	if _, err := s.GetConversation(ctx, conversationID, viewerID); err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	live, err := s.bus.Subscribe(subCtx, realtime.ConversationTopic(conversationID))
	if err != nil {
		cancel()
		return nil, err
	}

	sub := &Subscription{
		conversationID: conversationID,
		viewerID:       viewerID,
		messages:       make(chan *domain.Message, constants.SubscriptionBuffer),
		updates:        make(chan *domain.MessagePatch, constants.SubscriptionBuffer),
		cancel:         cancel,
		done:           make(chan struct{}),
		resumeID:       sinceCursor,
		seen:           make(map[string]struct{}),
		lastID:         sinceCursor,
	}

	metrics.SubscriptionsActive.WithLabelValues("conversation").Inc()
	go s.runSubscription(subCtx, sub, live)
	return sub, nil
}

func (s *Service) runSubscription(ctx context.Context, sub *Subscription, live realtime.Subscription) {
	defer func() {
		_ = live.Close()
		close(sub.messages)
		close(sub.updates)
		metrics.SubscriptionsActive.WithLabelValues("conversation").Dec()
		close(sub.done)
	}()

	if err := s.replay(ctx, sub); err != nil {
		if ctx.Err() == nil {
			logger.FromContext(ctx).Warn("Subscription replay failed",
				zap.String("conversation_id", sub.conversationID),
				zap.Error(err))
			sub.setErr(err)
		}
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-live.Events():
			if !ok {
				return
			}
			switch evt.Type {
			case realtime.EventMessageAppended:
				if evt.Message == nil {
					continue
				}
				if !s.emit(ctx, sub, evt.Message) {
					return
				}
			case realtime.EventMessageUpdated:
				if evt.Patch == nil {
					continue
				}
				patch := *evt.Patch
				select {
				case sub.updates <- &patch:
				default:
					metrics.BusDroppedTotal.WithLabelValues("conversation").Inc()
				}
			}
		}
	}
}

// replay pages through the backlog after the cursor
func (s *Service) replay(ctx context.Context, sub *Subscription) error {
	for {
		page, err := s.messages.ListAfter(ctx, sub.conversationID, sub.Cursor(), constants.MaxPageSize)
		if err != nil {
			return err
		}
		for _, msg := range page {
			if !s.emit(ctx, sub, msg) {
				return ctx.Err()
			}
		}
		if len(page) < constants.MaxPageSize {
			return nil
		}
	}
}

// emit sends msg unless it is at or before the resume cursor or was already sent.
// It reports false when the subscription is ending.
func (s *Service) emit(ctx context.Context, sub *Subscription, msg *domain.Message) bool {
	if !sub.admit(msg.ID) {
		return true
	}

	out := msg.Clone()
	select {
	case sub.messages <- out:
	case <-ctx.Done():
		return false
	}
	sub.record(msg.ID)

	if s.observer != nil && msg.SenderID != sub.viewerID && msg.Status == domain.StatusSent {
		s.observer.ObserveDelivered(ctx, sub.viewerID, msg)
	}
	return true
}

func (s *Subscription) admit(id string) bool {
	if s.resumeID != "" && id <= s.resumeID {
		return false
	}
	if s.seenFloor != "" && id <= s.seenFloor {
		return false
	}
	_, dup := s.seen[id]
	return !dup
}

// record remembers id as emitted. Once the window is full the oldest entry is
// forgotten and becomes the floor below which nothing is emitted again.
func (s *Subscription) record(id string) {
	s.seen[id] = struct{}{}
	s.seenOrder = append(s.seenOrder, id)
	if len(s.seenOrder) > constants.SubscriptionSeenWindow {
		oldest := s.seenOrder[0]
		s.seenOrder = s.seenOrder[1:]
		delete(s.seen, oldest)
		if oldest > s.seenFloor {
			s.seenFloor = oldest
		}
	}

	s.mu.Lock()
	if id > s.lastID {
		s.lastID = id
	}
	s.mu.Unlock()
}

func (s *Subscription) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}
