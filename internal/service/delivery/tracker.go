// Package delivery moves messages through sent, delivered and read, and keeps
// per-participant unread counters.
package delivery

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/domain"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/realtime"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/repository"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/constants"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/logger"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/metrics"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/resilience"
)

// Tracker applies forward-only status transitions. Every transition is a
// compare-and-set in the store, so repeating one is harmless.
// Updates triggered by sends and live subscriptions run on a small worker pool.
type Tracker struct {
	conversations repository.ConversationRepository
	messages      repository.MessageRepository
	unread        repository.UnreadRepository
	bus           realtime.Bus
	policy        resilience.Policy

	jobs    chan func()
	mu      sync.Mutex
	closed  bool
	pending sync.WaitGroup
	workers sync.WaitGroup
}

// NewTracker creates a Tracker
func NewTracker(
	conversations repository.ConversationRepository,
	messages repository.MessageRepository,
	unread repository.UnreadRepository,
	bus realtime.Bus,
) *Tracker {
	t := &Tracker{
		conversations: conversations,
		messages:      messages,
		unread:        unread,
		bus:           bus,
		policy:        resilience.DefaultPolicy(),
		jobs:          make(chan func(), constants.DeliveryQueueSize),
	}
	for i := 0; i < constants.DeliveryWorkers; i++ {
		t.workers.Add(1)
		go t.work()
	}
	return t
}

func (t *Tracker) work() {
	defer t.workers.Done()
	for job := range t.jobs {
		job()
		t.pending.Done()
	}
}

// enqueue runs fn on a worker with a context detached from the caller's cancellation.
// It never blocks; a full or closed queue drops the job.
func (t *Tracker) enqueue(ctx context.Context, kind string, fn func(ctx context.Context)) {
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), constants.DefaultTimeout)
	job := func() {
		defer cancel()
		fn(jobCtx)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		cancel()
		return
	}
	t.pending.Add(1)
	select {
	case t.jobs <- job:
	default:
		t.pending.Done()
		cancel()
		metrics.DeliveryJobsDroppedTotal.WithLabelValues(kind).Inc()
		logger.FromContext(ctx).Warn("Delivery queue full, dropping update", zap.String("kind", kind))
	}
}

// Wait blocks until every queued update has been applied
func (t *Tracker) Wait() {
	t.pending.Wait()
}

// Close drains the queue and stops the workers. Later updates are dropped.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	close(t.jobs)
	t.mu.Unlock()
	t.workers.Wait()
}

// MessageSent queues an unread increment for every participant except the author.
// Call history does not count.
func (t *Tracker) MessageSent(ctx context.Context, conv *domain.Conversation, msg *domain.Message) {
	if msg.Kind != domain.MessageText {
		return
	}
	recipients := conv.Recipients(msg.SenderID)
	if len(recipients) == 0 {
		return
	}
	t.enqueue(ctx, "unread", func(ctx context.Context) {
		t.incrementUnread(ctx, conv.ID, msg.ID, recipients)
	})
}

// incrementUnread skips recipients whose read cursor already covers the message,
// so a read that lands before the queued increment is not undone.
func (t *Tracker) incrementUnread(ctx context.Context, conversationID, messageID string, recipients []string) {
	pending := make([]string, 0, len(recipients))
	for _, r := range recipients {
		cursor, err := t.unread.ReadCursor(ctx, r, conversationID)
		if err == nil && cursor != "" && cursor >= messageID {
			continue
		}
		pending = append(pending, r)
	}
	if len(pending) == 0 {
		return
	}

	err := resilience.Retry(ctx, t.policy, "unread.increment", func(ctx context.Context) error {
		return t.unread.Increment(ctx, conversationID, pending)
	})
	if err != nil {
		logger.FromContext(ctx).Warn("Failed to increment unread counters",
			zap.String("conversation_id", conversationID),
			zap.String("message_id", messageID),
			zap.Error(err))
	}
}

// ObserveDelivered queues MarkDelivered for a message a live subscriber received
func (t *Tracker) ObserveDelivered(ctx context.Context, viewerID string, msg *domain.Message) {
	if msg.SenderID == viewerID {
		return
	}
	t.enqueue(ctx, "delivered", func(ctx context.Context) {
		if err := t.MarkDelivered(ctx, viewerID, msg); err != nil {
			logger.FromContext(ctx).Warn("Failed to mark message delivered",
				zap.String("message_id", msg.ID),
				zap.String("viewer_id", viewerID),
				zap.Error(err))
		}
	})
}

// MarkDelivered moves msg to delivered when viewerID is one of its recipients.
// Authors never mark their own messages.
func (t *Tracker) MarkDelivered(ctx context.Context, viewerID string, msg *domain.Message) error {
	if msg.SenderID == viewerID {
		return nil
	}
	_, err := t.advance(ctx, msg.ConversationID, msg.ID, domain.StatusDelivered)
	return err
}

// MarkRead marks every message from others up to and including upToMessageID as read,
// stores the viewer's read cursor and resets the viewer's unread counter.
// An empty upToMessageID means the newest message.
func (t *Tracker) MarkRead(ctx context.Context, viewerID, conversationID, upToMessageID string) error {
	conv, err := t.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(viewerID) {
		return domain.ErrNotParticipant
	}
	if upToMessageID == "" {
		upToMessageID = conv.LastMessageID
	}
	if upToMessageID == "" {
		return t.reset(ctx, viewerID, conversationID)
	}

	previous, err := t.unread.ReadCursor(ctx, viewerID, conversationID)
	if err != nil {
		return fmt.Errorf("failed to read cursor: %w", err)
	}

	cursor := previous
	for {
		page, err := t.messages.ListAfter(ctx, conversationID, cursor, constants.MaxPageSize)
		if err != nil {
			return fmt.Errorf("failed to list unread messages: %w", err)
		}
		for _, msg := range page {
			if msg.ID > upToMessageID {
				return t.finishRead(ctx, viewerID, conversationID, upToMessageID)
			}
			cursor = msg.ID
			if msg.SenderID == viewerID || msg.Status == domain.StatusRead {
				continue
			}
			if _, err := t.advance(ctx, conversationID, msg.ID, domain.StatusRead); err != nil {
				return err
			}
		}
		if len(page) < constants.MaxPageSize {
			return t.finishRead(ctx, viewerID, conversationID, upToMessageID)
		}
	}
}

func (t *Tracker) finishRead(ctx context.Context, viewerID, conversationID, upTo string) error {
	err := resilience.Retry(ctx, t.policy, "read_cursor.advance", func(ctx context.Context) error {
		_, err := t.unread.AdvanceReadCursor(ctx, viewerID, conversationID, upTo)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to store read cursor: %w", err)
	}
	return t.reset(ctx, viewerID, conversationID)
}

func (t *Tracker) reset(ctx context.Context, viewerID, conversationID string) error {
	err := resilience.Retry(ctx, t.policy, "unread.reset", func(ctx context.Context) error {
		return t.unread.Reset(ctx, viewerID, conversationID)
	})
	if err != nil {
		return fmt.Errorf("failed to reset unread counter: %w", err)
	}
	metrics.UnreadResetsTotal.Inc()

	// The summary did not move, but the viewer's unread badge did.
	conv, err := t.conversations.GetByID(ctx, conversationID)
	if err == nil {
		evt := realtime.Event{Type: realtime.EventConversationUpdated, Conversation: conv}
		if err := t.bus.Publish(ctx, realtime.InboxTopic(viewerID), evt); err != nil {
			logger.FromContext(ctx).Warn("Failed to publish unread reset", zap.Error(err))
		}
	}
	return nil
}

// Unread returns the viewer's counters keyed by conversation
func (t *Tracker) Unread(ctx context.Context, viewerID string) (domain.UnreadCounts, error) {
	return t.unread.Counts(ctx, viewerID)
}

// UnreadFor returns conversations decorated with the viewer's counters
func (t *Tracker) UnreadFor(ctx context.Context, viewerID string, convs []*domain.Conversation) ([]domain.ConversationWithUnread, error) {
	counts, err := t.unread.Counts(ctx, viewerID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ConversationWithUnread, 0, len(convs))
	for _, c := range convs {
		out = append(out, domain.ConversationWithUnread{Conversation: c, UnreadCount: counts[c.ID]})
	}
	return out, nil
}

// advance applies one transition and publishes it when this call won
func (t *Tracker) advance(ctx context.Context, conversationID, messageID string, to domain.MessageStatus) (bool, error) {
	var applied bool
	err := resilience.Retry(ctx, t.policy, "message.status", func(ctx context.Context) error {
		var err error
		applied, err = t.messages.AdvanceStatus(ctx, conversationID, messageID, to)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to advance message status: %w", err)
	}
	if !applied {
		return false, nil
	}

	metrics.MessageStatusTransitionsTotal.WithLabelValues(string(to)).Inc()
	patch := &domain.MessagePatch{MessageID: messageID, ConversationID: conversationID, Status: to}
	evt := realtime.Event{Type: realtime.EventMessageUpdated, Patch: patch}
	if err := t.bus.Publish(ctx, realtime.ConversationTopic(conversationID), evt); err != nil {
		logger.FromContext(ctx).Warn("Failed to publish status change",
			zap.String("message_id", messageID),
			zap.String("status", string(to)),
			zap.Error(err))
	}
	return true, nil
}
