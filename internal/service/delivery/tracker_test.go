package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/domain"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/realtime"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/repository/memory"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/service/conversation"
)

var (
	alice = domain.Participant{ID: "a", Name: "Alice", Role: domain.RoleSupportAgent}
	bob   = domain.Participant{ID: "b", Name: "Bob", Role: domain.RoleBeneficiary}
	carol = domain.Participant{ID: "c", Name: "Carol", Role: domain.RoleDriver}
)

type fixture struct {
	conversations *conversation.Service
	tracker       *Tracker
	messages      *memory.MessageRepository
	unread        *memory.UnreadRepository
}

func newFixture() *fixture {
	convs := memory.NewConversationRepository()
	messages := memory.NewMessageRepository()
	unread := memory.NewUnreadRepository()
	bus := realtime.NewMemoryBus()

	svc := conversation.NewService(convs, messages, bus, nil)
	tracker := NewTracker(convs, messages, unread, bus)
	svc.AddHook(tracker)
	svc.SetDeliveryObserver(tracker)

	return &fixture{conversations: svc, tracker: tracker, messages: messages, unread: unread}
}

func (f *fixture) status(t *testing.T, convID, msgID string) domain.MessageStatus {
	t.Helper()
	msg, err := f.messages.GetByID(context.Background(), convID, msgID)
	require.NoError(t, err)
	return msg.Status
}

func TestHelloScenario(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	// T0: A sends "Hello" to B.
	conv, err := f.conversations.GetOrCreateConversation(ctx, alice, bob)
	require.NoError(t, err)
	hello, err := f.conversations.AppendMessage(ctx, conv.ID, "a", "Hello", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSent, f.status(t, conv.ID, hello.ID))

	f.tracker.Wait()
	counts, err := f.tracker.Unread(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[conv.ID])

	// T1: B's client observes it.
	sub, err := f.conversations.Subscribe(ctx, conv.ID, "b", "")
	require.NoError(t, err)
	select {
	case msg := <-sub.Messages():
		assert.Equal(t, hello.ID, msg.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("B never observed the message")
	}
	select {
	case patch := <-sub.Updates():
		assert.Equal(t, domain.StatusDelivered, patch.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("no delivered patch")
	}
	require.NoError(t, sub.Close())
	assert.Equal(t, domain.StatusDelivered, f.status(t, conv.ID, hello.ID))

	// T2: B opens the conversation.
	require.NoError(t, f.tracker.MarkRead(ctx, "b", conv.ID, ""))
	assert.Equal(t, domain.StatusRead, f.status(t, conv.ID, hello.ID))

	counts, err = f.tracker.Unread(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts[conv.ID])

	cursor, err := f.unread.ReadCursor(ctx, "b", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, hello.ID, cursor)
}

func TestMarkDelivered_Idempotent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	conv, err := f.conversations.GetOrCreateConversation(ctx, alice, bob)
	require.NoError(t, err)
	msg, err := f.conversations.AppendMessage(ctx, conv.ID, "a", "Hello", nil)
	require.NoError(t, err)

	require.NoError(t, f.tracker.MarkDelivered(ctx, "b", msg))
	require.NoError(t, f.tracker.MarkDelivered(ctx, "b", msg))
	assert.Equal(t, domain.StatusDelivered, f.status(t, conv.ID, msg.ID))
}

func TestMarkDelivered_NeverRegressesRead(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	conv, err := f.conversations.GetOrCreateConversation(ctx, alice, bob)
	require.NoError(t, err)
	msg, err := f.conversations.AppendMessage(ctx, conv.ID, "a", "Hello", nil)
	require.NoError(t, err)

	require.NoError(t, f.tracker.MarkRead(ctx, "b", conv.ID, msg.ID))
	require.NoError(t, f.tracker.MarkDelivered(ctx, "b", msg))
	assert.Equal(t, domain.StatusRead, f.status(t, conv.ID, msg.ID))
}

func TestMarkDelivered_AuthorIgnored(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	conv, err := f.conversations.GetOrCreateConversation(ctx, alice, bob)
	require.NoError(t, err)
	msg, err := f.conversations.AppendMessage(ctx, conv.ID, "a", "Hello", nil)
	require.NoError(t, err)

	require.NoError(t, f.tracker.MarkDelivered(ctx, "a", msg))
	assert.Equal(t, domain.StatusSent, f.status(t, conv.ID, msg.ID))
}

func TestMarkRead_StopsAtCursorAndSkipsOwnMessages(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	conv, err := f.conversations.GetOrCreateConversation(ctx, alice, bob)
	require.NoError(t, err)

	first, err := f.conversations.AppendMessage(ctx, conv.ID, "a", "one", nil)
	require.NoError(t, err)
	own, err := f.conversations.AppendMessage(ctx, conv.ID, "b", "reply", nil)
	require.NoError(t, err)
	later, err := f.conversations.AppendMessage(ctx, conv.ID, "a", "two", nil)
	require.NoError(t, err)

	require.NoError(t, f.tracker.MarkRead(ctx, "b", conv.ID, own.ID))
	assert.Equal(t, domain.StatusRead, f.status(t, conv.ID, first.ID))
	assert.Equal(t, domain.StatusSent, f.status(t, conv.ID, own.ID))
	assert.Equal(t, domain.StatusSent, f.status(t, conv.ID, later.ID))

	// An older cursor never moves the stored one back.
	require.NoError(t, f.tracker.MarkRead(ctx, "b", conv.ID, later.ID))
	require.NoError(t, f.tracker.MarkRead(ctx, "b", conv.ID, first.ID))
	cursor, err := f.unread.ReadCursor(ctx, "b", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, later.ID, cursor)
	assert.Equal(t, domain.StatusRead, f.status(t, conv.ID, later.ID))
}

func TestMarkRead_NonParticipant(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	conv, err := f.conversations.GetOrCreateConversation(ctx, alice, bob)
	require.NoError(t, err)

	err = f.tracker.MarkRead(ctx, "c", conv.ID, "")
	assert.ErrorIs(t, err, domain.ErrNotParticipant)
}

func TestUnread_GroupCountsEveryRecipient(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	group, err := f.conversations.CreateGroup(ctx, alice, "Convoy 3", []domain.Participant{bob, carol})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := f.conversations.AppendMessage(ctx, group.ID, "a", "update", nil)
		require.NoError(t, err)
	}
	_, err = f.conversations.AppendSystemMessage(ctx, group.ID, domain.MessageCallStatus, domain.CallStartedText, "call-1")
	require.NoError(t, err)
	f.tracker.Wait()

	for _, p := range []string{"b", "c"} {
		counts, err := f.tracker.Unread(ctx, p)
		require.NoError(t, err)
		assert.Equal(t, int64(3), counts[group.ID], p)
	}
	counts, err := f.tracker.Unread(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts[group.ID])

	require.NoError(t, f.tracker.MarkRead(ctx, "b", group.ID, ""))
	counts, err = f.tracker.Unread(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts[group.ID])
	counts, err = f.tracker.Unread(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts[group.ID])
}

func TestMessageSent_ReadBeforeIncrementIsKept(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	conv, err := f.conversations.GetOrCreateConversation(ctx, alice, bob)
	require.NoError(t, err)
	msg, err := f.conversations.AppendMessage(ctx, conv.ID, "a", "Hello", nil)
	require.NoError(t, err)
	f.tracker.Wait()

	require.NoError(t, f.tracker.MarkRead(ctx, "b", conv.ID, msg.ID))

	// A retried or slow increment for the same message arrives after the read.
	f.tracker.incrementUnread(ctx, conv.ID, msg.ID, []string{"b"})
	counts, err := f.tracker.Unread(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts[conv.ID])
}

func TestObserveDelivered_RunsOffTheCaller(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	conv, err := f.conversations.GetOrCreateConversation(ctx, alice, bob)
	require.NoError(t, err)
	msg, err := f.conversations.AppendMessage(ctx, conv.ID, "a", "Hello", nil)
	require.NoError(t, err)

	// The subscriber's context may already be gone when the update runs.
	f.tracker.ObserveDelivered(ctx, "b", msg)
	cancel()
	f.tracker.Wait()
	assert.Equal(t, domain.StatusDelivered, f.status(t, conv.ID, msg.ID))

	f.tracker.ObserveDelivered(context.Background(), "a", msg)
	f.tracker.Wait()
	assert.Equal(t, domain.StatusDelivered, f.status(t, conv.ID, msg.ID))
}

func TestClose_LaterUpdatesDropped(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	conv, err := f.conversations.GetOrCreateConversation(ctx, alice, bob)
	require.NoError(t, err)

	f.tracker.Close()
	f.tracker.Close()
	_, err = f.conversations.AppendMessage(ctx, conv.ID, "a", "after close", nil)
	require.NoError(t, err)
	f.tracker.Wait()

	counts, err := f.tracker.Unread(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts[conv.ID])
}
