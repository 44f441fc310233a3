package conversation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/domain"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/realtime"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/repository/memory"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/constants"
	apperrors "github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/errors"
)

var (
	beneficiary = domain.Participant{ID: "ben-1", Name: "Amina", Role: domain.RoleBeneficiary, Language: "ha"}
	driver      = domain.Participant{ID: "drv-7", Name: "John", Role: domain.RoleDriver, Language: "en"}
	agent       = domain.Participant{ID: "agt-2", Name: "Grace", Role: domain.RoleSupportAgent, Language: "en"}
)

type fixture struct {
	svc      *Service
	convs    *memory.ConversationRepository
	messages *memory.MessageRepository
	bus      *realtime.MemoryBus
}

func newFixture() *fixture {
	f := &fixture{
		convs:    memory.NewConversationRepository(),
		messages: memory.NewMessageRepository(),
		bus:      realtime.NewMemoryBus(),
	}
	f.svc = NewService(f.convs, f.messages, f.bus, nil)
	return f
}

// recordingHook captures every MessageSent call
type recordingHook struct {
	mu   sync.Mutex
	sent []*domain.Message
}

func (h *recordingHook) MessageSent(ctx context.Context, conv *domain.Conversation, msg *domain.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, msg)
}

func (h *recordingHook) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sent)
}

func receive(t *testing.T, sub *Subscription, n int) []*domain.Message {
	t.Helper()
	var out []*domain.Message
	timeout := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case msg, ok := <-sub.Messages():
			require.True(t, ok, "subscription closed early")
			out = append(out, msg)
		case <-timeout:
			t.Fatalf("received %d of %d messages", len(out), n)
		}
	}
	return out
}

func TestGetOrCreateConversation_Symmetric(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	ab, err := f.svc.GetOrCreateConversation(ctx, beneficiary, driver)
	require.NoError(t, err)
	ba, err := f.svc.GetOrCreateConversation(ctx, driver, beneficiary)
	require.NoError(t, err)

	assert.Equal(t, ab.ID, ba.ID)
	assert.Equal(t, domain.DirectConversationID("drv-7", "ben-1"), ab.ID)
	assert.Equal(t, domain.ConversationDirect, ab.Type)
	assert.Equal(t, "Amina", ab.ParticipantInfo["ben-1"].Name)
	assert.Equal(t, domain.RoleDriver, ab.ParticipantInfo["drv-7"].Role)
}

func TestGetOrCreateConversation_ConcurrentFromBothSides(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 20)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := beneficiary, driver
			if i%2 == 1 {
				a, b = b, a
			}
			conv, err := f.svc.GetOrCreateConversation(ctx, a, b)
			assert.NoError(t, err)
			ids[i] = conv.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	convs, err := f.svc.ListConversations(ctx, "ben-1")
	require.NoError(t, err)
	assert.Len(t, convs, 1)
}

func TestGetOrCreateConversation_Validation(t *testing.T) {
	f := newFixture()
	_, err := f.svc.GetOrCreateConversation(context.Background(), beneficiary, beneficiary)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))

	_, err = f.svc.GetOrCreateConversation(context.Background(), domain.Participant{}, driver)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeMissingField))
}

func TestAppendMessage_Validation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	conv, err := f.svc.GetOrCreateConversation(ctx, beneficiary, driver)
	require.NoError(t, err)

	_, err = f.svc.AppendMessage(ctx, conv.ID, "ben-1", "   ", nil)
	assert.ErrorIs(t, err, domain.ErrEmptyMessage)

	_, err = f.svc.AppendMessage(ctx, conv.ID, "agt-2", "hello", nil)
	assert.ErrorIs(t, err, domain.ErrNotParticipant)

	_, err = f.svc.AppendMessage(ctx, "missing", "ben-1", "hello", nil)
	assert.ErrorIs(t, err, domain.ErrConversationNotFound)

	_, err = f.svc.CloseConversation(ctx, conv.ID, "drv-7")
	require.NoError(t, err)
	_, err = f.svc.AppendMessage(ctx, conv.ID, "ben-1", "hello", nil)
	assert.ErrorIs(t, err, domain.ErrConversationClosed)

	assert.Equal(t, 0, f.messages.Count(conv.ID))
}

func TestAppendMessage_UpdatesSummaryAndRunsHooks(t *testing.T) {
	f := newFixture()
	hook := &recordingHook{}
	f.svc.AddHook(hook)
	ctx := context.Background()

	conv, err := f.svc.GetOrCreateConversation(ctx, beneficiary, driver)
	require.NoError(t, err)

	first, err := f.svc.AppendMessage(ctx, conv.ID, "ben-1", "I need water", nil)
	require.NoError(t, err)
	second, err := f.svc.AppendMessage(ctx, conv.ID, "drv-7", "On my way", nil)
	require.NoError(t, err)

	assert.Less(t, first.ID, second.ID)
	assert.False(t, second.CreatedAt.Before(first.CreatedAt))
	assert.Equal(t, domain.StatusSent, second.Status)

	stored, err := f.convs.GetByID(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "On my way", stored.LastMessage)
	assert.Equal(t, second.ID, stored.LastMessageID)
	assert.Equal(t, "drv-7", stored.LastMessageSenderID)
	assert.Equal(t, 2, hook.count())
}

func TestAppendSystemMessage(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	conv, err := f.svc.GetOrCreateConversation(ctx, beneficiary, driver)
	require.NoError(t, err)

	msg, err := f.svc.AppendSystemMessage(ctx, conv.ID, domain.MessageCallStatus, domain.MissedCallText, "call-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SystemSenderID, msg.SenderID)
	assert.Equal(t, domain.MessageCallStatus, msg.Kind)
	assert.Equal(t, "call-1", msg.CallID)
}

func TestSubscribe_ConcurrentSendersSeenExactlyOnce(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	conv, err := f.svc.GetOrCreateConversation(ctx, beneficiary, driver)
	require.NoError(t, err)

	subA, err := f.svc.Subscribe(ctx, conv.ID, "ben-1", "")
	require.NoError(t, err)
	defer subA.Close()
	subB, err := f.svc.Subscribe(ctx, conv.ID, "drv-7", "")
	require.NoError(t, err)
	defer subB.Close()

	const perSender = 25
	var wg sync.WaitGroup
	for _, sender := range []string{"ben-1", "drv-7"} {
		wg.Add(1)
		go func(sender string) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				_, err := f.svc.AppendMessage(ctx, conv.ID, sender, fmt.Sprintf("%s-%d", sender, i), nil)
				assert.NoError(t, err)
			}
		}(sender)
	}
	wg.Wait()

	for _, sub := range []*Subscription{subA, subB} {
		got := receive(t, sub, 2*perSender)
		seen := map[string]bool{}
		for i, msg := range got {
			assert.False(t, seen[msg.ID], "duplicate %s", msg.ID)
			seen[msg.ID] = true
			if i > 0 {
				assert.Less(t, got[i-1].ID, msg.ID)
			}
		}
		assert.Len(t, seen, 2*perSender)
	}
	assert.Equal(t, 2*perSender, f.messages.Count(conv.ID))
}

// slowCreateRepo holds back Create for one message content until released
type slowCreateRepo struct {
	*memory.MessageRepository
	content string
	started chan struct{}
	release chan struct{}
}

func (r *slowCreateRepo) Create(ctx context.Context, msg *domain.Message) error {
	if msg.Content == r.content {
		close(r.started)
		<-r.release
	}
	return r.MessageRepository.Create(ctx, msg)
}

func TestSubscribe_SlowStoreDoesNotLoseMessage(t *testing.T) {
	f := newFixture()
	repo := &slowCreateRepo{
		MessageRepository: f.messages,
		content:           "slow",
		started:           make(chan struct{}),
		release:           make(chan struct{}),
	}
	f.svc = NewService(f.convs, repo, f.bus, nil)
	ctx := context.Background()
	conv, err := f.svc.GetOrCreateConversation(ctx, beneficiary, driver)
	require.NoError(t, err)

	sub, err := f.svc.Subscribe(ctx, conv.ID, "drv-7", "")
	require.NoError(t, err)
	defer sub.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := f.svc.AppendMessage(ctx, conv.ID, "ben-1", "slow", nil)
		assert.NoError(t, err)
	}()
	<-repo.started
	go func() {
		defer wg.Done()
		_, err := f.svc.AppendMessage(ctx, conv.ID, "ben-1", "fast", nil)
		assert.NoError(t, err)
	}()
	time.Sleep(20 * time.Millisecond)
	close(repo.release)
	wg.Wait()

	got := receive(t, sub, 2)
	assert.Equal(t, []string{"slow", "fast"}, []string{got[0].Content, got[1].Content})
	assert.Less(t, got[0].ID, got[1].ID)
	assert.Equal(t, 2, f.messages.Count(conv.ID))
	assert.Equal(t, got[1].ID, sub.Cursor())
}

func TestSubscribe_LateLowerIDDeliveredOnce(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	conv, err := f.svc.GetOrCreateConversation(ctx, beneficiary, driver)
	require.NoError(t, err)

	sub, err := f.svc.Subscribe(ctx, conv.ID, "drv-7", "")
	require.NoError(t, err)
	defer sub.Close()

	early, err := f.svc.AppendMessage(ctx, conv.ID, "ben-1", "now", nil)
	require.NoError(t, err)
	first := receive(t, sub, 1)
	require.Equal(t, early.ID, first[0].ID)

	// Another replica took an earlier ID but publishes after this one.
	late := &domain.Message{ID: "01J0000000000000000000000A", ConversationID: conv.ID, SenderID: "ben-1", Content: "late", Status: domain.StatusSent}
	require.Less(t, late.ID, early.ID)
	require.NoError(t, f.messages.Create(ctx, late))
	evt := realtime.Event{Type: realtime.EventMessageAppended, Message: late}
	require.NoError(t, f.bus.Publish(ctx, realtime.ConversationTopic(conv.ID), evt))
	require.NoError(t, f.bus.Publish(ctx, realtime.ConversationTopic(conv.ID), evt))

	second := receive(t, sub, 1)
	assert.Equal(t, late.ID, second[0].ID)
	assert.Equal(t, early.ID, sub.Cursor())

	select {
	case extra := <-sub.Messages():
		t.Fatalf("duplicate delivery %v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribe_FullUpdatesBufferDropsPatches(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	conv, err := f.svc.GetOrCreateConversation(ctx, beneficiary, driver)
	require.NoError(t, err)

	sub, err := f.svc.Subscribe(ctx, conv.ID, "drv-7", "")
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < 3*constants.SubscriptionBuffer; i++ {
		patch := &domain.MessagePatch{MessageID: fmt.Sprintf("m%d", i), ConversationID: conv.ID, Status: domain.StatusDelivered}
		require.NoError(t, f.bus.Publish(ctx, realtime.ConversationTopic(conv.ID), realtime.Event{Type: realtime.EventMessageUpdated, Patch: patch}))
	}

	// Messages still flow while nobody drains the patches.
	msg, err := f.svc.AppendMessage(ctx, conv.ID, "ben-1", "still here", nil)
	require.NoError(t, err)
	got := receive(t, sub, 1)
	assert.Equal(t, msg.ID, got[0].ID)
	assert.LessOrEqual(t, len(sub.Updates()), constants.SubscriptionBuffer)
}

func TestSubscribe_ResumesAfterCursor(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	conv, err := f.svc.GetOrCreateConversation(ctx, beneficiary, driver)
	require.NoError(t, err)

	var ids []string
	for i := 0; i < 5; i++ {
		msg, err := f.svc.AppendMessage(ctx, conv.ID, "ben-1", fmt.Sprintf("m%d", i), nil)
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}

	sub, err := f.svc.Subscribe(ctx, conv.ID, "drv-7", ids[2])
	require.NoError(t, err)
	defer sub.Close()

	live, err := f.svc.AppendMessage(ctx, conv.ID, "drv-7", "live", nil)
	require.NoError(t, err)

	got := receive(t, sub, 3)
	assert.Equal(t, []string{ids[3], ids[4], live.ID}, []string{got[0].ID, got[1].ID, got[2].ID})
	assert.Equal(t, live.ID, sub.Cursor())

	select {
	case extra := <-sub.Messages():
		t.Fatalf("unexpected extra message %v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribe_NonParticipantRejected(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	conv, err := f.svc.GetOrCreateConversation(ctx, beneficiary, driver)
	require.NoError(t, err)

	_, err = f.svc.Subscribe(ctx, conv.ID, "agt-2", "")
	assert.ErrorIs(t, err, domain.ErrNotParticipant)
}

func TestSubscribe_CloseReleasesBusSubscription(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	conv, err := f.svc.GetOrCreateConversation(ctx, beneficiary, driver)
	require.NoError(t, err)

	sub, err := f.svc.Subscribe(ctx, conv.ID, "ben-1", "")
	require.NoError(t, err)
	assert.Equal(t, 1, f.bus.SubscriberCount(realtime.ConversationTopic(conv.ID)))

	require.NoError(t, sub.Close())
	_, ok := <-sub.Messages()
	assert.False(t, ok)
	assert.Equal(t, 0, f.bus.SubscriberCount(realtime.ConversationTopic(conv.ID)))
}

func TestSubscribe_ContextCancelReleases(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	conv, err := f.svc.GetOrCreateConversation(ctx, beneficiary, driver)
	require.NoError(t, err)

	sub, err := f.svc.Subscribe(ctx, conv.ID, "ben-1", "")
	require.NoError(t, err)
	cancel()

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription not released on context cancel")
	}
}

// deliveryRecorder records ObserveDelivered calls
type deliveryRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (d *deliveryRecorder) ObserveDelivered(ctx context.Context, viewerID string, msg *domain.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, viewerID+":"+msg.ID)
}

func TestSubscribe_MarksOthersMessagesDelivered(t *testing.T) {
	f := newFixture()
	rec := &deliveryRecorder{}
	f.svc.SetDeliveryObserver(rec)
	ctx := context.Background()

	conv, err := f.svc.GetOrCreateConversation(ctx, beneficiary, driver)
	require.NoError(t, err)
	own, err := f.svc.AppendMessage(ctx, conv.ID, "drv-7", "mine", nil)
	require.NoError(t, err)
	theirs, err := f.svc.AppendMessage(ctx, conv.ID, "ben-1", "theirs", nil)
	require.NoError(t, err)

	sub, err := f.svc.Subscribe(ctx, conv.ID, "drv-7", "")
	require.NoError(t, err)
	receive(t, sub, 2)
	require.NoError(t, sub.Close())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{"drv-7:" + theirs.ID}, rec.calls)
	assert.NotContains(t, rec.calls, "drv-7:"+own.ID)
}

func TestWatchConversations_ResortsOnActivity(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	withDriver, err := f.svc.GetOrCreateConversation(ctx, beneficiary, driver)
	require.NoError(t, err)
	withAgent, err := f.svc.GetOrCreateConversation(ctx, beneficiary, agent)
	require.NoError(t, err)
	_, err = f.svc.AppendMessage(ctx, withAgent.ID, "agt-2", "hello", nil)
	require.NoError(t, err)

	w, err := f.svc.WatchConversations(ctx, "ben-1")
	require.NoError(t, err)
	defer w.Close()

	first := <-w.Snapshots()
	require.Len(t, first, 2)
	assert.Equal(t, withAgent.ID, first[0].ID)

	_, err = f.svc.AppendMessage(ctx, withDriver.ID, "drv-7", "arriving", nil)
	require.NoError(t, err)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap := <-w.Snapshots():
			if len(snap) == 2 && snap[0].ID == withDriver.ID {
				assert.Equal(t, "arriving", snap[0].LastMessage)
				return
			}
		case <-deadline:
			t.Fatal("no re-sorted snapshot")
		}
	}
}

func TestCreateGroup_NameTooLong(t *testing.T) {
	f := newFixture()
	_, err := f.svc.CreateGroup(context.Background(), agent, strings.Repeat("n", 121), []domain.Participant{driver})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))
}

func TestGroupLifecycle(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	group, err := f.svc.CreateGroup(ctx, agent, "Flood relief north", []domain.Participant{driver, agent})
	require.NoError(t, err)
	assert.Equal(t, domain.ConversationGroup, group.Type)
	assert.Equal(t, []string{"agt-2", "drv-7"}, group.Participants)

	joined, err := f.svc.JoinGroup(ctx, group.ID, beneficiary)
	require.NoError(t, err)
	assert.True(t, joined.HasParticipant("ben-1"))

	again, err := f.svc.JoinGroup(ctx, group.ID, beneficiary)
	require.NoError(t, err)
	assert.Len(t, again.Participants, 3)

	_, err = f.svc.CreateGroup(ctx, agent, "solo", nil)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))

	direct, err := f.svc.GetOrCreateConversation(ctx, beneficiary, driver)
	require.NoError(t, err)
	_, err = f.svc.JoinGroup(ctx, direct.ID, agent)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))
}

func TestHistory_PagesBackwards(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	conv, err := f.svc.GetOrCreateConversation(ctx, beneficiary, driver)
	require.NoError(t, err)

	var ids []string
	for i := 0; i < 7; i++ {
		msg, err := f.svc.AppendMessage(ctx, conv.ID, "ben-1", fmt.Sprintf("m%d", i), nil)
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}

	page, err := f.svc.History(ctx, conv.ID, "drv-7", "", 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, ids[4:], []string{page[0].ID, page[1].ID, page[2].ID})

	older, err := f.svc.History(ctx, conv.ID, "drv-7", page[0].ID, 3)
	require.NoError(t, err)
	assert.Equal(t, ids[1:4], []string{older[0].ID, older[1].ID, older[2].ID})

	_, err = f.svc.History(ctx, conv.ID, "agt-2", "", 3)
	assert.ErrorIs(t, err, domain.ErrNotParticipant)
}
