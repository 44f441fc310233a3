package call

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/domain"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/realtime"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/repository"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/repository/memory"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/service/conversation"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/config"
	apperrors "github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/errors"
)

var (
	beneficiary = domain.Participant{ID: "ben-1", Name: "Amina", Role: domain.RoleBeneficiary, Language: "ha"}
	driver      = domain.Participant{ID: "drv-7", Name: "John", Role: domain.RoleDriver, Language: "en"}
)

// fakeMedia pairs up connections that join the same channel
type fakeMedia struct {
	mu      sync.Mutex
	joinErr error
	conns   map[string][]*fakeConn
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{conns: make(map[string][]*fakeConn)}
}

func (m *fakeMedia) Join(ctx context.Context, channelID, identity string, creds *Credentials) (MediaConn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.joinErr != nil {
		return nil, m.joinErr
	}
	c := &fakeConn{
		identity: identity,
		peer:     make(chan struct{}),
		failed:   make(chan error, 1),
	}
	for _, other := range m.conns[channelID] {
		if other.identity != identity && !other.hasLeft() {
			other.peerJoined()
			c.peerJoined()
		}
	}
	m.conns[channelID] = append(m.conns[channelID], c)
	return c, nil
}

func (m *fakeMedia) setJoinErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.joinErr = err
}

func (m *fakeMedia) conn(channelID, identity string) *fakeConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conns[channelID] {
		if c.identity == identity {
			return c
		}
	}
	return nil
}

type fakeConn struct {
	identity string
	peer     chan struct{}
	peerOnce sync.Once
	failed   chan error

	mu   sync.Mutex
	left bool
}

func (c *fakeConn) PeerJoined() <-chan struct{} { return c.peer }
func (c *fakeConn) Failed() <-chan error        { return c.failed }

func (c *fakeConn) Leave(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.left = true
	return nil
}

func (c *fakeConn) peerJoined() {
	c.peerOnce.Do(func() { close(c.peer) })
}

func (c *fakeConn) fail(err error) {
	c.failed <- err
}

func (c *fakeConn) hasLeft() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.left
}

type fakeTokens struct{}

func (fakeTokens) Issue(ctx context.Context, channelID, identity string) (*Credentials, error) {
	return &Credentials{
		URL:       "wss://media.test",
		Token:     "token-" + identity,
		Identity:  identity,
		ChannelID: channelID,
		ExpiresAt: time.Now().Add(10 * time.Minute),
	}, nil
}

// flakyCalls fails the next n transitions with a transient error
type flakyCalls struct {
	*memory.CallRepository
	failures atomic.Int32
}

func (r *flakyCalls) Transition(ctx context.Context, tr domain.CallTransition) (*domain.CallSession, bool, error) {
	if r.failures.Add(-1) >= 0 {
		return nil, false, apperrors.TransientError(errors.New("write conflict"))
	}
	return r.CallRepository.Transition(ctx, tr)
}

type fixture struct {
	calls    *memory.CallRepository
	messages *memory.MessageRepository
	bus      *realtime.MemoryBus
	convs    *conversation.Service
	media    *fakeMedia
}

func newFixture() *fixture {
	f := &fixture{
		calls:    memory.NewCallRepository(),
		messages: memory.NewMessageRepository(),
		bus:      realtime.NewMemoryBus(),
		media:    newFakeMedia(),
	}
	f.convs = conversation.NewService(memory.NewConversationRepository(), f.messages, f.bus, nil)
	return f
}

func testConfig(ringTimeout time.Duration) config.CallConfig {
	return config.CallConfig{
		RingTimeout:     ringTimeout,
		ReaperInterval:  time.Hour,
		MaxCallDuration: time.Hour,
		WriteAttempts:   3,
		WriteBackoff:    time.Millisecond,
	}
}

func (f *fixture) engine(t *testing.T, cfg config.CallConfig) *Engine {
	return f.engineWith(t, f.calls, cfg)
}

func (f *fixture) engineWith(t *testing.T, calls repository.CallRepository, cfg config.CallConfig) *Engine {
	t.Helper()
	e := NewEngine(calls, f.bus, f.media, fakeTokens{}, f.convs, cfg)
	t.Cleanup(e.Close)
	return e
}

func (f *fixture) conversation(t *testing.T) *domain.Conversation {
	t.Helper()
	conv, err := f.convs.GetOrCreateConversation(context.Background(), beneficiary, driver)
	require.NoError(t, err)
	return conv
}

func (f *fixture) historyTexts(t *testing.T, conversationID string) []string {
	t.Helper()
	msgs, err := f.messages.ListAfter(context.Background(), conversationID, "", 100)
	require.NoError(t, err)
	var out []string
	for _, m := range msgs {
		if m.Kind == domain.MessageCallStatus {
			out = append(out, m.Content)
		}
	}
	return out
}

func waitEvent(t *testing.T, h *Handle, want EventType) Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case evt, ok := <-h.Events():
			require.True(t, ok, "handle closed before %s", want)
			if evt.Type == want {
				return evt
			}
		case <-timeout:
			t.Fatalf("no %s event", want)
		}
	}
}

func waitIncoming(t *testing.T, w *IncomingWatch, want domain.CallState) *domain.CallSession {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case call, ok := <-w.Calls():
			require.True(t, ok, "watch closed before %s", want)
			if call.State == want {
				return call
			}
		case <-timeout:
			t.Fatalf("no incoming %s call", want)
		}
	}
}

func waitDone(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("handle did not tear down")
	}
}

func pairInput() StartCallInput {
	return StartCallInput{CalleeIDs: []string{driver.ID}, Kind: domain.CallVoice}
}

func TestStartCall_RingsCallee(t *testing.T) {
	f := newFixture()
	e := f.engine(t, testConfig(time.Minute))
	ctx := context.Background()
	conv := f.conversation(t)

	watch, err := e.WatchIncoming(ctx, driver.ID)
	require.NoError(t, err)
	defer watch.Close()

	h, err := e.StartCall(ctx, beneficiary.ID, pairInput())
	require.NoError(t, err)

	evt := waitEvent(t, h, EventRinging)
	assert.Equal(t, domain.CallRinging, evt.Call.State)

	call := h.Call()
	assert.Equal(t, domain.ChannelIDForPair(driver.ID, beneficiary.ID), call.ChannelID)
	assert.Equal(t, conv.ID, call.ConversationID)
	assert.Equal(t, "token-"+beneficiary.ID, h.Credentials().Token)

	incoming := waitIncoming(t, watch, domain.CallRinging)
	assert.Equal(t, call.ID, incoming.ID)
	assert.Equal(t, beneficiary.ID, incoming.CallerID)
}

func TestStartCall_Validation(t *testing.T) {
	f := newFixture()
	e := f.engine(t, testConfig(time.Minute))
	ctx := context.Background()

	_, err := e.StartCall(ctx, beneficiary.ID, StartCallInput{})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeMissingField))

	_, err = e.StartCall(ctx, beneficiary.ID, StartCallInput{CalleeIDs: []string{beneficiary.ID}})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeMissingField))

	_, err = e.StartCall(ctx, beneficiary.ID, StartCallInput{CalleeIDs: []string{driver.ID, "agt-2"}})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))

	_, err = e.StartCall(ctx, beneficiary.ID, StartCallInput{CalleeIDs: []string{driver.ID}, Kind: "hologram"})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))
}

func TestAccept_ConnectsBothSidesAndHangupReachesPeer(t *testing.T) {
	f := newFixture()
	e := f.engine(t, testConfig(time.Minute))
	ctx := context.Background()
	conv := f.conversation(t)

	caller, err := e.StartCall(ctx, beneficiary.ID, pairInput())
	require.NoError(t, err)
	callID := caller.Call().ID

	callee, err := e.Accept(ctx, callID, driver.ID)
	require.NoError(t, err)

	waitEvent(t, callee, EventConnected)
	waitEvent(t, caller, EventConnected)

	stored, err := e.GetCall(ctx, callID, beneficiary.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallActive, stored.State)
	assert.NotNil(t, stored.AnsweredAt)

	require.NoError(t, callee.Hangup(ctx))

	evt := waitEvent(t, caller, EventEnded)
	assert.Equal(t, domain.EndReasonHangup, evt.Call.EndReason)
	assert.Equal(t, driver.ID, evt.Call.EndedBy)

	waitDone(t, caller)
	waitDone(t, callee)
	assert.True(t, f.media.conn(stored.ChannelID, beneficiary.ID).hasLeft())
	assert.True(t, f.media.conn(stored.ChannelID, driver.ID).hasLeft())
	assert.GreaterOrEqual(t, caller.Duration(), time.Duration(0))

	e.Wait()
	texts := f.historyTexts(t, conv.ID)
	require.Len(t, texts, 2)
	assert.Equal(t, domain.CallStartedText, texts[0])
	assert.True(t, strings.HasPrefix(texts[1], "call ended ("), texts[1])
}

func TestAccept_Rejections(t *testing.T) {
	f := newFixture()
	e := f.engine(t, testConfig(time.Minute))
	ctx := context.Background()

	caller, err := e.StartCall(ctx, beneficiary.ID, pairInput())
	require.NoError(t, err)
	callID := caller.Call().ID

	_, err = e.Accept(ctx, callID, beneficiary.ID)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidTransition))

	_, err = e.Accept(ctx, callID, "agt-2")
	assert.ErrorIs(t, err, domain.ErrNotParticipant)

	require.NoError(t, caller.Hangup(ctx))
	_, err = e.Accept(ctx, callID, driver.ID)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidTransition))
}

func TestDecline_EndsCallForCaller(t *testing.T) {
	f := newFixture()
	e := f.engine(t, testConfig(time.Minute))
	ctx := context.Background()
	conv := f.conversation(t)

	caller, err := e.StartCall(ctx, beneficiary.ID, pairInput())
	require.NoError(t, err)
	callID := caller.Call().ID

	_, err = e.Decline(ctx, callID, "agt-2")
	assert.ErrorIs(t, err, domain.ErrNotParticipant)

	call, err := e.Decline(ctx, callID, driver.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallEnded, call.State)
	assert.Equal(t, domain.EndReasonDeclined, call.EndReason)
	assert.Zero(t, call.DurationSeconds)

	evt := waitEvent(t, caller, EventEnded)
	assert.Equal(t, domain.EndReasonDeclined, evt.Call.EndReason)
	waitDone(t, caller)
	assert.Zero(t, caller.Duration())

	// Declining again is a no-op.
	again, err := e.Decline(ctx, callID, driver.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EndReasonDeclined, again.EndReason)

	e.Wait()
	assert.Equal(t, []string{domain.CallDeclinedText}, f.historyTexts(t, conv.ID))
}

func TestRingTimeout_MissedRecordedOnceWhenBothSidesExpire(t *testing.T) {
	f := newFixture()
	cfg := testConfig(100 * time.Millisecond)
	callerSide := f.engine(t, cfg)
	calleeSide := f.engine(t, cfg)
	ctx := context.Background()
	conv := f.conversation(t)

	watch, err := calleeSide.WatchIncoming(ctx, driver.ID)
	require.NoError(t, err)
	defer watch.Close()

	h, err := callerSide.StartCall(ctx, beneficiary.ID, pairInput())
	require.NoError(t, err)
	callID := h.Call().ID

	waitIncoming(t, watch, domain.CallRinging)
	evt := waitEvent(t, h, EventMissed)
	assert.Equal(t, callID, evt.Call.ID)
	missed := waitIncoming(t, watch, domain.CallMissed)
	assert.Equal(t, callID, missed.ID)
	waitDone(t, h)

	callerSide.Wait()
	calleeSide.Wait()

	stored, err := f.calls.GetByID(ctx, callID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallMissed, stored.State)
	assert.Equal(t, domain.EndReasonTimeout, stored.EndReason)
	assert.Equal(t, []string{domain.MissedCallText}, f.historyTexts(t, conv.ID))
}

func TestRingTimeout_CalleeAloneExpiresCall(t *testing.T) {
	f := newFixture()
	cfg := testConfig(100 * time.Millisecond)
	callerSide := NewEngine(f.calls, f.bus, f.media, fakeTokens{}, f.convs, cfg)
	calleeSide := f.engine(t, cfg)
	ctx := context.Background()
	conv := f.conversation(t)

	watch, err := calleeSide.WatchIncoming(ctx, driver.ID)
	require.NoError(t, err)
	defer watch.Close()

	h, err := callerSide.StartCall(ctx, beneficiary.ID, pairInput())
	require.NoError(t, err)
	callID := h.Call().ID

	// The caller disappears without writing anything.
	callerSide.Close()
	waitDone(t, h)

	missed := waitIncoming(t, watch, domain.CallMissed)
	assert.Equal(t, callID, missed.ID)

	calleeSide.Wait()
	stored, err := f.calls.GetByID(ctx, callID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallMissed, stored.State)
	assert.Equal(t, []string{domain.MissedCallText}, f.historyTexts(t, conv.ID))
}

func TestMediaFailureAfterConnectEndsCall(t *testing.T) {
	f := newFixture()
	e := f.engine(t, testConfig(time.Minute))
	ctx := context.Background()

	caller, err := e.StartCall(ctx, beneficiary.ID, pairInput())
	require.NoError(t, err)
	call := caller.Call()

	callee, err := e.Accept(ctx, call.ID, driver.ID)
	require.NoError(t, err)
	waitEvent(t, caller, EventConnected)
	waitEvent(t, callee, EventConnected)

	f.media.conn(call.ChannelID, beneficiary.ID).fail(errors.New("ice connection failed"))

	errEvt := waitEvent(t, caller, EventError)
	assert.True(t, apperrors.HasCode(errEvt.Err, apperrors.ErrCodeMediaLayer))
	ended := waitEvent(t, caller, EventEnded)
	assert.Equal(t, domain.EndReasonMediaFailure, ended.Call.EndReason)

	peerEnded := waitEvent(t, callee, EventEnded)
	assert.Equal(t, domain.EndReasonMediaFailure, peerEnded.Call.EndReason)
	waitDone(t, caller)
	waitDone(t, callee)
}

func TestStartCall_JoinFailureEndsSession(t *testing.T) {
	f := newFixture()
	e := f.engine(t, testConfig(time.Minute))
	ctx := context.Background()

	f.media.setJoinErr(errors.New("media server unreachable"))
	_, err := e.StartCall(ctx, beneficiary.ID, pairInput())
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCallSetupFailed))

	calls, err := e.ListCalls(ctx, beneficiary.ID, 10)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, domain.CallEnded, calls[0].State)
	assert.Equal(t, domain.EndReasonSetupFailure, calls[0].EndReason)

	// The channel is free again.
	f.media.setJoinErr(nil)
	h, err := e.StartCall(ctx, beneficiary.ID, pairInput())
	require.NoError(t, err)
	assert.NotEqual(t, calls[0].ID, h.Call().ID)
}

func TestStartCall_CrossedCallsCollapse(t *testing.T) {
	f := newFixture()
	e := f.engine(t, testConfig(time.Minute))
	ctx := context.Background()

	first, err := e.StartCall(ctx, driver.ID, StartCallInput{CalleeIDs: []string{beneficiary.ID}})
	require.NoError(t, err)

	second, err := e.StartCall(ctx, beneficiary.ID, pairInput())
	require.NoError(t, err)
	assert.Equal(t, first.Call().ID, second.Call().ID)

	waitEvent(t, first, EventConnected)
	waitEvent(t, second, EventConnected)

	calls, err := e.ListCalls(ctx, beneficiary.ID, 10)
	require.NoError(t, err)
	assert.Len(t, calls, 1)
}

func TestStartCall_BusyChannel(t *testing.T) {
	f := newFixture()
	e := f.engine(t, testConfig(time.Minute))
	ctx := context.Background()

	_, err := e.StartCall(ctx, beneficiary.ID, pairInput())
	require.NoError(t, err)

	_, err = e.StartCall(ctx, beneficiary.ID, pairInput())
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeChannelBusy))
}

func TestTransition_RetriesTransientWrites(t *testing.T) {
	f := newFixture()
	calls := &flakyCalls{CallRepository: f.calls}
	e := f.engineWith(t, calls, testConfig(time.Minute))
	ctx := context.Background()

	h, err := e.StartCall(ctx, beneficiary.ID, pairInput())
	require.NoError(t, err)

	calls.failures.Store(2)
	call, err := e.Hangup(ctx, h.Call().ID, beneficiary.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallEnded, call.State)
	waitDone(t, h)

	h, err = e.StartCall(ctx, beneficiary.ID, pairInput())
	require.NoError(t, err)

	calls.failures.Store(10)
	_, err = e.Hangup(ctx, h.Call().ID, beneficiary.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))

	stored, err := f.calls.GetByID(ctx, h.Call().ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallRinging, stored.State)
}

func seedCall(t *testing.T, repo *memory.CallRepository, id string, state domain.CallState, startedAt time.Time, answeredAt *time.Time) {
	t.Helper()
	require.NoError(t, repo.Create(context.Background(), &domain.CallSession{
		ID:             id,
		CallerID:       beneficiary.ID,
		ParticipantIDs: []string{beneficiary.ID, driver.ID},
		ChannelID:      "call_" + id,
		Kind:           domain.CallVoice,
		State:          state,
		StartedAt:      startedAt,
		AnsweredAt:     answeredAt,
	}))
}

func TestExpireRinging_OnlyAfterTimeoutAndOnce(t *testing.T) {
	f := newFixture()
	e := f.engine(t, testConfig(time.Minute))
	ctx := context.Background()

	seedCall(t, f.calls, "fresh", domain.CallRinging, time.Now(), nil)
	seedCall(t, f.calls, "old", domain.CallRinging, time.Now().Add(-2*time.Minute), nil)

	call, applied, err := e.ExpireRinging(ctx, "fresh")
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, domain.CallRinging, call.State)

	call, applied, err = e.ExpireRinging(ctx, "old")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, domain.CallMissed, call.State)

	call, applied, err = e.ExpireRinging(ctx, "old")
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, domain.CallMissed, call.State)

	_, _, err = e.ExpireRinging(ctx, "unknown")
	assert.ErrorIs(t, err, domain.ErrCallNotFound)
}

func TestReaper_SweepsStaleSessions(t *testing.T) {
	f := newFixture()
	e := f.engine(t, testConfig(time.Minute))
	ctx := context.Background()
	now := time.Now()
	answered := now.Add(-2 * time.Hour)

	seedCall(t, f.calls, "stuck-ringing", domain.CallRinging, now.Add(-5*time.Minute), nil)
	seedCall(t, f.calls, "too-long", domain.CallActive, now.Add(-3*time.Hour), &answered)
	seedCall(t, f.calls, "still-ringing", domain.CallRinging, now, nil)

	reaped, err := NewReaper(e).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, reaped)

	stuck, err := f.calls.GetByID(ctx, "stuck-ringing")
	require.NoError(t, err)
	assert.Equal(t, domain.CallMissed, stuck.State)

	long, err := f.calls.GetByID(ctx, "too-long")
	require.NoError(t, err)
	assert.Equal(t, domain.CallEnded, long.State)
	assert.Equal(t, domain.EndReasonMaxDuration, long.EndReason)
	assert.Equal(t, 7200, long.DurationSeconds)

	fresh, err := f.calls.GetByID(ctx, "still-ringing")
	require.NoError(t, err)
	assert.Equal(t, domain.CallRinging, fresh.State)

	reaped, err = NewReaper(e).Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, reaped)
}

func TestHistoryText(t *testing.T) {
	answered := time.Now()
	tests := []struct {
		name string
		call domain.CallSession
		want string
	}{
		{"ringing", domain.CallSession{State: domain.CallRinging}, ""},
		{"answered", domain.CallSession{State: domain.CallActive, AnsweredAt: &answered}, domain.CallStartedText},
		{"missed", domain.CallSession{State: domain.CallMissed}, domain.MissedCallText},
		{"finished", domain.CallSession{State: domain.CallEnded, AnsweredAt: &answered, DurationSeconds: 75}, "call ended (01:15)"},
		{"declined", domain.CallSession{State: domain.CallEnded, EndReason: domain.EndReasonDeclined}, domain.CallDeclinedText},
		{"cancelled", domain.CallSession{State: domain.CallEnded, EndReason: domain.EndReasonHangup}, domain.MissedCallText},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, historyText(&tt.call))
		})
	}
}
