// Package call negotiates call sessions between participants. The stored
// CallSession is the only rendezvous point: every state change is a
// compare-and-set in the repository and both sides react to what they observe
// on the bus.
package call

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/domain"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/realtime"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/repository"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/config"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/constants"
	apperrors "github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/errors"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/logger"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/metrics"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/resilience"
)

// Engine runs the signaling protocol for every call of one process
type Engine struct {
	calls    repository.CallRepository
	bus      realtime.Bus
	media    MediaLayer
	tokens   TokenIssuer
	history  HistoryWriter
	notifier Notifier
	cfg      config.CallConfig
	policy   resilience.Policy
	now      func() time.Time

	// ctx bounds the lifetime of handles and watches
	ctx    context.Context
	cancel context.CancelFunc
	// background holds async history writes and notifications
	background sync.WaitGroup
	handles    sync.WaitGroup

	// historyTail orders the history writes of one call
	historyMu   sync.Mutex
	historyTail map[string]chan struct{}
}

// NewEngine creates an Engine. history may be nil when call history is not recorded.
func NewEngine(
	calls repository.CallRepository,
	bus realtime.Bus,
	media MediaLayer,
	tokens TokenIssuer,
	history HistoryWriter,
	cfg config.CallConfig,
) *Engine {
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = 30 * time.Second
	}
	policy := resilience.DefaultPolicy()
	if cfg.WriteAttempts > 0 {
		policy.MaxAttempts = cfg.WriteAttempts
	}
	if cfg.WriteBackoff > 0 {
		policy.InitialInterval = cfg.WriteBackoff
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		calls:   calls,
		bus:     bus,
		media:   media,
		tokens:  tokens,
		history: history,
		cfg:     cfg,
		policy:  policy,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,

		historyTail: make(map[string]chan struct{}),
	}
}

// SetNotifier registers the push wake-up sink for incoming calls
func (e *Engine) SetNotifier(n Notifier) {
	e.notifier = n
}

// Wait blocks until pending history writes and notifications finish
func (e *Engine) Wait() {
	e.background.Wait()
}

// Close detaches every local handle and watch without writing any transition,
// then waits for background work.
func (e *Engine) Close() {
	e.cancel()
	e.handles.Wait()
	e.background.Wait()
}

// StartCallInput describes a new call
type StartCallInput struct {
	CalleeIDs []string
	// ConversationID scopes the call to a conversation. Required for more than one callee.
	ConversationID string
	Kind           domain.CallKind
}

// StartCall rings the callees and returns the caller's handle.
// When a callee is already ringing the caller on the same channel, the two
// attempts collapse into one and StartCall answers that call instead.
func (e *Engine) StartCall(ctx context.Context, callerID string, input StartCallInput) (*Handle, error) {
	session, err := e.newSession(callerID, input)
	if err != nil {
		return nil, err
	}

	if h, ok, err := e.answerGlare(ctx, session.ChannelID, callerID); ok || err != nil {
		return h, err
	}

	err = resilience.Retry(ctx, e.policy, "call.create", func(ctx context.Context) error {
		return e.calls.Create(ctx, session)
	})
	if stderrors.Is(err, domain.ErrChannelBusy) {
		// The peer may have created its session between our check and our write.
		if h, ok, gerr := e.answerGlare(ctx, session.ChannelID, callerID); ok || gerr != nil {
			return h, gerr
		}
		return nil, apperrors.ChannelBusyError(session.ChannelID)
	}
	if err != nil {
		return nil, apperrors.CallSetupFailedError(err)
	}

	metrics.CallTransitionsTotal.WithLabelValues(string(session.Kind), string(domain.CallRinging)).Inc()
	logger.FromContext(ctx).Info("Call started",
		zap.String("call_id", session.ID),
		zap.String("channel_id", session.ChannelID),
		zap.String("caller_id", callerID),
		zap.Int("callees", len(session.Callees())))

	e.publish(ctx, session)
	e.notify(session)

	return e.open(ctx, session, callerID)
}

func (e *Engine) newSession(callerID string, input StartCallInput) (*domain.CallSession, error) {
	if callerID == "" {
		return nil, apperrors.MissingFieldError("caller_id")
	}
	kind := input.Kind
	if kind == "" {
		kind = domain.CallVoice
	}
	if kind != domain.CallVoice && kind != domain.CallVideo {
		return nil, apperrors.ValidationError(fmt.Sprintf("unknown call kind %q", input.Kind))
	}

	seen := map[string]bool{callerID: true}
	participants := []string{callerID}
	for _, id := range input.CalleeIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		participants = append(participants, id)
	}
	if len(participants) < 2 {
		return nil, apperrors.MissingFieldError("callee_ids")
	}

	session := &domain.CallSession{
		ID:             uuid.NewString(),
		ConversationID: input.ConversationID,
		CallerID:       callerID,
		ParticipantIDs: participants,
		Kind:           kind,
		State:          domain.CallRinging,
		StartedAt:      e.now().UTC(),
	}
	switch {
	case input.ConversationID != "":
		session.ChannelID = domain.ChannelIDForConversation(input.ConversationID)
	case len(participants) == 2:
		session.ConversationID = domain.DirectConversationID(callerID, participants[1])
		session.ChannelID = domain.ChannelIDForPair(callerID, participants[1])
	default:
		return nil, apperrors.ValidationError("calls with more than one callee need a conversation")
	}
	return session, nil
}

// answerGlare accepts the open session on channelID when it is ringing userID.
// It reports false when there is no such session.
func (e *Engine) answerGlare(ctx context.Context, channelID, userID string) (*Handle, bool, error) {
	var open *domain.CallSession
	err := resilience.Retry(ctx, e.policy, "call.get_open", func(ctx context.Context) error {
		var err error
		open, err = e.calls.GetOpenByChannel(ctx, channelID)
		return err
	})
	if stderrors.Is(err, domain.ErrCallNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, true, apperrors.CallSetupFailedError(err)
	}
	if open.State != domain.CallRinging || open.CallerID == userID || !open.HasParticipant(userID) {
		return nil, true, apperrors.ChannelBusyError(channelID)
	}

	logger.FromContext(ctx).Info("Answering crossed call",
		zap.String("call_id", open.ID),
		zap.String("channel_id", channelID),
		zap.String("user_id", userID))
	h, err := e.Accept(ctx, open.ID, userID)
	return h, true, err
}

// Accept answers a ringing call and joins its channel. Joining a call that is
// already active is allowed, so further callees of a group call can come in.
func (e *Engine) Accept(ctx context.Context, callID, userID string) (*Handle, error) {
	call, err := e.participantCall(ctx, callID, userID)
	if err != nil {
		return nil, err
	}
	if call.CallerID == userID {
		return nil, apperrors.InvalidTransitionError("caller cannot answer its own call")
	}

	if call.State == domain.CallRinging {
		answeredAt := e.now().UTC()
		call, _, err = e.transition(ctx, domain.CallTransition{
			CallID:     callID,
			To:         domain.CallActive,
			By:         userID,
			AnsweredAt: &answeredAt,
		})
		if err != nil {
			return nil, err
		}
	}
	if call.State != domain.CallActive {
		return nil, apperrors.InvalidTransitionError(fmt.Sprintf("call is already %s", call.State))
	}

	return e.open(ctx, call, userID)
}

// Decline rejects a ringing call. Declining a call that is already over is a no-op.
func (e *Engine) Decline(ctx context.Context, callID, userID string) (*domain.CallSession, error) {
	call, err := e.participantCall(ctx, callID, userID)
	if err != nil {
		return nil, err
	}
	switch call.State {
	case domain.CallActive:
		return nil, apperrors.InvalidTransitionError("call was already answered")
	case domain.CallEnded, domain.CallMissed:
		return call, nil
	}
	call, _, err = e.transition(ctx, domain.CallTransition{
		CallID: callID,
		To:     domain.CallEnded,
		By:     userID,
		Reason: domain.EndReasonDeclined,
	})
	return call, err
}

// Hangup ends a ringing or active call. Hanging up a call that is already over is a no-op.
func (e *Engine) Hangup(ctx context.Context, callID, userID string) (*domain.CallSession, error) {
	if _, err := e.participantCall(ctx, callID, userID); err != nil {
		return nil, err
	}
	return e.end(ctx, callID, userID, domain.EndReasonHangup)
}

func (e *Engine) end(ctx context.Context, callID, by, reason string) (*domain.CallSession, error) {
	call, _, err := e.transition(ctx, domain.CallTransition{
		CallID: callID,
		To:     domain.CallEnded,
		By:     by,
		Reason: reason,
	})
	return call, err
}

// ExpireRinging turns a call that rang past the ring timeout into missed.
// Whichever side gets there first wins; for everyone else it reports false.
func (e *Engine) ExpireRinging(ctx context.Context, callID string) (*domain.CallSession, bool, error) {
	call, err := e.getCall(ctx, callID)
	if err != nil {
		return nil, false, err
	}
	if call.State != domain.CallRinging {
		return call, false, nil
	}
	if e.now().Before(call.StartedAt.Add(e.cfg.RingTimeout)) {
		return call, false, nil
	}
	return e.transition(ctx, domain.CallTransition{
		CallID: callID,
		To:     domain.CallMissed,
		Reason: domain.EndReasonTimeout,
	})
}

// GetCall returns a call the viewer takes part in
func (e *Engine) GetCall(ctx context.Context, callID, viewerID string) (*domain.CallSession, error) {
	return e.participantCall(ctx, callID, viewerID)
}

// ListCalls returns the newest calls of a participant
func (e *Engine) ListCalls(ctx context.Context, participantID string, limit int) ([]*domain.CallSession, error) {
	if limit <= 0 || limit > constants.MaxPageSize {
		limit = constants.DefaultPageSize
	}
	var calls []*domain.CallSession
	err := resilience.Retry(ctx, e.policy, "call.list", func(ctx context.Context) error {
		var err error
		calls, err = e.calls.ListByParticipant(ctx, participantID, limit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list calls: %w", err)
	}
	return calls, nil
}

func (e *Engine) getCall(ctx context.Context, callID string) (*domain.CallSession, error) {
	var call *domain.CallSession
	err := resilience.Retry(ctx, e.policy, "call.get", func(ctx context.Context) error {
		var err error
		call, err = e.calls.GetByID(ctx, callID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return call, nil
}

func (e *Engine) participantCall(ctx context.Context, callID, userID string) (*domain.CallSession, error) {
	call, err := e.getCall(ctx, callID)
	if err != nil {
		return nil, err
	}
	if !call.HasParticipant(userID) {
		return nil, domain.ErrNotParticipant
	}
	return call, nil
}

// transition applies tr as a compare-and-set, retrying transient write failures.
// Only the writer whose transition applied publishes it and records history.
func (e *Engine) transition(ctx context.Context, tr domain.CallTransition) (*domain.CallSession, bool, error) {
	if tr.At.IsZero() {
		tr.At = e.now().UTC()
	}

	var (
		call    *domain.CallSession
		applied bool
	)
	err := resilience.Retry(ctx, e.policy, "call.transition", func(ctx context.Context) error {
		var err error
		call, applied, err = e.calls.Transition(ctx, tr)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if !applied {
		metrics.CallTransitionConflictsTotal.WithLabelValues(string(tr.To)).Inc()
		return call, false, nil
	}

	metrics.CallTransitionsTotal.WithLabelValues(string(call.Kind), string(call.State)).Inc()
	if call.State == domain.CallEnded && call.AnsweredAt != nil {
		metrics.CallDuration.WithLabelValues(string(call.Kind)).Observe(float64(call.DurationSeconds))
	}
	logger.FromContext(ctx).Info("Call transitioned",
		zap.String("call_id", call.ID),
		zap.String("state", string(call.State)),
		zap.String("by", tr.By),
		zap.String("reason", tr.Reason))

	e.publish(ctx, call)
	e.recordHistory(call)
	return call, true, nil
}

// publish fans the session out to its own topic and to every callee's incoming stream
func (e *Engine) publish(ctx context.Context, call *domain.CallSession) {
	evt := realtime.Event{Type: realtime.EventCallUpdated, Call: call}
	if err := e.bus.Publish(ctx, realtime.CallTopic(call.ID), evt); err != nil {
		logger.FromContext(ctx).Warn("Failed to publish call update",
			zap.String("call_id", call.ID),
			zap.Error(err))
	}
	for _, id := range call.Callees() {
		if err := e.bus.Publish(ctx, realtime.IncomingCallsTopic(id), evt); err != nil {
			logger.FromContext(ctx).Warn("Failed to publish incoming call",
				zap.String("call_id", call.ID),
				zap.String("participant_id", id),
				zap.Error(err))
		}
	}
}

func (e *Engine) notify(call *domain.CallSession) {
	if e.notifier == nil {
		return
	}
	call = call.Clone()
	e.background.Add(1)
	go func() {
		defer e.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultTimeout)
		defer cancel()
		e.notifier.IncomingCall(ctx, call)
	}()
}

// historyText is the call-status line for a transition, or "" when none is recorded
func historyText(call *domain.CallSession) string {
	switch call.State {
	case domain.CallActive:
		return domain.CallStartedText
	case domain.CallMissed:
		return domain.MissedCallText
	case domain.CallEnded:
		if call.AnsweredAt != nil {
			return domain.CallEndedText(call.DurationSeconds)
		}
		if call.EndReason == domain.EndReasonDeclined {
			return domain.CallDeclinedText
		}
		return domain.MissedCallText
	}
	return ""
}

// recordHistory appends the call-status message in the background, after any
// earlier line of the same call. A failure is logged and never affects the call.
func (e *Engine) recordHistory(call *domain.CallSession) {
	text := historyText(call)
	if e.history == nil || text == "" || call.ConversationID == "" {
		return
	}
	conversationID, callID := call.ConversationID, call.ID

	e.historyMu.Lock()
	prev := e.historyTail[callID]
	done := make(chan struct{})
	if call.State.IsTerminal() {
		delete(e.historyTail, callID)
	} else {
		e.historyTail[callID] = done
	}
	e.historyMu.Unlock()

	e.background.Add(1)
	go func() {
		defer e.background.Done()
		defer close(done)
		if prev != nil {
			<-prev
		}
		ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultTimeout)
		defer cancel()

		err := resilience.Retry(ctx, e.policy, "call.history", func(ctx context.Context) error {
			_, err := e.history.AppendSystemMessage(ctx, conversationID, domain.MessageCallStatus, text, callID)
			return err
		})
		if err != nil {
			logger.Warn("Failed to record call history",
				zap.String("call_id", callID),
				zap.String("conversation_id", conversationID),
				zap.String("text", text),
				zap.Error(err))
		}
	}()
}
