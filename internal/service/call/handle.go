package call

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/domain"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/realtime"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/constants"
	apperrors "github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/errors"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/logger"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/metrics"
)

// EventType names what a handle observed
type EventType string

const (
	EventRinging   EventType = "ringing"
	EventConnected EventType = "connected"
	EventEnded     EventType = "ended"
	EventMissed    EventType = "missed"
	EventError     EventType = "error"
)

// Event is one observation of a handle
type Event struct {
	Type EventType           `json:"type"`
	Call *domain.CallSession `json:"call,omitempty"`
	Err  error               `json:"-"`
}

// eventBuffer holds every event a single call can produce
const eventBuffer = 8

// Handle is one participant's live view of a call. It watches the stored
// session and the media connection, and releases both once the session is
// terminal, whoever wrote the final transition.
type Handle struct {
	engine  *Engine
	id      string
	userID  string
	creds   *Credentials
	conn    MediaConn
	sub     realtime.Subscription
	events  chan Event
	hangups chan chan error
	done    chan struct{}
	cancel  context.CancelFunc

	mu          sync.Mutex
	call        *domain.CallSession
	connectedAt time.Time
	endedAt     time.Time
}

// open subscribes to the session, issues credentials, joins the channel and
// starts the handle. Any failure forces the session to ended.
func (e *Engine) open(ctx context.Context, call *domain.CallSession, userID string) (*Handle, error) {
	sub, err := e.bus.Subscribe(ctx, realtime.CallTopic(call.ID))
	if err != nil {
		return nil, e.failSetup(call, userID, err)
	}
	creds, err := e.tokens.Issue(ctx, call.ChannelID, userID)
	if err != nil {
		_ = sub.Close()
		return nil, e.failSetup(call, userID, err)
	}
	conn, err := e.media.Join(ctx, call.ChannelID, userID, creds)
	if err != nil {
		_ = sub.Close()
		return nil, e.failSetup(call, userID, err)
	}

	hctx, cancel := context.WithCancel(e.ctx)
	h := &Handle{
		engine:  e,
		id:      call.ID,
		userID:  userID,
		creds:   creds,
		conn:    conn,
		sub:     sub,
		events:  make(chan Event, eventBuffer),
		hangups: make(chan chan error),
		done:    make(chan struct{}),
		cancel:  cancel,
		call:    call.Clone(),
	}

	e.handles.Add(1)
	metrics.CallsActive.Inc()
	go h.run(hctx)
	return h, nil
}

func (e *Engine) failSetup(call *domain.CallSession, userID string, cause error) error {
	metrics.CallMediaFailuresTotal.WithLabelValues("join").Inc()

	ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultTimeout)
	defer cancel()
	if _, err := e.end(ctx, call.ID, userID, domain.EndReasonSetupFailure); err != nil {
		logger.Error("Failed to end call after setup failure",
			zap.String("call_id", call.ID),
			zap.Error(err))
	}
	logger.Warn("Call setup failed",
		zap.String("call_id", call.ID),
		zap.String("user_id", userID),
		zap.Error(cause))
	return apperrors.CallSetupFailedError(cause)
}

// Events streams ringing, connected, error and one terminal event, then closes
func (h *Handle) Events() <-chan Event {
	return h.events
}

// Done is closed once the handle released its media connection
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Credentials are what the client needs to join the media channel itself
func (h *Handle) Credentials() *Credentials {
	return h.creds
}

// Call returns the last observed session
func (h *Handle) Call() *domain.CallSession {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.call.Clone()
}

// Duration is the talk time counted from the moment this side saw the call
// connect, not from when it started ringing.
func (h *Handle) Duration() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.connectedAt.IsZero() {
		return 0
	}
	end := h.endedAt
	if end.IsZero() {
		end = h.engine.now()
	}
	return end.Sub(h.connectedAt)
}

// Hangup ends the call for everyone. It returns nil when the call is already over.
func (h *Handle) Hangup(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case h.hangups <- reply:
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close leaves the call locally without writing a transition
func (h *Handle) Close() {
	h.cancel()
	<-h.done
}

func (h *Handle) run(ctx context.Context) {
	defer h.teardown()
	e := h.engine
	log := logger.FromContext(ctx).With(
		zap.String("call_id", h.id),
		zap.String("user_id", h.userID))

	initial := h.Call()
	if initial.State == domain.CallRinging {
		h.emit(Event{Type: EventRinging, Call: initial})
	}
	h.observe(initial)

	var ring <-chan time.Time
	if initial.State == domain.CallRinging {
		timer := time.NewTimer(initial.StartedAt.Add(e.cfg.RingTimeout).Sub(e.now()))
		defer timer.Stop()
		ring = timer.C
	}
	poll := time.NewTicker(constants.CallPollInterval)
	defer poll.Stop()

	updates := h.sub.Events()
	peerJoined := h.conn.PeerJoined()
	failed := h.conn.Failed()

	// The session may have moved between creation and subscribing.
	if current, err := e.getCall(ctx, initial.ID); err == nil {
		h.observe(current)
	}

	for !h.terminal() {
		select {
		case <-ctx.Done():
			return

		case evt, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			if evt.Call != nil && evt.Call.ID == initial.ID {
				h.observe(evt.Call)
			}

		case <-poll.C:
			if current, err := e.getCall(ctx, initial.ID); err == nil {
				h.observe(current)
			}

		case <-ring:
			ring = nil
			current, _, err := e.ExpireRinging(ctx, initial.ID)
			if err != nil {
				log.Warn("Failed to expire ringing call", zap.Error(err))
				continue
			}
			h.observe(current)

		case <-peerJoined:
			peerJoined = nil
			h.markConnected()

		case cause, ok := <-failed:
			failed = nil
			if !ok {
				continue
			}
			stage := "join"
			if h.connected() {
				stage = "connected"
			}
			metrics.CallMediaFailuresTotal.WithLabelValues(stage).Inc()
			log.Warn("Media connection failed", zap.String("stage", stage), zap.Error(cause))
			h.emit(Event{Type: EventError, Call: h.Call(), Err: apperrors.MediaLayerError(cause)})

			current, err := e.end(ctx, initial.ID, h.userID, domain.EndReasonMediaFailure)
			if err != nil {
				log.Error("Failed to end call after media failure", zap.Error(err))
				return
			}
			h.observe(current)

		case reply := <-h.hangups:
			current, err := e.Hangup(ctx, initial.ID, h.userID)
			reply <- err
			if err == nil {
				h.observe(current)
			}
		}

		if h.connected() {
			ring = nil
		}
	}
}

// observe moves the local view forward. Stale or out-of-order snapshots are ignored.
func (h *Handle) observe(next *domain.CallSession) {
	if next == nil {
		return
	}
	h.mu.Lock()
	current := h.call.State
	if current.IsTerminal() || (next.State != current && !domain.CanTransition(current, next.State)) {
		h.mu.Unlock()
		return
	}
	h.call = next.Clone()
	h.mu.Unlock()

	switch next.State {
	case domain.CallActive:
		h.markConnected()
	case domain.CallEnded:
		h.finish(EventEnded)
	case domain.CallMissed:
		h.finish(EventMissed)
	}
}

// markConnected starts the local duration clock once, from the session turning
// active or from the peer showing up in the channel, whichever is seen first.
func (h *Handle) markConnected() {
	h.mu.Lock()
	if !h.connectedAt.IsZero() || h.call.State.IsTerminal() {
		h.mu.Unlock()
		return
	}
	h.connectedAt = h.engine.now()
	call := h.call.Clone()
	h.mu.Unlock()

	h.emit(Event{Type: EventConnected, Call: call})
}

func (h *Handle) finish(t EventType) {
	h.mu.Lock()
	if h.endedAt.IsZero() {
		h.endedAt = h.engine.now()
	}
	call := h.call.Clone()
	h.mu.Unlock()

	h.emit(Event{Type: t, Call: call})
}

func (h *Handle) connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.connectedAt.IsZero()
}

func (h *Handle) terminal() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.call.State.IsTerminal()
}

func (h *Handle) emit(evt Event) {
	select {
	case h.events <- evt:
	default:
		logger.Warn("Dropping call event",
			zap.String("call_id", h.id),
			zap.String("type", string(evt.Type)))
	}
}

func (h *Handle) teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultTimeout)
	defer cancel()

	if err := h.conn.Leave(ctx); err != nil {
		logger.Warn("Failed to leave media channel",
			zap.String("call_id", h.id),
			zap.Error(err))
	}
	_ = h.sub.Close()

	h.cancel()
	metrics.CallsActive.Dec()
	close(h.events)
	close(h.done)
	h.engine.handles.Done()
}
