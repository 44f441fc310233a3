package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/domain"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/service/call"
	apperrors "github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/errors"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/logger"
)

// Call frame types
const (
	FrameCredentials = "credentials"
	FrameCall        = "call"
	FrameIncoming    = "incoming"

	actionStart   = "start"
	actionAccept  = "accept"
	actionHangup  = "hangup"
	actionDecline = "decline"
)

// CallHandler drives calls over a socket: one socket carries at most one call
type CallHandler struct {
	hub    *Hub
	engine *call.Engine
}

// NewCallHandler creates a new call handler
func NewCallHandler(hub *Hub, engine *call.Engine) *CallHandler {
	return &CallHandler{
		hub:    hub,
		engine: engine,
	}
}

type startFrame struct {
	CalleeIDs      []string        `json:"callee_ids"`
	ConversationID string          `json:"conversation_id"`
	Kind           domain.CallKind `json:"kind"`
}

type callIDFrame struct {
	CallID string `json:"call_id"`
}

// CallEvent is what the client sees for every handle event
type CallEvent struct {
	Event           call.EventType      `json:"event"`
	Call            *domain.CallSession `json:"call"`
	DurationSeconds int64               `json:"duration_seconds,omitempty"`
}

// errSocketGone stops a frame that arrives after its socket stopped serving
var errSocketGone = errors.New("socket closed")

// callSession is the per-socket state of a call handler
type callSession struct {
	mu       sync.Mutex
	handle   *call.Handle
	handles  chan *call.Handle
	detached bool
}

// attach opens the socket's call. It refuses a second call and any call once
// the socket has been detached or its context has ended.
func (s *callSession) attach(ctx context.Context, open func() (*call.Handle, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detached || ctx.Err() != nil {
		return errSocketGone
	}
	if s.handle != nil {
		return apperrors.ConflictError("This socket already carries a call")
	}
	handle, err := open()
	if err != nil {
		return err
	}
	s.handle = handle
	s.handles <- handle
	return nil
}

// detach marks the socket gone and closes a call opened but never served
func (s *callSession) detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detached = true
	if s.handle != nil {
		s.handle.Close()
	}
}

// ServeCall places or answers one call. The client sends "start" or "accept", receives
// media credentials and then every call event until the call is over.
// GET /ws/calls
func (h *CallHandler) ServeCall(c *gin.Context) {
	session := &callSession{handles: make(chan *call.Handle, 1)}

	h.hub.Serve(c, "call", func(client *Client) {
		var handle *call.Handle
		select {
		case <-client.Context().Done():
			session.detach()
			return
		case handle = <-session.handles:
		}

		client.Send(FrameCredentials, handle.Credentials())
		for {
			select {
			case <-client.Context().Done():
				// Socket gone: stop observing. Media presence decides whether the call survives.
				handle.Close()
				return
			case evt, ok := <-handle.Events():
				if !ok {
					return
				}
				if evt.Type == call.EventError {
					client.SendError(evt.Err)
					continue
				}
				out := CallEvent{Event: evt.Type, Call: evt.Call}
				if evt.Type == call.EventEnded || evt.Type == call.EventMissed {
					out.DurationSeconds = int64(handle.Duration().Seconds())
				}
				client.Send(FrameCall, out)
			}
		}
	}, func(client *Client, raw []byte) {
		h.handleFrame(client, session, raw)
	})
}

func (h *CallHandler) handleFrame(client *Client, session *callSession, raw []byte) {
	in, ok := decode(client, raw)
	if !ok {
		return
	}
	ctx := client.Context()

	switch in.Type {
	case actionStart, actionAccept:
		err := session.attach(ctx, func() (*call.Handle, error) {
			return h.open(ctx, client.UserID(), in)
		})
		if err != nil && !errors.Is(err, errSocketGone) {
			client.SendError(err)
		}

	case actionHangup:
		session.mu.Lock()
		handle := session.handle
		session.mu.Unlock()
		if handle == nil {
			client.SendError(apperrors.ValidationError("No call on this socket"))
			return
		}
		if err := handle.Hangup(ctx); err != nil {
			client.SendError(err)
		}

	case actionDecline:
		var f callIDFrame
		if err := json.Unmarshal(in.Data, &f); err != nil || f.CallID == "" {
			client.SendError(apperrors.MissingFieldError("call_id"))
			return
		}
		if _, err := h.engine.Decline(ctx, f.CallID, client.UserID()); err != nil {
			client.SendError(err)
		}

	default:
		client.SendError(apperrors.ValidationError("Unknown frame type " + in.Type))
	}
}

func (h *CallHandler) open(ctx context.Context, userID string, in inbound) (*call.Handle, error) {
	if in.Type == actionStart {
		var f startFrame
		if err := json.Unmarshal(in.Data, &f); err != nil {
			return nil, apperrors.ValidationError("Invalid start frame")
		}
		return h.engine.StartCall(ctx, userID, call.StartCallInput{
			CalleeIDs:      f.CalleeIDs,
			ConversationID: f.ConversationID,
			Kind:           f.Kind,
		})
	}

	var f callIDFrame
	if err := json.Unmarshal(in.Data, &f); err != nil || f.CallID == "" {
		return nil, apperrors.MissingFieldError("call_id")
	}
	return h.engine.Accept(ctx, f.CallID, userID)
}

// ServeIncoming streams calls ringing for the caller, and their updates until each one resolves
// GET /ws/calls/incoming
func (h *CallHandler) ServeIncoming(c *gin.Context) {
	h.hub.Serve(c, "incoming", func(client *Client) {
		watch, err := h.engine.WatchIncoming(client.Context(), client.UserID())
		if err != nil {
			client.SendError(err)
			return
		}
		defer watch.Close()

		for {
			select {
			case <-client.Context().Done():
				return
			case session, ok := <-watch.Calls():
				if !ok {
					if err := watch.Err(); err != nil {
						logger.Warn("Incoming call watch ended",
							zap.String("user_id", client.UserID()),
							zap.Error(err))
						client.SendError(err)
					}
					return
				}
				if !client.Send(FrameIncoming, session) {
					return
				}
			}
		}
	}, nil)
}
