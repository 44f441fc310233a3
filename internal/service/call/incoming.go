package call

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/domain"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/realtime"
	apperrors "github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/errors"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/logger"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/resilience"
)

const incomingBuffer = 16

// IncomingWatch streams the calls ringing one participant and every later
// state of those calls. It runs its own ring timers, so a ringing call turns
// missed even when the caller is gone.
type IncomingWatch struct {
	calls  chan *domain.CallSession
	done   chan struct{}
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

// Calls delivers session snapshots. It is closed when the watch stops.
func (w *IncomingWatch) Calls() <-chan *domain.CallSession {
	return w.calls
}

// Done is closed when the watch stops
func (w *IncomingWatch) Done() <-chan struct{} {
	return w.done
}

// Err reports why the watch stopped, if it was not closed by its owner
func (w *IncomingWatch) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Close stops the watch and its timers
func (w *IncomingWatch) Close() error {
	w.cancel()
	<-w.done
	return nil
}

func (w *IncomingWatch) setErr(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err == nil {
		w.err = err
	}
}

// WatchIncoming starts watching calls that ring userID
func (e *Engine) WatchIncoming(ctx context.Context, userID string) (*IncomingWatch, error) {
	if userID == "" {
		return nil, apperrors.MissingFieldError("user_id")
	}

	// Subscribe before listing so nothing created in between is lost.
	sub, err := e.bus.Subscribe(ctx, realtime.IncomingCallsTopic(userID))
	if err != nil {
		return nil, err
	}
	var ringing []*domain.CallSession
	err = resilience.Retry(ctx, e.policy, "call.list_ringing", func(ctx context.Context) error {
		var err error
		ringing, err = e.calls.ListRingingFor(ctx, userID)
		return err
	})
	if err != nil {
		_ = sub.Close()
		return nil, err
	}

	wctx, cancel := context.WithCancel(ctx)
	w := &IncomingWatch{
		calls:  make(chan *domain.CallSession, incomingBuffer),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	e.handles.Add(1)
	go e.runIncoming(wctx, w, sub, userID, ringing)
	return w, nil
}

func (e *Engine) runIncoming(ctx context.Context, w *IncomingWatch, sub realtime.Subscription, userID string, ringing []*domain.CallSession) {
	timers := make(map[string]*time.Timer)
	seen := make(map[string]domain.CallState)
	expired := make(chan string, incomingBuffer)

	defer func() {
		for _, t := range timers {
			t.Stop()
		}
		_ = sub.Close()
		w.cancel()
		close(w.calls)
		close(w.done)
		e.handles.Done()
	}()

	track := func(call *domain.CallSession) bool {
		if call.CallerID == userID || !call.HasParticipant(userID) {
			return true
		}
		if prev, ok := seen[call.ID]; ok && (prev == call.State || !domain.CanTransition(prev, call.State)) {
			return true
		}
		seen[call.ID] = call.State

		select {
		case w.calls <- call.Clone():
		case <-ctx.Done():
			return false
		case <-e.ctx.Done():
			return false
		}

		if call.State != domain.CallRinging {
			if t, ok := timers[call.ID]; ok {
				t.Stop()
				delete(timers, call.ID)
			}
			return true
		}
		if _, ok := timers[call.ID]; !ok {
			id := call.ID
			wait := call.StartedAt.Add(e.cfg.RingTimeout).Sub(e.now())
			timers[id] = time.AfterFunc(wait, func() {
				select {
				case expired <- id:
				case <-ctx.Done():
				}
			})
		}
		return true
	}

	for _, call := range ringing {
		if !track(call) {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.ctx.Done():
			return

		case evt, ok := <-sub.Events():
			if !ok {
				w.setErr(apperrors.TransientError(realtime.ErrSubscriptionClosed))
				return
			}
			if evt.Call != nil && !track(evt.Call) {
				return
			}

		case id := <-expired:
			delete(timers, id)
			call, _, err := e.ExpireRinging(ctx, id)
			if err != nil {
				logger.FromContext(ctx).Warn("Failed to expire incoming call",
					zap.String("call_id", id),
					zap.String("user_id", userID),
					zap.Error(err))
				continue
			}
			if !track(call) {
				return
			}
		}
	}
}
