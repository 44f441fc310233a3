package call

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/domain"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/logger"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/metrics"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/resilience"
)

// Reaper forces sessions that no client finished into a terminal state:
// ringing past the ring timeout plus a grace period becomes missed, active
// past the maximum call duration becomes ended.
type Reaper struct {
	engine   *Engine
	interval time.Duration
	grace    time.Duration
}

// NewReaper creates a Reaper driven by the engine's call configuration
func NewReaper(engine *Engine) *Reaper {
	interval := engine.cfg.ReaperInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Reaper{
		engine:   engine,
		interval: interval,
		grace:    engine.cfg.ReaperGrace,
	}
}

// Run sweeps on every interval until ctx ends
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	logger.Info("Call reaper started", zap.Duration("interval", r.interval))
	for {
		select {
		case <-ctx.Done():
			logger.Info("Call reaper stopped")
			return nil
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("Call sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep runs one pass and returns how many sessions it finished
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	e := r.engine
	now := e.now()
	ringingBefore := now.Add(-(e.cfg.RingTimeout + r.grace))
	var activeBefore time.Time
	if e.cfg.MaxCallDuration > 0 {
		activeBefore = now.Add(-e.cfg.MaxCallDuration)
	}

	var stale []*domain.CallSession
	err := resilience.Retry(ctx, e.policy, "call.list_stale", func(ctx context.Context) error {
		var err error
		stale, err = e.calls.ListStale(ctx, ringingBefore, activeBefore)
		return err
	})
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, call := range stale {
		var (
			applied bool
			err     error
		)
		switch call.State {
		case domain.CallRinging:
			_, applied, err = e.ExpireRinging(ctx, call.ID)
		case domain.CallActive:
			_, applied, err = e.transition(ctx, domain.CallTransition{
				CallID: call.ID,
				To:     domain.CallEnded,
				Reason: domain.EndReasonMaxDuration,
			})
		}
		if err != nil {
			logger.Warn("Failed to reap call",
				zap.String("call_id", call.ID),
				zap.String("state", string(call.State)),
				zap.Error(err))
			continue
		}
		if applied {
			reaped++
			to := domain.CallMissed
			if call.State == domain.CallActive {
				to = domain.CallEnded
			}
			metrics.CallsReapedTotal.WithLabelValues(string(to)).Inc()
		}
	}
	if reaped > 0 {
		logger.Info("Reaped stale calls", zap.Int("count", reaped))
	}
	return reaped, nil
}
