package resilience

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	apperrors "github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/errors"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/logger"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/metrics"
)

// Policy bounds a retry loop
type Policy struct {
	// MaxAttempts includes the first try.
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// Retryable decides whether an error is worth another attempt.
	// Nil means apperrors.IsRetryable.
	Retryable func(error) bool
}

// DefaultPolicy is used for document writes
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		Multiplier:      2,
	}
}

// permanentError stops a retry loop immediately
type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not retryable regardless of the policy
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retry runs fn until it succeeds, returns a non-retryable error, the context ends,
// or MaxAttempts is reached. The backoff doubles from InitialInterval up to MaxInterval.
func Retry(ctx context.Context, policy Policy, operation string, fn func(ctx context.Context) error) error {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = 2
	}
	retryable := policy.Retryable
	if retryable == nil {
		retryable = apperrors.IsRetryable
	}

	backoff := policy.InitialInterval
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Debug("Operation succeeded after retry",
					zap.String("operation", operation),
					zap.Int("attempts", attempt))
			}
			return nil
		}
		lastErr = err

		var perm *permanentError
		if stderrors.As(err, &perm) {
			return perm.err
		}
		if !retryable(err) {
			return err
		}
		if attempt == policy.MaxAttempts {
			break
		}

		metrics.RetryAttemptsTotal.WithLabelValues(operation, classifyError(err)).Inc()
		logger.Warn("Operation failed, backing off",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s: %w (last error: %v)", operation, ctx.Err(), lastErr)
		case <-timer.C:
		}

		backoff = time.Duration(float64(backoff) * policy.Multiplier)
		if policy.MaxInterval > 0 && backoff > policy.MaxInterval {
			backoff = policy.MaxInterval
		}
	}

	metrics.RetryExhaustedTotal.WithLabelValues(operation).Inc()
	return fmt.Errorf("%s failed after %d attempts: %w", operation, policy.MaxAttempts, lastErr)
}

// BreakerSettings configures a circuit breaker around an unreliable dependency
type BreakerSettings struct {
	Name string
	// ConsecutiveFailures opens the breaker.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before half-opening.
	OpenTimeout time.Duration
	// HalfOpenRequests is the number of probes allowed while half-open.
	HalfOpenRequests uint32
	// IsSuccessful decides which errors count against the breaker.
	// Nil counts every error.
	IsSuccessful func(err error) bool
}

// NewBreaker builds a gobreaker circuit breaker that reports its state to Prometheus
func NewBreaker(s BreakerSettings) *gobreaker.CircuitBreaker {
	if s.ConsecutiveFailures == 0 {
		s.ConsecutiveFailures = 5
	}
	if s.OpenTimeout == 0 {
		s.OpenTimeout = 10 * time.Second
	}
	if s.HalfOpenRequests == 0 {
		s.HalfOpenRequests = 1
	}
	metrics.CircuitBreakerState.WithLabelValues(s.Name).Set(0)

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:         s.Name,
		MaxRequests:  s.HalfOpenRequests,
		Timeout:      s.OpenTimeout,
		IsSuccessful: s.IsSuccessful,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			var value float64
			switch to {
			case gobreaker.StateHalfOpen:
				value = 1
			case gobreaker.StateOpen:
				value = 2
			}
			metrics.CircuitBreakerState.WithLabelValues(name).Set(value)
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
}

// IsBreakerOpen reports whether err was produced by a tripped breaker
func IsBreakerOpen(err error) bool {
	return stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests)
}

// classifyError classifies errors for better metrics
func classifyError(err error) string {
	if err == nil {
		return "none"
	}

	var appErr *apperrors.AppError
	if stderrors.As(err, &appErr) {
		return strings.ToLower(string(appErr.Code))
	}

	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "deadline exceeded"):
		return "timeout"
	case strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "network unreachable"):
		return "network"
	case strings.Contains(errMsg, "no such host") || strings.Contains(errMsg, "dns"):
		return "dns"
	case strings.Contains(errMsg, "circuit breaker"):
		return "circuit_breaker"
	default:
		return "unknown"
	}
}
