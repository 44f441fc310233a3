// Package push delivers wake-up notifications to devices that have no live
// connection: incoming calls and messages for offline participants.
package push

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/logger"
)

// Provider defines interface for sending push notifications
type Provider interface {
	Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error)
}

// SendResult contains the result of a push notification send operation
type SendResult struct {
	SuccessCount  int
	FailureCount  int
	InvalidTokens []string
	Errors        []error
}

// Notification represents a push notification
type Notification struct {
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
	Priority string            `json:"priority,omitempty"` // high, normal
	Sound    string            `json:"sound,omitempty"`
	Badge    *int              `json:"badge,omitempty"`
	Category string            `json:"category,omitempty"`
	// VoIP marks call wake-ups, which iOS delivers through PushKit.
	VoIP bool `json:"voip,omitempty"`
}

// Notification categories
const (
	CategoryIncomingCall = "INCOMING_CALL"
	CategoryMessage      = "NEW_MESSAGE"
)

// MockProvider records notifications instead of sending them
type MockProvider struct {
	mu   sync.Mutex
	sent []MockDelivery
	// Invalid tokens are reported back as unregistered.
	Invalid map[string]bool
}

// MockDelivery is one recorded send
type MockDelivery struct {
	Notification *Notification
	Tokens       []string
}

// NewMockProvider creates a MockProvider
func NewMockProvider() *MockProvider {
	return &MockProvider{Invalid: make(map[string]bool)}
}

// Send implements Provider interface
func (m *MockProvider) Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sent = append(m.sent, MockDelivery{
		Notification: notification,
		Tokens:       append([]string(nil), tokens...),
	})

	logger.Debug("MockProvider: Sending notification",
		zap.String("title", notification.Title),
		zap.String("body", notification.Body),
		zap.Int("token_count", len(tokens)))

	result := &SendResult{}
	for _, t := range tokens {
		if m.Invalid[t] {
			result.FailureCount++
			result.InvalidTokens = append(result.InvalidTokens, t)
			continue
		}
		result.SuccessCount++
	}
	return result, nil
}

// Sent returns every recorded send
func (m *MockProvider) Sent() []MockDelivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockDelivery(nil), m.sent...)
}

// MaskToken returns a safe masked version of a push token for logging
func MaskToken(token string) string {
	if len(token) <= 16 {
		return "********"
	}
	return token[:8] + "..." + token[len(token)-8:]
}
