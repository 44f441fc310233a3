// Package notification wakes participants that have no live client: callees
// of a new call and recipients of a new message.
package notification

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/domain"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/repository"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/constants"
	apperrors "github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/errors"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/logger"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/metrics"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/push"
)

const (
	typeCall    = "call"
	typeMessage = "message"

	previewLength = 120
)

// Service handles push wake-ups and device registration
type Service struct {
	provider push.Provider
	tokens   repository.PushTokenRepository
	presence repository.PresenceRepository
	wg       sync.WaitGroup
}

// NewService creates a new notification service
func NewService(provider push.Provider, tokens repository.PushTokenRepository, presence repository.PresenceRepository) *Service {
	return &Service{
		provider: provider,
		tokens:   tokens,
		presence: presence,
	}
}

// Wait blocks until background message wake-ups finish
func (s *Service) Wait() {
	s.wg.Wait()
}

// RegisterToken stores a device of participantID
func (s *Service) RegisterToken(ctx context.Context, participantID string, token *domain.PushToken) error {
	if strings.TrimSpace(token.Token) == "" {
		return apperrors.MissingFieldError("token")
	}
	switch token.Platform {
	case domain.PlatformAndroid, domain.PlatformIOS, domain.PlatformWeb:
	default:
		return apperrors.ValidationError(fmt.Sprintf("unknown platform %q", token.Platform))
	}
	token.ParticipantID = participantID
	if err := s.tokens.Register(ctx, token); err != nil {
		return fmt.Errorf("failed to register push token: %w", err)
	}
	return nil
}

// UnregisterToken removes a device of participantID
func (s *Service) UnregisterToken(ctx context.Context, participantID, token string) error {
	if err := s.tokens.Remove(ctx, participantID, token); err != nil {
		return fmt.Errorf("failed to remove push token: %w", err)
	}
	return nil
}

// IncomingCall wakes every offline callee of a new call
func (s *Service) IncomingCall(ctx context.Context, call *domain.CallSession) {
	notification := &push.Notification{
		Title:    "Incoming call",
		Body:     fmt.Sprintf("Incoming %s call", call.Kind),
		Priority: "high",
		Category: push.CategoryIncomingCall,
		VoIP:     true,
		Data: map[string]string{
			"type":            typeCall,
			"call_id":         call.ID,
			"conversation_id": call.ConversationID,
			"channel_id":      call.ChannelID,
			"caller_id":       call.CallerID,
			"kind":            string(call.Kind),
			"started_at":      fmt.Sprintf("%d", call.StartedAt.Unix()),
		},
	}
	s.wake(ctx, typeCall, call.Callees(), notification)
}

// MessageSent wakes offline recipients of a text message in the background
func (s *Service) MessageSent(ctx context.Context, conv *domain.Conversation, msg *domain.Message) {
	if msg.Kind != domain.MessageText {
		return
	}
	recipients := conv.Recipients(msg.SenderID)
	if len(recipients) == 0 {
		return
	}

	title := "New message"
	if info, ok := conv.ParticipantInfo[msg.SenderID]; ok && info.Name != "" {
		title = info.Name
	}
	if conv.Type == domain.ConversationGroup && conv.Name != "" {
		title = fmt.Sprintf("%s (%s)", title, conv.Name)
	}
	notification := &push.Notification{
		Title:    title,
		Body:     truncate(msg.Preview(), previewLength),
		Priority: "normal",
		Sound:    "default",
		Category: push.CategoryMessage,
		Data: map[string]string{
			"type":            typeMessage,
			"conversation_id": conv.ID,
			"message_id":      msg.ID,
			"sender_id":       msg.SenderID,
		},
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), constants.DefaultTimeout)
		defer cancel()
		s.wake(ctx, typeMessage, recipients, notification)
	}()
}

// wake sends notification to the devices of every offline participant
func (s *Service) wake(ctx context.Context, kind string, participantIDs []string, notification *push.Notification) {
	owners := make(map[string]string)
	var tokens []string
	for _, id := range participantIDs {
		online, err := s.presence.IsOnline(ctx, id)
		if err != nil {
			logger.Warn("Failed to read presence, waking anyway",
				zap.String("participant_id", id),
				zap.Error(err))
		}
		if online {
			continue
		}

		devices, err := s.tokens.ListByParticipant(ctx, id)
		if err != nil {
			logger.Warn("Failed to get push tokens for participant",
				zap.String("participant_id", id),
				zap.Error(err))
			continue
		}
		for _, d := range devices {
			if !deliverable(d, notification) {
				continue
			}
			owners[d.Token] = id
			tokens = append(tokens, d.Token)
		}
	}

	if len(tokens) == 0 {
		metrics.PushNotificationsTotal.WithLabelValues(kind, "skipped").Inc()
		return
	}

	result, err := s.provider.Send(ctx, notification, tokens)
	if err != nil {
		metrics.PushNotificationsTotal.WithLabelValues(kind, "failed").Inc()
		logger.Error("Failed to send push notification",
			zap.String("type", kind),
			zap.Int("token_count", len(tokens)),
			zap.Error(err))
		return
	}
	metrics.PushNotificationsTotal.WithLabelValues(kind, "sent").Add(float64(result.SuccessCount))
	if result.FailureCount > 0 {
		metrics.PushNotificationsTotal.WithLabelValues(kind, "failed").Add(float64(result.FailureCount))
	}

	for _, t := range result.InvalidTokens {
		if err := s.tokens.Remove(ctx, owners[t], t); err != nil {
			logger.Warn("Failed to prune invalid push token",
				zap.String("token", push.MaskToken(t)),
				zap.Error(err))
		}
	}
}

// deliverable reports whether the device can receive notification.
// iOS only accepts call wake-ups on VoIP tokens, and VoIP tokens accept nothing else.
func deliverable(d *domain.PushToken, notification *push.Notification) bool {
	if d.Platform != domain.PlatformIOS {
		return true
	}
	return d.VoIP == notification.VoIP
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}
