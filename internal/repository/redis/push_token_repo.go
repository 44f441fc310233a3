package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/database"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/domain"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/constants"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/logger"
)

// PushTokenRepository stores device tokens in a hash per participant, keyed by token
type PushTokenRepository struct {
	client *database.RedisClient
}

// NewPushTokenRepository creates a new push token repository
func NewPushTokenRepository(client *database.RedisClient) *PushTokenRepository {
	return &PushTokenRepository{client: client}
}

func pushTokenKey(participantID string) string {
	return constants.PushTokenKeyPrefix + participantID
}

// Register stores or refreshes a device token
func (r *PushTokenRepository) Register(ctx context.Context, token *domain.PushToken) error {
	stored := *token
	if stored.RegisteredAt.IsZero() {
		stored.RegisteredAt = time.Now().UTC()
	}

	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to marshal push token: %w", err)
	}

	key := pushTokenKey(token.ParticipantID)
	if err := r.client.SafeHSet(ctx, key, token.Token, data).Err(); err != nil {
		return fmt.Errorf("failed to store push token: %w", err)
	}
	if err := r.client.SafeExpire(ctx, key, constants.PushTokenExpiry).Err(); err != nil {
		logger.Warn("Failed to set push token expiry",
			zap.String("participant_id", token.ParticipantID),
			zap.Error(err))
	}
	return nil
}

// Remove deletes a device token
func (r *PushTokenRepository) Remove(ctx context.Context, participantID, token string) error {
	if r.client.IsDegraded() {
		return fmt.Errorf("redis is in degraded mode, push token removal skipped")
	}
	if err := r.client.Client.HDel(ctx, pushTokenKey(participantID), token).Err(); err != nil {
		return fmt.Errorf("failed to remove push token: %w", err)
	}
	return nil
}

// ListByParticipant returns every registered device of a participant
func (r *PushTokenRepository) ListByParticipant(ctx context.Context, participantID string) ([]*domain.PushToken, error) {
	entries, err := r.client.SafeHGetAll(ctx, pushTokenKey(participantID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list push tokens: %w", err)
	}

	tokens := make([]*domain.PushToken, 0, len(entries))
	for field, raw := range entries {
		var t domain.PushToken
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			logger.Warn("Skipping malformed push token",
				zap.String("participant_id", participantID),
				zap.String("token", field),
				zap.Error(err))
			continue
		}
		tokens = append(tokens, &t)
	}
	return tokens, nil
}
