package redis

import (
	"context"
	"fmt"

	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/database"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/constants"
)

// PresenceRepository handles participant online/offline status in Redis
type PresenceRepository struct {
	client *database.RedisClient
}

// NewPresenceRepository creates a new PresenceRepository
func NewPresenceRepository(client *database.RedisClient) *PresenceRepository {
	return &PresenceRepository{client: client}
}

func presenceKey(participantID string) string {
	return constants.PresenceKeyPrefix + participantID
}

// SetOnline marks the participant online. The key expires after PresenceTTL unless refreshed.
func (r *PresenceRepository) SetOnline(ctx context.Context, participantID string) error {
	if err := r.client.SafeSet(ctx, presenceKey(participantID), "online", constants.PresenceTTL).Err(); err != nil {
		return fmt.Errorf("failed to set participant online: %w", err)
	}
	return nil
}

// SetOffline marks the participant offline
func (r *PresenceRepository) SetOffline(ctx context.Context, participantID string) error {
	if err := r.client.SafeDel(ctx, presenceKey(participantID)).Err(); err != nil {
		return fmt.Errorf("failed to delete presence: %w", err)
	}
	return nil
}

// IsOnline checks if the participant currently has a live client
func (r *PresenceRepository) IsOnline(ctx context.Context, participantID string) (bool, error) {
	exists, err := r.client.SafeExists(ctx, presenceKey(participantID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check presence: %w", err)
	}
	return exists > 0, nil
}

// Refresh keeps the participant online (heartbeat)
func (r *PresenceRepository) Refresh(ctx context.Context, participantID string) error {
	if err := r.client.SafeExpire(ctx, presenceKey(participantID), constants.PresenceTTL).Err(); err != nil {
		return fmt.Errorf("failed to refresh presence: %w", err)
	}
	return nil
}
