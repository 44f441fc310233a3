package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/database"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/domain"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/constants"
	apperrors "github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/errors"
)

// advanceCursorScript stores ARGV[1] only when it sorts after the current cursor.
// Message IDs are lowercase ULIDs, so byte order is creation order.
var advanceCursorScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], ARGV[2])
if current and current >= ARGV[1] then
	return current
end
redis.call('HSET', KEYS[1], ARGV[2], ARGV[1])
return ARGV[1]
`)

// UnreadRepository keeps unread counters in "unread:<participant>" hashes and
// read cursors in "read_cursor:<participant>" hashes, both keyed by conversation.
type UnreadRepository struct {
	client *database.RedisClient
}

// NewUnreadRepository creates a new UnreadRepository
func NewUnreadRepository(client *database.RedisClient) *UnreadRepository {
	return &UnreadRepository{client: client}
}

func unreadKey(participantID string) string {
	return constants.UnreadKeyPrefix + participantID
}

func cursorKey(participantID string) string {
	return constants.ReadCursorKeyPrefix + participantID
}

// Increment adds one unread message for every participant in a single pipeline
func (r *UnreadRepository) Increment(ctx context.Context, conversationID string, participantIDs []string) error {
	if len(participantIDs) == 0 {
		return nil
	}
	err := r.client.SafePipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, p := range participantIDs {
			pipe.HIncrBy(ctx, unreadKey(p), conversationID, 1)
		}
		return nil
	})
	if err != nil {
		return apperrors.TransientError(fmt.Errorf("failed to increment unread: %w", err))
	}
	return nil
}

// Reset zeroes the counter of one conversation
func (r *UnreadRepository) Reset(ctx context.Context, participantID, conversationID string) error {
	if err := r.client.SafeHSet(ctx, unreadKey(participantID), conversationID, 0).Err(); err != nil {
		return apperrors.TransientError(fmt.Errorf("failed to reset unread: %w", err))
	}
	return nil
}

// Counts returns all counters of a participant
func (r *UnreadRepository) Counts(ctx context.Context, participantID string) (domain.UnreadCounts, error) {
	raw, err := r.client.SafeHGetAll(ctx, unreadKey(participantID)).Result()
	if err != nil {
		return nil, apperrors.TransientError(fmt.Errorf("failed to read unread counts: %w", err))
	}

	counts := make(domain.UnreadCounts, len(raw))
	for conv, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		counts[conv] = n
	}
	return counts, nil
}

// AdvanceReadCursor moves the cursor forward and returns the stored value
func (r *UnreadRepository) AdvanceReadCursor(ctx context.Context, participantID, conversationID, messageID string) (string, error) {
	res, err := r.client.SafeRun(ctx, advanceCursorScript, []string{cursorKey(participantID)}, messageID, conversationID).Text()
	if err != nil {
		return "", apperrors.TransientError(fmt.Errorf("failed to advance read cursor: %w", err))
	}
	return res, nil
}

// ReadCursor returns the last message the participant has read, or "" when none
func (r *UnreadRepository) ReadCursor(ctx context.Context, participantID, conversationID string) (string, error) {
	v, err := r.client.SafeHGet(ctx, cursorKey(participantID), conversationID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", apperrors.TransientError(fmt.Errorf("failed to read cursor: %w", err))
	}
	return v, nil
}
