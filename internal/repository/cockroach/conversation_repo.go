package cockroach

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/domain"
	apperrors "github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/errors"
)

// querier is satisfied by both the pool and a transaction
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ConversationRepository handles conversation operations
type ConversationRepository struct {
	pool *pgxpool.Pool
}

// NewConversationRepository creates a new conversation repository
func NewConversationRepository(pool *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{pool: pool}
}

const conversationColumns = `
	conversation_id, type, status, name, created_by,
	last_message, last_message_id, last_message_at, last_message_sender_id, created_at`

// CreateIfAbsent inserts the conversation and its roster unless it already exists.
// The insert and the read back run in one transaction, so two participants opening
// the same pair concurrently both end up with the single stored row.
func (r *ConversationRepository) CreateIfAbsent(ctx context.Context, conv *domain.Conversation) (*domain.Conversation, bool, error) {
	var stored *domain.Conversation
	var created bool

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO conversations (conversation_id, type, status, name, created_by, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (conversation_id) DO NOTHING
		`, conv.ID, conv.Type, conv.Status, conv.Name, conv.CreatedBy, conv.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert conversation: %w", err)
		}
		created = tag.RowsAffected() == 1

		if created {
			for _, id := range conv.Participants {
				if err := upsertParticipant(ctx, tx, conv.ID, id, conv.ParticipantInfo[id]); err != nil {
					return err
				}
			}
		}

		stored, err = getConversation(ctx, tx, conv.ID)
		return err
	})
	if err != nil {
		return nil, false, apperrors.DatabaseError(err)
	}
	return stored, created, nil
}

// GetByID retrieves a conversation with its roster
func (r *ConversationRepository) GetByID(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	conv, err := getConversation(ctx, r.pool, conversationID)
	if err != nil {
		if errors.Is(err, domain.ErrConversationNotFound) {
			return nil, err
		}
		return nil, apperrors.DatabaseError(err)
	}
	return conv, nil
}

// ListByParticipant retrieves every conversation of a participant, newest activity first
func (r *ConversationRepository) ListByParticipant(ctx context.Context, participantID string) ([]*domain.Conversation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT c.conversation_id, c.type, c.status, c.name, c.created_by,
		       c.last_message, c.last_message_id, c.last_message_at, c.last_message_sender_id, c.created_at
		FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.conversation_id
		WHERE p.participant_id = $1
		ORDER BY c.last_message_at DESC NULLS LAST, c.created_at DESC
	`, participantID)
	if err != nil {
		return nil, apperrors.DatabaseError(fmt.Errorf("failed to list conversations: %w", err))
	}
	defer rows.Close()

	var convs []*domain.Conversation
	byID := make(map[string]*domain.Conversation)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, apperrors.DatabaseError(err)
		}
		convs = append(convs, conv)
		byID[conv.ID] = conv
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	if len(convs) == 0 {
		return convs, nil
	}

	ids := make([]string, 0, len(convs))
	for _, c := range convs {
		ids = append(ids, c.ID)
	}
	if err := loadParticipants(ctx, r.pool, ids, byID); err != nil {
		return nil, apperrors.DatabaseError(err)
	}

	domain.SortByLastMessage(convs)
	return convs, nil
}

// UpdateSummary moves the summary forward. Message IDs are time-ordered,
// so the comparison on last_message_id keeps a late write from moving it back.
func (r *ConversationRepository) UpdateSummary(ctx context.Context, msg *domain.Message) (*domain.Conversation, bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE conversations
		SET last_message = $2,
		    last_message_id = $3,
		    last_message_at = $4,
		    last_message_sender_id = $5
		WHERE conversation_id = $1 AND last_message_id < $3
	`, msg.ConversationID, msg.Preview(), msg.ID, msg.CreatedAt, msg.SenderID)
	if err != nil {
		return nil, false, apperrors.DatabaseError(fmt.Errorf("failed to update summary: %w", err))
	}

	conv, err := r.GetByID(ctx, msg.ConversationID)
	if err != nil {
		return nil, false, err
	}
	return conv, tag.RowsAffected() == 1, nil
}

// AddParticipant adds or refreshes a roster entry
func (r *ConversationRepository) AddParticipant(ctx context.Context, conversationID string, p domain.Participant) (*domain.Conversation, error) {
	var stored *domain.Conversation
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := getConversation(ctx, tx, conversationID); err != nil {
			return err
		}
		if err := upsertParticipant(ctx, tx, conversationID, p.ID, p.Info()); err != nil {
			return err
		}
		var err error
		stored, err = getConversation(ctx, tx, conversationID)
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrConversationNotFound) {
			return nil, err
		}
		return nil, apperrors.DatabaseError(err)
	}
	return stored, nil
}

// UpdateStatus changes the lifecycle status
func (r *ConversationRepository) UpdateStatus(ctx context.Context, conversationID string, status domain.ConversationStatus) (*domain.Conversation, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE conversations SET status = $2 WHERE conversation_id = $1`, conversationID, status)
	if err != nil {
		return nil, apperrors.DatabaseError(fmt.Errorf("failed to update status: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return nil, domain.ErrConversationNotFound
	}
	return r.GetByID(ctx, conversationID)
}

func upsertParticipant(ctx context.Context, q querier, conversationID, participantID string, info domain.ParticipantInfo) error {
	_, err := q.Exec(ctx, `
		UPSERT INTO conversation_participants (conversation_id, participant_id, name, role, avatar, language)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, conversationID, participantID, info.Name, string(info.Role), info.Avatar, info.Language)
	if err != nil {
		return fmt.Errorf("failed to add participant: %w", err)
	}
	return nil
}

func getConversation(ctx context.Context, q querier, conversationID string) (*domain.Conversation, error) {
	row := q.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE conversation_id = $1`, conversationID)
	conv, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrConversationNotFound
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	if err := loadParticipants(ctx, q, []string{conv.ID}, map[string]*domain.Conversation{conv.ID: conv}); err != nil {
		return nil, err
	}
	return conv, nil
}

func loadParticipants(ctx context.Context, q querier, ids []string, byID map[string]*domain.Conversation) error {
	rows, err := q.Query(ctx, `
		SELECT conversation_id, participant_id, name, role, avatar, language
		FROM conversation_participants
		WHERE conversation_id = ANY($1)
		ORDER BY conversation_id, joined_at, participant_id
	`, ids)
	if err != nil {
		return fmt.Errorf("failed to get participants: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var convID, participantID, role string
		var info domain.ParticipantInfo
		if err := rows.Scan(&convID, &participantID, &info.Name, &role, &info.Avatar, &info.Language); err != nil {
			return fmt.Errorf("failed to scan participant: %w", err)
		}
		info.Role = domain.Role(role)

		conv := byID[convID]
		if conv == nil {
			continue
		}
		conv.Participants = append(conv.Participants, participantID)
		conv.ParticipantInfo[participantID] = info
	}
	return rows.Err()
}

func scanConversation(row pgx.Row) (*domain.Conversation, error) {
	conv := &domain.Conversation{ParticipantInfo: make(map[string]domain.ParticipantInfo)}
	var convType, status string
	err := row.Scan(
		&conv.ID,
		&convType,
		&status,
		&conv.Name,
		&conv.CreatedBy,
		&conv.LastMessage,
		&conv.LastMessageID,
		&conv.LastMessageAt,
		&conv.LastMessageSenderID,
		&conv.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	conv.Type = domain.ConversationType(convType)
	conv.Status = domain.ConversationStatus(status)
	return conv, nil
}
