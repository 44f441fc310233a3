package cassandra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/domain"
	apperrors "github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/errors"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/idgen"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/metrics"
)

const table = "messages"

// MessageRepository handles message storage in Cassandra
// Implements bucketing strategy for scalability
type MessageRepository struct {
	session *gocql.Session
}

// NewMessageRepository creates a new MessageRepository
func NewMessageRepository(session *gocql.Session) *MessageRepository {
	return &MessageRepository{session: session}
}

const messageColumns = `conversation_id, message_id, sender_id, kind, content,
	translations, attachments, status, call_id, created_at`

// Create inserts a new message and records its bucket
func (r *MessageRepository) Create(ctx context.Context, msg *domain.Message) error {
	start := time.Now()
	bucket := domain.CalculateBucket(msg.CreatedAt)

	attachments, err := json.Marshal(msg.Attachments)
	if err != nil {
		return fmt.Errorf("failed to encode attachments: %w", err)
	}

	batch := r.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(`
		INSERT INTO messages (
			conversation_id, bucket, message_id, sender_id, kind, content,
			translations, attachments, status, call_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		msg.ConversationID,
		bucket,
		msg.ID,
		msg.SenderID,
		string(msg.Kind),
		msg.Content,
		msg.Translations,
		string(attachments),
		string(msg.Status),
		msg.CallID,
		msg.CreatedAt,
	)
	batch.Query(`INSERT INTO conversation_buckets (conversation_id, bucket) VALUES (?, ?)`, msg.ConversationID, bucket)

	err = r.session.ExecuteBatch(batch)
	metrics.RecordCassandraQuery("insert", table, time.Since(start).Seconds(), err)
	if err != nil {
		return apperrors.TransientError(fmt.Errorf("failed to save message: %w", err))
	}
	return nil
}

// GetByID retrieves a specific message. The bucket is derived from the ID's timestamp.
func (r *MessageRepository) GetByID(ctx context.Context, conversationID, messageID string) (*domain.Message, error) {
	bucket, err := bucketOf(messageID)
	if err != nil {
		return nil, domain.ErrMessageNotFound
	}

	start := time.Now()
	msg, err := scanMessage(r.session.Query(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ? AND bucket = ? AND message_id = ?
	`, conversationID, bucket, messageID).WithContext(ctx).Iter())
	metrics.RecordCassandraQuery("get", table, time.Since(start).Seconds(), ignoreNotFound(err))
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, domain.ErrMessageNotFound
		}
		return nil, apperrors.TransientError(fmt.Errorf("failed to get message: %w", err))
	}
	return msg, nil
}

// ListAfter walks buckets forward from the cursor's month
func (r *MessageRepository) ListAfter(ctx context.Context, conversationID, afterID string, limit int) ([]*domain.Message, error) {
	buckets, err := r.buckets(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	from := 0
	if afterID != "" {
		if from, err = bucketOf(afterID); err != nil {
			return nil, apperrors.ValidationError("invalid cursor")
		}
	}

	var out []*domain.Message
	for _, bucket := range buckets {
		if bucket < from {
			continue
		}
		remaining := limit - len(out)
		if limit > 0 && remaining <= 0 {
			break
		}

		query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ? AND bucket = ? AND message_id > ? ORDER BY message_id ASC`
		args := []any{conversationID, bucket, afterID}
		if limit > 0 {
			query += ` LIMIT ?`
			args = append(args, remaining)
		}

		page, err := r.query(ctx, "list_after", query, args...)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
	}
	return out, nil
}

// ListBefore walks buckets backwards from the cursor's month and returns the page in ascending order
func (r *MessageRepository) ListBefore(ctx context.Context, conversationID, beforeID string, limit int) ([]*domain.Message, error) {
	buckets, err := r.buckets(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	to := int(^uint(0) >> 1)
	if beforeID != "" {
		if to, err = bucketOf(beforeID); err != nil {
			return nil, apperrors.ValidationError("invalid cursor")
		}
	}

	var desc []*domain.Message
	for i := len(buckets) - 1; i >= 0; i-- {
		bucket := buckets[i]
		if bucket > to {
			continue
		}
		remaining := limit - len(desc)
		if limit > 0 && remaining <= 0 {
			break
		}

		query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ? AND bucket = ?`
		args := []any{conversationID, bucket}
		if beforeID != "" {
			query += ` AND message_id < ?`
			args = append(args, beforeID)
		}
		query += ` ORDER BY message_id DESC`
		if limit > 0 {
			query += ` LIMIT ?`
			args = append(args, remaining)
		}

		page, err := r.query(ctx, "list_before", query, args...)
		if err != nil {
			return nil, err
		}
		desc = append(desc, page...)
	}

	out := make([]*domain.Message, len(desc))
	for i, m := range desc {
		out[len(desc)-1-i] = m
	}
	return out, nil
}

// AdvanceStatus is a lightweight transaction: the update applies only while the
// stored status precedes the target, so concurrent readers can never move it back.
func (r *MessageRepository) AdvanceStatus(ctx context.Context, conversationID, messageID string, to domain.MessageStatus) (bool, error) {
	bucket, err := bucketOf(messageID)
	if err != nil {
		return false, domain.ErrMessageNotFound
	}

	from := make([]string, 0, 2)
	for _, s := range to.Precedes() {
		from = append(from, string(s))
	}
	if len(from) == 0 {
		return false, nil
	}

	start := time.Now()
	current := make(map[string]interface{})
	applied, err := r.session.Query(`
		UPDATE messages SET status = ?
		WHERE conversation_id = ? AND bucket = ? AND message_id = ?
		IF status IN ?
	`, string(to), conversationID, bucket, messageID, from).WithContext(ctx).MapScanCAS(current)
	metrics.RecordCassandraQuery("advance_status", table, time.Since(start).Seconds(), err)
	if err != nil {
		return false, apperrors.TransientError(fmt.Errorf("failed to advance status: %w", err))
	}

	if !applied {
		if _, exists := current["status"]; !exists {
			return false, domain.ErrMessageNotFound
		}
	}
	return applied, nil
}

// SetTranslation stores one language variant
func (r *MessageRepository) SetTranslation(ctx context.Context, conversationID, messageID, language, text string) error {
	bucket, err := bucketOf(messageID)
	if err != nil {
		return domain.ErrMessageNotFound
	}

	start := time.Now()
	err = r.session.Query(`
		UPDATE messages SET translations[?] = ?
		WHERE conversation_id = ? AND bucket = ? AND message_id = ?
	`, language, text, conversationID, bucket, messageID).WithContext(ctx).Exec()
	metrics.RecordCassandraQuery("set_translation", table, time.Since(start).Seconds(), err)
	if err != nil {
		return apperrors.TransientError(fmt.Errorf("failed to store translation: %w", err))
	}
	return nil
}

func (r *MessageRepository) buckets(ctx context.Context, conversationID string) ([]int, error) {
	iter := r.session.Query(`SELECT bucket FROM conversation_buckets WHERE conversation_id = ?`, conversationID).
		WithContext(ctx).Iter()

	var buckets []int
	var bucket int
	for iter.Scan(&bucket) {
		buckets = append(buckets, bucket)
	}
	if err := iter.Close(); err != nil {
		return nil, apperrors.TransientError(fmt.Errorf("failed to list buckets: %w", err))
	}
	return buckets, nil
}

func (r *MessageRepository) query(ctx context.Context, operation, query string, args ...any) ([]*domain.Message, error) {
	start := time.Now()
	iter := r.session.Query(query, args...).WithContext(ctx).Iter()

	var out []*domain.Message
	for {
		msg, err := scanMessage(iter)
		if errors.Is(err, gocql.ErrNotFound) {
			break
		}
		if err != nil {
			_ = iter.Close()
			metrics.RecordCassandraQuery(operation, table, time.Since(start).Seconds(), err)
			return nil, apperrors.TransientError(fmt.Errorf("failed to fetch messages: %w", err))
		}
		out = append(out, msg)
	}
	metrics.RecordCassandraQuery(operation, table, time.Since(start).Seconds(), nil)
	return out, nil
}

// scanMessage reads the next row of iter. It returns gocql.ErrNotFound when the
// iterator is exhausted and closes it.
func scanMessage(iter *gocql.Iter) (*domain.Message, error) {
	msg := &domain.Message{}
	var kind, status, attachments string
	if !iter.Scan(
		&msg.ConversationID,
		&msg.ID,
		&msg.SenderID,
		&kind,
		&msg.Content,
		&msg.Translations,
		&attachments,
		&status,
		&msg.CallID,
		&msg.CreatedAt,
	) {
		if err := iter.Close(); err != nil {
			return nil, err
		}
		return nil, gocql.ErrNotFound
	}

	msg.Kind = domain.MessageKind(kind)
	msg.Status = domain.MessageStatus(status)
	if attachments != "" && attachments != "null" {
		if err := json.Unmarshal([]byte(attachments), &msg.Attachments); err != nil {
			return nil, fmt.Errorf("failed to decode attachments of %s: %w", msg.ID, err)
		}
	}
	return msg, nil
}

func bucketOf(messageID string) (int, error) {
	t := idgen.Time(messageID)
	if t.IsZero() {
		return 0, fmt.Errorf("invalid message id %q", messageID)
	}
	return domain.CalculateBucket(t), nil
}

func ignoreNotFound(err error) error {
	if errors.Is(err, gocql.ErrNotFound) {
		return nil
	}
	return err
}
