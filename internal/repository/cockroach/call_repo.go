package cockroach

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/domain"
	apperrors "github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/errors"
)

const uniqueViolation = "23505"

// CallRepository handles call session operations
type CallRepository struct {
	pool *pgxpool.Pool
}

// NewCallRepository creates a new call repository
func NewCallRepository(pool *pgxpool.Pool) *CallRepository {
	return &CallRepository{pool: pool}
}

const callColumns = `
	call_id, conversation_id, caller_id, participant_ids, channel_id, kind, state,
	started_at, answered_at, ended_at, duration_seconds, ended_by, end_reason`

// Create inserts a ringing session. The partial unique index on channel_id
// rejects a second open session on the same channel.
func (r *CallRepository) Create(ctx context.Context, call *domain.CallSession) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO call_sessions (
			call_id, conversation_id, caller_id, participant_ids, channel_id, kind, state, started_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		call.ID,
		call.ConversationID,
		call.CallerID,
		call.ParticipantIDs,
		call.ChannelID,
		string(call.Kind),
		string(call.State),
		call.StartedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.ErrChannelBusy
		}
		return apperrors.DatabaseError(fmt.Errorf("failed to create call: %w", err))
	}
	return nil
}

// GetByID retrieves a call session
func (r *CallRepository) GetByID(ctx context.Context, callID string) (*domain.CallSession, error) {
	call, err := scanCall(r.pool.QueryRow(ctx, `SELECT `+callColumns+` FROM call_sessions WHERE call_id = $1`, callID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrCallNotFound
		}
		return nil, apperrors.DatabaseError(fmt.Errorf("failed to get call: %w", err))
	}
	return call, nil
}

// GetOpenByChannel retrieves the ringing or active session of a channel
func (r *CallRepository) GetOpenByChannel(ctx context.Context, channelID string) (*domain.CallSession, error) {
	call, err := scanCall(r.pool.QueryRow(ctx, `
		SELECT `+callColumns+`
		FROM call_sessions
		WHERE channel_id = $1 AND state IN ('ringing', 'active')
	`, channelID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrCallNotFound
		}
		return nil, apperrors.DatabaseError(fmt.Errorf("failed to get call by channel: %w", err))
	}
	return call, nil
}

// Transition locks the row, checks the state machine and writes the new state.
// The UPDATE repeats the state check so a concurrent writer can never be overwritten.
func (r *CallRepository) Transition(ctx context.Context, tr domain.CallTransition) (*domain.CallSession, bool, error) {
	var result *domain.CallSession
	var applied bool

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		call, err := scanCall(tx.QueryRow(ctx, `SELECT `+callColumns+` FROM call_sessions WHERE call_id = $1 FOR UPDATE`, tr.CallID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrCallNotFound
			}
			return fmt.Errorf("failed to lock call: %w", err)
		}

		from := call.State
		result = call
		if !call.Apply(tr) {
			return nil
		}

		tag, err := tx.Exec(ctx, `
			UPDATE call_sessions
			SET state = $3,
			    answered_at = $4,
			    ended_at = $5,
			    duration_seconds = $6,
			    ended_by = $7,
			    end_reason = $8
			WHERE call_id = $1 AND state = $2
		`,
			call.ID,
			string(from),
			string(call.State),
			call.AnsweredAt,
			call.EndedAt,
			call.DurationSeconds,
			call.EndedBy,
			call.EndReason,
		)
		if err != nil {
			return fmt.Errorf("failed to transition call: %w", err)
		}
		applied = tag.RowsAffected() == 1
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrCallNotFound) {
			return nil, false, err
		}
		return nil, false, apperrors.DatabaseError(err)
	}

	if !applied {
		// Re-read so the caller sees the state that won.
		current, err := r.GetByID(ctx, tr.CallID)
		if err != nil {
			return nil, false, err
		}
		return current, false, nil
	}
	return result, true, nil
}

// ListRingingFor retrieves sessions ringing a participant
func (r *CallRepository) ListRingingFor(ctx context.Context, participantID string) ([]*domain.CallSession, error) {
	return r.list(ctx, `
		SELECT `+callColumns+`
		FROM call_sessions
		WHERE state = 'ringing' AND $1 = ANY(participant_ids) AND caller_id != $1
		ORDER BY started_at DESC
	`, participantID)
}

// ListStale retrieves sessions the reaper must force terminal
func (r *CallRepository) ListStale(ctx context.Context, ringingBefore, activeBefore time.Time) ([]*domain.CallSession, error) {
	return r.list(ctx, `
		SELECT `+callColumns+`
		FROM call_sessions
		WHERE (state = 'ringing' AND started_at < $1)
		   OR (state = 'active' AND answered_at < $2)
		ORDER BY started_at
		LIMIT 500
	`, ringingBefore, activeBefore)
}

// ListByParticipant retrieves call history for a participant
func (r *CallRepository) ListByParticipant(ctx context.Context, participantID string, limit int) ([]*domain.CallSession, error) {
	return r.list(ctx, `
		SELECT `+callColumns+`
		FROM call_sessions
		WHERE $1 = ANY(participant_ids)
		ORDER BY started_at DESC
		LIMIT $2
	`, participantID, limit)
}

func (r *CallRepository) list(ctx context.Context, query string, args ...any) ([]*domain.CallSession, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.DatabaseError(fmt.Errorf("failed to list calls: %w", err))
	}
	defer rows.Close()

	var calls []*domain.CallSession
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, apperrors.DatabaseError(fmt.Errorf("failed to scan call: %w", err))
		}
		calls = append(calls, call)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	return calls, nil
}

func scanCall(row pgx.Row) (*domain.CallSession, error) {
	call := &domain.CallSession{}
	var kind, state string
	err := row.Scan(
		&call.ID,
		&call.ConversationID,
		&call.CallerID,
		&call.ParticipantIDs,
		&call.ChannelID,
		&kind,
		&state,
		&call.StartedAt,
		&call.AnsweredAt,
		&call.EndedAt,
		&call.DurationSeconds,
		&call.EndedBy,
		&call.EndReason,
	)
	if err != nil {
		return nil, err
	}
	call.Kind = domain.CallKind(kind)
	call.State = domain.CallState(state)
	return call, nil
}
