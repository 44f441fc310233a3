package cockroach

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates the conversation and call session tables.
// The partial unique index keeps at most one open session per channel.
const Schema = `
CREATE TABLE IF NOT EXISTS conversations (
	conversation_id        STRING PRIMARY KEY,
	type                   STRING NOT NULL,
	status                 STRING NOT NULL DEFAULT 'active',
	name                   STRING NOT NULL DEFAULT '',
	created_by             STRING NOT NULL,
	last_message           STRING NOT NULL DEFAULT '',
	last_message_id        STRING NOT NULL DEFAULT '',
	last_message_at        TIMESTAMPTZ,
	last_message_sender_id STRING NOT NULL DEFAULT '',
	created_at             TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS conversation_participants (
	conversation_id STRING NOT NULL REFERENCES conversations (conversation_id),
	participant_id  STRING NOT NULL,
	name            STRING NOT NULL DEFAULT '',
	role            STRING NOT NULL DEFAULT '',
	avatar          STRING NOT NULL DEFAULT '',
	language        STRING NOT NULL DEFAULT '',
	joined_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (conversation_id, participant_id),
	INDEX conversation_participants_by_participant (participant_id)
);

CREATE TABLE IF NOT EXISTS call_sessions (
	call_id          STRING PRIMARY KEY,
	conversation_id  STRING NOT NULL DEFAULT '',
	caller_id        STRING NOT NULL,
	participant_ids  STRING[] NOT NULL,
	channel_id       STRING NOT NULL,
	kind             STRING NOT NULL,
	state            STRING NOT NULL,
	started_at       TIMESTAMPTZ NOT NULL,
	answered_at      TIMESTAMPTZ,
	ended_at         TIMESTAMPTZ,
	duration_seconds INT NOT NULL DEFAULT 0,
	ended_by         STRING NOT NULL DEFAULT '',
	end_reason       STRING NOT NULL DEFAULT '',
	INDEX call_sessions_by_state (state, started_at),
	INVERTED INDEX call_sessions_by_participant (participant_ids)
);

CREATE UNIQUE INDEX IF NOT EXISTS call_sessions_open_channel
	ON call_sessions (channel_id) WHERE state IN ('ringing', 'active');
`

// Migrate applies Schema. Every statement is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
