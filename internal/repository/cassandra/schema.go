package cassandra

import (
	"fmt"
	"strings"

	"github.com/gocql/gocql"
)

// Schema holds the CQL statements of the message log.
// Messages are partitioned per conversation and month; conversation_buckets
// lists the months a conversation has written to so range reads can walk them.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS messages (
		conversation_id text,
		bucket int,
		message_id text,
		sender_id text,
		kind text,
		content text,
		translations map<text, text>,
		attachments text,
		status text,
		call_id text,
		created_at timestamp,
		PRIMARY KEY ((conversation_id, bucket), message_id)
	) WITH CLUSTERING ORDER BY (message_id ASC)`,
	`CREATE TABLE IF NOT EXISTS conversation_buckets (
		conversation_id text,
		bucket int,
		PRIMARY KEY (conversation_id, bucket)
	) WITH CLUSTERING ORDER BY (bucket ASC)`,
}

// Migrate applies Schema in order
func Migrate(session *gocql.Session) error {
	for _, stmt := range Schema {
		if err := session.Query(stmt).Exec(); err != nil {
			name := strings.Fields(stmt)
			return fmt.Errorf("failed to apply %s: %w", strings.Join(name[:min(len(name), 6)], " "), err)
		}
	}
	return nil
}
