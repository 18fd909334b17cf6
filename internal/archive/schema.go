package archive

import (
	"context"
	"fmt"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS conversation_events (
	id              BIGSERIAL PRIMARY KEY,
	conversation_id TEXT        NOT NULL,
	seq             BIGINT,
	action          TEXT        NOT NULL DEFAULT '',
	observation     TEXT        NOT NULL DEFAULT '',
	payload         JSONB       NOT NULL,
	received_at     TIMESTAMPTZ NOT NULL,
	UNIQUE (conversation_id, seq)
)`

const createIndexSQL = `
CREATE INDEX IF NOT EXISTS conversation_events_received_at_idx
	ON conversation_events (conversation_id, received_at)`

const insertSQL = `
	INSERT INTO conversation_events (conversation_id, seq, action, observation, payload, received_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (conversation_id, seq) DO NOTHING
`

// EnsureSchema creates the conversation_events table if it does not exist.
func EnsureSchema(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, createTableSQL); err != nil {
		return fmt.Errorf("create conversation_events: %w", err)
	}
	if _, err := db.Exec(ctx, createIndexSQL); err != nil {
		return fmt.Errorf("create conversation_events index: %w", err)
	}
	return nil
}
