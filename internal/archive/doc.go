// Package archive persists every ingested conversation event to PostgreSQL.
//
// Events are buffered, batched, and inserted with pgx.Batch. Inserts are
// append-only; a repeated (conversation_id, seq) pair is skipped.
package archive
