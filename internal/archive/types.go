package archive

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rickgao/convstream/internal/event"
	"github.com/rickgao/convstream/internal/queue"
)

// Config contains configuration for the archive writer.
type Config struct {
	// BatchSize is the number of rows to accumulate before flushing.
	BatchSize int

	// FlushInterval is the maximum time between flushes.
	FlushInterval time.Duration

	// BufferSize is the initial capacity of the inbound buffer.
	BufferSize int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     500,
		FlushInterval: time.Second,
		BufferSize:    10000,
	}
}

// DB is the subset of *pgxpool.Pool the writer uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Metrics tracks writer activity.
type Metrics struct {
	Received  int64
	Dropped   int64 // archived after Stop
	Inserts   int64
	Conflicts int64
	Errors    int64
	Flushes   int64
	Buffer    queue.Stats
}

// record is one event waiting to be transformed.
type record struct {
	ev         event.Event
	receivedAt time.Time
}

// eventRow is a row for the conversation_events table.
type eventRow struct {
	ConversationID string
	Seq            *int64 // nil when the event has no integer id
	Action         string
	Observation    string
	Payload        []byte // JSONB
	ReceivedAt     time.Time
}
