package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rickgao/convstream/internal/event"
)

// fakeDB records queued inserts and skips repeated (conversation_id, seq).
type fakeDB struct {
	mu      sync.Mutex
	execs   []string
	rows    [][]any
	seen    map[string]bool
	batches int
	fail    error
}

func newFakeDB() *fakeDB {
	return &fakeDB{seen: make(map[string]bool)}
}

func (f *fakeDB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, sql)
	return pgconn.NewCommandTag("CREATE TABLE"), nil
}

func (f *fakeDB) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	f.mu.Lock()
	defer f.mu.Unlock()

	res := &fakeResults{}
	if f.fail != nil {
		res.err = f.fail
		return res
	}

	f.batches++
	for _, q := range b.QueuedQueries {
		affected := "INSERT 0 1"
		if seq, ok := q.Arguments[1].(*int64); ok && seq != nil {
			key := fmt.Sprintf("%s/%d", q.Arguments[0], *seq)
			if f.seen[key] {
				affected = "INSERT 0 0"
			}
			f.seen[key] = true
		}
		if affected == "INSERT 0 1" {
			f.rows = append(f.rows, q.Arguments)
		}
		res.tags = append(res.tags, pgconn.NewCommandTag(affected))
	}
	return res
}

func (f *fakeDB) inserted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

type fakeResults struct {
	tags []pgconn.CommandTag
	next int
	err  error
}

func (r *fakeResults) Exec() (pgconn.CommandTag, error) {
	if r.err != nil {
		return pgconn.CommandTag{}, r.err
	}
	if r.next >= len(r.tags) {
		return pgconn.CommandTag{}, errors.New("no more results")
	}
	tag := r.tags[r.next]
	r.next++
	return tag, nil
}

func (r *fakeResults) Query() (pgx.Rows, error) { return nil, errors.New("not implemented") }

func (r *fakeResults) QueryRow() pgx.Row { return nil }

func (r *fakeResults) Close() error { return nil }

func TestWriter_Transform(t *testing.T) {
	w := NewWriter(DefaultConfig(), "abc123", nil, nil)

	receivedAt := time.Date(2024, 1, 15, 12, 0, 0, 0, time.FixedZone("EST", -5*3600))
	ev := event.Event{
		"id":          float64(42),
		"action":      "message",
		"observation": "",
		"args":        map[string]any{"content": "hello"},
	}

	row, err := w.transform(record{ev: ev, receivedAt: receivedAt})
	if err != nil {
		t.Fatalf("transform failed: %v", err)
	}

	if row.ConversationID != "abc123" {
		t.Errorf("ConversationID = %s, want abc123", row.ConversationID)
	}
	if row.Seq == nil || *row.Seq != 42 {
		t.Errorf("Seq = %v, want 42", row.Seq)
	}
	if row.Action != "message" {
		t.Errorf("Action = %s, want message", row.Action)
	}
	if !row.ReceivedAt.Equal(receivedAt) || row.ReceivedAt.Location() != time.UTC {
		t.Errorf("ReceivedAt = %v, want %v in UTC", row.ReceivedAt, receivedAt)
	}

	var payload map[string]any
	if err := json.Unmarshal(row.Payload, &payload); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if payload["action"] != "message" {
		t.Errorf("payload action = %v, want message", payload["action"])
	}
}

func TestWriter_Transform_NoID(t *testing.T) {
	w := NewWriter(DefaultConfig(), "abc123", nil, nil)

	row, err := w.transform(record{ev: event.Event{"observation": "error"}, receivedAt: time.Now()})
	if err != nil {
		t.Fatalf("transform failed: %v", err)
	}
	if row.Seq != nil {
		t.Errorf("Seq = %d, want nil", *row.Seq)
	}
	if row.Observation != "error" {
		t.Errorf("Observation = %s, want error", row.Observation)
	}
}

func TestWriter_Transform_Unencodable(t *testing.T) {
	w := NewWriter(DefaultConfig(), "abc123", nil, nil)

	if _, err := w.transform(record{ev: event.Event{"bad": make(chan int)}}); err == nil {
		t.Error("expected error for unencodable payload")
	}
}

func TestWriter_FlushOnBatchSize(t *testing.T) {
	db := newFakeDB()
	w := NewWriter(Config{BatchSize: 2, FlushInterval: time.Hour, BufferSize: 4}, "abc123", db, nil)

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	now := time.Now()
	w.Archive(event.Event{"id": 1}, now)
	w.Archive(event.Event{"id": 2}, now)

	deadline := time.Now().Add(time.Second)
	for db.inserted() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if db.inserted() != 2 {
		t.Fatalf("inserted = %d, want 2 before Stop", db.inserted())
	}

	w.Archive(event.Event{"id": 3}, now)

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	stats := w.Stats()
	if stats.Inserts != 3 {
		t.Errorf("Inserts = %d, want 3", stats.Inserts)
	}
	if stats.Received != 3 {
		t.Errorf("Received = %d, want 3", stats.Received)
	}
	if stats.Flushes != 2 {
		t.Errorf("Flushes = %d, want 2", stats.Flushes)
	}

	w.Archive(event.Event{"id": 4}, now)
	if got := w.Stats().Dropped; got != 1 {
		t.Errorf("Dropped = %d, want 1 after Stop", got)
	}
}

func TestWriter_Conflicts(t *testing.T) {
	db := newFakeDB()
	w := NewWriter(Config{BatchSize: 100, FlushInterval: time.Hour}, "abc123", db, nil)

	now := time.Now()
	for _, ev := range []event.Event{{"id": 1}, {"id": 1}, {"action": "message"}, {"action": "message"}} {
		w.add(record{ev: ev, receivedAt: now})
	}

	if err := w.flush(context.Background()); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	stats := w.Stats()
	if stats.Inserts != 3 {
		t.Errorf("Inserts = %d, want 3 (unsequenced events never conflict)", stats.Inserts)
	}
	if stats.Conflicts != 1 {
		t.Errorf("Conflicts = %d, want 1", stats.Conflicts)
	}
}

func TestWriter_FlushErrorKeepsRows(t *testing.T) {
	db := newFakeDB()
	db.fail = errors.New("connection refused")
	w := NewWriter(Config{BatchSize: 100, FlushInterval: time.Hour}, "abc123", db, nil)

	w.add(record{ev: event.Event{"id": 1}, receivedAt: time.Now()})
	if err := w.flush(context.Background()); err == nil {
		t.Fatal("expected flush error")
	}

	w.batchMu.Lock()
	pending := len(w.batch)
	w.batchMu.Unlock()
	if pending != 1 {
		t.Errorf("pending = %d, want 1", pending)
	}

	db.mu.Lock()
	db.fail = nil
	db.mu.Unlock()
	if err := w.flush(context.Background()); err != nil {
		t.Fatalf("retry flush failed: %v", err)
	}
	if w.Stats().Errors != 1 || w.Stats().Inserts != 1 {
		t.Errorf("stats = %+v, want 1 error and 1 insert", w.Stats())
	}
}

func TestWriter_Lifecycle(t *testing.T) {
	w := NewWriter(Config{BatchSize: 10, FlushInterval: 10 * time.Millisecond}, "abc123", newFakeDB(), nil)

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := w.Stop(stopCtx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

func TestEnsureSchema(t *testing.T) {
	db := newFakeDB()
	if err := EnsureSchema(context.Background(), db); err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}
	if len(db.execs) != 2 {
		t.Fatalf("execs = %d, want 2", len(db.execs))
	}
	if !strings.Contains(db.execs[0], "CREATE TABLE IF NOT EXISTS conversation_events") {
		t.Errorf("first exec = %q", db.execs[0])
	}
}
