package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/convstream/internal/event"
	"github.com/rickgao/convstream/internal/ingest"
	"github.com/rickgao/convstream/internal/queue"
)

// Writer consumes archived events and writes them to conversation_events.
// It implements ingest.Archiver.
type Writer struct {
	cfg            Config
	conversationID string
	logger         *slog.Logger

	// Input from the ingestion pipeline
	input *queue.GrowableBuffer[record]

	// Database
	db DB

	// Batching
	batch   []eventRow
	batchMu sync.Mutex

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Metrics
	metrics Metrics
}

// NewWriter creates a writer for one conversation.
func NewWriter(cfg Config, conversationID string, db DB, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	return &Writer{
		cfg:            cfg,
		conversationID: conversationID,
		db:             db,
		logger:         logger.With("component", "archive", "conversation_id", conversationID),
		input:          queue.NewGrowableBuffer[record](cfg.BufferSize),
		batch:          make([]eventRow, 0, cfg.BatchSize),
	}
}

// Archive queues an event. It never blocks.
func (w *Writer) Archive(ev event.Event, receivedAt time.Time) {
	ok := w.input.Send(record{ev: ev, receivedAt: receivedAt})

	w.batchMu.Lock()
	if ok {
		w.metrics.Received++
	} else {
		w.metrics.Dropped++
	}
	w.batchMu.Unlock()
}

// Start begins consuming events and writing to the database.
func (w *Writer) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(2)
	go w.consumeLoop()
	go w.flushLoop()

	w.logger.Info("archive writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop stops consuming, drains what is already queued, and flushes it
// using ctx.
func (w *Writer) Stop(ctx context.Context) error {
	w.logger.Info("stopping archive writer")

	w.input.Close()
	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("archive writer stop timed out")
		return ctx.Err()
	}

	for _, rec := range w.input.DrainTo(0) {
		w.add(rec)
	}
	if err := w.flush(ctx); err != nil {
		return fmt.Errorf("final flush: %w", err)
	}

	w.logger.Info("archive writer stopped")
	return nil
}

// Stats returns current metrics.
func (w *Writer) Stats() Metrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	m := w.metrics
	m.Buffer = w.input.Stats()
	return m
}

// consumeLoop reads from the input buffer and accumulates batches.
func (w *Writer) consumeLoop() {
	defer w.wg.Done()

	for {
		rec, ok := w.input.ReceiveContext(w.ctx)
		if !ok {
			return
		}
		if w.add(rec) && w.ctx.Err() == nil {
			if err := w.flush(w.ctx); err != nil && w.ctx.Err() == nil {
				w.logger.Error("flush failed", "error", err)
			}
		}
	}
}

// flushLoop periodically flushes the batch.
func (w *Writer) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if err := w.flush(w.ctx); err != nil && w.ctx.Err() == nil {
				w.logger.Error("flush failed", "error", err)
			}
		}
	}
}

// add transforms a record into the batch and reports whether it is full.
func (w *Writer) add(rec record) bool {
	row, err := w.transform(rec)
	if err != nil {
		w.logger.Warn("skipping unencodable event", "error", err)
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return false
	}

	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	w.batch = append(w.batch, row)
	return len(w.batch) >= w.cfg.BatchSize
}

// transform converts an event into an eventRow.
func (w *Writer) transform(rec record) (eventRow, error) {
	payload, err := json.Marshal(rec.ev)
	if err != nil {
		return eventRow{}, fmt.Errorf("marshal event: %w", err)
	}

	row := eventRow{
		ConversationID: w.conversationID,
		Action:         rec.ev.Action(),
		Observation:    rec.ev.Observation(),
		Payload:        payload,
		ReceivedAt:     rec.receivedAt.UTC(),
	}
	if id, ok := rec.ev.ID(); ok {
		row.Seq = &id
	}
	return row, nil
}

// flush writes the current batch to the database.
func (w *Writer) flush(ctx context.Context) error {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return nil
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]eventRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	conflicts, err := w.batchInsert(ctx, batch)
	if err != nil {
		// Put the rows back in front so the next flush retries them.
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batch = append(batch, w.batch...)
		w.batchMu.Unlock()
		return fmt.Errorf("insert %d events: %w", len(batch), err)
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(batch) - conflicts)
	w.metrics.Conflicts += int64(conflicts)
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed events",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
	return nil
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *Writer) batchInsert(ctx context.Context, rows []eventRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertSQL, r.ConversationID, r.Seq, r.Action, r.Observation, r.Payload, r.ReceivedAt)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}

var _ ingest.Archiver = (*Writer)(nil)
