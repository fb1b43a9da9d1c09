package writer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/gdupload/taskwatch/internal/buffer"
	"github.com/gdupload/taskwatch/internal/taskevent"
)

// Writer consumes task events from a router buffer and appends them to one
// table.
type Writer struct {
	cfg    WriterConfig
	table  table
	logger *slog.Logger

	// Input from the event router
	input *buffer.Queue[taskevent.Event]

	// Database
	db DB

	// Batching
	batch       []row
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Metrics
	metrics WriterMetrics
}

// NewProgressWriter creates a writer for TASK_PROGRESS events.
func NewProgressWriter(cfg WriterConfig, input *buffer.Queue[taskevent.Event], db DB, logger *slog.Logger) *Writer {
	return newWriter(cfg, progressTable, input, db, logger)
}

// NewTaskStatusWriter creates a writer for TASK_STATUS events.
func NewTaskStatusWriter(cfg WriterConfig, input *buffer.Queue[taskevent.Event], db DB, logger *slog.Logger) *Writer {
	return newWriter(cfg, taskStatusTable, input, db, logger)
}

// NewFileStatusWriter creates a writer for FILE_STATUS events.
func NewFileStatusWriter(cfg WriterConfig, input *buffer.Queue[taskevent.Event], db DB, logger *slog.Logger) *Writer {
	return newWriter(cfg, fileStatusTable, input, db, logger)
}

func newWriter(cfg WriterConfig, t table, input *buffer.Queue[taskevent.Event], db DB, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		cfg:    cfg,
		table:  t,
		input:  input,
		db:     db,
		logger: logger.With("table", t.name),
		batch:  make([]row, 0, cfg.BatchSize),
	}
}

// Table returns the table this writer appends to.
func (w *Writer) Table() string {
	return w.table.name
}

// Start begins consuming events and writing to the database.
func (w *Writer) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	// Consumer goroutine
	w.wg.Add(1)
	go w.consumeLoop()

	// Flush ticker goroutine
	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop gracefully shuts down the writer. Events still queued in the input
// buffer are written in a final flush bounded by ctx.
func (w *Writer) Stop(ctx context.Context) error {
	w.logger.Info("stopping writer")

	if w.cancel != nil {
		w.cancel()
	}

	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	// Wait for goroutines
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("writer stopped")
	case <-ctx.Done():
		w.logger.Warn("writer stop timed out")
	}

	for _, ev := range w.input.DrainTo(0) {
		w.add(ev)
	}
	w.flush(ctx)

	return nil
}

// Stats returns current metrics.
func (w *Writer) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

// consumeLoop reads from the input buffer and accumulates batches.
func (w *Writer) consumeLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		default:
			ev, ok := w.input.TryReceive()
			if !ok {
				// Buffer empty, wait a bit before trying again
				select {
				case <-w.ctx.Done():
					return
				case <-time.After(10 * time.Millisecond):
					continue
				}
			}

			w.handleEvent(ev)
		}
	}
}

// flushLoop periodically flushes the batch.
func (w *Writer) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flush(w.ctx)
		}
	}
}

// handleEvent adds an event to the batch, flushing when it is full.
func (w *Writer) handleEvent(ev taskevent.Event) {
	if w.add(ev) {
		w.flush(w.ctx)
	}
}

// add transforms ev and appends it, reporting whether the batch is full.
func (w *Writer) add(ev taskevent.Event) bool {
	r, ok := w.table.transform(ev)

	w.batchMu.Lock()
	defer w.batchMu.Unlock()

	if !ok {
		w.metrics.Skipped++
		return false
	}
	w.batch = append(w.batch, r)
	return len(w.batch) >= w.cfg.BatchSize
}

// flush writes the current batch to the database.
func (w *Writer) flush(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]row, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	conflicts, err := w.batchInsert(ctx, batch)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(batch) - conflicts)
	w.metrics.Conflicts += int64(conflicts)
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed rows",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *Writer) batchInsert(ctx context.Context, rows []row) (conflicts int, err error) {
	if w.db == nil {
		return 0, errNoDatabase
	}

	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(w.table.insertSQL, r.values()...)
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
