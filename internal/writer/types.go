package writer

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/gdupload/taskwatch/internal/taskevent"
)

// WriterConfig contains configuration for batch writers.
type WriterConfig struct {
	// BatchSize is the number of rows to accumulate before flushing.
	BatchSize int

	// FlushInterval is the maximum time between flushes.
	FlushInterval time.Duration
}

// DefaultWriterConfig returns sensible defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     1000,
		FlushInterval: 5 * time.Second,
	}
}

// WriterMetrics tracks writer performance.
type WriterMetrics struct {
	Inserts   int64
	Conflicts int64 // rows skipped by ON CONFLICT DO NOTHING
	Errors    int64
	Flushes   int64
	Skipped   int64 // events without a payload for this table
}

// DB is the part of *pgxpool.Pool the writers need.
type DB interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// row is one pending insert.
type row interface {
	values() []any
}

// table maps one event type onto an append-only table.
type table struct {
	name      string
	insertSQL string
	transform func(ev taskevent.Event) (row, bool)
}

// progressRow represents a row in the task_progress table.
type progressRow struct {
	TaskID        int64
	EventTs       int64 // Microseconds
	ReceivedAt    int64 // Microseconds
	Progress      int
	UploadedCount int
	TotalCount    int
	UploadedSize  int64
	TotalSize     int64
	CurrentFile   string
	Destination   string
}

func (r progressRow) values() []any {
	return []any{r.TaskID, r.EventTs, r.ReceivedAt, r.Progress, r.UploadedCount,
		r.TotalCount, r.UploadedSize, r.TotalSize, r.CurrentFile, r.Destination}
}

// taskStatusRow represents a row in the task_status_events table.
type taskStatusRow struct {
	TaskID      int64
	EventTs     int64
	ReceivedAt  int64
	Status      int16
	Message     string
	Destination string
}

func (r taskStatusRow) values() []any {
	return []any{r.TaskID, r.EventTs, r.ReceivedAt, r.Status, r.Message, r.Destination}
}

// fileStatusRow represents a row in the file_status_events table.
type fileStatusRow struct {
	TaskID      int64
	FileID      int64
	EventTs     int64
	ReceivedAt  int64
	FileName    string
	Status      int16
	Message     string
	Destination string
}

func (r fileStatusRow) values() []any {
	return []any{r.TaskID, r.FileID, r.EventTs, r.ReceivedAt, r.FileName, r.Status, r.Message, r.Destination}
}

var errNoDatabase = errors.New("writer has no database")
