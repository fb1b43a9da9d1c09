package writer

import (
	"time"

	"github.com/gdupload/taskwatch/internal/taskevent"
)

var progressTable = table{
	name: "task_progress",
	insertSQL: `
		INSERT INTO task_progress (task_id, event_ts, received_at, progress, uploaded_count,
			total_count, uploaded_size, total_size, current_file, destination)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (task_id, event_ts, uploaded_count) DO NOTHING
	`,
	transform: func(ev taskevent.Event) (row, bool) {
		p := ev.Progress
		if p == nil {
			return nil, false
		}
		return progressRow{
			TaskID:        p.TaskID,
			EventTs:       eventTs(p.Timestamp, ev.ReceivedAt),
			ReceivedAt:    ev.ReceivedAt.UnixMicro(),
			Progress:      p.Progress,
			UploadedCount: p.UploadedCount,
			TotalCount:    p.TotalCount,
			UploadedSize:  p.UploadedSize,
			TotalSize:     p.TotalSize,
			CurrentFile:   p.CurrentFileName,
			Destination:   ev.Destination,
		}, true
	},
}

var taskStatusTable = table{
	name: "task_status_events",
	insertSQL: `
		INSERT INTO task_status_events (task_id, event_ts, received_at, status, message, destination)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (task_id, event_ts, status) DO NOTHING
	`,
	transform: func(ev taskevent.Event) (row, bool) {
		s := ev.TaskStatus
		if s == nil {
			return nil, false
		}
		return taskStatusRow{
			TaskID:      s.TaskID,
			EventTs:     eventTs(s.Timestamp, ev.ReceivedAt),
			ReceivedAt:  ev.ReceivedAt.UnixMicro(),
			Status:      int16(s.Status),
			Message:     s.Message,
			Destination: ev.Destination,
		}, true
	},
}

var fileStatusTable = table{
	name: "file_status_events",
	insertSQL: `
		INSERT INTO file_status_events (task_id, file_id, event_ts, received_at, file_name, status, message, destination)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (file_id, event_ts, status) DO NOTHING
	`,
	transform: func(ev taskevent.Event) (row, bool) {
		s := ev.FileStatus
		if s == nil {
			return nil, false
		}
		return fileStatusRow{
			TaskID:      s.TaskID,
			FileID:      s.FileID,
			EventTs:     eventTs(s.Timestamp, ev.ReceivedAt),
			ReceivedAt:  ev.ReceivedAt.UnixMicro(),
			FileName:    s.FileName,
			Status:      int16(s.Status),
			Message:     s.Message,
			Destination: ev.Destination,
		}, true
	},
}

// eventTs prefers the service timestamp and falls back to receive time when
// the payload carries none.
func eventTs(ts taskevent.Timestamp, receivedAt time.Time) int64 {
	if ts.IsZero() {
		return receivedAt.UnixMicro()
	}
	return ts.UnixMicro()
}
