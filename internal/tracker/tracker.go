package tracker

import (
	"context"
	"time"

	"github.com/gdupload/taskwatch/internal/taskevent"
)

// ChangeBufferSize is the capacity of the Change channel.
const ChangeBufferSize = 1000

// Change event types.
const (
	ChangeStarted      = "started"
	ChangeStatusChange = "status_change"
	ChangeFinished     = "finished"
	ChangeEvicted      = "evicted"
)

// Tracker follows upload tasks from routed events.
type Tracker interface {
	// Start consumes events in the background and returns immediately.
	Start(ctx context.Context) error

	// Stop gracefully shuts down.
	Stop(ctx context.Context) error

	// ActiveTasks returns every task not yet in a terminal state.
	ActiveTasks() []Task

	// Tasks returns every known task, finished ones included, ordered by id.
	Tasks() []Task

	// Task returns a specific task by id.
	Task(id int64) (Task, bool)

	// SubscribeChanges returns a channel of task state changes. The watcher
	// uses it to follow and unfollow per-task topics.
	SubscribeChanges() <-chan Change
}

// Source delivers bus messages. *bus.Bus satisfies it.
type Source interface {
	Subscribe(ctx context.Context, topics ...string) <-chan any
}

// Change represents a task state transition.
type Change struct {
	TaskID    int64
	EventType string // "started", "status_change", "finished", "evicted"
	OldStatus taskevent.TaskStatusCode
	NewStatus taskevent.TaskStatusCode
	Task      *Task // nil for "evicted"
}

// Task is the last known state of one upload task.
type Task struct {
	ID      int64
	Status  taskevent.TaskStatusCode
	Message string

	Progress      int
	UploadedCount int
	TotalCount    int
	UploadedSize  int64
	TotalSize     int64
	CurrentFile   string

	FilesSucceeded int
	FilesFailed    int
	FilesSkipped   int

	FirstSeenAt time.Time
	LastEventAt time.Time
	FinishedAt  time.Time // zero while active
}

// Active reports whether more events are expected for the task.
func (t Task) Active() bool {
	return !t.Status.Terminal()
}
