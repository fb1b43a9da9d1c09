package taskevent

import (
	"strconv"
	"time"
)

// Type is the "type" discriminator of a task event payload.
type Type string

const (
	TypeProgress   Type = "TASK_PROGRESS"
	TypeTaskStatus Type = "TASK_STATUS"
	TypeFileStatus Type = "FILE_STATUS"
)

// Destinations the upload service publishes to.
const (
	// TasksTopic carries progress and status for every task.
	TasksTopic = "/topic/tasks"

	taskTopicPrefix = "/topic/task/"
)

// TaskTopic is the per-task destination. It also carries file status.
func TaskTopic(taskID int64) string {
	return taskTopicPrefix + strconv.FormatInt(taskID, 10)
}

// -----------------------------------------------------------------------------
// Status codes
// -----------------------------------------------------------------------------

// TaskStatusCode is the lifecycle state of an upload task.
type TaskStatusCode int

const (
	TaskPending   TaskStatusCode = 0
	TaskUploading TaskStatusCode = 1
	TaskCompleted TaskStatusCode = 2
	TaskPaused    TaskStatusCode = 3
	TaskCancelled TaskStatusCode = 4
	TaskFailed    TaskStatusCode = 5
)

func (s TaskStatusCode) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskUploading:
		return "uploading"
	case TaskCompleted:
		return "completed"
	case TaskPaused:
		return "paused"
	case TaskCancelled:
		return "cancelled"
	case TaskFailed:
		return "failed"
	}
	return "unknown(" + strconv.Itoa(int(s)) + ")"
}

// Terminal reports whether no further events are expected for the task.
func (s TaskStatusCode) Terminal() bool {
	return s == TaskCompleted || s == TaskCancelled || s == TaskFailed
}

// FileStatusCode is the upload state of one file within a task.
type FileStatusCode int

const (
	FilePending   FileStatusCode = 0
	FileUploading FileStatusCode = 1
	FileSucceeded FileStatusCode = 2
	FileFailed    FileStatusCode = 3
	FileSkipped   FileStatusCode = 4
)

func (s FileStatusCode) String() string {
	switch s {
	case FilePending:
		return "pending"
	case FileUploading:
		return "uploading"
	case FileSucceeded:
		return "succeeded"
	case FileFailed:
		return "failed"
	case FileSkipped:
		return "skipped"
	}
	return "unknown(" + strconv.Itoa(int(s)) + ")"
}

// -----------------------------------------------------------------------------
// Payloads
// -----------------------------------------------------------------------------

// Progress is a TASK_PROGRESS payload.
type Progress struct {
	TaskID          int64     `json:"taskId"`
	Progress        int       `json:"progress"` // percent, 0-100
	UploadedCount   int       `json:"uploadedCount"`
	TotalCount      int       `json:"totalCount"`
	UploadedSize    int64     `json:"uploadedSize"` // bytes
	TotalSize       int64     `json:"totalSize"`    // bytes
	CurrentFileName string    `json:"currentFileName"`
	Timestamp       Timestamp `json:"timestamp"`
}

// TaskStatus is a TASK_STATUS payload.
type TaskStatus struct {
	TaskID    int64          `json:"taskId"`
	Status    TaskStatusCode `json:"status"`
	Message   string         `json:"message"`
	Timestamp Timestamp      `json:"timestamp"`
}

// FileStatus is a FILE_STATUS payload. Only published on the task's own topic.
type FileStatus struct {
	TaskID    int64          `json:"taskId"`
	FileID    int64          `json:"fileId"`
	FileName  string         `json:"fileName"`
	Status    FileStatusCode `json:"status"`
	Message   string         `json:"message"`
	Timestamp Timestamp      `json:"timestamp"`
}

// Event is one decoded payload with its delivery metadata. Exactly one of
// Progress, TaskStatus and FileStatus is set, matching Type.
type Event struct {
	Type        Type
	Destination string
	MessageID   string
	ReceivedAt  time.Time

	Progress   *Progress
	TaskStatus *TaskStatus
	FileStatus *FileStatus
}

// TaskID returns the task the event belongs to.
func (e Event) TaskID() int64 {
	switch {
	case e.Progress != nil:
		return e.Progress.TaskID
	case e.TaskStatus != nil:
		return e.TaskStatus.TaskID
	case e.FileStatus != nil:
		return e.FileStatus.TaskID
	}
	return 0
}

// Payload returns whichever payload is set.
func (e Event) Payload() any {
	switch {
	case e.Progress != nil:
		return e.Progress
	case e.TaskStatus != nil:
		return e.TaskStatus
	case e.FileStatus != nil:
		return e.FileStatus
	}
	return nil
}
