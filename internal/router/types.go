package router

import (
	"github.com/gdupload/taskwatch/internal/buffer"
	"github.com/gdupload/taskwatch/internal/taskevent"
)

// RouterConfig holds configuration for the event router.
type RouterConfig struct {
	// Initial output buffer capacities
	ProgressBufferSize   int // Default: 1000
	TaskStatusBufferSize int // Default: 1000
	FileStatusBufferSize int // Default: 5000

	// BufferLimit caps each output buffer; 0 means unbounded.
	BufferLimit int

	// DedupWindow is how many recent payload fingerprints are remembered.
	// Progress and task status are published on both /topic/tasks and the
	// per-task topic; a subscriber to both sees each event twice.
	DedupWindow int // Default: 4096
}

// DefaultRouterConfig returns default configuration.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		ProgressBufferSize:   1000,
		TaskStatusBufferSize: 1000,
		FileStatusBufferSize: 5000,
		DedupWindow:          4096,
	}
}

// Publisher receives every routed event. *bus.Bus satisfies it.
type Publisher interface {
	Publish(msg any, topics ...string)
}

// RouterBuffers provides access to output buffers for writers.
type RouterBuffers struct {
	Progress   *buffer.Queue[taskevent.Event]
	TaskStatus *buffer.Queue[taskevent.Event]
	FileStatus *buffer.Queue[taskevent.Event]
}

// RouterStats contains runtime statistics.
type RouterStats struct {
	MessagesReceived int64
	MessagesRouted   int64
	ParseErrors      int64
	UnknownMessages  int64
	Duplicates       int64
	Dropped          int64

	ProgressBuffer   buffer.Stats
	TaskStatusBuffer buffer.Stats
	FileStatusBuffer buffer.Stats
}

// routed is a decoded event waiting for the route loop.
type routed struct {
	event       taskevent.Event
	fingerprint uint64
}
