package router

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/gdupload/taskwatch/internal/buffer"
	"github.com/gdupload/taskwatch/internal/bus"
	"github.com/gdupload/taskwatch/internal/connection"
	"github.com/gdupload/taskwatch/internal/taskevent"
)

// Router decodes STOMP task messages and routes them to writers and the bus.
type Router interface {
	// Start begins routing decoded events.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the router.
	Stop(ctx context.Context) error

	// Route decodes one message. It is safe to call from any goroutine and
	// is usable directly as a connection.Handler.
	Route(msg connection.Message) error

	// Buffers returns output buffers for writers to consume.
	Buffers() RouterBuffers

	// Stats returns current router statistics.
	Stats() RouterStats
}

// router is the internal implementation.
type router struct {
	cfg       RouterConfig
	logger    *slog.Logger
	publisher Publisher

	// Decoded events waiting for the route loop
	input *buffer.Queue[routed]

	// Output to Writers
	progressBuf   *buffer.Queue[taskevent.Event]
	taskStatusBuf *buffer.Queue[taskevent.Event]
	fileStatusBuf *buffer.Queue[taskevent.Event]

	// Only touched by routeLoop
	seen *window

	// Lifecycle
	wg sync.WaitGroup

	warnParse rate.Sometimes
	warnDrop  rate.Sometimes

	// Stats
	mu              sync.RWMutex
	received        int64
	routedCount     int64
	parseErrors     int64
	unknownMessages int64
	duplicates      int64
	dropped         int64
}

// NewRouter creates a new event router. publisher may be nil.
func NewRouter(cfg RouterConfig, publisher Publisher, logger *slog.Logger) Router {
	if logger == nil {
		logger = slog.Default()
	}

	return &router{
		cfg:           cfg,
		logger:        logger,
		publisher:     publisher,
		input:         buffer.New[routed](256, 0),
		progressBuf:   buffer.New[taskevent.Event](cfg.ProgressBufferSize, cfg.BufferLimit),
		taskStatusBuf: buffer.New[taskevent.Event](cfg.TaskStatusBufferSize, cfg.BufferLimit),
		fileStatusBuf: buffer.New[taskevent.Event](cfg.FileStatusBufferSize, cfg.BufferLimit),
		seen:          newWindow(cfg.DedupWindow),
		warnParse:     rate.Sometimes{First: 5, Interval: 30 * time.Second},
		warnDrop:      rate.Sometimes{First: 5, Interval: 30 * time.Second},
	}
}

// Start begins routing messages.
func (r *router) Start(ctx context.Context) error {
	r.wg.Add(1)
	go r.routeLoop()

	r.logger.Info("event router started",
		"progress_buffer", r.cfg.ProgressBufferSize,
		"task_status_buffer", r.cfg.TaskStatusBufferSize,
		"file_status_buffer", r.cfg.FileStatusBufferSize,
		"dedup_window", r.cfg.DedupWindow,
	)

	return nil
}

// Stop routes what is already queued, then closes the output buffers.
func (r *router) Stop(ctx context.Context) error {
	r.logger.Info("stopping event router")

	r.input.Close()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("event router stopped")
	case <-ctx.Done():
		r.logger.Warn("event router stop timed out", "pending", r.input.Len())
	}

	r.progressBuf.Close()
	r.taskStatusBuf.Close()
	r.fileStatusBuf.Close()

	return nil
}

// Route decodes msg and queues it for routing. Decode failures are counted
// and returned so the subscription reports them.
func (r *router) Route(msg connection.Message) error {
	r.mu.Lock()
	r.received++
	r.mu.Unlock()

	ev, err := taskevent.Decode(msg.Body)
	if err != nil {
		r.mu.Lock()
		if errors.Is(err, taskevent.ErrUnknownType) {
			r.unknownMessages++
		} else {
			r.parseErrors++
		}
		r.mu.Unlock()

		if errors.Is(err, taskevent.ErrUnknownType) {
			r.logger.Debug("skipping event type", "type", ev.Type, "destination", msg.Destination)
			return nil
		}
		r.warnParse.Do(func() {
			r.logger.Warn("failed to decode task event",
				"destination", msg.Destination,
				"message_id", msg.MessageID,
				"error", err,
			)
		})
		return fmt.Errorf("decode task event: %w", err)
	}

	ev.Destination = msg.Destination
	ev.MessageID = msg.MessageID
	ev.ReceivedAt = msg.ReceivedAt

	if !r.input.Send(routed{event: ev, fingerprint: fingerprint(msg.Body)}) {
		r.logger.Debug("router stopped, dropping event", "type", ev.Type)
	}
	return nil
}

// Buffers returns output buffers for writers.
func (r *router) Buffers() RouterBuffers {
	return RouterBuffers{
		Progress:   r.progressBuf,
		TaskStatus: r.taskStatusBuf,
		FileStatus: r.fileStatusBuf,
	}
}

// Stats returns current statistics.
func (r *router) Stats() RouterStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return RouterStats{
		MessagesReceived: r.received,
		MessagesRouted:   r.routedCount,
		ParseErrors:      r.parseErrors,
		UnknownMessages:  r.unknownMessages,
		Duplicates:       r.duplicates,
		Dropped:          r.dropped,
		ProgressBuffer:   r.progressBuf.Stats(),
		TaskStatusBuffer: r.taskStatusBuf.Stats(),
		FileStatusBuffer: r.fileStatusBuf.Stats(),
	}
}

// routeLoop is the main routing goroutine.
func (r *router) routeLoop() {
	defer r.wg.Done()

	for {
		item, ok := r.input.Receive()
		if !ok {
			r.logger.Debug("router input closed")
			return
		}
		r.route(item)
	}
}

// route deduplicates and dispatches a single event.
func (r *router) route(item routed) {
	if r.seen.add(item.fingerprint) {
		r.mu.Lock()
		r.duplicates++
		r.mu.Unlock()
		r.logger.Debug("dropping duplicate event",
			"type", item.event.Type,
			"task_id", item.event.TaskID(),
			"destination", item.event.Destination,
		)
		return
	}

	ev := item.event
	var (
		out   *buffer.Queue[taskevent.Event]
		topic string
	)
	switch ev.Type {
	case taskevent.TypeProgress:
		out, topic = r.progressBuf, bus.TopicProgress
	case taskevent.TypeTaskStatus:
		out, topic = r.taskStatusBuf, bus.TopicTaskStatus
	case taskevent.TypeFileStatus:
		out, topic = r.fileStatusBuf, bus.TopicFileStatus
	default:
		return
	}

	sent := out.Send(ev)
	if r.publisher != nil {
		r.publisher.Publish(ev, topic)
	}

	r.mu.Lock()
	if sent {
		r.routedCount++
	} else {
		r.dropped++
	}
	r.mu.Unlock()

	if !sent {
		r.warnDrop.Do(func() {
			r.logger.Warn("output buffer full, dropping event", "type", ev.Type, "task_id", ev.TaskID())
		})
	}
}

// fingerprint identifies a payload independent of the destination it
// arrived on.
func fingerprint(body []byte) uint64 {
	h := fnv.New64a()
	h.Write(body)
	return h.Sum64()
}

// window remembers the last n fingerprints.
type window struct {
	ring []uint64
	next int
	full bool
	set  map[uint64]struct{}
}

func newWindow(n int) *window {
	if n < 0 {
		n = 0
	}
	return &window{
		ring: make([]uint64, n),
		set:  make(map[uint64]struct{}, n),
	}
}

// add records fp and reports whether it was already present.
func (w *window) add(fp uint64) bool {
	if len(w.ring) == 0 {
		return false
	}
	if _, ok := w.set[fp]; ok {
		return true
	}

	if w.full {
		delete(w.set, w.ring[w.next])
	}
	w.ring[w.next] = fp
	w.set[fp] = struct{}{}
	w.next = (w.next + 1) % len(w.ring)
	if w.next == 0 {
		w.full = true
	}
	return false
}
