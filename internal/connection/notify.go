package connection

import (
	"context"
	"log/slog"

	"github.com/gdupload/taskwatch/internal/buffer"
)

// notifier delivers events to the configured callback in order, off the
// client's lock, so callbacks may call back into the client.
type notifier struct {
	fn     func(Event)
	queue  *buffer.Queue[Event]
	done   chan struct{}
	logger *slog.Logger
}

func newNotifier(fn func(Event), logger *slog.Logger) *notifier {
	n := &notifier{
		fn:     fn,
		queue:  buffer.New[Event](64, 0),
		done:   make(chan struct{}),
		logger: logger,
	}
	if fn == nil {
		close(n.done)
		return n
	}
	go n.run()
	return n
}

func (n *notifier) emit(ev Event) {
	if n.fn == nil {
		return
	}
	n.queue.Send(ev)
}

func (n *notifier) run() {
	defer close(n.done)

	for {
		ev, ok := n.queue.Receive()
		if !ok {
			return
		}
		n.call(ev)
	}
}

func (n *notifier) call(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("event callback panicked", "event", ev.Kind, "panic", r)
		}
	}()
	n.fn(ev)
}

// close delivers the remaining events and stops, or gives up when ctx ends.
func (n *notifier) close(ctx context.Context) {
	n.queue.Close()
	select {
	case <-n.done:
	case <-ctx.Done():
		n.logger.Warn("event notifier close timed out", "pending", n.queue.Len())
	}
}
