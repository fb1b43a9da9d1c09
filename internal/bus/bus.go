package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cskr/pubsub"
)

// Topics
const (
	TopicProgress   = "progress"
	TopicTaskStatus = "task_status"
	TopicFileStatus = "file_status"
	TopicConnection = "connection"
)

// Bus fans task and connection events out to in-process consumers.
type Bus struct {
	ps     *pubsub.PubSub
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}

	published atomic.Int64
}

// New creates a Bus. capacity is the per-subscriber channel buffer; a
// subscriber that falls that far behind stalls publishers.
func New(capacity int, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		ps:     pubsub.New(capacity),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Publish sends msg to every subscriber of the given topics. It is a no-op
// after Shutdown.
func (b *Bus) Publish(msg any, topics ...string) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	b.ps.Pub(msg, topics...)
	b.published.Add(1)
}

// Subscribe returns a channel receiving messages for topics until ctx ends
// or the bus shuts down, after which the channel is closed.
func (b *Bus) Subscribe(ctx context.Context, topics ...string) <-chan any {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		ch := make(chan any)
		close(ch)
		return ch
	}
	ch := b.ps.Sub(topics...)
	b.mu.RUnlock()

	b.logger.Debug("bus subscriber added", "topics", topics)

	go func() {
		select {
		case <-ctx.Done():
		case <-b.done:
			// Shutdown closes the channel.
			return
		}

		// Unsub waits on the pubsub loop, which may be blocked delivering
		// to ch; keep draining until ch is closed.
		go func() {
			b.mu.RLock()
			defer b.mu.RUnlock()
			if !b.closed {
				b.ps.Unsub(ch, topics...)
			}
		}()
		for range ch {
		}
		b.logger.Debug("bus subscriber removed", "topics", topics)
	}()

	return ch
}

// Published returns the number of Publish calls delivered to the bus.
func (b *Bus) Published() int64 {
	return b.published.Load()
}

// Shutdown closes every subscriber channel. Later publishes are dropped.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
	b.ps.Shutdown()
}
