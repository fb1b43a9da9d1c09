package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/gdupload/taskwatch/internal/bus"
	"github.com/gdupload/taskwatch/internal/connection"
)

// Config holds watcher settings.
type Config struct {
	// Address is the broker endpoint passed to Connect.
	Address string

	// Destinations are subscribed after every successful connect.
	Destinations []string

	// RestartDelay is how long to wait after the client gives up before
	// starting a new connect sequence. 0 leaves the client disconnected.
	RestartDelay time.Duration
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		Destinations: []string{"/topic/tasks"},
		RestartDelay: time.Minute,
	}
}

// Publisher receives connection events. *bus.Bus satisfies it.
type Publisher interface {
	Publish(msg any, topics ...string)
}

// Stats describes the watcher and its connection.
type Stats struct {
	Client          connection.Stats
	Subscriptions   []connection.SubscriptionInfo
	Subscribed      map[string]string // destination -> subscription id
	Resubscribes    int64
	SubscribeErrors int64
	Restarts        int64
	LastError       string
}

// Watcher keeps the configured destinations subscribed across reconnects.
// The client clears its registry whenever the connection drops; the watcher
// observes the next transition to connected and subscribes again.
type Watcher struct {
	cfg       Config
	client    *connection.Client
	handler   connection.Handler
	publisher Publisher
	logger    *slog.Logger

	// Lifecycle
	ctx     context.Context
	cancel  context.CancelFunc
	restart *time.Timer

	// subMu serializes subscribe and unsubscribe calls so a destination is
	// never subscribed twice on one connection.
	subMu sync.Mutex

	mu              sync.Mutex
	follows         map[string]struct{}
	subscribed      map[string]string
	resubscribes    int64
	subscribeErrors int64
	restarts        int64
	lastErr         error
}

// New creates a Watcher and the client it owns. clientCfg.OnEvent is
// replaced; handler receives every message on every destination.
func New(
	cfg Config,
	clientCfg connection.Config,
	transport connection.Transport,
	handler connection.Handler,
	publisher Publisher,
	logger *slog.Logger,
) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}

	cfg.Destinations = unique(cfg.Destinations)

	w := &Watcher{
		cfg:        cfg,
		handler:    handler,
		publisher:  publisher,
		logger:     logger,
		follows:    make(map[string]struct{}),
		subscribed: make(map[string]string),
	}

	clientCfg.OnEvent = w.onEvent
	if clientCfg.Address == "" {
		clientCfg.Address = cfg.Address
	}
	w.client = connection.NewClient(clientCfg, transport, nil, logger.With("component", "stomp"))
	return w
}

// Client returns the underlying connection client.
func (w *Watcher) Client() *connection.Client {
	return w.client
}

// Start begins connecting. It does not wait for the connection; failures
// are retried by the client and, after give-up, by the restart timer.
func (w *Watcher) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.logger.Info("watcher starting",
		"address", w.cfg.Address,
		"destinations", w.cfg.Destinations,
	)
	w.connect()
	return nil
}

// Stop cancels any restart and closes the client.
func (w *Watcher) Stop(ctx context.Context) error {
	w.logger.Info("stopping watcher")

	if w.cancel != nil {
		w.cancel()
	}

	w.mu.Lock()
	if w.restart != nil {
		w.restart.Stop()
	}
	w.mu.Unlock()

	if err := w.client.Close(ctx); err != nil {
		w.logger.Warn("close client", "error", err)
	}

	w.logger.Info("watcher stopped")
	return nil
}

// Follow adds a destination for the lifetime of the watcher, subscribing
// now when connected.
func (w *Watcher) Follow(dest string) error {
	w.mu.Lock()
	if slices.Contains(w.cfg.Destinations, dest) {
		w.mu.Unlock()
		return nil
	}
	w.follows[dest] = struct{}{}
	w.mu.Unlock()

	w.logger.Debug("following destination", "destination", dest)
	if !w.client.IsConnected() {
		return nil
	}
	w.subscribeAll()
	return nil
}

// Unfollow removes a destination added by Follow and unsubscribes it.
func (w *Watcher) Unfollow(dest string) error {
	w.subMu.Lock()
	defer w.subMu.Unlock()

	w.mu.Lock()
	if _, ok := w.follows[dest]; !ok {
		w.mu.Unlock()
		return nil
	}
	delete(w.follows, dest)
	id, subscribed := w.subscribed[dest]
	delete(w.subscribed, dest)
	w.mu.Unlock()

	w.logger.Debug("unfollowing destination", "destination", dest)
	if !subscribed {
		return nil
	}
	if err := w.client.Unsubscribe(id); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", dest, err)
	}
	return nil
}

// Destinations returns the configured destinations followed by those added
// with Follow, in sorted order.
func (w *Watcher) Destinations() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.destinationsLocked()
}

func (w *Watcher) destinationsLocked() []string {
	out := append([]string(nil), w.cfg.Destinations...)
	follows := make([]string, 0, len(w.follows))
	for d := range w.follows {
		follows = append(follows, d)
	}
	slices.Sort(follows)
	return append(out, follows...)
}

// Healthy reports whether the client is connected and every destination is
// subscribed.
func (w *Watcher) Healthy() bool {
	if !w.client.IsConnected() {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.subscribed) == len(w.cfg.Destinations)+len(w.follows)
}

// Stats returns current watcher and client statistics.
func (w *Watcher) Stats() Stats {
	s := Stats{
		Client:        w.client.Stats(),
		Subscriptions: w.client.Subscriptions(),
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	s.Subscribed = make(map[string]string, len(w.subscribed))
	for d, id := range w.subscribed {
		s.Subscribed[d] = id
	}
	s.Resubscribes = w.resubscribes
	s.SubscribeErrors = w.subscribeErrors
	s.Restarts = w.restarts
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

func (w *Watcher) connect() {
	f := w.client.Connect(w.cfg.Address)

	go func() {
		if err := f.Wait(w.ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Warn("connect failed", "address", w.cfg.Address, "error", err)
		}
	}()
}

// onEvent runs on the client's event goroutine, in order.
func (w *Watcher) onEvent(ev connection.Event) {
	if w.publisher != nil {
		w.publisher.Publish(ev, bus.TopicConnection)
	}

	switch ev.Kind {
	case connection.EventStateChanged:
		w.logger.Info("connection state changed",
			"state", ev.State,
			"previous", ev.Previous,
		)
		if ev.State == connection.StateConnected {
			w.subscribeAll()
		}

	case connection.EventRegistryCleared:
		// Only the listed ids are gone. A Follow racing a fast reconnect
		// may already have subscribed on the new connection.
		w.subMu.Lock()
		w.mu.Lock()
		for dest, id := range w.subscribed {
			if slices.Contains(ev.Subscriptions, id) {
				delete(w.subscribed, dest)
			}
		}
		w.mu.Unlock()
		w.subMu.Unlock()
		w.logger.Info("subscriptions cleared", "ids", ev.Subscriptions)

	case connection.EventRetryScheduled:
		w.logger.Info("reconnect scheduled",
			"attempt", ev.Attempt,
			"delay", ev.Delay,
			"error", ev.Err,
		)
		w.setErr(ev.Err)

	case connection.EventGiveUp:
		w.logger.Error("connection gave up", "attempts", ev.Attempt, "error", ev.Err)
		w.setErr(ev.Err)
		w.scheduleRestart()

	case connection.EventBrokerError:
		w.logger.Warn("broker error", "error", ev.Err)
		w.setErr(ev.Err)

	case connection.EventHandlerFailed:
		w.logger.Debug("handler failed",
			"subscription", ev.SubscriptionID,
			"destination", ev.Destination,
			"error", ev.Err,
		)

	case connection.EventFrameRejected:
		w.logger.Warn("frame rejected", "error", ev.Err)
	}
}

// subscribeAll subscribes every destination not yet subscribed on the
// current connection.
func (w *Watcher) subscribeAll() {
	w.subMu.Lock()
	defer w.subMu.Unlock()

	for _, dest := range w.Destinations() {
		w.mu.Lock()
		_, ok := w.subscribed[dest]
		w.mu.Unlock()
		if ok {
			continue
		}

		id, err := w.client.Subscribe(dest, w.handler)
		if err != nil {
			// The connection dropped again; the next connected event retries.
			w.logger.Warn("subscribe failed", "destination", dest, "error", err)
			w.mu.Lock()
			w.subscribeErrors++
			w.lastErr = err
			w.mu.Unlock()
			return
		}

		w.mu.Lock()
		w.subscribed[dest] = id
		w.resubscribes++
		w.mu.Unlock()
		w.logger.Info("subscribed", "destination", dest, "id", id)
	}
}

func (w *Watcher) scheduleRestart() {
	if w.cfg.RestartDelay <= 0 || w.ctx.Err() != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.restart != nil {
		w.restart.Stop()
	}
	w.restart = time.AfterFunc(w.cfg.RestartDelay, func() {
		if w.ctx.Err() != nil {
			return
		}
		w.mu.Lock()
		w.restarts++
		w.mu.Unlock()
		w.logger.Info("restarting connection", "after", w.cfg.RestartDelay)
		w.connect()
	})
}

func (w *Watcher) setErr(err error) {
	if err == nil {
		return
	}
	w.mu.Lock()
	w.lastErr = err
	w.mu.Unlock()
}

func unique(dests []string) []string {
	seen := make(map[string]bool, len(dests))
	out := make([]string, 0, len(dests))
	for _, d := range dests {
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	return out
}
