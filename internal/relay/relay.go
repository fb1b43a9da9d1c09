package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/gdupload/taskwatch/internal/bus"
	"github.com/gdupload/taskwatch/internal/connection"
	"github.com/gdupload/taskwatch/internal/taskevent"
)

// Publisher sends a payload on a subject. *nats.Conn satisfies it.
type Publisher interface {
	Publish(subj string, data []byte) error
}

// Source provides bus subscriptions. *bus.Bus satisfies it.
type Source interface {
	Subscribe(ctx context.Context, topics ...string) <-chan any
}

// Config holds relay settings.
type Config struct {
	// SubjectPrefix is prepended to every subject.
	SubjectPrefix string
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{SubjectPrefix: "taskwatch"}
}

// Stats contains relay counters.
type Stats struct {
	Published int64
	Errors    int64
	Skipped   int64
}

// Relay republishes bus events on NATS subjects:
//
//	{prefix}.task.{taskId}.progress
//	{prefix}.task.{taskId}.status
//	{prefix}.task.{taskId}.file
//	{prefix}.connection
type Relay struct {
	cfg    Config
	conn   Publisher
	source Source
	logger *slog.Logger

	// Lifecycle
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	stats Stats
}

// New creates a Relay.
func New(cfg Config, conn Publisher, source Source, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultConfig().SubjectPrefix
	}
	return &Relay{
		cfg:    cfg,
		conn:   conn,
		source: source,
		logger: logger,
	}
}

// Connect dials NATS with reconnect logging. The caller drains the
// connection after stopping the relay.
func Connect(url, name string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrlRedacted())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}

// Start subscribes to the bus and begins relaying.
func (r *Relay) Start(ctx context.Context) error {
	ctx, r.cancel = context.WithCancel(ctx)

	ch := r.source.Subscribe(ctx,
		bus.TopicProgress,
		bus.TopicTaskStatus,
		bus.TopicFileStatus,
		bus.TopicConnection,
	)

	r.wg.Add(1)
	go r.relayLoop(ch)

	r.logger.Info("relay started", "subject_prefix", r.cfg.SubjectPrefix)
	return nil
}

// Stop ends the bus subscription and waits for the relay loop.
func (r *Relay) Stop(ctx context.Context) error {
	r.logger.Info("stopping relay")

	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("relay stopped")
	case <-ctx.Done():
		r.logger.Warn("relay stop timed out")
	}
	return nil
}

// Stats returns current counters.
func (r *Relay) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *Relay) relayLoop(ch <-chan any) {
	defer r.wg.Done()

	for msg := range ch {
		r.relay(msg)
	}
}

func (r *Relay) relay(msg any) {
	subject, data, err := r.encode(msg)

	r.mu.Lock()
	defer r.mu.Unlock()

	if err != nil {
		r.stats.Skipped++
		r.logger.Debug("skipping bus message", "error", err)
		return
	}
	if err := r.conn.Publish(subject, data); err != nil {
		r.stats.Errors++
		r.logger.Warn("nats publish failed", "subject", subject, "error", err)
		return
	}
	r.stats.Published++
}

// encode maps a bus message to its subject and JSON body.
func (r *Relay) encode(msg any) (string, []byte, error) {
	switch m := msg.(type) {
	case taskevent.Event:
		subject, err := Subject(r.cfg.SubjectPrefix, m)
		if err != nil {
			return "", nil, err
		}
		data, err := taskevent.Encode(m)
		if err != nil {
			return "", nil, fmt.Errorf("encode event: %w", err)
		}
		return subject, data, nil

	case connection.Event:
		data, err := json.Marshal(newConnectionPayload(m))
		if err != nil {
			return "", nil, fmt.Errorf("encode connection event: %w", err)
		}
		return r.cfg.SubjectPrefix + ".connection", data, nil
	}
	return "", nil, fmt.Errorf("unsupported message type %T", msg)
}

// Subject returns the NATS subject for a task event.
func Subject(prefix string, ev taskevent.Event) (string, error) {
	var kind string
	switch ev.Type {
	case taskevent.TypeProgress:
		kind = "progress"
	case taskevent.TypeTaskStatus:
		kind = "status"
	case taskevent.TypeFileStatus:
		kind = "file"
	default:
		return "", fmt.Errorf("%w: %q", taskevent.ErrUnknownType, ev.Type)
	}
	return prefix + ".task." + strconv.FormatInt(ev.TaskID(), 10) + "." + kind, nil
}

// connectionPayload is the JSON form of a connection event.
type connectionPayload struct {
	Kind           string    `json:"kind"`
	State          string    `json:"state"`
	Previous       string    `json:"previous,omitempty"`
	Attempt        int       `json:"attempt,omitempty"`
	DelayMs        int64     `json:"delay_ms,omitempty"`
	Subscriptions  []string  `json:"subscriptions,omitempty"`
	SubscriptionID string    `json:"subscription_id,omitempty"`
	Destination    string    `json:"destination,omitempty"`
	Error          string    `json:"error,omitempty"`
	At             time.Time `json:"at"`
}

func newConnectionPayload(ev connection.Event) connectionPayload {
	p := connectionPayload{
		Kind:           ev.Kind.String(),
		State:          ev.State.String(),
		Attempt:        ev.Attempt,
		DelayMs:        ev.Delay.Milliseconds(),
		Subscriptions:  ev.Subscriptions,
		SubscriptionID: ev.SubscriptionID,
		Destination:    ev.Destination,
		At:             ev.At,
	}
	if ev.Kind == connection.EventStateChanged {
		p.Previous = ev.Previous.String()
	}
	if ev.Err != nil {
		p.Error = ev.Err.Error()
	}
	return p
}
