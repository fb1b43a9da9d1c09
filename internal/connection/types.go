package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gdupload/taskwatch/internal/stomp"
)

// Errors
var (
	ErrTransportOpenFailed  = errors.New("transport open failed")
	ErrNotConnected         = errors.New("not connected")
	ErrHandlerFailed        = errors.New("subscription handler failed")
	ErrMaxReconnectAttempts = errors.New("max reconnect attempts exceeded")
	ErrDisconnected         = errors.New("disconnected")
	ErrConnectTimeout       = errors.New("timed out waiting for CONNECTED")
	ErrBrokerError          = errors.New("broker error")
	ErrTransportClosed      = errors.New("transport closed")
	ErrHeartbeatTimeout     = errors.New("no traffic within heart-beat interval")
	ErrClientClosed         = errors.New("client closed")
	ErrNoAddress            = errors.New("no address configured")
)

// ErrMalformedFrame is reported for inbound messages that do not decode.
var ErrMalformedFrame = stomp.ErrMalformedFrame

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Transport opens framed-message sessions to a broker endpoint.
type Transport interface {
	Open(ctx context.Context, address string) (Session, error)
}

// Session is one open transport. Messages delivers one protocol frame per
// element; Done is closed when the peer or the transport ends the session,
// after which Err reports why.
type Session interface {
	Send(data []byte) error
	Messages() <-chan []byte
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Codec converts frames to and from transport messages.
type Codec interface {
	Encode(f stomp.Frame) []byte
	Decode(data []byte) (stomp.Frame, error)
}

// Message is an inbound MESSAGE frame routed to a subscription.
type Message struct {
	SubscriptionID string
	Destination    string
	MessageID      string
	Header         stomp.Header
	Body           []byte
	ReceivedAt     time.Time
}

// Decode unmarshals the JSON body into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Body, v)
}

// Handler is invoked for every message on a subscription. Returned errors
// and panics are reported as EventHandlerFailed and never reach the
// connection.
type Handler func(Message) error

// JSONHandler adapts a typed callback; body decode failures are handler failures.
func JSONHandler[T any](fn func(T) error) Handler {
	return func(m Message) error {
		var v T
		if err := m.Decode(&v); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		return fn(v)
	}
}

// HandlerError wraps a failure raised by a subscription handler.
type HandlerError struct {
	SubscriptionID string
	Destination    string
	Err            error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s (%s): %v", e.SubscriptionID, e.Destination, e.Err)
}

func (e *HandlerError) Unwrap() []error {
	return []error{ErrHandlerFailed, e.Err}
}

// EventKind identifies an observable status change.
type EventKind int

const (
	EventStateChanged EventKind = iota + 1
	EventRetryScheduled
	EventRegistryCleared
	EventFrameRejected
	EventHandlerFailed
	EventBrokerError
	EventGiveUp
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state_changed"
	case EventRetryScheduled:
		return "retry_scheduled"
	case EventRegistryCleared:
		return "registry_cleared"
	case EventFrameRejected:
		return "frame_rejected"
	case EventHandlerFailed:
		return "handler_failed"
	case EventBrokerError:
		return "broker_error"
	case EventGiveUp:
		return "give_up"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is delivered to Config.OnEvent, in order, on a dedicated goroutine.
type Event struct {
	Kind     EventKind
	State    State // state after the event (state events only)
	Previous State // EventStateChanged only
	Attempt  int
	Delay    time.Duration // EventRetryScheduled only

	// Subscriptions lists the ids dropped by EventRegistryCleared.
	Subscriptions []string

	SubscriptionID string
	Destination    string
	Err            error
	At             time.Time
}

// Config configures a Client.
type Config struct {
	Address              string            // default address for Connect("")
	Host                 string            // STOMP host header
	ConnectHeaders       map[string]string // extra CONNECT headers
	ConnectTimeout       time.Duration     // open + CONNECTED wait, 0 = default
	ReconnectBaseDelay   time.Duration     // 0 = default
	ReconnectMaxDelay    time.Duration     // 0 = uncapped
	MaxReconnectAttempts int               // 0 = never retry
	HeartbeatOutgoing    time.Duration // 0 disables
	HeartbeatIncoming    time.Duration // 0 disables
	MailboxLimit         int           // per-subscription queued messages, 0 = unbounded
	OnEvent              func(Event)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:       10 * time.Second,
		ReconnectBaseDelay:   1 * time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		MaxReconnectAttempts: 5,
		HeartbeatOutgoing:    10 * time.Second,
		HeartbeatIncoming:    10 * time.Second,
		MailboxLimit:         10000,
	}
}

// SubscriptionInfo describes a registered subscription.
type SubscriptionInfo struct {
	ID          string
	Destination string
	Pending     int
	Delivered   int64
	Failed      int64
	Dropped     int64
}

// Stats provides counters about the client.
type Stats struct {
	State           State
	Attempts        int
	Subscriptions   int
	ConnectedSince  time.Time
	Connects        int64
	FramesReceived  int64
	FramesRejected  int64
	MessagesDropped int64
	HandlerFailures int64
}
