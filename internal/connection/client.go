package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gdupload/taskwatch/internal/stomp"
)

// timer is the part of *time.Timer the retry schedule needs.
type timer interface {
	Stop() bool
}

func realAfterFunc(d time.Duration, f func()) timer {
	return time.AfterFunc(d, f)
}

// Client is a single logical STOMP connection with automatic reconnection.
// All state transitions and registry changes happen under mu; attempts,
// read loops and retry timers carry the generation they were started for
// and are ignored once superseded.
type Client struct {
	cfg       Config
	transport Transport
	codec     Codec
	logger    *slog.Logger
	events    *notifier
	afterFunc func(time.Duration, func()) timer

	mu             sync.Mutex
	state          State
	attempts       int
	address        string
	gen            uint64
	session        Session
	cancelAttempt  context.CancelFunc
	retry          timer
	retrySeq       uint64
	pending        *Future
	registry       *registry
	connectedSince time.Time
	closed         bool

	wg sync.WaitGroup

	connects        atomic.Int64
	framesReceived  atomic.Int64
	framesRejected  atomic.Int64
	messagesDropped atomic.Int64
	handlerFailures atomic.Int64
}

// NewClient creates a disconnected client. A nil codec uses stomp.Codec.
func NewClient(cfg Config, transport Transport, codec Codec, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if codec == nil {
		codec = stomp.Codec{}
	}
	defaults := DefaultConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaults.ConnectTimeout
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = defaults.ReconnectBaseDelay
	}

	c := &Client{
		cfg:       cfg,
		transport: transport,
		codec:     codec,
		logger:    logger,
		afterFunc: realAfterFunc,
		address:   cfg.Address,
	}
	c.events = newNotifier(cfg.OnEvent, logger)
	c.registry = newRegistry(cfg.MailboxLimit, c.handlerFailed, logger)
	return c
}

// Connect starts connecting to address, or to the last used address when
// empty. While connecting the in-flight future is returned; while waiting
// to retry the pending retry is cancelled and the attempt starts now.
func (c *Client) Connect(address string) *Future {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return resolvedFuture(ErrClientClosed)
	}
	if address != "" {
		c.address = address
	}
	if c.address == "" {
		return resolvedFuture(fmt.Errorf("%w: %w", ErrTransportOpenFailed, ErrNoAddress))
	}

	switch c.state {
	case StateConnected:
		return resolvedFuture(nil)

	case StateConnecting:
		c.logger.Debug("connect already in flight")
		return c.pendingLocked()

	case StateReconnecting:
		c.logger.Info("connect requested during backoff, retrying now",
			"attempt", c.attempts,
		)
		c.stopRetryLocked()
		f := c.pendingLocked()
		c.beginAttemptLocked()
		return f
	}

	c.attempts = 0
	f := c.pendingLocked()
	c.beginAttemptLocked()
	return f
}

// Disconnect closes the connection from any state. A connected session gets
// a DISCONNECT frame first. The registry is cleared, a pending retry is
// cancelled and a pending Connect resolves with ErrDisconnected.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	sess, graceful := c.teardownLocked(ErrDisconnected)
	c.mu.Unlock()

	return c.closeSession(sess, graceful)
}

// Close disconnects and stops event delivery. The client cannot be reused.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sess, graceful := c.teardownLocked(ErrClientClosed)
	c.mu.Unlock()

	err := c.closeSession(sess, graceful)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warn("connection close timed out")
	}

	c.events.close(ctx)
	return err
}

// Subscribe registers handler for destination and sends SUBSCRIBE.
// It returns ErrNotConnected, without touching the transport, unless connected.
func (c *Client) Subscribe(destination string, handler Handler) (string, error) {
	if handler == nil {
		return "", errors.New("subscribe: nil handler")
	}

	c.mu.Lock()
	if c.state != StateConnected || c.session == nil {
		c.mu.Unlock()
		return "", ErrNotConnected
	}
	sub := c.registry.add(destination, handler)
	sess, gen := c.session, c.gen
	c.mu.Unlock()

	if err := sess.Send(c.codec.Encode(stomp.Subscribe(sub.id, destination))); err != nil {
		c.mu.Lock()
		if gen == c.gen {
			c.registry.remove(sub.id)
		}
		c.mu.Unlock()
		sub.stop()
		return "", fmt.Errorf("send SUBSCRIBE: %w", err)
	}

	c.logger.Debug("subscribed", "id", sub.id, "destination", destination)
	return sub.id, nil
}

// Unsubscribe removes id and sends UNSUBSCRIBE. Unknown ids are ignored.
func (c *Client) Unsubscribe(id string) error {
	c.mu.Lock()
	sub := c.registry.remove(id)
	if sub == nil {
		c.mu.Unlock()
		return nil
	}
	sess := c.session
	c.mu.Unlock()

	sub.stop()
	c.logger.Debug("unsubscribed", "id", id, "destination", sub.destination)

	if sess == nil {
		return nil
	}
	if err := sess.Send(c.codec.Encode(stomp.Unsubscribe(id))); err != nil {
		return fmt.Errorf("send UNSUBSCRIBE: %w", err)
	}
	return nil
}

// Send publishes payload to destination without waiting for a receipt.
// []byte, string and json.RawMessage are sent verbatim; anything else is
// JSON encoded.
func (c *Client) Send(destination string, payload any) error {
	c.mu.Lock()
	if c.state != StateConnected || c.session == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	sess := c.session
	c.mu.Unlock()

	body, contentType, err := encodePayload(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	if err := sess.Send(c.codec.Encode(stomp.Send(destination, contentType, body))); err != nil {
		return fmt.Errorf("send SEND: %w", err)
	}
	return nil
}

// IsConnected reports whether the client is in the connected state.
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns the number of consecutive failed attempts.
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Subscriptions lists the registered subscriptions ordered by id.
func (c *Client) Subscriptions() []SubscriptionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry.snapshot()
}

// Stats returns current counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	s := Stats{
		State:          c.state,
		Attempts:       c.attempts,
		Subscriptions:  c.registry.len(),
		ConnectedSince: c.connectedSince,
	}
	c.mu.Unlock()

	s.Connects = c.connects.Load()
	s.FramesReceived = c.framesReceived.Load()
	s.FramesRejected = c.framesRejected.Load()
	s.MessagesDropped = c.messagesDropped.Load()
	s.HandlerFailures = c.handlerFailures.Load()
	return s
}

func (c *Client) pendingLocked() *Future {
	if c.pending == nil {
		c.pending = newFuture(c.cancelFuture)
	}
	return c.pending
}

func (c *Client) cancelFuture(f *Future) {
	c.mu.Lock()
	if c.pending != f {
		c.mu.Unlock()
		return
	}
	sess, graceful := c.teardownLocked(context.Canceled)
	c.mu.Unlock()

	c.closeSession(sess, graceful)
}

// teardownLocked moves to disconnected and returns the session to close.
func (c *Client) teardownLocked(pendingErr error) (Session, bool) {
	graceful := c.state == StateConnected
	sess := c.session
	c.session = nil

	c.gen++
	c.stopRetryLocked()
	if c.cancelAttempt != nil {
		c.cancelAttempt()
		c.cancelAttempt = nil
	}
	c.setStateLocked(StateDisconnected)
	c.attempts = 0
	if c.pending != nil {
		c.pending.resolve(pendingErr)
		c.pending = nil
	}
	return sess, graceful
}

func (c *Client) closeSession(sess Session, graceful bool) error {
	if sess == nil {
		return nil
	}
	if graceful {
		if err := sess.Send(c.codec.Encode(stomp.Disconnect(""))); err != nil {
			c.logger.Debug("failed to send DISCONNECT", "error", err)
		}
	}
	if err := sess.Close(); err != nil {
		return fmt.Errorf("close transport: %w", err)
	}
	c.logger.Info("disconnected")
	return nil
}

// setStateLocked records a transition. Leaving connected always clears the
// registry and reports it.
func (c *Client) setStateLocked(s State) {
	prev := c.state
	if prev == s {
		return
	}
	c.state = s

	if prev == StateConnected {
		ids := c.registry.clear()
		c.connectedSince = time.Time{}
		c.events.emit(Event{
			Kind:          EventRegistryCleared,
			State:         s,
			Subscriptions: ids,
			At:            time.Now(),
		})
		if len(ids) > 0 {
			c.logger.Info("subscriptions cleared", "count", len(ids))
		}
	}

	c.events.emit(Event{
		Kind:     EventStateChanged,
		State:    s,
		Previous: prev,
		Attempt:  c.attempts,
		At:       time.Now(),
	})
}

func (c *Client) beginAttemptLocked() {
	c.gen++
	gen, addr := c.gen, c.address

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
	c.cancelAttempt = cancel
	c.setStateLocked(StateConnecting)

	c.wg.Add(1)
	go c.attempt(ctx, cancel, gen, addr)
}

func (c *Client) stopRetryLocked() {
	c.retrySeq++
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
}

// scheduleRetryLocked enters reconnecting with the next backoff delay, or
// gives up when the attempt ceiling is reached.
func (c *Client) scheduleRetryLocked(cause error) {
	if c.attempts >= c.cfg.MaxReconnectAttempts {
		final := fmt.Errorf("%w after %d attempts: %w", ErrMaxReconnectAttempts, c.attempts, cause)
		attempts := c.attempts

		c.gen++
		c.setStateLocked(StateDisconnected)
		c.events.emit(Event{
			Kind:    EventGiveUp,
			State:   StateDisconnected,
			Attempt: attempts,
			Err:     final,
			At:      time.Now(),
		})
		if c.pending != nil {
			c.pending.resolve(final)
			c.pending = nil
		}
		c.logger.Error("giving up reconnecting", "attempts", attempts, "error", cause)
		return
	}

	c.attempts++
	delay := Backoff(c.attempts, c.cfg.ReconnectBaseDelay, c.cfg.ReconnectMaxDelay)
	c.setStateLocked(StateReconnecting)

	c.retrySeq++
	seq := c.retrySeq
	c.retry = c.afterFunc(delay, func() { c.retryFired(seq) })

	c.events.emit(Event{
		Kind:    EventRetryScheduled,
		State:   StateReconnecting,
		Attempt: c.attempts,
		Delay:   delay,
		Err:     cause,
		At:      time.Now(),
	})
	c.logger.Warn("scheduling reconnect",
		"attempt", c.attempts,
		"max_attempts", c.cfg.MaxReconnectAttempts,
		"delay", delay,
		"error", cause,
	)
}

func (c *Client) retryFired(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if seq != c.retrySeq || c.state != StateReconnecting {
		return
	}
	c.retry = nil
	c.logger.Info("attempting reconnection", "attempt", c.attempts, "address", c.address)
	c.beginAttemptLocked()
}

// attempt opens the transport and performs the CONNECT handshake, then
// becomes the session's read loop.
func (c *Client) attempt(ctx context.Context, cancel context.CancelFunc, gen uint64, addr string) {
	defer c.wg.Done()
	defer cancel()

	sess, err := c.transport.Open(ctx, addr)
	if err != nil {
		c.attemptFailed(gen, fmt.Errorf("%w: %w", ErrTransportOpenFailed, err))
		return
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		sess.Close()
		return
	}
	c.session = sess
	c.mu.Unlock()

	server, err := c.handshake(ctx, sess)
	if err != nil {
		sess.Close()
		c.attemptFailed(gen, err)
		return
	}
	cancel()

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		sess.Close()
		return
	}
	c.cancelAttempt = nil
	c.attempts = 0
	c.connectedSince = time.Now()
	c.setStateLocked(StateConnected)
	if c.pending != nil {
		c.pending.resolve(nil)
		c.pending = nil
	}
	c.mu.Unlock()

	c.connects.Add(1)
	sendEvery, expectEvery := stomp.Negotiate(c.heartbeat(), server)
	c.logger.Info("connected",
		"address", addr,
		"heartbeat_send", sendEvery,
		"heartbeat_recv", expectEvery,
	)

	c.readLoop(gen, sess, sendEvery, expectEvery)
}

func (c *Client) attemptFailed(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen {
		return
	}
	c.session = nil
	c.cancelAttempt = nil
	c.logger.Warn("connect attempt failed", "attempt", c.attempts, "error", err)
	c.scheduleRetryLocked(err)
}

func (c *Client) heartbeat() stomp.Heartbeat {
	return stomp.Heartbeat{
		Outgoing: c.cfg.HeartbeatOutgoing,
		Incoming: c.cfg.HeartbeatIncoming,
	}
}

func (c *Client) connectFrame() stomp.Frame {
	var extra stomp.Header
	keys := make([]string, 0, len(c.cfg.ConnectHeaders))
	for k := range c.cfg.ConnectHeaders {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		extra.Add(k, c.cfg.ConnectHeaders[k])
	}
	return stomp.Connect(c.cfg.Host, c.heartbeat(), extra)
}

// handshake sends CONNECT and waits for CONNECTED, returning the server's
// heart-beat settings.
func (c *Client) handshake(ctx context.Context, sess Session) (stomp.Heartbeat, error) {
	if err := sess.Send(c.codec.Encode(c.connectFrame())); err != nil {
		return stomp.Heartbeat{}, fmt.Errorf("%w: send CONNECT: %w", ErrTransportOpenFailed, err)
	}

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return stomp.Heartbeat{}, fmt.Errorf("%w: %w", ErrTransportOpenFailed, ErrConnectTimeout)
			}
			return stomp.Heartbeat{}, fmt.Errorf("%w: %w", ErrTransportOpenFailed, ctx.Err())

		case <-sess.Done():
			return stomp.Heartbeat{}, fmt.Errorf("%w: %w", ErrTransportOpenFailed, sessionErr(sess))

		case data, ok := <-sess.Messages():
			if !ok {
				return stomp.Heartbeat{}, fmt.Errorf("%w: %w", ErrTransportOpenFailed, ErrTransportClosed)
			}
			if stomp.IsHeartbeat(data) {
				continue
			}
			f, err := c.codec.Decode(data)
			if err != nil {
				c.frameRejected(err)
				continue
			}

			switch f.Command {
			case stomp.CONNECTED:
				hb, err := stomp.ParseHeartbeat(f.Header.Get(stomp.HdrHeartBeat))
				if err != nil {
					c.logger.Warn("ignoring invalid server heart-beat", "error", err)
					hb = stomp.Heartbeat{}
				}
				return hb, nil
			case stomp.ERROR:
				return stomp.Heartbeat{}, fmt.Errorf("%w: %s", ErrBrokerError, brokerMessage(f))
			default:
				c.logger.Debug("ignoring frame before CONNECTED", "command", f.Command)
			}
		}
	}
}

// readLoop consumes inbound frames until the session ends or is superseded.
func (c *Client) readLoop(gen uint64, sess Session, sendEvery, expectEvery time.Duration) {
	var heartbeatC, staleC <-chan time.Time
	if sendEvery > 0 {
		t := time.NewTicker(sendEvery)
		defer t.Stop()
		heartbeatC = t.C
	}
	if expectEvery > 0 {
		t := time.NewTicker(expectEvery)
		defer t.Stop()
		staleC = t.C
	}
	lastRecv := time.Now()

	for {
		select {
		case <-sess.Done():
			c.drain(gen, sess)
			c.transportLost(gen, sessionErr(sess))
			return

		case data, ok := <-sess.Messages():
			if !ok {
				c.transportLost(gen, ErrTransportClosed)
				return
			}
			lastRecv = time.Now()
			c.handleInbound(gen, data, lastRecv)

		case <-heartbeatC:
			if err := sess.Send(stomp.HeartbeatBytes); err != nil {
				c.logger.Debug("failed to send heart-beat", "error", err)
			}

		case now := <-staleC:
			if now.Sub(lastRecv) > 2*expectEvery {
				c.logger.Warn("no traffic from broker, connection stale",
					"last_recv", lastRecv,
					"interval", expectEvery,
				)
				sess.Close()
				c.transportLost(gen, ErrHeartbeatTimeout)
				return
			}
		}
	}
}

// drain handles messages the session queued before it ended, such as the
// ERROR a broker sends right before closing.
func (c *Client) drain(gen uint64, sess Session) {
	for {
		select {
		case data, ok := <-sess.Messages():
			if !ok {
				return
			}
			c.handleInbound(gen, data, time.Now())
		default:
			return
		}
	}
}

func (c *Client) transportLost(gen uint64, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen {
		return
	}
	c.session = nil
	if !errors.Is(cause, ErrTransportClosed) {
		cause = fmt.Errorf("%w: %w", ErrTransportClosed, cause)
	}
	c.logger.Warn("transport lost", "error", cause)
	c.scheduleRetryLocked(cause)
}

func (c *Client) handleInbound(gen uint64, data []byte, receivedAt time.Time) {
	if stomp.IsHeartbeat(data) {
		return
	}
	c.framesReceived.Add(1)

	f, err := c.codec.Decode(data)
	if err != nil {
		c.frameRejected(err)
		return
	}

	switch f.Command {
	case stomp.MESSAGE:
		c.dispatch(gen, f, receivedAt)
	case stomp.ERROR:
		err := fmt.Errorf("%w: %s", ErrBrokerError, brokerMessage(f))
		c.logger.Warn("broker reported error", "error", err)
		c.events.emit(Event{Kind: EventBrokerError, Err: err, At: time.Now()})
	case stomp.RECEIPT:
		c.logger.Debug("receipt", "receipt_id", f.Header.Get(stomp.HdrReceiptID))
	default:
		c.logger.Debug("ignoring unexpected frame", "command", f.Command)
	}
}

// dispatch hands a MESSAGE frame to its subscription's mailbox. Frames for
// unknown subscriptions are dropped.
func (c *Client) dispatch(gen uint64, f stomp.Frame, receivedAt time.Time) {
	id := f.Header.Get(stomp.HdrSubscription)

	c.mu.Lock()
	var sub *subscription
	if gen == c.gen {
		sub = c.registry.lookup(id)
	}
	c.mu.Unlock()

	if sub == nil {
		c.messagesDropped.Add(1)
		c.logger.Debug("dropping message for unknown subscription",
			"subscription", id,
			"destination", f.Header.Get(stomp.HdrDestination),
		)
		return
	}

	msg := Message{
		SubscriptionID: id,
		Destination:    f.Header.Get(stomp.HdrDestination),
		MessageID:      f.Header.Get(stomp.HdrMessageID),
		Header:         f.Header,
		Body:           f.Body,
		ReceivedAt:     receivedAt,
	}
	if !sub.deliver(msg) {
		c.messagesDropped.Add(1)
		c.logger.Warn("subscription mailbox full, dropping message",
			"subscription", id,
			"destination", msg.Destination,
		)
	}
}

func (c *Client) frameRejected(err error) {
	c.framesRejected.Add(1)
	c.logger.Warn("rejected inbound frame", "error", err)
	c.events.emit(Event{Kind: EventFrameRejected, Err: err, At: time.Now()})
}

func (c *Client) handlerFailed(herr *HandlerError) {
	c.handlerFailures.Add(1)
	c.logger.Error("subscription handler failed",
		"subscription", herr.SubscriptionID,
		"destination", herr.Destination,
		"error", herr.Err,
	)
	c.events.emit(Event{
		Kind:           EventHandlerFailed,
		SubscriptionID: herr.SubscriptionID,
		Destination:    herr.Destination,
		Err:            herr,
		At:             time.Now(),
	})
}

func sessionErr(sess Session) error {
	if err := sess.Err(); err != nil {
		return err
	}
	return ErrTransportClosed
}

func brokerMessage(f stomp.Frame) string {
	msg := f.Header.Get(stomp.HdrMessage)
	if len(f.Body) > 0 {
		if msg != "" {
			return msg + ": " + string(f.Body)
		}
		return string(f.Body)
	}
	if msg == "" {
		return "unspecified"
	}
	return msg
}

func encodePayload(payload any) ([]byte, string, error) {
	switch p := payload.(type) {
	case nil:
		return nil, "", nil
	case []byte:
		return p, "", nil
	case string:
		return []byte(p), "text/plain", nil
	case json.RawMessage:
		return p, "application/json", nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, "", err
	}
	return data, "application/json", nil
}
