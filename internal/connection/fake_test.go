package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gdupload/taskwatch/internal/stomp"
)

var errRefused = errors.New("connection refused")

// fakeSession is an in-memory Session. With autoConnect it answers CONNECT
// with CONNECTED.
type fakeSession struct {
	mu          sync.Mutex
	sent        [][]byte
	msgs        chan []byte
	done        chan struct{}
	closeOnce   sync.Once
	closed      bool
	err         error
	autoConnect bool
	reply       *stomp.Frame
}

func newFakeSession(autoConnect bool) *fakeSession {
	return &fakeSession{
		msgs:        make(chan []byte, 64),
		done:        make(chan struct{}),
		autoConnect: autoConnect,
	}
}

func (s *fakeSession) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrTransportClosed
	}
	s.sent = append(s.sent, append([]byte(nil), data...))

	if stomp.IsHeartbeat(data) {
		return nil
	}
	f, err := stomp.Decode(data)
	if err == nil && f.Command == stomp.CONNECT {
		switch {
		case s.reply != nil:
			s.msgs <- stomp.Encode(*s.reply)
		case s.autoConnect:
			s.msgs <- stomp.Encode(stomp.New(stomp.CONNECTED,
				stomp.HdrVersion, "1.2",
				stomp.HdrHeartBeat, "0,0",
			))
		}
	}
	return nil
}

func (s *fakeSession) Messages() <-chan []byte { return s.msgs }
func (s *fakeSession) Done() <-chan struct{}   { return s.done }

func (s *fakeSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeSession) Close() error {
	s.kill(nil)
	return nil
}

// kill ends the session as if the peer went away.
func (s *fakeSession) kill(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// deliver pushes a server frame to the client.
func (s *fakeSession) deliver(f stomp.Frame) {
	s.msgs <- stomp.Encode(f)
}

func (s *fakeSession) deliverRaw(data string) {
	s.msgs <- []byte(data)
}

// frames decodes everything the client sent, skipping heart-beats.
func (s *fakeSession) frames(t *testing.T) []stomp.Frame {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []stomp.Frame
	for _, data := range s.sent {
		if stomp.IsHeartbeat(data) {
			continue
		}
		f, err := stomp.Decode(data)
		require.NoError(t, err)
		out = append(out, f)
	}
	return out
}

// heartbeats counts the heart-beats the client sent.
func (s *fakeSession) heartbeats() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, data := range s.sent {
		if stomp.IsHeartbeat(data) {
			n++
		}
	}
	return n
}

func (s *fakeSession) commands(t *testing.T) []stomp.Command {
	var out []stomp.Command
	for _, f := range s.frames(t) {
		out = append(out, f.Command)
	}
	return out
}

// fakeTransport hands out fakeSessions. failNext makes that many opens fail;
// block makes Open wait until the channel is closed or ctx ends.
type fakeTransport struct {
	mu          sync.Mutex
	opens       int
	addrs       []string
	failNext    int
	failAlways  bool
	autoConnect bool
	reply       *stomp.Frame
	block       chan struct{}
	sessions    []*fakeSession
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{autoConnect: true}
}

func (t *fakeTransport) Open(ctx context.Context, address string) (Session, error) {
	t.mu.Lock()
	t.opens++
	t.addrs = append(t.addrs, address)
	block := t.block
	fail := t.failAlways || t.failNext > 0
	if t.failNext > 0 {
		t.failNext--
	}
	t.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, errRefused
	}

	s := newFakeSession(t.autoConnect)
	s.reply = t.reply

	t.mu.Lock()
	t.sessions = append(t.sessions, s)
	t.mu.Unlock()
	return s, nil
}

func (t *fakeTransport) openCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opens
}

func (t *fakeTransport) last() *fakeSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.sessions) == 0 {
		return nil
	}
	return t.sessions[len(t.sessions)-1]
}

// fakeTimers captures retry schedules instead of sleeping.
type fakeTimers struct {
	mu     sync.Mutex
	delays []time.Duration
	fns    []func()
	timers []*fakeTimer
}

type fakeTimer struct {
	mu      sync.Mutex
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

func (t *fakeTimer) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (ft *fakeTimers) afterFunc(d time.Duration, f func()) timer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	t := &fakeTimer{}
	ft.delays = append(ft.delays, d)
	ft.fns = append(ft.fns, f)
	ft.timers = append(ft.timers, t)
	return t
}

func (ft *fakeTimers) count() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return len(ft.delays)
}

func (ft *fakeTimers) scheduled() []time.Duration {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return append([]time.Duration(nil), ft.delays...)
}

// fire runs the most recently scheduled retry.
func (ft *fakeTimers) fire() {
	ft.mu.Lock()
	f := ft.fns[len(ft.fns)-1]
	ft.mu.Unlock()
	f()
}

func (ft *fakeTimers) lastTimer() *fakeTimer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.timers[len(ft.timers)-1]
}

// eventRecorder collects events from Config.OnEvent.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) ofKind(kind EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (r *eventRecorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (r *eventRecorder) states() []State {
	var out []State
	for _, ev := range r.ofKind(EventStateChanged) {
		out = append(out, ev.State)
	}
	return out
}

type harness struct {
	client    *Client
	transport *fakeTransport
	timers    *fakeTimers
	events    *eventRecorder
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()

	h := &harness{
		transport: newFakeTransport(),
		timers:    &fakeTimers{},
		events:    &eventRecorder{},
	}

	cfg := DefaultConfig()
	cfg.Address = "http://broker.test/ws"
	cfg.ConnectTimeout = time.Second
	cfg.HeartbeatOutgoing = 0
	cfg.HeartbeatIncoming = 0
	cfg.OnEvent = h.events.record
	if mutate != nil {
		mutate(&cfg)
	}

	h.client = NewClient(cfg, h.transport, nil, nil)
	h.client.afterFunc = h.timers.afterFunc

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		h.client.Close(ctx)
	})
	return h
}

func (h *harness) connect(t *testing.T) *fakeSession {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.client.Connect("").Wait(ctx))
	require.True(t, h.client.IsConnected())
	return h.transport.last()
}

func message(subID, destination, body string) stomp.Frame {
	f := stomp.New(stomp.MESSAGE,
		stomp.HdrSubscription, subID,
		stomp.HdrDestination, destination,
		stomp.HdrMessageID, "m-"+subID,
	)
	f.Body = []byte(body)
	return f
}
