package connection

import (
	"context"
	"errors"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gdupload/taskwatch/internal/stomp"
)

const waitFor = time.Second
const tick = 5 * time.Millisecond

func TestClient_ConnectHandshake(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Host = "broker.test"
		cfg.ConnectHeaders = map[string]string{"login": "guest"}
	})

	sess := h.connect(t)

	frames := sess.frames(t)
	require.Len(t, frames, 1)
	assert.Equal(t, stomp.CONNECT, frames[0].Command)
	assert.Equal(t, stomp.SupportedVersions, frames[0].Header.Get(stomp.HdrAcceptVersion))
	assert.Equal(t, "broker.test", frames[0].Header.Get(stomp.HdrHost))
	assert.Equal(t, "guest", frames[0].Header.Get("login"))

	assert.Equal(t, StateConnected, h.client.State())
	assert.Equal(t, 0, h.client.Attempts())
	assert.Equal(t, []string{"http://broker.test/ws"}, h.transport.addrs)

	require.Eventually(t, func() bool {
		return len(h.events.states()) == 2
	}, waitFor, tick)
	assert.Equal(t, []State{StateConnecting, StateConnected}, h.events.states())
}

func TestClient_ConnectWithoutAddress(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.Address = "" })

	err := h.client.Connect("").Err()
	assert.ErrorIs(t, err, ErrTransportOpenFailed)
	assert.ErrorIs(t, err, ErrNoAddress)
	assert.Equal(t, 0, h.transport.openCount())
	assert.Equal(t, StateDisconnected, h.client.State())
}

func TestClient_ConnectWhileConnected(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)

	f := h.client.Connect("")
	assert.True(t, f.Resolved())
	assert.NoError(t, f.Err())
	assert.Equal(t, 1, h.transport.openCount())
}

func TestClient_ConnectCoalesced(t *testing.T) {
	h := newHarness(t, nil)
	h.transport.block = make(chan struct{})

	first := h.client.Connect("")
	second := h.client.Connect("")

	assert.Same(t, first, second)
	assert.Equal(t, StateConnecting, h.client.State())
	require.Eventually(t, func() bool { return h.transport.openCount() == 1 }, waitFor, tick)

	close(h.transport.block)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, first.Wait(ctx))
	assert.Equal(t, 1, h.transport.openCount())
	assert.True(t, h.client.IsConnected())
}

func TestClient_NotConnected(t *testing.T) {
	h := newHarness(t, nil)

	id, err := h.client.Subscribe("/topic/tasks", func(Message) error { return nil })
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Empty(t, id)

	err = h.client.Send("/app/ping", map[string]string{"a": "b"})
	assert.ErrorIs(t, err, ErrNotConnected)

	assert.Equal(t, 0, h.transport.openCount())
	assert.Empty(t, h.client.Subscriptions())
}

func TestClient_NotConnectedWhileConnecting(t *testing.T) {
	h := newHarness(t, nil)
	h.transport.block = make(chan struct{})
	defer close(h.transport.block)

	h.client.Connect("")

	_, err := h.client.Subscribe("/topic/tasks", func(Message) error { return nil })
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, h.client.Send("/app/ping", "x"), ErrNotConnected)
}

func TestClient_BackoffSequence(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.ReconnectBaseDelay = time.Second
		cfg.ReconnectMaxDelay = 30 * time.Second
		cfg.MaxReconnectAttempts = 5
	})
	h.transport.failAlways = true

	f := h.client.Connect("")

	want := []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
	}
	for i := range want {
		n := i + 1
		require.Eventually(t, func() bool { return h.timers.count() == n }, waitFor, tick)
		assert.Equal(t, StateReconnecting, h.client.State())
		assert.Equal(t, n, h.client.Attempts())
		assert.False(t, f.Resolved())
		h.timers.fire()
	}

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	err := f.Wait(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMaxReconnectAttempts)
	assert.ErrorIs(t, err, ErrTransportOpenFailed)
	assert.ErrorIs(t, err, errRefused)

	assert.Equal(t, want, h.timers.scheduled())
	assert.Equal(t, 6, h.transport.openCount())
	assert.Equal(t, StateDisconnected, h.client.State())

	require.Eventually(t, func() bool {
		return len(h.events.ofKind(EventGiveUp)) == 1
	}, waitFor, tick)
	retries := h.events.ofKind(EventRetryScheduled)
	require.Len(t, retries, 5)
	for i, ev := range retries {
		assert.Equal(t, i+1, ev.Attempt)
		assert.Equal(t, want[i], ev.Delay)
	}
}

func TestClient_ZeroDurationsUseDefaults(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.ConnectTimeout = 0
		cfg.ReconnectBaseDelay = 0
		cfg.ReconnectMaxDelay = 30 * time.Second
	})
	h.transport.failNext = 1

	f := h.client.Connect("")
	require.Eventually(t, func() bool { return h.timers.count() == 1 }, waitFor, tick)
	assert.Equal(t, []time.Duration{2 * DefaultConfig().ReconnectBaseDelay}, h.timers.scheduled())
	assert.Equal(t, DefaultConfig().ConnectTimeout, h.client.cfg.ConnectTimeout)

	h.timers.fire()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, f.Wait(ctx))
}

func TestClient_ZeroAttemptsGivesUpImmediately(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.MaxReconnectAttempts = 0 })
	h.transport.failAlways = true

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	err := h.client.Connect("").Wait(ctx)
	assert.ErrorIs(t, err, ErrMaxReconnectAttempts)
	assert.Equal(t, 0, h.timers.count())
}

func TestClient_SuccessResetsAttempts(t *testing.T) {
	h := newHarness(t, nil)
	h.transport.failNext = 2

	f := h.client.Connect("")
	for n := 1; n <= 2; n++ {
		require.Eventually(t, func() bool { return h.timers.count() == n }, waitFor, tick)
		h.timers.fire()
	}

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, f.Wait(ctx))
	assert.Equal(t, 0, h.client.Attempts())
	assert.Equal(t, 3, h.transport.openCount())
	assert.Equal(t, int64(1), h.client.Stats().Connects)
}

func TestClient_ConnectDuringBackoffRetriesNow(t *testing.T) {
	h := newHarness(t, nil)
	h.transport.failNext = 1

	f := h.client.Connect("")
	require.Eventually(t, func() bool { return h.timers.count() == 1 }, waitFor, tick)
	require.Equal(t, StateReconnecting, h.client.State())

	again := h.client.Connect("")
	assert.Same(t, f, again)
	assert.True(t, h.timers.lastTimer().isStopped())

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, again.Wait(ctx))
	assert.Equal(t, 2, h.transport.openCount())

	// The superseded timer firing late must not start another attempt.
	h.timers.fire()
	assert.Equal(t, 2, h.transport.openCount())
	assert.True(t, h.client.IsConnected())
}

func TestClient_ConnectTimeout(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.ConnectTimeout = 30 * time.Millisecond
		cfg.MaxReconnectAttempts = 0
	})
	h.transport.autoConnect = false

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	err := h.client.Connect("").Wait(ctx)
	assert.ErrorIs(t, err, ErrConnectTimeout)
	assert.ErrorIs(t, err, ErrMaxReconnectAttempts)
	require.Eventually(t, func() bool { return h.transport.last().isClosed() }, waitFor, tick)
}

func TestClient_BrokerErrorDuringHandshake(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.MaxReconnectAttempts = 0 })
	reply := stomp.New(stomp.ERROR, stomp.HdrMessage, "bad credentials")
	h.transport.reply = &reply

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	err := h.client.Connect("").Wait(ctx)
	assert.ErrorIs(t, err, ErrBrokerError)
	assert.Contains(t, err.Error(), "bad credentials")
}

func TestClient_SubscribeAndDispatch(t *testing.T) {
	h := newHarness(t, nil)
	sess := h.connect(t)

	gotA := make(chan Message, 4)
	var countB atomic.Int32

	idA, err := h.client.Subscribe("/topic/tasks", func(m Message) error {
		gotA <- m
		return nil
	})
	require.NoError(t, err)
	idB, err := h.client.Subscribe("/topic/task/7", func(Message) error {
		countB.Add(1)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, "sub-0", idA)
	assert.Equal(t, "sub-1", idB)

	frames := sess.frames(t)
	require.Len(t, frames, 3)
	assert.Equal(t, stomp.SUBSCRIBE, frames[1].Command)
	assert.Equal(t, "sub-0", frames[1].Header.Get(stomp.HdrID))
	assert.Equal(t, "/topic/tasks", frames[1].Header.Get(stomp.HdrDestination))
	assert.Equal(t, "sub-1", frames[2].Header.Get(stomp.HdrID))

	sess.deliver(message(idA, "/topic/tasks", `{"taskId":7}`))

	select {
	case m := <-gotA:
		assert.Equal(t, idA, m.SubscriptionID)
		assert.Equal(t, "/topic/tasks", m.Destination)
		assert.Equal(t, "m-sub-0", m.MessageID)
		var body struct {
			TaskID int `json:"taskId"`
		}
		require.NoError(t, m.Decode(&body))
		assert.Equal(t, 7, body.TaskID)
	case <-time.After(waitFor):
		t.Fatal("handler A not invoked")
	}

	assert.Never(t, func() bool { return countB.Load() > 0 }, 50*time.Millisecond, tick)

	subs := h.client.Subscriptions()
	require.Len(t, subs, 2)
	assert.Equal(t, int64(1), subs[0].Delivered)
	assert.Equal(t, int64(0), subs[1].Delivered)
}

func TestClient_UnknownSubscriptionDropped(t *testing.T) {
	h := newHarness(t, nil)
	sess := h.connect(t)

	sess.deliver(message("sub-99", "/topic/tasks", "{}"))

	require.Eventually(t, func() bool {
		return h.client.Stats().MessagesDropped == 1
	}, waitFor, tick)
	assert.True(t, h.client.IsConnected())
}

func TestClient_MalformedFrameIsNotFatal(t *testing.T) {
	h := newHarness(t, nil)
	sess := h.connect(t)

	got := make(chan struct{}, 1)
	id, err := h.client.Subscribe("/topic/tasks", func(Message) error {
		got <- struct{}{}
		return nil
	})
	require.NoError(t, err)

	sess.deliverRaw("NONSENSE\n\n\x00")
	sess.deliverRaw("MESSAGE\nsubscription:" + id + "\n\nunterminated")
	sess.deliver(message(id, "/topic/tasks", "{}"))

	select {
	case <-got:
	case <-time.After(waitFor):
		t.Fatal("valid frame after malformed ones was not delivered")
	}

	assert.True(t, h.client.IsConnected())
	assert.Equal(t, int64(2), h.client.Stats().FramesRejected)

	require.Eventually(t, func() bool {
		return len(h.events.ofKind(EventFrameRejected)) == 2
	}, waitFor, tick)
	for _, ev := range h.events.ofKind(EventFrameRejected) {
		assert.ErrorIs(t, ev.Err, ErrMalformedFrame)
	}
}

func TestClient_HandlerFailureIsolated(t *testing.T) {
	h := newHarness(t, nil)
	sess := h.connect(t)

	boom := errors.New("boom")
	failing, err := h.client.Subscribe("/topic/a", func(Message) error { return boom })
	require.NoError(t, err)
	panicking, err := h.client.Subscribe("/topic/b", func(Message) error { panic("kaput") })
	require.NoError(t, err)

	got := make(chan struct{}, 1)
	healthy, err := h.client.Subscribe("/topic/c", func(Message) error {
		got <- struct{}{}
		return nil
	})
	require.NoError(t, err)

	sess.deliver(message(failing, "/topic/a", "{}"))
	sess.deliver(message(panicking, "/topic/b", "{}"))
	sess.deliver(message(healthy, "/topic/c", "{}"))

	select {
	case <-got:
	case <-time.After(waitFor):
		t.Fatal("healthy handler not invoked")
	}

	require.Eventually(t, func() bool {
		return len(h.events.ofKind(EventHandlerFailed)) == 2
	}, waitFor, tick)

	for _, ev := range h.events.ofKind(EventHandlerFailed) {
		assert.ErrorIs(t, ev.Err, ErrHandlerFailed)
		var herr *HandlerError
		require.ErrorAs(t, ev.Err, &herr)
		assert.Equal(t, ev.SubscriptionID, herr.SubscriptionID)
	}
	assert.True(t, h.client.IsConnected())
	assert.Equal(t, int64(2), h.client.Stats().HandlerFailures)
}

func TestClient_SlowHandlerDoesNotBlockOthers(t *testing.T) {
	h := newHarness(t, nil)
	sess := h.connect(t)

	release := make(chan struct{})
	defer close(release)
	slow, err := h.client.Subscribe("/topic/slow", func(Message) error {
		<-release
		return nil
	})
	require.NoError(t, err)

	got := make(chan struct{}, 1)
	fast, err := h.client.Subscribe("/topic/fast", func(Message) error {
		got <- struct{}{}
		return nil
	})
	require.NoError(t, err)

	sess.deliver(message(slow, "/topic/slow", "{}"))
	sess.deliver(message(slow, "/topic/slow", "{}"))
	sess.deliver(message(fast, "/topic/fast", "{}"))

	select {
	case <-got:
	case <-time.After(waitFor):
		t.Fatal("fast handler blocked behind slow handler")
	}
}

func TestClient_MailboxLimitDrops(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.MailboxLimit = 1 })
	sess := h.connect(t)

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	defer close(release)
	id, err := h.client.Subscribe("/topic/slow", func(Message) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	})
	require.NoError(t, err)

	sess.deliver(message(id, "/topic/slow", "1"))
	<-started
	sess.deliver(message(id, "/topic/slow", "2"))
	sess.deliver(message(id, "/topic/slow", "3"))

	require.Eventually(t, func() bool {
		return h.client.Stats().MessagesDropped == 1
	}, waitFor, tick)
	subs := h.client.Subscriptions()
	require.Len(t, subs, 1)
	assert.Equal(t, int64(1), subs[0].Dropped)
	assert.Equal(t, 1, subs[0].Pending)
}

func TestClient_Unsubscribe(t *testing.T) {
	h := newHarness(t, nil)
	sess := h.connect(t)

	var calls atomic.Int32
	id, err := h.client.Subscribe("/topic/tasks", func(Message) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, h.client.Unsubscribe("sub-42"))
	assert.Equal(t, []stomp.Command{stomp.CONNECT, stomp.SUBSCRIBE}, sess.commands(t))

	require.NoError(t, h.client.Unsubscribe(id))
	frames := sess.frames(t)
	require.Len(t, frames, 3)
	assert.Equal(t, stomp.UNSUBSCRIBE, frames[2].Command)
	assert.Equal(t, id, frames[2].Header.Get(stomp.HdrID))
	assert.Empty(t, h.client.Subscriptions())

	// Unsubscribing twice is a no-op.
	require.NoError(t, h.client.Unsubscribe(id))
	assert.Len(t, sess.frames(t), 3)

	sess.deliver(message(id, "/topic/tasks", "{}"))
	require.Eventually(t, func() bool {
		return h.client.Stats().MessagesDropped == 1
	}, waitFor, tick)
	assert.Equal(t, int32(0), calls.Load())
}

func TestClient_SendEncodesPayload(t *testing.T) {
	h := newHarness(t, nil)
	sess := h.connect(t)

	require.NoError(t, h.client.Send("/app/task/pause", map[string]int{"taskId": 3}))
	require.NoError(t, h.client.Send("/app/echo", "hello"))
	require.NoError(t, h.client.Send("/app/raw", []byte{1, 2}))

	frames := sess.frames(t)
	require.Len(t, frames, 4)

	assert.Equal(t, stomp.SEND, frames[1].Command)
	assert.Equal(t, "/app/task/pause", frames[1].Header.Get(stomp.HdrDestination))
	assert.Equal(t, "application/json", frames[1].Header.Get(stomp.HdrContentType))
	assert.JSONEq(t, `{"taskId":3}`, string(frames[1].Body))

	assert.Equal(t, "text/plain", frames[2].Header.Get(stomp.HdrContentType))
	assert.Equal(t, "hello", string(frames[2].Body))

	assert.Equal(t, []byte{1, 2}, frames[3].Body)
}

func TestClient_TransportLossClearsRegistry(t *testing.T) {
	h := newHarness(t, nil)
	sess := h.connect(t)

	for _, dest := range []string{"/topic/tasks", "/topic/task/1"} {
		_, err := h.client.Subscribe(dest, func(Message) error { return nil })
		require.NoError(t, err)
	}

	sess.kill(errors.New("connection reset"))

	require.Eventually(t, func() bool {
		return h.client.State() == StateReconnecting
	}, waitFor, tick)
	assert.Empty(t, h.client.Subscriptions())
	assert.Equal(t, 1, h.client.Attempts())
	assert.Equal(t, []time.Duration{2 * time.Second}, h.timers.scheduled())

	require.Eventually(t, func() bool {
		return len(h.events.ofKind(EventRegistryCleared)) == 1
	}, waitFor, tick)
	cleared := h.events.ofKind(EventRegistryCleared)[0]
	assert.Equal(t, []string{"sub-0", "sub-1"}, cleared.Subscriptions)
	assert.Equal(t, StateReconnecting, cleared.State)

	_, err := h.client.Subscribe("/topic/tasks", func(Message) error { return nil })
	assert.ErrorIs(t, err, ErrNotConnected)

	h.timers.fire()
	require.Eventually(t, h.client.IsConnected, waitFor, tick)

	// No automatic re-subscription; ids keep counting.
	assert.Empty(t, h.client.Subscriptions())
	assert.Equal(t, []stomp.Command{stomp.CONNECT}, h.transport.last().commands(t))

	id, err := h.client.Subscribe("/topic/tasks", func(Message) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, "sub-2", id)
	assert.Equal(t, 0, h.client.Attempts())
}

func TestClient_Disconnect(t *testing.T) {
	h := newHarness(t, nil)
	sess := h.connect(t)

	_, err := h.client.Subscribe("/topic/tasks", func(Message) error { return nil })
	require.NoError(t, err)

	require.NoError(t, h.client.Disconnect())

	assert.Equal(t, StateDisconnected, h.client.State())
	assert.Empty(t, h.client.Subscriptions())
	assert.True(t, sess.isClosed())
	assert.Equal(t,
		[]stomp.Command{stomp.CONNECT, stomp.SUBSCRIBE, stomp.DISCONNECT},
		sess.commands(t),
	)

	// The read loop sees the closed session but must not schedule a retry.
	assert.Never(t, func() bool { return h.timers.count() > 0 }, 50*time.Millisecond, tick)
	assert.Equal(t, StateDisconnected, h.client.State())

	require.Eventually(t, func() bool {
		return len(h.events.ofKind(EventRegistryCleared)) == 1
	}, waitFor, tick)
}

func TestClient_DisconnectCancelsRetry(t *testing.T) {
	h := newHarness(t, nil)
	h.transport.failNext = 1

	f := h.client.Connect("")
	require.Eventually(t, func() bool { return h.timers.count() == 1 }, waitFor, tick)

	require.NoError(t, h.client.Disconnect())
	assert.True(t, h.timers.lastTimer().isStopped())
	assert.Equal(t, StateDisconnected, h.client.State())
	assert.Equal(t, 0, h.client.Attempts())
	assert.ErrorIs(t, f.Err(), ErrDisconnected)

	h.timers.fire()
	assert.Equal(t, 1, h.transport.openCount())
	assert.Equal(t, StateDisconnected, h.client.State())
}

func TestClient_ReconnectAfterDisconnect(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	require.NoError(t, h.client.Disconnect())

	sess := h.connect(t)
	assert.Equal(t, 2, h.transport.openCount())
	assert.Equal(t, []stomp.Command{stomp.CONNECT}, sess.commands(t))
}

func TestClient_CloseRejectsConnect(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, h.client.Close(ctx))

	assert.ErrorIs(t, h.client.Connect("").Err(), ErrClientClosed)
	assert.Equal(t, StateDisconnected, h.client.State())
}

func TestClient_BrokerErrorWhileConnected(t *testing.T) {
	h := newHarness(t, nil)
	sess := h.connect(t)

	sess.deliver(stomp.New(stomp.ERROR, stomp.HdrMessage, "destination forbidden"))

	require.Eventually(t, func() bool {
		return len(h.events.ofKind(EventBrokerError)) == 1
	}, waitFor, tick)
	ev := h.events.ofKind(EventBrokerError)[0]
	assert.ErrorIs(t, ev.Err, ErrBrokerError)
	assert.Contains(t, ev.Err.Error(), "destination forbidden")
	assert.True(t, h.client.IsConnected())
}

func TestClient_ErrorBeforeCloseIsHandled(t *testing.T) {
	h := newHarness(t, nil)
	sess := h.connect(t)

	sess.deliver(stomp.New(stomp.ERROR, stomp.HdrMessage, "session expired"))
	sess.kill(errors.New("closed by broker"))

	require.Eventually(t, func() bool {
		return len(h.events.ofKind(EventRetryScheduled)) == 1
	}, waitFor, tick)
	require.Len(t, h.events.ofKind(EventBrokerError), 1)
	assert.Contains(t, h.events.ofKind(EventBrokerError)[0].Err.Error(), "session expired")

	kinds := h.events.kinds()
	assert.Less(t,
		slices.Index(kinds, EventBrokerError),
		slices.Index(kinds, EventRetryScheduled),
	)
	assert.Equal(t, int64(1), h.client.Stats().FramesReceived)
}

func TestClient_HeartbeatSent(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.HeartbeatOutgoing = 10 * time.Millisecond
		cfg.HeartbeatIncoming = 0
	})
	reply := stomp.New(stomp.CONNECTED,
		stomp.HdrVersion, "1.2",
		stomp.HdrHeartBeat, "0,20",
	)
	h.transport.reply = &reply

	sess := h.connect(t)
	assert.Equal(t, "10,0", sess.frames(t)[0].Header.Get(stomp.HdrHeartBeat))

	require.Eventually(t, func() bool { return sess.heartbeats() >= 2 }, waitFor, tick)

	sess.mu.Lock()
	for _, data := range sess.sent[1:] {
		assert.Equal(t, stomp.HeartbeatBytes, data)
	}
	sess.mu.Unlock()
	assert.True(t, h.client.IsConnected())
}

func TestClient_InboundHeartbeatsKeepAlive(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.HeartbeatOutgoing = 0
		cfg.HeartbeatIncoming = 20 * time.Millisecond
	})
	reply := stomp.New(stomp.CONNECTED,
		stomp.HdrVersion, "1.2",
		stomp.HdrHeartBeat, "20,0",
	)
	h.transport.reply = &reply

	sess := h.connect(t)

	stop := time.After(150 * time.Millisecond)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for done := false; !done; {
		select {
		case <-ticker.C:
			sess.deliverRaw("\n")
		case <-stop:
			done = true
		}
	}

	assert.True(t, h.client.IsConnected())
	assert.Equal(t, 0, h.timers.count())
	assert.Equal(t, int64(0), h.client.Stats().FramesReceived)
}

func TestClient_SilenceTimesOut(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.HeartbeatOutgoing = 10 * time.Millisecond
		cfg.HeartbeatIncoming = 10 * time.Millisecond
	})
	reply := stomp.New(stomp.CONNECTED,
		stomp.HdrVersion, "1.2",
		stomp.HdrHeartBeat, "10,10",
	)
	h.transport.reply = &reply

	sess := h.connect(t)

	require.Eventually(t, func() bool {
		return h.client.State() == StateReconnecting
	}, waitFor, tick)
	assert.True(t, sess.isClosed())
	assert.Positive(t, sess.heartbeats())

	require.Eventually(t, func() bool {
		return len(h.events.ofKind(EventRetryScheduled)) == 1
	}, waitFor, tick)
	ev := h.events.ofKind(EventRetryScheduled)[0]
	assert.ErrorIs(t, ev.Err, ErrHeartbeatTimeout)
	assert.ErrorIs(t, ev.Err, ErrTransportClosed)
	assert.Equal(t, 1, ev.Attempt)
}

func TestFuture_Cancel(t *testing.T) {
	h := newHarness(t, nil)
	h.transport.block = make(chan struct{})
	defer close(h.transport.block)

	f := h.client.Connect("")
	require.False(t, f.Resolved())
	assert.NoError(t, f.Err())

	f.Cancel()

	assert.True(t, f.Resolved())
	assert.ErrorIs(t, f.Err(), context.Canceled)
	assert.Equal(t, StateDisconnected, h.client.State())
	assert.Never(t, func() bool { return h.timers.count() > 0 }, 50*time.Millisecond, tick)

	// Cancelling a resolved future does nothing.
	f.Cancel()
	assert.ErrorIs(t, f.Err(), context.Canceled)
}

func TestFuture_WaitHonoursContext(t *testing.T) {
	f := newFuture(nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, f.Wait(ctx), context.Canceled)
	assert.False(t, f.Resolved())

	f.resolve(errors.New("first"))
	f.resolve(errors.New("second"))
	assert.EqualError(t, f.Wait(context.Background()), "first")
}

func TestJSONHandler(t *testing.T) {
	type payload struct {
		TaskID int `json:"taskId"`
	}

	var got payload
	h := JSONHandler(func(p payload) error {
		got = p
		return nil
	})

	require.NoError(t, h(Message{Body: []byte(`{"taskId":12}`)}))
	assert.Equal(t, 12, got.TaskID)

	err := h(Message{Body: []byte(`not json`)})
	assert.Error(t, err)
}
