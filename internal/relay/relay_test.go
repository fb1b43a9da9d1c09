package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gdupload/taskwatch/internal/bus"
	"github.com/gdupload/taskwatch/internal/connection"
	"github.com/gdupload/taskwatch/internal/taskevent"
)

type published struct {
	subject string
	data    []byte
}

type fakeConn struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (c *fakeConn) Publish(subj string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, published{subj, data})
	return nil
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func (c *fakeConn) all() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.msgs...)
}

func statusEvent(taskID int64) taskevent.Event {
	return taskevent.Event{
		Type:       taskevent.TypeTaskStatus,
		TaskStatus: &taskevent.TaskStatus{TaskID: taskID, Status: taskevent.TaskCompleted, Message: "done"},
	}
}

func TestSubject(t *testing.T) {
	tests := []struct {
		name string
		ev   taskevent.Event
		want string
	}{
		{"progress", taskevent.Event{Type: taskevent.TypeProgress, Progress: &taskevent.Progress{TaskID: 7}}, "tw.task.7.progress"},
		{"status", statusEvent(8), "tw.task.8.status"},
		{"file", taskevent.Event{Type: taskevent.TypeFileStatus, FileStatus: &taskevent.FileStatus{TaskID: 9, FileID: 1}}, "tw.task.9.file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Subject("tw", tt.ev)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := Subject("tw", taskevent.Event{Type: "TASK_DELETED"})
	assert.ErrorIs(t, err, taskevent.ErrUnknownType)
}

func TestRelay_RelaysBusEvents(t *testing.T) {
	b := bus.New(16, nil)
	defer b.Shutdown()

	conn := &fakeConn{}
	r := New(Config{SubjectPrefix: "tw"}, conn, b, nil)
	require.NoError(t, r.Start(context.Background()))

	b.Publish(statusEvent(8), bus.TopicTaskStatus)
	b.Publish(connection.Event{
		Kind:     connection.EventStateChanged,
		State:    connection.StateConnected,
		Previous: connection.StateConnecting,
		At:       time.Date(2026, 1, 19, 2, 0, 0, 0, time.UTC),
	}, bus.TopicConnection)

	require.Eventually(t, func() bool { return conn.count() == 2 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Stop(ctx))

	msgs := conn.all()
	assert.Equal(t, "tw.task.8.status", msgs[0].subject)

	ev, err := taskevent.Decode(msgs[0].data)
	require.NoError(t, err)
	assert.Equal(t, taskevent.TaskCompleted, ev.TaskStatus.Status)

	assert.Equal(t, "tw.connection", msgs[1].subject)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(msgs[1].data, &payload))
	assert.Equal(t, "state_changed", payload["kind"])
	assert.Equal(t, "connected", payload["state"])
	assert.Equal(t, "connecting", payload["previous"])

	assert.Equal(t, int64(2), r.Stats().Published)
}

func TestRelay_PublishError(t *testing.T) {
	conn := &fakeConn{err: nats.ErrConnectionClosed}
	r := New(DefaultConfig(), conn, nil, nil)

	r.relay(statusEvent(1))
	r.relay("not an event")

	stats := r.Stats()
	assert.Equal(t, int64(1), stats.Errors)
	assert.Equal(t, int64(1), stats.Skipped)
	assert.Zero(t, stats.Published)
}

func TestConnectionPayload(t *testing.T) {
	p := newConnectionPayload(connection.Event{
		Kind:    connection.EventRetryScheduled,
		State:   connection.StateReconnecting,
		Attempt: 2,
		Delay:   4 * time.Second,
		Err:     errors.New("connection refused"),
	})

	assert.Equal(t, "retry_scheduled", p.Kind)
	assert.Equal(t, "reconnecting", p.State)
	assert.Empty(t, p.Previous)
	assert.Equal(t, int64(4000), p.DelayMs)
	assert.Equal(t, "connection refused", p.Error)
}

// TestRelay_NATS runs against a local server when one is available.
func TestRelay_NATS(t *testing.T) {
	nc, err := Connect(nats.DefaultURL, "taskwatch-test", nil)
	if err != nil {
		t.Skip("Skipping test because no NATS server is running")
	}
	defer nc.Close()

	sub, err := nc.SubscribeSync("twtest.task.>")
	require.NoError(t, err)

	b := bus.New(16, nil)
	defer b.Shutdown()

	r := New(Config{SubjectPrefix: "twtest"}, nc, b, nil)
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop(context.Background())

	b.Publish(statusEvent(42), bus.TopicTaskStatus)

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "twtest.task.42.status", msg.Subject)
}
