package sockjs

import (
	"log/slog"
	"sync"
)

// session is the state shared by all transports: the inbound channel and
// the one-shot termination signal.
type session struct {
	transport string
	logger    *slog.Logger

	msgs chan []byte
	done chan struct{}

	mu        sync.Mutex
	err       error
	closeOnce sync.Once
}

func newSession(transport string, bufferSize int, logger *slog.Logger) *session {
	return &session{
		transport: transport,
		logger:    logger.With("transport", transport),
		msgs:      make(chan []byte, bufferSize),
		done:      make(chan struct{}),
	}
}

// Messages returns inbound messages, one STOMP frame each.
func (s *session) Messages() <-chan []byte { return s.msgs }

// Done is closed when the session ends.
func (s *session) Done() <-chan struct{} { return s.done }

// Err returns why the session ended, or nil after a local Close.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// finish ends the session with err. Only the first call has an effect.
func (s *session) finish(err error) bool {
	first := false
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
		first = true
	})
	if first && err != nil {
		s.logger.Debug("sockjs session ended", "error", err)
	}
	return first
}

// push hands one message to the reader. It blocks while the buffer is full
// and gives up once the session ends.
func (s *session) push(data []byte) bool {
	select {
	case s.msgs <- data:
		return true
	case <-s.done:
		return false
	}
}

// handle applies a decoded SockJS frame. It returns false once the server
// closed the session.
func (s *session) handle(f frame) bool {
	switch f.kind {
	case frameArray, frameMessage:
		for _, m := range f.messages {
			if !s.push([]byte(m)) {
				return false
			}
		}
	case frameClose:
		s.finish(f.close)
		return false
	case frameHeartbeat:
	case frameOpen:
		s.logger.Debug("ignoring repeated open frame")
	}
	return true
}
