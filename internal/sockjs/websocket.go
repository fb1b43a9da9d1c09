package sockjs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsSession carries messages over a WebSocket. With raw set the socket
// speaks STOMP directly; otherwise every message is SockJS framed.
type wsSession struct {
	*session

	conn         *websocket.Conn
	raw          bool
	writeTimeout time.Duration
	writeMu      sync.Mutex
}

func dialWebSocket(ctx context.Context, dialer *websocket.Dialer, url string, header http.Header,
	raw bool, cfg Config, logger *slog.Logger) (*wsSession, error) {

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return nil, fmt.Errorf("dial %s: %w", url, &HTTPError{
				StatusCode: resp.StatusCode,
				Message:    http.StatusText(resp.StatusCode),
			})
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	s := &wsSession{
		session:      newSession(TransportWebSocket, cfg.BufferSize, logger),
		conn:         conn,
		raw:          raw,
		writeTimeout: cfg.WriteTimeout,
	}

	if !raw {
		if err := s.awaitOpen(ctx, cfg.HandshakeTimeout); err != nil {
			conn.Close()
			return nil, err
		}
	}

	go s.readLoop()
	s.logger.Debug("websocket connected", "url", url, "raw", raw)
	return s, nil
}

// awaitOpen reads the SockJS open frame.
func (s *wsSession) awaitOpen(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	s.conn.SetReadDeadline(deadline)
	defer s.conn.SetReadDeadline(time.Time{})

	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read open frame: %w", err)
	}
	f, err := parseFrame(data)
	if err != nil {
		return err
	}
	switch f.kind {
	case frameOpen:
		return nil
	case frameClose:
		return f.close
	}
	return fmt.Errorf("%w: want open, got %q", ErrUnexpectedFrame, f.kind)
}

func (s *wsSession) readLoop() {
	defer s.conn.Close()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.closed() {
				return
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				s.finish(&CloseError{Code: ce.Code, Reason: ce.Text})
				return
			}
			s.finish(fmt.Errorf("read: %w", err))
			return
		}

		if s.raw {
			if !s.push(data) {
				return
			}
			continue
		}

		f, err := parseFrame(data)
		if err != nil {
			s.logger.Warn("dropping undecodable sockjs frame", "error", err)
			continue
		}
		if !s.handle(f) {
			return
		}
	}
}

// Send writes one message.
func (s *wsSession) Send(data []byte) error {
	if s.closed() {
		return ErrSessionClosed
	}

	payload := data
	if !s.raw {
		var err error
		if payload, err = encodeMessages(string(data)); err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// Close ends the session and closes the socket.
func (s *wsSession) Close() error {
	if !s.finish(nil) {
		return nil
	}

	s.writeMu.Lock()
	s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	s.writeMu.Unlock()

	return s.conn.Close()
}
