package sockjs

import (
	"context"
	"fmt"
	"net/http"
	"sync"
)

// xhrSession implements the xhr-polling transport: long-poll POSTs to /xhr
// for inbound frames and POSTs to /xhr_send for outbound messages.
type xhrSession struct {
	*session

	t      *Transport
	url    string
	cancel context.CancelFunc

	sendMu sync.Mutex
}

func openXHR(ctx context.Context, t *Transport, sessionURL string) (*xhrSession, error) {
	body, err := t.doRequest(ctx, http.MethodPost, sessionURL+"/xhr", nil)
	if err != nil {
		return nil, fmt.Errorf("open xhr: %w", err)
	}
	frames := splitFrames(body)
	if len(frames) == 0 {
		return nil, fmt.Errorf("%w: empty open response", ErrUnexpectedFrame)
	}
	f, err := parseFrame(frames[0])
	if err != nil {
		return nil, err
	}
	switch f.kind {
	case frameOpen:
	case frameClose:
		return nil, f.close
	default:
		return nil, fmt.Errorf("%w: want open, got %q", ErrUnexpectedFrame, f.kind)
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	s := &xhrSession{
		session: newSession(TransportXHRPolling, t.cfg.BufferSize, t.logger),
		t:       t,
		url:     sessionURL,
		cancel:  cancel,
	}

	// Frames that arrived together with the open frame.
	for _, data := range frames[1:] {
		if !s.apply(data) {
			cancel()
			return s, nil
		}
	}

	go s.pollLoop(pollCtx)
	s.logger.Debug("xhr session opened", "url", sessionURL)
	return s, nil
}

func (s *xhrSession) pollLoop(ctx context.Context) {
	defer s.cancel()

	for {
		reqCtx, cancel := context.WithTimeout(ctx, s.t.cfg.PollTimeout)
		body, err := s.t.doRequest(reqCtx, http.MethodPost, s.url+"/xhr", nil)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.finish(fmt.Errorf("poll: %w", err))
			return
		}

		for _, data := range splitFrames(body) {
			if !s.apply(data) {
				return
			}
		}
	}
}

func (s *xhrSession) apply(data []byte) bool {
	f, err := parseFrame(data)
	if err != nil {
		s.logger.Warn("dropping undecodable sockjs frame", "error", err)
		return true
	}
	return s.handle(f)
}

// Send posts one message to /xhr_send. Sends are serialized so the server
// sees them in order.
func (s *xhrSession) Send(data []byte) error {
	if s.closed() {
		return ErrSessionClosed
	}

	payload, err := encodeMessages(string(data))
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.t.cfg.WriteTimeout)
	defer cancel()

	if _, err := s.t.doRequest(ctx, http.MethodPost, s.url+"/xhr_send", payload); err != nil {
		return fmt.Errorf("xhr send: %w", err)
	}
	return nil
}

// Close stops polling. SockJS has no explicit close request for xhr; the
// server expires the session.
func (s *xhrSession) Close() error {
	if s.finish(nil) {
		s.cancel()
	}
	return nil
}
