package sockjs

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Transport names, in the order they are tried by default.
const (
	TransportWebSocket  = "websocket"
	TransportXHRPolling = "xhr-polling"
)

// Errors
var (
	ErrUnsupportedScheme = errors.New("unsupported address scheme")
	ErrUnknownTransport  = errors.New("unknown transport")
	ErrNoTransport       = errors.New("no usable transport")
	ErrUnexpectedFrame   = errors.New("unexpected sockjs frame")
	ErrSessionClosed     = errors.New("session closed")
)

// Config holds transport settings.
type Config struct {
	// Transports lists the SockJS transports to try, in order.
	Transports []string

	// Header is added to every HTTP request and WebSocket handshake.
	Header http.Header

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	// PollTimeout bounds one xhr-polling request. SockJS servers answer an
	// idle poll with a heartbeat well before this.
	PollTimeout time.Duration

	// BufferSize is the capacity of a session's inbound message channel.
	BufferSize int

	// InfoRetries and InfoRetryBackoff control retries of the /info request
	// on 5xx and 429 responses.
	InfoRetries      int
	InfoRetryBackoff time.Duration

	// Proxy routes every request through an http, https or socks5 proxy.
	// When nil the HTTP_PROXY family of environment variables applies.
	Proxy *url.URL

	// HTTPClient is used for /info and xhr requests. A client with a cookie
	// jar is created when nil.
	HTTPClient *http.Client
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Transports:       []string{TransportWebSocket, TransportXHRPolling},
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		PollTimeout:      40 * time.Second,
		BufferSize:       1000,
		InfoRetries:      2,
		InfoRetryBackoff: 500 * time.Millisecond,
	}
}

// Info is the server's answer to GET {base}/info.
type Info struct {
	WebSocket    bool     `json:"websocket"`
	CookieNeeded bool     `json:"cookie_needed"`
	Origins      []string `json:"origins"`
	Entropy      int64    `json:"entropy"`
}

// CloseError is the reason carried by a SockJS close frame.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("sockjs closed %d: %s", e.Code, e.Reason)
}

// HTTPError is a non-success response from the SockJS endpoint.
type HTTPError struct {
	StatusCode int
	Message    string
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("sockjs http error %d: %s", e.StatusCode, e.Message)
}

// IsRetryable returns true if the request should be retried.
func (e *HTTPError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}
