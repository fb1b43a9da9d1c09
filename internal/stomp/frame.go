package stomp

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
)

// Command is a STOMP frame command.
type Command string

// Client and server commands.
const (
	CONNECT     Command = "CONNECT"
	STOMP       Command = "STOMP"
	CONNECTED   Command = "CONNECTED"
	SUBSCRIBE   Command = "SUBSCRIBE"
	UNSUBSCRIBE Command = "UNSUBSCRIBE"
	SEND        Command = "SEND"
	MESSAGE     Command = "MESSAGE"
	RECEIPT     Command = "RECEIPT"
	ERROR       Command = "ERROR"
	DISCONNECT  Command = "DISCONNECT"
	ACK         Command = "ACK"
	NACK        Command = "NACK"
)

// Valid reports whether c is a known command.
func (c Command) Valid() bool {
	switch c {
	case CONNECT, STOMP, CONNECTED, SUBSCRIBE, UNSUBSCRIBE, SEND,
		MESSAGE, RECEIPT, ERROR, DISCONNECT, ACK, NACK:
		return true
	}
	return false
}

// escapes reports whether header values of this command use STOMP 1.2 escaping.
// CONNECT and CONNECTED frames are exempt for 1.0 compatibility.
func (c Command) escapes() bool {
	return c != CONNECT && c != STOMP && c != CONNECTED
}

// Well-known header names.
const (
	HdrAcceptVersion = "accept-version"
	HdrVersion       = "version"
	HdrHost          = "host"
	HdrHeartBeat     = "heart-beat"
	HdrDestination   = "destination"
	HdrID            = "id"
	HdrAck           = "ack"
	HdrSubscription  = "subscription"
	HdrMessageID     = "message-id"
	HdrContentType   = "content-type"
	HdrContentLength = "content-length"
	HdrReceipt       = "receipt"
	HdrReceiptID     = "receipt-id"
	HdrMessage       = "message"
	HdrServer        = "server"
	HdrSession       = "session"
)

// SupportedVersions is sent in the accept-version header of CONNECT.
const SupportedVersions = "1.2,1.1,1.0"

// Header is an ordered list of frame headers backed by go-stomp's
// frame.Header. Repeated keys are kept; lookups return the first occurrence.
// The zero value is an empty header. Copies of a Header share storage, use
// Clone before mutating a received one.
type Header struct {
	h *frame.Header
}

// NewHeader builds a header from alternating key/value arguments.
func NewHeader(kv ...string) Header {
	return Header{h: frame.NewHeader(kv[:len(kv)&^1]...)}
}

func (h *Header) init() {
	if h.h == nil {
		h.h = frame.NewHeader()
	}
}

// Add appends a header, keeping any existing value for the same key.
func (h *Header) Add(key, value string) {
	h.init()
	h.h.Add(key, value)
}

// Set replaces the value for key, or appends it.
func (h *Header) Set(key, value string) {
	h.init()
	if len(h.h.GetAll(key)) > 1 {
		h.h.Del(key)
	}
	h.h.Set(key, value)
}

// Del removes every value for key.
func (h *Header) Del(key string) {
	if h.h != nil {
		h.h.Del(key)
	}
}

// Get returns the first value for key, or "".
func (h Header) Get(key string) string {
	v, _ := h.Lookup(key)
	return v
}

// Lookup returns the first value for key and whether it was present.
func (h Header) Lookup(key string) (string, bool) {
	if h.h == nil {
		return "", false
	}
	return h.h.Contains(key)
}

// Len returns the number of header lines.
func (h Header) Len() int {
	if h.h == nil {
		return 0
	}
	return h.h.Len()
}

// At returns the i'th header line.
func (h Header) At(i int) (key, value string) {
	return h.h.GetAt(i)
}

// Clone returns a copy that does not share storage with h.
func (h Header) Clone() Header {
	if h.h == nil {
		return Header{}
	}
	return Header{h: h.h.Clone()}
}

// Map returns the headers as a map, first occurrence wins.
func (h Header) Map() map[string]string {
	m := make(map[string]string, h.Len())
	for i := range h.Len() {
		k, v := h.At(i)
		if _, ok := m[k]; !ok {
			m[k] = v
		}
	}
	return m
}

// Frame is one STOMP protocol message.
type Frame struct {
	Command Command
	Header  Header
	Body    []byte
}

// New creates a frame with alternating key/value headers.
func New(cmd Command, kv ...string) Frame {
	return Frame{Command: cmd, Header: NewHeader(kv...)}
}

func (f Frame) String() string {
	var b strings.Builder
	b.WriteString(string(f.Command))
	if d := f.Header.Get(HdrDestination); d != "" {
		b.WriteString(" ")
		b.WriteString(d)
	}
	if len(f.Body) > 0 {
		fmt.Fprintf(&b, " (%d bytes)", len(f.Body))
	}
	return b.String()
}

// Connect builds a CONNECT frame. Extra headers are appended after the standard ones.
func Connect(host string, hb Heartbeat, extra Header) Frame {
	f := New(CONNECT,
		HdrAcceptVersion, SupportedVersions,
		HdrHeartBeat, hb.String(),
	)
	if host != "" {
		f.Header.Set(HdrHost, host)
	}
	for i := range extra.Len() {
		f.Header.Set(extra.At(i))
	}
	return f
}

// Subscribe builds a SUBSCRIBE frame with automatic acknowledgement.
func Subscribe(id, destination string) Frame {
	return New(SUBSCRIBE,
		HdrID, id,
		HdrDestination, destination,
		HdrAck, "auto",
	)
}

// Unsubscribe builds an UNSUBSCRIBE frame.
func Unsubscribe(id string) Frame {
	return New(UNSUBSCRIBE, HdrID, id)
}

// Send builds a SEND frame.
func Send(destination, contentType string, body []byte) Frame {
	f := New(SEND, HdrDestination, destination)
	if contentType != "" {
		f.Header.Set(HdrContentType, contentType)
	}
	f.Body = body
	return f
}

// Disconnect builds a DISCONNECT frame. An empty receipt omits the header.
func Disconnect(receipt string) Frame {
	f := New(DISCONNECT)
	if receipt != "" {
		f.Header.Set(HdrReceipt, receipt)
	}
	return f
}

// Heartbeat is the heart-beat header value: how often the sender can
// emit heart-beats and how often it wants to receive them. Zero disables.
type Heartbeat struct {
	Outgoing time.Duration
	Incoming time.Duration
}

func (h Heartbeat) String() string {
	return strconv.FormatInt(h.Outgoing.Milliseconds(), 10) + "," +
		strconv.FormatInt(h.Incoming.Milliseconds(), 10)
}

// ParseHeartbeat parses a "cx,cy" heart-beat header. An empty value is "0,0".
func ParseHeartbeat(s string) (Heartbeat, error) {
	if s == "" {
		return Heartbeat{}, nil
	}
	out, in, ok := strings.Cut(s, ",")
	if !ok {
		return Heartbeat{}, fmt.Errorf("%w: heart-beat %q", ErrMalformedFrame, s)
	}
	cx, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
	if err != nil || cx < 0 {
		return Heartbeat{}, fmt.Errorf("%w: heart-beat %q", ErrMalformedFrame, s)
	}
	cy, err := strconv.ParseInt(strings.TrimSpace(in), 10, 64)
	if err != nil || cy < 0 {
		return Heartbeat{}, fmt.Errorf("%w: heart-beat %q", ErrMalformedFrame, s)
	}
	return Heartbeat{
		Outgoing: time.Duration(cx) * time.Millisecond,
		Incoming: time.Duration(cy) * time.Millisecond,
	}, nil
}

// Negotiate returns the intervals agreed between a client and the server's
// CONNECTED heart-beat: how often the client must send, and how often it
// should expect traffic. Zero means disabled.
func Negotiate(client, server Heartbeat) (send, recv time.Duration) {
	if client.Outgoing > 0 && server.Incoming > 0 {
		send = max(client.Outgoing, server.Incoming)
	}
	if client.Incoming > 0 && server.Outgoing > 0 {
		recv = max(client.Incoming, server.Outgoing)
	}
	return send, recv
}
