package stomp

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"github.com/go-stomp/stomp/v3/frame"
)

// ErrMalformedFrame is returned by Decode for any message that is not a frame.
var ErrMalformedFrame = errors.New("malformed frame")

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedFrame, fmt.Sprintf(format, args...))
}

// Codec converts frames to and from transport messages.
type Codec struct{}

// Encode implements the frame encoder.
func (Codec) Encode(f Frame) []byte { return Encode(f) }

// Decode implements the frame decoder.
func (Codec) Decode(data []byte) (Frame, error) { return Decode(data) }

// Encode serializes f. A content-length header is computed from the body;
// any caller-supplied one is replaced.
func Encode(f Frame) []byte {
	out := frame.New(string(f.Command))
	for i := range f.Header.Len() {
		k, v := f.Header.At(i)
		if k != HdrContentLength {
			out.Header.Add(k, v)
		}
	}
	if len(f.Body) > 0 {
		out.Header.Add(HdrContentLength, strconv.Itoa(len(f.Body)))
	}
	out.Body = f.Body

	var buf bytes.Buffer
	buf.Grow(64 + len(f.Body))
	if f.Command.escapes() {
		// Writes to a bytes.Buffer do not fail.
		_ = frame.NewWriter(&buf).Write(out)
	} else {
		writeVerbatim(&buf, out)
	}
	return buf.Bytes()
}

// writeVerbatim writes a frame whose headers are exempt from escaping.
// frame.Writer escapes every header, and brokers do not unescape CONNECT.
func writeVerbatim(buf *bytes.Buffer, f *frame.Frame) {
	buf.WriteString(f.Command)
	buf.WriteByte('\n')
	for i := range f.Header.Len() {
		k, v := f.Header.GetAt(i)
		buf.WriteString(k)
		buf.WriteByte(':')
		buf.WriteString(v)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	buf.Write(f.Body)
	buf.WriteByte(0)
}

// Decode parses exactly one frame. Leading and trailing EOLs are ignored.
func Decode(data []byte) (Frame, error) {
	start, end, err := frameBounds(data)
	if err != nil {
		return Frame{}, err
	}

	r := frame.NewReader(bytes.NewReader(data[start:end]))
	f, err := r.Read()
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f == nil {
		return Frame{}, malformed("empty message")
	}

	cmd := Command(f.Command)
	if !cmd.Valid() {
		return Frame{}, malformed("unknown command %q", truncate(f.Command, 32))
	}
	out := Frame{Command: cmd, Header: Header{h: f.Header}, Body: f.Body}
	if len(out.Body) == 0 {
		out.Body = nil
	}
	return out, nil
}

// frameBounds returns the span of the single frame in data. frame.Reader
// reads a stream, so it cannot report bytes after the frame, and it
// allocates whatever content-length claims before reading the body.
func frameBounds(data []byte) (start, end int, err error) {
	start = len(data) - len(bytes.TrimLeft(data, "\r\n"))
	if start == len(data) {
		return 0, 0, malformed("empty message")
	}

	pos := start
	var (
		length     uint64
		haveLength bool
	)
	for lines := 0; ; lines++ {
		i := bytes.IndexByte(data[pos:], '\n')
		if i < 0 {
			if lines == 0 {
				return 0, 0, malformed("missing EOL after command")
			}
			return 0, 0, malformed("unterminated header block")
		}
		line := bytes.TrimSuffix(data[pos:pos+i], []byte{'\r'})
		pos += i + 1
		if len(line) == 0 {
			break
		}
		if lines == 0 || haveLength {
			continue
		}
		if v, ok := bytes.CutPrefix(line, []byte(HdrContentLength+":")); ok {
			n, perr := strconv.ParseUint(string(v), 10, 64)
			if perr != nil {
				return 0, 0, malformed("invalid content-length %q", truncate(string(v), 32))
			}
			length, haveLength = n, true
		}
	}

	body := data[pos:]
	if haveLength {
		if length >= uint64(len(body)) {
			return 0, 0, malformed("body shorter than content-length %d", length)
		}
		end = pos + int(length) + 1
		if data[end-1] != 0 {
			return 0, 0, malformed("missing NUL after %d byte body", length)
		}
	} else {
		idx := bytes.IndexByte(body, 0)
		if idx < 0 {
			return 0, 0, malformed("missing NUL terminator")
		}
		end = pos + idx + 1
	}

	if trailing := data[end:]; len(bytes.Trim(trailing, "\r\n")) != 0 {
		return 0, 0, malformed("%d bytes of trailing data", len(trailing))
	}
	return start, end, nil
}

// IsHeartbeat reports whether data is a heart-beat (one or more EOLs).
func IsHeartbeat(data []byte) bool {
	return len(data) > 0 && len(bytes.Trim(data, "\r\n")) == 0
}

// HeartbeatBytes is sent as a client heart-beat.
var HeartbeatBytes = []byte{'\n'}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
