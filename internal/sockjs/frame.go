package sockjs

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Server frame types.
const (
	frameOpen      = 'o'
	frameHeartbeat = 'h'
	frameArray     = 'a'
	frameMessage   = 'm'
	frameClose     = 'c'
)

type frame struct {
	kind     byte
	messages []string
	close    *CloseError
}

// parseFrame decodes one SockJS frame.
func parseFrame(data []byte) (frame, error) {
	data = bytes.TrimRight(data, "\r\n")
	if len(data) == 0 {
		return frame{}, fmt.Errorf("%w: empty", ErrUnexpectedFrame)
	}

	f := frame{kind: data[0]}
	payload := data[1:]

	switch f.kind {
	case frameOpen, frameHeartbeat:
		return f, nil

	case frameArray:
		if err := json.Unmarshal(payload, &f.messages); err != nil {
			return frame{}, fmt.Errorf("%w: array: %w", ErrUnexpectedFrame, err)
		}
		return f, nil

	case frameMessage:
		var msg string
		if err := json.Unmarshal(payload, &msg); err != nil {
			return frame{}, fmt.Errorf("%w: message: %w", ErrUnexpectedFrame, err)
		}
		f.messages = []string{msg}
		return f, nil

	case frameClose:
		var parts []json.RawMessage
		if err := json.Unmarshal(payload, &parts); err != nil {
			return frame{}, fmt.Errorf("%w: close: %w", ErrUnexpectedFrame, err)
		}
		ce := &CloseError{}
		if len(parts) > 0 {
			json.Unmarshal(parts[0], &ce.Code)
		}
		if len(parts) > 1 {
			json.Unmarshal(parts[1], &ce.Reason)
		}
		f.close = ce
		return f, nil
	}

	return frame{}, fmt.Errorf("%w: type %q", ErrUnexpectedFrame, f.kind)
}

// splitFrames separates the newline-terminated frames of an xhr response.
func splitFrames(body []byte) [][]byte {
	var out [][]byte
	for _, line := range bytes.Split(body, []byte("\n")) {
		if len(bytes.TrimSpace(line)) > 0 {
			out = append(out, line)
		}
	}
	return out
}

// encodeMessages builds the JSON array clients send to the server.
func encodeMessages(msgs ...string) ([]byte, error) {
	return json.Marshal(msgs)
}
