package taskevent

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Errors
var (
	ErrUnknownType = errors.New("unknown event type")
	ErrMissingType = errors.New("missing event type")
)

type envelope struct {
	Type Type `json:"type"`
}

// Decode parses one payload. Unknown types return ErrUnknownType with the
// Type still set on the returned event.
func Decode(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, fmt.Errorf("unmarshal envelope: %w", err)
	}

	ev := Event{Type: env.Type}

	switch env.Type {
	case TypeProgress:
		var p Progress
		if err := json.Unmarshal(data, &p); err != nil {
			return ev, fmt.Errorf("unmarshal %s: %w", env.Type, err)
		}
		ev.Progress = &p

	case TypeTaskStatus:
		var s TaskStatus
		if err := json.Unmarshal(data, &s); err != nil {
			return ev, fmt.Errorf("unmarshal %s: %w", env.Type, err)
		}
		ev.TaskStatus = &s

	case TypeFileStatus:
		var s FileStatus
		if err := json.Unmarshal(data, &s); err != nil {
			return ev, fmt.Errorf("unmarshal %s: %w", env.Type, err)
		}
		ev.FileStatus = &s

	case "":
		return ev, ErrMissingType

	default:
		return ev, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	return ev, nil
}

// Encode renders the payload with its type discriminator, as the upload
// service sends it.
func Encode(ev Event) ([]byte, error) {
	var body any
	switch {
	case ev.Progress != nil:
		body = struct {
			Type Type `json:"type"`
			*Progress
		}{TypeProgress, ev.Progress}
	case ev.TaskStatus != nil:
		body = struct {
			Type Type `json:"type"`
			*TaskStatus
		}{TypeTaskStatus, ev.TaskStatus}
	case ev.FileStatus != nil:
		body = struct {
			Type Type `json:"type"`
			*FileStatus
		}{TypeFileStatus, ev.FileStatus}
	default:
		return nil, ErrMissingType
	}
	return json.Marshal(body)
}
