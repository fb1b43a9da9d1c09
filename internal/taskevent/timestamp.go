package taskevent

import (
	"bytes"
	"fmt"
	"strconv"
	"time"
)

// Layout is the wall-clock format used in payload timestamps.
const Layout = "2006-01-02 15:04:05"

// Location is the zone payload timestamps are written in. The upload
// service formats in Asia/Shanghai, which has no DST.
var Location = time.FixedZone("Asia/Shanghai", 8*60*60)

// Timestamp is a time encoded as "yyyy-MM-dd HH:mm:ss" in Location.
type Timestamp struct {
	time.Time
}

// NewTimestamp truncates t to whole seconds.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{t.Truncate(time.Second)}
}

// ParseTimestamp parses s in Location.
func ParseTimestamp(s string) (Timestamp, error) {
	t, err := time.ParseInLocation(Layout, s, Location)
	if err != nil {
		return Timestamp{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return Timestamp{t}, nil
}

func (ts Timestamp) String() string {
	if ts.IsZero() {
		return ""
	}
	return ts.In(Location).Format(Layout)
}

// MarshalJSON writes null for the zero time.
func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.IsZero() {
		return []byte("null"), nil
	}
	return []byte(strconv.Quote(ts.String())), nil
}

// UnmarshalJSON accepts null, "" and the payload layout.
func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*ts = Timestamp{}
		return nil
	}
	s, err := strconv.Unquote(string(data))
	if err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	if s == "" {
		*ts = Timestamp{}
		return nil
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	*ts = parsed
	return nil
}
