package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// epochMillisCutoff separates epoch seconds from epoch milliseconds:
// 1e11 seconds is the year 5138, 1e11 milliseconds is 1973.
const epochMillisCutoff = 1e11

// Timestamp is a time that decodes from RFC 3339 or epoch numbers.
type Timestamp struct {
	time.Time
}

// At wraps t.
func At(t time.Time) Timestamp {
	return Timestamp{Time: t}
}

// MarshalJSON writes RFC 3339 in UTC.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// UnmarshalJSON accepts a quoted RFC 3339 string, a quoted or bare epoch
// number, or null.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}

	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			t.Time = time.Time{}
			return nil
		}
		if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
			t.Time = parsed
			return nil
		}
		data = []byte(s)
	}

	var n float64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("timestamp %s is neither RFC 3339 nor epoch", data)
	}
	if n >= epochMillisCutoff {
		n /= 1000
	}
	sec, frac := math.Modf(n)
	t.Time = time.Unix(int64(sec), int64(frac*1e9)).UTC()
	return nil
}
