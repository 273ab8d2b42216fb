package remote

import (
	"fmt"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
)

// Timestamp is a document time. It decodes from Unix milliseconds or an
// RFC 3339 string, the same forms accepted for updated_at, and always
// encodes as Unix milliseconds. The zero value means unset.
type Timestamp struct {
	time.Time
}

// At wraps t as a document timestamp.
func At(t time.Time) Timestamp { return Timestamp{Time: t} }

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.IsZero() {
		return []byte("0"), nil
	}
	return strconv.AppendInt(nil, ts.UnixMilli(), 10), nil
}

func (ts *Timestamp) UnmarshalJSON(b []byte) error {
	r := gjson.ParseBytes(b)
	if r.Type == gjson.Null || (r.Type == gjson.Number && r.Int() == 0) {
		ts.Time = time.Time{}
		return nil
	}
	t, err := parseTime(r)
	if err != nil {
		return fmt.Errorf("timestamp %s: %w", b, err)
	}
	ts.Time = t
	return nil
}
