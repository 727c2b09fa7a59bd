package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/valyala/bytebufferpool"
)

// MaxFrameSize bounds a single wire frame. Connections sending larger frames
// are dropped by the hub.
const MaxFrameSize = 1 << 20

// TimeLayout is the wire timestamp format: ISO-8601 UTC with millisecond
// precision, Z suffix.
const TimeLayout = "2006-01-02T15:04:05.000Z"

var (
	ErrMissingType = errors.New("wire: frame has no type field")
	ErrNotObject   = errors.New("wire: frame body must be a JSON object")
	ErrFrameTooBig = fmt.Errorf("wire: frame exceeds %d bytes", MaxFrameSize)
)

// Head is a partially decoded frame: the type tag plus the raw JSON for a
// later typed decode via Into.
type Head struct {
	Type string
	raw  json.RawMessage
}

// Decode probes the type tag of a frame. The input bytes are copied, so
// callers may reuse their read buffer.
func Decode(data []byte) (Head, error) {
	if len(data) > MaxFrameSize {
		return Head{}, ErrFrameTooBig
	}
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return Head{}, fmt.Errorf("wire: decode frame: %w", err)
	}
	if probe.Type == "" {
		return Head{}, ErrMissingType
	}
	raw := make(json.RawMessage, len(data))
	copy(raw, data)
	return Head{Type: probe.Type, raw: raw}, nil
}

// Into unmarshals the full frame body into v.
func (h Head) Into(v any) error {
	if err := json.Unmarshal(h.raw, v); err != nil {
		return fmt.Errorf("wire: decode %s frame: %w", h.Type, err)
	}
	return nil
}

// Raw returns the frame's JSON bytes. Callers must not mutate them.
func (h Head) Raw() []byte { return h.raw }

// Encode marshals a frame with the mandatory type tag spliced in as the first
// member. body may be nil for tag-only frames such as ping and get_users.
func Encode(typ string, body any) ([]byte, error) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if err := EncodeTo(buf, typ, body); err != nil {
		return nil, err
	}
	out := make([]byte, buf.Len())
	copy(out, buf.B)
	return out, nil
}

// EncodeTo writes the encoded frame into buf. The pooled-buffer variant used
// on hot write paths.
func EncodeTo(buf *bytebufferpool.ByteBuffer, typ string, body any) error {
	if typ == "" {
		return ErrMissingType
	}
	tag, err := json.Marshal(typ)
	if err != nil {
		return fmt.Errorf("wire: encode frame type: %w", err)
	}
	buf.B = append(buf.B, '{')
	buf.B = append(buf.B, `"type":`...)
	buf.B = append(buf.B, tag...)
	if body == nil {
		buf.B = append(buf.B, '}')
		return nil
	}
	enc, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("wire: encode %s frame: %w", typ, err)
	}
	if len(enc) < 2 || enc[0] != '{' || enc[len(enc)-1] != '}' {
		return ErrNotObject
	}
	if len(enc) == 2 {
		buf.B = append(buf.B, '}')
		return nil
	}
	buf.B = append(buf.B, ',')
	buf.B = append(buf.B, enc[1:]...)
	return nil
}

// Timestamp renders t in the wire timestamp format.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// Now returns the current time in the wire timestamp format.
func Now() string {
	return Timestamp(time.Now())
}

// ParseTimestamp accepts RFC3339 timestamps with or without sub-second
// digits. Peers are not required to emit exactly TimeLayout.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("wire: bad timestamp %q: %w", s, err)
	}
	return t, nil
}
