package contracts

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"time"
)

// Well-known event field names
const (
	FieldType      = "type"
	FieldTimestamp = "timestamp"
)

// ErrNotObject is returned when decoding an event from anything but a JSON object
var ErrNotObject = errors.New("contracts: event must be a JSON object")

// Field is a single key/value pair of an event
type Field struct {
	Key   string
	Value interface{}
}

// Event is a structured record produced by the host system. Fields keep
// their insertion order when marshaled.
type Event struct {
	fields []Field
	index  map[string]int
}

// NewEvent creates an event with the given category and producer timestamp
// followed by extra fields.
func NewEvent(eventType EventType, timestamp int64, fields ...Field) *Event {
	e := &Event{}
	e.Set(FieldType, int64(eventType))
	e.Set(FieldTimestamp, timestamp)
	for _, f := range fields {
		e.Set(f.Key, f.Value)
	}
	return e
}

// Set adds a field, or replaces the value in place if the key exists
func (e *Event) Set(key string, value interface{}) {
	if e.index == nil {
		e.index = make(map[string]int)
	}
	if i, ok := e.index[key]; ok {
		e.fields[i].Value = value
		return
	}
	e.index[key] = len(e.fields)
	e.fields = append(e.fields, Field{Key: key, Value: value})
}

// Get returns the value stored under key
func (e *Event) Get(key string) (interface{}, bool) {
	i, ok := e.index[key]
	if !ok {
		return nil, false
	}
	return e.fields[i].Value, true
}

// Fields returns a copy of the fields in insertion order
func (e *Event) Fields() []Field {
	out := make([]Field, len(e.fields))
	copy(out, e.fields)
	return out
}

// Len returns the number of fields
func (e *Event) Len() int {
	return len(e.fields)
}

// Timestamp returns the producer timestamp if present and numeric.
// Fractional values are truncated to whole microseconds.
func (e *Event) Timestamp() (int64, bool) {
	v, ok := e.Get(FieldTimestamp)
	if !ok {
		return 0, false
	}
	if n, ok := asInt(v); ok {
		return n, true
	}
	f, ok := asFloat(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int64(f), true
}

// Type returns the event category. Events without a category report
// TypeNone and false.
func (e *Event) Type() (EventType, bool) {
	v, ok := e.Get(FieldType)
	if !ok {
		return TypeNone, false
	}
	n, ok := asInt(v)
	if !ok {
		return TypeNone, false
	}
	return EventType(n), true
}

// MarshalJSON writes the event as a JSON object in insertion order.
// Strings are not HTML-escaped, so '<', '>' and '&' go out verbatim.
// json.Marshal(evt) re-escapes them; use this method directly.
func (e *Event) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	buf.WriteByte('{')
	for i, f := range e.fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := enc.Encode(f.Key); err != nil {
			return nil, err
		}
		trimNewline(&buf)
		buf.WriteByte(':')
		if err := enc.Encode(f.Value); err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Key, err)
		}
		trimNewline(&buf)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// trimNewline drops the newline json.Encoder appends after each value
func trimNewline(buf *bytes.Buffer) {
	if n := buf.Len(); n > 0 && buf.Bytes()[n-1] == '\n' {
		buf.Truncate(n - 1)
	}
}

// UnmarshalJSON decodes a JSON object keeping the key order. Nested values
// are kept verbatim as json.RawMessage so their own order survives too.
func (e *Event) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return ErrNotObject
	}

	e.fields = nil
	e.index = nil
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("contracts: unexpected token %v", tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("field %q: %w", key, err)
		}
		e.Set(key, raw)
	}

	if _, err := dec.Token(); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("contracts: trailing data after event")
	}
	return nil
}

// ParseEvent decodes a single JSON object into an Event
func ParseEvent(data []byte) (*Event, error) {
	e := &Event{}
	if err := e.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return e, nil
}

func asInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case json.RawMessage:
		i, err := strconv.ParseInt(string(bytes.TrimSpace(n)), 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case json.RawMessage:
		f, err := strconv.ParseFloat(string(bytes.TrimSpace(n)), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

var processStart = time.Now()

// MonotonicMicros returns microseconds elapsed on the process monotonic
// clock. Producers use it to stamp events; the consumer uses it to measure
// hand-off latency.
func MonotonicMicros() int64 {
	return time.Since(processStart).Microseconds()
}
