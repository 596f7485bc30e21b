package serialization

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/glimte/rabbitevh/contracts"
	"github.com/klauspost/compress/gzip"
)

// Format selects how outgoing JSON is laid out
type Format int

const (
	// FormatIndented uses three-space indentation (default)
	FormatIndented Format = iota
	// FormatPlain keeps everything on one line but leaves a space after
	// separators
	FormatPlain
	// FormatCompact removes all insignificant whitespace
	FormatCompact
)

// Indent used by FormatIndented
const Indent = "   "

// ContentType of every serialized body
const ContentType = "application/json"

var (
	// ErrEmptyBatch is returned when asked to serialize nothing
	ErrEmptyBatch = errors.New("serialization: empty batch")
	// ErrUnknownFormat is returned by ParseFormat
	ErrUnknownFormat = errors.New("serialization: unknown json format")
	// ErrUnknownCompression is returned by ParseCompression
	ErrUnknownCompression = errors.New("serialization: unknown compression")
)

func (f Format) String() string {
	switch f {
	case FormatIndented:
		return "indented"
	case FormatPlain:
		return "plain"
	case FormatCompact:
		return "compact"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// ParseFormat maps a config value to a Format. Empty means indented.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "indented":
		return FormatIndented, nil
	case "plain":
		return FormatPlain, nil
	case "compact":
		return FormatCompact, nil
	default:
		return FormatIndented, fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}

// Compression applied to the serialized body
type Compression int

const (
	CompressionNone Compression = iota
	CompressionGzip
)

// ParseCompression maps a config value to a Compression
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return CompressionNone, nil
	case "gzip":
		return CompressionGzip, nil
	default:
		return CompressionNone, fmt.Errorf("%w: %q", ErrUnknownCompression, s)
	}
}

// ContentEncoding returns the AMQP content-encoding header value
func (c Compression) ContentEncoding() string {
	if c == CompressionGzip {
		return "gzip"
	}
	return ""
}

// Serializer turns events into message bodies
type Serializer struct {
	format      Format
	compression Compression
}

// SerializerOption configures a Serializer
type SerializerOption func(*Serializer)

// WithFormat sets the JSON layout
func WithFormat(f Format) SerializerOption {
	return func(s *Serializer) {
		s.format = f
	}
}

// WithCompression sets body compression
func WithCompression(c Compression) SerializerOption {
	return func(s *Serializer) {
		s.compression = c
	}
}

// NewSerializer creates a serializer, indented and uncompressed by default
func NewSerializer(options ...SerializerOption) *Serializer {
	s := &Serializer{format: FormatIndented}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Format returns the configured layout
func (s *Serializer) Format() Format {
	return s.format
}

// Compression returns the configured body compression
func (s *Serializer) Compression() Compression {
	return s.compression
}

// Marshal serializes events. When grouped is false exactly one event is
// expected and a bare object is produced; otherwise a JSON array.
func (s *Serializer) Marshal(events []*contracts.Event, grouped bool) ([]byte, error) {
	if len(events) == 0 {
		return nil, ErrEmptyBatch
	}
	if !grouped && len(events) != 1 {
		return nil, fmt.Errorf("serialization: ungrouped batch holds %d events", len(events))
	}

	var raw []byte
	if grouped {
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, evt := range events {
			if i > 0 {
				buf.WriteByte(',')
			}
			data, err := evt.MarshalJSON()
			if err != nil {
				return nil, fmt.Errorf("event %d: %w", i, err)
			}
			buf.Write(data)
		}
		buf.WriteByte(']')
		raw = buf.Bytes()
	} else {
		data, err := events[0].MarshalJSON()
		if err != nil {
			return nil, err
		}
		raw = data
	}

	out, err := s.layout(raw)
	if err != nil {
		return nil, err
	}
	return s.compress(out)
}

func (s *Serializer) layout(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	switch s.format {
	case FormatCompact:
		if err := json.Compact(&buf, raw); err != nil {
			return nil, err
		}
	case FormatPlain:
		if err := json.Compact(&buf, raw); err != nil {
			return nil, err
		}
		return spaceSeparators(buf.Bytes()), nil
	default:
		if err := json.Indent(&buf, raw, "", Indent); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func (s *Serializer) compress(body []byte) ([]byte, error) {
	if s.compression != CompressionGzip {
		return body, nil
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	return buf.Bytes(), nil
}

// spaceSeparators inserts a space after every ',' and ':' outside of
// strings. Input must be compact JSON.
func spaceSeparators(compact []byte) []byte {
	out := make([]byte, 0, len(compact)+len(compact)/8)
	inString := false
	escaped := false
	for _, c := range compact {
		out = append(out, c)
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case ',', ':':
			out = append(out, ' ')
		}
	}
	return out
}
