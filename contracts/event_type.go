package contracts

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// EventType is the category bit carried in an event's "type" field
type EventType uint32

// Event categories emitted by the media server
const (
	TypeNone      EventType = 0
	TypeSession   EventType = 1 << 0
	TypeHandle    EventType = 1 << 1
	TypeExternal  EventType = 1 << 2
	TypeJSEP      EventType = 1 << 3
	TypeWebRTC    EventType = 1 << 4
	TypeMedia     EventType = 1 << 5
	TypePlugin    EventType = 1 << 6
	TypeTransport EventType = 1 << 7
	TypeCore      EventType = 1 << 8

	TypeAll EventType = 0xffffffff
)

var typeNames = map[string]EventType{
	"session":    TypeSession,
	"sessions":   TypeSession,
	"handle":     TypeHandle,
	"handles":    TypeHandle,
	"external":   TypeExternal,
	"jsep":       TypeJSEP,
	"webrtc":     TypeWebRTC,
	"media":      TypeMedia,
	"plugin":     TypePlugin,
	"plugins":    TypePlugin,
	"transport":  TypeTransport,
	"transports": TypeTransport,
	"core":       TypeCore,
}

// ParseMask converts a comma separated list of category names into a mask.
// "none" and "all" are accepted on their own.
func ParseMask(spec string) (EventType, error) {
	spec = strings.TrimSpace(strings.ToLower(spec))
	switch spec {
	case "", "none":
		return TypeNone, nil
	case "all":
		return TypeAll, nil
	}

	var mask EventType
	for _, name := range strings.Split(spec, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		t, ok := typeNames[name]
		if !ok {
			return TypeNone, fmt.Errorf("unknown event type %q", name)
		}
		mask |= t
	}
	return mask, nil
}

// Mask is a concurrency-safe event type filter
type Mask struct {
	bits atomic.Uint32
}

// NewMask creates a mask accepting the given categories
func NewMask(t EventType) *Mask {
	m := &Mask{}
	m.Store(t)
	return m
}

// Store replaces the accepted categories
func (m *Mask) Store(t EventType) {
	m.bits.Store(uint32(t))
}

// Load returns the accepted categories
func (m *Mask) Load() EventType {
	return EventType(m.bits.Load())
}

// Accepts reports whether an event should be queued. Events that carry no
// category are always accepted.
func (m *Mask) Accepts(e *Event) bool {
	t, ok := e.Type()
	if !ok {
		return true
	}
	return m.Load()&t != 0
}
