package messaging

import "sync/atomic"

// Stats counts events as they move through the relay. Safe for concurrent use.
type Stats struct {
	received  atomic.Int64
	filtered  atomic.Int64
	batches   atomic.Int64
	published atomic.Int64
	dropped   atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats
type StatsSnapshot struct {
	Received  int64 `json:"received"`
	Filtered  int64 `json:"filtered"`
	Batches   int64 `json:"batches"`
	Published int64 `json:"published"`
	Dropped   int64 `json:"dropped"`
}

// RecordReceived counts an event handed to the relay
func (s *Stats) RecordReceived() {
	s.received.Add(1)
}

// RecordFiltered counts an event rejected by the event mask
func (s *Stats) RecordFiltered() {
	s.filtered.Add(1)
}

// RecordPublished counts a message and the events it carried
func (s *Stats) RecordPublished(events int) {
	s.batches.Add(1)
	s.published.Add(int64(events))
}

// RecordDropped counts events lost to a serialization or publish failure,
// or discarded during shutdown
func (s *Stats) RecordDropped(events int) {
	s.dropped.Add(int64(events))
}

// Snapshot returns the current counter values
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Received:  s.received.Load(),
		Filtered:  s.filtered.Load(),
		Batches:   s.batches.Load(),
		Published: s.published.Load(),
		Dropped:   s.dropped.Load(),
	}
}
