package messaging

import (
	"github.com/glimte/rabbitevh/contracts"
)

// MaxBatchSize bounds how many events a grouped message carries
const MaxBatchSize = 100

// Batch is a run of events published together as one message
type Batch struct {
	Events  []*contracts.Event
	Grouped bool
}

// NewBatch creates an empty batch. Ungrouped batches hold a single event.
func NewBatch(grouped bool) *Batch {
	capacity := 1
	if grouped {
		capacity = MaxBatchSize
	}
	return &Batch{
		Events:  make([]*contracts.Event, 0, capacity),
		Grouped: grouped,
	}
}

// Add appends an event; it reports false when the batch is already full
func (b *Batch) Add(evt *contracts.Event) bool {
	if b.Full() {
		return false
	}
	b.Events = append(b.Events, evt)
	return true
}

// Size returns the number of events in the batch
func (b *Batch) Size() int {
	return len(b.Events)
}

// Full reports whether another event would exceed the batch bound
func (b *Batch) Full() bool {
	if !b.Grouped {
		return len(b.Events) >= 1
	}
	return len(b.Events) >= MaxBatchSize
}

// Clear releases the events held by the batch
func (b *Batch) Clear() {
	for i := range b.Events {
		b.Events[i] = nil
	}
	b.Events = b.Events[:0]
}
