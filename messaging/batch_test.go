package messaging

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBatch_Ungrouped(t *testing.T) {
	batch := NewBatch(false)

	assert.False(t, batch.Full())
	assert.True(t, batch.Add(testEvent(1)))
	assert.True(t, batch.Full())
	assert.False(t, batch.Add(testEvent(2)))
	assert.Equal(t, 1, batch.Size())
}

func TestBatch_GroupedBound(t *testing.T) {
	batch := NewBatch(true)

	for i := 0; i < MaxBatchSize; i++ {
		assert.True(t, batch.Add(testEvent(i)))
	}
	assert.True(t, batch.Full())
	assert.False(t, batch.Add(testEvent(MaxBatchSize)))
	assert.Equal(t, MaxBatchSize, batch.Size())

	batch.Clear()
	assert.Equal(t, 0, batch.Size())
	assert.False(t, batch.Full())
}

func TestStats_Snapshot(t *testing.T) {
	var stats Stats
	stats.RecordReceived()
	stats.RecordReceived()
	stats.RecordFiltered()
	stats.RecordPublished(3)
	stats.RecordDropped(2)

	assert.Equal(t, StatsSnapshot{
		Received:  2,
		Filtered:  1,
		Batches:   1,
		Published: 3,
		Dropped:   2,
	}, stats.Snapshot())
}
