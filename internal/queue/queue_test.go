package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/glimte/rabbitevh/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func event(ts int64) *contracts.Event {
	return contracts.NewEvent(contracts.TypeCore, ts)
}

func timestampOf(t *testing.T, item Item) int64 {
	t.Helper()
	require.Equal(t, KindEvent, item.Kind)
	ts, ok := item.Event.Timestamp()
	require.True(t, ok)
	return ts
}

func TestQueue(t *testing.T) {
	t.Run("TryPop on empty queue", func(t *testing.T) {
		q := New()
		_, ok := q.TryPop()
		assert.False(t, ok)
		assert.Equal(t, 0, q.Len())
	})

	t.Run("FIFO order", func(t *testing.T) {
		q := New()
		for i := int64(0); i < 10; i++ {
			q.Push(event(i))
		}
		assert.Equal(t, 10, q.Len())

		for i := int64(0); i < 10; i++ {
			item, err := q.Pop(context.Background())
			require.NoError(t, err)
			assert.Equal(t, i, timestampOf(t, item))
		}
		assert.Equal(t, 0, q.Len())
	})

	t.Run("shutdown is observed after earlier events", func(t *testing.T) {
		q := New()
		q.Push(event(1))
		q.Push(event(2))
		q.PushShutdown()
		q.Push(event(3))

		item, _ := q.TryPop()
		assert.Equal(t, int64(1), timestampOf(t, item))
		item, _ = q.TryPop()
		assert.Equal(t, int64(2), timestampOf(t, item))
		item, _ = q.TryPop()
		assert.True(t, item.IsShutdown())
		assert.Nil(t, item.Event)
		item, _ = q.TryPop()
		assert.Equal(t, int64(3), timestampOf(t, item))
	})

	t.Run("Pop blocks until push", func(t *testing.T) {
		q := New()
		got := make(chan Item, 1)
		go func() {
			item, err := q.Pop(context.Background())
			if err == nil {
				got <- item
			}
		}()

		select {
		case <-got:
			t.Fatal("Pop returned before anything was pushed")
		case <-time.After(20 * time.Millisecond):
		}

		q.Push(event(7))
		select {
		case item := <-got:
			assert.Equal(t, int64(7), timestampOf(t, item))
		case <-time.After(time.Second):
			t.Fatal("Pop did not wake up")
		}
	})

	t.Run("Pop honours context", func(t *testing.T) {
		q := New()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		_, err := q.Pop(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("compaction keeps order", func(t *testing.T) {
		q := New()
		for i := int64(0); i < 5000; i++ {
			q.Push(event(i))
		}
		for i := int64(0); i < 3000; i++ {
			item, ok := q.TryPop()
			require.True(t, ok)
			require.Equal(t, i, timestampOf(t, item))
		}
		for i := int64(5000); i < 6000; i++ {
			q.Push(event(i))
		}
		for i := int64(3000); i < 6000; i++ {
			item, ok := q.TryPop()
			require.True(t, ok)
			require.Equal(t, i, timestampOf(t, item))
		}
	})
}

func TestQueue_ConcurrentProducers(t *testing.T) {
	const producers = 8
	const perProducer = 1000

	q := New()
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				evt := event(int64(i))
				evt.Set("producer", p)
				q.Push(evt)
			}
		}(p)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		q.PushShutdown()
		close(done)
	}()

	last := make(map[int]int64)
	count := 0
	for {
		item, err := q.Pop(context.Background())
		require.NoError(t, err)
		if item.IsShutdown() {
			break
		}
		v, _ := item.Event.Get("producer")
		p := v.(int)
		ts := timestampOf(t, item)
		if prev, seen := last[p]; seen {
			require.Greater(t, ts, prev, "producer %d reordered", p)
		}
		last[p] = ts
		count++
	}
	<-done

	assert.Equal(t, producers*perProducer, count)
}

func TestQueue_ShutdownRacesProducers(t *testing.T) {
	const producers = 8
	const perProducer = 500

	q := New()
	start := make(chan struct{})
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			<-start
			for i := 0; i < perProducer; i++ {
				evt := event(int64(i))
				evt.Set("producer", p)
				q.Push(evt)
			}
		}(p)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-start
		q.PushShutdown()
	}()
	close(start)

	// the consumer side stops at the marker, wherever it landed
	before := 0
	for {
		item, err := q.Pop(context.Background())
		require.NoError(t, err)
		if item.IsShutdown() {
			break
		}
		require.NotNil(t, item.Event)
		before++
	}

	wg.Wait()
	after := 0
	for {
		item, ok := q.TryPop()
		if !ok {
			break
		}
		require.Equal(t, KindEvent, item.Kind, "second shutdown marker")
		require.NotNil(t, item.Event)
		after++
	}
	assert.Equal(t, producers*perProducer, before+after)
}
