// Package queue implements the unbounded hand-off queue between event
// producers and the single batching consumer.
package queue

import (
	"context"
	"sync"

	"github.com/glimte/rabbitevh/contracts"
)

// Kind tags a queue item
type Kind int

const (
	// KindEvent carries a producer event
	KindEvent Kind = iota
	// KindShutdown tells the consumer to stop
	KindShutdown
)

func (k Kind) String() string {
	switch k {
	case KindEvent:
		return "event"
	case KindShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Item is either an event or the shutdown marker
type Item struct {
	Kind  Kind
	Event *contracts.Event
}

// IsShutdown reports whether the item is the shutdown marker
func (i Item) IsShutdown() bool {
	return i.Kind == KindShutdown
}

// Queue is an unbounded FIFO. Push never blocks; Pop blocks until an item
// is available.
type Queue struct {
	mu       sync.Mutex
	items    []Item
	head     int
	notEmpty chan struct{}
}

// New creates an empty queue
func New() *Queue {
	return &Queue{
		notEmpty: make(chan struct{}, 1),
	}
}

// Push enqueues an event. Safe for any number of concurrent producers.
func (q *Queue) Push(evt *contracts.Event) {
	q.put(Item{Kind: KindEvent, Event: evt})
}

// PushShutdown enqueues the shutdown marker behind everything pushed so far
func (q *Queue) PushShutdown() {
	q.put(Item{Kind: KindShutdown})
}

func (q *Queue) put(item Item) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()

	// wake the consumer, non-blocking
	select {
	case q.notEmpty <- struct{}{}:
	default:
	}
}

// TryPop returns the next item without waiting. ok is false when empty.
func (q *Queue) TryPop() (item Item, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.head == len(q.items) {
		return Item{}, false
	}
	item = q.items[q.head]
	q.items[q.head] = Item{}
	q.head++

	// compact once the consumed prefix dominates the backing array
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 1024 && q.head*2 > len(q.items) {
		n := copy(q.items, q.items[q.head:])
		q.items = q.items[:n]
		q.head = 0
	}
	return item, true
}

// Pop returns the next item, blocking until one is available or ctx is done
func (q *Queue) Pop(ctx context.Context) (Item, error) {
	for {
		if item, ok := q.TryPop(); ok {
			return item, nil
		}
		select {
		case <-q.notEmpty:
		case <-ctx.Done():
			return Item{}, ctx.Err()
		}
	}
}

// Len returns the number of queued items
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}
