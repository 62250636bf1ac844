package frontend

import (
	"sync"

	"go.uber.org/atomic"

	"go.swarmvio.dev/vio/estimator"
)

// LoopItem is a frame waiting for loop detection.
type LoopItem struct {
	Frame estimator.VisualImageDescArray
	// MatchOnly frames are matched against the database but never added to it.
	MatchOnly bool
}

// LoopQueue is a bounded FIFO of frames for loop detection. Push never blocks: when the queue is
// full the oldest item is dropped and counted.
type LoopQueue struct {
	mu       sync.Mutex
	items    []LoopItem
	capacity int
	dropped  atomic.Int64
}

// NewLoopQueue returns a queue holding at most capacity items.
func NewLoopQueue(capacity int) *LoopQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &LoopQueue{capacity: capacity}
}

// Push appends an item and reports whether an older item was dropped to make room.
func (q *LoopQueue) Push(item LoopItem) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	dropped := false
	if len(q.items) >= q.capacity {
		q.items[0] = LoopItem{}
		q.items = q.items[1:]
		q.dropped.Inc()
		dropped = true
	}
	q.items = append(q.items, item)
	return dropped
}

// Pop removes the oldest item.
func (q *LoopQueue) Pop() (LoopItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return LoopItem{}, false
	}
	item := q.items[0]
	q.items[0] = LoopItem{}
	q.items = q.items[1:]
	return item, true
}

// Len is the number of queued items.
func (q *LoopQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped is the number of items dropped because the queue was full.
func (q *LoopQueue) Dropped() int64 {
	return q.dropped.Load()
}
