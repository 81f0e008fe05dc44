package service

import (
	"context"
	"sync"

	"sentinel/core"
	"sentinel/metrics"
)

// intakeItem pairs an event with the source cursor position to persist
// once the event has been fully processed.
type intakeItem struct {
	event  *core.Event
	cursor int64
}

// eventQueue is the bounded buffer between intake and evaluation. In
// lossy mode a full queue evicts the oldest non-critical event to make
// room; critical events are never evicted, and when every queued event
// is critical the push blocks like the lossless mode does.
type eventQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []intakeItem
	size   int
	lossy  bool
	closed bool
}

func newEventQueue(size int, lossy bool) *eventQueue {
	q := &eventQueue{size: size, lossy: lossy}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push enqueues an item, blocking while the queue is full (unless an
// eviction frees a slot). It returns the evicted item, if any.
func (q *eventQueue) Push(ctx context.Context, item intakeItem) (*intakeItem, error) {
	// Wake the cond loop when the context ends.
	stop := context.AfterFunc(ctx, func() {
		q.cond.Broadcast()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.closed {
			return nil, context.Canceled
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(q.items) < q.size {
			q.items = append(q.items, item)
			metrics.QueueDepth.Set(float64(len(q.items)))
			q.cond.Broadcast()
			return nil, nil
		}
		if q.lossy {
			if idx := q.oldestNonCritical(); idx >= 0 {
				dropped := q.items[idx]
				q.items = append(q.items[:idx], q.items[idx+1:]...)
				q.items = append(q.items, item)
				metrics.QueueDepth.Set(float64(len(q.items)))
				q.cond.Broadcast()
				return &dropped, nil
			}
		}
		q.cond.Wait()
	}
}

func (q *eventQueue) oldestNonCritical() int {
	for i := range q.items {
		if !q.items[i].event.IsCritical() {
			return i
		}
	}
	return -1
}

// Pop dequeues the oldest item, blocking until one is available. It
// returns false once the queue is closed and drained or the context
// ends.
func (q *eventQueue) Pop(ctx context.Context) (intakeItem, bool) {
	stop := context.AfterFunc(ctx, func() {
		q.cond.Broadcast()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			metrics.QueueDepth.Set(float64(len(q.items)))
			q.cond.Broadcast()
			return item, true
		}
		if q.closed || ctx.Err() != nil {
			return intakeItem{}, false
		}
		q.cond.Wait()
	}
}

// Close stops intake; queued items remain poppable until drained.
func (q *eventQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
