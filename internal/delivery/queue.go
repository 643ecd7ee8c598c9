package delivery

import (
	"context"
	"errors"
	"iter"
	"sync"
)

// ErrClosed is returned by Next once the queue is closed and empty.
var ErrClosed = errors.New("queue closed")

// Queue is a thread-safe bounded FIFO. When full, Enqueue evicts the oldest
// item and counts it as dropped.
type Queue[T any] struct {
	mu       sync.Mutex
	buf      []T
	head     int // read position
	tail     int // write position
	count    int
	capacity int
	closed   bool

	// notify has capacity 1 and is signalled on every enqueue.
	notify chan struct{}
	done   chan struct{} // closed by Close

	// Stats
	totalEnqueued int64
	totalDequeued int64
	dropped       int64
}

// NewQueue creates a queue holding at most capacity items.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{
		buf:      make([]T, capacity),
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Enqueue appends an item. If the queue is full the oldest item is discarded
// and the drop counter incremented; dropped reports whether that happened.
// Enqueue on a closed queue discards the item and returns ok=false.
func (q *Queue[T]) Enqueue(item T) (ok bool, dropped bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false, false
	}

	if q.count == q.capacity {
		var zero T
		q.buf[q.head] = zero
		q.head = (q.head + 1) % q.capacity
		q.count--
		q.dropped++
		dropped = true
	}

	q.buf[q.tail] = item
	q.tail = (q.tail + 1) % q.capacity
	q.count++
	q.totalEnqueued++
	q.mu.Unlock()

	q.signal()
	return true, dropped
}

// TryDequeue removes and returns the oldest item without blocking.
func (q *Queue[T]) TryDequeue() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

// Next blocks until an item is available, the queue is closed and drained
// (ErrClosed), or ctx is done.
func (q *Queue[T]) Next(ctx context.Context) (T, error) {
	for {
		q.mu.Lock()
		item, ok := q.popLocked()
		closed, more := q.closed, q.count > 0
		q.mu.Unlock()

		if ok {
			if more {
				// Pass the wakeup on to another waiter.
				q.signal()
			}
			return item, nil
		}
		var zero T
		if closed {
			return zero, ErrClosed
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-q.notify:
		case <-q.done:
		}
	}
}

// Drain returns a sequence that lazily dequeues items until the queue is
// empty. Each call starts a new pass; it never blocks.
func (q *Queue[T]) Drain() iter.Seq[T] {
	return func(yield func(T) bool) {
		for {
			item, ok := q.TryDequeue()
			if !ok {
				return
			}
			if !yield(item) {
				return
			}
		}
	}
}

// DrainTo removes up to max items (all when max <= 0) and returns them.
func (q *Queue[T]) DrainTo(max int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return nil
	}

	n := q.count
	if max > 0 && max < n {
		n = max
	}

	result := make([]T, n)
	for i := 0; i < n; i++ {
		result[i], _ = q.popLocked()
	}
	return result
}

// Close closes the queue. Remaining items can still be dequeued.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the fixed capacity.
func (q *Queue[T]) Cap() int {
	return q.capacity
}

// Dropped returns how many items were evicted because the queue was full.
// The value never decreases.
func (q *Queue[T]) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Stats returns queue statistics.
func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Count:         q.count,
		Capacity:      q.capacity,
		TotalEnqueued: q.totalEnqueued,
		TotalDequeued: q.totalDequeued,
		Dropped:       q.dropped,
		Closed:        q.closed,
	}
}

// Stats contains queue statistics.
type Stats struct {
	Count         int   `json:"count"`
	Capacity      int   `json:"capacity"`
	TotalEnqueued int64 `json:"total_enqueued"`
	TotalDequeued int64 `json:"total_dequeued"`
	Dropped       int64 `json:"dropped"`
	Closed        bool  `json:"closed"`
}

// popLocked removes the head item. Must be called with lock held.
func (q *Queue[T]) popLocked() (T, bool) {
	var zero T
	if q.count == 0 {
		return zero, false
	}

	item := q.buf[q.head]
	q.buf[q.head] = zero // Clear reference for GC
	q.head = (q.head + 1) % q.capacity
	q.count--
	q.totalDequeued++

	return item, true
}

func (q *Queue[T]) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
