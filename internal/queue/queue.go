// Package queue provides the bounded work queue that sits between target
// expansion and the worker pool. Producers block while the queue is full and
// consumers block while it is empty; Join waits until every accepted item has
// been marked done.
package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Put after Close, and by Take once a closed queue is empty.
var ErrClosed = errors.New("queue closed")

// Queue is a fixed-capacity FIFO with a completion barrier.
type Queue[T any] struct {
	items chan T

	mu         sync.Mutex
	unfinished int
	drained    chan struct{}

	closed    chan struct{}
	closeOnce sync.Once
}

// New creates a queue holding at most capacity items. A capacity below one is raised to one.
func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	drained := make(chan struct{})
	close(drained)

	return &Queue[T]{
		items:   make(chan T, capacity),
		drained: drained,
		closed:  make(chan struct{}),
	}
}

// Put enqueues item, blocking while the queue is full.
func (q *Queue[T]) Put(ctx context.Context, item T) error {
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}

	q.add()
	select {
	case q.items <- item:
		return nil
	case <-q.closed:
		q.Done()
		return ErrClosed
	case <-ctx.Done():
		q.Done()
		return ctx.Err()
	}
}

// Take dequeues the oldest item, blocking while the queue is empty. After
// Close the remaining items are still handed out before ErrClosed is returned.
func (q *Queue[T]) Take(ctx context.Context) (T, error) {
	var zero T

	select {
	case item := <-q.items:
		return item, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-q.closed:
		select {
		case item := <-q.items:
			return item, nil
		default:
			return zero, ErrClosed
		}
	}
}

// Done marks one previously taken item as processed.
func (q *Queue[T]) Done() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.unfinished <= 0 {
		panic("queue: Done called more times than items were put")
	}
	q.unfinished--
	if q.unfinished == 0 {
		close(q.drained)
	}
}

// Join blocks until every item put so far has been taken and marked done.
func (q *Queue[T]) Join(ctx context.Context) error {
	q.mu.Lock()
	drained := q.drained
	q.mu.Unlock()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the queue from accepting new items. It is safe to call more than once.
func (q *Queue[T]) Close() {
	q.closeOnce.Do(func() {
		close(q.closed)
	})
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	select {
	case <-q.closed:
		return true
	default:
		return false
	}
}

// Len returns the number of items waiting to be taken.
func (q *Queue[T]) Len() int {
	return len(q.items)
}

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int {
	return cap(q.items)
}

// Unfinished returns the number of items put but not yet marked done.
func (q *Queue[T]) Unfinished() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.unfinished
}

func (q *Queue[T]) add() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.unfinished == 0 {
		q.drained = make(chan struct{})
	}
	q.unfinished++
}
