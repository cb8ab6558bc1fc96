// Package channel carries invocations from the renderer to the authority and
// batches the other way, preserving order within a connection epoch.
package channel

import (
	"sync"

	"github.com/aretw0/lattice/pkg/domain"
)

// Queue is an ordered, concurrency-safe FIFO.
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
}

// Enqueue appends items in order.
func (q *Queue[T]) Enqueue(items ...T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, items...)
}

// Flush returns every queued item in order and empties the queue.
func (q *Queue[T]) Flush() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// Requeue puts items back at the head of the queue, ahead of anything
// enqueued since they were flushed.
func (q *Queue[T]) Requeue(items ...T) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(append([]T(nil), items...), q.items...)
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Channel is the event/RPC channel of one renderer connection. Outbound
// invocations are buffered while offline and handed out in enqueue order once
// online again.
type Channel struct {
	out Queue[domain.Invocation]
	in  Queue[domain.Batch]

	mu     sync.Mutex
	online bool
	notify chan struct{}
}

// New returns an offline channel.
func New() *Channel {
	return &Channel{notify: make(chan struct{}, 1)}
}

// Enqueue appends an outbound invocation.
func (c *Channel) Enqueue(inv domain.Invocation) {
	c.out.Enqueue(inv)
	c.signal()
}

// Flush returns the outbound invocations in order and clears them. While
// offline it returns nothing and keeps the buffer.
func (c *Channel) Flush() []domain.Invocation {
	if !c.Online() {
		return nil
	}
	return c.out.Flush()
}

// Requeue returns invocations that could not be sent to the head of the buffer.
func (c *Channel) Requeue(invs []domain.Invocation) {
	c.out.Requeue(invs...)
}

// Pending returns the number of buffered outbound invocations.
func (c *Channel) Pending() int {
	return c.out.Len()
}

// SetOnline switches the channel. Going online wakes up Ready waiters when
// invocations are buffered.
func (c *Channel) SetOnline(online bool) {
	c.mu.Lock()
	c.online = online
	c.mu.Unlock()
	if online && c.out.Len() > 0 {
		c.signal()
	}
}

// Online reports whether outbound invocations can be flushed.
func (c *Channel) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// Ready is signalled when invocations may be ready to flush.
func (c *Channel) Ready() <-chan struct{} {
	return c.notify
}

func (c *Channel) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Deliver queues an inbound batch.
func (c *Channel) Deliver(b domain.Batch) {
	c.in.Enqueue(b)
}

// Drain returns the inbound batches in arrival order.
func (c *Channel) Drain() []domain.Batch {
	return c.in.Flush()
}
