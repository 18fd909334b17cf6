// Package queue provides an unbounded FIFO used to hand frames and events
// between goroutines without ever blocking the producer.
package queue

import (
	"context"
	"sync"
)

// growThreshold is the fill percentage at which the ring doubles.
const growThreshold = 70

// GrowableBuffer is a thread-safe ring buffer that doubles its capacity when
// it reaches 70% full. Send never blocks; Receive blocks until an item is
// available or the buffer is closed.
type GrowableBuffer[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []T
	head   int // read position
	tail   int // write position
	count  int
	closed bool

	totalReceived int64
	totalSent     int64
	resizeCount   int
}

// Stats contains buffer statistics.
type Stats struct {
	Count         int
	Capacity      int
	TotalReceived int64
	TotalSent     int64
	ResizeCount   int
}

// NewGrowableBuffer creates a buffer with the given initial capacity.
func NewGrowableBuffer[T any](initialCapacity int) *GrowableBuffer[T] {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	b := &GrowableBuffer[T]{buf: make([]T, initialCapacity)}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Send appends an item. Returns false if the buffer is closed.
func (b *GrowableBuffer[T]) Send(item T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}

	threshold := max(len(b.buf)*growThreshold/100, 1)
	if b.count+1 >= threshold {
		b.grow()
	}

	b.buf[b.tail] = item
	b.tail = (b.tail + 1) % len(b.buf)
	b.count++
	b.totalReceived++

	b.cond.Signal()
	return true
}

// Receive removes and returns the oldest item, blocking until one is
// available. Returns false once the buffer is closed and drained.
func (b *GrowableBuffer[T]) Receive() (T, bool) {
	return b.ReceiveContext(context.Background())
}

// ReceiveContext is Receive that also gives up when ctx is done.
func (b *GrowableBuffer[T]) ReceiveContext(ctx context.Context) (T, bool) {
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()

	for b.count == 0 && !b.closed && ctx.Err() == nil {
		b.cond.Wait()
	}

	if b.count == 0 {
		var zero T
		return zero, false
	}
	return b.pop(), true
}

// TryReceive returns the oldest item without blocking.
func (b *GrowableBuffer[T]) TryReceive() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		var zero T
		return zero, false
	}
	return b.pop(), true
}

// DrainTo removes up to max items (all of them if max <= 0) in FIFO order.
func (b *GrowableBuffer[T]) DrainTo(max int) []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		return nil
	}

	n := b.count
	if max > 0 && max < n {
		n = max
	}

	out := make([]T, n)
	for i := range out {
		out[i] = b.pop()
	}
	return out
}

// Close stops accepting items. Receivers drain what is left, then see false.
func (b *GrowableBuffer[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.cond.Broadcast()
}

// Len returns the number of buffered items.
func (b *GrowableBuffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Stats returns a point-in-time copy of the counters.
func (b *GrowableBuffer[T]) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Count:         b.count,
		Capacity:      len(b.buf),
		TotalReceived: b.totalReceived,
		TotalSent:     b.totalSent,
		ResizeCount:   b.resizeCount,
	}
}

// pop must be called with the lock held and count > 0.
func (b *GrowableBuffer[T]) pop() T {
	var zero T
	item := b.buf[b.head]
	b.buf[b.head] = zero // release reference
	b.head = (b.head + 1) % len(b.buf)
	b.count--
	b.totalSent++
	return item
}

// grow doubles the ring and unwraps it so head is at 0. Lock must be held.
func (b *GrowableBuffer[T]) grow() {
	next := make([]T, len(b.buf)*2)

	if b.count > 0 {
		if b.head < b.tail {
			copy(next, b.buf[b.head:b.tail])
		} else {
			n := copy(next, b.buf[b.head:])
			copy(next[n:], b.buf[:b.tail])
		}
	}

	b.buf = next
	b.head = 0
	b.tail = b.count
	b.resizeCount++
}
