// Package stream produces the JPEG frame stream: capture from a Source, scale and
// encode, and hand frames to the transmitter through a bounded queue.
package stream

import (
	"sync"
	"sync/atomic"
)

// DefaultQueueCapacity keeps latency low: at most two frames wait for the socket.
const DefaultQueueCapacity = 2

// FrameQueue is a bounded FIFO of encoded frames. When full, Push evicts the
// oldest frame so the newest always gets through. Depth never exceeds Cap.
type FrameQueue struct {
	ch      chan []byte
	pushMu  sync.Mutex
	skipped atomic.Uint64
}

// NewFrameQueue creates a queue holding at most capacity frames.
func NewFrameQueue(capacity int) *FrameQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &FrameQueue{ch: make(chan []byte, capacity)}
}

// Push inserts frame, evicting the oldest one first when the queue is full.
// It reports whether a frame was evicted.
func (q *FrameQueue) Push(frame []byte) bool {
	q.pushMu.Lock()
	defer q.pushMu.Unlock()

	evicted := false
	for {
		select {
		case q.ch <- frame:
			return evicted
		default:
		}

		select {
		case <-q.ch:
			evicted = true
			q.skipped.Add(1)
		default:
			// The consumer emptied a slot between the two selects
		}
	}
}

// Pop removes the oldest frame without blocking.
func (q *FrameQueue) Pop() ([]byte, bool) {
	select {
	case f := <-q.ch:
		return f, true
	default:
		return nil, false
	}
}

// C exposes the receive side so a consumer can block in a select.
func (q *FrameQueue) C() <-chan []byte {
	return q.ch
}

// Len returns the current depth.
func (q *FrameQueue) Len() int {
	return len(q.ch)
}

// Cap returns the capacity.
func (q *FrameQueue) Cap() int {
	return cap(q.ch)
}

// Clear drops every queued frame and returns how many were dropped.
func (q *FrameQueue) Clear() int {
	q.pushMu.Lock()
	defer q.pushMu.Unlock()

	n := 0
	for {
		select {
		case <-q.ch:
			n++
		default:
			return n
		}
	}
}

// Skipped returns the number of frames evicted by Push.
func (q *FrameQueue) Skipped() uint64 {
	return q.skipped.Load()
}
