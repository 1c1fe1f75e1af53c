package bridge

import (
	"context"
	"errors"
	"sync"

	"github.com/ClareAI/astra-telephony-bridge/internal/audio"
)

// ErrQueueClosed is returned by Pop once the queue is closed and drained.
var ErrQueueClosed = errors.New("frame queue closed")

// FrameQueue is a bounded FIFO of frames. When full, Push evicts the oldest
// frame. It supports any number of producers and a single consumer.
type FrameQueue struct {
	mu        sync.Mutex
	buf       []audio.Frame
	head      int
	size      int
	closed    bool
	dropped   uint64
	highWater int
	notify    chan struct{}
}

// NewFrameQueue returns a queue holding at most capacity frames.
func NewFrameQueue(capacity int) *FrameQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &FrameQueue{
		buf:    make([]audio.Frame, capacity),
		notify: make(chan struct{}, 1),
	}
}

// Push appends f. It reports true when an older frame was evicted to make
// room. Pushing to a closed queue discards f and reports false.
func (q *FrameQueue) Push(f audio.Frame) (dropped bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	capacity := len(q.buf)
	if q.size == capacity {
		q.buf[q.head] = audio.Frame{}
		q.head = (q.head + 1) % capacity
		q.size--
		q.dropped++
		dropped = true
	}
	q.buf[(q.head+q.size)%capacity] = f
	q.size++
	if q.size > q.highWater {
		q.highWater = q.size
	}
	q.mu.Unlock()

	q.signal()
	return dropped
}

// Pop removes the oldest frame, blocking until one is available, the queue
// is closed, or ctx is done.
func (q *FrameQueue) Pop(ctx context.Context) (audio.Frame, error) {
	for {
		q.mu.Lock()
		if q.size > 0 {
			f := q.buf[q.head]
			q.buf[q.head] = audio.Frame{}
			q.head = (q.head + 1) % len(q.buf)
			q.size--
			q.mu.Unlock()
			return f, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return audio.Frame{}, ErrQueueClosed
		}

		select {
		case <-q.notify:
		case <-ctx.Done():
			return audio.Frame{}, ctx.Err()
		}
	}
}

// Close stops accepting frames. Frames already queued can still be popped.
func (q *FrameQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// Len returns the current depth.
func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the capacity.
func (q *FrameQueue) Cap() int {
	return len(q.buf)
}

// Dropped returns how many frames have been evicted.
func (q *FrameQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// HighWater returns the largest depth observed.
func (q *FrameQueue) HighWater() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.highWater
}

func (q *FrameQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
