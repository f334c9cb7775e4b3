package audio

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// FrameBuffer is a bounded single-producer/single-consumer queue of fixed-size
// PCM frames. The producer is a real-time capture callback: [FrameBuffer.Push]
// copies into a preallocated slot, never allocates and never waits. When the
// buffer is full the oldest unread frame is overwritten.
//
// The consumer side ([FrameBuffer.Pop], [FrameBuffer.Frames]) returns copies,
// so slots can be reused as soon as a frame has been read.
type FrameBuffer struct {
	frameBytes int

	mu     sync.Mutex
	slots  [][]byte
	lens   []int
	head   int // index of the oldest unread frame
	count  int
	closed bool
	// ready has capacity one; Push does a non-blocking send to wake Pop.
	ready chan struct{}
	done  chan struct{}

	pushed  atomic.Uint64
	dropped atomic.Uint64
}

// NewFrameBuffer allocates a buffer holding up to capacity frames of
// frameBytes bytes each. Non-positive arguments are raised to one.
func NewFrameBuffer(capacity, frameBytes int) *FrameBuffer {
	capacity = max(capacity, 1)
	frameBytes = max(frameBytes, 1)
	slots := make([][]byte, capacity)
	backing := make([]byte, capacity*frameBytes)
	for i := range slots {
		slots[i] = backing[i*frameBytes : (i+1)*frameBytes : (i+1)*frameBytes]
	}
	return &FrameBuffer{
		frameBytes: frameBytes,
		slots:      slots,
		lens:       make([]int, capacity),
		ready:      make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Push copies data into the next free slot, overwriting the oldest unread
// frame when the buffer is full. Data longer than the frame size is truncated.
// It reports whether a frame was dropped. Push after Close is a no-op.
func (b *FrameBuffer) Push(data []byte) (dropped bool) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	capacity := len(b.slots)
	if b.count == capacity {
		b.head = (b.head + 1) % capacity
		b.count--
		dropped = true
	}
	tail := (b.head + b.count) % capacity
	b.lens[tail] = copy(b.slots[tail], data)
	b.count++
	b.mu.Unlock()

	b.pushed.Add(1)
	if dropped {
		b.dropped.Add(1)
	}
	select {
	case b.ready <- struct{}{}:
	default:
	}
	return dropped
}

// TryPop removes and returns a copy of the oldest frame without waiting.
func (b *FrameBuffer) TryPop() ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 {
		return nil, false
	}
	slot := b.slots[b.head]
	out := make([]byte, b.lens[b.head])
	copy(out, slot)
	b.head = (b.head + 1) % len(b.slots)
	b.count--
	return out, true
}

// Pop waits for the oldest frame and returns a copy of it. Frames still queued
// at Close are returned before Pop reports [ErrClosed]. Pop returns ctx.Err()
// when ctx ends first.
func (b *FrameBuffer) Pop(ctx context.Context) ([]byte, error) {
	for {
		if f, ok := b.TryPop(); ok {
			return f, nil
		}
		b.mu.Lock()
		closed, done := b.closed, b.done
		b.mu.Unlock()
		if closed {
			return nil, ErrClosed
		}
		select {
		case <-b.ready:
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Frames starts a goroutine that pops frames and delivers them as AudioFrames
// stamped with the given format. Timestamps advance by the duration of each
// frame. The returned channel is closed when ctx ends or the buffer is closed
// and drained.
func (b *FrameBuffer) Frames(ctx context.Context, f Format) <-chan AudioFrame {
	out := make(chan AudioFrame)
	go func() {
		defer close(out)
		var ts time.Duration
		for {
			data, err := b.Pop(ctx)
			if err != nil {
				return
			}
			frame := AudioFrame{Data: data, SampleRate: f.SampleRate, Channels: f.Channels, Timestamp: ts}
			ts += frame.Duration()
			select {
			case out <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Close stops accepting frames and wakes a waiting consumer. Calling Close
// more than once is safe.
func (b *FrameBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
}

// Reset discards every queued frame and reopens a closed buffer. The counters
// returned by Pushed and Dropped are kept.
func (b *FrameBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head, b.count = 0, 0
	if b.closed {
		b.closed = false
		b.done = make(chan struct{})
	}
	select {
	case <-b.ready:
	default:
	}
}

// Len returns the number of unread frames.
func (b *FrameBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Cap returns the buffer capacity in frames.
func (b *FrameBuffer) Cap() int { return len(b.slots) }

// FrameBytes returns the slot size in bytes.
func (b *FrameBuffer) FrameBytes() int { return b.frameBytes }

// Pushed returns the total number of frames pushed since construction.
func (b *FrameBuffer) Pushed() uint64 { return b.pushed.Load() }

// Dropped returns the total number of frames overwritten before being read.
func (b *FrameBuffer) Dropped() uint64 { return b.dropped.Load() }
