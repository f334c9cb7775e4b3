// Package mock provides in-memory mock implementations of the [audio.Source]
// and [audio.Sink] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control behaviour.
//
// Typical usage:
//
//	src := &mock.Source{
//	    Format: audio.Format{SampleRate: 16000, Channels: 1},
//	    Frames: [][]byte{frame1, frame2},
//	}
//	sink := &mock.Sink{BlockUntilInterrupt: true}
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/livevoice/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Source   = (*Source)(nil)
	_ audio.Sink     = (*Sink)(nil)
	_ audio.Resolver = (*Source)(nil)
	_ audio.Resolver = (*Sink)(nil)
)

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock implementation of [audio.Source] backed by a real
// [audio.FrameBuffer]. Set the exported fields before Start; inspect the
// CallCount* fields and Delivered afterwards.
type Source struct {
	mu sync.Mutex

	// Format stamps every delivered frame. Defaults to 16 kHz mono.
	Format audio.Format

	// ResolveErr is returned by Resolve.
	ResolveErr error

	// StartErr is returned by Start.
	StartErr error

	// Frames are queued on Start and delivered in order by Stream.
	Frames [][]byte

	// Capacity is the size of the internal frame buffer. Defaults to 100.
	Capacity int

	// FrameBytes is the buffer slot size. Defaults to one default-config
	// frame, or the longest of Frames if that is larger.
	FrameBytes int

	// FailErr, when set, ends the stream once FailAfter frames have been
	// delivered; Err then returns FailErr.
	FailErr   error
	FailAfter int

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStream records how many times Stream was called.
	CallCountStream int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	// Delivered counts frames sent on the Stream channel.
	Delivered int

	buf *audio.FrameBuffer
	err error
}

// Resolve implements [audio.Resolver].
func (s *Source) Resolve() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ResolveErr
}

// Start implements [audio.Source]. It queues Frames into a fresh buffer.
func (s *Source) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	if s.StartErr != nil {
		return s.StartErr
	}
	capacity := s.Capacity
	if capacity <= 0 {
		capacity = audio.DefaultBufferFrames
	}
	size := s.FrameBytes
	if size <= 0 {
		size = audio.DefaultConfig().FrameBytes()
	}
	for _, f := range s.Frames {
		size = max(size, len(f))
	}
	s.buf = audio.NewFrameBuffer(capacity, size)
	for _, f := range s.Frames {
		s.buf.Push(f)
	}
	s.err = nil
	return nil
}

// Push simulates one hardware callback after Start.
func (s *Source) Push(data []byte) {
	s.mu.Lock()
	buf := s.buf
	s.mu.Unlock()
	if buf != nil {
		buf.Push(data)
	}
}

// Stream implements [audio.Source].
func (s *Source) Stream(ctx context.Context) <-chan audio.AudioFrame {
	s.mu.Lock()
	s.CallCountStream++
	buf := s.buf
	format := s.Format
	failErr, failAfter := s.FailErr, s.FailAfter
	s.mu.Unlock()

	if format.SampleRate == 0 {
		format = audio.Format{SampleRate: 16000, Channels: 1}
	}

	out := make(chan audio.AudioFrame)
	if buf == nil {
		close(out)
		return out
	}

	go func() {
		defer close(out)
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		in := buf.Frames(ctx, format)
		for {
			s.mu.Lock()
			delivered := s.Delivered
			s.mu.Unlock()
			if failErr != nil && delivered >= failAfter {
				s.mu.Lock()
				s.err = failErr
				s.mu.Unlock()
				return
			}
			select {
			case f, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- f:
					s.mu.Lock()
					s.Delivered++
					s.mu.Unlock()
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Err implements [audio.Source].
func (s *Source) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stop implements [audio.Source]. It closes the internal buffer.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStop++
	if s.buf != nil {
		s.buf.Close()
	}
	return nil
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// Sink is a mock implementation of [audio.Sink]. PlaySynchronous "writes" the
// payload in chunks of ChunkBytes, recording each written chunk, and checks
// for interruption between chunks the way a hardware sink does.
type Sink struct {
	mu sync.Mutex

	// ResolveErr is returned by Resolve.
	ResolveErr error

	// StartErr is returned by Start.
	StartErr error

	// PlayErr is returned by PlaySynchronous on call number FailOnCall
	// (1-based). A zero FailOnCall fails every call when PlayErr is set.
	PlayErr    error
	FailOnCall int

	// ChunkBytes is the simulated device chunk size. Zero writes each payload
	// as a single chunk.
	ChunkBytes int

	// ChunkDelay is slept after each written chunk.
	ChunkDelay time.Duration

	// BlockUntilInterrupt makes PlaySynchronous write its first chunk and then
	// wait for Interrupt or context cancellation.
	BlockUntilInterrupt bool

	// OnPlay, if set, is called at the start of every PlaySynchronous call.
	OnPlay func(pcm []byte)

	// Played records every payload passed to PlaySynchronous, in order.
	Played [][]byte

	// Written records every chunk actually written to the simulated device.
	Written [][]byte

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	// CallCountInterrupt records how many times Interrupt was called.
	CallCountInterrupt int

	intr chan struct{}
}

// Resolve implements [audio.Resolver].
func (s *Sink) Resolve() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ResolveErr
}

// Start implements [audio.Sink].
func (s *Sink) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	return s.StartErr
}

// PlaySynchronous implements [audio.Sink].
func (s *Sink) PlaySynchronous(ctx context.Context, pcm []byte) error {
	intr := make(chan struct{})
	s.mu.Lock()
	s.Played = append(s.Played, pcm)
	call := len(s.Played)
	onPlay := s.OnPlay
	playErr, failOn := s.PlayErr, s.FailOnCall
	chunk, delay, block := s.ChunkBytes, s.ChunkDelay, s.BlockUntilInterrupt
	s.intr = intr
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.intr == intr {
			s.intr = nil
		}
		s.mu.Unlock()
	}()

	if onPlay != nil {
		onPlay(pcm)
	}
	if playErr != nil && (failOn == 0 || failOn == call) {
		return &audio.DeviceError{Device: "mock", Op: audio.OpWrite, Err: playErr}
	}
	if chunk <= 0 {
		chunk = max(len(pcm), 1)
	}

	for off := 0; off < len(pcm); off += chunk {
		select {
		case <-intr:
			return audio.ErrInterrupted
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		end := min(off+chunk, len(pcm))
		s.mu.Lock()
		s.Written = append(s.Written, pcm[off:end])
		s.mu.Unlock()

		if block {
			select {
			case <-intr:
				return audio.ErrInterrupted
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if delay > 0 {
			select {
			case <-intr:
				return audio.ErrInterrupted
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return nil
}

// Interrupt implements [audio.Sink].
func (s *Sink) Interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountInterrupt++
	if s.intr != nil {
		close(s.intr)
		s.intr = nil
	}
}

// Stop implements [audio.Sink].
func (s *Sink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStop++
	return nil
}

// PlayCount returns the number of PlaySynchronous calls so far.
func (s *Sink) PlayCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Played)
}

// PlayedPayloads returns a snapshot of Played.
func (s *Sink) PlayedPayloads() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.Played))
	copy(out, s.Played)
	return out
}

// WrittenChunks returns a snapshot of Written.
func (s *Sink) WrittenChunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.Written))
	copy(out, s.Written)
	return out
}
