// Package audio defines the PCM types, device contracts, and pure conversion
// helpers shared by the livevoice streaming pipeline.
//
// The two device abstractions are:
//
//   - [Source] — a capture device that fills a [FrameBuffer] from a hardware
//     callback and exposes the buffered frames as a channel.
//   - [Sink] — a playback device that writes PCM synchronously and can be
//     preempted between device chunks.
//
// Hardware-backed implementations live in audio/portaudio; in-memory mocks for
// tests live in audio/mock.
//
// All PCM handled by this package is 16-bit signed little-endian. Multi-channel
// data is interleaved.
package audio

import (
	"context"
)

// Source owns a capture device. Implementations push one frame per hardware
// callback into a bounded buffer and never block the callback on consumers.
//
// Implementations must be safe for concurrent use.
type Source interface {
	// Start opens the capture device and begins invoking the hardware callback.
	// A device that cannot be opened yields a [*DeviceError].
	Start(ctx context.Context) error

	// Stream returns a channel that yields captured frames in capture order.
	// The channel is closed when ctx is cancelled, when Stop is called, or when
	// the device fails; in the last case [Source.Err] reports the failure.
	// Stream may be called again only after a fresh Start.
	Stream(ctx context.Context) <-chan AudioFrame

	// Err returns the device failure that closed the stream, or nil.
	Err() error

	// Stop halts the hardware stream and releases the device. Calling Stop more
	// than once is safe and returns nil.
	Stop() error
}

// Sink owns a playback device.
//
// Implementations must be safe for concurrent use: Interrupt and Stop are
// called from goroutines other than the one blocked in PlaySynchronous.
type Sink interface {
	// Start opens the playback device. A device that cannot be opened yields a
	// [*DeviceError].
	Start(ctx context.Context) error

	// PlaySynchronous blocks until all of pcm has been written to the device in
	// device-chunk granularity. After Interrupt is called or ctx is cancelled,
	// at most one further device chunk is written and the call returns
	// [ErrInterrupted] or the context error. Write failures yield a
	// [*DeviceError].
	PlaySynchronous(ctx context.Context, pcm []byte) error

	// Interrupt aborts the PlaySynchronous call currently in progress, if any.
	// It never blocks. Calls made while nothing is playing are ignored.
	Interrupt()

	// Stop halts the output stream and releases the device. Calling Stop more
	// than once is safe and returns nil.
	Stop() error
}

// Resolver is implemented by devices that can check their device selection
// without opening the device. A selection that names no usable device yields
// a [*ConfigError].
type Resolver interface {
	Resolve() error
}
