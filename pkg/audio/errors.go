package audio

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by [FrameBuffer.Pop] once the buffer has been
	// closed and every remaining frame has been consumed.
	ErrClosed = errors.New("audio: buffer closed")

	// ErrInterrupted is returned by [Sink.PlaySynchronous] when playback was
	// cut short by [Sink.Interrupt].
	ErrInterrupted = errors.New("audio: playback interrupted")
)

// ConfigError reports an invalid or inconsistent audio setting. It is always
// detected before a session starts connecting and is never retried.
type ConfigError struct {
	// Field is the name of the offending setting, e.g. "playback_sample_rate".
	Field string

	// Reason describes what is wrong with the value.
	Reason string
}

// Error implements error.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("audio: config: %s: %s", e.Field, e.Reason)
}

// DeviceOp names the device operation that failed.
type DeviceOp string

const (
	OpOpen  DeviceOp = "open"
	OpRead  DeviceOp = "read"
	OpWrite DeviceOp = "write"
	OpClose DeviceOp = "close"
)

// DeviceError reports a failure of the capture or playback hardware. A
// DeviceError during an active session is fatal for that session.
type DeviceError struct {
	// Device is a human-readable identifier, typically "index:name".
	Device string

	// Op is the operation that failed.
	Op DeviceOp

	// Err is the underlying driver error.
	Err error
}

// Error implements error.
func (e *DeviceError) Error() string {
	return fmt.Sprintf("audio: device %s: %s: %v", e.Device, e.Op, e.Err)
}

// Unwrap returns the underlying driver error.
func (e *DeviceError) Unwrap() error { return e.Err }
