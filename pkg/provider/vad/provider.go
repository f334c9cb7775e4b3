// Package vad defines the Engine interface for voice activity detection.
//
// A VAD engine wraps a frame-level speech detector and surfaces it as a
// stateful, per-stream session. The streaming session uses it on the capture
// path to notice the user talking over assistant playback (local barge-in).
//
// ProcessFrame is synchronous and must not block: it runs inline on the send
// loop for every captured frame.
//
// Engines must be safe for concurrent use across sessions. A SessionHandle is
// owned by one goroutine.
package vad

import "errors"

// ErrClosed is returned by ProcessFrame after Close.
var ErrClosed = errors.New("vad: session closed")

// Config holds the parameters for a VAD session. Thresholds are in the
// engine's native [0, 1] scale.
type Config struct {
	// SampleRate is the rate of the PCM frames passed to ProcessFrame.
	SampleRate int

	// FrameSizeMs fixes the frame duration. Zero accepts frames of any
	// length, which is what the capture path produces.
	FrameSizeMs int

	// SpeechThreshold is the score at or above which a frame counts as
	// speech.
	SpeechThreshold float64

	// SilenceThreshold is the score below which a frame counts as silence.
	// Must be <= SpeechThreshold.
	SilenceThreshold float64
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.SampleRate <= 0:
		return errors.New("vad: sample rate must be positive")
	case c.FrameSizeMs < 0:
		return errors.New("vad: frame size must not be negative")
	case c.SpeechThreshold <= 0 || c.SpeechThreshold > 1:
		return errors.New("vad: speech threshold must be in (0, 1]")
	case c.SilenceThreshold < 0 || c.SilenceThreshold > c.SpeechThreshold:
		return errors.New("vad: silence threshold must be in [0, speech threshold]")
	}
	return nil
}

// FrameBytes returns the expected frame length for 16-bit mono PCM, or 0
// when any length is accepted.
func (c Config) FrameBytes() int {
	if c.FrameSizeMs == 0 {
		return 0
	}
	return c.SampleRate * c.FrameSizeMs / 1000 * 2
}

// EventType enumerates detection states.
type EventType int

const (
	// SpeechStart indicates speech has just begun.
	SpeechStart EventType = iota

	// SpeechContinue indicates ongoing speech.
	SpeechContinue

	// SpeechEnd indicates speech has just ended.
	SpeechEnd

	// Silence indicates no speech.
	Silence
)

// String returns the event type name.
func (t EventType) String() string {
	switch t {
	case SpeechStart:
		return "speech_start"
	case SpeechContinue:
		return "speech_continue"
	case SpeechEnd:
		return "speech_end"
	case Silence:
		return "silence"
	default:
		return "unknown"
	}
}

// Event is the detection result for one frame.
type Event struct {
	Type EventType

	// Probability is the frame's speech score in [0, 1].
	Probability float64
}

// SessionHandle is an active detection session for a single audio stream.
type SessionHandle interface {
	// ProcessFrame analyses one frame of 16-bit little-endian mono PCM at the
	// configured rate. It returns an error for malformed frames and
	// [ErrClosed] after Close.
	ProcessFrame(frame []byte) (Event, error)

	// Reset clears detection state without closing the session.
	Reset()

	// Close releases the session. Calling it more than once returns nil.
	Close() error
}

// Engine creates VAD sessions.
type Engine interface {
	// NewSession validates cfg and returns a ready session.
	NewSession(cfg Config) (SessionHandle, error)
}
