package audio

import "time"

// AudioFrame is a single chunk of PCM moving through the pipeline: one
// capture callback's worth of microphone audio, or one chunk of service audio
// on its way to the speaker.
type AudioFrame struct {
	// Data is interleaved 16-bit signed little-endian PCM.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for capture, 24000 for service output).
	SampleRate int

	// Channels is 1 for mono. Stereo only appears at device boundaries.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Samples returns the number of samples per channel carried by the frame.
func (f AudioFrame) Samples() int {
	if f.Channels <= 0 {
		return 0
	}
	return len(f.Data) / (SampleWidth * f.Channels)
}

// Duration returns the playback duration of the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}
