package audio

import (
	"errors"
	"fmt"
	"time"
)

// DefaultDevice selects the host API's default input or output device.
const DefaultDevice = -1

// SampleWidth is the only supported sample width in bytes (signed 16-bit).
const SampleWidth = 2

// Config is the immutable audio configuration of a streaming session.
type Config struct {
	// SendSampleRate is the capture rate and the rate the remote link expects
	// for outbound audio.
	SendSampleRate int

	// ReceiveSampleRate is the rate of the audio the remote link returns.
	ReceiveSampleRate int

	// PlaybackSampleRate is the rate the speaker is opened at. The reference
	// hardware requires it to equal SendSampleRate.
	PlaybackSampleRate int

	// ChunkSize is the number of samples per captured frame.
	ChunkSize int

	// Channels is fixed at 1.
	Channels int

	// SampleWidth is fixed at 2 bytes.
	SampleWidth int

	// InputDevice and OutputDevice are host device indices, or [DefaultDevice].
	InputDevice  int
	OutputDevice int

	// BufferFrames is the capacity of the capture [FrameBuffer]. Zero means
	// [DefaultBufferFrames].
	BufferFrames int
}

// DefaultBufferFrames is the capture buffer capacity used when
// [Config.BufferFrames] is zero.
const DefaultBufferFrames = 100

// DefaultConfig returns the configuration the assistant ships with: 16 kHz
// capture and playback, 24 kHz service output, 1024-sample frames.
func DefaultConfig() Config {
	return Config{
		SendSampleRate:     16000,
		ReceiveSampleRate:  24000,
		PlaybackSampleRate: 16000,
		ChunkSize:          1024,
		Channels:           1,
		SampleWidth:        SampleWidth,
		InputDevice:        DefaultDevice,
		OutputDevice:       DefaultDevice,
		BufferFrames:       DefaultBufferFrames,
	}
}

// Validate checks the configuration and returns every problem found, joined.
// Each problem is a [*ConfigError].
func (c Config) Validate() error {
	var errs []error
	positive := func(field string, v int) {
		if v <= 0 {
			errs = append(errs, &ConfigError{Field: field, Reason: fmt.Sprintf("must be positive, got %d", v)})
		}
	}
	positive("send_sample_rate", c.SendSampleRate)
	positive("receive_sample_rate", c.ReceiveSampleRate)
	positive("playback_sample_rate", c.PlaybackSampleRate)
	positive("chunk_size", c.ChunkSize)

	if c.Channels != 1 {
		errs = append(errs, &ConfigError{Field: "channels", Reason: fmt.Sprintf("only mono is supported, got %d", c.Channels)})
	}
	if c.SampleWidth != SampleWidth {
		errs = append(errs, &ConfigError{Field: "sample_width", Reason: fmt.Sprintf("only 16-bit samples are supported, got %d bytes", c.SampleWidth)})
	}
	if c.PlaybackSampleRate > 0 && c.SendSampleRate > 0 && c.PlaybackSampleRate != c.SendSampleRate {
		errs = append(errs, &ConfigError{
			Field:  "playback_sample_rate",
			Reason: fmt.Sprintf("must equal send_sample_rate (%d), got %d", c.SendSampleRate, c.PlaybackSampleRate),
		})
	}
	if c.InputDevice < DefaultDevice {
		errs = append(errs, &ConfigError{Field: "input_device", Reason: fmt.Sprintf("invalid index %d", c.InputDevice)})
	}
	if c.OutputDevice < DefaultDevice {
		errs = append(errs, &ConfigError{Field: "output_device", Reason: fmt.Sprintf("invalid index %d", c.OutputDevice)})
	}
	if c.BufferFrames < 0 {
		errs = append(errs, &ConfigError{Field: "buffer_frames", Reason: fmt.Sprintf("must not be negative, got %d", c.BufferFrames)})
	}
	return errors.Join(errs...)
}

// FrameBytes returns the byte length of one captured frame.
func (c Config) FrameBytes() int {
	return c.ChunkSize * c.Channels * c.SampleWidth
}

// ChunkDuration returns the wall-clock duration of one captured frame.
func (c Config) ChunkDuration() time.Duration {
	if c.SendSampleRate <= 0 {
		return 0
	}
	return time.Duration(c.ChunkSize) * time.Second / time.Duration(c.SendSampleRate)
}

// BufferCapacity returns BufferFrames, or [DefaultBufferFrames] when unset.
func (c Config) BufferCapacity() int {
	if c.BufferFrames <= 0 {
		return DefaultBufferFrames
	}
	return c.BufferFrames
}

// SendFormat is the format of captured frames.
func (c Config) SendFormat() Format {
	return Format{SampleRate: c.SendSampleRate, Channels: c.Channels}
}

// PlaybackFormat is the format the speaker is opened with.
func (c Config) PlaybackFormat() Format {
	return Format{SampleRate: c.PlaybackSampleRate, Channels: c.Channels}
}

// PCMMIMEType returns the MIME descriptor remote links use for raw 16-bit PCM
// at the given rate, e.g. "audio/pcm;rate=16000".
func PCMMIMEType(sampleRate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", sampleRate)
}
