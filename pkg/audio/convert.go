package audio

import (
	"encoding/binary"
	"log/slog"
	"math"
	"sync"
)

// Resample converts 16-bit mono PCM from fromRate to toRate by linear
// interpolation.
//
// For N input samples the output holds round(N*toRate/fromRate) samples. The
// output sample i is interpolated at source position i*fromRate/toRate,
// rounded to the nearest integer and clamped to the int16 range. Positions past
// the last input sample reuse that sample.
//
// When fromRate == toRate, or either rate is not positive, pcm is returned as
// is without copying. A trailing odd byte is ignored. Resample keeps no state.
func Resample(pcm []byte, fromRate, toRate int) []byte {
	if fromRate == toRate || fromRate <= 0 || toRate <= 0 {
		return pcm
	}
	n := len(pcm) / SampleWidth
	if n == 0 {
		return nil
	}
	m := int(math.Round(float64(n) * float64(toRate) / float64(fromRate)))
	if m == 0 {
		return nil
	}

	out := make([]byte, m*SampleWidth)
	for i := range m {
		// Exact integer numerator keeps positions reproducible for long inputs.
		num := int64(i) * int64(fromRate)
		i0 := int(num / int64(toRate))
		frac := float64(num%int64(toRate)) / float64(toRate)
		if i0 > n-1 {
			i0, frac = n-1, 0
		}
		s0 := sampleAt(pcm, i0)
		s1 := s0
		if i0+1 < n {
			s1 = sampleAt(pcm, i0+1)
		}
		v := math.Round(float64(s0)*(1-frac) + float64(s1)*frac)
		putSample(out, i, clamp16(v))
	}
	return out
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm[i*SampleWidth:]))
}

func putSample(pcm []byte, i int, s int16) {
	binary.LittleEndian.PutUint16(pcm[i*SampleWidth:], uint16(s))
}

func clamp16(v float64) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	default:
		return int16(v)
	}
}

// FormatConverter converts mono link audio to a target format. Payloads
// that end in half a sample, or that are not mono, are dropped with a single
// warning. Create one per stream; it is not safe for concurrent use.
type FormatConverter struct {
	Target Format

	// Logger defaults to [slog.Default].
	Logger *slog.Logger

	warnedRate    sync.Once
	warnedCorrupt sync.Once
}

// Convert returns frame in the target format. A frame already at the target
// rate is returned unchanged without copying. A dropped frame has no Data.
// A zero Channels is read as mono.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	if frame.Channels == 0 {
		frame.Channels = 1
	}
	if len(frame.Data)%SampleWidth != 0 || frame.Channels != 1 {
		c.warnedCorrupt.Do(func() {
			c.logger().Warn("audio: dropping malformed reply audio",
				"bytes", len(frame.Data),
				"sample_rate", frame.SampleRate,
				"channels", frame.Channels,
			)
		})
		return AudioFrame{SampleRate: c.Target.SampleRate, Channels: c.Target.Channels, Timestamp: frame.Timestamp}
	}
	if frame.SampleRate == c.Target.SampleRate {
		return frame
	}

	c.warnedRate.Do(func() {
		c.logger().Debug("audio: resampling reply audio", "from", frame.SampleRate, "to", c.Target.SampleRate)
	})
	return AudioFrame{
		Data:       Resample(frame.Data, frame.SampleRate, c.Target.SampleRate),
		SampleRate: c.Target.SampleRate,
		Channels:   c.Target.Channels,
		Timestamp:  frame.Timestamp,
	}
}

func (c *FormatConverter) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// RMS returns the root-mean-square amplitude of 16-bit mono PCM, normalised to
// [0, 1].
func RMS(pcm []byte) float64 {
	n := len(pcm) / SampleWidth
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(sampleAt(pcm, i)) / -math.MinInt16
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}
