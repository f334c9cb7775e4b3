//go:build portaudio

package portaudio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/livevoice/pkg/audio"
)

var (
	_ audio.Sink     = (*Speaker)(nil)
	_ audio.Resolver = (*Speaker)(nil)
)

// Speaker plays mono 16-bit PCM on a host output device using a blocking
// write stream. Writes happen one device chunk at a time so an interrupt takes
// effect after at most one more chunk.
type Speaker struct {
	cfg   audio.Config
	set   settings
	chunk int

	mu      sync.Mutex
	stream  *pa.Stream
	out     []int16
	device  Device
	running bool
	intr    chan struct{}

	// writeMu serialises PlaySynchronous calls; the output buffer is shared.
	writeMu sync.Mutex
}

// NewSpeaker returns a speaker for cfg. The device is opened by Start.
func NewSpeaker(cfg audio.Config, opts ...Option) *Speaker {
	set := newSettings(opts)
	chunk := set.chunkFrames
	if chunk <= 0 {
		chunk = cfg.ChunkSize
	}
	return &Speaker{cfg: cfg, set: set, chunk: chunk}
}

// Resolve implements [audio.Resolver].
func (s *Speaker) Resolve() error {
	return resolve(s.cfg.OutputDevice, s.set.deviceName, Output)
}

// Start implements [audio.Sink].
func (s *Speaker) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	if err := acquireHost(); err != nil {
		return &audio.DeviceError{Device: "host", Op: audio.OpOpen, Err: err}
	}
	info, dev, err := openDevice(s.cfg.OutputDevice, s.set.deviceName, Output)
	if err != nil {
		releaseHost()
		return err
	}

	out := make([]int16, s.chunk*s.cfg.Channels)
	params := pa.StreamParameters{
		Output: pa.StreamDeviceParameters{
			Device:   info,
			Channels: s.cfg.Channels,
			Latency:  info.DefaultLowOutputLatency,
		},
		SampleRate:      float64(s.cfg.PlaybackSampleRate),
		FramesPerBuffer: s.chunk,
	}
	stream, err := pa.OpenStream(params, &out)
	if err != nil {
		releaseHost()
		return &audio.DeviceError{Device: dev.String(), Op: audio.OpOpen, Err: err}
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		releaseHost()
		return &audio.DeviceError{Device: dev.String(), Op: audio.OpOpen, Err: err}
	}

	s.stream, s.out, s.device, s.running = stream, out, dev, true
	s.set.logger.Info("speaker started", "device", dev.String(), "sample_rate", s.cfg.PlaybackSampleRate)
	return nil
}

// PlaySynchronous implements [audio.Sink].
func (s *Speaker) PlaySynchronous(ctx context.Context, pcm []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	intr := make(chan struct{})
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return &audio.DeviceError{Device: s.device.String(), Op: audio.OpWrite, Err: errors.New("speaker not started")}
	}
	stream, out, dev := s.stream, s.out, s.device
	s.intr = intr
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.intr == intr {
			s.intr = nil
		}
		s.mu.Unlock()
	}()

	chunkBytes := len(out) * audio.SampleWidth
	for off := 0; off < len(pcm); off += chunkBytes {
		select {
		case <-intr:
			s.flush(stream)
			return audio.ErrInterrupted
		case <-ctx.Done():
			s.flush(stream)
			return ctx.Err()
		default:
		}

		end := min(off+chunkBytes, len(pcm))
		n := (end - off) / audio.SampleWidth
		for i := range n {
			out[i] = int16(binary.LittleEndian.Uint16(pcm[off+i*audio.SampleWidth:]))
		}
		clear(out[n:])

		if err := stream.Write(); err != nil && !errors.Is(err, pa.OutputUnderflowed) {
			return &audio.DeviceError{Device: dev.String(), Op: audio.OpWrite, Err: err}
		}
	}
	return nil
}

// flush discards audio still queued in the host buffer and restarts the
// stream so the next call starts from silence.
func (s *Speaker) flush(stream *pa.Stream) {
	if err := stream.Abort(); err != nil {
		s.set.logger.Warn("speaker: abort failed", "err", err)
		return
	}
	if err := stream.Start(); err != nil {
		s.set.logger.Warn("speaker: restart after abort failed", "err", err)
	}
}

// Interrupt implements [audio.Sink].
func (s *Speaker) Interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.intr != nil {
		close(s.intr)
		s.intr = nil
	}
}

// Stop implements [audio.Sink].
func (s *Speaker) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	if s.intr != nil {
		close(s.intr)
		s.intr = nil
	}
	s.mu.Unlock()

	// Wait for an in-flight write to observe the interrupt.
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var errs []error
	if err := s.stream.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop: %w", err))
	}
	if err := s.stream.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	s.stream = nil
	releaseHost()
	s.set.logger.Info("speaker stopped", "device", s.device.String())

	if err := errors.Join(errs...); err != nil {
		return &audio.DeviceError{Device: s.device.String(), Op: audio.OpClose, Err: err}
	}
	return nil
}
