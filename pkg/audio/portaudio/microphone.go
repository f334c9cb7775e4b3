//go:build portaudio

package portaudio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/livevoice/pkg/audio"
)

var (
	_ audio.Source   = (*Microphone)(nil)
	_ audio.Resolver = (*Microphone)(nil)
)

// Microphone captures mono 16-bit PCM from a host input device. Each hardware
// callback is copied into a preallocated [audio.FrameBuffer] slot and returns
// immediately.
type Microphone struct {
	cfg audio.Config
	set settings
	buf *audio.FrameBuffer

	// scratch is only touched by the PortAudio callback thread.
	scratch    []byte
	lastFrame  atomic.Int64
	overflowed atomic.Uint64

	mu      sync.Mutex
	stream  *pa.Stream
	device  Device
	running bool
	err     error
}

// NewMicrophone returns a microphone for cfg. The device is opened by Start.
func NewMicrophone(cfg audio.Config, opts ...Option) *Microphone {
	return &Microphone{
		cfg:     cfg,
		set:     newSettings(opts),
		buf:     audio.NewFrameBuffer(cfg.BufferCapacity(), cfg.FrameBytes()),
		scratch: make([]byte, cfg.FrameBytes()),
	}
}

// Resolve implements [audio.Resolver].
func (m *Microphone) Resolve() error {
	return resolve(m.cfg.InputDevice, m.set.deviceName, Input)
}

// Start implements [audio.Source].
func (m *Microphone) Start(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	if err := acquireHost(); err != nil {
		return &audio.DeviceError{Device: "host", Op: audio.OpOpen, Err: err}
	}

	info, dev, err := openDevice(m.cfg.InputDevice, m.set.deviceName, Input)
	if err != nil {
		releaseHost()
		return err
	}

	params := pa.StreamParameters{
		Input: pa.StreamDeviceParameters{
			Device:   info,
			Channels: m.cfg.Channels,
			Latency:  info.DefaultLowInputLatency,
		},
		SampleRate:      float64(m.cfg.SendSampleRate),
		FramesPerBuffer: m.cfg.ChunkSize,
	}
	stream, err := pa.OpenStream(params, m.callback)
	if err != nil {
		releaseHost()
		return &audio.DeviceError{Device: dev.String(), Op: audio.OpOpen, Err: err}
	}

	m.buf.Reset()
	m.lastFrame.Store(time.Now().UnixNano())
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		releaseHost()
		return &audio.DeviceError{Device: dev.String(), Op: audio.OpOpen, Err: err}
	}

	m.stream, m.device, m.running, m.err = stream, dev, true, nil
	m.set.logger.Info("microphone started",
		"device", dev.String(),
		"sample_rate", m.cfg.SendSampleRate,
		"chunk_size", m.cfg.ChunkSize,
	)
	return nil
}

// callback runs on the PortAudio real-time thread.
func (m *Microphone) callback(in []int16, _ pa.StreamCallbackTimeInfo, flags pa.StreamCallbackFlags) {
	n := min(len(in), len(m.scratch)/audio.SampleWidth)
	for i := range n {
		binary.LittleEndian.PutUint16(m.scratch[i*audio.SampleWidth:], uint16(in[i]))
	}
	m.buf.Push(m.scratch[:n*audio.SampleWidth])
	m.lastFrame.Store(time.Now().UnixNano())
	if flags&pa.InputOverflow != 0 {
		m.overflowed.Add(1)
	}
}

// Stream implements [audio.Source]. When a stall timeout is configured, a
// stream that receives no callback for that long is failed with a
// [*audio.DeviceError] wrapping [ErrStalled].
func (m *Microphone) Stream(ctx context.Context) <-chan audio.AudioFrame {
	out := make(chan audio.AudioFrame)
	ctx, cancel := context.WithCancel(ctx)
	frames := m.buf.Frames(ctx, m.cfg.SendFormat())

	var watchdog <-chan time.Time
	if m.set.stallTimeout > 0 {
		t := time.NewTicker(m.set.stallTimeout / 2)
		watchdog = t.C
		go func() {
			<-ctx.Done()
			t.Stop()
		}()
	}

	go func() {
		defer close(out)
		defer cancel()
		for {
			select {
			case f, ok := <-frames:
				if !ok {
					return
				}
				select {
				case out <- f:
				case <-ctx.Done():
					return
				}
			case <-watchdog:
				if m.stalled() {
					m.fail(&audio.DeviceError{Device: m.deviceName(), Op: audio.OpRead, Err: ErrStalled})
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (m *Microphone) stalled() bool {
	m.mu.Lock()
	running := m.running
	m.mu.Unlock()
	last := time.Unix(0, m.lastFrame.Load())
	return running && time.Since(last) > m.set.stallTimeout
}

func (m *Microphone) fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err == nil {
		m.err = err
		m.set.logger.Error("microphone failed", "device", m.device.String(), "err", err)
	}
}

func (m *Microphone) deviceName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.device.String()
}

// Err implements [audio.Source].
func (m *Microphone) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Stop implements [audio.Source].
func (m *Microphone) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return nil
	}
	m.running = false
	m.buf.Close()

	var errs []error
	if err := m.stream.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop: %w", err))
	}
	if err := m.stream.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	m.stream = nil
	releaseHost()

	m.set.logger.Info("microphone stopped",
		"device", m.device.String(),
		"frames", m.buf.Pushed(),
		"dropped", m.buf.Dropped(),
		"host_overflows", m.overflowed.Load(),
	)
	if err := errors.Join(errs...); err != nil {
		return &audio.DeviceError{Device: m.device.String(), Op: audio.OpClose, Err: err}
	}
	return nil
}

// Dropped returns the number of captured frames overwritten before the send
// path read them.
func (m *Microphone) Dropped() uint64 { return m.buf.Dropped() }

// Captured returns the number of frames delivered by the hardware callback.
func (m *Microphone) Captured() uint64 { return m.buf.Pushed() }
