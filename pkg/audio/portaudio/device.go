// Package portaudio implements [audio.Source] and [audio.Sink] on top of the
// PortAudio host library.
//
// The hardware-backed types are only compiled with the "portaudio" build tag,
// which requires the PortAudio C library and cgo. Without the tag every
// constructor still exists but Start reports that audio hardware support was
// not compiled in, so the rest of the module builds and tests anywhere.
//
// Device selection and name matching are pure functions over a [Device] list
// and are available in both builds.
package portaudio

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/livevoice/pkg/audio"
)

// nameMatchThreshold is the minimum Jaro-Winkler similarity for a fuzzy
// device-name match to be accepted.
const nameMatchThreshold = 0.85

// ErrNotCompiled is returned by Start and ListDevices in builds without the
// "portaudio" tag.
var ErrNotCompiled = errors.New("portaudio: audio hardware support not compiled in, rebuild with -tags portaudio")

// ErrStalled is wrapped in the [*audio.DeviceError] reported when a running
// capture stream stops delivering callbacks.
var ErrStalled = errors.New("portaudio: capture stream stalled")

// Device describes one host audio device.
type Device struct {
	Index             int
	Name              string
	HostAPI           string
	MaxInputChannels  int
	MaxOutputChannels int
	DefaultSampleRate float64
	DefaultInput      bool
	DefaultOutput     bool
}

// String renders the device as "index:name".
func (d Device) String() string {
	return fmt.Sprintf("%d:%s", d.Index, d.Name)
}

// CanCapture reports whether the device has at least one input channel.
func (d Device) CanCapture() bool { return d.MaxInputChannels > 0 }

// CanPlay reports whether the device has at least one output channel.
func (d Device) CanPlay() bool { return d.MaxOutputChannels > 0 }

// Direction selects capture or playback when resolving a device.
type Direction int

const (
	Input Direction = iota
	Output
)

// String returns "input" or "output".
func (d Direction) String() string {
	if d == Output {
		return "output"
	}
	return "input"
}

func (d Direction) field() string {
	if d == Output {
		return "output_device"
	}
	return "input_device"
}

func (d Direction) usable(dev Device) bool {
	if d == Output {
		return dev.CanPlay()
	}
	return dev.CanCapture()
}

// ResolveDevice picks the device to open from devices.
//
// A non-empty name wins over index: an exact case-insensitive match or a
// substring match is taken first, then the closest name by Jaro-Winkler
// similarity above a fixed threshold. Otherwise index selects the device, with
// [audio.DefaultDevice] meaning the host default for dir. Failures are
// reported as [*audio.ConfigError].
func ResolveDevice(devices []Device, index int, name string, dir Direction) (Device, error) {
	if name != "" {
		return resolveByName(devices, name, dir)
	}
	if index == audio.DefaultDevice {
		for _, d := range devices {
			if (dir == Input && d.DefaultInput) || (dir == Output && d.DefaultOutput) {
				return d, nil
			}
		}
		return Device{}, &audio.ConfigError{Field: dir.field(), Reason: "no default " + dir.String() + " device"}
	}
	for _, d := range devices {
		if d.Index != index {
			continue
		}
		if !dir.usable(d) {
			return Device{}, &audio.ConfigError{
				Field:  dir.field(),
				Reason: fmt.Sprintf("device %s has no %s channels", d, dir),
			}
		}
		return d, nil
	}
	return Device{}, &audio.ConfigError{Field: dir.field(), Reason: fmt.Sprintf("no device with index %d", index)}
}

func resolveByName(devices []Device, name string, dir Direction) (Device, error) {
	want := strings.ToLower(strings.TrimSpace(name))
	var candidates []Device
	for _, d := range devices {
		if dir.usable(d) {
			candidates = append(candidates, d)
		}
	}

	for _, d := range candidates {
		if strings.ToLower(d.Name) == want {
			return d, nil
		}
	}

	// Prefer the shortest containing name: it is the most specific.
	var sub *Device
	for i, d := range candidates {
		if strings.Contains(strings.ToLower(d.Name), want) && (sub == nil || len(d.Name) < len(sub.Name)) {
			sub = &candidates[i]
		}
	}
	if sub != nil {
		return *sub, nil
	}

	var (
		best      Device
		bestScore float64
	)
	for _, d := range candidates {
		if score := matchr.JaroWinkler(want, strings.ToLower(d.Name), true); score > bestScore {
			best, bestScore = d, score
		}
	}
	if bestScore >= nameMatchThreshold {
		slog.Info("portaudio: fuzzy device match", "requested", name, "device", best.String(), "score", bestScore)
		return best, nil
	}
	return Device{}, &audio.ConfigError{
		Field:  dir.field(),
		Reason: fmt.Sprintf("no %s device matching %q", dir, name),
	}
}

// Option configures a [Microphone] or [Speaker].
type Option func(*settings)

type settings struct {
	deviceName   string
	logger       *slog.Logger
	stallTimeout time.Duration
	chunkFrames  int
}

func newSettings(opts []Option) settings {
	s := settings{
		logger:       slog.Default(),
		stallTimeout: 2 * time.Second,
	}
	for _, o := range opts {
		o(&s)
	}
	return s
}

// WithDeviceName selects the device by name instead of by index.
func WithDeviceName(name string) Option {
	return func(s *settings) { s.deviceName = name }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithStallTimeout sets how long a running microphone may go without a
// hardware callback before it is reported as failed. Zero disables the check.
// Defaults to two seconds.
func WithStallTimeout(d time.Duration) Option {
	return func(s *settings) { s.stallTimeout = d }
}

// WithChunkFrames sets the speaker's device write granularity in samples.
// Defaults to the configured chunk size.
func WithChunkFrames(n int) Option {
	return func(s *settings) { s.chunkFrames = n }
}
