//go:build portaudio

package portaudio

import (
	"fmt"
	"sync"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/livevoice/pkg/audio"
)

// host reference-counts the process-wide PortAudio library so that every
// device holds it only while open and the last release terminates it.
var host struct {
	mu   sync.Mutex
	refs int
}

func acquireHost() error {
	host.mu.Lock()
	defer host.mu.Unlock()
	if host.refs == 0 {
		if err := pa.Initialize(); err != nil {
			return fmt.Errorf("portaudio: initialize: %w", err)
		}
	}
	host.refs++
	return nil
}

func releaseHost() {
	host.mu.Lock()
	defer host.mu.Unlock()
	if host.refs == 0 {
		return
	}
	host.refs--
	if host.refs == 0 {
		_ = pa.Terminate()
	}
}

// ListDevices returns every device known to the host.
func ListDevices() ([]Device, error) {
	if err := acquireHost(); err != nil {
		return nil, err
	}
	defer releaseHost()
	infos, err := hostDevices()
	if err != nil {
		return nil, err
	}
	out := make([]Device, len(infos))
	for i, info := range infos {
		out[i] = toDevice(info)
	}
	return out, nil
}

// hostDevices must be called with the host acquired.
func hostDevices() ([]*pa.DeviceInfo, error) {
	infos, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	return infos, nil
}

func toDevice(info *pa.DeviceInfo) Device {
	d := Device{
		Index:             info.Index,
		Name:              info.Name,
		MaxInputChannels:  info.MaxInputChannels,
		MaxOutputChannels: info.MaxOutputChannels,
		DefaultSampleRate: info.DefaultSampleRate,
	}
	if api := info.HostApi; api != nil {
		d.HostAPI = api.Name
		d.DefaultInput = api.DefaultInputDevice != nil && api.DefaultInputDevice.Index == info.Index
		d.DefaultOutput = api.DefaultOutputDevice != nil && api.DefaultOutputDevice.Index == info.Index
	}
	return d
}

// resolve checks that the configured device exists without opening a stream.
func resolve(index int, name string, dir Direction) error {
	if err := acquireHost(); err != nil {
		return &audio.DeviceError{Device: "host", Op: audio.OpOpen, Err: err}
	}
	defer releaseHost()
	_, _, err := openDevice(index, name, dir)
	return err
}

// openDevice resolves the configured device against the host device list.
// It must be called with the host acquired.
func openDevice(index int, name string, dir Direction) (*pa.DeviceInfo, Device, error) {
	infos, err := hostDevices()
	if err != nil {
		return nil, Device{}, err
	}
	devices := make([]Device, len(infos))
	for i, info := range infos {
		devices[i] = toDevice(info)
	}
	// Only the default host API's defaults count as "the" default device.
	if index == audio.DefaultDevice && name == "" {
		var def *pa.DeviceInfo
		if dir == Input {
			def, err = pa.DefaultInputDevice()
		} else {
			def, err = pa.DefaultOutputDevice()
		}
		if err == nil && def != nil {
			return def, toDevice(def), nil
		}
	}
	dev, err := ResolveDevice(devices, index, name, dir)
	if err != nil {
		return nil, Device{}, err
	}
	for _, info := range infos {
		if info.Index == dev.Index {
			return info, dev, nil
		}
	}
	return nil, Device{}, fmt.Errorf("portaudio: device %s vanished", dev)
}
