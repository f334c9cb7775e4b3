//go:build !portaudio

package portaudio

import (
	"context"

	"github.com/MrWong99/livevoice/pkg/audio"
)

// Microphone is unavailable in this build; Resolve and Start return
// [ErrNotCompiled].
type Microphone struct{}

// NewMicrophone returns a microphone whose Start always fails.
func NewMicrophone(audio.Config, ...Option) *Microphone { return &Microphone{} }

func (*Microphone) Resolve() error { return ErrNotCompiled }
func (*Microphone) Start(context.Context) error { return ErrNotCompiled }

func (*Microphone) Stream(context.Context) <-chan audio.AudioFrame {
	ch := make(chan audio.AudioFrame)
	close(ch)
	return ch
}

func (*Microphone) Err() error { return nil }
func (*Microphone) Stop() error { return nil }
func (*Microphone) Dropped() uint64 { return 0 }
func (*Microphone) Captured() uint64 { return 0 }

// Speaker is unavailable in this build; Resolve and Start return
// [ErrNotCompiled].
type Speaker struct{}

// NewSpeaker returns a speaker whose Start always fails.
func NewSpeaker(audio.Config, ...Option) *Speaker { return &Speaker{} }

func (*Speaker) Resolve() error { return ErrNotCompiled }
func (*Speaker) Start(context.Context) error { return ErrNotCompiled }

func (*Speaker) PlaySynchronous(context.Context, []byte) error { return ErrNotCompiled }

func (*Speaker) Interrupt() {}

func (*Speaker) Stop() error { return nil }

// ListDevices returns [ErrNotCompiled].
func ListDevices() ([]Device, error) { return nil, ErrNotCompiled }

var (
	_ audio.Source   = (*Microphone)(nil)
	_ audio.Sink     = (*Speaker)(nil)
	_ audio.Resolver = (*Microphone)(nil)
	_ audio.Resolver = (*Speaker)(nil)
)
