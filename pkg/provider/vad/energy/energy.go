// Package energy implements vad.Engine with an RMS energy detector.
//
// The frame score is the normalised RMS amplitude of the frame, so thresholds
// are fractions of full scale: 0.02 for speech and 0.01 for silence work for a
// close-talking microphone. Speech starts after MinSpeechFrames consecutive
// loud frames and ends after HangoverFrames consecutive quiet frames; frames
// between the two thresholds keep the current state.
package energy

import (
	"fmt"
	"sync"

	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/provider/vad"
)

var _ vad.Engine = (*Engine)(nil)

const (
	defaultMinSpeechFrames = 2
	defaultHangoverFrames  = 8
)

// Option configures an Engine.
type Option func(*Engine)

// WithMinSpeechFrames sets how many consecutive loud frames open a speech
// segment. Values below 1 are ignored.
func WithMinSpeechFrames(n int) Option {
	return func(e *Engine) {
		if n >= 1 {
			e.minSpeech = n
		}
	}
}

// WithHangoverFrames sets how many consecutive quiet frames close a speech
// segment. Values below 1 are ignored.
func WithHangoverFrames(n int) Option {
	return func(e *Engine) {
		if n >= 1 {
			e.hangover = n
		}
	}
}

// Engine creates energy detector sessions. The zero value is not usable; call
// New.
type Engine struct {
	minSpeech int
	hangover  int
}

// New returns an Engine with the given options.
func New(opts ...Option) *Engine {
	e := &Engine{minSpeech: defaultMinSpeechFrames, hangover: defaultHangoverFrames}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession validates cfg and returns a session in the silent state.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &session{cfg: cfg, minSpeech: e.minSpeech, hangover: e.hangover}, nil
}

type session struct {
	cfg       vad.Config
	minSpeech int
	hangover  int

	mu       sync.Mutex
	speaking bool
	loud     int // consecutive frames >= SpeechThreshold
	quiet    int // consecutive frames < SilenceThreshold
	closed   bool
}

func (s *session) ProcessFrame(frame []byte) (vad.Event, error) {
	if len(frame)%audio.SampleWidth != 0 {
		return vad.Event{}, fmt.Errorf("vad: frame length %d is not a whole number of samples", len(frame))
	}
	if want := s.cfg.FrameBytes(); want != 0 && len(frame) != want {
		return vad.Event{}, fmt.Errorf("vad: frame length %d, want %d", len(frame), want)
	}

	score := audio.RMS(frame)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.Event{}, vad.ErrClosed
	}

	switch {
	case score >= s.cfg.SpeechThreshold:
		s.loud++
		s.quiet = 0
	case score < s.cfg.SilenceThreshold:
		s.quiet++
		s.loud = 0
	default:
		s.loud, s.quiet = 0, 0
	}

	ev := vad.Event{Probability: score}
	switch {
	case !s.speaking && s.loud >= s.minSpeech:
		s.speaking = true
		ev.Type = vad.SpeechStart
	case s.speaking && s.quiet >= s.hangover:
		s.speaking = false
		ev.Type = vad.SpeechEnd
	case s.speaking:
		ev.Type = vad.SpeechContinue
	default:
		ev.Type = vad.Silence
	}
	return ev, nil
}

func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speaking = false
	s.loud, s.quiet = 0, 0
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
