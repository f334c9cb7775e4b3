// Package mock provides test doubles for the vad package.
//
// A Session decides per frame with Classify, or replays Script; Engine hands
// it out and remembers the configs it was asked for:
//
//	loud := &mock.Session{Classify: func(f []byte) vad.Event {
//	    return vad.Event{Type: vad.SpeechContinue}
//	}}
//	eng := &mock.Engine{Session: loud}
package mock

import (
	"sync"

	"github.com/MrWong99/livevoice/pkg/provider/vad"
)

// Engine is a scripted vad.Engine.
type Engine struct {
	// Session is returned by NewSession; nil means a fresh silent Session.
	Session vad.SessionHandle

	// NewSessionErr fails every NewSession call.
	NewSessionErr error

	mu      sync.Mutex
	configs []vad.Config
}

// NewSession records cfg and returns Session or NewSessionErr.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.configs = append(e.configs, cfg)
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session == nil {
		return &Session{}, nil
	}
	return e.Session, nil
}

// Configs returns the configs passed to NewSession, oldest first.
func (e *Engine) Configs() []vad.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]vad.Config(nil), e.configs...)
}

// Session is a scripted vad.SessionHandle. The zero value reports silence
// for every frame.
type Session struct {
	// Classify computes the result for a frame. It wins over Script.
	Classify func(frame []byte) vad.Event

	// Script is replayed one event per frame; later frames get Silence.
	Script []vad.Event

	// Err is returned by every ProcessFrame call.
	Err error

	mu     sync.Mutex
	frames int
	resets int
	closed bool
}

// ProcessFrame returns the next scripted event.
func (s *Session) ProcessFrame(frame []byte) (vad.Event, error) {
	s.mu.Lock()
	n := s.frames
	s.frames++
	s.mu.Unlock()

	switch {
	case s.Classify != nil:
		return s.Classify(frame), s.Err
	case n < len(s.Script):
		return s.Script[n], s.Err
	default:
		return vad.Event{Type: vad.Silence}, s.Err
	}
}

// Reset counts the call.
func (s *Session) Reset() {
	s.mu.Lock()
	s.resets++
	s.mu.Unlock()
}

// Close marks the session closed.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Frames returns the number of ProcessFrame calls.
func (s *Session) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Resets returns the number of Reset calls.
func (s *Session) Resets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*Session)(nil)
)
