// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions.
// Use Session to script inbound events and inspect what the caller sent.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Emit(s2s.Event{Kind: s2s.EventTurnStarted})
//	sess.EmitAudio(pcm, 24000)
//	sess.Emit(s2s.Event{Kind: s2s.EventTurnComplete})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/provider/s2s"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by Connect. If nil, Connect returns
	// a fresh Session from NewSession.
	Session s2s.SessionHandle

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities s2s.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	// CapabilitiesCallCount is the number of times Capabilities was called.
	CapabilitiesCallCount int
}

// Connect records the call and returns Session, ConnectErr. A ctx that is
// already done wins over both.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session == nil {
		p.Session = NewSession()
	}
	return p.Session, nil
}

// Capabilities records the call and returns ProviderCapabilities.
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CapabilitiesCallCount++
	return p.ProviderCapabilities
}

// Connects returns a copy of the recorded Connect calls. Thread-safe.
func (p *Provider) Connects() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ConnectCall(nil), p.ConnectCalls...)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = nil
	p.CapabilitiesCallCount = 0
}

var _ s2s.Provider = (*Provider)(nil)

// Session is a mock implementation of s2s.SessionHandle. Create it with
// NewSession.
type Session struct {
	mu sync.Mutex

	// emitMu orders Emit against the final close of the event stream.
	emitMu sync.Mutex
	stream *s2s.EventStream

	toolCallHandler s2s.ToolCallHandler
	closed          bool

	// --- Configurable behaviour ---

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// SendTextErr, if non-nil, is returned by every SendText call.
	SendTextErr error

	// InterruptErr, if non-nil, is returned by every Interrupt call.
	InterruptErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// OnSendAudio, if set, is called after each recorded SendAudio with the
	// 1-based call number. It runs without the mock's lock held, so it may
	// call Emit.
	OnSendAudio func(n int, frame audio.AudioFrame)

	// OnSendText is the SendText counterpart of OnSendAudio.
	OnSendText func(text string)

	// --- Call records ---

	// SentAudio records a copy of every frame passed to SendAudio.
	SentAudio []audio.AudioFrame

	// SentText records every string passed to SendText.
	SentText []string

	// InterruptCallCount is the number of times Interrupt was called.
	InterruptCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	// OnToolCallSetCount is the number of times OnToolCall was called.
	OnToolCallSetCount int
}

// NewSession returns a Session with a buffered event stream.
func NewSession() *Session {
	return &Session{stream: s2s.NewEventStream(s2s.DefaultEventBuffer)}
}

// SendAudio records the call and returns SendAudioErr, or ErrSessionClosed
// after Close.
func (s *Session) SendAudio(ctx context.Context, frame audio.AudioFrame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return s2s.ErrSessionClosed
	}
	frame.Data = append([]byte(nil), frame.Data...)
	s.SentAudio = append(s.SentAudio, frame)
	n := len(s.SentAudio)
	err := s.SendAudioErr
	hook := s.OnSendAudio
	s.mu.Unlock()

	if hook != nil {
		hook(n, frame)
	}
	return err
}

// SendText records the call and returns SendTextErr.
func (s *Session) SendText(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return s2s.ErrSessionClosed
	}
	s.SentText = append(s.SentText, text)
	err := s.SendTextErr
	hook := s.OnSendText
	s.mu.Unlock()

	if hook != nil {
		hook(text)
	}
	return err
}

// Events returns the scripted event stream.
func (s *Session) Events() <-chan s2s.Event { return s.stream.Events() }

// Err returns the error passed to Fail, if any.
func (s *Session) Err() error { return s.stream.Err() }

// OnToolCall stores the handler and increments OnToolCallSetCount.
func (s *Session) OnToolCall(handler s2s.ToolCallHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolCallHandler = handler
	s.OnToolCallSetCount++
}

// Handler returns the currently registered ToolCallHandler. Thread-safe.
func (s *Session) Handler() s2s.ToolCallHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.toolCallHandler
}

// CallTool invokes the registered handler the way a provider would and
// returns the shaped response object.
func (s *Session) CallTool(name string, args map[string]any) map[string]any {
	return s2s.InvokeTool(s.Handler(), name, args)
}

// Interrupt records the call and returns InterruptErr.
func (s *Session) Interrupt(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.InterruptCallCount++
	return s.InterruptErr
}

// Close records the call, closes the event stream and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCallCount++
	already := s.closed
	s.closed = true
	err := s.CloseErr
	s.mu.Unlock()

	if !already {
		s.stream.Stop()
		s.finish(nil)
	}
	return err
}

// ── Scripting ─────────────────────────────────────────────────────────────────

// Emit delivers ev to the Events channel. It blocks while the buffer is full
// and returns false once the session has been closed or finished.
func (s *Session) Emit(ev s2s.Event) bool {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	return s.stream.Emit(ev)
}

// EmitAudio is shorthand for an EventAudio event.
func (s *Session) EmitAudio(pcm []byte, sampleRate int) bool {
	return s.Emit(s2s.Event{Kind: s2s.EventAudio, Audio: pcm, SampleRate: sampleRate})
}

// EmitTurn emits TurnStarted, one audio event per chunk and TurnComplete.
func (s *Session) EmitTurn(sampleRate int, chunks ...[]byte) bool {
	if !s.Emit(s2s.Event{Kind: s2s.EventTurnStarted}) {
		return false
	}
	for _, c := range chunks {
		if !s.EmitAudio(c, sampleRate) {
			return false
		}
	}
	return s.Emit(s2s.Event{Kind: s2s.EventTurnComplete})
}

// Fail ends the stream with err, which is delivered as an EventLinkError.
func (s *Session) Fail(err error) { s.finish(err) }

// End closes the Events channel without an error, as a server that hung up
// cleanly would.
func (s *Session) End() { s.finish(nil) }

func (s *Session) finish(err error) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.stream.Finish(err)
}

// ── Inspection ────────────────────────────────────────────────────────────────

// SentAudioCount returns the number of recorded SendAudio calls. Thread-safe.
func (s *Session) SentAudioCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SentAudio)
}

// SentFrames returns a copy of the recorded frames. Thread-safe.
func (s *Session) SentFrames() []audio.AudioFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.AudioFrame(nil), s.SentAudio...)
}

// Texts returns a copy of the recorded SendText arguments. Thread-safe.
func (s *Session) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.SentText...)
}

// Interrupts returns InterruptCallCount. Thread-safe.
func (s *Session) Interrupts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.InterruptCallCount
}

// Closes returns CloseCallCount. Thread-safe.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

var _ s2s.SessionHandle = (*Session)(nil)
