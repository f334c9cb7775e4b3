// Package s2s defines the Provider interface for speech-to-speech (S2S)
// backends: remote conversational-audio services that take raw microphone PCM
// and answer with synthesised PCM over one long-lived duplex session.
//
// The central abstraction is [SessionHandle]. Outbound, it accepts PCM frames
// tagged with their format. Inbound, it emits an ordered stream of [Event]
// values of a small fixed set of kinds: audio chunks, turn boundaries,
// interruptions and a terminal link error. Callers never see transcripts or
// other semantic content through this interface.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/livevoice/pkg/audio"
)

// ErrSessionClosed is returned by send methods after Close.
var ErrSessionClosed = errors.New("s2s: session closed")

// LinkError reports a failure of the remote session: a rejected send, a
// broken transport or a server-side error. It is fatal for the session.
type LinkError struct {
	// Provider is the provider name, e.g. "gemini-live".
	Provider string

	// Op is the operation that failed: "connect", "send", "receive" or
	// "server".
	Op string

	// Err is the underlying error.
	Err error
}

// Error implements error.
func (e *LinkError) Error() string {
	return fmt.Sprintf("s2s: %s: %s: %v", e.Provider, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *LinkError) Unwrap() error { return e.Err }

// EventKind classifies inbound session events.
type EventKind int

const (
	// EventAudio carries one chunk of synthesised PCM.
	EventAudio EventKind = iota + 1

	// EventTurnStarted marks the first content of a new reply turn.
	// Providers that cannot detect turn starts never emit it.
	EventTurnStarted

	// EventTurnComplete marks the end of a reply turn.
	EventTurnComplete

	// EventInterrupted reports that the service detected user speech and
	// abandoned the reply in progress.
	EventInterrupted

	// EventLinkError is the last event of a failed session. Err is set.
	EventLinkError
)

// String returns the human-readable name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventAudio:
		return "AUDIO"
	case EventTurnStarted:
		return "TURN_STARTED"
	case EventTurnComplete:
		return "TURN_COMPLETE"
	case EventInterrupted:
		return "INTERRUPTED"
	case EventLinkError:
		return "LINK_ERROR"
	default:
		return "UNKNOWN"
	}
}

// Event is one inbound session event.
type Event struct {
	Kind EventKind

	// Audio is the PCM payload of an EventAudio event: 16-bit signed
	// little-endian mono at SampleRate.
	Audio      []byte
	SampleRate int

	// Err is set on EventLinkError.
	Err error
}

// ToolCallHandler is a callback invoked by the session whenever the model
// requests a tool call. The handler receives the tool name and a JSON-encoded
// arguments string and returns a result string to send back to the model, or
// an error which is reported to the model as a failed call.
//
// The handler is called from the session's receive goroutine and must not call
// blocking session methods.
type ToolCallHandler func(name string, args string) (string, error)

// ToolDefinition declares a function the model may call.
type ToolDefinition struct {
	Name        string
	Description string

	// Parameters is a JSON Schema object describing the arguments. Nil means
	// the function takes no arguments.
	Parameters map[string]any
}

// SessionConfig is the initial configuration for a new session.
type SessionConfig struct {
	// Voice is a provider-specific voice name. Empty selects the provider
	// default.
	Voice string

	// Instructions is the system prompt.
	Instructions string

	// Tools are offered to the model for the whole session.
	Tools []ToolDefinition

	// InputFormat is the format of outbound audio. Providers reject formats
	// they cannot accept.
	InputFormat audio.Format
}

// Capabilities describes static properties of a provider.
type Capabilities struct {
	// InputSampleRate is the rate the service expects for outbound PCM.
	InputSampleRate int

	// OutputSampleRate is the rate of inbound PCM.
	OutputSampleRate int

	// SupportsToolCalls reports whether Tools and OnToolCall have any effect.
	SupportsToolCalls bool

	// SupportsTurnStart reports whether the provider emits EventTurnStarted.
	SupportsTurnStart bool

	// Voices lists known voice names. It may be empty.
	Voices []string
}

// SessionHandle represents an open duplex session.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio submits one PCM frame as realtime input. The frame must be
	// 16-bit mono at the session's input rate. It blocks only for transport
	// backpressure and returns ctx.Err() if ctx ends first. Send failures are
	// reported as [*LinkError].
	SendAudio(ctx context.Context, frame audio.AudioFrame) error

	// SendText submits a complete user text turn, prompting the model to
	// reply.
	SendText(ctx context.Context, text string) error

	// Events returns the inbound event stream. The channel is closed when the
	// session ends; a session that failed sends an EventLinkError first.
	Events() <-chan Event

	// Err returns the error that ended the session, or nil while it is healthy
	// or after a clean Close.
	Err() error

	// OnToolCall registers the tool-call handler, replacing any previous one.
	// Passing nil clears it.
	OnToolCall(handler ToolCallHandler)

	// Interrupt asks the service to abandon the reply in progress. Providers
	// that cannot do this return nil and rely on server-side detection.
	Interrupt(ctx context.Context) error

	// Close terminates the session and closes the Events channel. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Provider connects to a remote conversational-audio service.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Connect establishes a new session. The ctx governs the connection attempt
	// only. Failures are reported as [*LinkError].
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about the provider.
	Capabilities() Capabilities
}

// CheckInputFormat verifies that f is mono PCM at the provider's input rate.
func CheckInputFormat(provider string, caps Capabilities, f audio.Format) error {
	if f.SampleRate == 0 && f.Channels == 0 {
		return nil
	}
	if f.Channels != 1 {
		return &LinkError{Provider: provider, Op: "connect", Err: fmt.Errorf("only mono input is supported, got %d channels", f.Channels)}
	}
	if caps.InputSampleRate != 0 && f.SampleRate != caps.InputSampleRate {
		return &LinkError{Provider: provider, Op: "connect", Err: fmt.Errorf("input must be %d Hz, got %d Hz", caps.InputSampleRate, f.SampleRate)}
	}
	return nil
}
