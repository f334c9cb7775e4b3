// Package openai implements the s2s.Provider interface for OpenAI's Realtime API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// Audio is transmitted as base64-encoded PCM16 at 24 kHz in both directions.
// Server-side voice activity detection drives turn taking: speech_started
// while a response is in flight is reported as an interruption.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/provider/s2s"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

// Name is the provider name used in errors and configuration.
const Name = "openai-realtime"

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	sampleRate = 24000
	readLimit  = 8 << 20
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithLogger sets the logger used for non-fatal server errors.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	log     *slog.Logger
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the OpenAI Realtime provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		InputSampleRate:   sampleRate,
		OutputSampleRate:  sampleRate,
		SupportsToolCalls: true,
		SupportsTurnStart: true,
		Voices:            []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"},
	}
}

// Connect establishes a new OpenAI Realtime session with the given configuration.
// The returned SessionHandle is ready to accept audio immediately after the
// session.update message is sent.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	if err := s2s.CheckInputFormat(Name, p.Capabilities(), cfg.InputFormat); err != nil {
		return nil, err
	}
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, p.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, &s2s.LinkError{Provider: Name, Op: "connect", Err: fmt.Errorf("dial: %w", err)}
	}
	conn.SetReadLimit(readLimit)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		events: s2s.NewEventStream(s2s.DefaultEventBuffer),
		log:    p.log.With("provider", Name),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := sess.writeJSON(ctx, buildSessionUpdate(cfg)); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, &s2s.LinkError{Provider: Name, Op: "connect", Err: fmt.Errorf("session update: %w", err)}
	}

	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities        []string       `json:"modalities"`
	Voice             string         `json:"voice,omitempty"`
	Instructions      string         `json:"instructions,omitempty"`
	Tools             []oaiTool      `json:"tools,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format"`
	OutputAudioFormat string         `json:"output_audio_format"`
	TurnDetection     *turnDetection `json:"turn_detection,omitempty"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type oaiTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
	CallID  string             `json:"call_id,omitempty"`
	Output  string             `json:"output,omitempty"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type typeOnlyMessage struct {
	Type string `json:"type"`
}

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta
	Delta string `json:"delta,omitempty"`

	// response.function_call_arguments.done
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

func buildSessionUpdate(cfg s2s.SessionConfig) sessionUpdateMessage {
	params := sessionParams{
		Modalities:        []string{"audio", "text"},
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection:     &turnDetection{Type: "server_vad"},
	}
	if len(cfg.Tools) > 0 {
		params.Tools = make([]oaiTool, len(cfg.Tools))
		for i, t := range cfg.Tools {
			params.Tools[i] = oaiTool{
				Type:        "function",
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			}
		}
	}
	return sessionUpdateMessage{Type: "session.update", Session: params}
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events *s2s.EventStream
	log    *slog.Logger
	turns  s2s.TurnTracker
	// cancelled drops audio deltas of a response the user talked over.
	// Receive goroutine only.
	cancelled bool

	writeMu sync.Mutex

	mu          sync.Mutex
	toolHandler s2s.ToolCallHandler
	closed      bool

	ctx    context.Context
	cancel context.CancelFunc
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	unlink := context.AfterFunc(s.ctx, stop)
	defer unlink()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and dispatches them. It owns
// the event stream and finishes it when it exits.
func (s *session) receiveLoop() {
	var loopErr error
	defer func() { s.events.Finish(loopErr) }()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			loopErr = &s2s.LinkError{Provider: Name, Op: "receive", Err: err}
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			s.log.Debug("openai: skipping malformed event", "err", err)
			continue
		}
		if !s.handleServerEvent(&evt) {
			return
		}
	}
}

// handleServerEvent maps one server event. It returns false once the event
// stream has been stopped.
func (s *session) handleServerEvent(evt *serverEvent) bool {
	switch evt.Type {
	case "response.created":
		s.cancelled = false
		if s.turns.Content() {
			return s.events.Emit(s2s.Event{Kind: s2s.EventTurnStarted})
		}

	case "response.audio.delta", "response.output_audio.delta":
		pcm, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(pcm) == 0 || s.cancelled {
			return true
		}
		if s.turns.Content() && !s.events.Emit(s2s.Event{Kind: s2s.EventTurnStarted}) {
			return false
		}
		return s.events.Emit(s2s.Event{Kind: s2s.EventAudio, Audio: pcm, SampleRate: sampleRate})

	case "input_audio_buffer.speech_started":
		// Reply audio may still be playing after response.done; every start
		// of user speech interrupts.
		if s.turns.InTurn() {
			s.turns.End()
			s.cancelled = true
		}
		return s.events.Emit(s2s.Event{Kind: s2s.EventInterrupted})

	case "response.done":
		s.turns.End()
		s.cancelled = false
		return s.events.Emit(s2s.Event{Kind: s2s.EventTurnComplete})

	case "response.function_call_arguments.done":
		s.handleFunctionCall(evt)

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		s.log.Warn("openai: server error event", "message", msg)
	}
	return true
}

func (s *session) handleFunctionCall(evt *serverEvent) {
	s.mu.Lock()
	handler := s.toolHandler
	s.mu.Unlock()

	result := `{"error": "no tool handler registered"}`
	if handler != nil {
		var callErr error
		result, callErr = handler(evt.Name, evt.Arguments)
		if callErr != nil {
			result = fmt.Sprintf(`{"error": %q}`, callErr.Error())
		}
	}

	// Return tool result and trigger the next model response.
	if err := s.writeJSON(s.ctx, createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:   "function_call_output",
			CallID: evt.CallID,
			Output: result,
		},
	}); err != nil {
		s.log.Warn("openai: tool output failed", "err", err)
		return
	}
	_ = s.writeJSON(s.ctx, typeOnlyMessage{Type: "response.create"})
}

func (s *session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s2s.ErrSessionClosed
	}
	return nil
}

func (s *session) sendErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if s.ctx.Err() != nil {
		return s2s.ErrSessionClosed
	}
	return &s2s.LinkError{Provider: Name, Op: "send", Err: err}
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendAudio appends one PCM16 frame to the input audio buffer.
func (s *session) SendAudio(ctx context.Context, frame audio.AudioFrame) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	msg := appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(frame.Data),
	}
	return s.sendErr(ctx, s.writeJSON(ctx, msg))
}

// SendText adds a user text message and asks for a response.
func (s *session) SendText(ctx context.Context, text string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	msg := createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:    "message",
			Role:    "user",
			Content: []conversationPart{{Type: "input_text", Text: text}},
		},
	}
	if err := s.writeJSON(ctx, msg); err != nil {
		return s.sendErr(ctx, err)
	}
	return s.sendErr(ctx, s.writeJSON(ctx, typeOnlyMessage{Type: "response.create"}))
}

// Events returns the inbound event stream.
func (s *session) Events() <-chan s2s.Event { return s.events.Events() }

// Err returns the error that ended the session.
func (s *session) Err() error { return s.events.Err() }

// OnToolCall registers a callback for tool invocations from the model.
func (s *session) OnToolCall(handler s2s.ToolCallHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolHandler = handler
}

// Interrupt sends a response.cancel event to stop the current model response.
func (s *session) Interrupt(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.sendErr(ctx, s.writeJSON(ctx, typeOnlyMessage{Type: "response.cancel"}))
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.events.Stop()
	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
