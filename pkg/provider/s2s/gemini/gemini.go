// Package gemini implements the s2s.Provider interface for Google's Gemini Live
// API over its raw WebSocket protocol.
//
// It dials the BidiGenerateContent endpoint, sends the setup message and waits
// for setupComplete before handing out the session. Audio is exchanged as
// base64-encoded PCM inside JSON messages; tool calls are answered through the
// registered ToolCallHandler.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/provider/s2s"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

// Name is the provider name used in errors and configuration.
const Name = "gemini-live"

const (
	defaultModel   = "gemini-2.5-flash-native-audio-preview-12-2025"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	inputSampleRate  = 16000
	outputSampleRate = 24000

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	// readLimit bounds a single server message; audio chunks are well below.
	readLimit = 8 << 20
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithLogger sets the logger used for non-fatal protocol events.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	log     *slog.Logger
}

// New creates a new Gemini Live Provider with the given API key and options.
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

// Capabilities returns static metadata about the Gemini Live provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		InputSampleRate:   inputSampleRate,
		OutputSampleRate:  outputSampleRate,
		SupportsToolCalls: true,
		SupportsTurnStart: true,
		Voices:            []string{"Aoede", "Charon", "Fenrir", "Kore", "Leda", "Orus", "Puck", "Zephyr"},
	}
}

// Connect dials Gemini Live, sends the setup message and waits for the
// server's setupComplete acknowledgement.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	if err := s2s.CheckInputFormat(Name, p.Capabilities(), cfg.InputFormat); err != nil {
		return nil, err
	}
	linkErr := func(err error) error {
		return &s2s.LinkError{Provider: Name, Op: "connect", Err: err}
	}

	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, p.apiKey,
	)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, linkErr(fmt.Errorf("dial: %w", err))
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

	fail := func(err error) (s2s.SessionHandle, error) {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, linkErr(err)
	}
	if err := sess.writeJSON(ctx, buildSetup(p.model, cfg)); err != nil {
		return fail(fmt.Errorf("setup: %w", err))
	}
	if err := sess.awaitSetupComplete(ctx); err != nil {
		return fail(err)
	}

	go sess.receiveLoop()
	go sess.keepaliveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model             string             `json:"model"`
	GenerationConfig  generationConfig   `json:"generationConfig"`
	SystemInstruction *systemInstruction `json:"systemInstruction,omitempty"`
	Tools             []geminiTool       `json:"tools,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string `json:"text,omitempty"`
	InlineData *blob  `json:"inlineData,omitempty"`
}

type blob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type geminiTool struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations,omitempty"`
}

type functionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	Audio *blob `json:"audio,omitempty"`
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []contentTurn `json:"turns"`
	TurnComplete bool          `json:"turnComplete"`
}

type contentTurn struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type toolResponseMessage struct {
	ToolResponse toolResponse `json:"toolResponse"`
}

type toolResponse struct {
	FunctionResponses []functionResponse `json:"functionResponses"`
}

type functionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	ToolCall      *toolCallMsg     `json:"toolCall,omitempty"`
	GoAway        *goAway          `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

func (e *geminiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server error %d", e.Code)
	}
	return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
}

type goAway struct {
	TimeLeft string `json:"timeLeft"`
}

type serverContent struct {
	ModelTurn          *modelTurn `json:"modelTurn,omitempty"`
	TurnComplete       bool       `json:"turnComplete,omitempty"`
	Interrupted        bool       `json:"interrupted,omitempty"`
	GenerationComplete bool       `json:"generationComplete,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type toolCallMsg struct {
	FunctionCalls []functionCall `json:"functionCalls"`
}

type functionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// buildSetup renders the BidiGenerateContent setup message for cfg.
func buildSetup(model string, cfg s2s.SessionConfig) setupMessage {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
			},
		},
	}
	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}
	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if len(cfg.Tools) > 0 {
		decls := make([]functionDeclaration, len(cfg.Tools))
		for i, t := range cfg.Tools {
			decls[i] = functionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			}
		}
		msg.Setup.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}
	return msg
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events *s2s.EventStream
	log    *slog.Logger
	turns  s2s.TurnTracker

	// writeMu serialises frames from the send loop, tool responses and text.
	writeMu sync.Mutex

	mu          sync.Mutex
	toolHandler s2s.ToolCallHandler
	closed      bool

	ctx    context.Context
	cancel context.CancelFunc
}

// writeJSON marshals v and writes it as a text WebSocket message. The write
// is bounded by both ctx and the session lifetime.
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

func (s *session) awaitSetupComplete(ctx context.Context) error {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("await setupComplete: %w", err)
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Error != nil {
			return msg.Error
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

// receiveLoop reads messages from the WebSocket and dispatches them. It owns
// the event stream and finishes it when it exits.
func (s *session) receiveLoop() {
	var loopErr error
	defer func() { s.events.Finish(loopErr) }()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			// If the session context was cancelled, exit cleanly.
			if s.ctx.Err() != nil {
				return
			}
			loopErr = &s2s.LinkError{Provider: Name, Op: "receive", Err: err}
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Debug("gemini: skipping malformed message", "err", err)
			continue
		}

		if msg.Error != nil {
			loopErr = &s2s.LinkError{Provider: Name, Op: "server", Err: msg.Error}
			return
		}
		if msg.GoAway != nil {
			s.log.Warn("gemini: server is closing the session soon", "time_left", msg.GoAway.TimeLeft)
		}
		if msg.ServerContent != nil && !s.handleServerContent(msg.ServerContent) {
			return
		}
		if msg.ToolCall != nil {
			s.handleToolCall(msg.ToolCall)
		}
	}
}

// handleServerContent emits events for sc. It returns false once the event
// stream has been stopped.
func (s *session) handleServerContent(sc *serverContent) bool {
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil {
				continue
			}
			pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
			if err != nil || len(pcm) == 0 {
				continue
			}
			if s.turns.Content() && !s.events.Emit(s2s.Event{Kind: s2s.EventTurnStarted}) {
				return false
			}
			if !s.events.Emit(s2s.Event{Kind: s2s.EventAudio, Audio: pcm, SampleRate: s2s.RateFromMIME(p.InlineData.MIMEType, outputSampleRate)}) {
				return false
			}
		}
	}
	if sc.Interrupted {
		s.turns.End()
		if !s.events.Emit(s2s.Event{Kind: s2s.EventInterrupted}) {
			return false
		}
	}
	if sc.TurnComplete {
		s.turns.End()
		if !s.events.Emit(s2s.Event{Kind: s2s.EventTurnComplete}) {
			return false
		}
	}
	return true
}

func (s *session) handleToolCall(tc *toolCallMsg) {
	s.mu.Lock()
	handler := s.toolHandler
	s.mu.Unlock()

	responses := make([]functionResponse, 0, len(tc.FunctionCalls))
	for _, fc := range tc.FunctionCalls {
		responses = append(responses, functionResponse{
			ID:       fc.ID,
			Name:     fc.Name,
			Response: s2s.InvokeTool(handler, fc.Name, fc.Args),
		})
	}
	if len(responses) == 0 {
		return
	}
	msg := toolResponseMessage{ToolResponse: toolResponse{FunctionResponses: responses}}
	if err := s.writeJSON(s.ctx, msg); err != nil && s.ctx.Err() == nil {
		s.log.Warn("gemini: tool response failed", "err", err)
	}
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			if err := s.conn.Ping(pingCtx); err != nil && s.ctx.Err() == nil {
				s.log.Debug("gemini: keepalive ping failed", "err", err)
			}
			cancel()
		}
	}
}

func (s *session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s2s.ErrSessionClosed
	}
	return nil
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendAudio delivers one PCM frame as realtime input.
func (s *session) SendAudio(ctx context.Context, frame audio.AudioFrame) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	rate := frame.SampleRate
	if rate == 0 {
		rate = inputSampleRate
	}
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			Audio: &blob{
				MIMEType: audio.PCMMIMEType(rate),
				Data:     base64.StdEncoding.EncodeToString(frame.Data),
			},
		},
	}
	return s.sendErr(ctx, s.writeJSON(ctx, msg))
}

// SendText sends a complete user turn.
func (s *session) SendText(ctx context.Context, text string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	msg := clientContentMessage{
		ClientContent: clientContent{
			Turns:        []contentTurn{{Role: "user", Parts: []part{{Text: text}}}},
			TurnComplete: true,
		},
	}
	return s.sendErr(ctx, s.writeJSON(ctx, msg))
}

// sendErr maps a write failure to a LinkError, leaving cancellation of the
// caller's ctx as a plain context error.
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

// Interrupt is a no-op: Gemini Live detects barge-in from the audio stream
// itself and reports it with an interrupted server message.
func (s *session) Interrupt(context.Context) error { return nil }

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
	s.cancel() // unblocks receiveLoop and keepaliveLoop
	err := s.conn.Close(websocket.StatusNormalClosure, "session closed")
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Debug("gemini: close", "err", err)
	}
	return nil
}
