// Package genailive implements the s2s.Provider interface on top of the
// official Google Gen AI Go SDK (google.golang.org/genai) Live client.
//
// It speaks the same protocol as the gemini package but delegates framing,
// authentication and backend selection (Gemini API or Vertex AI) to the SDK.
// The SDK session is not safe for concurrent writes and its Receive does not
// take a context, so this adapter serialises writes and unblocks the receive
// goroutine by closing the SDK session.
package genailive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"google.golang.org/genai"

	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/provider/s2s"
)

var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

// Name is the provider name used in errors and configuration.
const Name = "genai"

const (
	defaultModel = "gemini-2.5-flash-native-audio-preview-12-2025"

	inputSampleRate  = 16000
	outputSampleRate = 24000
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the SDK base URL. A ws:// or wss:// scheme is used
// as is; anything else is dialled over wss.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithVertexAI selects the Vertex AI backend for the given project and
// location. Credentials come from the environment (ADC).
func WithVertexAI(project, location string) Option {
	return func(p *Provider) {
		p.backend = genai.BackendVertexAI
		p.project = project
		p.location = location
	}
}

// WithLogger sets the logger used for non-fatal protocol events.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// Provider implements s2s.Provider with the Gen AI SDK.
type Provider struct {
	apiKey   string
	model    string
	baseURL  string
	backend  genai.Backend
	project  string
	location string
	log      *slog.Logger
}

// New creates a Provider. apiKey is used with the Gemini API backend and
// ignored for Vertex AI.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		backend: genai.BackendGeminiAPI,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		InputSampleRate:   inputSampleRate,
		OutputSampleRate:  outputSampleRate,
		SupportsToolCalls: true,
		SupportsTurnStart: true,
		Voices:            []string{"Aoede", "Charon", "Fenrir", "Kore", "Leda", "Orus", "Puck", "Zephyr"},
	}
}

func (p *Provider) clientConfig() *genai.ClientConfig {
	cc := &genai.ClientConfig{
		Backend:     p.backend,
		HTTPOptions: genai.HTTPOptions{BaseURL: p.baseURL},
	}
	if p.backend == genai.BackendVertexAI {
		cc.Project = p.project
		cc.Location = p.location
	} else {
		cc.APIKey = p.apiKey
	}
	return cc
}

// Connect opens a Live session and waits for the setup acknowledgement.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	if err := s2s.CheckInputFormat(Name, p.Capabilities(), cfg.InputFormat); err != nil {
		return nil, err
	}
	linkErr := func(err error) error {
		return &s2s.LinkError{Provider: Name, Op: "connect", Err: err}
	}

	client, err := genai.NewClient(ctx, p.clientConfig())
	if err != nil {
		return nil, linkErr(fmt.Errorf("client: %w", err))
	}
	live, err := client.Live.Connect(ctx, p.model, buildConnectConfig(cfg))
	if err != nil {
		return nil, linkErr(err)
	}

	if err := awaitSetupComplete(ctx, live); err != nil {
		_ = live.Close()
		return nil, linkErr(err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		live:   live,
		events: s2s.NewEventStream(s2s.DefaultEventBuffer),
		log:    p.log.With("provider", Name),
		ctx:    sessCtx,
		cancel: sessCancel,
	}
	go sess.receiveLoop()
	return sess, nil
}

// buildConnectConfig maps the session configuration onto the SDK type.
func buildConnectConfig(cfg s2s.SessionConfig) *genai.LiveConnectConfig {
	lc := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
	}
	if cfg.Instructions != "" {
		lc.SystemInstruction = genai.NewContentFromText(cfg.Instructions, genai.RoleUser)
	}
	if cfg.Voice != "" {
		lc.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if len(cfg.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, len(cfg.Tools))
		for i, t := range cfg.Tools {
			decl := &genai.FunctionDeclaration{Name: t.Name, Description: t.Description}
			if t.Parameters != nil {
				decl.ParametersJsonSchema = t.Parameters
			}
			decls[i] = decl
		}
		lc.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return lc
}

type receiveResult struct {
	msg *genai.LiveServerMessage
	err error
}

// awaitSetupComplete reads until the server acknowledges setup. Receive
// cannot be cancelled, so ctx expiry closes the session to unblock it.
func awaitSetupComplete(ctx context.Context, live *genai.Session) error {
	done := make(chan receiveResult, 1)
	go func() {
		for {
			msg, err := live.Receive()
			if err != nil || msg.SetupComplete != nil {
				done <- receiveResult{msg: msg, err: err}
				return
			}
		}
	}()
	select {
	case r := <-done:
		if r.err != nil {
			return fmt.Errorf("await setupComplete: %w", r.err)
		}
		return nil
	case <-ctx.Done():
		_ = live.Close()
		<-done
		return ctx.Err()
	}
}

type session struct {
	live   *genai.Session
	events *s2s.EventStream
	log    *slog.Logger
	turns  s2s.TurnTracker

	writeMu sync.Mutex

	mu          sync.Mutex
	toolHandler s2s.ToolCallHandler
	closed      bool

	ctx    context.Context
	cancel context.CancelFunc
}

func (s *session) receiveLoop() {
	var loopErr error
	defer func() { s.events.Finish(loopErr) }()

	for {
		msg, err := s.live.Receive()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			loopErr = &s2s.LinkError{Provider: Name, Op: "receive", Err: err}
			return
		}
		if msg.GoAway != nil {
			s.log.Warn("genai: server is closing the session soon", "time_left", msg.GoAway.TimeLeft)
		}
		if msg.ServerContent != nil && !s.handleServerContent(msg.ServerContent) {
			return
		}
		if msg.ToolCall != nil {
			s.handleToolCall(msg.ToolCall)
		}
	}
}

func (s *session) handleServerContent(sc *genai.LiveServerContent) bool {
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p == nil || p.InlineData == nil || len(p.InlineData.Data) == 0 {
				continue
			}
			if s.turns.Content() && !s.events.Emit(s2s.Event{Kind: s2s.EventTurnStarted}) {
				return false
			}
			ev := s2s.Event{
				Kind:       s2s.EventAudio,
				Audio:      p.InlineData.Data,
				SampleRate: s2s.RateFromMIME(p.InlineData.MIMEType, outputSampleRate),
			}
			if !s.events.Emit(ev) {
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

func (s *session) handleToolCall(tc *genai.LiveServerToolCall) {
	s.mu.Lock()
	handler := s.toolHandler
	s.mu.Unlock()

	responses := make([]*genai.FunctionResponse, 0, len(tc.FunctionCalls))
	for _, fc := range tc.FunctionCalls {
		if fc == nil {
			continue
		}
		responses = append(responses, &genai.FunctionResponse{
			ID:       fc.ID,
			Name:     fc.Name,
			Response: s2s.InvokeTool(handler, fc.Name, fc.Args),
		})
	}
	if len(responses) == 0 {
		return
	}
	err := s.write(s.ctx, func() error {
		return s.live.SendToolResponse(genai.LiveToolResponseInput{FunctionResponses: responses})
	})
	if err != nil && s.ctx.Err() == nil {
		s.log.Warn("genai: tool response failed", "err", err)
	}
}

// write runs send under the write lock. The SDK has no per-write deadline, so
// ctx is only checked before the write starts.
func (s *session) write(ctx context.Context, send func() error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := send(); err != nil {
		if s.ctx.Err() != nil {
			return s2s.ErrSessionClosed
		}
		return &s2s.LinkError{Provider: Name, Op: "send", Err: err}
	}
	return nil
}

func (s *session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s2s.ErrSessionClosed
	}
	return nil
}

// SendAudio delivers one PCM frame as realtime input.
func (s *session) SendAudio(ctx context.Context, frame audio.AudioFrame) error {
	rate := frame.SampleRate
	if rate == 0 {
		rate = inputSampleRate
	}
	return s.write(ctx, func() error {
		return s.live.SendRealtimeInput(genai.LiveRealtimeInput{
			Audio: &genai.Blob{Data: frame.Data, MIMEType: audio.PCMMIMEType(rate)},
		})
	})
}

// SendText sends a complete user turn.
func (s *session) SendText(ctx context.Context, text string) error {
	complete := true
	return s.write(ctx, func() error {
		return s.live.SendClientContent(genai.LiveClientContentInput{
			Turns:        []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
			TurnComplete: &complete,
		})
	})
}

func (s *session) Events() <-chan s2s.Event { return s.events.Events() }

func (s *session) Err() error { return s.events.Err() }

func (s *session) OnToolCall(handler s2s.ToolCallHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolHandler = handler
}

// Interrupt is a no-op; the service detects barge-in from the audio itself.
func (s *session) Interrupt(context.Context) error { return nil }

// Close terminates the session. Idempotent.
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
	if err := s.live.Close(); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Debug("genai: close", "err", err)
	}
	return nil
}
