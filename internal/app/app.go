// Package app wires the livevoice subsystems into a running assistant.
//
// The App struct owns the full lifecycle: New builds the subsystems from the
// configuration, Run streams sessions (reconnecting after link failures) and
// serves metrics and health checks, and Shutdown tears everything down.
//
// For testing, inject mock devices and detectors via functional options
// (WithDevices, WithDetectorEngine, ...). When an option is not provided, New
// uses PortAudio devices and the energy detector.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livevoice/internal/config"
	"github.com/MrWong99/livevoice/internal/health"
	"github.com/MrWong99/livevoice/internal/observe"
	"github.com/MrWong99/livevoice/internal/session"
	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/audio/effects"
	"github.com/MrWong99/livevoice/pkg/audio/portaudio"
	"github.com/MrWong99/livevoice/pkg/provider/s2s"
	"github.com/MrWong99/livevoice/pkg/provider/vad"
	"github.com/MrWong99/livevoice/pkg/provider/vad/energy"
)

// serverShutdownTimeout bounds the metrics server shutdown.
const serverShutdownTimeout = 5 * time.Second

// DeviceFactory opens a fresh microphone and speaker pair for one session.
type DeviceFactory func(cfg config.AudioConfig, log *slog.Logger) (audio.Source, audio.Sink, error)

// App owns all subsystem lifetimes.
type App struct {
	provider s2s.Provider
	devices  DeviceFactory
	detector vad.Engine
	metrics  *observe.Metrics
	log      *slog.Logger
	level    *slog.LevelVar
	tools    s2s.ToolCallHandler

	mu  sync.RWMutex
	cfg *config.Config

	reconnector *session.Reconnector
	server      *http.Server
	listener    net.Listener

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDevices replaces the PortAudio devices.
func WithDevices(f DeviceFactory) Option {
	return func(a *App) { a.devices = f }
}

// WithDetectorEngine replaces the energy detector used for local barge-in.
func WithDetectorEngine(e vad.Engine) Option {
	return func(a *App) { a.detector = e }
}

// WithMetrics replaces [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevelVar lets [App.ApplyConfig] change the log level at runtime.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithToolHandler handles tool calls other than end_session.
func WithToolHandler(h s2s.ToolCallHandler) Option {
	return func(a *App) { a.tools = h }
}

// New creates an App for cfg talking to provider.
//
// New checks that the provider accepts the configured audio rates, so a
// mismatch is reported before any device is opened.
func New(cfg *config.Config, provider s2s.Provider, opts ...Option) (*App, error) {
	if provider == nil {
		return nil, errors.New("app: no link provider")
	}
	a := &App{
		cfg:      cfg,
		provider: provider,
		devices:  portaudioDevices,
	}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.detector == nil {
		a.detector = energy.New()
	}

	if err := checkRates(cfg, provider.Capabilities()); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	rc := session.ReconnectorConfig{
		NewSession: a.newSession,
		MaxRetries: cfg.Session.Reconnect.MaxRetries,
		Backoff:    cfg.Session.Reconnect.Backoff,
		MaxBackoff: cfg.Session.Reconnect.MaxBackoff,
		OnReconnect: func(attempt int) {
			a.metrics.Reconnects.Add(context.Background(), 1)
			a.log.Info("reconnecting", "attempt", attempt, "provider", cfg.Provider.Name)
		},
		Logger: a.log,
	}
	if w := cfg.Session.Wake; w.Enabled {
		rc.Rearm = a.waitForSpeech
		rc.ArmFirst = w.OnStart
	}
	a.reconnector = session.NewReconnector(rc)

	if cfg.Server.MetricsAddr != "" {
		a.server = a.newServer()
	}
	return a, nil
}

// checkRates compares the audio section against the provider's fixed rates.
func checkRates(cfg *config.Config, caps s2s.Capabilities) error {
	var errs []error
	if caps.InputSampleRate > 0 && caps.InputSampleRate != cfg.Audio.SendSampleRate {
		errs = append(errs, &audio.ConfigError{
			Field:  "send_sample_rate",
			Reason: fmt.Sprintf("provider %s expects %d Hz, got %d", cfg.Provider.Name, caps.InputSampleRate, cfg.Audio.SendSampleRate),
		})
	}
	if caps.OutputSampleRate > 0 && caps.OutputSampleRate != cfg.Audio.ReceiveSampleRate {
		errs = append(errs, &audio.ConfigError{
			Field:  "receive_sample_rate",
			Reason: fmt.Sprintf("provider %s produces %d Hz, got %d", cfg.Provider.Name, caps.OutputSampleRate, cfg.Audio.ReceiveSampleRate),
		})
	}
	return errors.Join(errs...)
}

// Config returns the configuration new sessions are built from.
func (a *App) Config() *config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// ApplyConfig installs a reloaded configuration. The log level changes
// immediately; session and assistant settings apply to the next session.
// Sections that need a restart are logged and otherwise ignored.
func (a *App) ApplyConfig(old, cur *config.Config) {
	d := config.Diff(old, cur)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
	}
	if !d.SessionChanged {
		return
	}

	a.mu.Lock()
	next := *a.cfg
	next.Server.LogLevel = cur.Server.LogLevel
	next.Session.DrainTimeout = cur.Session.DrainTimeout
	next.Session.InactivityTimeout = cur.Session.InactivityTimeout
	next.Session.BargeIn = cur.Session.BargeIn
	next.Session.MuteWhilePlaying = cur.Session.MuteWhilePlaying
	next.Session.VAD = cur.Session.VAD
	next.Assistant = cur.Assistant
	next.Provider.Voice = cur.Provider.Voice
	next.CustomPersonalities = cur.CustomPersonalities
	next.Effects = cur.Effects
	a.cfg = &next
	a.mu.Unlock()
	a.log.Info("session settings updated; they apply from the next session")
}

// newSession builds one streaming session from the current configuration
// with freshly opened devices.
func (a *App) newSession() (*session.Session, error) {
	cfg := a.Config()

	mode, err := session.ParseBargeInMode(cfg.Session.BargeIn)
	if err != nil {
		return nil, err
	}
	persona, err := cfg.Persona()
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	src, sink, err := a.devices(cfg.Audio, a.log)
	if err != nil {
		return nil, fmt.Errorf("app: open devices: %w", err)
	}

	opts := []session.Option{
		session.WithLogger(a.log),
		session.WithMetrics(a.metrics),
	}
	if a.tools != nil {
		opts = append(opts, session.WithToolHandler(a.tools))
	}
	if persona.Effects {
		opts = append(opts, session.WithReplyEffects(effects.New(cfg.Effects, cfg.Audio.PlaybackSampleRate)))
	}
	if mode != session.BargeInLink {
		det, err := session.NewVADBargeIn(a.detector, vad.Config{
			SampleRate:       cfg.Audio.SendSampleRate,
			SpeechThreshold:  cfg.Session.VAD.SpeechThreshold,
			SilenceThreshold: cfg.Session.VAD.SilenceThreshold,
		})
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		opts = append(opts, session.WithBargeInDetector(det))
	}

	return session.New(session.Config{
		Provider: cfg.Provider.Name,
		Audio:    cfg.Audio.Audio(),
		Link: s2s.SessionConfig{
			Voice:        persona.Voice,
			Instructions: persona.Instructions,
		},
		DrainTimeout:      cfg.Session.DrainTimeout,
		InactivityTimeout: cfg.Session.InactivityTimeout,
		BargeIn:           mode,
		MuteWhilePlaying:  cfg.Session.MuteWhilePlaying,
		ActivationPrompt:  persona.ActivationPrompt,
		EndSessionTool:    cfg.Assistant.EndSessionTool,
	}, src, sink, a.provider, opts...), nil
}

// waitForSpeech blocks until the user speaks, listening on a fresh
// microphone with the barge-in detector's engine and thresholds.
func (a *App) waitForSpeech(ctx context.Context) error {
	cfg := a.Config()
	frame := time.Duration(cfg.Audio.ChunkSize) * time.Second / time.Duration(cfg.Audio.SendSampleRate)
	minFrames := 1
	if frame > 0 {
		minFrames = max(1, int((cfg.Session.Wake.MinSpeech+frame-1)/frame))
	}

	trig := &session.SpeechTrigger{
		Source: func() (audio.Source, error) {
			// The speaker is never started.
			src, _, err := a.devices(cfg.Audio, a.log)
			return src, err
		},
		Engine: a.detector,
		VAD: vad.Config{
			SampleRate:       cfg.Audio.SendSampleRate,
			SpeechThreshold:  cfg.Session.VAD.SpeechThreshold,
			SilenceThreshold: cfg.Session.VAD.SilenceThreshold,
		},
		MinFrames: minFrames,
		Logger:    a.log,
	}
	return trig.Wait(ctx)
}

// portaudioDevices opens the PortAudio microphone and speaker.
func portaudioDevices(cfg config.AudioConfig, log *slog.Logger) (audio.Source, audio.Sink, error) {
	ac := cfg.Audio()
	micOpts := []portaudio.Option{portaudio.WithDeviceName(cfg.InputDeviceName), portaudio.WithLogger(log)}
	if cfg.StallTimeout != nil {
		micOpts = append(micOpts, portaudio.WithStallTimeout(*cfg.StallTimeout))
	}
	mic := portaudio.NewMicrophone(ac, micOpts...)
	spk := portaudio.NewSpeaker(ac,
		portaudio.WithDeviceName(cfg.OutputDeviceName),
		portaudio.WithLogger(log),
		portaudio.WithChunkFrames(cfg.PlaybackChunk),
	)
	return mic, spk, nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run streams sessions until one ends cleanly, ctx is cancelled, Shutdown is
// called or a non-retryable error occurs. With session.wake enabled a clean
// end instead waits for speech and starts the next session. The metrics
// server, if configured, runs alongside and stops with it.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	runCtx, stopServer := context.WithCancel(gctx)

	if a.server != nil {
		ln, err := net.Listen("tcp", a.server.Addr)
		if err != nil {
			stopServer()
			return fmt.Errorf("app: listen %s: %w", a.server.Addr, err)
		}
		a.mu.Lock()
		a.listener = ln
		a.mu.Unlock()
		a.log.Info("metrics server listening", "addr", ln.Addr().String())

		g.Go(func() error {
			if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-runCtx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
			defer cancel()
			return a.server.Shutdown(sctx)
		})
	}

	g.Go(func() error {
		defer stopServer()
		return a.reconnector.Run(runCtx)
	})
	return g.Wait()
}

// Addr returns the metrics server's listen address once Run has bound it,
// or "" when there is none.
func (a *App) Addr() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Session returns the running session, or nil when none is running.
func (a *App) Session() *session.Session { return a.reconnector.Current() }

// state names the current session state for the health endpoints.
func (a *App) state() string {
	if s := a.Session(); s != nil {
		return s.State().String()
	}
	return session.StateIdle.String()
}

func (a *App) ready() bool {
	s := a.Session()
	return s != nil && s.State() == session.StateActive
}

func (a *App) newServer() *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(
		[]health.Checker{health.StateChecker("session", a.ready, a.state)},
		health.WithState(a.state),
	).Register(mux)

	return &http.Server{
		Addr:              a.cfg.Server.MetricsAddr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops reconnecting and shuts the current session down, waiting
// for it or for ctx. Run returns afterwards. Safe to call multiple times.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down")
		err = a.reconnector.Stop(ctx)
	})
	return err
}
