// Package session implements the streaming session: the duplex pipeline
// that carries microphone audio to a remote conversational-audio service and
// plays the service's spoken replies, tolerating barge-in.
//
// A [Session] owns one [audio.Source], one [audio.Sink] and, while running,
// one [s2s.SessionHandle]. [Session.Run] drives it through
// Idle → Connecting → Active → ShuttingDown → Terminated. While Active three
// loops share one cancellation context:
//
//   - the send loop forwards captured frames to the link unchanged and runs
//     the optional local barge-in detector;
//   - the receive loop consumes link events, converts reply audio to the
//     playback format and handles interruptions as soon as they arrive;
//   - the playback loop writes queued reply audio to the sink.
//
// Reply audio is tagged with an interruption generation. An interruption
// bumps the generation, clears the queue and preempts the sink, so stale
// audio is never played.
//
// The first fatal error of any loop ends the session and is the only error
// [Session.Run] returns. Reconnecting after a link failure is left to the
// caller; see [Reconnector].
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livevoice/internal/observe"
	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/provider/s2s"
)

var (
	// ErrTerminated is returned by Run on a session that has already
	// terminated, including one shut down before it was run.
	ErrTerminated = errors.New("session: terminated")

	// ErrAlreadyRunning is returned by a second concurrent Run call.
	ErrAlreadyRunning = errors.New("session: already running")

	errCaptureEnded = errors.New("capture stream ended")
	errLinkClosed   = errors.New("remote closed the session")
)

const (
	// DefaultDrainTimeout bounds how long teardown waits for the loops.
	DefaultDrainTimeout = 2 * time.Second

	// EndSessionTool is the function name the model calls to end the
	// conversation when [Config.EndSessionTool] is set.
	EndSessionTool = "end_session"

	// activityRMS is the level above which a captured frame counts as user
	// activity when no detector is configured.
	activityRMS = 0.02

	sourceLink  = "link"
	sourceLocal = "local"
)

var endSessionDefinition = s2s.ToolDefinition{
	Name:        EndSessionTool,
	Description: "End the conversation. Call this when the user says goodbye or asks you to stop listening.",
	Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
}

// Config configures a [Session].
type Config struct {
	// Provider names the link provider in logs, metrics and errors.
	Provider string

	// Audio is validated by Run before connecting.
	Audio audio.Config

	// Link is passed to [s2s.Provider.Connect]. InputFormat is filled in from
	// Audio.
	Link s2s.SessionConfig

	// DrainTimeout bounds the wait for the loops during teardown. Zero means
	// [DefaultDrainTimeout].
	DrainTimeout time.Duration

	// InactivityTimeout ends the session after this long without user speech
	// or reply audio. Zero disables it.
	InactivityTimeout time.Duration

	// BargeIn selects the interruption source. Local modes need a detector
	// (see [WithBargeInDetector]).
	BargeIn BargeInMode

	// MuteWhilePlaying drops captured frames while a reply is playing.
	MuteWhilePlaying bool

	// ActivationPrompt, when set, is sent as a text turn right after
	// connecting so that the model speaks first.
	ActivationPrompt string

	// EndSessionTool declares the end_session function to the model. When it
	// is called the session ends after the current reply turn.
	EndSessionTool bool
}

// Option configures optional Session dependencies.
type Option func(*Session)

// WithLogger sets the session logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithMetrics sets the metric instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithBargeInDetector installs the local speech detector. It is closed with
// the session.
func WithBargeInDetector(d BargeInDetector) Option {
	return func(s *Session) { s.detector = d }
}

// WithToolHandler handles tool calls other than end_session.
func WithToolHandler(h s2s.ToolCallHandler) Option {
	return func(s *Session) { s.toolHandler = h }
}

// ReplyEffects transforms reply audio after it has been converted to the
// playback format. Both methods are called from the receive loop only.
type ReplyEffects interface {
	// Process returns the transformed chunk.
	Process(pcm []byte) []byte

	// Reset drops state carried over from earlier chunks. The session calls
	// it before the first chunk after an interruption.
	Reset()
}

// WithReplyEffects applies e to every reply chunk before it is queued.
func WithReplyEffects(e ReplyEffects) Option {
	return func(s *Session) { s.effects = e }
}

// Session is one streaming conversation. Create it with [New]; a Session is
// run at most once.
//
// All exported methods are safe for concurrent use.
type Session struct {
	cfg         Config
	source      audio.Source
	sink        audio.Sink
	provider    s2s.Provider
	log         *slog.Logger
	metrics     *observe.Metrics
	detector    BargeInDetector
	toolHandler s2s.ToolCallHandler
	effects     ReplyEffects

	queue        *playQueue
	conv         *audio.FormatConverter
	effectsGen   uint64 // receive loop only
	lastActivity atomic.Int64
	done         chan struct{}
	doneOnce     sync.Once

	mu           sync.Mutex
	state        State
	playback     PlaybackState
	gen          uint64
	discarding   bool
	inTurn       bool
	endAfterTurn bool
	playCancel   context.CancelFunc
	stop         context.CancelFunc
	firstErr     error
	activated    bool
}

// New creates an idle Session. It takes ownership of source and sink.
func New(cfg Config, source audio.Source, sink audio.Sink, provider s2s.Provider, opts ...Option) *Session {
	s := &Session{
		cfg:      cfg,
		source:   source,
		sink:     sink,
		provider: provider,
		log:      slog.Default(),
		queue:    newPlayQueue(),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.log = s.log.With("provider", cfg.Provider)
	s.conv = &audio.FormatConverter{Target: cfg.Audio.PlaybackFormat(), Logger: s.log}
	return s
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PlaybackState returns the playback state.
func (s *Session) PlaybackState() PlaybackState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playback
}

// reachedActive reports whether the session ever became Active.
func (s *Session) reachedActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activated
}

// Done is closed once the session has terminated.
func (s *Session) Done() <-chan struct{} { return s.done }

// Run validates the configuration, starts the devices, connects the link and
// streams until ctx is cancelled, [Session.Shutdown] or [Session.RequestEnd]
// ends the session, or a loop fails. It returns nil for every clean end and
// otherwise the first fatal error: a [*audio.ConfigError] (before
// connecting), a [*audio.DeviceError] or a [*s2s.LinkError].
func (s *Session) Run(ctx context.Context) error {
	ctx, span := observe.StartSpan(ctx, "session",
		trace.WithAttributes(observe.Attr("provider", s.cfg.Provider)))
	err := s.run(ctx)
	observe.EndSpan(span, err)
	return err
}

func (s *Session) run(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateIdle:
	case StateTerminated:
		s.mu.Unlock()
		return ErrTerminated
	default:
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.mu.Unlock()

	if err := s.validate(); err != nil {
		s.terminate()
		s.metrics.RecordSessionError(ctx, s.cfg.Provider, "config")
		s.log.Error("session: invalid configuration", "err", err)
		return err
	}
	if err := s.resolveDevices(); err != nil {
		s.terminate()
		return s.surface(ctx, err)
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	if !s.transition(StateIdle, StateConnecting, stop) {
		return ErrTerminated
	}

	link, err := s.connect(runCtx)
	if err != nil {
		s.teardown(runCtx, link)
		if runCtx.Err() != nil {
			return nil
		}
		return s.surface(ctx, err)
	}
	if !s.transition(StateConnecting, StateActive, nil) {
		s.teardown(runCtx, link)
		return nil
	}
	s.metrics.ActiveSessions.Add(ctx, 1)
	defer s.metrics.ActiveSessions.Add(ctx, -1)
	s.touch()
	observe.WithTrace(runCtx, s.log).Info("session: active",
		"send_rate", s.cfg.Audio.SendSampleRate,
		"receive_rate", s.cfg.Audio.ReceiveSampleRate,
		"barge_in", s.cfg.BargeIn.String(),
	)

	if s.cfg.ActivationPrompt != "" {
		if err := link.SendText(runCtx, s.cfg.ActivationPrompt); err != nil {
			s.teardown(runCtx, link)
			if runCtx.Err() != nil {
				return nil
			}
			return s.surface(ctx, s.linkErr("send", err))
		}
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return s.record(s.sendLoop(gctx, link)) })
	g.Go(func() error { return s.record(s.receiveLoop(gctx, link)) })
	g.Go(func() error { return s.record(s.playbackLoop(gctx)) })
	if s.cfg.InactivityTimeout > 0 {
		g.Go(func() error { return s.watchInactivity(gctx) })
	}

	waited := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-gctx.Done():
		s.sink.Interrupt()
		select {
		case <-waited:
		case <-time.After(s.drainTimeout()):
			s.log.Warn("session: loops did not stop within drain timeout", "timeout", s.drainTimeout())
		}
	}

	s.teardown(runCtx, link)

	s.mu.Lock()
	err = s.firstErr
	s.mu.Unlock()
	if err != nil {
		return s.surface(ctx, err)
	}
	return nil
}

// Shutdown ends the session and waits for it to terminate, or for ctx.
// Calling it on an idle session terminates it without running; calling it
// again, or after termination, is a no-op.
func (s *Session) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateIdle:
		s.mu.Unlock()
		s.terminate()
		return nil
	case StateTerminated:
		s.mu.Unlock()
		return nil
	case StateConnecting, StateActive:
		s.setStateLocked(StateShuttingDown)
	}
	stop := s.stop
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestEnd ends the session cleanly once the reply in progress has been
// played. With no reply in progress the session ends immediately. It does
// not wait.
func (s *Session) RequestEnd() {
	s.mu.Lock()
	if s.state == StateActive && (s.inTurn || s.playback == PlaybackPlaying || s.queue.len() > 0) {
		s.endAfterTurn = true
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.end("end requested")
}

// ── Lifecycle ─────────────────────────────────────────────────────────────────

func (s *Session) validate() error {
	var errs []error
	if err := s.cfg.Audio.Validate(); err != nil {
		errs = append(errs, err)
	}
	caps := s.provider.Capabilities()
	if caps.InputSampleRate > 0 && s.cfg.Audio.SendSampleRate > 0 && caps.InputSampleRate != s.cfg.Audio.SendSampleRate {
		errs = append(errs, &audio.ConfigError{
			Field:  "send_sample_rate",
			Reason: fmt.Sprintf("%s expects %d Hz input, got %d", s.cfg.Provider, caps.InputSampleRate, s.cfg.Audio.SendSampleRate),
		})
	}
	if caps.OutputSampleRate > 0 && s.cfg.Audio.ReceiveSampleRate > 0 && caps.OutputSampleRate != s.cfg.Audio.ReceiveSampleRate {
		errs = append(errs, &audio.ConfigError{
			Field:  "receive_sample_rate",
			Reason: fmt.Sprintf("%s produces %d Hz output, got %d", s.cfg.Provider, caps.OutputSampleRate, s.cfg.Audio.ReceiveSampleRate),
		})
	}
	if s.cfg.BargeIn.local() && s.detector == nil {
		errs = append(errs, &audio.ConfigError{Field: "barge_in", Reason: fmt.Sprintf("mode %q needs a speech detector", s.cfg.BargeIn)})
	}
	if s.cfg.DrainTimeout < 0 {
		errs = append(errs, &audio.ConfigError{Field: "drain_timeout", Reason: "must not be negative"})
	}
	if s.cfg.InactivityTimeout < 0 {
		errs = append(errs, &audio.ConfigError{Field: "inactivity_timeout", Reason: "must not be negative"})
	}
	return errors.Join(errs...)
}

// resolveDevices checks the device selection of every device that supports
// it, so that a missing device is reported before Connecting.
func (s *Session) resolveDevices() error {
	var errs []error
	for _, d := range []struct {
		name string
		dev  any
	}{{"source", s.source}, {"sink", s.sink}} {
		r, ok := d.dev.(audio.Resolver)
		if !ok {
			continue
		}
		if err := r.Resolve(); err != nil {
			errs = append(errs, deviceErr(d.name, audio.OpOpen, err))
		}
	}
	return errors.Join(errs...)
}

// connect starts both devices and opens the link. On failure the returned
// handle is nil and the caller tears down whatever was started.
func (s *Session) connect(ctx context.Context) (s2s.SessionHandle, error) {
	if err := s.sink.Start(ctx); err != nil {
		return nil, deviceErr("sink", audio.OpOpen, err)
	}
	if err := s.source.Start(ctx); err != nil {
		return nil, deviceErr("source", audio.OpOpen, err)
	}

	ctx, span := observe.StartSpan(ctx, "session.connect")
	start := time.Now()
	link, err := s.provider.Connect(ctx, s.linkConfig())
	s.metrics.ConnectDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("provider", s.cfg.Provider)))
	observe.EndSpan(span, err)
	if err != nil {
		return nil, s.linkErr("connect", err)
	}
	link.OnToolCall(s.handleToolCall)
	return link, nil
}

func (s *Session) linkConfig() s2s.SessionConfig {
	lc := s.cfg.Link
	lc.InputFormat = s.cfg.Audio.SendFormat()
	lc.Tools = append([]s2s.ToolDefinition(nil), lc.Tools...)
	if s.cfg.EndSessionTool {
		lc.Tools = append(lc.Tools, endSessionDefinition)
	}
	return lc
}

// teardown releases every resource and moves to Terminated. Failures are
// logged; they never replace the session's surfaced error.
func (s *Session) teardown(ctx context.Context, link s2s.SessionHandle) {
	s.mu.Lock()
	if s.state != StateTerminated {
		s.setStateLocked(StateShuttingDown)
	}
	s.mu.Unlock()

	s.sink.Interrupt()
	var errs []error
	if err := s.source.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop source: %w", err))
	}
	if err := s.sink.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop sink: %w", err))
	}
	if link != nil {
		if err := link.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close link: %w", err))
		}
	}
	if s.detector != nil {
		if err := s.detector.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close detector: %w", err))
		}
	}
	if d, ok := s.source.(interface{ Dropped() uint64 }); ok {
		s.metrics.RecordFramesDropped(context.WithoutCancel(ctx), "overflow", int64(d.Dropped()))
	}
	if err := errors.Join(errs...); err != nil {
		s.log.Warn("session: teardown", "err", err)
	}
	s.terminate()
	s.log.Info("session: terminated")
}

func (s *Session) terminate() {
	s.mu.Lock()
	s.setStateLocked(StateTerminated)
	s.playback = PlaybackIdle
	s.mu.Unlock()
	s.doneOnce.Do(func() { close(s.done) })
}

// transition moves from → to. stop, when non-nil, is stored as the run
// cancel function under the same lock.
func (s *Session) transition(from, to State, stop context.CancelFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return false
	}
	if stop != nil {
		s.stop = stop
	}
	s.setStateLocked(to)
	return true
}

func (s *Session) setStateLocked(st State) {
	if s.state == st {
		return
	}
	s.log.Debug("session: state", "from", s.state.String(), "to", st.String())
	s.state = st
	if st == StateActive {
		s.activated = true
	}
	s.metrics.RecordTransition(context.Background(), st.String())
}

// end cancels the run context without recording an error.
func (s *Session) end(reason string) {
	s.mu.Lock()
	stop := s.stop
	s.mu.Unlock()
	if stop != nil {
		s.log.Info("session: ending", "reason", reason)
		stop()
	}
}

// record keeps the first loop error.
func (s *Session) record(err error) error {
	if err == nil {
		return nil
	}
	s.mu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.mu.Unlock()
	return err
}

// surface logs and counts the error Run is about to return.
func (s *Session) surface(ctx context.Context, err error) error {
	kind := "other"
	var (
		ce *audio.ConfigError
		de *audio.DeviceError
		le *s2s.LinkError
	)
	switch {
	case errors.As(err, &ce):
		kind = "config"
	case errors.As(err, &de):
		kind = "device"
	case errors.As(err, &le):
		kind = "link"
	}
	s.metrics.RecordSessionError(context.WithoutCancel(ctx), s.cfg.Provider, kind)
	s.log.Error("session: failed", "kind", kind, "err", err)
	return err
}

func (s *Session) drainTimeout() time.Duration {
	if s.cfg.DrainTimeout > 0 {
		return s.cfg.DrainTimeout
	}
	return DefaultDrainTimeout
}

func (s *Session) linkErr(op string, err error) error {
	var le *s2s.LinkError
	if errors.As(err, &le) {
		return err
	}
	return &s2s.LinkError{Provider: s.cfg.Provider, Op: op, Err: err}
}

func deviceErr(device string, op audio.DeviceOp, err error) error {
	var (
		ce *audio.ConfigError
		de *audio.DeviceError
	)
	if errors.As(err, &ce) || errors.As(err, &de) {
		return err
	}
	return &audio.DeviceError{Device: device, Op: op, Err: err}
}

func (s *Session) touch() { s.lastActivity.Store(time.Now().UnixNano()) }

// ── Send ──────────────────────────────────────────────────────────────────────

func (s *Session) sendLoop(ctx context.Context, link s2s.SessionHandle) error {
	frames := s.source.Stream(ctx)
	defer func() { go audio.Drain(frames) }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-frames:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				if err := s.source.Err(); err != nil {
					return deviceErr("source", audio.OpRead, err)
				}
				return &audio.DeviceError{Device: "source", Op: audio.OpRead, Err: errCaptureEnded}
			}
			if err := s.sendFrame(ctx, link, frame); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

func (s *Session) sendFrame(ctx context.Context, link s2s.SessionHandle, frame audio.AudioFrame) error {
	if frame.SampleRate == 0 {
		frame.SampleRate = s.cfg.Audio.SendSampleRate
	}
	if frame.Channels == 0 {
		frame.Channels = s.cfg.Audio.Channels
	}

	if s.speech(frame) {
		s.touch()
		if s.cfg.BargeIn.local() {
			s.localBargeIn(ctx, link)
		}
	}

	if s.cfg.MuteWhilePlaying && s.PlaybackState() == PlaybackPlaying {
		s.metrics.RecordFramesDropped(ctx, "muted", 1)
		return nil
	}
	if err := link.SendAudio(ctx, frame); err != nil {
		return s.linkErr("send", err)
	}
	s.metrics.FramesSent.Add(ctx, 1)
	return nil
}

// speech reports whether frame carries user speech, using the detector when
// one is installed and a level threshold otherwise.
func (s *Session) speech(frame audio.AudioFrame) bool {
	if s.detector == nil {
		return audio.RMS(frame.Data) >= activityRMS
	}
	speech, err := s.detector.Detect(frame)
	if err != nil {
		s.log.Debug("session: detector", "err", err)
		return false
	}
	return speech
}

func (s *Session) localBargeIn(ctx context.Context, link s2s.SessionHandle) {
	if !s.interrupt(ctx, sourceLocal) {
		return
	}
	s.detector.Reset()
	if s.cfg.BargeIn == BargeInBoth {
		if err := link.Interrupt(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("session: link interrupt failed", "err", err)
		}
	}
}

// interrupt cuts the reply that is playing. Local interruptions only apply
// while playing; link interruptions always apply. It reports whether the
// interruption took effect.
func (s *Session) interrupt(ctx context.Context, source string) bool {
	s.mu.Lock()
	if source == sourceLocal && s.playback != PlaybackPlaying {
		s.mu.Unlock()
		return false
	}
	s.gen++
	s.discarding = true
	if s.playback == PlaybackPlaying {
		s.playback = PlaybackInterrupted
	}
	// Preempt under the lock so that a chunk of the next turn cannot start
	// before the sink has been interrupted.
	if s.playCancel != nil {
		s.playCancel()
		s.playCancel = nil
	}
	s.sink.Interrupt()
	dropped := s.queue.clear()
	s.mu.Unlock()

	s.metrics.RecordInterruption(ctx, source)
	if dropped > 0 {
		s.metrics.ChunksDiscarded.Add(ctx, int64(dropped))
	}
	s.log.Debug("session: interrupted", "source", source, "dropped_chunks", dropped)
	return true
}

// ── Receive ───────────────────────────────────────────────────────────────────

func (s *Session) receiveLoop(ctx context.Context, link s2s.SessionHandle) error {
	events := link.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				if err := link.Err(); err != nil {
					return s.linkErr("receive", err)
				}
				return s.linkErr("receive", errLinkClosed)
			}
			if err := s.handleEvent(ctx, ev); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

func (s *Session) handleEvent(ctx context.Context, ev s2s.Event) error {
	switch ev.Kind {
	case s2s.EventTurnStarted:
		s.mu.Lock()
		s.inTurn = true
		s.stopDiscardingLocked()
		s.mu.Unlock()

	case s2s.EventAudio:
		s.touch()
		rate := ev.SampleRate
		if rate <= 0 {
			rate = s.cfg.Audio.ReceiveSampleRate
		}
		out := s.conv.Convert(audio.AudioFrame{Data: ev.Audio, SampleRate: rate, Channels: 1})

		s.mu.Lock()
		if s.discarding || len(out.Data) == 0 {
			s.mu.Unlock()
			s.metrics.ChunksDiscarded.Add(ctx, 1)
			return nil
		}
		s.inTurn = true
		s.playback = PlaybackPlaying
		gen := s.gen
		s.mu.Unlock()

		pcm := out.Data
		if s.effects != nil {
			if gen != s.effectsGen {
				s.effects.Reset()
				s.effectsGen = gen
			}
			pcm = s.effects.Process(pcm)
		}
		s.queue.push(playItem{gen: gen, pcm: pcm})

	case s2s.EventTurnComplete:
		s.touch()
		s.mu.Lock()
		s.inTurn = false
		if s.discarding {
			s.stopDiscardingLocked()
			end := s.endAfterTurn
			s.mu.Unlock()
			if end {
				s.end("end_session after interrupted turn")
			}
			return nil
		}
		gen := s.gen
		s.mu.Unlock()
		s.metrics.TurnsCompleted.Add(ctx, 1)
		s.queue.push(playItem{gen: gen, turnEnd: true})

	case s2s.EventInterrupted:
		s.mu.Lock()
		s.inTurn = false
		s.mu.Unlock()
		s.interrupt(ctx, sourceLink)

	case s2s.EventLinkError:
		return s.linkErr("receive", ev.Err)
	}
	return nil
}

func (s *Session) stopDiscardingLocked() {
	if !s.discarding {
		return
	}
	s.discarding = false
	if s.playback == PlaybackInterrupted {
		s.playback = PlaybackIdle
	}
}

// ── Playback ──────────────────────────────────────────────────────────────────

func (s *Session) playbackLoop(ctx context.Context) error {
	for {
		it, err := s.queue.pop(ctx)
		if err != nil {
			return nil
		}

		s.mu.Lock()
		if it.gen != s.gen {
			s.mu.Unlock()
			if !it.turnEnd {
				s.metrics.ChunksDiscarded.Add(ctx, 1)
			}
			continue
		}
		if it.turnEnd {
			// A later turn may already be queued behind this marker.
			if s.playback == PlaybackPlaying && !s.queue.hasAudio() {
				s.playback = PlaybackIdle
			}
			end := s.endAfterTurn
			s.mu.Unlock()
			if end {
				s.end("end_session")
			}
			continue
		}
		s.playback = PlaybackPlaying
		playCtx, cancel := context.WithCancel(ctx)
		s.playCancel = cancel
		s.mu.Unlock()

		start := time.Now()
		err = s.sink.PlaySynchronous(playCtx, it.pcm)
		cancel()
		s.mu.Lock()
		s.playCancel = nil
		s.mu.Unlock()

		switch {
		case err == nil:
			s.metrics.ChunksPlayed.Add(ctx, 1)
			s.metrics.PlayDuration.Record(ctx, time.Since(start).Seconds())
			s.touch()
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, audio.ErrInterrupted), errors.Is(err, context.Canceled):
		default:
			return deviceErr("sink", audio.OpWrite, err)
		}
	}
}

// ── Tools and inactivity ──────────────────────────────────────────────────────

func (s *Session) handleToolCall(name, args string) (string, error) {
	ctx := context.Background()
	start := time.Now()
	status := "ok"
	defer func() {
		s.metrics.RecordToolCall(ctx, name, status)
		s.metrics.ToolExecutionDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(observe.Attr("tool", name)))
	}()

	if s.cfg.EndSessionTool && name == EndSessionTool {
		s.mu.Lock()
		s.endAfterTurn = true
		s.mu.Unlock()
		s.log.Info("session: model requested end of session")
		return `{"status":"session_ended"}`, nil
	}
	if s.toolHandler == nil {
		status = "error"
		return "", fmt.Errorf("session: unknown tool %q", name)
	}
	out, err := s.toolHandler(name, args)
	if err != nil {
		status = "error"
	}
	return out, err
}

// watchInactivity ends the session once neither side has been active for
// the configured timeout. A reply in progress counts as activity.
func (s *Session) watchInactivity(ctx context.Context) error {
	timeout := s.cfg.InactivityTimeout
	t := time.NewTimer(timeout)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}

		s.mu.Lock()
		busy := s.inTurn || s.playback == PlaybackPlaying
		s.mu.Unlock()
		if busy {
			s.touch()
		}
		idle := time.Since(time.Unix(0, s.lastActivity.Load()))
		if idle >= timeout {
			s.end("inactivity timeout")
			return nil
		}
		t.Reset(timeout - idle)
	}
}
