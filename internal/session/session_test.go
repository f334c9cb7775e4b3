package session_test

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/livevoice/internal/observe"
	"github.com/MrWong99/livevoice/internal/session"
	"github.com/MrWong99/livevoice/pkg/audio"
	audiomock "github.com/MrWong99/livevoice/pkg/audio/mock"
	"github.com/MrWong99/livevoice/pkg/provider/s2s"
	s2smock "github.com/MrWong99/livevoice/pkg/provider/s2s/mock"
	"github.com/MrWong99/livevoice/pkg/provider/vad"
	vadmock "github.com/MrWong99/livevoice/pkg/provider/vad/mock"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

type harness struct {
	src      *audiomock.Source
	sink     *audiomock.Sink
	link     *s2smock.Session
	provider *s2smock.Provider
	metrics  *observe.Metrics
	reader   *sdkmetric.ManualReader
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	link := s2smock.NewSession()
	return &harness{
		src:  &audiomock.Source{},
		sink: &audiomock.Sink{},
		link: link,
		provider: &s2smock.Provider{
			Session:              link,
			ProviderCapabilities: s2s.Capabilities{InputSampleRate: 16000, OutputSampleRate: 24000},
		},
		metrics: m,
		reader:  reader,
	}
}

func testConfig() session.Config {
	return session.Config{
		Provider:     "mock",
		Audio:        audio.DefaultConfig(),
		Link:         s2s.SessionConfig{Voice: "Puck"},
		DrainTimeout: time.Second,
	}
}

func (h *harness) newSession(cfg session.Config, opts ...session.Option) *session.Session {
	opts = append([]session.Option{
		session.WithMetrics(h.metrics),
		session.WithLogger(slog.New(slog.DiscardHandler)),
	}, opts...)
	return session.New(cfg, h.src, h.sink, h.provider, opts...)
}

// sum returns the int64 counter value of name for the data point whose key
// attribute equals value, or the first data point when key is empty.
func (h *harness) sum(t *testing.T, name, key, value string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			data, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not an int64 sum", name)
			}
			for _, dp := range data.DataPoints {
				if key == "" {
					return dp.Value
				}
				if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
					return dp.Value
				}
			}
		}
	}
	return 0
}

func start(t *testing.T, s *session.Session) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()
	return cancel, errc
}

func waitErr(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for Run to return")
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitActive(t *testing.T, s *session.Session) {
	t.Helper()
	waitFor(t, "state active", func() bool { return s.State() == session.StateActive })
}

// tone returns n samples of the constant value v.
func tone(n int, v int16) []byte {
	b := make([]byte, n*2)
	for i := range n {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(v))
	}
	return b
}

func firstSample(b []byte) int16 { return int16(binary.LittleEndian.Uint16(b)) }

// ── Lifecycle ─────────────────────────────────────────────────────────────────

func TestRun_HappyPath(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	s := h.newSession(testConfig())
	cancel, errc := start(t, s)
	waitActive(t, s)

	// 480 samples at 24 kHz resample to 320 samples at 16 kHz.
	h.link.EmitTurn(24000, tone(480, 1000), tone(480, 2000))

	waitFor(t, "two chunks played", func() bool { return h.sink.PlayCount() == 2 })
	waitFor(t, "playback idle", func() bool { return s.PlaybackState() == session.PlaybackIdle })

	played := h.sink.PlayedPayloads()
	for i, want := range []int16{1000, 2000} {
		if len(played[i]) != 640 {
			t.Errorf("chunk %d len = %d; want 640", i, len(played[i]))
		}
		if got := firstSample(played[i]); got != want {
			t.Errorf("chunk %d sample = %d; want %d", i, got, want)
		}
	}

	cancel()
	if err := waitErr(t, errc); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.State() != session.StateTerminated {
		t.Errorf("state = %v; want terminated", s.State())
	}
	if h.src.CallCountStop != 1 || h.sink.CallCountStop != 1 || h.link.Closes() != 1 {
		t.Errorf("stops = src %d, sink %d, link %d; want 1 each",
			h.src.CallCountStop, h.sink.CallCountStop, h.link.Closes())
	}
	if got := h.sum(t, "livevoice.turns.completed", "", ""); got != 1 {
		t.Errorf("turns completed = %d; want 1", got)
	}
	if got := h.sum(t, "livevoice.chunks.played", "", ""); got != 2 {
		t.Errorf("chunks played = %d; want 2", got)
	}
}

func TestRun_DropsMisalignedReplyAudio(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	s := h.newSession(testConfig())
	cancel, errc := start(t, s)
	waitActive(t, s)

	h.link.EmitTurn(24000, tone(480, 1)[:959], tone(480, 2))
	waitFor(t, "turn completed", func() bool { return h.sum(t, "livevoice.turns.completed", "", "") == 1 })
	waitFor(t, "playback idle", func() bool { return s.PlaybackState() == session.PlaybackIdle })

	played := h.sink.PlayedPayloads()
	if len(played) != 1 || firstSample(played[0]) != 2 {
		t.Fatalf("played %d chunks; want only the aligned one", len(played))
	}
	if got := h.sum(t, "livevoice.chunks.discarded", "", ""); got != 1 {
		t.Errorf("discarded = %d; want 1", got)
	}

	cancel()
	if err := waitErr(t, errc); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestRun_SendsFramesInCaptureOrder(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.src.Frames = [][]byte{tone(1024, 1), tone(1024, 2), tone(1024, 3)}
	s := h.newSession(testConfig())
	cancel, errc := start(t, s)

	waitFor(t, "three frames sent", func() bool { return h.link.SentAudioCount() == 3 })
	for i, f := range h.link.SentFrames() {
		if got := firstSample(f.Data); got != int16(i+1) {
			t.Errorf("frame %d sample = %d; want %d", i, got, i+1)
		}
		if f.SampleRate != 16000 || len(f.Data) != 2048 {
			t.Errorf("frame %d = %d Hz, %d bytes; want 16000 Hz, 2048 bytes", i, f.SampleRate, len(f.Data))
		}
	}

	cancel()
	if err := waitErr(t, errc); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := h.sum(t, "livevoice.frames.sent", "", ""); got != 3 {
		t.Errorf("frames sent = %d; want 3", got)
	}
}

func TestRun_LinkConfig(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	cfg := testConfig()
	cfg.EndSessionTool = true
	cfg.Link.Tools = []s2s.ToolDefinition{{Name: "weather"}}
	s := h.newSession(cfg)
	cancel, errc := start(t, s)
	waitActive(t, s)
	cancel()
	_ = waitErr(t, errc)

	calls := h.provider.Connects()
	if len(calls) != 1 {
		t.Fatalf("Connect calls = %d; want 1", len(calls))
	}
	got := calls[0].Cfg
	if got.InputFormat != (audio.Format{SampleRate: 16000, Channels: 1}) {
		t.Errorf("InputFormat = %+v", got.InputFormat)
	}
	if got.Voice != "Puck" {
		t.Errorf("Voice = %q", got.Voice)
	}
	var names []string
	for _, tool := range got.Tools {
		names = append(names, tool.Name)
	}
	if strings.Join(names, ",") != "weather,end_session" {
		t.Errorf("tools = %v; want [weather end_session]", names)
	}
	if len(cfg.Link.Tools) != 1 {
		t.Error("caller's tool slice was modified")
	}
}

func TestRun_ConfigErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*session.Config, *s2s.Capabilities)
		field  string
	}{
		{
			name:   "playback rate differs from send rate",
			mutate: func(c *session.Config, _ *s2s.Capabilities) { c.Audio.PlaybackSampleRate = 24000 },
			field:  "playback_sample_rate",
		},
		{
			name:   "provider expects another input rate",
			mutate: func(_ *session.Config, caps *s2s.Capabilities) { caps.InputSampleRate = 24000 },
			field:  "send_sample_rate",
		},
		{
			name:   "provider produces another output rate",
			mutate: func(c *session.Config, _ *s2s.Capabilities) { c.Audio.ReceiveSampleRate = 16000 },
			field:  "receive_sample_rate",
		},
		{
			name:   "local barge-in without detector",
			mutate: func(c *session.Config, _ *s2s.Capabilities) { c.BargeIn = session.BargeInLocal },
			field:  "barge_in",
		},
		{
			name:   "negative inactivity timeout",
			mutate: func(c *session.Config, _ *s2s.Capabilities) { c.InactivityTimeout = -time.Second },
			field:  "inactivity_timeout",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			cfg := testConfig()
			tc.mutate(&cfg, &h.provider.ProviderCapabilities)
			s := h.newSession(cfg)

			err := s.Run(context.Background())
			var ce *audio.ConfigError
			if !errors.As(err, &ce) || ce.Field != tc.field {
				t.Fatalf("err = %v; want ConfigError for %s", err, tc.field)
			}
			if n := len(h.provider.Connects()); n != 0 {
				t.Errorf("Connect called %d times", n)
			}
			if h.src.CallCountStart != 0 || h.sink.CallCountStart != 0 {
				t.Error("devices started despite invalid config")
			}
			if s.State() != session.StateTerminated {
				t.Errorf("state = %v; want terminated", s.State())
			}
			if got := h.sum(t, "livevoice.session.transitions", "state", "connecting"); got != 0 {
				t.Errorf("connecting transitions = %d; want 0", got)
			}
			if got := h.sum(t, "livevoice.session.errors", "kind", "config"); got != 1 {
				t.Errorf("config errors = %d; want 1", got)
			}
		})
	}
}

func TestRun_UnresolvableDevice(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(h *harness)
		field string
	}{
		{
			name:  "input",
			setup: func(h *harness) { h.src.ResolveErr = &audio.ConfigError{Field: "input_device", Reason: "no device with index 7"} },
			field: "input_device",
		},
		{
			name:  "output",
			setup: func(h *harness) { h.sink.ResolveErr = &audio.ConfigError{Field: "output_device", Reason: "no output device matching \"hdmi\""} },
			field: "output_device",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			tc.setup(h)
			s := h.newSession(testConfig())

			err := s.Run(context.Background())
			var ce *audio.ConfigError
			if !errors.As(err, &ce) || ce.Field != tc.field {
				t.Fatalf("err = %v; want ConfigError for %s", err, tc.field)
			}
			if session.Retryable(err) {
				t.Error("device selection error must not be retried")
			}
			if got := h.sum(t, "livevoice.session.transitions", "state", "connecting"); got != 0 {
				t.Errorf("connecting transitions = %d; want 0", got)
			}
			if h.src.CallCountStart != 0 || h.sink.CallCountStart != 0 || len(h.provider.Connects()) != 0 {
				t.Error("devices started or link connected despite unresolvable device")
			}
			if s.State() != session.StateTerminated {
				t.Errorf("state = %v; want terminated", s.State())
			}
		})
	}
}

func TestRun_DeviceOpenFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.src.StartErr = errors.New("device busy")
	s := h.newSession(testConfig())

	err := s.Run(context.Background())
	var de *audio.DeviceError
	if !errors.As(err, &de) || de.Op != audio.OpOpen {
		t.Fatalf("err = %v; want open DeviceError", err)
	}
	if n := len(h.provider.Connects()); n != 0 {
		t.Errorf("Connect called %d times", n)
	}
	if h.sink.CallCountStop != 1 {
		t.Errorf("sink stops = %d; want 1", h.sink.CallCountStop)
	}
}

func TestRun_ConnectFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.provider.ConnectErr = errors.New("dial refused")
	s := h.newSession(testConfig())

	err := s.Run(context.Background())
	var le *s2s.LinkError
	if !errors.As(err, &le) || le.Op != "connect" || le.Provider != "mock" {
		t.Fatalf("err = %v; want mock connect LinkError", err)
	}
	if h.src.CallCountStop != 1 || h.sink.CallCountStop != 1 {
		t.Errorf("stops = src %d, sink %d; want 1 each", h.src.CallCountStop, h.sink.CallCountStop)
	}
	if s.State() != session.StateTerminated {
		t.Errorf("state = %v; want terminated", s.State())
	}
}

func TestRun_DeviceFailureDuringActive(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	unplugged := errors.New("device unplugged")
	for i := range 5 {
		h.src.Frames = append(h.src.Frames, tone(1024, int16(i)))
	}
	h.src.FailErr = unplugged
	h.src.FailAfter = 3
	s := h.newSession(testConfig())
	_, errc := start(t, s)

	err := waitErr(t, errc)
	var de *audio.DeviceError
	if !errors.As(err, &de) || de.Op != audio.OpRead || !errors.Is(err, unplugged) {
		t.Fatalf("err = %v; want read DeviceError wrapping %v", err, unplugged)
	}
	if s.State() != session.StateTerminated {
		t.Errorf("state = %v; want terminated", s.State())
	}
	if got := h.link.SentAudioCount(); got != 3 {
		t.Errorf("frames sent = %d; want 3", got)
	}
	if h.link.Closes() != 1 {
		t.Errorf("link closes = %d; want 1", h.link.Closes())
	}
	if h.link.EmitAudio(tone(10, 1), 24000) {
		t.Error("link still accepts events after the session ended")
	}
	if got := h.sum(t, "livevoice.session.errors", "", ""); got != 1 {
		t.Errorf("session errors = %d; want 1", got)
	}
}

func TestRun_PlaybackFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.sink.PlayErr = errors.New("underrun")
	s := h.newSession(testConfig())
	_, errc := start(t, s)
	waitActive(t, s)

	h.link.EmitTurn(24000, tone(480, 1))

	err := waitErr(t, errc)
	var de *audio.DeviceError
	if !errors.As(err, &de) || de.Op != audio.OpWrite {
		t.Fatalf("err = %v; want write DeviceError", err)
	}
}

func TestRun_LinkFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(h *harness)
		act   func(h *harness)
		op    string
	}{
		{
			name: "receive error",
			act:  func(h *harness) { h.link.Fail(errors.New("connection reset")) },
			op:   "receive",
		},
		{
			name: "remote hang-up",
			act:  func(h *harness) { h.link.End() },
			op:   "receive",
		},
		{
			name: "send error",
			setup: func(h *harness) {
				h.src.Frames = [][]byte{tone(1024, 1)}
				h.link.SendAudioErr = &s2s.LinkError{Provider: "mock", Op: "send", Err: errors.New("broken pipe")}
			},
			op: "send",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			if tc.setup != nil {
				tc.setup(h)
			}
			s := h.newSession(testConfig())
			_, errc := start(t, s)
			if tc.act != nil {
				waitActive(t, s)
				tc.act(h)
			}

			err := waitErr(t, errc)
			var le *s2s.LinkError
			if !errors.As(err, &le) || le.Op != tc.op {
				t.Fatalf("err = %v; want %s LinkError", err, tc.op)
			}
			if !session.Retryable(err) {
				t.Error("link failure should be retryable")
			}
			if got := h.sum(t, "livevoice.session.errors", "kind", "link"); got != 1 {
				t.Errorf("link errors = %d; want 1", got)
			}
		})
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.sink.BlockUntilInterrupt = true
	s := h.newSession(testConfig())
	_, errc := start(t, s)
	waitActive(t, s)

	h.link.Emit(s2s.Event{Kind: s2s.EventTurnStarted})
	h.link.EmitAudio(tone(480, 1), 24000)
	waitFor(t, "playback started", func() bool { return h.sink.PlayCount() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if err := waitErr(t, errc); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.State() != session.StateTerminated {
		t.Errorf("state = %v; want terminated", s.State())
	}
	if h.link.Closes() != 1 || h.src.CallCountStop != 1 {
		t.Errorf("link closes = %d, source stops = %d; want 1 each", h.link.Closes(), h.src.CallCountStop)
	}
	select {
	case <-s.Done():
	default:
		t.Error("Done not closed after Shutdown")
	}
}

func TestShutdown_StopsWithinOneChunk(t *testing.T) {
	t.Parallel()
	const delay = 200 * time.Millisecond
	h := newHarness(t)
	h.sink.ChunkBytes = 640
	h.sink.ChunkDelay = delay
	s := h.newSession(testConfig())
	_, errc := start(t, s)
	waitActive(t, s)

	// Ten device chunks at 16 kHz.
	h.link.EmitTurn(24000, tone(4800, 1))
	waitFor(t, "first device chunk", func() bool { return len(h.sink.WrittenChunks()) == 1 })

	begin := time.Now()
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if elapsed := time.Since(begin); elapsed > delay+delay/2 {
		t.Errorf("Shutdown took %v; want within one chunk (%v)", elapsed, delay)
	}
	if err := waitErr(t, errc); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := len(h.sink.WrittenChunks()); n > 2 {
		t.Errorf("device chunks written = %d; want at most one after cancellation", n)
	}
}

func TestShutdown_BeforeRun(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	s := h.newSession(testConfig())

	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := s.Run(context.Background()); !errors.Is(err, session.ErrTerminated) {
		t.Fatalf("Run = %v; want ErrTerminated", err)
	}
	if n := len(h.provider.Connects()); n != 0 {
		t.Errorf("Connect called %d times", n)
	}
}

func TestRun_SecondCall(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	s := h.newSession(testConfig())
	cancel, errc := start(t, s)
	waitActive(t, s)

	if err := s.Run(context.Background()); !errors.Is(err, session.ErrAlreadyRunning) {
		t.Errorf("concurrent Run = %v; want ErrAlreadyRunning", err)
	}
	cancel()
	_ = waitErr(t, errc)
	if err := s.Run(context.Background()); !errors.Is(err, session.ErrTerminated) {
		t.Errorf("Run after termination = %v; want ErrTerminated", err)
	}
}

// ── Interruption ──────────────────────────────────────────────────────────────

func TestInterrupt_LinkEventCutsPlayback(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.sink.BlockUntilInterrupt = true
	h.sink.ChunkBytes = 64
	s := h.newSession(testConfig())
	cancel, errc := start(t, s)
	waitActive(t, s)

	h.link.Emit(s2s.Event{Kind: s2s.EventTurnStarted})
	h.link.EmitAudio(tone(480, 1), 24000)
	h.link.EmitAudio(tone(480, 2), 24000)
	waitFor(t, "first chunk playing", func() bool {
		return h.sink.PlayCount() == 1 && s.PlaybackState() == session.PlaybackPlaying
	})

	h.link.Emit(s2s.Event{Kind: s2s.EventInterrupted})
	waitFor(t, "playback interrupted", func() bool { return s.PlaybackState() == session.PlaybackInterrupted })

	// Rest of the interrupted turn.
	h.link.EmitAudio(tone(480, 3), 24000)
	// Next turn.
	h.link.Emit(s2s.Event{Kind: s2s.EventTurnStarted})
	h.link.EmitAudio(tone(480, 4), 24000)
	waitFor(t, "next turn playing", func() bool { return h.sink.PlayCount() == 2 })

	played := h.sink.PlayedPayloads()
	if got := firstSample(played[1]); got != 4 {
		t.Errorf("second played chunk sample = %d; want 4 (chunks 2 and 3 discarded)", got)
	}
	written := h.sink.WrittenChunks()
	// One device chunk from the interrupted reply, one from the new one.
	if len(written) != 2 {
		t.Errorf("device chunks written = %d; want 2", len(written))
	}
	if s.PlaybackState() != session.PlaybackPlaying {
		t.Errorf("playback = %v; want playing", s.PlaybackState())
	}
	if got := h.sum(t, "livevoice.chunks.discarded", "", ""); got != 2 {
		t.Errorf("discarded = %d; want 2", got)
	}
	if got := h.sum(t, "livevoice.interruptions", "source", "link"); got != 1 {
		t.Errorf("link interruptions = %d; want 1", got)
	}

	cancel()
	if err := waitErr(t, errc); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

// offsetEffects adds 100 to every sample and counts calls.
type offsetEffects struct {
	mu        sync.Mutex
	processed int
	resets    int
}

func (e *offsetEffects) Process(pcm []byte) []byte {
	e.mu.Lock()
	e.processed++
	e.mu.Unlock()
	out := make([]byte, len(pcm))
	for i := 0; i+1 < len(pcm); i += 2 {
		v := int16(binary.LittleEndian.Uint16(pcm[i:])) + 100
		binary.LittleEndian.PutUint16(out[i:], uint16(v))
	}
	return out
}

func (e *offsetEffects) Reset() {
	e.mu.Lock()
	e.resets++
	e.mu.Unlock()
}

func (e *offsetEffects) counts() (processed, resets int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.processed, e.resets
}

func TestReplyEffects_ResetAfterInterruption(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	fx := &offsetEffects{}
	s := h.newSession(testConfig(), session.WithReplyEffects(fx))
	cancel, errc := start(t, s)
	waitActive(t, s)

	h.link.EmitTurn(24000, tone(480, 1))
	waitFor(t, "first reply played", func() bool { return h.sink.PlayCount() == 1 })
	if _, resets := fx.counts(); resets != 0 {
		t.Errorf("resets before interruption = %d; want 0", resets)
	}

	h.link.Emit(s2s.Event{Kind: s2s.EventInterrupted})
	h.link.EmitTurn(24000, tone(480, 5))
	waitFor(t, "second reply played", func() bool { return h.sink.PlayCount() == 2 })

	played := h.sink.PlayedPayloads()
	if a, b := firstSample(played[0]), firstSample(played[1]); a != 101 || b != 105 {
		t.Errorf("played samples = %d, %d; want 101, 105", a, b)
	}
	if processed, resets := fx.counts(); processed != 2 || resets != 1 {
		t.Errorf("processed = %d, resets = %d; want 2 and 1", processed, resets)
	}

	cancel()
	if err := waitErr(t, errc); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestPlayback_BackToBackTurnsStayPlaying(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	gate := make(chan struct{})
	var (
		s      *session.Session
		mu     sync.Mutex
		states []session.PlaybackState
	)
	h.sink.OnPlay = func(pcm []byte) {
		if firstSample(pcm) == 1 {
			select {
			case <-gate:
			case <-time.After(3 * time.Second):
			}
			return
		}
		mu.Lock()
		states = append(states, s.PlaybackState())
		mu.Unlock()
	}
	s = h.newSession(testConfig())
	cancel, errc := start(t, s)
	waitActive(t, s)

	h.link.EmitTurn(24000, tone(480, 1))
	h.link.EmitTurn(24000, tone(480, 2))
	waitFor(t, "both turns received", func() bool { return h.sum(t, "livevoice.turns.completed", "", "") == 2 })
	close(gate)

	waitFor(t, "second turn played", func() bool { return h.sink.PlayCount() == 2 })
	waitFor(t, "playback idle", func() bool { return s.PlaybackState() == session.PlaybackIdle })
	mu.Lock()
	got := append([]session.PlaybackState(nil), states...)
	mu.Unlock()
	if len(got) != 1 || got[0] != session.PlaybackPlaying {
		t.Errorf("playback during second turn = %v; want [playing]", got)
	}

	cancel()
	if err := waitErr(t, errc); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestInterrupt_TurnCompleteEndsDiscarding(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.sink.BlockUntilInterrupt = true
	s := h.newSession(testConfig())
	_, errc := start(t, s)
	waitActive(t, s)

	h.link.Emit(s2s.Event{Kind: s2s.EventTurnStarted})
	h.link.EmitAudio(tone(480, 1), 24000)
	waitFor(t, "playing", func() bool { return h.sink.PlayCount() == 1 })
	h.link.Emit(s2s.Event{Kind: s2s.EventInterrupted})
	h.link.Emit(s2s.Event{Kind: s2s.EventTurnComplete})

	waitFor(t, "playback idle", func() bool { return s.PlaybackState() == session.PlaybackIdle })
	if got := h.sum(t, "livevoice.turns.completed", "", ""); got != 0 {
		t.Errorf("interrupted turn counted as completed: %d", got)
	}
	_ = s.Shutdown(context.Background())
	_ = waitErr(t, errc)
}

func TestInterrupt_LocalBargeIn(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mode           session.BargeInMode
		linkInterrupts int
	}{
		{mode: session.BargeInLocal, linkInterrupts: 0},
		{mode: session.BargeInBoth, linkInterrupts: 1},
	}

	for _, tc := range tests {
		t.Run(tc.mode.String(), func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			h.sink.BlockUntilInterrupt = true

			vs := &vadmock.Session{Classify: func(frame []byte) vad.Event {
				if audio.RMS(frame) > 0.1 {
					return vad.Event{Type: vad.SpeechStart, Probability: 0.9}
				}
				return vad.Event{Type: vad.Silence}
			}}
			det, err := session.NewVADBargeIn(&vadmock.Engine{Session: vs}, vad.Config{SampleRate: 16000, SpeechThreshold: 0.5})
			if err != nil {
				t.Fatalf("NewVADBargeIn: %v", err)
			}

			cfg := testConfig()
			cfg.BargeIn = tc.mode
			s := h.newSession(cfg, session.WithBargeInDetector(det))
			_, errc := start(t, s)
			waitActive(t, s)

			// Speech while nothing plays is not a barge-in.
			h.src.Push(tone(1024, 20000))
			waitFor(t, "first frame sent", func() bool { return h.link.SentAudioCount() == 1 })
			if s.PlaybackState() != session.PlaybackIdle {
				t.Fatalf("playback = %v; want idle", s.PlaybackState())
			}

			h.link.Emit(s2s.Event{Kind: s2s.EventTurnStarted})
			h.link.EmitAudio(tone(480, 1), 24000)
			waitFor(t, "playing", func() bool { return s.PlaybackState() == session.PlaybackPlaying })

			h.src.Push(tone(1024, 100))
			h.src.Push(tone(1024, 20000))
			waitFor(t, "playback interrupted", func() bool { return s.PlaybackState() == session.PlaybackInterrupted })

			if got := h.link.Interrupts(); got != tc.linkInterrupts {
				t.Errorf("link interrupts = %d; want %d", got, tc.linkInterrupts)
			}
			if vs.Resets() != 1 {
				t.Errorf("detector resets = %d; want 1", vs.Resets())
			}
			if got := h.sum(t, "livevoice.interruptions", "source", "local"); got != 1 {
				t.Errorf("local interruptions = %d; want 1", got)
			}

			_ = s.Shutdown(context.Background())
			_ = waitErr(t, errc)
			if !vs.Closed() {
				t.Error("detector not closed")
			}
		})
	}
}

func TestMuteWhilePlaying(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.sink.BlockUntilInterrupt = true
	cfg := testConfig()
	cfg.MuteWhilePlaying = true
	s := h.newSession(cfg)
	_, errc := start(t, s)
	waitActive(t, s)

	h.link.Emit(s2s.Event{Kind: s2s.EventTurnStarted})
	h.link.EmitAudio(tone(480, 1), 24000)
	waitFor(t, "playing", func() bool { return s.PlaybackState() == session.PlaybackPlaying })

	h.src.Push(tone(1024, 1))
	h.src.Push(tone(1024, 2))
	waitFor(t, "muted frames", func() bool { return h.sum(t, "livevoice.frames.dropped", "reason", "muted") == 2 })
	if got := h.link.SentAudioCount(); got != 0 {
		t.Errorf("frames sent while muted = %d; want 0", got)
	}

	_ = s.Shutdown(context.Background())
	_ = waitErr(t, errc)
}

// ── Supplementary behaviour ───────────────────────────────────────────────────

func TestActivationPrompt(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	cfg := testConfig()
	cfg.ActivationPrompt = "Greet the user."
	s := h.newSession(cfg)
	cancel, errc := start(t, s)

	waitFor(t, "greeting sent", func() bool { return len(h.link.Texts()) == 1 })
	if got := h.link.Texts()[0]; got != "Greet the user." {
		t.Errorf("text = %q", got)
	}
	cancel()
	_ = waitErr(t, errc)
}

func TestEndSessionTool_EndsAfterTurn(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	cfg := testConfig()
	cfg.EndSessionTool = true
	s := h.newSession(cfg)
	_, errc := start(t, s)
	waitActive(t, s)

	resp := h.link.CallTool(session.EndSessionTool, nil)
	if resp["status"] != "session_ended" {
		t.Fatalf("tool response = %v", resp)
	}
	if s.State() != session.StateActive {
		t.Fatalf("state = %v; session must finish the reply first", s.State())
	}

	h.link.EmitTurn(24000, tone(480, 1))
	if err := waitErr(t, errc); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if h.sink.PlayCount() != 1 {
		t.Errorf("goodbye chunks played = %d; want 1", h.sink.PlayCount())
	}
	if got := h.sum(t, "livevoice.tool.calls", "tool", session.EndSessionTool); got != 1 {
		t.Errorf("tool calls = %d; want 1", got)
	}
}

func TestToolHandler(t *testing.T) {
	t.Parallel()

	t.Run("delegates", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		var gotArgs string
		s := h.newSession(testConfig(), session.WithToolHandler(func(name, args string) (string, error) {
			gotArgs = args
			return `{"temp":21}`, nil
		}))
		cancel, errc := start(t, s)
		waitActive(t, s)

		resp := h.link.CallTool("weather", map[string]any{"city": "Berlin"})
		if resp["temp"] != float64(21) {
			t.Errorf("response = %v", resp)
		}
		if !strings.Contains(gotArgs, `"city":"Berlin"`) {
			t.Errorf("args = %s", gotArgs)
		}
		cancel()
		_ = waitErr(t, errc)
	})

	t.Run("unknown tool", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		s := h.newSession(testConfig())
		cancel, errc := start(t, s)
		waitActive(t, s)

		resp := h.link.CallTool(session.EndSessionTool, nil)
		if msg, _ := resp["error"].(string); !strings.Contains(msg, "unknown tool") {
			t.Errorf("response = %v; end_session must be unknown when disabled", resp)
		}
		if got := h.sum(t, "livevoice.tool.calls", "status", "error"); got != 1 {
			t.Errorf("failed tool calls = %d; want 1", got)
		}
		cancel()
		_ = waitErr(t, errc)
	})
}

func TestInactivityTimeout(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	cfg := testConfig()
	cfg.InactivityTimeout = 100 * time.Millisecond
	s := h.newSession(cfg)
	_, errc := start(t, s)

	if err := waitErr(t, errc); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.State() != session.StateTerminated {
		t.Errorf("state = %v; want terminated", s.State())
	}
}

func TestRequestEnd(t *testing.T) {
	t.Parallel()

	t.Run("idle ends immediately", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		s := h.newSession(testConfig())
		_, errc := start(t, s)
		waitActive(t, s)

		s.RequestEnd()
		if err := waitErr(t, errc); err != nil {
			t.Fatalf("Run: %v", err)
		}
	})

	t.Run("waits for reply turn", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		s := h.newSession(testConfig())
		_, errc := start(t, s)
		waitActive(t, s)

		h.link.Emit(s2s.Event{Kind: s2s.EventTurnStarted})
		h.link.EmitAudio(tone(480, 1), 24000)
		waitFor(t, "chunk played", func() bool { return h.sink.PlayCount() == 1 })

		s.RequestEnd()
		time.Sleep(50 * time.Millisecond)
		if s.State() != session.StateActive {
			t.Fatalf("state = %v; want active until the turn completes", s.State())
		}

		h.link.Emit(s2s.Event{Kind: s2s.EventTurnComplete})
		if err := waitErr(t, errc); err != nil {
			t.Fatalf("Run: %v", err)
		}
	})
}

func TestStateStrings(t *testing.T) {
	t.Parallel()
	states := map[session.State]string{
		session.StateIdle:         "idle",
		session.StateConnecting:   "connecting",
		session.StateActive:       "active",
		session.StateShuttingDown: "shutting_down",
		session.StateTerminated:   "terminated",
		session.State(99):         "unknown",
	}
	for st, want := range states {
		if st.String() != want {
			t.Errorf("State(%d) = %q; want %q", int(st), st.String(), want)
		}
	}
	playback := map[session.PlaybackState]string{
		session.PlaybackIdle:        "idle",
		session.PlaybackPlaying:     "playing",
		session.PlaybackInterrupted: "interrupted",
	}
	for p, want := range playback {
		if p.String() != want {
			t.Errorf("PlaybackState(%d) = %q; want %q", int(p), p.String(), want)
		}
	}
}
