package config_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/livevoice/internal/config"
	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/provider/s2s"
	s2smock "github.com/MrWong99/livevoice/pkg/provider/s2s/mock"
	"github.com/MrWong99/livevoice/pkg/provider/vad"
	vadmock "github.com/MrWong99/livevoice/pkg/provider/vad/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  log_level: debug
  log_format: json
  metrics_addr: ":9090"

audio:
  send_sample_rate: 16000
  receive_sample_rate: 24000
  playback_sample_rate: 16000
  chunk_size: 512
  input_device: 1
  output_device_name: "USB Speaker"
  buffer_frames: 50
  stall_timeout: 0s
  playback_chunk: 256

provider:
  name: openai-realtime
  api_key: sk-test
  model: gpt-4o-realtime-preview
  voice: alloy
  options:
    organization: org-1

session:
  drain_timeout: 3s
  inactivity_timeout: 5m
  barge_in: both
  vad:
    speech_threshold: 0.05
    silence_threshold: 0.02
  reconnect:
    max_retries: 4
    backoff: 500ms
    max_backoff: 10s
    breaker_failures: 2
    breaker_reset: 1m
  wake:
    enabled: true
    on_start: true
    min_speech: 300ms

assistant:
  instructions: You are a helpful assistant.
  activation_prompt: Say hello.
  end_session_tool: true

fallbacks:
  - name: genai
    api_key: g-test
    options:
      project: my-project
`

func mustLoad(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

// ── LoadFromReader ───────────────────────────────────────────────────────────

func TestLoadFromReader_Sample(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, sampleYAML)

	if cfg.Server.LogLevel != config.LogDebug || cfg.Server.LogFormat != config.LogFormatJSON {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Server.MetricsAddr != ":9090" {
		t.Errorf("metrics_addr = %q", cfg.Server.MetricsAddr)
	}

	ac := cfg.Audio.Audio()
	if ac.ChunkSize != 512 || ac.BufferFrames != 50 {
		t.Errorf("audio = %+v", ac)
	}
	if ac.InputDevice != 1 || ac.OutputDevice != audio.DefaultDevice {
		t.Errorf("devices = %d/%d; want 1/default", ac.InputDevice, ac.OutputDevice)
	}
	if cfg.Audio.OutputDeviceName != "USB Speaker" {
		t.Errorf("output_device_name = %q", cfg.Audio.OutputDeviceName)
	}
	if st := cfg.Audio.StallTimeout; st == nil || *st != 0 {
		t.Errorf("stall_timeout = %v; want explicit 0", st)
	}
	if cfg.Audio.PlaybackChunk != 256 {
		t.Errorf("playback_chunk = %d; want 256", cfg.Audio.PlaybackChunk)
	}

	if cfg.Provider.Name != "openai-realtime" || cfg.Provider.Voice != "alloy" {
		t.Errorf("provider = %+v", cfg.Provider)
	}
	if got := cfg.Provider.OptionString("organization"); got != "org-1" {
		t.Errorf("OptionString = %q", got)
	}

	s := cfg.Session
	if s.DrainTimeout != 3*time.Second || s.InactivityTimeout != 5*time.Minute || s.BargeIn != "both" {
		t.Errorf("session = %+v", s)
	}
	if s.Reconnect.MaxRetries != 4 || s.Reconnect.Backoff != 500*time.Millisecond || s.Reconnect.MaxBackoff != 10*time.Second {
		t.Errorf("reconnect = %+v", s.Reconnect)
	}
	if s.Reconnect.BreakerFailures != 2 || s.Reconnect.BreakerReset != time.Minute {
		t.Errorf("breaker = %+v", s.Reconnect)
	}
	if w := s.Wake; !w.Enabled || !w.OnStart || w.MinSpeech != 300*time.Millisecond {
		t.Errorf("wake = %+v", w)
	}
	if len(cfg.Fallbacks) != 1 || cfg.Fallbacks[0].Name != "genai" || cfg.Fallbacks[0].OptionString("project") != "my-project" {
		t.Errorf("fallbacks = %+v", cfg.Fallbacks)
	}
	if !cfg.Assistant.EndSessionTool || cfg.Assistant.ActivationPrompt != "Say hello." {
		t.Errorf("assistant = %+v", cfg.Assistant)
	}
}

func TestLoadFromReader_EmptyYieldsDefaults(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, "")

	if got, want := cfg.Audio.Audio(), audio.DefaultConfig(); got != want {
		t.Errorf("audio = %+v; want %+v", got, want)
	}
	if cfg.Provider.Name != config.DefaultProvider {
		t.Errorf("provider.name = %q", cfg.Provider.Name)
	}
	if cfg.Session.DrainTimeout != config.DefaultDrainTimeout {
		t.Errorf("drain_timeout = %s", cfg.Session.DrainTimeout)
	}
	if cfg.Session.BargeIn != "link" {
		t.Errorf("barge_in = %q", cfg.Session.BargeIn)
	}
	if cfg.Server.LogLevel != config.LogInfo || cfg.Server.LogFormat != config.LogFormatText {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Session.Reconnect.MaxRetries != 0 {
		t.Errorf("reconnect enabled by default")
	}
}

func TestLoadFromReader_PlaybackRateFollowsSendRate(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, "audio:\n  send_sample_rate: 24000\n")
	if cfg.Audio.PlaybackSampleRate != 24000 {
		t.Errorf("playback_sample_rate = %d; want 24000", cfg.Audio.PlaybackSampleRate)
	}
}

func TestLoadFromReader_ExpandsEnv(t *testing.T) {
	t.Setenv("LIVEVOICE_TEST_KEY", "secret-123")
	cfg := mustLoad(t, "provider:\n  api_key: ${LIVEVOICE_TEST_KEY}\n")
	if cfg.Provider.APIKey != "secret-123" {
		t.Errorf("api_key = %q; want expanded value", cfg.Provider.APIKey)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("audio:\n  sample_rate: 16000\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoad_ExampleFile(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "k")
	cfg, err := config.Load("../../livevoice.example.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider.Name != "gemini-live" {
		t.Errorf("provider = %q; want gemini-live", cfg.Provider.Name)
	}
	if len(cfg.Fallbacks) != 1 {
		t.Errorf("fallbacks = %d; want 1", len(cfg.Fallbacks))
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.Load("/nonexistent/livevoice.yaml"); err == nil {
		t.Fatal("expected error")
	}
}

// ── Registry ─────────────────────────────────────────────────────────────────

func TestRegistry_S2S(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	want := &s2smock.Provider{}
	var got config.ProviderEntry
	reg.RegisterS2S("mock", func(e config.ProviderEntry) (s2s.Provider, error) {
		got = e
		return want, nil
	})

	p, err := reg.CreateS2S(config.ProviderEntry{Name: "mock", Model: "m1"})
	if err != nil {
		t.Fatalf("CreateS2S: %v", err)
	}
	if p != want || got.Model != "m1" {
		t.Errorf("factory not used as expected")
	}
	if _, err := p.Connect(context.Background(), s2s.SessionConfig{}); err != nil {
		t.Errorf("Connect: %v", err)
	}

	_, err = reg.CreateS2S(config.ProviderEntry{Name: "missing"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("err = %v; want ErrProviderNotRegistered", err)
	}
	if names := reg.S2SNames(); len(names) != 1 || names[0] != "mock" {
		t.Errorf("S2SNames = %v", names)
	}
}

func TestRegistry_VAD(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	boom := errors.New("boom")
	reg.RegisterVAD("ok", func(config.VADConfig) (vad.Engine, error) { return &vadmock.Engine{}, nil })
	reg.RegisterVAD("bad", func(config.VADConfig) (vad.Engine, error) { return nil, boom })

	if _, err := reg.CreateVAD("ok", config.VADConfig{}); err != nil {
		t.Errorf("CreateVAD(ok): %v", err)
	}
	if _, err := reg.CreateVAD("bad", config.VADConfig{}); !errors.Is(err, boom) {
		t.Errorf("CreateVAD(bad) = %v", err)
	}
	if _, err := reg.CreateVAD("none", config.VADConfig{}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateVAD(none) = %v", err)
	}
	if names := reg.VADNames(); !slices.Equal(names, []string{"bad", "ok"}) {
		t.Errorf("VADNames = %v", names)
	}
}

func TestLogLevel_Level(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		in   config.LogLevel
		want string
	}{
		{config.LogDebug, "DEBUG"},
		{config.LogInfo, "INFO"},
		{config.LogWarn, "WARN"},
		{config.LogError, "ERROR"},
		{"", "INFO"},
	} {
		if got := tc.in.Level().String(); got != tc.want {
			t.Errorf("%q.Level() = %s; want %s", tc.in, got, tc.want)
		}
	}
}
