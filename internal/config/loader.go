package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/antzucaro/matchr"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/audio/effects"
)

// ProviderNames lists the built-in link providers.
// Used by [Validate] to warn about unrecognised provider names.
var ProviderNames = []string{"gemini-live", "genai", "openai-realtime"}

// Defaults applied by [ApplyDefaults].
const (
	DefaultProvider          = "gemini-live"
	DefaultDrainTimeout      = 2 * time.Second
	DefaultReconnectBackoff  = time.Second
	DefaultReconnectMaxDelay = 30 * time.Second
	DefaultSpeechThreshold   = 0.02
	DefaultSilenceThreshold  = 0.01
	DefaultWakeMinSpeech     = 200 * time.Millisecond
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} references
// against the environment, applies defaults and validates the result.
// An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadBytes is LoadFromReader for an in-memory document.
func loadBytes(data []byte) (*Config, error) {
	return LoadFromReader(bytes.NewReader(data))
}

// ApplyDefaults fills every unset field with the shipped default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = LogFormatText
	}

	def := audio.DefaultConfig()
	a := &cfg.Audio
	setInt(&a.SendSampleRate, def.SendSampleRate)
	setInt(&a.ReceiveSampleRate, def.ReceiveSampleRate)
	setInt(&a.PlaybackSampleRate, a.SendSampleRate)
	setInt(&a.ChunkSize, def.ChunkSize)
	setInt(&a.Channels, def.Channels)
	setInt(&a.SampleWidth, def.SampleWidth)
	setInt(&a.BufferFrames, def.BufferFrames)

	if cfg.Provider.Name == "" {
		cfg.Provider.Name = DefaultProvider
	}

	s := &cfg.Session
	if s.DrainTimeout == 0 {
		s.DrainTimeout = DefaultDrainTimeout
	}
	if s.BargeIn == "" {
		s.BargeIn = "link"
	}
	if s.VAD.SpeechThreshold == 0 {
		s.VAD.SpeechThreshold = DefaultSpeechThreshold
	}
	if s.VAD.SilenceThreshold == 0 {
		s.VAD.SilenceThreshold = DefaultSilenceThreshold
	}
	if s.Reconnect.Backoff == 0 {
		s.Reconnect.Backoff = DefaultReconnectBackoff
	}
	if s.Reconnect.MaxBackoff == 0 {
		s.Reconnect.MaxBackoff = DefaultReconnectMaxDelay
	}
	if s.Wake.MinSpeech == 0 {
		s.Wake.MinSpeech = DefaultWakeMinSpeech
	}

	if cfg.Effects == (effects.Config{}) {
		cfg.Effects = effects.DefaultConfig()
	}
}

func setInt(p *int, v int) {
	if *p == 0 {
		*p = v
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found. Audio
// problems are reported as [*audio.ConfigError].
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}

	if err := cfg.Audio.Audio().Validate(); err != nil {
		errs = append(errs, err)
	}
	if st := cfg.Audio.StallTimeout; st != nil && *st < 0 {
		errs = append(errs, &audio.ConfigError{Field: "stall_timeout", Reason: fmt.Sprintf("%s must not be negative", *st)})
	}
	if cfg.Audio.PlaybackChunk < 0 {
		errs = append(errs, &audio.ConfigError{Field: "playback_chunk", Reason: fmt.Sprintf("%d must not be negative", cfg.Audio.PlaybackChunk)})
	}

	if cfg.Provider.Name == "" {
		errs = append(errs, errors.New("provider.name is required"))
	} else {
		validateProviderName(cfg.Provider.Name)
	}
	for i, fb := range cfg.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName(fb.Name)
	}

	s := cfg.Session
	switch s.BargeIn {
	case "", "link", "local", "both":
	default:
		errs = append(errs, fmt.Errorf("session.barge_in %q is invalid; valid values: link, local, both", s.BargeIn))
	}
	if s.DrainTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.drain_timeout %s must not be negative", s.DrainTimeout))
	}
	if s.InactivityTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.inactivity_timeout %s must not be negative", s.InactivityTimeout))
	}
	if s.VAD.SilenceThreshold > s.VAD.SpeechThreshold {
		errs = append(errs, fmt.Errorf("session.vad.silence_threshold %.3f exceeds speech_threshold %.3f",
			s.VAD.SilenceThreshold, s.VAD.SpeechThreshold))
	}
	if s.Reconnect.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("session.reconnect.max_retries %d must not be negative", s.Reconnect.MaxRetries))
	}
	if s.Reconnect.BreakerFailures < 0 {
		errs = append(errs, fmt.Errorf("session.reconnect.breaker_failures %d must not be negative", s.Reconnect.BreakerFailures))
	}
	if s.Reconnect.MaxBackoff > 0 && s.Reconnect.Backoff > s.Reconnect.MaxBackoff {
		errs = append(errs, fmt.Errorf("session.reconnect.backoff %s exceeds max_backoff %s",
			s.Reconnect.Backoff, s.Reconnect.MaxBackoff))
	}

	if s.Wake.MinSpeech < 0 {
		errs = append(errs, fmt.Errorf("session.wake.min_speech %s must not be negative", s.Wake.MinSpeech))
	}

	if _, err := cfg.Persona(); err != nil {
		errs = append(errs, err)
	}
	if err := cfg.Effects.Validate(); err != nil {
		errs = append(errs, err)
	}

	if s.MuteWhilePlaying && s.BargeIn != "" && s.BargeIn != "link" {
		slog.Warn("session.mute_while_playing drops the audio local barge-in listens to", "barge_in", s.BargeIn)
	}
	if cfg.Provider.APIKey == "" {
		slog.Warn("provider.api_key is empty; the remote service will likely reject the connection", "provider", cfg.Provider.Name)
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning, with the closest built-in name, if
// name is not one of [ProviderNames].
func validateProviderName(name string) {
	if slices.Contains(ProviderNames, name) {
		return
	}
	best, bestScore := "", 0.0
	for _, known := range ProviderNames {
		if score := matchr.JaroWinkler(name, known, false); score > bestScore {
			best, bestScore = known, score
		}
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"name", name,
		"closest", best,
		"known", ProviderNames,
	)
}
