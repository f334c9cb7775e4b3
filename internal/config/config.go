// Package config provides the configuration schema, loader and provider
// registry for the livevoice assistant.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/audio/effects"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level converts l to its slog equivalent. Unknown levels map to Info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool { return f == LogFormatText || f == LogFormatJSON }

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Audio     AudioConfig     `yaml:"audio"`
	Provider  ProviderEntry   `yaml:"provider"`
	Session   SessionConfig   `yaml:"session"`
	Assistant AssistantConfig `yaml:"assistant"`

	// Fallbacks are tried in order when Provider cannot connect. They must
	// use the same audio rates as Provider.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`

	// CustomPersonalities adds to the built-in personalities; see
	// [Config.Personalities].
	CustomPersonalities map[string]Personality `yaml:"personalities"`

	// Effects tunes the reply voice effects of personalities that enable
	// them. Unset means [effects.DefaultConfig].
	Effects effects.Config `yaml:"effects"`
}

// ServerConfig holds logging and the optional metrics/health listener.
type ServerConfig struct {
	LogLevel  LogLevel  `yaml:"log_level"`
	LogFormat LogFormat `yaml:"log_format"`

	// MetricsAddr is the TCP address serving /metrics, /healthz and /readyz
	// (e.g. ":9090"). Empty disables the listener.
	MetricsAddr string `yaml:"metrics_addr"`
}

// AudioConfig mirrors [audio.Config] plus device names.
//
// Device indices are pointers so that an explicit 0 can be told apart from
// "not set"; unset means the host default.
type AudioConfig struct {
	SendSampleRate     int  `yaml:"send_sample_rate"`
	ReceiveSampleRate  int  `yaml:"receive_sample_rate"`
	PlaybackSampleRate int  `yaml:"playback_sample_rate"`
	ChunkSize          int  `yaml:"chunk_size"`
	Channels           int  `yaml:"channels"`
	SampleWidth        int  `yaml:"sample_width"`
	InputDevice        *int `yaml:"input_device"`
	OutputDevice       *int `yaml:"output_device"`
	BufferFrames       int  `yaml:"buffer_frames"`

	// InputDeviceName and OutputDeviceName select devices by (fuzzy) name and
	// take precedence over the indices.
	InputDeviceName  string `yaml:"input_device_name"`
	OutputDeviceName string `yaml:"output_device_name"`

	// StallTimeout fails a capture stream that stops delivering hardware
	// callbacks. Unset means two seconds; zero disables the check.
	StallTimeout *time.Duration `yaml:"stall_timeout"`

	// PlaybackChunk is the speaker write granularity in samples. Zero means
	// ChunkSize.
	PlaybackChunk int `yaml:"playback_chunk"`
}

// Audio converts the section into the immutable [audio.Config].
func (a AudioConfig) Audio() audio.Config {
	in, out := audio.DefaultDevice, audio.DefaultDevice
	if a.InputDevice != nil {
		in = *a.InputDevice
	}
	if a.OutputDevice != nil {
		out = *a.OutputDevice
	}
	return audio.Config{
		SendSampleRate:     a.SendSampleRate,
		ReceiveSampleRate:  a.ReceiveSampleRate,
		PlaybackSampleRate: a.PlaybackSampleRate,
		ChunkSize:          a.ChunkSize,
		Channels:           a.Channels,
		SampleWidth:        a.SampleWidth,
		InputDevice:        in,
		OutputDevice:       out,
		BufferFrames:       a.BufferFrames,
	}
}

// ProviderEntry configures the remote link provider. The Name field is used
// to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider, e.g. "gemini-live".
	Name string `yaml:"name"`

	// APIKey is the authentication key. Usually given as "${GEMINI_API_KEY}".
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Voice is the provider-specific voice name.
	Voice string `yaml:"voice"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// OptionString returns Options[key] if it is a string, else "".
func (p ProviderEntry) OptionString(key string) string {
	s, _ := p.Options[key].(string)
	return s
}

// SessionConfig tunes the streaming session.
type SessionConfig struct {
	// DrainTimeout bounds how long shutdown waits for the loops.
	DrainTimeout time.Duration `yaml:"drain_timeout"`

	// InactivityTimeout ends the session after this long without speech in
	// either direction. Zero disables it.
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`

	// BargeIn is "link", "local" or "both".
	BargeIn string `yaml:"barge_in"`

	// MuteWhilePlaying drops captured audio while a reply plays.
	MuteWhilePlaying bool `yaml:"mute_while_playing"`

	// VAD tunes the local barge-in detector. The wake detector uses the
	// same thresholds.
	VAD VADConfig `yaml:"vad"`

	Reconnect ReconnectConfig `yaml:"reconnect"`

	Wake WakeConfig `yaml:"wake"`
}

// WakeConfig re-arms the assistant: after a session ends cleanly, the next
// one starts once the user speaks again.
type WakeConfig struct {
	// Enabled keeps the assistant running across sessions. Without it the
	// process exits after the first clean end.
	Enabled bool `yaml:"enabled"`

	// OnStart waits for speech before the first session as well.
	OnStart bool `yaml:"on_start"`

	// MinSpeech is how long speech must last to start a session.
	MinSpeech time.Duration `yaml:"min_speech"`
}

// VADConfig tunes the energy detector used for local barge-in.
type VADConfig struct {
	SpeechThreshold  float64 `yaml:"speech_threshold"`
	SilenceThreshold float64 `yaml:"silence_threshold"`
}

// ReconnectConfig controls re-running the session after a link failure.
type ReconnectConfig struct {
	// MaxRetries is the number of consecutive retries. Zero disables them.
	MaxRetries int           `yaml:"max_retries"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// BreakerFailures is the number of consecutive connect failures after
	// which a provider is skipped for BreakerReset. Only used with fallbacks.
	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerReset    time.Duration `yaml:"breaker_reset"`
}

// AssistantConfig holds what the model is told.
type AssistantConfig struct {
	// Personality selects a built-in or configured personality. Empty means
	// [DefaultPersonality]. The fields below override its values when set.
	Personality string `yaml:"personality"`

	// Instructions is the system prompt.
	Instructions string `yaml:"instructions"`

	// ActivationPrompt, if set, is sent as a text turn right after connecting
	// so the model speaks first.
	ActivationPrompt string `yaml:"activation_prompt"`

	// EndSessionTool offers the model a function that ends the session.
	EndSessionTool bool `yaml:"end_session_tool"`
}
