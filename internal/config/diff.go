package config

import (
	"fmt"
	"maps"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be applied without a restart are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is true if a setting read when a session is built
	// changed. The running session keeps its settings; the next one (after a
	// reconnect) picks them up.
	SessionChanged bool

	// RestartRequired lists the sections that changed but are only read at
	// startup.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Session.DrainTimeout != new.Session.DrainTimeout ||
		old.Session.InactivityTimeout != new.Session.InactivityTimeout ||
		old.Session.BargeIn != new.Session.BargeIn ||
		old.Session.MuteWhilePlaying != new.Session.MuteWhilePlaying ||
		old.Session.VAD != new.Session.VAD ||
		old.Assistant != new.Assistant ||
		old.Provider.Voice != new.Provider.Voice ||
		old.Effects != new.Effects ||
		!maps.Equal(old.CustomPersonalities, new.CustomPersonalities) {
		d.SessionChanged = true
	}

	if old.Server.LogFormat != new.Server.LogFormat || old.Server.MetricsAddr != new.Server.MetricsAddr {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !sameAudio(old.Audio, new.Audio) {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if !sameConnection(old.Provider, new.Provider) {
		d.RestartRequired = append(d.RestartRequired, "provider")
	}
	if !sameEntries(old.Fallbacks, new.Fallbacks) {
		d.RestartRequired = append(d.RestartRequired, "fallbacks")
	}
	if old.Session.Reconnect != new.Session.Reconnect {
		d.RestartRequired = append(d.RestartRequired, "session.reconnect")
	}
	if old.Session.Wake != new.Session.Wake {
		d.RestartRequired = append(d.RestartRequired, "session.wake")
	}

	return d
}

func sameAudio(a, b AudioConfig) bool {
	return a.Audio() == b.Audio() &&
		a.InputDeviceName == b.InputDeviceName &&
		a.OutputDeviceName == b.OutputDeviceName &&
		a.PlaybackChunk == b.PlaybackChunk &&
		(a.StallTimeout == nil) == (b.StallTimeout == nil) &&
		(a.StallTimeout == nil || *a.StallTimeout == *b.StallTimeout)
}

// sameConnection compares the fields a provider reads when it is built.
func sameConnection(a, b ProviderEntry) bool {
	return a.Name == b.Name &&
		a.APIKey == b.APIKey &&
		a.BaseURL == b.BaseURL &&
		a.Model == b.Model &&
		maps.EqualFunc(a.Options, b.Options, func(x, y any) bool { return fmt.Sprint(x) == fmt.Sprint(y) })
}

func sameEntries(a, b []ProviderEntry) bool {
	return slices.EqualFunc(a, b, func(x, y ProviderEntry) bool {
		return sameConnection(x, y) && x.Voice == y.Voice
	})
}
