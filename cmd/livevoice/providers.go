package main

import (
	"fmt"
	"log/slog"

	"github.com/MrWong99/livevoice/internal/config"
	"github.com/MrWong99/livevoice/internal/resilience"
	"github.com/MrWong99/livevoice/pkg/provider/s2s"
	geminilive "github.com/MrWong99/livevoice/pkg/provider/s2s/gemini"
	"github.com/MrWong99/livevoice/pkg/provider/s2s/genailive"
	oais2s "github.com/MrWong99/livevoice/pkg/provider/s2s/openai"
	"github.com/MrWong99/livevoice/pkg/provider/vad"
	"github.com/MrWong99/livevoice/pkg/provider/vad/energy"
)

// registerBuiltinProviders wires the link providers that ship with livevoice
// into reg. Each factory receives the provider section of the configuration.
func registerBuiltinProviders(reg *config.Registry, log *slog.Logger) {
	reg.RegisterS2S("gemini-live", func(entry config.ProviderEntry) (s2s.Provider, error) {
		opts := []geminilive.Option{geminilive.WithLogger(log)}
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})

	// genai talks to Gemini Live through the official SDK and can use the
	// Vertex AI backend when options.project is set.
	reg.RegisterS2S("genai", func(entry config.ProviderEntry) (s2s.Provider, error) {
		opts := []genailive.Option{genailive.WithLogger(log)}
		if entry.Model != "" {
			opts = append(opts, genailive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, genailive.WithBaseURL(entry.BaseURL))
		}
		if project := entry.OptionString("project"); project != "" {
			opts = append(opts, genailive.WithVertexAI(project, entry.OptionString("location")))
		}
		return genailive.New(entry.APIKey, opts...), nil
	})

	reg.RegisterS2S("openai-realtime", func(entry config.ProviderEntry) (s2s.Provider, error) {
		opts := []oais2s.Option{oais2s.WithLogger(log)}
		if entry.Model != "" {
			opts = append(opts, oais2s.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oais2s.WithBaseURL(entry.BaseURL))
		}
		return oais2s.New(entry.APIKey, opts...), nil
	})

	reg.RegisterVAD("energy", func(config.VADConfig) (vad.Engine, error) {
		return energy.New(), nil
	})

	for _, name := range reg.S2SNames() {
		log.Debug("registered provider", "kind", "s2s", "name", name)
	}
}

// newProvider builds the configured provider. With fallbacks configured the
// result is a [resilience.Failover] that tries them in order.
func newProvider(reg *config.Registry, cfg *config.Config, log *slog.Logger) (s2s.Provider, error) {
	primary, err := reg.CreateS2S(cfg.Provider)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", cfg.Provider.Name, err)
	}
	if len(cfg.Fallbacks) == 0 {
		return primary, nil
	}

	f := resilience.NewFailover(cfg.Provider.Name, primary, resilience.FailoverConfig{
		Breaker: resilience.CircuitBreakerConfig{
			MaxFailures:  cfg.Session.Reconnect.BreakerFailures,
			ResetTimeout: cfg.Session.Reconnect.BreakerReset,
		},
		Logger: log,
	})
	for i, entry := range cfg.Fallbacks {
		p, err := reg.CreateS2S(entry)
		if err != nil {
			return nil, fmt.Errorf("fallbacks[%d] %s: %w", i, entry.Name, err)
		}
		if err := f.Add(entry.Name, p); err != nil {
			return nil, err
		}
	}
	log.Info("provider failover enabled", "primary", cfg.Provider.Name, "fallbacks", len(cfg.Fallbacks))
	return f, nil
}
