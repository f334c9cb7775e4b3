package main

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/MrWong99/livevoice/internal/config"
	"github.com/MrWong99/livevoice/internal/resilience"
	"github.com/MrWong99/livevoice/pkg/provider/s2s"
	s2smock "github.com/MrWong99/livevoice/pkg/provider/s2s/mock"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func mockRegistry(caps map[string]s2s.Capabilities) *config.Registry {
	reg := config.NewRegistry()
	for name, c := range caps {
		reg.RegisterS2S(name, func(config.ProviderEntry) (s2s.Provider, error) {
			return &s2smock.Provider{ProviderCapabilities: c}, nil
		})
	}
	return reg
}

func loadYAML(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	return cfg
}

var gemini = s2s.Capabilities{InputSampleRate: 16000, OutputSampleRate: 24000}

func TestNewProvider_Single(t *testing.T) {
	t.Parallel()
	reg := mockRegistry(map[string]s2s.Capabilities{"a": gemini})
	p, err := newProvider(reg, loadYAML(t, "provider:\n  name: a\n"), discard)
	if err != nil {
		t.Fatalf("newProvider: %v", err)
	}
	if _, ok := p.(*resilience.Failover); ok {
		t.Error("single provider wrapped in Failover")
	}
}

func TestNewProvider_WithFallbacks(t *testing.T) {
	t.Parallel()
	reg := mockRegistry(map[string]s2s.Capabilities{"a": gemini, "b": gemini})
	p, err := newProvider(reg, loadYAML(t, "provider:\n  name: a\nfallbacks:\n  - name: b\n"), discard)
	if err != nil {
		t.Fatalf("newProvider: %v", err)
	}
	f, ok := p.(*resilience.Failover)
	if !ok {
		t.Fatalf("provider = %T; want *resilience.Failover", p)
	}
	if _, ok := f.BreakerState("b"); !ok {
		t.Error("fallback b not registered")
	}
}

func TestNewProvider_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown primary", "provider:\n  name: nope\n"},
		{"unknown fallback", "provider:\n  name: a\nfallbacks:\n  - name: nope\n"},
		{"rate mismatch", "provider:\n  name: a\nfallbacks:\n  - name: slow\n"},
	}
	reg := mockRegistry(map[string]s2s.Capabilities{
		"a":    gemini,
		"slow": {InputSampleRate: 8000, OutputSampleRate: 8000},
	})
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := newProvider(reg, loadYAML(t, tc.yaml), discard)
			if err == nil {
				t.Fatal("expected error")
			}
			if strings.Contains(tc.name, "unknown") && !errors.Is(err, config.ErrProviderNotRegistered) {
				t.Errorf("err = %v; want ErrProviderNotRegistered", err)
			}
		})
	}
}
