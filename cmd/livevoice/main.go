// Command livevoice is a hands-free voice assistant: it streams the
// microphone to a remote conversational audio service and plays the spoken
// replies, letting the user talk over them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/MrWong99/livevoice/internal/app"
	"github.com/MrWong99/livevoice/internal/config"
	"github.com/MrWong99/livevoice/internal/observe"
	"github.com/MrWong99/livevoice/pkg/audio/portaudio"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "livevoice.yaml", "path to the YAML configuration file (optional)")
	envPath := flag.String("env", ".env", "dotenv file loaded before the configuration")
	listDevices := flag.Bool("list-devices", false, "print the audio devices and exit")
	watch := flag.Bool("watch", true, "reload the configuration file when it changes")
	var personality string
	flag.StringVar(&personality, "personality", "", "personality to use, overriding assistant.personality")
	flag.StringVar(&personality, "p", "", "shorthand for -personality")
	var listPersonalities bool
	flag.BoolVar(&listPersonalities, "list", false, "print the personalities and exit")
	flag.BoolVar(&listPersonalities, "l", false, "shorthand for -list")
	flag.Parse()

	if *listDevices {
		return printDevices(os.Stdout)
	}

	// ── Environment ───────────────────────────────────────────────────────────
	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "livevoice: load %s: %v\n", *envPath, err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, fromFile, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "livevoice: %v\n", err)
		return 1
	}
	if personality != "" {
		cfg.Assistant.Personality = personality
		if _, err := cfg.Persona(); err != nil {
			fmt.Fprintf(os.Stderr, "livevoice: %v\n", err)
			return 1
		}
	}
	if listPersonalities {
		printPersonalities(os.Stdout, cfg)
		return 0
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	logger := newLogger(cfg.Server.LogFormat, level)
	slog.SetDefault(logger)

	slog.Info("livevoice starting",
		"version", version,
		"config", configSource(*configPath, fromFile),
		"provider", cfg.Provider.Name,
		"barge_in", cfg.Session.BargeIn,
		"personality", orDefault(cfg.Assistant.Personality),
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider ──────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, logger)

	provider, err := newProvider(reg, cfg, logger)
	if err != nil {
		slog.Error("failed to create provider", "registered", reg.S2SNames(), "err", err)
		return 1
	}

	detector, err := reg.CreateVAD("energy", cfg.Session.VAD)
	if err != nil {
		slog.Error("failed to create barge-in detector", "err", err)
		return 1
	}

	application, err := app.New(cfg, provider,
		app.WithLogger(logger),
		app.WithLevelVar(level),
		app.WithDetectorEngine(detector),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if fromFile && *watch {
		w, err := config.NewWatcher(*configPath, config.WithWatcherLogger(logger))
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			go w.Run(ctx, keepPersonality(personality, application.ApplyConfig))
			go reloadOnHangup(ctx, w)
		}
	}

	printStartupSummary(os.Stderr, cfg)
	slog.Info("listening, press Ctrl+C to quit")

	errc := make(chan error, 1)
	go func() { errc <- application.Run(ctx) }()

	var runErr error
	select {
	case runErr = <-errc:
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := application.Shutdown(sctx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
		cancel()
		runErr = <-errc
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("session ended with error", "err", runErr)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// loadConfig reads path, or falls back to defaults plus environment when the
// file does not exist.
func loadConfig(path string) (*config.Config, bool, error) {
	cfg, err := config.Load(path)
	switch {
	case err == nil:
		return cfg, true, nil
	case errors.Is(err, fs.ErrNotExist):
		cfg, err := config.LoadFromReader(defaultYAML())
		return cfg, false, err
	default:
		return nil, false, err
	}
}

// defaultYAML is the configuration used without a file: Gemini Live with
// the key from the environment.
func defaultYAML() io.Reader {
	return strings.NewReader(`
provider:
  name: gemini-live
  api_key: ${GEMINI_API_KEY}
`)
}

func configSource(path string, fromFile bool) string {
	if fromFile {
		return path
	}
	return "(defaults)"
}

// reloadOnHangup forces a config reload on every SIGHUP until ctx ends.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			slog.Info("SIGHUP received, reloading configuration")
			w.Trigger()
		}
	}
}

// keepPersonality pins the -p choice across reloads. Reloaded configs are
// copied, not modified.
func keepPersonality(name string, apply func(old, cur *config.Config)) func(old, cur *config.Config) {
	if name == "" {
		return apply
	}
	return func(old, cur *config.Config) {
		o, c := *old, *cur
		o.Assistant.Personality = name
		c.Assistant.Personality = name
		apply(&o, &c)
	}
}

// ── Personalities ─────────────────────────────────────────────────────────────

// printPersonalities lists every personality as "key: Name", marking the one
// that would be used.
func printPersonalities(w io.Writer, cfg *config.Config) {
	selected := cfg.Assistant.Personality
	if selected == "" {
		selected = config.DefaultPersonality
	}
	all := cfg.Personalities()
	fmt.Fprintln(w, "Available personalities:")
	for _, key := range cfg.PersonalityNames() {
		mark := ""
		if key == selected {
			mark = " (selected)"
		}
		fx := ""
		if all[key].Effects {
			fx = " [voice effects]"
		}
		fmt.Fprintf(w, "  %s: %s%s%s\n", key, all[key].Name, fx, mark)
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(format config.LogFormat, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// ── Devices ────────────────────────────────────────────────────────────────────

func printDevices(w io.Writer) int {
	devices, err := portaudio.ListDevices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "livevoice: %v\n", err)
		return 1
	}
	for _, d := range devices {
		mark := "  "
		switch {
		case d.DefaultInput && d.DefaultOutput:
			mark = "*>"
		case d.DefaultInput:
			mark = "* "
		case d.DefaultOutput:
			mark = " >"
		}
		fmt.Fprintf(w, "%s %-40s in=%d out=%d %.0f Hz (%s)\n",
			mark, d.String(), d.MaxInputChannels, d.MaxOutputChannels, d.DefaultSampleRate, d.HostAPI)
	}
	fmt.Fprintln(w, "(* default input, > default output)")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(w io.Writer, cfg *config.Config) {
	ac := cfg.Audio.Audio()
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║       livevoice, startup summary      ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	row(w, "Provider", cfg.Provider.Name)
	row(w, "Model", orDefault(cfg.Provider.Model))
	if p, err := cfg.Persona(); err == nil {
		row(w, "Personality", p.Name)
		row(w, "Voice", orDefault(p.Voice))
	}
	row(w, "Capture", fmt.Sprintf("%d Hz / %d smp", ac.SendSampleRate, ac.ChunkSize))
	row(w, "Playback", fmt.Sprintf("%d Hz", ac.PlaybackSampleRate))
	row(w, "Barge-in", cfg.Session.BargeIn)
	if cfg.Session.Wake.Enabled {
		row(w, "Re-arm", "on speech")
	}
	if cfg.Server.MetricsAddr != "" {
		row(w, "Metrics", cfg.Server.MetricsAddr)
	}
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func row(w io.Writer, key, value string) {
	if len(value) > 22 {
		value = value[:19] + "..."
	}
	fmt.Fprintf(w, "║  %-12s: %-22s ║\n", key, value)
}

func orDefault(s string) string {
	if s == "" {
		return "(default)"
	}
	return s
}
