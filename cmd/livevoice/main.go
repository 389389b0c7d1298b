// Command livevoice runs a realtime voice session against the Gemini Live
// API, controlled over a small HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/livevoice/internal/app"
	"github.com/MrWong99/livevoice/internal/config"
	"github.com/MrWong99/livevoice/internal/observe"
	"github.com/MrWong99/livevoice/pkg/provider/live"
	"github.com/MrWong99/livevoice/pkg/provider/live/gemini"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	autoStart := flag.Bool("start", false, "start a session as soon as the server is up")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "livevoice: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "livevoice: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("livevoice starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName:      "livevoice",
		ServiceVersion:   version,
		TraceSampleRatio: cfg.Server.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Application ───────────────────────────────────────────────────────────
	var application *app.App
	watcher, err := config.NewWatcher(*configPath,
		config.WithOnChange(func(old, new *config.Config) {
			if application != nil {
				application.ApplyConfig(old, new)
			}
		}),
	)
	if err != nil {
		slog.Error("failed to watch config", "err", err)
		return 1
	}

	application, err = app.New(cfg, reg,
		app.WithWatcher(watcher),
		app.WithLogLevel(level),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	printStartupSummary(watcher.Current())

	if *autoStart {
		go startWhenRunning(ctx, application)
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// startWhenRunning issues Start once the controller loop is accepting
// commands.
func startWhenRunning(ctx context.Context, a *app.App) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for !a.Controller().Running() {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
	if err := a.Controller().Start(ctx); err != nil {
		slog.Error("auto start failed", "err", err)
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the live provider and every compiled-in
// audio backend into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterLive("gemini-live", func(entry config.ProviderEntry, apiKey string) (live.Provider, error) {
		var opts []gemini.Option
		if entry.Model != "" {
			opts = append(opts, gemini.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		if v := entry.OptString("voice"); v != "" {
			opts = append(opts, gemini.WithVoice(v))
		}
		return gemini.New(apiKey, opts...), nil
	})

	registerAudioBackends(reg)

	for _, name := range reg.AudioBackends() {
		slog.Debug("registered audio backend", "name", name)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       livevoice: startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Live", cfg.Providers.Live.Name, cfg.Providers.Live.Model)
	printRow("Audio", cfg.Audio.Backend, "")
	printRow("Voice", cfg.Session.Voice, "")
	if cfg.Session.Business.Name != "" {
		printRow("Business", cfg.Session.Business.Name, "")
	}
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr, "")
	} else {
		printRow("Listen addr", "(API disabled)", "")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(kind, name, detail string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if detail != "" {
		value = name + " / " + detail
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}
