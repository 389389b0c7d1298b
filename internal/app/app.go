// Package app wires configuration, audio devices, the live provider, and the
// voice controller into a running server with an HTTP control API.
//
// New builds every subsystem, Run executes the controller loop, the config
// watcher, and the HTTP server until the context ends, and Shutdown releases
// the audio backend.
//
// For testing, inject devices and a provider factory via functional options
// (WithDevices, WithLiveFactory). When an option is not provided, New creates
// real implementations from the config registry.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livevoice/internal/config"
	"github.com/MrWong99/livevoice/internal/health"
	"github.com/MrWong99/livevoice/internal/observe"
	"github.com/MrWong99/livevoice/internal/resilience"
	"github.com/MrWong99/livevoice/internal/voice"
	"github.com/MrWong99/livevoice/pkg/provider/live"
)

// shutdownGrace bounds the HTTP server drain when Run's context ends.
const shutdownGrace = 5 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	reg      *config.Registry
	watcher  *config.Watcher
	metrics  *observe.Metrics
	logLevel *slog.LevelVar

	mu  sync.Mutex
	cfg *config.Config

	devices *config.Devices
	factory live.Factory
	breaker *resilience.Breaker
	ctrl    *voice.Controller
	handler http.Handler

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithWatcher makes the app follow config reloads. The watcher's current
// config replaces the one passed to New.
func WithWatcher(w *config.Watcher) Option {
	return func(a *App) { a.watcher = w }
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets config reloads adjust the level of the default logger.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// WithDevices injects the audio devices instead of creating them from
// the registry.
func WithDevices(d config.Devices) Option {
	return func(a *App) { a.devices = &d }
}

// WithLiveFactory injects the provider factory instead of resolving
// providers.live through the registry at each session start.
func WithLiveFactory(f live.Factory) Option {
	return func(a *App) { a.factory = f }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg. reg may be nil when both WithDevices and
// WithLiveFactory are given.
func New(cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{reg: reg, cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.watcher != nil {
		a.cfg = a.watcher.Current()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if (a.devices == nil || a.factory == nil) && a.reg == nil {
		return nil, errors.New("app: a registry is required unless devices and factory are injected")
	}

	if a.devices == nil {
		d, err := a.reg.CreateAudio(a.cfg.Audio)
		if err != nil {
			return nil, fmt.Errorf("app: create audio backend: %w", err)
		}
		a.devices = &d
	}
	if a.factory == nil {
		a.factory = a.liveFactory
	}
	cb := a.cfg.Providers.CircuitBreaker
	a.breaker = resilience.New(resilience.Config{
		Name:         "live/" + a.cfg.Providers.Live.Name,
		MaxFailures:  cb.MaxFailures,
		ResetTimeout: cb.ResetTimeout,
	})

	sessionCfg, err := a.cfg.Session.LiveConfig()
	if err != nil {
		return nil, fmt.Errorf("app: session config: %w", err)
	}

	audioCfg := a.cfg.Audio
	a.ctrl = voice.New(a.devices.Capture, a.devices.Output, resilience.GuardFactory(a.factory, a.breaker),
		voice.WithMetrics(a.metrics),
		voice.WithSampleRates(audioCfg.InputSampleRate, audioCfg.OutputSampleRate),
		voice.WithOutputChannels(audioCfg.OutputChannels),
		voice.WithFrameSize(audioCfg.FrameSize),
		voice.WithSendQueue(audioCfg.SendQueue),
		voice.WithHandshakeTimeout(audioCfg.HandshakeTimeout),
		voice.WithSessionConfig(sessionCfg),
	)

	a.handler = a.routes()
	return a, nil
}

// liveFactory resolves the current providers.live entry, so credential and
// model changes apply at the next session start.
func (a *App) liveFactory(context.Context) (live.Provider, error) {
	return a.reg.CreateLive(a.config().Providers.Live)
}

// Controller returns the voice controller.
func (a *App) Controller() *voice.Controller { return a.ctrl }

// Handler returns the HTTP control API.
func (a *App) Handler() http.Handler { return a.handler }

func (a *App) config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()

	hc := health.New(
		health.Func("controller", a.ctrl.Ready),
		health.Func("live-provider", a.breaker.Ready),
	)
	hc.Register(mux)

	mux.Handle("GET /metrics", observe.MetricsHandler())
	mux.HandleFunc("GET /v1/session", a.handleStatus)
	mux.HandleFunc("POST /v1/session/start", a.handleCommand(a.ctrl.Start, true))
	mux.HandleFunc("POST /v1/session/stop", a.handleCommand(a.ctrl.Stop, false))
	mux.HandleFunc("POST /v1/session/toggle", a.handleCommand(a.ctrl.Toggle, true))
	mux.HandleFunc("GET /v1/session/events", a.handleEvents)

	return observe.Middleware(a.metrics)(mux)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run executes the controller, the config watcher (if any), and the HTTP
// server (if server.listen_addr is set) until ctx is cancelled or one of
// them fails.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.ctrl.Run(gctx) })

	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	if srvCfg := a.config().Server; srvCfg.ListenAddr != "" {
		srv := &http.Server{
			Addr:              srvCfg.ListenAddr,
			Handler:           a.handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			slog.Info("control API listening", "addr", srvCfg.ListenAddr, "tls", srvCfg.TLS != nil)
			var err error
			if srvCfg.TLS != nil {
				err = srv.ListenAndServeTLS(srvCfg.TLS.CertFile, srvCfg.TLS.KeyFile)
			} else {
				err = srv.ListenAndServe()
			}
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("app: http server: %w", err)
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownGrace)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// Shutdown releases the audio backend. Call it after Run has returned, which
// guarantees the controller has closed every stream.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		if a.devices != nil && a.devices.Close != nil {
			done := make(chan error, 1)
			go func() { done <- a.devices.Close() }()
			select {
			case err = <-done:
			case <-ctx.Done():
				err = fmt.Errorf("app: close audio backend: %w", ctx.Err())
			}
		}
	})
	return err
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig adopts a reloaded config. Session and provider changes apply at
// the next session start; the log level applies immediately. Other sections
// are reported as requiring a restart.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)

	a.mu.Lock()
	a.cfg = new
	a.mu.Unlock()

	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SessionChanged {
		if err := a.refreshSession(); err != nil {
			slog.Warn("keeping previous session config", "err", err)
		} else {
			slog.Info("session config updated, applies at next start")
		}
	}
	if d.ProvidersChanged {
		slog.Info("live provider config updated, applies at next start", "provider", new.Providers.Live.Name)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config sections changed that only apply after a restart", "sections", d.RestartRequired)
	}
}

// refreshSession re-renders the session config, re-reading the instruction
// file if one is configured.
func (a *App) refreshSession() error {
	lc, err := a.config().Session.LiveConfig()
	if err != nil {
		return err
	}
	a.ctrl.SetSessionConfig(lc)
	return nil
}

// SlogLevel maps a config log level to its slog equivalent. Unknown values
// map to Info.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
