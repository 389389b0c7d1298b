package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/livevoice/internal/app"
	"github.com/MrWong99/livevoice/internal/config"
	"github.com/MrWong99/livevoice/internal/observe"
	"github.com/MrWong99/livevoice/internal/voice"
	audiomock "github.com/MrWong99/livevoice/pkg/audio/mock"
	"github.com/MrWong99/livevoice/pkg/provider/live"
	livemock "github.com/MrWong99/livevoice/pkg/provider/live/mock"
)

const waitTimeout = 2 * time.Second

type fixture struct {
	app  *app.App
	srv  *httptest.Server
	prov *livemock.Provider
	mic  *audiomock.CaptureDevice
	spk  *audiomock.OutputDevice
}

func testConfig() *config.Config {
	return &config.Config{
		Server:    config.ServerConfig{LogLevel: config.LogInfo},
		Providers: config.ProvidersConfig{Live: config.ProviderEntry{Name: "gemini-live"}},
		Audio:     config.AudioConfig{Backend: "virtual"},
		Session: config.SessionConfig{
			Voice:    "Charon",
			Business: config.BusinessInfo{Name: "Zz-Sanitaire"},
		},
	}
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// newFixture builds an app over mocks, runs it, and serves its handler.
func newFixture(t *testing.T, cfg *config.Config, opts ...app.Option) *fixture {
	t.Helper()
	f := &fixture{
		prov: &livemock.Provider{},
		mic:  &audiomock.CaptureDevice{},
		spk:  &audiomock.OutputDevice{},
	}
	base := []app.Option{
		app.WithMetrics(testMetrics(t)),
		app.WithDevices(config.Devices{Capture: f.mic, Output: f.spk}),
		app.WithLiveFactory(f.prov.Factory()),
	}
	a, err := app.New(cfg, nil, append(base, opts...)...)
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	f.app = a

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	waitFor(t, "controller running", a.Controller().Running)

	f.srv = httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		f.srv.Close()
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run() = %v", err)
			}
		case <-time.After(waitTimeout):
			t.Error("Run did not return")
		}
		if err := a.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown() = %v", err)
		}
	})
	return f
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func (f *fixture) do(t *testing.T, method, path string) (int, voice.Status) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var st voice.Status
	body, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(body, &st)
	return resp.StatusCode, st
}

func (f *fixture) open(t *testing.T) *livemock.Session {
	t.Helper()
	n := len(f.prov.Sessions())
	if code, _ := f.do(t, http.MethodPost, "/v1/session/start"); code != http.StatusAccepted {
		t.Fatalf("start = %d, want 202", code)
	}
	waitFor(t, "transport session", func() bool { return len(f.prov.Sessions()) > n })
	sess := f.prov.Session()
	sess.Emit(live.Event{Kind: live.EventOpened})
	waitFor(t, "active", func() bool { return f.app.Controller().Status().State == voice.StateActive })
	return sess
}

func TestSessionAPI_Lifecycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())

	code, st := f.do(t, http.MethodGet, "/v1/session")
	if code != http.StatusOK || st.State != voice.StateIdle {
		t.Fatalf("GET /v1/session = %d %+v, want 200 idle", code, st)
	}

	code, st = f.do(t, http.MethodPost, "/v1/session/start")
	if code != http.StatusAccepted {
		t.Fatalf("start = %d, want 202", code)
	}
	if st.State != voice.StateConnecting {
		t.Errorf("start status = %s, want connecting", st.State)
	}

	waitFor(t, "transport session", func() bool { return f.prov.Session() != nil })
	f.prov.Session().Emit(live.Event{Kind: live.EventOpened})
	waitFor(t, "active", func() bool {
		_, st := f.do(t, http.MethodGet, "/v1/session")
		return st.State == voice.StateActive
	})

	code, st = f.do(t, http.MethodPost, "/v1/session/stop")
	if code != http.StatusAccepted || st.State != voice.StateClosed {
		t.Errorf("stop = %d %s, want 202 closed", code, st.State)
	}
	if !f.spk.Stream().Closed() || !f.mic.Stream().Closed() {
		t.Error("devices not released after stop")
	}
}

func TestSessionAPI_Toggle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())

	if _, st := f.do(t, http.MethodPost, "/v1/session/toggle"); st.State != voice.StateConnecting {
		t.Fatalf("first toggle = %s, want connecting", st.State)
	}
	if _, st := f.do(t, http.MethodPost, "/v1/session/toggle"); st.State != voice.StateClosed {
		t.Errorf("second toggle = %s, want closed", st.State)
	}
}

func TestSessionAPI_MethodNotAllowed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	if code, _ := f.do(t, http.MethodGet, "/v1/session/start"); code != http.StatusMethodNotAllowed {
		t.Errorf("GET /v1/session/start = %d, want 405", code)
	}
}

func TestSessionAPI_InstructionFromBusiness(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	f.open(t)

	cfg := f.prov.Calls()[0].Cfg
	if !strings.Contains(cfg.SystemInstruction, "Zz-Sanitaire") {
		t.Errorf("instruction = %q, want business name", cfg.SystemInstruction)
	}
	if cfg.Voice != "Charon" {
		t.Errorf("voice = %q, want Charon", cfg.Voice)
	}
}

func TestSessionAPI_InstructionFileReadAtStart(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "prompt.txt")
	if err := os.WriteFile(path, []byte("First prompt."), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig()
	cfg.Session.InstructionFile = path
	f := newFixture(t, cfg)

	f.open(t)
	f.do(t, http.MethodPost, "/v1/session/stop")

	if err := os.WriteFile(path, []byte("Second prompt."), 0o644); err != nil {
		t.Fatal(err)
	}
	f.open(t)

	calls := f.prov.Calls()
	if calls[0].Cfg.SystemInstruction != "First prompt." || calls[1].Cfg.SystemInstruction != "Second prompt." {
		t.Errorf("instructions = %q, %q", calls[0].Cfg.SystemInstruction, calls[1].Cfg.SystemInstruction)
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())

	if code, _ := f.do(t, http.MethodGet, "/healthz"); code != http.StatusOK {
		t.Errorf("/healthz = %d", code)
	}
	if code, _ := f.do(t, http.MethodGet, "/readyz"); code != http.StatusOK {
		t.Errorf("/readyz = %d, want 200", code)
	}

	sess := f.open(t)
	sess.Emit(live.Event{Kind: live.EventError, Err: errors.New("quota")})
	waitFor(t, "failed", func() bool { return f.app.Controller().Status().State == voice.StateFailed })

	if code, _ := f.do(t, http.MethodGet, "/readyz"); code != http.StatusServiceUnavailable {
		t.Errorf("/readyz after failure = %d, want 503", code)
	}
	if _, st := f.do(t, http.MethodGet, "/v1/session"); st.Reason != "connection to the voice service failed" {
		t.Errorf("reason = %q", st.Reason)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	if code, _ := f.do(t, http.MethodGet, "/metrics"); code != http.StatusOK {
		t.Errorf("/metrics = %d, want 200", code)
	}
}

func TestEventsStream(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/session/events"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial events: %v", err)
	}
	defer conn.CloseNow()

	next := func() app.Event {
		t.Helper()
		var ev app.Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			t.Fatalf("read event: %v", err)
		}
		return ev
	}

	if ev := next(); ev.Type != "status" || ev.Status.State != voice.StateIdle {
		t.Fatalf("first event = %+v, want idle status", ev)
	}

	sess := f.open(t)
	if ev := next(); ev.Status == nil || ev.Status.State != voice.StateConnecting {
		t.Errorf("event = %+v, want connecting", ev)
	}
	if ev := next(); ev.Status == nil || ev.Status.State != voice.StateActive {
		t.Errorf("event = %+v, want active", ev)
	}

	sess.Emit(live.Event{Kind: live.EventTranscript, Transcript: live.Transcript{Role: live.RoleModel, Text: "Bonjour"}})
	ev := next()
	if ev.Type != "transcript" || ev.Transcript.Text != "Bonjour" || ev.Transcript.Role != live.RoleModel {
		t.Errorf("event = %+v, want model transcript", ev)
	}

	conn.Close(websocket.StatusNormalClosure, "")
}

func TestNew_RequiresRegistry(t *testing.T) {
	t.Parallel()

	if _, err := app.New(testConfig(), nil); err == nil {
		t.Fatal("New without registry or injected dependencies should fail")
	}
}

func TestNew_UnknownBackend(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Audio.Backend = "alsa"
	_, err := app.New(cfg, config.NewRegistry(), app.WithMetrics(testMetrics(t)))
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("New = %v, want ErrProviderNotRegistered", err)
	}
}

func TestNew_RegistryFactoryResolvedPerStart(t *testing.T) {
	t.Setenv("LIVEVOICE_APP_TEST_KEY", "")

	reg := config.NewRegistry()
	mic, spk := &audiomock.CaptureDevice{}, &audiomock.OutputDevice{}
	reg.RegisterAudio("virtual", func(config.AudioConfig) (config.Devices, error) {
		return config.Devices{Capture: mic, Output: spk}, nil
	})
	prov := &livemock.Provider{}
	var (
		mu   sync.Mutex
		keys []string
	)
	gotKeys := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), keys...)
	}
	reg.RegisterLive("gemini-live", func(_ config.ProviderEntry, key string) (live.Provider, error) {
		mu.Lock()
		defer mu.Unlock()
		keys = append(keys, key)
		return prov, nil
	})

	cfg := testConfig()
	cfg.Providers.Live.APIKeyEnv = "LIVEVOICE_APP_TEST_KEY"
	a, err := app.New(cfg, reg, app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()
	waitFor(t, "controller running", a.Controller().Running)

	// No key yet: the session fails without touching the provider.
	if err := a.Controller().Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "failed", func() bool { return a.Controller().Status().State == voice.StateFailed })
	if len(gotKeys()) != 0 {
		t.Fatalf("factory called without a key")
	}

	// The key is read again at the next start.
	t.Setenv("LIVEVOICE_APP_TEST_KEY", "k-live")
	if err := a.Controller().Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "transport session", func() bool { return prov.Session() != nil })
	if k := gotKeys(); len(k) != 1 || k[0] != "k-live" {
		t.Errorf("keys = %v, want [k-live]", k)
	}
}

func TestApplyConfig_HotReload(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())

	old := testConfig()
	updated := testConfig()
	updated.Session.Voice = "Puck"
	updated.Session.SystemInstruction = "Answer in French."
	f.app.ApplyConfig(old, updated)

	f.open(t)
	cfg := f.prov.Calls()[0].Cfg
	if cfg.Voice != "Puck" || cfg.SystemInstruction != "Answer in French." {
		t.Errorf("session config = %+v, want reloaded values", cfg)
	}
}

func TestCircuitBreaker_StopsDialling(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Providers.CircuitBreaker = config.BreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour}
	f := newFixture(t, cfg)
	f.prov.OpenErr = errors.New("handshake refused")

	for i := range 3 {
		if code, _ := f.do(t, http.MethodPost, "/v1/session/start"); code != http.StatusAccepted {
			t.Fatalf("start %d = %d, want 202", i, code)
		}
		waitFor(t, "failed", func() bool { return f.app.Controller().Status().State == voice.StateFailed })
	}

	if n := len(f.prov.Calls()); n != 2 {
		t.Errorf("provider dialled %d times, want 2", n)
	}
	if code, _ := f.do(t, http.MethodGet, "/readyz"); code != http.StatusServiceUnavailable {
		t.Errorf("/readyz = %d, want 503", code)
	}
}

func TestCircuitBreaker_CountsRejectedHandshakes(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Providers.CircuitBreaker = config.BreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour}
	f := newFixture(t, cfg)

	for i := range 3 {
		if code, _ := f.do(t, http.MethodPost, "/v1/session/start"); code != http.StatusAccepted {
			t.Fatalf("start %d = %d, want 202", i, code)
		}
		if i == 0 {
			waitFor(t, "transport session", func() bool { return f.prov.Session() != nil })
			f.prov.Session().Emit(live.Event{Kind: live.EventError, Err: errors.New("API key not valid")})
		}
		waitFor(t, "failed", func() bool { return f.app.Controller().Status().State == voice.StateFailed })
	}

	if n := len(f.prov.Calls()); n != 1 {
		t.Errorf("provider dialled %d times, want 1", n)
	}
	if code, _ := f.do(t, http.MethodGet, "/readyz"); code != http.StatusServiceUnavailable {
		t.Errorf("/readyz = %d, want 503", code)
	}
}
