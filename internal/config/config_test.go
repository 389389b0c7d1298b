package config_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/MrWong99/livevoice/internal/config"
	audiomock "github.com/MrWong99/livevoice/pkg/audio/mock"
	"github.com/MrWong99/livevoice/pkg/provider/live"
	livemock "github.com/MrWong99/livevoice/pkg/provider/live/mock"
)

func TestRegistry_Live(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	var gotKey string
	reg.RegisterLive("gemini-live", func(_ config.ProviderEntry, apiKey string) (live.Provider, error) {
		gotKey = apiKey
		return &livemock.Provider{}, nil
	})

	p, err := reg.CreateLive(config.ProviderEntry{Name: "gemini-live", APIKey: "k-123"})
	if err != nil {
		t.Fatalf("CreateLive: %v", err)
	}
	if _, err := p.Open(context.Background(), live.Config{}); err != nil {
		t.Errorf("Open: %v", err)
	}
	if gotKey != "k-123" {
		t.Errorf("factory key = %q, want %q", gotKey, "k-123")
	}

	_, err = reg.CreateLive(config.ProviderEntry{Name: "openai-realtime"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateLive(unknown) = %v, want ErrProviderNotRegistered", err)
	}
}

func TestRegistry_LiveMissingKey(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	called := false
	reg.RegisterLive("gemini-live", func(config.ProviderEntry, string) (live.Provider, error) {
		called = true
		return &livemock.Provider{}, nil
	})

	_, err := reg.CreateLive(config.ProviderEntry{Name: "gemini-live", APIKeyEnv: "LIVEVOICE_TEST_UNSET_KEY"})
	if !errors.Is(err, config.ErrMissingAPIKey) {
		t.Fatalf("CreateLive = %v, want ErrMissingAPIKey", err)
	}
	if !strings.Contains(err.Error(), "LIVEVOICE_TEST_UNSET_KEY") {
		t.Errorf("error should name the variable: %v", err)
	}
	if called {
		t.Error("factory called without a key")
	}
}

func TestRegistry_Audio(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	reg.RegisterAudio("virtual", func(config.AudioConfig) (config.Devices, error) {
		return config.Devices{Capture: &audiomock.CaptureDevice{}, Output: &audiomock.OutputDevice{}}, nil
	})
	reg.RegisterAudio("portaudio", func(config.AudioConfig) (config.Devices, error) {
		return config.Devices{}, errors.New("not built")
	})

	d, err := reg.CreateAudio(config.AudioConfig{Backend: "virtual"})
	if err != nil {
		t.Fatalf("CreateAudio: %v", err)
	}
	if d.Capture == nil || d.Output == nil {
		t.Error("devices missing")
	}
	if _, err := reg.CreateAudio(config.AudioConfig{Backend: "alsa"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateAudio(unknown) = %v, want ErrProviderNotRegistered", err)
	}
	if got := reg.AudioBackends(); len(got) != 2 || got[0] != "portaudio" || got[1] != "virtual" {
		t.Errorf("AudioBackends() = %v", got)
	}
}

func TestResolveAPIKey(t *testing.T) {
	t.Setenv("LIVEVOICE_TEST_KEY", "  from-env  ")

	tests := []struct {
		name  string
		entry config.ProviderEntry
		want  string
	}{
		{"inline key wins", config.ProviderEntry{APIKey: "inline", APIKeyEnv: "LIVEVOICE_TEST_KEY"}, "inline"},
		{"named env var", config.ProviderEntry{APIKeyEnv: "LIVEVOICE_TEST_KEY"}, "from-env"},
	}
	for _, tt := range tests {
		got, err := tt.entry.ResolveAPIKey()
		if err != nil {
			t.Errorf("%s: %v", tt.name, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestSessionInstruction_Precedence(t *testing.T) {
	t.Parallel()

	file := filepath.Join(t.TempDir(), "prompt.txt")
	if err := os.WriteFile(file, []byte("  From file.\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		cfg  config.SessionConfig
		want string
	}{
		{"explicit", config.SessionConfig{SystemInstruction: "Explicit.", InstructionFile: file}, "Explicit."},
		{"file", config.SessionConfig{InstructionFile: file}, "From file."},
	}
	for _, tt := range tests {
		got, err := tt.cfg.Instruction()
		if err != nil {
			t.Errorf("%s: %v", tt.name, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.name, got, tt.want)
		}
	}

	_, err := config.SessionConfig{InstructionFile: filepath.Join(t.TempDir(), "missing.txt")}.Instruction()
	if err == nil {
		t.Error("missing instruction file should fail")
	}
}

func TestSessionInstruction_RendersBusiness(t *testing.T) {
	t.Parallel()

	cfg := config.SessionConfig{Business: config.BusinessInfo{
		Name:     "Zz-Sanitaire",
		Location: "Ouled Moussa, Algeria",
		Hours:    "Sat - Thu: 08:00 - 17:00",
		Phone:    "+213 555 00 00 00",
	}}
	got, err := cfg.Instruction()
	if err != nil {
		t.Fatalf("Instruction: %v", err)
	}
	for _, want := range []string{
		"voice assistant for Zz-Sanitaire, located in Ouled Moussa, Algeria.",
		"Opening hours: Sat - Thu: 08:00 - 17:00.",
		"Contact: phone +213 555 00 00 00.",
		"Never invent prices",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("instruction missing %q:\n%s", want, got)
		}
	}

	generic, _ := config.SessionConfig{}.Instruction()
	if !strings.Contains(generic, "voice assistant for our business.") {
		t.Errorf("generic instruction = %q", generic)
	}
}

func TestSessionLiveConfig(t *testing.T) {
	t.Parallel()

	cfg := config.SessionConfig{
		SystemInstruction:  "Be brief.",
		Voice:              "Puck",
		Transcripts:        true,
		ResponseModalities: []config.Modality{config.ModalityAudio, config.ModalityText},
	}
	lc, err := cfg.LiveConfig()
	if err != nil {
		t.Fatalf("LiveConfig: %v", err)
	}
	if lc.SystemInstruction != "Be brief." || lc.Voice != "Puck" || !lc.Transcripts {
		t.Errorf("LiveConfig = %+v", lc)
	}
	if len(lc.ResponseModalities) != 2 || lc.ResponseModalities[1] != "TEXT" {
		t.Errorf("ResponseModalities = %v", lc.ResponseModalities)
	}
}

func TestDiff(t *testing.T) {
	t.Parallel()

	base := config.Config{
		Server:    config.ServerConfig{ListenAddr: ":8080", LogLevel: config.LogInfo},
		Providers: config.ProvidersConfig{Live: config.ProviderEntry{Name: "gemini-live"}},
		Audio:     config.AudioConfig{Backend: "virtual"},
		Session:   config.SessionConfig{Voice: "Charon", ResponseModalities: []config.Modality{config.ModalityAudio}},
	}

	same := base
	if d := config.Diff(&base, &same); d.SessionChanged || d.ProvidersChanged || d.LogLevelChanged || len(d.RestartRequired) != 0 {
		t.Errorf("Diff(identical) = %+v, want empty", d)
	}

	changed := base
	changed.Session.ResponseModalities = []config.Modality{config.ModalityText}
	changed.Providers.Live.Model = "other-model"
	changed.Providers.CircuitBreaker.MaxFailures = 5
	changed.Audio.Backend = "portaudio"
	changed.Server.ListenAddr = ":9090"
	changed.Server.LogLevel = config.LogDebug

	d := config.Diff(&base, &changed)
	if !d.SessionChanged {
		t.Error("SessionChanged = false")
	}
	if !d.ProvidersChanged {
		t.Error("ProvidersChanged = false")
	}
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level diff = %v/%q", d.LogLevelChanged, d.NewLogLevel)
	}
	want := []string{"server", "providers.circuit_breaker", "audio"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, want)
	}
}
