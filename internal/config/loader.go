package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised names.
var ValidProviderNames = map[string][]string{
	"live":  {"gemini-live"},
	"audio": {"portaudio", "virtual", "wav"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r and validates the result.
// Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	if r := cfg.Server.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("server.trace_sample_ratio %v must be within [0, 1]", r))
	}

	validateProviderName("live", cfg.Providers.Live.Name)
	validateProviderName("audio", cfg.Audio.Backend)
	if cfg.Providers.Live.Name == "" {
		slog.Warn("providers.live.name is empty; sessions cannot be started")
	}

	if cb := cfg.Providers.CircuitBreaker; cb.MaxFailures < 0 || cb.ResetTimeout < 0 {
		errs = append(errs, errors.New("providers.circuit_breaker values must not be negative"))
	}

	a := cfg.Audio
	for _, f := range []struct {
		name string
		v    int
	}{
		{"audio.input_sample_rate", a.InputSampleRate},
		{"audio.output_sample_rate", a.OutputSampleRate},
		{"audio.output_channels", a.OutputChannels},
		{"audio.frame_size", a.FrameSize},
		{"audio.send_queue", a.SendQueue},
		{"audio.frames_per_buffer", a.FramesPerBuffer},
	} {
		if f.v < 0 {
			errs = append(errs, fmt.Errorf("%s %d must not be negative", f.name, f.v))
		}
	}
	if a.HandshakeTimeout < 0 {
		errs = append(errs, fmt.Errorf("audio.handshake_timeout %s must not be negative", a.HandshakeTimeout))
	}
	if a.Backend == "wav" && a.WAVPath == "" {
		errs = append(errs, errors.New("audio.wav_path is required when backend is wav"))
	}

	s := cfg.Session
	for i, m := range s.ResponseModalities {
		if !m.IsValid() {
			errs = append(errs, fmt.Errorf("session.response_modalities[%d] %q is invalid; valid values: AUDIO, TEXT", i, m))
		}
	}
	if s.SystemInstruction != "" && s.InstructionFile != "" {
		slog.Warn("session.system_instruction is set; session.instruction_file is ignored")
	}
	if s.SystemInstruction == "" && s.InstructionFile == "" && s.Business.Name == "" {
		slog.Warn("session.business.name is empty; the default instruction will be generic")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
