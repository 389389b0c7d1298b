// Package config provides the configuration schema, loader, provider registry,
// and file watcher for the livevoice server.
package config

import "time"

// LogLevel controls log verbosity for the server.
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

// Modality is a response modality requested from the live service.
type Modality string

const (
	ModalityAudio Modality = "AUDIO"
	ModalityText  Modality = "TEXT"
)

// IsValid reports whether m is a recognised modality.
func (m Modality) IsValid() bool { return m == ModalityAudio || m == ModalityText }

// DefaultAPIKeyEnv is the environment variable consulted for the live
// service credential when neither api_key nor api_key_env is configured.
const DefaultAPIKeyEnv = "GEMINI_API_KEY"

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	// Server holds the control API, logging, and tracing settings.
	Server ServerConfig `yaml:"server"`

	// Providers selects the live speech service and its circuit breaker.
	Providers ProvidersConfig `yaml:"providers"`

	// Audio selects the device backend and the stream shapes.
	Audio AudioConfig `yaml:"audio"`

	// Session is the per-session configuration sent at every start.
	Session SessionConfig `yaml:"session"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the control API (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// TraceSampleRatio is the fraction of new traces sampled, in [0, 1].
	// Zero samples everything.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded certificate chain.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig selects the live speech service.
type ProvidersConfig struct {
	// Live names the registered live provider and its credentials. It is
	// resolved again at every session start.
	Live ProviderEntry `yaml:"live"`

	// CircuitBreaker guards connects to the live provider.
	CircuitBreaker BreakerConfig `yaml:"circuit_breaker"`
}

// BreakerConfig tunes the circuit breaker in front of the live provider.
// Zero values take the breaker's defaults.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failed connects that opens
	// the breaker.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long session starts fail fast once the breaker
	// has opened.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// ProviderEntry is the configuration block of a provider. The Name field is
// used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "gemini-live").
	Name string `yaml:"name"`

	// APIKey is the credential for the provider's API. Prefer APIKeyEnv so
	// the key stays out of the file.
	APIKey string `yaml:"api_key"`

	// APIKeyEnv names the environment variable holding the credential.
	// Defaults to GEMINI_API_KEY. Read at every session start.
	APIKeyEnv string `yaml:"api_key_env"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// AudioConfig selects the audio backend and the pipeline shape. Zero values
// fall back to the controller defaults.
type AudioConfig struct {
	// Backend selects the registered device backend ("portaudio", "virtual",
	// or "wav").
	Backend string `yaml:"backend"`

	// InputSampleRate is the capture rate in Hz. Default: 16000.
	InputSampleRate int `yaml:"input_sample_rate"`

	// OutputSampleRate is the rate of synthesised speech in Hz. Default: 24000.
	OutputSampleRate int `yaml:"output_sample_rate"`

	// OutputChannels is the channel count of synthesised speech. Default: 1.
	OutputChannels int `yaml:"output_channels"`

	// FrameSize is the number of samples per outbound capture frame.
	FrameSize int `yaml:"frame_size"`

	// SendQueue is the capacity of the outbound frame queue.
	SendQueue int `yaml:"send_queue"`

	// HandshakeTimeout bounds the wait for the remote setup acknowledgement.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// WAVPath is the capture file of the "wav" backend.
	WAVPath string `yaml:"wav_path"`

	// Loop replays WAVPath from the start when it ends.
	Loop bool `yaml:"loop"`

	// OutputPath, if set, receives the PCM16 audio played by the "virtual"
	// and "wav" backends.
	OutputPath string `yaml:"output_path"`

	// FramesPerBuffer is the hardware buffer size of the "portaudio" backend.
	FramesPerBuffer int `yaml:"frames_per_buffer"`
}

// SessionConfig shapes each live session. Changes take effect at the next
// session start.
type SessionConfig struct {
	// SystemInstruction replaces the rendered default instruction.
	SystemInstruction string `yaml:"system_instruction"`

	// InstructionFile is read at every session start when SystemInstruction
	// is empty.
	InstructionFile string `yaml:"instruction_file"`

	// ResponseModalities defaults to [AUDIO].
	ResponseModalities []Modality `yaml:"response_modalities"`

	// Voice selects a prebuilt voice of the live service.
	Voice string `yaml:"voice"`

	// Transcripts requests input and output transcription.
	Transcripts bool `yaml:"transcripts"`

	// Business feeds the default instruction template.
	Business BusinessInfo `yaml:"business"`
}

// BusinessInfo describes the business the assistant represents. Every field
// is free text for the default instruction, and empty fields are omitted
// from it.
type BusinessInfo struct {
	Name        string `yaml:"name"`
	Location    string `yaml:"location"`
	Phone       string `yaml:"phone"`
	Email       string `yaml:"email"`
	Hours       string `yaml:"hours"`
	Description string `yaml:"description"`
}
