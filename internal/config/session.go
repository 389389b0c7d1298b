package config

import (
	"cmp"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/template"

	"github.com/MrWong99/livevoice/pkg/provider/live"
)

// ErrMissingAPIKey is returned by [ProviderEntry.ResolveAPIKey] when no
// credential is configured.
var ErrMissingAPIKey = errors.New("config: api key not set")

// defaultInstruction is rendered with [BusinessInfo] when no explicit
// instruction is configured.
const defaultInstruction = `You are the voice assistant for {{or .Name "our business"}}{{with .Location}}, located in {{.}}{{end}}.
{{- with .Description}}
About us: {{.}}{{end}}
Tone: friendly, professional, and business-focused. Keep spoken answers short.
{{- with .Hours}}
Opening hours: {{.}}.{{end}}
{{- if or .Phone .Email}}
Contact:{{with .Phone}} phone {{.}}{{end}}{{with .Email}} email {{.}}{{end}}.{{end}}
Rules:
- If unsure, say "Let me check that for you."
- Collect the caller's name, phone or email, and request details for quotes.
- Never invent prices or legal policies.
- Encourage callers to request a formal quote or visit the showroom.`

var instructionTmpl = template.Must(template.New("instruction").Parse(defaultInstruction))

// ResolveAPIKey returns the configured key, or the value of the environment
// variable named by APIKeyEnv (default [DefaultAPIKeyEnv]).
func (e ProviderEntry) ResolveAPIKey() (string, error) {
	if e.APIKey != "" {
		return e.APIKey, nil
	}
	env := cmp.Or(e.APIKeyEnv, DefaultAPIKeyEnv)
	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%w: set providers.live.api_key or $%s", ErrMissingAPIKey, env)
}

// OptString extracts a string value from Options. Returns "" if the key is
// absent or the value is not a string.
func (e ProviderEntry) OptString(key string) string {
	s, _ := e.Options[key].(string)
	return s
}

// Instruction returns the system instruction for a new session. An explicit
// SystemInstruction wins over InstructionFile, which wins over the default
// rendered from Business.
func (s SessionConfig) Instruction() (string, error) {
	if s.SystemInstruction != "" {
		return s.SystemInstruction, nil
	}
	if s.InstructionFile != "" {
		b, err := os.ReadFile(s.InstructionFile)
		if err != nil {
			return "", fmt.Errorf("config: read instruction file: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	var sb strings.Builder
	if err := instructionTmpl.Execute(&sb, s.Business); err != nil {
		return "", fmt.Errorf("config: render instruction: %w", err)
	}
	return sb.String(), nil
}

// LiveConfig converts s into the per-session transport configuration.
func (s SessionConfig) LiveConfig() (live.Config, error) {
	instruction, err := s.Instruction()
	if err != nil {
		return live.Config{}, err
	}
	cfg := live.Config{
		SystemInstruction: instruction,
		Voice:             s.Voice,
		Transcripts:       s.Transcripts,
	}
	for _, m := range s.ResponseModalities {
		cfg.ResponseModalities = append(cfg.ResponseModalities, string(m))
	}
	return cfg, nil
}
