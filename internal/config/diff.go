package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs. Session settings,
// the live provider, and the log level apply without a restart (the first two
// at the next session start); everything else is reported so the operator
// knows a restart is needed.
type ConfigDiff struct {
	// SessionChanged is true when voice, modalities, transcripts, the
	// instruction, or the business info differ.
	SessionChanged bool

	// ProvidersChanged is true when the live provider entry differs.
	ProvidersChanged bool

	// LogLevelChanged is true when server.log_level differs. NewLogLevel
	// then holds the level to apply.
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists the top-level sections that changed but are only
	// read at startup.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.SessionChanged = !sessionEqual(old.Session, new.Session)
	d.ProvidersChanged = !reflect.DeepEqual(old.Providers.Live, new.Providers.Live)

	if old.Server.ListenAddr != new.Server.ListenAddr ||
		old.Server.TraceSampleRatio != new.Server.TraceSampleRatio ||
		!reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Providers.CircuitBreaker != new.Providers.CircuitBreaker {
		d.RestartRequired = append(d.RestartRequired, "providers.circuit_breaker")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	return d
}

func sessionEqual(a, b SessionConfig) bool {
	return a.SystemInstruction == b.SystemInstruction &&
		a.InstructionFile == b.InstructionFile &&
		a.Voice == b.Voice &&
		a.Transcripts == b.Transcripts &&
		a.Business == b.Business &&
		slices.Equal(a.ResponseModalities, b.ResponseModalities)
}
