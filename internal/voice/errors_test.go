package voice_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/MrWong99/livevoice/internal/voice"
)

func TestError_IsMatchesKind(t *testing.T) {
	t.Parallel()

	cause := errors.New("no such device")
	err := fmt.Errorf("start: %w", &voice.Error{Kind: voice.KindDevice, Op: "open capture", Err: cause})

	if !errors.Is(err, voice.ErrDevice) {
		t.Error("errors.Is(err, ErrDevice) = false")
	}
	if errors.Is(err, voice.ErrTransport) {
		t.Error("errors.Is(err, ErrTransport) = true")
	}
	if !errors.Is(err, cause) {
		t.Error("cause not reachable through Unwrap")
	}

	var ve *voice.Error
	if !errors.As(err, &ve) {
		t.Fatal("errors.As failed")
	}
	if ve.Op != "open capture" {
		t.Errorf("Op = %q, want %q", ve.Op, "open capture")
	}
}

func TestError_Message(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  *voice.Error
		want string
	}{
		{&voice.Error{Kind: voice.KindTransport, Op: "open", Err: errors.New("refused")}, "voice: transport open: refused"},
		{&voice.Error{Kind: voice.KindEncode, Err: errors.New("bad frame")}, "voice: encode: bad frame"},
		{voice.ErrProtocol, "voice: protocol error"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}

func TestError_ReasonIsGeneric(t *testing.T) {
	t.Parallel()

	err := &voice.Error{Kind: voice.KindTransport, Op: "open", Err: errors.New("dial wss://host?key=SECRET: refused")}
	if got := err.Reason(); got != "connection to the voice service failed" {
		t.Errorf("Reason() = %q", got)
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()

	tests := map[voice.State]string{
		voice.StateIdle:       "idle",
		voice.StateConnecting: "connecting",
		voice.StateActive:     "active",
		voice.StateClosing:    "closing",
		voice.StateClosed:     "closed",
		voice.StateFailed:     "failed",
		voice.State(42):       "State(42)",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
