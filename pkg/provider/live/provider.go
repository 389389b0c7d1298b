// Package live defines the Provider interface for realtime duplex speech
// services.
//
// A live provider wraps a remote endpoint that accepts a continuous stream of
// captured audio and streams synthesised speech back over the same stateful
// connection. Opening a session is a two-phase handshake: [Provider.Open]
// dials and sends the session configuration, and the session later reports
// [EventOpened] on its event channel once the remote side has accepted it.
// Callers must not treat the session as established before that event.
//
// Every inbound occurrence (audio, barge-in, transcripts, end of turn,
// closure, failure) is delivered as an [Event] on a single ordered channel so
// that one consumer can own all session state without locks.
package live

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/livevoice/pkg/audio"
)

// ErrSessionClosed is returned by [Session.Send] after the session has been
// closed locally or remotely.
var ErrSessionClosed = errors.New("live: session closed")

// EventKind discriminates [Event] values.
type EventKind int

const (
	// EventOpened reports that the remote side accepted the session setup.
	EventOpened EventKind = iota + 1

	// EventAudio carries one chunk of synthesised speech in Event.Audio.
	EventAudio

	// EventInterrupted reports that the remote side detected barge-in and
	// discarded the rest of its current response. Pending playback must be
	// flushed.
	EventInterrupted

	// EventTurnComplete reports that the model finished its response.
	EventTurnComplete

	// EventTranscript carries recognised user speech or the text of the
	// model's spoken output in Event.Transcript.
	EventTranscript

	// EventClosed reports that the remote side closed the session normally.
	// No further events follow.
	EventClosed

	// EventError reports a transport or remote failure in Event.Err. No
	// further events follow.
	EventError

	// EventProtocolError reports an inbound message that could not be
	// interpreted. Event.Err describes it. The session continues.
	EventProtocolError
)

// String returns the lowercase name of the kind.
func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventAudio:
		return "audio"
	case EventInterrupted:
		return "interrupted"
	case EventTurnComplete:
		return "turn_complete"
	case EventTranscript:
		return "transcript"
	case EventClosed:
		return "closed"
	case EventError:
		return "error"
	case EventProtocolError:
		return "protocol_error"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Role identifies the speaker of a [Transcript].
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Transcript is a fragment of recognised or generated speech text. Fragments
// arrive incrementally; consumers concatenate them per turn if needed.
type Transcript struct {
	// Role is who spoke the fragment.
	Role Role `json:"role"`

	// Text is the fragment itself, without separators added.
	Text string `json:"text"`
}

// Event is a single inbound occurrence on a [Session]. Only the field that
// matches Kind is set.
type Event struct {
	// Kind selects which of the remaining fields is meaningful.
	Kind EventKind

	// Audio is the synthesised chunk of an [EventAudio].
	Audio audio.EncodedChunk

	// Transcript is the fragment of an [EventTranscript].
	Transcript Transcript

	// Err is the cause of an [EventError] or [EventProtocolError].
	Err error
}

// Config is the per-session configuration sent in the setup message. String
// and slice fields are passed to the remote endpoint verbatim.
type Config struct {
	// SystemInstruction is the system prompt that frames the conversation.
	SystemInstruction string

	// ResponseModalities lists the output modalities requested from the
	// model, e.g. ["AUDIO"]. Empty means the provider default.
	ResponseModalities []string

	// Voice names a prebuilt voice. Empty means the provider default.
	Voice string

	// Transcripts enables input and output transcription events.
	Transcripts bool
}

// Session is an open duplex connection. All methods are safe for concurrent
// use.
//
// Events is closed after the terminal [EventClosed] or [EventError], or
// after Close. Consumers must drain it promptly; the receive side blocks while
// the channel is full.
type Session interface {
	// Send streams one captured chunk to the remote endpoint. It returns
	// [ErrSessionClosed] once the session has ended.
	Send(ctx context.Context, chunk audio.EncodedChunk) error

	// Events returns the ordered inbound event stream.
	Events() <-chan Event

	// Close tears down the connection. It is idempotent and emits no further
	// events.
	Close() error
}

// Provider opens sessions against one remote endpoint.
type Provider interface {
	// Open dials the endpoint and sends the setup message. It returns as soon
	// as the setup has been written; establishment is reported later by
	// [EventOpened].
	Open(ctx context.Context, cfg Config) (Session, error)
}

// Factory constructs a Provider for a single session. Credentials are
// resolved when the factory runs, so each session picks up the current key
// and nothing is cached process-wide.
type Factory func(ctx context.Context) (Provider, error)
