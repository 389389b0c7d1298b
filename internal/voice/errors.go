package voice

import (
	"errors"
	"fmt"
)

// ErrNotRunning is returned by controller methods when [Controller.Run] is not
// executing.
var ErrNotRunning = errors.New("voice: controller not running")

// Kind classifies session failures.
type Kind int

const (
	// KindDevice covers capture and output device failures.
	KindDevice Kind = iota + 1

	// KindTransport covers connection, handshake, and remote failures.
	KindTransport

	// KindEncode covers captured frames that could not be encoded.
	KindEncode

	// KindProtocol covers inbound payloads that could not be decoded. These
	// never end a session.
	KindProtocol
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case KindDevice:
		return "device"
	case KindTransport:
		return "transport"
	case KindEncode:
		return "encode"
	case KindProtocol:
		return "protocol"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is a classified session error. Match kinds with errors.Is against the
// Err* sentinels, or extract the details with errors.As.
type Error struct {
	// Kind classifies the failure.
	Kind Kind

	// Op names the step that failed, e.g. "open capture" or "handshake".
	Op string

	// Err is the underlying cause.
	Err error
}

// Sentinels for errors.Is matching by kind.
var (
	ErrDevice    = &Error{Kind: KindDevice}
	ErrTransport = &Error{Kind: KindTransport}
	ErrEncode    = &Error{Kind: KindEncode}
	ErrProtocol  = &Error{Kind: KindProtocol}
)

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("voice: %s %s: %v", e.Kind, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("voice: %s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("voice: %s error", e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches a bare sentinel of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Op != "" || t.Err != nil {
		return false
	}
	return t.Kind == e.Kind
}

// Reason returns the generic user-facing description of e's kind.
func (e *Error) Reason() string {
	switch e.Kind {
	case KindDevice:
		return "audio device unavailable"
	case KindTransport:
		return "connection to the voice service failed"
	case KindEncode:
		return "microphone audio could not be processed"
	case KindProtocol:
		return "received invalid audio"
	default:
		return "session failed"
	}
}

func deviceError(op string, err error) *Error    { return &Error{Kind: KindDevice, Op: op, Err: err} }
func transportError(op string, err error) *Error { return &Error{Kind: KindTransport, Op: op, Err: err} }

// reasonFor maps any error to the generic reason shown in Status.
func reasonFor(err error) string {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Reason()
	}
	return "session failed"
}
