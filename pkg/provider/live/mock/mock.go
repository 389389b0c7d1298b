// Package mock provides test doubles for the live package interfaces.
//
// Use Provider to verify Open calls and hand out controllable sessions. Use
// Session to inject inbound events and inspect what the caller sent.
//
// Example:
//
//	p := &mock.Provider{}
//	factory := p.Factory()
//	// ... controller opens a session through factory ...
//	sess := p.Session()
//	sess.Emit(live.Event{Kind: live.EventOpened})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/provider/live"
)

// eventBuffer is the capacity of a mock session's event channel.
const eventBuffer = 256

// OpenCall records a single invocation of Provider.Open.
type OpenCall struct {
	// Ctx is the context passed to Open.
	Ctx context.Context
	// Cfg is the Config passed to Open.
	Cfg live.Config
}

// Provider is a mock implementation of live.Provider. Every successful Open
// creates a fresh Session.
type Provider struct {
	mu sync.Mutex

	// OpenErr, if non-nil, is returned as the error from Open.
	OpenErr error

	// FactoryErr, if non-nil, is returned by the function from Factory.
	FactoryErr error

	// OpenGate, if non-nil, makes Open block until the channel is closed or
	// ctx is done. Use it to hold a session in the connecting phase.
	OpenGate chan struct{}

	// OpenCalls records every call to Open in order.
	OpenCalls []OpenCall

	// FactoryCallCount is the number of times the factory was invoked.
	FactoryCallCount int

	sessions []*Session
}

// Open records the call and returns a new Session or OpenErr.
func (p *Provider) Open(ctx context.Context, cfg live.Config) (live.Session, error) {
	p.mu.Lock()
	p.OpenCalls = append(p.OpenCalls, OpenCall{Ctx: ctx, Cfg: cfg})
	gate := p.OpenGate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	s := NewSession()
	p.sessions = append(p.sessions, s)
	return s, nil
}

// Factory returns a live.Factory that hands out p.
func (p *Provider) Factory() live.Factory {
	return func(context.Context) (live.Provider, error) {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.FactoryCallCount++
		if p.FactoryErr != nil {
			return nil, p.FactoryErr
		}
		return p, nil
	}
}

// Session returns the most recently opened session, or nil.
func (p *Provider) Session() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) == 0 {
		return nil
	}
	return p.sessions[len(p.sessions)-1]
}

// Sessions returns every session opened so far.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Session, len(p.sessions))
	copy(out, p.sessions)
	return out
}

// Calls returns a copy of OpenCalls.
func (p *Provider) Calls() []OpenCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]OpenCall, len(p.OpenCalls))
	copy(out, p.OpenCalls)
	return out
}

// Session is a mock implementation of live.Session.
type Session struct {
	mu sync.Mutex

	// SendErr, if non-nil, is returned as the error from Send.
	SendErr error

	// SendCalls records every chunk passed to Send, in order.
	SendCalls []audio.EncodedChunk

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	events chan live.Event
	closed bool
}

// NewSession returns an open session with a buffered event channel.
func NewSession() *Session {
	return &Session{events: make(chan live.Event, eventBuffer)}
}

// Send records chunk and returns SendErr, or live.ErrSessionClosed after
// Close.
func (s *Session) Send(_ context.Context, chunk audio.EncodedChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return live.ErrSessionClosed
	}
	s.SendCalls = append(s.SendCalls, chunk)
	return s.SendErr
}

// Events returns the event channel fed by Emit.
func (s *Session) Events() <-chan live.Event { return s.events }

// Close records the call and closes the event channel. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

// Emit injects ev. It reports false if the session is closed or the buffer is
// full.
func (s *Session) Emit(ev live.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

// Sent returns a copy of SendCalls.
func (s *Session) Sent() []audio.EncodedChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.EncodedChunk, len(s.SendCalls))
	copy(out, s.SendCalls)
	return out
}

// CloseCount returns CloseCallCount.
func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

// Closed reports whether Close was called at least once.
func (s *Session) Closed() bool { return s.CloseCount() > 0 }
