package resilience

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/livevoice/pkg/provider/live"
)

// guardedProvider routes Open through a breaker.
type guardedProvider struct {
	live.Provider
	b *Breaker
}

// GuardProvider returns p with every Open passing through b.
//
// A connect is judged at the handshake, not at the dial: the attempt
// succeeds when the session reports [live.EventOpened], and fails when Open
// errors or the session ends or errors before that. A session closed before
// the handshake counts as a failure unless the context passed to Open was
// cancelled without a cause (context.Canceled), which is how a caller
// abandons a connect. Errors after the handshake are not counted.
func GuardProvider(p live.Provider, b *Breaker) live.Provider {
	return &guardedProvider{Provider: p, b: b}
}

func (g *guardedProvider) Open(ctx context.Context, cfg live.Config) (live.Session, error) {
	a, err := g.b.Begin()
	if err != nil {
		return nil, err
	}
	sess, err := g.Provider.Open(ctx, cfg)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			a.Abandon()
		} else {
			a.Fail()
		}
		return nil, err
	}

	gs := &guardedSession{
		Session: sess,
		events:  make(chan live.Event),
		closed:  make(chan struct{}),
	}
	go gs.forward(ctx, a)
	return gs, nil
}

// guardedSession relays the wrapped session's events and settles the connect
// attempt from them.
type guardedSession struct {
	live.Session
	events    chan live.Event
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *guardedSession) Events() <-chan live.Event { return s.events }

func (s *guardedSession) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return s.Session.Close()
}

func (s *guardedSession) forward(ctx context.Context, a *Attempt) {
	defer close(s.events)
	for ev := range s.Session.Events() {
		switch ev.Kind {
		case live.EventOpened:
			a.Succeed()
		case live.EventError, live.EventClosed:
			a.Fail()
		}
		select {
		case s.events <- ev:
		case <-s.closed:
		}
	}
	// The stream ended without a verdict.
	if ctx.Err() != nil && errors.Is(context.Cause(ctx), context.Canceled) {
		a.Abandon()
		return
	}
	a.Fail()
}

// GuardFactory wraps every provider f creates with b. Factory errors are
// configuration problems and pass through uncounted.
func GuardFactory(f live.Factory, b *Breaker) live.Factory {
	return func(ctx context.Context) (live.Provider, error) {
		p, err := f(ctx)
		if err != nil {
			return nil, err
		}
		return GuardProvider(p, b), nil
	}
}
