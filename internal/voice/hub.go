package voice

import "sync"

// subscriberBuffer is the per-subscriber channel capacity.
const subscriberBuffer = 16

// hub fans values out to subscribers without ever blocking the publisher. A
// subscriber that falls behind loses its oldest undelivered values.
type hub[T any] struct {
	mu     sync.Mutex
	subs   map[chan T]struct{}
	closed bool
}

func newHub[T any]() *hub[T] {
	return &hub[T]{subs: make(map[chan T]struct{})}
}

// subscribe returns a channel of future values and a function that
// unsubscribes and closes it.
func (h *hub[T]) subscribe() (<-chan T, func()) {
	ch := make(chan T, subscriberBuffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[ch]; ok {
				delete(h.subs, ch)
				close(ch)
			}
		})
	}
}

func (h *hub[T]) publish(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- v:
			continue
		default:
		}
		// Full: drop the oldest. publish is the only sender and holds mu, so
		// a slot is free afterwards.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
}

// close closes every subscriber channel. Later subscriptions receive a closed
// channel.
func (h *hub[T]) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}
