package router

import (
	"sync"
	"sync/atomic"

	"tp-bridge/internal/protocol"
	"tp-bridge/internal/statemgr"

	"go.uber.org/zap"
)

// Envelope carries exactly one of a normalized message or a state event.
type Envelope struct {
	Message *protocol.Message
	Event   *statemgr.Event
}

// Subscription is one consumer's buffered queue. Delivery never blocks the
// dispatching goroutine; when the buffer is full the envelope is dropped and
// counted.
type Subscription struct {
	name    string
	mode    protocol.Mode // Untagged means no filtering
	ch      chan Envelope
	dropped atomic.Uint64

	closeOnce sync.Once
}

func (s *Subscription) C() <-chan Envelope { return s.ch }

func (s *Subscription) Name() string { return s.name }

// Dropped reports how many envelopes were discarded because the subscriber
// fell behind.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Router fans normalized messages and state events out to subscribers. The
// dispatch methods are called from the single receive goroutine; Subscribe
// and Unsubscribe are safe from any goroutine.
type Router struct {
	log *zap.Logger

	mu   sync.RWMutex
	subs []*Subscription
}

func New(log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{log: log}
}

// Subscribe registers a consumer receiving every envelope.
func (r *Router) Subscribe(name string, buffer int) *Subscription {
	return r.SubscribeMode(name, protocol.ModeUntagged, buffer)
}

// SubscribeMode registers a consumer that only receives envelopes tagged
// with the given mode. Untagged envelopes are delivered regardless.
func (r *Router) SubscribeMode(name string, mode protocol.Mode, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &Subscription{name: name, mode: mode, ch: make(chan Envelope, buffer)}
	r.mu.Lock()
	r.subs = append(r.subs, sub)
	r.mu.Unlock()
	return sub
}

// Unsubscribe removes the subscription and closes its channel.
func (r *Router) Unsubscribe(sub *Subscription) {
	r.mu.Lock()
	for i, s := range r.subs {
		if s == sub {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
	sub.closeOnce.Do(func() { close(sub.ch) })
}

// Close drops all subscriptions.
func (r *Router) Close() {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()
	for _, s := range subs {
		s.closeOnce.Do(func() { close(s.ch) })
	}
}

// DispatchMessage delivers a normalized message to matching subscribers.
func (r *Router) DispatchMessage(msg protocol.Message) {
	r.dispatch(Envelope{Message: &msg}, msg.Mode)
}

// DispatchEvent delivers a state event. Balance and position events carry
// the mode they belong to; mode-change events go to everyone.
func (r *Router) DispatchEvent(ev statemgr.Event) {
	r.dispatch(Envelope{Event: &ev}, eventMode(ev))
}

func (r *Router) dispatch(env Envelope, mode protocol.Mode) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sub := range r.subs {
		if !modeMatches(sub.mode, mode) {
			continue
		}
		select {
		case sub.ch <- env:
		default:
			n := sub.dropped.Add(1)
			if n == 1 || n%100 == 0 {
				r.log.Warn("subscriber falling behind",
					zap.String("subscriber", sub.name),
					zap.Uint64("dropped", n))
			}
		}
	}
}

func eventMode(ev statemgr.Event) protocol.Mode {
	switch {
	case ev.BalanceChanged != nil:
		return ev.BalanceChanged.Mode
	case ev.PositionChanged != nil:
		return ev.PositionChanged.Position.Mode
	default:
		return protocol.ModeUntagged
	}
}

func modeMatches(want, got protocol.Mode) bool {
	if want == protocol.ModeUntagged || got == protocol.ModeUntagged {
		return true
	}
	return want == got
}

// ModeFiltered wraps a message consumer so it only sees messages for the
// currently tracked mode. Untagged messages always pass; the current mode is
// read per message because it can change mid-session.
func ModeFiltered(current func() protocol.Mode, fn func(protocol.Message)) func(protocol.Message) {
	return func(msg protocol.Message) {
		if msg.Mode != protocol.ModeUntagged && msg.Mode != current() {
			return
		}
		fn(msg)
	}
}
