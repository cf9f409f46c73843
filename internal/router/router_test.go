package router

import (
	"testing"

	"tp-bridge/internal/protocol"
	"tp-bridge/internal/statemgr"

	"go.uber.org/zap"
)

func TestDispatchMessageFanOut(t *testing.T) {
	r := New(zap.NewNop())
	a := r.Subscribe("a", 4)
	b := r.Subscribe("b", 4)

	r.DispatchMessage(protocol.Message{Kind: protocol.KindOrderUpdate, OrderID: "1"})

	for _, sub := range []*Subscription{a, b} {
		select {
		case env := <-sub.C():
			if env.Message == nil || env.Message.OrderID != "1" {
				t.Fatalf("%s: unexpected envelope %+v", sub.Name(), env)
			}
		default:
			t.Fatalf("%s: nothing delivered", sub.Name())
		}
	}
}

func TestModeFilteredSubscription(t *testing.T) {
	r := New(zap.NewNop())
	sim := r.SubscribeMode("sim", protocol.ModeSim, 8)

	r.DispatchMessage(protocol.Message{Kind: protocol.KindBalanceUpdate, Mode: protocol.ModeLive})
	r.DispatchMessage(protocol.Message{Kind: protocol.KindBalanceUpdate, Mode: protocol.ModeSim})
	r.DispatchMessage(protocol.Message{Kind: protocol.KindBalanceUpdate}) // untagged

	if got := len(sim.ch); got != 2 {
		t.Fatalf("expected sim + untagged only, got %d envelopes", got)
	}
}

func TestDispatchEventModeRouting(t *testing.T) {
	r := New(zap.NewNop())
	sim := r.SubscribeMode("sim", protocol.ModeSim, 8)

	r.DispatchEvent(statemgr.Event{BalanceChanged: &statemgr.BalanceChanged{Mode: protocol.ModeLive, Value: 1}})
	r.DispatchEvent(statemgr.Event{BalanceChanged: &statemgr.BalanceChanged{Mode: protocol.ModeSim, Value: 2}})
	// Mode changes carry no per-mode scoping and reach everyone.
	r.DispatchEvent(statemgr.Event{ModeChanged: &statemgr.ModeChanged{Mode: protocol.ModeLive}})

	if got := len(sim.ch); got != 2 {
		t.Fatalf("expected sim balance + mode change, got %d", got)
	}
	env := <-sim.ch
	if env.Event.BalanceChanged == nil || env.Event.BalanceChanged.Value != 2 {
		t.Fatalf("unexpected first envelope: %+v", env)
	}
}

func TestSlowSubscriberDropsNotBlocks(t *testing.T) {
	r := New(zap.NewNop())
	sub := r.Subscribe("slow", 1)

	for i := 0; i < 5; i++ {
		r.DispatchMessage(protocol.Message{Kind: protocol.KindHeartbeat})
	}
	if got := sub.Dropped(); got != 4 {
		t.Fatalf("expected 4 drops, got %d", got)
	}
	if got := len(sub.ch); got != 1 {
		t.Fatalf("expected 1 buffered envelope, got %d", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	r := New(zap.NewNop())
	sub := r.Subscribe("x", 1)
	r.Unsubscribe(sub)
	if _, ok := <-sub.C(); ok {
		t.Fatalf("expected closed channel")
	}
	// Dispatch after unsubscribe must not panic or deliver.
	r.DispatchMessage(protocol.Message{Kind: protocol.KindHeartbeat})
}

func TestModeFilteredConsumer(t *testing.T) {
	mode := protocol.ModeSim
	var seen []protocol.Mode
	fn := ModeFiltered(func() protocol.Mode { return mode }, func(m protocol.Message) {
		seen = append(seen, m.Mode)
	})

	fn(protocol.Message{Mode: protocol.ModeLive})
	fn(protocol.Message{Mode: protocol.ModeSim})
	fn(protocol.Message{}) // untagged
	mode = protocol.ModeLive
	fn(protocol.Message{Mode: protocol.ModeLive})

	want := []protocol.Mode{protocol.ModeSim, protocol.ModeUntagged, protocol.ModeLive}
	if len(seen) != len(want) {
		t.Fatalf("expected %d deliveries, got %v", len(want), seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("delivery %d: expected %q, got %q", i, want[i], seen[i])
		}
	}
}
