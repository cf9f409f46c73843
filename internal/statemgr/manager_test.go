package statemgr

import (
	"errors"
	"math/rand"
	"sync"
	"testing"

	"tp-bridge/internal/protocol"

	"go.uber.org/zap"
)

type recorder struct {
	events []string
}

func (r *recorder) observe(ev Event) {
	switch {
	case ev.ModeChanged != nil:
		r.events = append(r.events, "mode")
	case ev.BalanceChanged != nil:
		r.events = append(r.events, "balance")
	case ev.PositionChanged != nil:
		r.events = append(r.events, "position")
	}
}

func TestNotificationOrderFixed(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		m := New(protocol.ModeSim, zap.NewNop())
		rec := &recorder{}
		m.Observe(rec.observe)

		touchMode := rng.Intn(2) == 0
		touchBalance := rng.Intn(2) == 0
		touchPosition := rng.Intn(2) == 0

		// Stage in a randomized call order; emission order must not follow it.
		m.Transaction(func(tx *Txn) {
			ops := []func(){}
			if touchPosition {
				ops = append(ops, func() {
					_ = tx.OpenPosition(protocol.ModeLive, "ESZ5", 1, 100, "BUY")
				})
			}
			if touchBalance {
				ops = append(ops, func() {
					tx.SetBalance(protocol.ModeLive, float64(1000+i))
				})
			}
			if touchMode {
				ops = append(ops, func() {
					tx.SetMode(protocol.ModeLive)
				})
			}
			rng.Shuffle(len(ops), func(a, b int) { ops[a], ops[b] = ops[b], ops[a] })
			for _, op := range ops {
				op()
			}
		})

		var want []string
		if touchMode {
			want = append(want, "mode")
		}
		if touchBalance {
			want = append(want, "balance")
		}
		if touchPosition {
			want = append(want, "position")
		}
		if len(rec.events) != len(want) {
			t.Fatalf("iteration %d: expected %v, got %v", i, want, rec.events)
		}
		for j := range want {
			if rec.events[j] != want[j] {
				t.Fatalf("iteration %d: expected order %v, got %v", i, want, rec.events)
			}
		}
	}
}

func TestConcurrentTransactionsDeliverInCommitOrder(t *testing.T) {
	m := New(protocol.ModeSim, zap.NewNop())
	var last float64
	m.Observe(func(ev Event) {
		if ev.BalanceChanged != nil {
			last = ev.BalanceChanged.Value
		}
	})

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				m.ApplyBalanceUpdate(protocol.ModeSim, float64(g*1000+i))
			}
		}(g)
	}
	wg.Wait()

	// The last delivered event must carry the committed balance: a writer
	// must never flush after a later writer already has.
	if got := m.Balance(protocol.ModeSim); last != got {
		t.Fatalf("last delivered balance %v, committed %v", last, got)
	}
}

func TestModeChangeBlockedByOpenPosition(t *testing.T) {
	m := New(protocol.ModeSim, zap.NewNop())
	if err := m.OpenPosition(protocol.ModeSim, "ESZ5", 2, 101.5, "BUY"); err != nil {
		t.Fatalf("open position: %v", err)
	}
	if m.RequestModeChange(protocol.ModeLive) {
		t.Fatalf("mode change should be refused while SIM position open")
	}
	if m.Mode() != protocol.ModeSim {
		t.Fatalf("mode must be unchanged, got %s", m.Mode())
	}
	if !m.RequestModeChange(protocol.ModeSim) {
		t.Fatalf("same-mode change should be accepted")
	}
	if _, err := m.ClosePosition(); err != nil {
		t.Fatalf("close position: %v", err)
	}
	if !m.RequestModeChange(protocol.ModeLive) {
		t.Fatalf("mode change should succeed once flat")
	}
}

func TestBalancesAreModeSegregated(t *testing.T) {
	m := New(protocol.ModeSim, zap.NewNop())
	m.ApplyBalanceUpdate(protocol.ModeSim, 25000)
	m.ApplyBalanceUpdate(protocol.ModeLive, 9000)
	if got := m.Balance(protocol.ModeSim); got != 25000 {
		t.Fatalf("expected SIM balance 25000, got %v", got)
	}
	if got := m.Balance(protocol.ModeLive); got != 9000 {
		t.Fatalf("expected LIVE balance 9000, got %v", got)
	}
}

func TestResetModeBalanceMovesSimBaseline(t *testing.T) {
	m := New(protocol.ModeSim, zap.NewNop())
	m.ApplyBalanceUpdate(protocol.ModeSim, 17500)
	m.ResetModeBalance(protocol.ModeSim, 25000)
	if got := m.Balance(protocol.ModeSim); got != 25000 {
		t.Fatalf("expected SIM balance 25000, got %v", got)
	}
	if got := m.SimBaseline(); got != 25000 {
		t.Fatalf("expected SIM baseline 25000, got %v", got)
	}
	m.ResetModeBalance(protocol.ModeLive, 100)
	if got := m.SimBaseline(); got != 25000 {
		t.Fatalf("LIVE reset must not move SIM baseline, got %v", got)
	}
}

func TestSingleOpenPosition(t *testing.T) {
	m := New(protocol.ModeSim, zap.NewNop())
	if err := m.OpenPosition(protocol.ModeSim, "ESZ5", 1, 100, "BUY"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := m.OpenPosition(protocol.ModeSim, "NQZ5", 1, 200, "BUY"); !errors.Is(err, ErrPositionOpen) {
		t.Fatalf("expected ErrPositionOpen, got %v", err)
	}
	pos, ok := m.Position()
	if !ok || pos.Symbol != "ESZ5" {
		t.Fatalf("unexpected position: %+v ok=%v", pos, ok)
	}
}

func TestClosePositionSummary(t *testing.T) {
	m := New(protocol.ModeSim, zap.NewNop())
	if err := m.OpenPosition(protocol.ModeSim, "ESZ5", 3, 100.25, "SELL"); err != nil {
		t.Fatalf("open: %v", err)
	}
	closed, err := m.ClosePosition()
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.Symbol != "ESZ5" || closed.Qty != 3 || closed.Side != "SELL" || closed.Mode != protocol.ModeSim {
		t.Fatalf("unexpected summary: %+v", closed)
	}
	if _, ok := m.Position(); ok {
		t.Fatalf("position must be deleted after close")
	}
	if _, err := m.ClosePosition(); !errors.Is(err, ErrNoPosition) {
		t.Fatalf("expected ErrNoPosition, got %v", err)
	}
}

func TestRecoveredPositionFlag(t *testing.T) {
	m := New(protocol.ModeLive, zap.NewNop())
	if err := m.RecoverPosition(protocol.ModeLive, "ESZ5", -2, 99.75, "SELL"); err != nil {
		t.Fatalf("recover: %v", err)
	}
	pos, ok := m.Position()
	if !ok || !pos.Recovered {
		t.Fatalf("expected recovered position, got %+v ok=%v", pos, ok)
	}
}

func TestUncontrolledMutationFailsLoudly(t *testing.T) {
	m := New(protocol.ModeSim, zap.NewNop())
	if err := m.SetPositionQty(5); !errors.Is(err, ErrUnsupportedMutation) {
		t.Fatalf("expected ErrUnsupportedMutation, got %v", err)
	}
	if err := m.SetPositionPrice(101); !errors.Is(err, ErrUnsupportedMutation) {
		t.Fatalf("expected ErrUnsupportedMutation, got %v", err)
	}
	if err := m.OpenPosition(protocol.ModeSim, "", 1, 1, "BUY"); !errors.Is(err, ErrUnsupportedMutation) {
		t.Fatalf("expected ErrUnsupportedMutation for empty symbol, got %v", err)
	}
	if err := m.OpenPosition(protocol.ModeSim, "ESZ5", 0, 1, "BUY"); !errors.Is(err, ErrUnsupportedMutation) {
		t.Fatalf("expected ErrUnsupportedMutation for zero qty, got %v", err)
	}
}

func TestAtomicCloseWithBalance(t *testing.T) {
	m := New(protocol.ModeSim, zap.NewNop())
	rec := &recorder{}
	if err := m.OpenPosition(protocol.ModeSim, "ESZ5", 1, 100, "BUY"); err != nil {
		t.Fatalf("open: %v", err)
	}
	m.Observe(rec.observe)
	m.Transaction(func(tx *Txn) {
		if _, err := tx.ClosePosition(); err != nil {
			t.Fatalf("close: %v", err)
		}
		tx.SetBalance(protocol.ModeSim, 25100)
	})
	want := []string{"balance", "position"}
	if len(rec.events) != len(want) || rec.events[0] != want[0] || rec.events[1] != want[1] {
		t.Fatalf("expected %v, got %v", want, rec.events)
	}
	if m.Balance(protocol.ModeSim) != 25100 {
		t.Fatalf("expected balance 25100, got %v", m.Balance(protocol.ModeSim))
	}
}
