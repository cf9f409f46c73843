package app

import (
	"testing"

	"tp-bridge/internal/config"
	"tp-bridge/internal/protocol"

	"go.uber.org/zap"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	disabled := false
	cfg := &config.Config{
		Transport: config.TransportConfig{Host: "127.0.0.1", Port: 11099},
		Journal:   config.JournalConfig{SQLitePath: t.TempDir() + "/journal.db"},
		Sim:       config.SimConfig{InitialMode: "SIM", ResetBalance: 100_000},
		Metrics:   config.MetricsConfig{Enabled: &disabled, Path: "/metrics"},
	}
	a, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("app init failed: %v", err)
	}
	t.Cleanup(func() { _ = a.store.Close() })
	return a
}

func TestBalanceUpdatesAreModeFiltered(t *testing.T) {
	a := newTestApp(t)

	// LIVE-tagged balance while tracking SIM: discarded.
	a.handleRaw(protocol.Raw{Type: protocol.TypeBalanceUpdate, Fields: map[string]any{
		protocol.FieldTradeAccount: "120005",
		protocol.FieldCashBalance:  9999.0,
	}})
	if got := a.state.Balance(protocol.ModeLive); got != 0 {
		t.Fatalf("live balance must not apply while tracking sim, got %v", got)
	}

	// SIM-tagged balance: applied.
	a.handleRaw(protocol.Raw{Type: protocol.TypeBalanceUpdate, Fields: map[string]any{
		protocol.FieldTradeAccount: "Sim101",
		protocol.FieldCashBalance:  50_000.0,
	}})
	if got := a.state.Balance(protocol.ModeSim); got != 50_000 {
		t.Fatalf("expected sim balance 50000, got %v", got)
	}

	// Untagged balance: applied to the tracked mode.
	a.handleRaw(protocol.Raw{Type: protocol.TypeBalanceUpdate, Fields: map[string]any{
		protocol.FieldCashBalance: 51_000.0,
	}})
	if got := a.state.Balance(protocol.ModeSim); got != 51_000 {
		t.Fatalf("expected untagged balance on sim, got %v", got)
	}
}

func TestTradeAccountResponseDrivesMode(t *testing.T) {
	a := newTestApp(t)
	a.handleRaw(protocol.Raw{Type: protocol.TypeTradeAccountResponse, Fields: map[string]any{
		protocol.FieldTradeAccount: "120005",
	}})
	if got := a.state.Mode(); got != protocol.ModeLive {
		t.Fatalf("expected LIVE mode from all-digit account, got %s", got)
	}
}

func TestMistypedResponseNeverReachesState(t *testing.T) {
	a := newTestApp(t)
	a.table.Record("req-1", protocol.RequestOpenOrders)

	// A position update answering an open-orders request is the documented
	// platform bug; it must be rejected before touching state.
	a.handleRaw(protocol.Raw{Type: protocol.TypePositionUpdate, Fields: map[string]any{
		protocol.FieldRequestID:        "req-1",
		protocol.FieldTradeAccount:     "Sim101",
		protocol.FieldSymbol:           "ESZ5",
		protocol.FieldPositionQuantity: 3.0,
	}})
	if _, open := a.state.Position(); open {
		t.Fatalf("mistyped response must not open a position")
	}

	// The same payload with a clean request id is legitimate.
	a.table.Record("req-2", protocol.RequestPositions)
	a.handleRaw(protocol.Raw{Type: protocol.TypePositionUpdate, Fields: map[string]any{
		protocol.FieldRequestID:        "req-2",
		protocol.FieldTradeAccount:     "Sim101",
		protocol.FieldSymbol:           "ESZ5",
		protocol.FieldPositionQuantity: 3.0,
	}})
	pos, open := a.state.Position()
	if !open || pos.Symbol != "ESZ5" || pos.Qty != 3 || !pos.Recovered {
		t.Fatalf("expected recovered position, got %+v (open=%v)", pos, open)
	}
}

func TestOrderFillsMovePosition(t *testing.T) {
	a := newTestApp(t)

	a.handleRaw(protocol.Raw{Type: protocol.TypeOrderUpdate, Fields: map[string]any{
		protocol.FieldTradeAccount:     "Sim101",
		protocol.FieldSymbol:           "ESZ5",
		protocol.FieldServerOrderID:    "10",
		protocol.FieldOrderStatus:      "Filled",
		protocol.FieldBuySell:          "BUY",
		protocol.FieldFilledQuantity:   2.0,
		protocol.FieldLastFillQuantity: 2.0,
		protocol.FieldLastFillPrice:    100.25,
	}})
	pos, open := a.state.Position()
	if !open || pos.Side != "BUY" || pos.Qty != 2 {
		t.Fatalf("expected open BUY position, got %+v (open=%v)", pos, open)
	}

	a.handleRaw(protocol.Raw{Type: protocol.TypeOrderUpdate, Fields: map[string]any{
		protocol.FieldTradeAccount:     "Sim101",
		protocol.FieldSymbol:           "ESZ5",
		protocol.FieldServerOrderID:    "11",
		protocol.FieldOrderStatus:      "Filled",
		protocol.FieldBuySell:          "SELL",
		protocol.FieldFilledQuantity:   2.0,
		protocol.FieldLastFillQuantity: 2.0,
		protocol.FieldLastFillPrice:    101.0,
	}})
	if _, open := a.state.Position(); open {
		t.Fatalf("expected position closed by covering fill")
	}
}

func TestFillWithoutCumulativeQtyMovesPosition(t *testing.T) {
	a := newTestApp(t)

	// Updates reporting only the per-fill quantity still open the position.
	a.handleRaw(protocol.Raw{Type: protocol.TypeOrderUpdate, Fields: map[string]any{
		protocol.FieldTradeAccount:     "Sim101",
		protocol.FieldSymbol:           "ESZ5",
		protocol.FieldServerOrderID:    "20",
		protocol.FieldOrderStatus:      "PartiallyFilled",
		protocol.FieldBuySell:          "BUY",
		protocol.FieldLastFillQuantity: 1.0,
		protocol.FieldLastFillPrice:    100.0,
	}})
	pos, open := a.state.Position()
	if !open || pos.Qty != 1 || pos.Side != "BUY" {
		t.Fatalf("expected open BUY position qty 1, got %+v (open=%v)", pos, open)
	}

	// And a covering fill in the same shape still closes it.
	a.handleRaw(protocol.Raw{Type: protocol.TypeOrderUpdate, Fields: map[string]any{
		protocol.FieldTradeAccount:     "Sim101",
		protocol.FieldSymbol:           "ESZ5",
		protocol.FieldServerOrderID:    "21",
		protocol.FieldOrderStatus:      "Filled",
		protocol.FieldBuySell:          "SELL",
		protocol.FieldLastFillQuantity: 1.0,
		protocol.FieldLastFillPrice:    101.0,
	}})
	if _, open := a.state.Position(); open {
		t.Fatalf("expected position closed by covering fill")
	}
}

func TestSessionRecordsAndFills(t *testing.T) {
	a := newTestApp(t)
	a.handleRaw(protocol.Raw{Type: protocol.TypeOrderUpdate, Fields: map[string]any{
		protocol.FieldTradeAccount:     "Sim101",
		protocol.FieldSymbol:           "ESZ5",
		protocol.FieldServerOrderID:    "42",
		protocol.FieldOrderStatus:      "PartiallyFilled",
		protocol.FieldBuySell:          "BUY",
		protocol.FieldFilledQuantity:   1.0,
		protocol.FieldLastFillQuantity: 1.0,
		protocol.FieldLastFillPrice:    100.0,
		protocol.FieldDateTime:         int64(1767350000000),
	}})
	a.handleRaw(protocol.Raw{Type: protocol.TypeOrderUpdate, Fields: map[string]any{
		protocol.FieldTradeAccount:     "Sim101",
		protocol.FieldSymbol:           "ESZ5",
		protocol.FieldServerOrderID:    "42",
		protocol.FieldOrderStatus:      "Filled",
		protocol.FieldBuySell:          "BUY",
		protocol.FieldFilledQuantity:   2.0,
		protocol.FieldLastFillQuantity: 1.0,
		protocol.FieldLastFillPrice:    102.0,
		protocol.FieldDateTime:         int64(1767350005000),
	}})

	records := a.SessionRecords()
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].Status != "Filled" || records[0].FilledQty != 2 {
		t.Fatalf("unexpected record: %+v", records[0])
	}
	if records[0].AvgFillPrice != 101 {
		t.Fatalf("expected vwap 101, got %v", records[0].AvgFillPrice)
	}

	fills := a.SessionFills()
	if len(fills) != 2 {
		t.Fatalf("expected 2 fills, got %d", len(fills))
	}
	if !fills[0].Time.Before(fills[1].Time) {
		t.Fatalf("fills not chronological: %v then %v", fills[0].Time, fills[1].Time)
	}
}

func TestMalformedOrderUpdateDropped(t *testing.T) {
	a := newTestApp(t)
	a.handleRaw(protocol.Raw{Type: protocol.TypeOrderUpdate, Fields: map[string]any{
		protocol.FieldTradeAccount: "Sim101",
		protocol.FieldOrderStatus:  "Filled",
	}})
	if got := len(a.SessionRecords()); got != 0 {
		t.Fatalf("malformed update must be dropped, got %d records", got)
	}
}
