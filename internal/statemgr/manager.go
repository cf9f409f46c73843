package statemgr

import (
	"errors"
	"sync"
	"time"

	"tp-bridge/internal/protocol"

	"go.uber.org/zap"
)

// ErrUnsupportedMutation rejects any position write outside the controlled
// mutators. Callers must treat it as fatal, never swallow it.
var ErrUnsupportedMutation = errors.New("statemgr: position fields change only through OpenPosition, RecoverPosition and ClosePosition")

var ErrNoPosition = errors.New("statemgr: no open position")

var ErrPositionOpen = errors.New("statemgr: a position is already open")

// Position is the single open position. Quantity is non-zero while the
// position exists; reaching zero deletes it. Recovered marks positions
// discovered via reconciliation rather than a live fill, so EntryTime is
// unreliable for them.
type Position struct {
	Symbol    string
	Qty       float64
	AvgPrice  float64
	Side      string
	Mode      protocol.Mode
	Recovered bool
	EntryTime time.Time
}

type PositionAction string

const (
	PositionOpened PositionAction = "open"
	PositionClosed PositionAction = "close"
)

// ClosedPosition summarizes the position that was just removed.
type ClosedPosition struct {
	Symbol   string
	Qty      float64
	AvgPrice float64
	Side     string
	Mode     protocol.Mode
	HeldFor  time.Duration
}

// Event is a state-change notification. Within one transaction events are
// always flushed in the order mode, balance, position.
type Event struct {
	ModeChanged     *ModeChanged
	BalanceChanged  *BalanceChanged
	PositionChanged *PositionChanged
}

type ModeChanged struct {
	Mode protocol.Mode
}

type BalanceChanged struct {
	Mode  protocol.Mode
	Value float64
}

type PositionChanged struct {
	Action   PositionAction
	Position Position
}

// Manager is the single writer for mode, per-mode balances and the open
// position. Every mutation runs inside one transaction under the lock; no
// I/O happens while it is held. Observer notifications are buffered during
// the transaction and flushed after commit, outside the lock, in the fixed
// order mode -> balance -> position. An observer reacting to a position
// event can therefore trust that mode and balance are already current.
type Manager struct {
	log *zap.Logger
	now func() time.Time

	mu          sync.Mutex
	mode        protocol.Mode
	balances    map[protocol.Mode]float64
	simBaseline float64
	position    *Position

	notifyMu  sync.Mutex
	observers []func(Event)
}

func New(initialMode protocol.Mode, log *zap.Logger) *Manager {
	if initialMode == protocol.ModeUntagged {
		initialMode = protocol.ModeSim
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		log:      log,
		now:      time.Now,
		mode:     initialMode,
		balances: make(map[protocol.Mode]float64),
	}
}

// Observe registers an observer. Observers run sequentially on the
// committing goroutine; they must not call back into the Manager's mutators.
func (m *Manager) Observe(fn func(Event)) {
	m.notifyMu.Lock()
	m.observers = append(m.observers, fn)
	m.notifyMu.Unlock()
}

// Txn stages mutations for one atomic transaction. Mutations apply to the
// manager's state immediately (the lock is held for the whole transaction);
// the corresponding events flush only once the transaction commits.
type Txn struct {
	m        *Manager
	mode     *ModeChanged
	balances []BalanceChanged
	position *PositionChanged
}

// Transaction runs fn under the manager lock and flushes buffered events
// afterwards. fn must not block on I/O. The notify lock is taken before the
// state lock is released, so concurrent transactions always deliver their
// events in commit order.
func (m *Manager) Transaction(fn func(tx *Txn)) {
	m.mu.Lock()
	tx := &Txn{m: m}
	fn(tx)
	if tx.mode == nil && len(tx.balances) == 0 && tx.position == nil {
		m.mu.Unlock()
		return
	}
	m.notifyMu.Lock()
	m.mu.Unlock()
	m.flushLocked(tx)
	m.notifyMu.Unlock()
}

func (m *Manager) flushLocked(tx *Txn) {
	if tx.mode != nil {
		m.emitLocked(Event{ModeChanged: tx.mode})
	}
	for i := range tx.balances {
		m.emitLocked(Event{BalanceChanged: &tx.balances[i]})
	}
	if tx.position != nil {
		m.emitLocked(Event{PositionChanged: tx.position})
	}
}

func (m *Manager) emitLocked(ev Event) {
	for _, fn := range m.observers {
		fn(ev)
	}
}

// SetMode stages a mode change. Refused (false) when a position is open in
// a different mode, since switching would orphan it.
func (tx *Txn) SetMode(mode protocol.Mode) bool {
	if mode == protocol.ModeUntagged {
		return false
	}
	m := tx.m
	if m.position != nil && m.position.Mode != mode {
		m.log.Warn("mode change refused: position open in another mode",
			zap.String("requested", string(mode)),
			zap.String("position_mode", string(m.position.Mode)))
		return false
	}
	if m.mode == mode {
		return true
	}
	m.mode = mode
	tx.mode = &ModeChanged{Mode: mode}
	return true
}

// SetBalance stages a balance overwrite for mode.
func (tx *Txn) SetBalance(mode protocol.Mode, balance float64) {
	if mode == protocol.ModeUntagged {
		mode = tx.m.mode
	}
	tx.m.balances[mode] = balance
	tx.balances = append(tx.balances, BalanceChanged{Mode: mode, Value: balance})
}

// OpenPosition stages a live entry fill.
func (tx *Txn) OpenPosition(mode protocol.Mode, symbol string, qty, price float64, side string) error {
	return tx.open(mode, symbol, qty, price, side, false)
}

// RecoverPosition stages a position discovered via reconciliation; the
// position carries the Recovered flag.
func (tx *Txn) RecoverPosition(mode protocol.Mode, symbol string, qty, price float64, side string) error {
	return tx.open(mode, symbol, qty, price, side, true)
}

func (tx *Txn) open(mode protocol.Mode, symbol string, qty, price float64, side string, recovered bool) error {
	if symbol == "" || qty == 0 {
		return ErrUnsupportedMutation
	}
	m := tx.m
	if m.position != nil {
		return ErrPositionOpen
	}
	if mode == protocol.ModeUntagged {
		mode = m.mode
	}
	pos := Position{
		Symbol:    symbol,
		Qty:       qty,
		AvgPrice:  price,
		Side:      side,
		Mode:      mode,
		Recovered: recovered,
		EntryTime: m.now(),
	}
	m.position = &pos
	tx.position = &PositionChanged{Action: PositionOpened, Position: pos}
	return nil
}

// ClosePosition stages removal of the open position and returns its summary.
func (tx *Txn) ClosePosition() (ClosedPosition, error) {
	m := tx.m
	if m.position == nil {
		return ClosedPosition{}, ErrNoPosition
	}
	pos := *m.position
	m.position = nil
	tx.position = &PositionChanged{Action: PositionClosed, Position: pos}
	return ClosedPosition{
		Symbol:   pos.Symbol,
		Qty:      pos.Qty,
		AvgPrice: pos.AvgPrice,
		Side:     pos.Side,
		Mode:     pos.Mode,
		HeldFor:  m.now().Sub(pos.EntryTime),
	}, nil
}

// RequestModeChange switches the tracked mode in its own transaction.
func (m *Manager) RequestModeChange(mode protocol.Mode) bool {
	var ok bool
	m.Transaction(func(tx *Txn) {
		ok = tx.SetMode(mode)
	})
	return ok
}

// ApplyBalanceUpdate overwrites the stored balance for mode.
func (m *Manager) ApplyBalanceUpdate(mode protocol.Mode, balance float64) {
	m.Transaction(func(tx *Txn) {
		tx.SetBalance(mode, balance)
	})
}

// ResetModeBalance is the administrative reset, e.g. the periodic SIM reset
// to a fixed starting balance. For SIM it also moves the period baseline.
func (m *Manager) ResetModeBalance(mode protocol.Mode, value float64) {
	m.Transaction(func(tx *Txn) {
		tx.SetBalance(mode, value)
		if mode == protocol.ModeSim {
			tx.m.simBaseline = value
		}
	})
}

// OpenPosition records a live entry fill in its own transaction.
func (m *Manager) OpenPosition(mode protocol.Mode, symbol string, qty, price float64, side string) error {
	var err error
	m.Transaction(func(tx *Txn) {
		err = tx.OpenPosition(mode, symbol, qty, price, side)
	})
	return err
}

// RecoverPosition records a reconciled position in its own transaction.
func (m *Manager) RecoverPosition(mode protocol.Mode, symbol string, qty, price float64, side string) error {
	var err error
	m.Transaction(func(tx *Txn) {
		err = tx.RecoverPosition(mode, symbol, qty, price, side)
	})
	return err
}

// ClosePosition removes the open position in its own transaction.
func (m *Manager) ClosePosition() (ClosedPosition, error) {
	var closed ClosedPosition
	var err error
	m.Transaction(func(tx *Txn) {
		closed, err = tx.ClosePosition()
	})
	return closed, err
}

// SetPositionQty is the uncontrolled-mutation entry point legacy callers
// reach for. It always fails.
func (m *Manager) SetPositionQty(float64) error {
	return ErrUnsupportedMutation
}

// SetPositionPrice always fails; see SetPositionQty.
func (m *Manager) SetPositionPrice(float64) error {
	return ErrUnsupportedMutation
}

func (m *Manager) Mode() protocol.Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

func (m *Manager) Balance(mode protocol.Mode) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[mode]
}

func (m *Manager) SimBaseline() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.simBaseline
}

// Position returns a copy of the open position, if any.
func (m *Manager) Position() (Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.position == nil {
		return Position{}, false
	}
	return *m.position, true
}
