package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned while the breaker is tripped: the wrapped operation is
// not invoked. Callers treat it as "temporarily unavailable".
var ErrOpen = errors.New("breaker: open")

type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

// Stats snapshots the breaker for health reporting.
type Stats struct {
	State         State
	Failures      int
	TotalCalls    uint64
	TotalFailures uint64
	LastFailure   time.Time
	TimeInState   time.Duration
}

// Breaker trips to OPEN after FailureThreshold consecutive failures, fails
// fast while OPEN, and probes recovery with a single trial call once
// RecoveryTimeout has elapsed. The OPEN to HALF_OPEN transition happens
// lazily on the next call attempt, not on a background timer.
type Breaker struct {
	cfg          Config
	now          func() time.Time
	onTransition func(from, to State)

	mu            sync.Mutex
	state         State
	failures      int
	lastFailure   time.Time
	changedAt     time.Time
	trialInFlight bool
	totalCalls    uint64
	totalFailures uint64
}

func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	b := &Breaker{cfg: cfg, now: time.Now, state: StateClosed}
	b.changedAt = b.now()
	return b
}

// OnTransition registers a callback invoked outside the lock whenever the
// state changes. Used for degraded/healthy reporting.
func (b *Breaker) OnTransition(fn func(from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Call runs op under the breaker's policy.
//
// While OPEN it returns ErrOpen without invoking op. In HALF_OPEN exactly
// one caller runs the trial; concurrent callers during the trial fail fast
// with ErrOpen rather than queueing.
func (b *Breaker) Call(op func() error) error {
	transition, err := b.admit()
	if transition != nil {
		transition()
	}
	if err != nil {
		return err
	}

	opErr := op()

	transition = b.settle(opErr)
	if transition != nil {
		transition()
	}
	return opErr
}

func (b *Breaker) admit() (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalCalls++
	switch b.state {
	case StateClosed:
		return nil, nil
	case StateOpen:
		if b.now().Sub(b.lastFailure) < b.cfg.RecoveryTimeout {
			return nil, ErrOpen
		}
		transition := b.setStateLocked(StateHalfOpen)
		b.trialInFlight = true
		return transition, nil
	case StateHalfOpen:
		if b.trialInFlight {
			return nil, ErrOpen
		}
		b.trialInFlight = true
		return nil, nil
	}
	return nil, nil
}

func (b *Breaker) settle(opErr error) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if opErr == nil {
		b.failures = 0
		if b.state == StateHalfOpen {
			b.trialInFlight = false
			return b.setStateLocked(StateClosed)
		}
		return nil
	}
	b.totalFailures++
	b.lastFailure = b.now()
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			return b.setStateLocked(StateOpen)
		}
	case StateHalfOpen:
		b.trialInFlight = false
		return b.setStateLocked(StateOpen)
	}
	return nil
}

func (b *Breaker) setStateLocked(next State) func() {
	if b.state == next {
		return nil
	}
	prev := b.state
	b.state = next
	b.changedAt = b.now()
	fn := b.onTransition
	if fn == nil {
		return nil
	}
	return func() { fn(prev, next) }
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:         b.state,
		Failures:      b.failures,
		TotalCalls:    b.totalCalls,
		TotalFailures: b.totalFailures,
		LastFailure:   b.lastFailure,
		TimeInState:   b.now().Sub(b.changedAt),
	}
}
