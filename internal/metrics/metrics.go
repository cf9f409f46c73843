package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	Reconnects          Counter
	BreakerTripped      Counter
	BreakerRecovered    Counter
	MessagesNormalized  Counter
	MessagesDropped     Counter
	ProtocolViolations  Counter
	HeartbeatTimeouts   Counter
	OrderUpdatesApplied Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		Reconnects:          n,
		BreakerTripped:      n,
		BreakerRecovered:    n,
		MessagesNormalized:  n,
		MessagesDropped:     n,
		ProtocolViolations:  n,
		HeartbeatTimeouts:   n,
		OrderUpdatesApplied: n,
	}
}
