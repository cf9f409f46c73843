package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusCounters(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.Reconnects.Inc()
	prom.Metrics.BreakerTripped.Inc()
	prom.Metrics.BreakerRecovered.Inc()
	prom.Metrics.MessagesNormalized.Inc()
	prom.Metrics.MessagesDropped.Inc()
	prom.Metrics.ProtocolViolations.Inc()
	prom.Metrics.HeartbeatTimeouts.Inc()
	prom.Metrics.OrderUpdatesApplied.Inc()

	assertCounter(t, prom.reconnects, 1)
	assertCounter(t, prom.breakerTripped, 1)
	assertCounter(t, prom.breakerRecovered, 1)
	assertCounter(t, prom.messagesNormalized, 1)
	assertCounter(t, prom.messagesDropped, 1)
	assertCounter(t, prom.protocolViolations, 1)
	assertCounter(t, prom.heartbeatTimeouts, 1)
	assertCounter(t, prom.orderUpdates, 1)
}

func assertCounter(t *testing.T, counter prometheus.Counter, expected float64) {
	t.Helper()
	if got := testutil.ToFloat64(counter); got != expected {
		t.Fatalf("expected %v, got %v", expected, got)
	}
}
