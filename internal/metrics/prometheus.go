package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "tp_bridge"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry           *prometheus.Registry
	reconnects         prometheus.Counter
	breakerTripped     prometheus.Counter
	breakerRecovered   prometheus.Counter
	messagesNormalized prometheus.Counter
	messagesDropped    prometheus.Counter
	protocolViolations prometheus.Counter
	heartbeatTimeouts  prometheus.Counter
	orderUpdates       prometheus.Counter
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	reconnects := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "reconnects_total",
		Help:      "Total number of transport reconnect attempts.",
	})
	breakerTripped := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "breaker_tripped_total",
		Help:      "Total number of circuit breaker trips.",
	})
	breakerRecovered := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "breaker_recovered_total",
		Help:      "Total number of circuit breaker recoveries.",
	})
	messagesNormalized := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "messages_normalized_total",
		Help:      "Total number of messages accepted by the normalizer.",
	})
	messagesDropped := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "messages_dropped_total",
		Help:      "Total number of messages rejected by the normalizer.",
	})
	protocolViolations := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "protocol_violations_total",
		Help:      "Total number of responses rejected for violating request semantics.",
	})
	heartbeatTimeouts := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "heartbeat_timeouts_total",
		Help:      "Total number of sessions dropped for heartbeat silence.",
	})
	orderUpdates := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "order_updates_applied_total",
		Help:      "Total number of order updates applied to local state.",
	})

	registry.MustRegister(reconnects, breakerTripped, breakerRecovered,
		messagesNormalized, messagesDropped, protocolViolations, heartbeatTimeouts, orderUpdates)

	m := &Metrics{
		Reconnects:          promCounter{reconnects},
		BreakerTripped:      promCounter{breakerTripped},
		BreakerRecovered:    promCounter{breakerRecovered},
		MessagesNormalized:  promCounter{messagesNormalized},
		MessagesDropped:     promCounter{messagesDropped},
		ProtocolViolations:  promCounter{protocolViolations},
		HeartbeatTimeouts:   promCounter{heartbeatTimeouts},
		OrderUpdatesApplied: promCounter{orderUpdates},
	}

	return &Prometheus{
		Metrics:            m,
		registry:           registry,
		reconnects:         reconnects,
		breakerTripped:     breakerTripped,
		breakerRecovered:   breakerRecovered,
		messagesNormalized: messagesNormalized,
		messagesDropped:    messagesDropped,
		protocolViolations: protocolViolations,
		heartbeatTimeouts:  heartbeatTimeouts,
		orderUpdates:       orderUpdates,
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
