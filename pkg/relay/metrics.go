// Copyright 2024-2026 Aiku AI

package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultDelivered = "delivered"
	resultFailed    = "failed"
	resultEcho      = "skipped_echo"
)

// Metrics holds the relay's Prometheus collectors.
type Metrics struct {
	Deliveries        *prometheus.CounterVec
	CorrelationMisses *prometheus.CounterVec
	InboundEvents     *prometheus.CounterVec
}

// NewMetrics creates the relay collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaybridge",
			Name:      "deliveries_total",
			Help:      "Events handed to platform receivers, by target, event kind and result.",
		}, []string{"target", "event", "result"}),
		CorrelationMisses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaybridge",
			Name:      "correlation_misses_total",
			Help:      "Edits, deletes and replies whose target could not be found.",
		}, []string{"source"}),
		InboundEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaybridge",
			Name:      "inbound_events_total",
			Help:      "Events picked up by platform listeners.",
		}, []string{"source", "event"}),
	}
}

func (m *Metrics) observe(target Source, event, result string) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(target.String(), event, result).Inc()
}

// ObserveMiss counts a correlation miss on the given platform.
func (m *Metrics) ObserveMiss(source Source) {
	if m == nil {
		return
	}
	m.CorrelationMisses.WithLabelValues(source.String()).Inc()
}

// ObserveInbound counts an event picked up by a platform listener.
func (m *Metrics) ObserveInbound(source Source, event string) {
	if m == nil {
		return
	}
	m.InboundEvents.WithLabelValues(source.String(), event).Inc()
}
