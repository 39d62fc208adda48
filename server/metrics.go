package server

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	prometheus "github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "server"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of operations dispatched, by op.
	OpsDispatched metrics.Counter
	// Number of operations that returned an error, by op and kind.
	OpErrors metrics.Counter
	// Number of live websocket connections.
	Connections metrics.Gauge
	// Number of bus events delivered to local connections.
	EventsDelivered metrics.Counter
}

// PrometheusMetrics returns Metrics built using Prometheus client library.
// Optionally, labels can be provided along with their values ("foo",
// "fooValue").
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	return &Metrics{
		OpsDispatched: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "ops_dispatched_total",
			Help:      "Number of operations dispatched.",
		}, append(labels, "op")).With(labelsAndValues...),
		OpErrors: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "op_errors_total",
			Help:      "Number of operations that returned an error.",
		}, append(labels, "op", "kind")).With(labelsAndValues...),
		Connections: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "connections",
			Help:      "Number of live websocket connections.",
		}, labels).With(labelsAndValues...),
		EventsDelivered: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "events_delivered_total",
			Help:      "Number of bus events delivered to local connections.",
		}, append(labels, "channel")).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		OpsDispatched:   discard.NewCounter(),
		OpErrors:        discard.NewCounter(),
		Connections:     discard.NewGauge(),
		EventsDelivered: discard.NewCounter(),
	}
}
