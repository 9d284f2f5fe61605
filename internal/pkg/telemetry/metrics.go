package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/costap/discard"
)

// Metrics holds the OpenTelemetry instruments recorded by the server.
type Metrics struct {
	// Connection metrics
	ConnectionsAccepted     metric.Int64Counter
	ActiveConnections       metric.Int64UpDownCounter
	ConnectionsForcedClosed metric.Int64Counter

	// Traffic metrics
	BytesDiscarded metric.Int64Counter

	// Error metrics
	HandshakeErrors metric.Int64Counter
	ReadErrors      metric.Int64Counter
}

// NewMetrics creates the instruments on the global MeterProvider.
func NewMetrics() *Metrics {
	return NewMetricsFromProvider(otel.GetMeterProvider())
}

// NewMetricsFromProvider creates the instruments on mp.
func NewMetricsFromProvider(mp metric.MeterProvider) *Metrics {
	meter := mp.Meter(meterName)

	m := &Metrics{}

	m.ConnectionsAccepted, _ = meter.Int64Counter(
		"discard.connections.accepted.total",
		metric.WithDescription("Total number of accepted connections"),
		metric.WithUnit("{connection}"),
	)

	m.ActiveConnections, _ = meter.Int64UpDownCounter(
		"discard.connections.active",
		metric.WithDescription("Number of connections currently being handled"),
		metric.WithUnit("{connection}"),
	)

	m.ConnectionsForcedClosed, _ = meter.Int64Counter(
		"discard.connections.forced_closed.total",
		metric.WithDescription("Total number of connections closed after the shutdown grace period"),
		metric.WithUnit("{connection}"),
	)

	m.BytesDiscarded, _ = meter.Int64Counter(
		"discard.bytes.discarded.total",
		metric.WithDescription("Total number of bytes read and dropped"),
		metric.WithUnit("By"),
	)

	m.HandshakeErrors, _ = meter.Int64Counter(
		"discard.handshake.errors.total",
		metric.WithDescription("Total number of failed TLS handshakes"),
		metric.WithUnit("{error}"),
	)

	m.ReadErrors, _ = meter.Int64Counter(
		"discard.read.errors.total",
		metric.WithDescription("Total number of connections ended by a read error"),
		metric.WithUnit("{error}"),
	)

	return m
}
