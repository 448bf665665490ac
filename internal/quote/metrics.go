package quote

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	dropReasonMalformed = "malformed"
	dropReasonLate      = "late"
	dropReasonDuplicate = "duplicate"
)

type hubMetrics struct {
	updatesIngested  metric.Int64Counter
	updatesDropped   metric.Int64Counter
	updatesDelivered metric.Int64Counter
	streamRecoveries metric.Int64Counter
}

func newHubMetrics() *hubMetrics {
	meter := otel.Meter("quotedesk.quote")
	m := &hubMetrics{
		updatesIngested:  nil,
		updatesDropped:   nil,
		updatesDelivered: nil,
		streamRecoveries: nil,
	}
	m.updatesIngested, _ = meter.Int64Counter("quotedesk_quote_updates_ingested",
		metric.WithDescription("Price updates accepted by the hub"),
		metric.WithUnit("{update}"))
	m.updatesDropped, _ = meter.Int64Counter("quotedesk_quote_updates_dropped",
		metric.WithDescription("Price updates dropped before fan-out"),
		metric.WithUnit("{update}"))
	m.updatesDelivered, _ = meter.Int64Counter("quotedesk_quote_updates_delivered",
		metric.WithDescription("Subscriber callback deliveries"),
		metric.WithUnit("{delivery}"))
	m.streamRecoveries, _ = meter.Int64Counter("quotedesk_quote_stream_recoveries",
		metric.WithDescription("Successful stream handshakes"),
		metric.WithUnit("{handshake}"))
	return m
}

func (m *hubMetrics) ingested(ctx context.Context) {
	if m == nil || m.updatesIngested == nil {
		return
	}
	m.updatesIngested.Add(ctx, 1)
}

func (m *hubMetrics) dropped(ctx context.Context, reason string) {
	if m == nil || m.updatesDropped == nil {
		return
	}
	m.updatesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *hubMetrics) delivered(ctx context.Context) {
	if m == nil || m.updatesDelivered == nil {
		return
	}
	m.updatesDelivered.Add(ctx, 1)
}

func (m *hubMetrics) streamUp(ctx context.Context) {
	if m == nil || m.streamRecoveries == nil {
		return
	}
	m.streamRecoveries.Add(ctx, 1)
}
