package order

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type channelMetrics struct {
	commandsSubmitted metric.Int64Counter
	commandsClaimed   metric.Int64Counter
	commandsResolved  metric.Int64Counter
	commandsExpired   metric.Int64Counter
}

func newChannelMetrics() *channelMetrics {
	meter := otel.Meter("quotedesk.order")
	m := &channelMetrics{
		commandsSubmitted: nil,
		commandsClaimed:   nil,
		commandsResolved:  nil,
		commandsExpired:   nil,
	}
	m.commandsSubmitted, _ = meter.Int64Counter("quotedesk_order_commands_submitted",
		metric.WithDescription("Trade commands accepted from producers"),
		metric.WithUnit("{command}"))
	m.commandsClaimed, _ = meter.Int64Counter("quotedesk_order_commands_claimed",
		metric.WithDescription("Trade commands claimed by consumers"),
		metric.WithUnit("{command}"))
	m.commandsResolved, _ = meter.Int64Counter("quotedesk_order_commands_resolved",
		metric.WithDescription("Trade commands resolved by consumer reports"),
		metric.WithUnit("{command}"))
	m.commandsExpired, _ = meter.Int64Counter("quotedesk_order_commands_expired",
		metric.WithDescription("Trade commands expired by cancel or sweep"),
		metric.WithUnit("{command}"))
	return m
}

func (m *channelMetrics) submitted(ctx context.Context) {
	if m == nil || m.commandsSubmitted == nil {
		return
	}
	m.commandsSubmitted.Add(ctx, 1)
}

func (m *channelMetrics) claimed(ctx context.Context, n int) {
	if m == nil || m.commandsClaimed == nil {
		return
	}
	m.commandsClaimed.Add(ctx, int64(n))
}

func (m *channelMetrics) resolved(ctx context.Context, success bool) {
	if m == nil || m.commandsResolved == nil {
		return
	}
	m.commandsResolved.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
}

func (m *channelMetrics) expired(ctx context.Context, n int) {
	if m == nil || m.commandsExpired == nil {
		return
	}
	m.commandsExpired.Add(ctx, int64(n))
}
