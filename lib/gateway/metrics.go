package gateway

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the metrics instruments for agent commands.
type Metrics struct {
	commandDuration metric.Float64Histogram
	commandsTotal   metric.Int64Counter
	breakerChanges  metric.Int64Counter
}

// GatewayMetrics is the global metrics instance for the gateway package.
// Set this via SetMetrics() during application initialization.
var GatewayMetrics *Metrics

// SetMetrics sets the global metrics instance.
func SetMetrics(m *Metrics) {
	GatewayMetrics = m
}

// NewMetrics creates gateway metrics instruments.
// If meter is nil, returns nil (metrics disabled).
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		return nil, nil
	}

	commandDuration, err := meter.Float64Histogram(
		"blockvol_agent_command_duration_seconds",
		metric.WithDescription("Time to execute a storage command on a pool agent"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	commandsTotal, err := meter.Int64Counter(
		"blockvol_agent_commands_total",
		metric.WithDescription("Total number of storage commands sent to pool agents"),
	)
	if err != nil {
		return nil, err
	}

	breakerChanges, err := meter.Int64Counter(
		"blockvol_agent_breaker_transitions_total",
		metric.WithDescription("Circuit breaker state changes per host"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		commandDuration: commandDuration,
		commandsTotal:   commandsTotal,
		breakerChanges:  breakerChanges,
	}, nil
}

func recordCommand(ctx context.Context, kind CommandKind, outcome string, start time.Time) {
	m := GatewayMetrics
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("command", string(kind)),
		attribute.String("outcome", outcome),
	)
	m.commandsTotal.Add(ctx, 1, attrs)
	m.commandDuration.Record(ctx, time.Since(start).Seconds(), attrs)
}

func recordBreakerChange(ctx context.Context, hostID string, to gobreaker.State) {
	m := GatewayMetrics
	if m == nil {
		return
	}
	m.breakerChanges.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("host_id", hostID),
			attribute.String("state", to.String()),
		))
}
