package usage

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the metrics instruments for usage events.
type Metrics struct {
	eventsTotal metric.Int64Counter
	bytesTotal  metric.Int64Counter
}

// NewMetrics creates usage metrics instruments.
// If meter is nil, returns nil (metrics disabled).
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		return nil, nil
	}

	eventsTotal, err := meter.Int64Counter(
		"blockvol_usage_events_total",
		metric.WithDescription("Total number of usage events by type"),
	)
	if err != nil {
		return nil, err
	}

	bytesTotal, err := meter.Int64Counter(
		"blockvol_usage_bytes_total",
		metric.WithDescription("Total volume bytes carried by usage events"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		eventsTotal: eventsTotal,
		bytesTotal:  bytesTotal,
	}, nil
}

func (r *Recorder) recordEvent(ctx context.Context, e Event) {
	if r.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("type", string(e.Type)))
	r.metrics.eventsTotal.Add(ctx, 1, attrs)
	if e.SizeBytes > 0 {
		r.metrics.bytesTotal.Add(ctx, e.SizeBytes, attrs)
	}
}
