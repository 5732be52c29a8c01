package orchestrator

import (
	"context"
	"time"

	"github.com/onkernel/blockvol/lib/volumes"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics provides Prometheus metrics for volume operations
type Metrics struct {
	opDuration     metric.Float64Histogram
	opTotal        metric.Int64Counter
	ambiguousTotal metric.Int64Counter
	migratedTotal  metric.Int64Counter
	queueLength    metric.Int64ObservableGauge
	activeExpunges metric.Int64ObservableGauge
}

// NewMetrics creates a new Metrics instance
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	opDuration, err := meter.Float64Histogram(
		"blockvol_operation_duration_seconds",
		metric.WithDescription("Duration of volume operations in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	opTotal, err := meter.Int64Counter(
		"blockvol_operations_total",
		metric.WithDescription("Total number of volume operations"),
	)
	if err != nil {
		return nil, err
	}

	ambiguousTotal, err := meter.Int64Counter(
		"blockvol_ambiguous_outcomes_total",
		metric.WithDescription("Storage calls whose outcome could not be observed"),
	)
	if err != nil {
		return nil, err
	}

	migratedTotal, err := meter.Int64Counter(
		"blockvol_volumes_migrated_total",
		metric.WithDescription("Total number of volumes moved to another pool"),
	)
	if err != nil {
		return nil, err
	}

	queueLength, err := meter.Int64ObservableGauge(
		"blockvol_expunge_queue_length",
		metric.WithDescription("Number of expunges waiting in queue"),
	)
	if err != nil {
		return nil, err
	}

	activeExpunges, err := meter.Int64ObservableGauge(
		"blockvol_expunges_active",
		metric.WithDescription("Number of currently running expunges"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		opDuration:     opDuration,
		opTotal:        opTotal,
		ambiguousTotal: ambiguousTotal,
		migratedTotal:  migratedTotal,
		queueLength:    queueLength,
		activeExpunges: activeExpunges,
	}, nil
}

// RecordOperation records metrics for a finished operation
func (m *Metrics) RecordOperation(ctx context.Context, op string, err error, start time.Time) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = volumes.KindOf(err).String()
	}
	attrs := metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	)
	m.opDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	m.opTotal.Add(ctx, 1, attrs)
}

func (m *Metrics) recordAmbiguous(ctx context.Context, op string) {
	if m == nil {
		return
	}
	m.ambiguousTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

func (m *Metrics) recordMigrated(ctx context.Context, n int) {
	if m == nil {
		return
	}
	m.migratedTotal.Add(ctx, int64(n))
}

// RegisterQueueCallbacks registers callbacks for expunge queue metrics
func (m *Metrics) RegisterQueueCallbacks(queue *ExpungeQueue, meter metric.Meter) error {
	_, err := meter.RegisterCallback(
		func(ctx context.Context, observer metric.Observer) error {
			observer.ObserveInt64(m.queueLength, int64(queue.PendingCount()))
			observer.ObserveInt64(m.activeExpunges, int64(queue.ActiveCount()))
			return nil
		},
		m.queueLength,
		m.activeExpunges,
	)
	return err
}
