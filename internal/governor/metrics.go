package governor

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// metrics wraps the OpenTelemetry instruments the governor exports,
// following the same Begin/record-on-the-instrument shape used across this
// codebase's metrics packages rather than hand-rolled counters.
type metrics struct {
	evictions  metric.Int64Counter
	admissions metric.Int64Counter
	rejections metric.Int64Counter
}

func newMetrics(meter metric.Meter, resident func() int64) (*metrics, error) {
	_, err := meter.Int64ObservableGauge(
		"cache_resident_bytes",
		metric.WithDescription("Bytes currently resident in the frame cache"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(resident())
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	evictions, err := meter.Int64Counter(
		"cache_evictions_total",
		metric.WithDescription("Entries evicted by the memory governor"),
	)
	if err != nil {
		return nil, err
	}

	admissions, err := meter.Int64Counter(
		"cache_admissions_total",
		metric.WithDescription("Buffers successfully admitted to the cache"),
	)
	if err != nil {
		return nil, err
	}

	rejections, err := meter.Int64Counter(
		"cache_admission_rejections_total",
		metric.WithDescription("Admissions rejected with BudgetExhausted"),
	)
	if err != nil {
		return nil, err
	}

	return &metrics{
		evictions:  evictions,
		admissions: admissions,
		rejections: rejections,
	}, nil
}
