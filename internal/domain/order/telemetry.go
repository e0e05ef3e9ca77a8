package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/xenking/kart-order-core/internal/domain/order"

type telemetry struct {
	tracer      trace.Tracer
	operations  metric.Int64Counter
	retries     metric.Int64Counter
	transitions metric.Int64Counter
	duration    metric.Float64Histogram
}

func newTelemetry(tp trace.TracerProvider, mp metric.MeterProvider) (*telemetry, error) {
	if tp == nil {
		tp = tracenoop.NewTracerProvider()
	}
	if mp == nil {
		mp = metricnoop.NewMeterProvider()
	}
	meter := mp.Meter(instrumentationName)

	t := &telemetry{tracer: tp.Tracer(instrumentationName)}
	var err error
	if t.operations, err = meter.Int64Counter("order.operations",
		metric.WithDescription("Order service operations by name and outcome"),
	); err != nil {
		return nil, errors.Wrap(err, "operations counter")
	}
	if t.retries, err = meter.Int64Counter("order.version_conflict.retries",
		metric.WithDescription("Mutations retried after a concurrent save"),
	); err != nil {
		return nil, errors.Wrap(err, "retries counter")
	}
	if t.transitions, err = meter.Int64Counter("order.transitions",
		metric.WithDescription("Successful state transitions by target state"),
	); err != nil {
		return nil, errors.Wrap(err, "transitions counter")
	}
	if t.duration, err = meter.Float64Histogram("order.operation.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Duration of order service operations"),
	); err != nil {
		return nil, errors.Wrap(err, "duration histogram")
	}
	return t, nil
}

// start opens a span for op and returns a function that ends it and records
// the outcome.
func (t *telemetry) start(ctx context.Context, op, orderID string) (context.Context, func(error)) {
	ctx, span := t.tracer.Start(ctx, "order."+op, trace.WithAttributes(
		attribute.String("order.id", orderID),
	))
	began := time.Now()
	return ctx, func(err error) {
		outcome := "ok"
		if err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		attrs := metric.WithAttributes(
			attribute.String("operation", op),
			attribute.String("outcome", outcome),
		)
		t.operations.Add(ctx, 1, attrs)
		t.duration.Record(ctx, float64(time.Since(began).Microseconds())/1000, attrs)
		span.End()
	}
}

func (t *telemetry) retried(ctx context.Context, op string) {
	t.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", op)))
}

func (t *telemetry) transitioned(ctx context.Context, from, to State) {
	t.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
}
