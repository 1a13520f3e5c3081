// Package otel instruments a ctrlkit.Messenger with OpenTelemetry
// traces and metrics: a span per action call, counters for calls,
// publishes, and denied operations, and a handler duration histogram.
package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/quorail/ctrlkit"
)

const instrumentationName = "github.com/quorail/ctrlkit"

// Observability implements ctrlkit.Observability using OpenTelemetry
type Observability struct {
	tracer trace.Tracer
	meter  metric.Meter

	// Metrics
	callCounter    metric.Int64Counter
	callDuration   metric.Float64Histogram
	callErrors     metric.Int64Counter
	publishCounter metric.Int64Counter
	deniedCounter  metric.Int64Counter
}

var _ ctrlkit.Observability = (*Observability)(nil)

// Option configures the Observability
type Option func(*Observability)

// WithTracerProvider sets a custom tracer provider
func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(o *Observability) {
		o.tracer = provider.Tracer(instrumentationName)
	}
}

// WithMeterProvider sets a custom meter provider
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(o *Observability) {
		o.meter = provider.Meter(instrumentationName)
	}
}

// New creates a new OpenTelemetry observability implementation
func New(opts ...Option) (*Observability, error) {
	obs := &Observability{
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}

	// Apply options
	for _, opt := range opts {
		opt(obs)
	}

	// Initialize metrics
	var err error

	obs.callCounter, err = obs.meter.Int64Counter(
		"messenger.call.count",
		metric.WithDescription("Number of action calls dispatched"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	obs.callDuration, err = obs.meter.Float64Histogram(
		"messenger.call.duration",
		metric.WithDescription("Action handler execution duration"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	obs.callErrors, err = obs.meter.Int64Counter(
		"messenger.call.errors",
		metric.WithDescription("Number of action handler errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	obs.publishCounter, err = obs.meter.Int64Counter(
		"messenger.publish.count",
		metric.WithDescription("Number of events published"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	obs.deniedCounter, err = obs.meter.Int64Counter(
		"messenger.denied.count",
		metric.WithDescription("Number of operations denied by a restricted messenger"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, err
	}

	return obs, nil
}

// CallBegin starts the span for an action call and returns the
// completion callback that records duration, errors, and span status.
func (o *Observability) CallBegin(ctx context.Context, action string) (context.Context, func(err error)) {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "messenger.call: "+action,
		trace.WithAttributes(
			attribute.String("action.name", action),
		),
	)

	o.callCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("action.name", action),
		),
	)

	return ctx, func(err error) {
		attrs := metric.WithAttributes(
			attribute.String("action.name", action),
		)
		o.callDuration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
		if err != nil {
			o.callErrors.Add(ctx, 1, attrs)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

// EventPublished counts a publish and how many subscribers it reached.
func (o *Observability) EventPublished(event string, delivered int) {
	o.publishCounter.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("event.name", event),
			attribute.Int("delivered", delivered),
		),
	)
}

// OperationDenied counts a grant rejection by a restricted messenger.
func (o *Observability) OperationDenied(restrictedTo, operation, name string) {
	o.deniedCounter.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("messenger.name", restrictedTo),
			attribute.String("operation", operation),
			attribute.String("target", name),
		),
	)
}
