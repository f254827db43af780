package observability

import (
	"context"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
)

// Observability owns the OpenTelemetry meter provider of the process.
type Observability struct {
	meterProvider *metric.MeterProvider
	meter         otelmetric.Meter
	nodeDuration  otelmetric.Float64Histogram
	predictions   otelmetric.Int64Counter
}

// New wires an OTel meter provider whose readings are exposed through reg.
// A nil registerer uses the prometheus default registry.
func New(serviceName string, reg promclient.Registerer) (*Observability, error) {
	opts := []prometheus.Option{}
	if reg != nil {
		opts = append(opts, prometheus.WithRegisterer(reg))
	}
	exporter, err := prometheus.New(opts...)
	if err != nil {
		return &Observability{}, err
	}

	provider := metric.NewMeterProvider(metric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter(serviceName)

	nodeDuration, err := meter.Float64Histogram(
		"workflow.node.registration.duration",
		otelmetric.WithDescription("Backend registration latency per workflow node"),
		otelmetric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	predictions, err := meter.Int64Counter(
		"workflow.prediction.requests",
		otelmetric.WithDescription("Number of workflow predictions served"),
	)
	if err != nil {
		return nil, err
	}

	return &Observability{
		meterProvider: provider,
		meter:         meter,
		nodeDuration:  nodeDuration,
		predictions:   predictions,
	}, nil
}

// RecordNodeRegistration records how long one node took to register.
func (o *Observability) RecordNodeRegistration(ctx context.Context, workflow string, duration time.Duration, status string) {
	if o == nil || o.nodeDuration == nil {
		return
	}
	o.nodeDuration.Record(ctx, float64(duration.Milliseconds()), otelmetric.WithAttributes(
		attribute.String("workflow", workflow),
		attribute.String("status", status),
	))
}

// RecordPrediction counts one prediction call.
func (o *Observability) RecordPrediction(ctx context.Context, workflow, status string) {
	if o == nil || o.predictions == nil {
		return
	}
	o.predictions.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("workflow", workflow),
		attribute.String("status", status),
	))
}

func (o *Observability) Shutdown() {
	if o == nil || o.meterProvider == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = o.meterProvider.Shutdown(ctx)
}
