package metrics

import (
	"context"
	"time"

	"github.com/samber/do"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "github.com/dmorgan81/dalleserve"

// Metrics records request and generation counters. A nil *Metrics records nothing.
type Metrics struct {
	requestDuration metric.Float64Histogram
	requestTotal    metric.Int64Counter
	batchTotal      metric.Int64Counter
	imageTotal      metric.Int64Counter
}

func New(meter metric.Meter) (*Metrics, error) {
	requestDuration, err := meter.Float64Histogram(
		"dalle_request_duration_seconds",
		metric.WithDescription("Duration of generation requests in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	requestTotal, err := meter.Int64Counter(
		"dalle_requests_total",
		metric.WithDescription("Total number of generation requests by final state"),
	)
	if err != nil {
		return nil, err
	}

	batchTotal, err := meter.Int64Counter(
		"dalle_batches_total",
		metric.WithDescription("Total number of generation batches run"),
	)
	if err != nil {
		return nil, err
	}

	imageTotal, err := meter.Int64Counter(
		"dalle_images_total",
		metric.WithDescription("Total number of images generated"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		batchTotal:      batchTotal,
		imageTotal:      imageTotal,
	}, nil
}

func NewMetrics(i *do.Injector) (*Metrics, error) {
	return New(do.MustInvoke[*Provider](i).Meter(meterName))
}

// RecordRequest records a finished request and the state it ended in.
func (m *Metrics) RecordRequest(ctx context.Context, model, state string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("state", state),
	)
	m.requestDuration.Record(ctx, duration.Seconds(), attrs)
	m.requestTotal.Add(ctx, 1, attrs)
}

// RecordBatch records one completed batch of images.
func (m *Metrics) RecordBatch(ctx context.Context, model string, images int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("model", model))
	m.batchTotal.Add(ctx, 1, attrs)
	m.imageTotal.Add(ctx, int64(images), attrs)
}

// Provider is a meter provider that can be flushed on shutdown.
type Provider struct {
	metric.MeterProvider
	shutdown func(context.Context) error
}

// NewProvider exports over OTLP gRPC when endpoint is set, and is a no-op
// otherwise.
func NewProvider(ctx context.Context, endpoint string) (*Provider, error) {
	if endpoint == "" {
		return &Provider{
			MeterProvider: noop.NewMeterProvider(),
			shutdown:      func(context.Context) error { return nil },
		}, nil
	}

	exp, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)))
	return &Provider{MeterProvider: mp, shutdown: mp.Shutdown}, nil
}

// Shutdown flushes pending measurements.
func (p *Provider) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.shutdown(ctx)
}
