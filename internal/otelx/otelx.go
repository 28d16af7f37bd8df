// Package otelx installs the global OpenTelemetry tracer provider. Spans for
// inbound requests come from otelhttp in httpserver; spans for GitHub calls
// come from the otelhttp transport in ghstore.
package otelx

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/keithlinneman/linnemanlabs-cms/internal/xerrors"
)

type Options struct {
	Enabled   bool
	Endpoint  string // host:port of an OTLP gRPC collector
	Insecure  bool
	Sample    float64
	Service   string
	Component string
	Version   string

	// DialTimeout bounds exporter setup; 0 means 3s.
	DialTimeout time.Duration
}

// Init sets the global provider and propagator and returns its shutdown.
// When disabled, spans are still created (so trace ids reach logs and
// response headers) but nothing is exported.
func Init(ctx context.Context, o Options) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagator())

	if !o.Enabled {
		otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.NeverSample())))
		return func(context.Context) error { return nil }, nil
	}
	if o.Endpoint == "" {
		return nil, xerrors.New("otlp endpoint is required when tracing is enabled")
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(o.Endpoint)}
	if o.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	dial := o.DialTimeout
	if dial <= 0 {
		dial = 3 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, dial)
	defer cancel()
	exp, err := otlptracegrpc.New(dialCtx, opts...)
	if err != nil {
		return nil, xerrors.Wrapf(err, "otlp exporter for %s", o.Endpoint)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sampler(o.Sample)),
		sdktrace.WithBatcher(exp,
			sdktrace.WithMaxQueueSize(2048),
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(newResource(ctx, o)),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func propagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
}

// sampler honors an upstream sampling decision and applies ratio to roots.
func sampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	case ratio >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

func newResource(ctx context.Context, o Options) *resource.Resource {
	name := o.Service
	if o.Component != "" {
		name += "." + o.Component
	}
	// detector errors still come with a partial resource
	res, _ := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(name),
			semconv.ServiceVersionKey.String(o.Version),
		),
	)
	if res == nil {
		return resource.Default()
	}
	return res
}
