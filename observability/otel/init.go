package otel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

const (
	defaultEndpoint = "localhost:4318"
	exportInterval  = 15 * time.Second
	batchTimeout    = 2 * time.Second
)

// Config selects the OTLP/HTTP exporters installed for a service.
type Config struct {
	ServiceName string            `yaml:"-" toml:"-"`
	Environment string            `yaml:"-" toml:"-"`
	Endpoint    string            `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool              `yaml:"insecure" toml:"insecure"`
	Headers     map[string]string `yaml:"headers" toml:"headers"`
	// HeadersEnv names a variable holding extra key=value,... headers,
	// typically exporter credentials kept out of the config file.
	HeadersEnv string `yaml:"headers_env" toml:"headers_env"`
	Metrics    bool   `yaml:"metrics" toml:"metrics"`
	Traces     bool   `yaml:"traces" toml:"traces"`
	// SampleRatio is the fraction of root spans kept; zero keeps all of them.
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio"`
}

// ShutdownFunc flushes and stops the installed providers.
type ShutdownFunc func(context.Context) error

// Init installs the W3C propagators and, when enabled, global trace and
// meter providers. The returned function must run during teardown.
func Init(ctx context.Context, cfg Config) (ShutdownFunc, error) {
	if strings.TrimSpace(cfg.ServiceName) == "" {
		return nil, fmt.Errorf("service name required for telemetry")
	}
	if cfg.SampleRatio < 0 || cfg.SampleRatio > 1 {
		return nil, fmt.Errorf("sample ratio must be within [0,1]")
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	if !cfg.Traces && !cfg.Metrics {
		return func(context.Context) error { return nil }, nil
	}

	exp := exporterSettings(cfg)
	res, err := serviceResource(cfg)
	if err != nil {
		return nil, err
	}

	var stops []ShutdownFunc
	shutdown := func(ctx context.Context) error {
		var errs []error
		for i := len(stops) - 1; i >= 0; i-- {
			errs = append(errs, stops[i](ctx))
		}
		return errors.Join(errs...)
	}
	if cfg.Traces {
		tp, err := newTracerProvider(ctx, exp, res, cfg.SampleRatio)
		if err != nil {
			return nil, err
		}
		otel.SetTracerProvider(tp)
		stops = append(stops, tp.Shutdown)
	}
	if cfg.Metrics {
		mp, err := newMeterProvider(ctx, exp, res)
		if err != nil {
			_ = shutdown(ctx)
			return nil, err
		}
		otel.SetMeterProvider(mp)
		stops = append(stops, mp.Shutdown)
	}
	return shutdown, nil
}

type exporter struct {
	endpoint string
	insecure bool
	headers  map[string]string
}

func exporterSettings(cfg Config) exporter {
	exp := exporter{endpoint: strings.TrimSpace(cfg.Endpoint), insecure: cfg.Insecure, headers: map[string]string{}}
	if exp.endpoint == "" {
		exp.endpoint = defaultEndpoint
	}
	for k, v := range cfg.Headers {
		exp.headers[k] = v
	}
	if name := strings.TrimSpace(cfg.HeadersEnv); name != "" {
		for k, v := range ParseHeaders(os.Getenv(name)) {
			exp.headers[k] = v
		}
	}
	return exp
}

func serviceResource(cfg Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{semconv.ServiceNameKey.String(cfg.ServiceName)}
	if env := strings.TrimSpace(cfg.Environment); env != "" {
		attrs = append(attrs, semconv.DeploymentEnvironmentKey.String(env))
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}
	return res, nil
}

func newTracerProvider(ctx context.Context, exp exporter, res *resource.Resource, ratio float64) (*sdktrace.TracerProvider, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(exp.endpoint)}
	if exp.insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(exp.headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(exp.headers))
	}
	client, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	sampler := sdktrace.AlwaysSample()
	if ratio > 0 && ratio < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
		sdktrace.WithBatcher(client, sdktrace.WithBatchTimeout(batchTimeout)),
	), nil
}

func newMeterProvider(ctx context.Context, exp exporter, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(exp.endpoint)}
	if exp.insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	if len(exp.headers) > 0 {
		opts = append(opts, otlpmetrichttp.WithHeaders(exp.headers))
	}
	client, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(client, sdkmetric.WithInterval(exportInterval))),
	), nil
}

// ParseHeaders reads key=value pairs separated by commas. Malformed pairs are skipped.
func ParseHeaders(raw string) map[string]string {
	headers := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(pair), "=")
		if key = strings.TrimSpace(key); !found || key == "" {
			continue
		}
		headers[key] = strings.TrimSpace(value)
	}
	return headers
}
