// Package observability wires OpenTelemetry tracing and metrics for the
// rule kernel: OTLP gRPC export, a disabled mode, and the evaluation and
// install metrics recorded by the service layer.
package observability

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc/credentials"
)

const instrumentationName = "github.com/Mindburn-Labs/helm/rulekernel"

// Metric names.
const (
	MetricEvaluations       = "rulekernel.evaluations.total"
	MetricEvaluationLatency = "rulekernel.evaluation.duration"
	MetricInstallPlans      = "rulekernel.install_plans.total"
	MetricOperationsActive  = "rulekernel.operations.active"
	MetricOperationErrors   = "rulekernel.errors.total"
)

type Config struct {
	Enabled        bool          `yaml:"enabled"`
	ServiceName    string        `yaml:"service_name"`
	ServiceVersion string        `yaml:"service_version"`
	Environment    string        `yaml:"environment"`
	Endpoint       string        `yaml:"endpoint"`
	SampleRate     float64       `yaml:"sample_rate"`
	BatchTimeout   time.Duration `yaml:"batch_timeout"`
	ExportInterval time.Duration `yaml:"export_interval"`
	Insecure       bool          `yaml:"insecure"`
	CertFile       string        `yaml:"cert_file"`
	KeyFile        string        `yaml:"key_file"`
	CAFile         string        `yaml:"ca_file"`
}

// DefaultConfig leaves telemetry off; the CLI turns it on from config.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "rulekernel",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		Endpoint:       "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		ExportInterval: 15 * time.Second,
	}
}

// Provider owns the trace and metric pipelines and the kernel instruments.
// A disabled Provider hands out no-op tracers and meters.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	log            *zap.Logger

	evaluations metric.Int64Counter
	evalLatency metric.Float64Histogram
	installs    metric.Int64Counter
	active      metric.Int64UpDownCounter
	errors      metric.Int64Counter
}

// New builds a Provider. A nil config uses DefaultConfig.
func New(ctx context.Context, config *Config, log *zap.Logger) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if log == nil {
		log = zap.NewNop()
	}
	p := &Provider{config: config, log: log.Named("observability")}

	if !config.Enabled {
		p.log.Debug("telemetry disabled")
		return p, p.initInstruments()
	}

	res, err := newResource(config)
	if err != nil {
		return nil, err
	}

	creds, err := config.transportCredentials()
	if err != nil {
		return nil, err
	}
	if err := p.initTracing(ctx, res, creds); err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	if err := p.initMetrics(ctx, res, creds); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	p.tracer = p.tracerProvider.Tracer(instrumentationName, trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = p.meterProvider.Meter(instrumentationName, metric.WithInstrumentationVersion(config.ServiceVersion))
	if err := p.initInstruments(); err != nil {
		return nil, err
	}

	p.log.Info("telemetry initialized",
		zap.String("service", config.ServiceName),
		zap.String("environment", config.Environment),
		zap.String("endpoint", config.Endpoint),
		zap.Float64("sample_rate", config.SampleRate),
		zap.Bool("insecure", config.Insecure))
	return p, nil
}

// FromProviders wraps existing providers, for embedding in a host process
// that already owns its telemetry pipeline.
func FromProviders(tp trace.TracerProvider, mp metric.MeterProvider, log *zap.Logger) (*Provider, error) {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Provider{
		config: &Config{Enabled: true},
		tracer: tp.Tracer(instrumentationName),
		meter:  mp.Meter(instrumentationName),
		log:    log.Named("observability"),
	}
	return p, p.initInstruments()
}

// transportCredentials returns nil when the exporter should dial insecure
// or use the system roots without client certificates.
func (c *Config) transportCredentials() (credentials.TransportCredentials, error) {
	if c.Insecure || (c.CAFile == "" && c.CertFile == "" && c.KeyFile == "") {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if c.CAFile != "" {
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read telemetry ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("telemetry ca %s: no certificates found", c.CAFile)
		}
		tlsCfg.RootCAs = pool
	}
	if c.CertFile != "" || c.KeyFile != "" {
		if c.CertFile == "" || c.KeyFile == "" {
			return nil, errors.New("telemetry client tls needs both cert_file and key_file")
		}
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load telemetry client cert: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return credentials.NewTLS(tlsCfg), nil
}

// newResource merges the service identity into the SDK default resource.
// The semconv package must share the SDK's schema URL or Merge fails.
func newResource(config *Config) (*resource.Resource, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironmentName(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}
	return res, nil
}

func (p *Provider) initTracing(ctx context.Context, res *resource.Resource, creds credentials.TransportCredentials) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.Endpoint)}
	switch {
	case p.config.Insecure:
		opts = append(opts, otlptracegrpc.WithInsecure())
	case creds != nil:
		opts = append(opts, otlptracegrpc.WithTLSCredentials(creds))
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return err
	}

	var sampler sdktrace.Sampler
	switch rate := p.config.SampleRate; {
	case rate >= 1:
		sampler = sdktrace.AlwaysSample()
	case rate <= 0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(rate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetrics(ctx context.Context, res *resource.Resource, creds credentials.TransportCredentials) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.Endpoint)}
	switch {
	case p.config.Insecure:
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	case creds != nil:
		opts = append(opts, otlpmetricgrpc.WithTLSCredentials(creds))
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return err
	}
	interval := p.config.ExportInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	m := p.Meter()
	var err error
	if p.evaluations, err = m.Int64Counter(MetricEvaluations,
		metric.WithDescription("Rule evaluations by outcome status"),
		metric.WithUnit("{evaluation}")); err != nil {
		return err
	}
	if p.evalLatency, err = m.Float64Histogram(MetricEvaluationLatency,
		metric.WithDescription("Rule evaluation latency"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 25, 50, 100, 250, 1000, 5000)); err != nil {
		return err
	}
	if p.installs, err = m.Int64Counter(MetricInstallPlans,
		metric.WithDescription("Install plans created, by validity"),
		metric.WithUnit("{plan}")); err != nil {
		return err
	}
	if p.active, err = m.Int64UpDownCounter(MetricOperationsActive,
		metric.WithDescription("Operations in flight"),
		metric.WithUnit("{operation}")); err != nil {
		return err
	}
	p.errors, err = m.Int64Counter(MetricOperationErrors,
		metric.WithDescription("Operations that returned an error"),
		metric.WithUnit("{error}"))
	return err
}

// Shutdown flushes and stops the exporters. Providers passed to
// FromProviders are left to their owner.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.tracerProvider != nil {
		errs = append(errs, p.tracerProvider.Shutdown(ctx))
	}
	if p.meterProvider != nil {
		errs = append(errs, p.meterProvider.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter(instrumentationName)
	}
	return p.meter
}

// RecordEvaluation counts one evaluation and its latency.
func (p *Provider) RecordEvaluation(ctx context.Context, status string, d time.Duration, attrs ...attribute.KeyValue) {
	all := append([]attribute.KeyValue{AttrStatus.String(status)}, attrs...)
	p.evaluations.Add(ctx, 1, metric.WithAttributes(all...))
	p.evalLatency.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributes(all...))
}

func (p *Provider) RecordInstallPlan(ctx context.Context, valid bool, attrs ...attribute.KeyValue) {
	all := append([]attribute.KeyValue{AttrPlanValid.Bool(valid)}, attrs...)
	p.installs.Add(ctx, 1, metric.WithAttributes(all...))
}

// TrackOperation starts a span and bumps the in-flight gauge. The returned
// func ends both and records err on the span.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := p.Tracer().Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...))
	opAttrs := metric.WithAttributes(attribute.String("operation", name))
	p.active.Add(ctx, 1, opAttrs)

	return ctx, func(err error) {
		p.active.Add(ctx, -1, opAttrs)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			p.errors.Add(ctx, 1, opAttrs)
		}
		span.End()
	}
}
