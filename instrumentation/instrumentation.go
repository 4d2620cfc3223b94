package instrumentation

import (
	"context"
	"fmt"
	"sync"

	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultServiceName is used when Config.ServiceName is empty
	DefaultServiceName = "mcp-auth"

	// DefaultServiceVersion is the default service version used when none is provided
	DefaultServiceVersion = "unknown"

	// MetricExporterPrometheus registers the OTel Prometheus exporter with the
	// default Prometheus registry so promhttp.Handler() serves the metrics
	MetricExporterPrometheus = "prometheus"

	// MetricExporterNone keeps an SDK meter provider without any exporter
	MetricExporterNone = "none"

	scopePrefix = "github.com/giantswarm/mcp-auth/"
)

// Config holds instrumentation configuration
type Config struct {
	// ServiceName is the name of the service (default: "mcp-auth")
	ServiceName string

	// ServiceVersion is the version of the service
	ServiceVersion string

	// Enabled controls whether instrumentation is active
	// When false, uses no-op providers (zero overhead)
	Enabled bool

	// MetricExporter selects the metric exporter: "prometheus" or "none"
	// Ignored when MetricReader is set
	MetricExporter string

	// MetricReader overrides the exporter with a custom reader
	// (e.g. sdkmetric.NewManualReader() in tests)
	MetricReader sdkmetric.Reader

	// SpanExporter receives finished spans. When nil, spans are still
	// created and sampled but never exported.
	SpanExporter sdktrace.SpanExporter

	// SyncExport exports spans synchronously instead of batching them
	SyncExport bool

	// LogClientIPs controls whether client IP addresses are included in
	// pipeline spans.
	//
	// Privacy Note: Client IP addresses may be considered Personally Identifiable
	// Information (PII) under GDPR and other privacy regulations.
	LogClientIPs bool

	// Resource allows custom resource attributes
	// If nil, default resource is created with service name and version
	Resource *resource.Resource
}

// Instrumentation provides OpenTelemetry instrumentation components
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider

	metrics *Metrics

	// Shutdown functions (registered during New() only)
	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New creates a new instrumentation instance
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = DefaultServiceName
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = DefaultServiceVersion
	}

	var res *resource.Resource
	var err error
	if config.Resource != nil {
		res = config.Resource
	} else {
		res, err = resource.New(
			context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
	}

	inst := &Instrumentation{
		config:   config,
		resource: res,
	}

	if config.Enabled {
		if err := inst.initializeProviders(); err != nil {
			return nil, fmt.Errorf("failed to initialize providers: %w", err)
		}
	} else {
		inst.meterProvider = noop.NewMeterProvider()
		inst.tracerProvider = tracenoop.NewTracerProvider()
	}

	inst.metrics, err = newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	return inst, nil
}

// initializeProviders creates SDK meter and tracer providers
func (i *Instrumentation) initializeProviders() error {
	reader := i.config.MetricReader
	if reader == nil {
		switch i.config.MetricExporter {
		case MetricExporterPrometheus:
			exporter, err := otelprom.New()
			if err != nil {
				return fmt.Errorf("failed to create prometheus exporter: %w", err)
			}
			reader = exporter
		case "", MetricExporterNone:
		default:
			return fmt.Errorf("unsupported metric exporter %q", i.config.MetricExporter)
		}
	}

	meterOpts := []sdkmetric.Option{sdkmetric.WithResource(i.resource)}
	if reader != nil {
		meterOpts = append(meterOpts, sdkmetric.WithReader(reader))
	}
	mp := sdkmetric.NewMeterProvider(meterOpts...)
	i.meterProvider = mp
	i.shutdownFuncs = append(i.shutdownFuncs, mp.Shutdown)

	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(i.resource)}
	if i.config.SpanExporter != nil {
		if i.config.SyncExport {
			traceOpts = append(traceOpts, sdktrace.WithSyncer(i.config.SpanExporter))
		} else {
			traceOpts = append(traceOpts, sdktrace.WithBatcher(i.config.SpanExporter))
		}
	}
	tp := sdktrace.NewTracerProvider(traceOpts...)
	i.tracerProvider = tp
	i.shutdownFuncs = append(i.shutdownFuncs, tp.Shutdown)

	return nil
}

// Shutdown flushes and stops all providers. Safe to call more than once.
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	var shutdownErr error

	i.shutdownOnce.Do(func() {
		for _, fn := range i.shutdownFuncs {
			if err := fn(ctx); err != nil && shutdownErr == nil {
				shutdownErr = err
			}
		}
	})

	return shutdownErr
}

// Meter returns a named meter for the given scope
// Scopes are layer names like "http", "pipeline", "storage", "token", "security"
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter(scopePrefix + scope)
}

// Tracer returns a named tracer for the given scope
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer(scopePrefix + scope)
}

// Metrics returns the metrics holder for recording metric values
func (i *Instrumentation) Metrics() *Metrics {
	return i.metrics
}

// TracerProvider returns the underlying tracer provider
func (i *Instrumentation) TracerProvider() trace.TracerProvider {
	return i.tracerProvider
}

// MeterProvider returns the underlying meter provider
func (i *Instrumentation) MeterProvider() metric.MeterProvider {
	return i.meterProvider
}

// ShouldLogClientIPs reports whether spans carry client addresses.
// A nil Instrumentation never records them.
func (i *Instrumentation) ShouldLogClientIPs() bool {
	return i != nil && i.config.LogClientIPs
}

// SizeCallback returns the current number of entries held by a component
type SizeCallback func() int64

// RegisterFlowStateCallback reports the number of pending flow states of a
// state store through the storage.flow_states gauge.
func (i *Instrumentation) RegisterFlowStateCallback(storeType string, count SizeCallback) error {
	if count == nil {
		return fmt.Errorf("flow state callback is nil")
	}
	_, err := i.Meter("storage").RegisterCallback(
		func(_ context.Context, observer metric.Observer) error {
			observer.ObserveInt64(i.metrics.StorageFlowStates, count(),
				metric.WithAttributes(attrStorageType(storeType)))
			return nil
		},
		i.metrics.StorageFlowStates,
	)
	return err
}

// RegisterRateLimiterCallback reports the number of tracked rate limiters
func (i *Instrumentation) RegisterRateLimiterCallback(count SizeCallback) error {
	if count == nil {
		return fmt.Errorf("rate limiter callback is nil")
	}
	_, err := i.Meter("security").RegisterCallback(
		func(_ context.Context, observer metric.Observer) error {
			observer.ObserveInt64(i.metrics.RateLimitActiveLimiters, count())
			return nil
		},
		i.metrics.RateLimitActiveLimiters,
	)
	return err
}
