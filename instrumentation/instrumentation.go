package instrumentation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
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
	DefaultServiceName = "authserver"

	// DefaultServiceVersion is the default service version used when none is provided
	DefaultServiceVersion = "unknown"

	scopePrefix = "github.com/sentaku/authserver/"
)

// Config holds instrumentation configuration
type Config struct {
	ServiceName    string
	ServiceVersion string

	// Enabled switches from no-op providers to the OpenTelemetry SDK.
	Enabled bool

	// Prometheus attaches a Prometheus exporter to the SDK meter provider and
	// makes MetricsHandler serve it. Only used when Enabled is set and
	// MeterProvider is nil.
	Prometheus bool

	// LogClientIPs controls whether client IP addresses are put on spans.
	LogClientIPs bool

	// MeterProvider and TracerProvider override the providers New would build.
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider

	// Resource allows custom resource attributes
	Resource *resource.Resource
}

// Instrumentation provides OpenTelemetry instrumentation components
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	metricsHandler http.Handler

	metrics *Metrics

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

	res := config.Resource
	if res == nil {
		var err error
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
		config:         config,
		resource:       res,
		meterProvider:  config.MeterProvider,
		tracerProvider: config.TracerProvider,
	}

	if err := inst.initializeProviders(); err != nil {
		return nil, fmt.Errorf("failed to initialize providers: %w", err)
	}

	var err error
	inst.metrics, err = newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	return inst, nil
}

// NewNoop returns instrumentation backed by no-op providers. It never fails.
func NewNoop() *Instrumentation {
	inst, err := New(Config{})
	if err != nil {
		panic(fmt.Sprintf("noop instrumentation: %v", err))
	}
	return inst
}

func (i *Instrumentation) initializeProviders() error {
	if !i.config.Enabled {
		if i.meterProvider == nil {
			i.meterProvider = noop.NewMeterProvider()
		}
		if i.tracerProvider == nil {
			i.tracerProvider = tracenoop.NewTracerProvider()
		}
		return nil
	}

	if i.meterProvider == nil {
		opts := []sdkmetric.Option{sdkmetric.WithResource(i.resource)}
		if i.config.Prometheus {
			registry := prometheus.NewRegistry()
			registry.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
			if err != nil {
				return fmt.Errorf("failed to create prometheus exporter: %w", err)
			}
			opts = append(opts, sdkmetric.WithReader(exporter))
			i.metricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
		}
		mp := sdkmetric.NewMeterProvider(opts...)
		i.meterProvider = mp
		i.shutdownFuncs = append(i.shutdownFuncs, mp.Shutdown)
	}

	if i.tracerProvider == nil {
		tp := sdktrace.NewTracerProvider(sdktrace.WithResource(i.resource))
		i.tracerProvider = tp
		i.shutdownFuncs = append(i.shutdownFuncs, tp.Shutdown)
	}

	return nil
}

// Shutdown flushes and stops providers created by New. Providers passed in
// through Config are left to their owner.
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	var errs []error
	i.shutdownOnce.Do(func() {
		for _, fn := range i.shutdownFuncs {
			if err := fn(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// Meter returns a named meter for the given scope, e.g. "http" or "storage".
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter(scopePrefix + scope)
}

// Tracer returns a named tracer for the given scope.
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

// MetricsHandler serves the Prometheus exposition format, or 404 when the
// Prometheus exporter is not configured.
func (i *Instrumentation) MetricsHandler() http.Handler {
	if i.metricsHandler == nil {
		return http.NotFoundHandler()
	}
	return i.metricsHandler
}

// ShouldLogClientIPs returns whether client IP addresses should be logged
func (i *Instrumentation) ShouldLogClientIPs() bool {
	return i.config.LogClientIPs
}

// SizeCallback reports the current size of a bounded in-memory structure.
type SizeCallback func() int64

// RegisterConsumedCodesCallback exposes the number of tracked single-use codes
// as a gauge.
func (i *Instrumentation) RegisterConsumedCodesCallback(size SizeCallback) error {
	if size == nil {
		return errors.New("size callback is required")
	}
	_, err := i.Meter("storage").RegisterCallback(
		func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(i.metrics.ConsumedCodes, size())
			return nil
		},
		i.metrics.ConsumedCodes,
	)
	return err
}
