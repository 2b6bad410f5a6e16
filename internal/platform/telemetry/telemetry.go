// Package telemetry wires OpenTelemetry tracing and Prometheus metrics for
// the server: request middleware, the /metrics endpoint and the domain
// counters recorded by the search and claim services.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// TelemetryConfig holds all configuration for the telemetry provider.
type TelemetryConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string  // empty: spans are sampled but not exported
	MetricsEnabled *bool   // nil = use default (true)
	TracingEnabled *bool   // nil = use default (true)
	SampleRate     float64 // 0.0 to 1.0

	// SpanProcessor, when set, receives every finished span in addition
	// to the exporter. Tests use it with tracetest.SpanRecorder.
	SpanProcessor sdktrace.SpanProcessor
}

func (c *TelemetryConfig) metricsOn() bool {
	if c.MetricsEnabled == nil {
		return true
	}
	return *c.MetricsEnabled
}

func (c *TelemetryConfig) tracingOn() bool {
	if c.TracingEnabled == nil {
		return true
	}
	return *c.TracingEnabled
}

func (c *TelemetryConfig) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "trialsites-server"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.SampleRate <= 0 || c.SampleRate > 1 {
		c.SampleRate = 1.0
	}
}

// BoolPtr is a helper to create a *bool for TelemetryConfig fields.
func BoolPtr(b bool) *bool {
	return &b
}

// TelemetryProvider owns the tracer provider and the metrics registry.
type TelemetryProvider struct {
	cfg      TelemetryConfig
	tp       *sdktrace.TracerProvider
	tracer   trace.Tracer
	registry *prometheus.Registry
	metrics  *Metrics

	requestDuration *prometheus.HistogramVec
	activeRequests  prometheus.Gauge
}

// NewTelemetryProvider builds the provider and installs its tracer provider
// and propagator as the OpenTelemetry globals.
func NewTelemetryProvider(ctx context.Context, cfg TelemetryConfig) (*TelemetryProvider, error) {
	cfg.applyDefaults()

	p := &TelemetryProvider{
		cfg:      cfg,
		registry: prometheus.NewRegistry(),
	}

	if cfg.tracingOn() {
		res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
			attribute.String("deployment.environment", cfg.Environment),
		))
		if err != nil {
			return nil, fmt.Errorf("build resource: %w", err)
		}

		opts := []sdktrace.TracerProviderOption{
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
		}
		if cfg.OTLPEndpoint != "" {
			exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.OTLPEndpoint))
			if err != nil {
				return nil, fmt.Errorf("create otlp exporter: %w", err)
			}
			opts = append(opts, sdktrace.WithBatcher(exp))
		}
		if cfg.SpanProcessor != nil {
			opts = append(opts, sdktrace.WithSpanProcessor(cfg.SpanProcessor))
		}
		p.tp = sdktrace.NewTracerProvider(opts...)
		otel.SetTracerProvider(p.tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{}, propagation.Baggage{}))
		p.tracer = p.tp.Tracer("github.com/trialsites/trialsites/http")
	}

	if cfg.metricsOn() {
		p.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		p.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trialsites_http_request_duration_seconds",
			Help:    "HTTP request latency by method, route and status",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"})
		p.activeRequests = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trialsites_http_active_requests",
			Help: "Requests currently being served",
		})
		p.registry.MustRegister(p.requestDuration, p.activeRequests)
		p.metrics = NewMetrics(p.registry)
	}

	return p, nil
}

// Metrics returns the domain metrics, or nil when metrics are disabled.
// All Metrics methods accept a nil receiver.
func (p *TelemetryProvider) Metrics() *Metrics {
	return p.metrics
}

// Registry exposes the Prometheus registry backing /metrics.
func (p *TelemetryProvider) Registry() *prometheus.Registry {
	return p.registry
}

// Shutdown flushes pending spans.
func (p *TelemetryProvider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	if err := p.tp.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("shutdown tracer provider: %w", err)
	}
	return nil
}

// TracingMiddleware starts a server span for every request, continuing any
// trace propagated in the request headers.
func (p *TelemetryProvider) TracingMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if p.tracer == nil {
				return next(c)
			}

			req := c.Request()
			route := c.Path()
			if route == "" {
				route = req.URL.Path
			}

			ctx := otel.GetTextMapPropagator().Extract(req.Context(), propagation.HeaderCarrier(req.Header))
			ctx, span := p.tracer.Start(ctx, "HTTP "+req.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.method", req.Method),
					attribute.String("http.route", route),
				))
			defer span.End()

			c.SetRequest(req.WithContext(ctx))
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			span.SetAttributes(attribute.Int("http.status_code", status))
			if status >= 500 {
				span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status))
			}
			if rid := c.Response().Header().Get(echo.HeaderXRequestID); rid != "" {
				span.SetAttributes(attribute.String("http.request_id", rid))
			}
			return err
		}
	}
}

// MetricsMiddleware records request latency by route pattern.
func (p *TelemetryProvider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if p.requestDuration == nil {
				return next(c)
			}

			p.activeRequests.Inc()
			start := time.Now()
			err := next(c)
			p.activeRequests.Dec()

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			p.requestDuration.WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// PrometheusHandler serves the registry in Prometheus exposition format.
func (p *TelemetryProvider) PrometheusHandler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}))
}
