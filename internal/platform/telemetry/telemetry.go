// Package telemetry wires OpenTelemetry tracing into the HTTP layer and keeps
// a small set of in-process metrics served in Prometheus text format.
//
// Spans go to whatever TracerProvider the process registered with otel; with
// none registered they are non-recording but still carry incoming trace
// context so request logs can be correlated.
package telemetry

import (
	"context"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/carecircle/medadmin/internal/platform/telemetry"

	TraceIDHeader = "X-Trace-ID"
)

// Config holds all configuration for the telemetry provider.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	MetricsEnabled *bool // nil = use default (true)
	TracingEnabled *bool // nil = use default (true)
}

func (c *Config) metricsOn() bool {
	return c.MetricsEnabled == nil || *c.MetricsEnabled
}

func (c *Config) tracingOn() bool {
	return c.TracingEnabled == nil || *c.TracingEnabled
}

func (c *Config) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "medadmin"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
}

// BoolPtr is a helper to create a *bool for Config fields.
func BoolPtr(b bool) *bool {
	return &b
}

// Option customises a Provider.
type Option func(*Provider)

// WithTracerProvider overrides the global otel TracerProvider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(p *Provider) { p.tracerProvider = tp }
}

// WithPropagator overrides the W3C tracecontext + baggage propagator.
func WithPropagator(prop propagation.TextMapPropagator) Option {
	return func(p *Provider) { p.propagator = prop }
}

// Provider manages tracing and metrics state.
type Provider struct {
	cfg            Config
	tracerProvider trace.TracerProvider
	tracer         trace.Tracer
	propagator     propagation.TextMapPropagator
	metrics        *metrics

	shutdownOnce sync.Once
}

// New creates the telemetry provider.
func New(cfg Config, opts ...Option) *Provider {
	cfg.applyDefaults()
	p := &Provider{
		cfg:            cfg,
		tracerProvider: otel.GetTracerProvider(),
		propagator: propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
		metrics: newMetrics(),
	}
	for _, o := range opts {
		o(p)
	}
	p.tracer = p.tracerProvider.Tracer(instrumentationName, trace.WithInstrumentationVersion(cfg.ServiceVersion))
	return p
}

// Tracer returns the tracer domain services should start spans with.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Resource returns the service attributes attached to every span.
func (p *Provider) Resource() []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("service.name", p.cfg.ServiceName),
		attribute.String("service.version", p.cfg.ServiceVersion),
		attribute.String("deployment.environment", p.cfg.Environment),
	}
}

// Shutdown flushes the tracer provider when it supports it.
func (p *Provider) Shutdown(ctx context.Context) error {
	var err error
	p.shutdownOnce.Do(func() {
		if s, ok := p.tracerProvider.(interface{ Shutdown(context.Context) error }); ok {
			err = s.Shutdown(ctx)
		}
	})
	return err
}

// TracingMiddleware starts a server span per request, continuing any trace
// context carried in the request headers. The trace id is echoed in
// X-Trace-ID when one is present.
func (p *Provider) TracingMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !p.cfg.tracingOn() {
				return next(c)
			}

			req := c.Request()
			route := c.Path()
			if route == "" {
				route = req.URL.Path
			}

			ctx := p.propagator.Extract(req.Context(), propagation.HeaderCarrier(req.Header))
			attrs := append(p.Resource(),
				attribute.String("http.method", req.Method),
				attribute.String("http.route", route),
				attribute.String("http.target", req.URL.Path),
			)
			if rid, ok := c.Get("request_id").(string); ok && rid != "" {
				attrs = append(attrs, attribute.String("http.request_id", rid))
			}
			ctx, span := p.tracer.Start(ctx, "HTTP "+req.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(attrs...),
			)
			defer span.End()

			c.SetRequest(req.WithContext(ctx))
			if sc := span.SpanContext(); sc.HasTraceID() {
				c.Response().Header().Set(TraceIDHeader, sc.TraceID().String())
			}

			err := next(c)

			status := responseStatus(c, err)
			span.SetAttributes(attribute.Int("http.status_code", status))
			if err != nil {
				span.RecordError(err)
			}
			if status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(status))
			} else {
				span.SetStatus(codes.Ok, "")
			}
			return err
		}
	}
}

// responseStatus is the status the client will see, including errors echo
// has not rendered yet.
func responseStatus(c echo.Context, err error) int {
	if err != nil && !c.Response().Committed {
		if he, ok := err.(*echo.HTTPError); ok {
			return he.Code
		}
		return http.StatusInternalServerError
	}
	return c.Response().Status
}
