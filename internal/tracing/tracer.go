// Package tracing wires OpenTelemetry into the gateway. Spans and span
// events carry the gateway's own attributes (credential, cooldown reason,
// attempt) under the kirogate.* namespace.
package tracing

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/allaspectsdev/kirogate/internal/config"
	"github.com/allaspectsdev/kirogate/internal/version"
)

const (
	scopeName          = "kirogate"
	defaultServiceName = "kirogate"
)

// Attribute keys used on gateway spans and events.
var (
	AttrRequestID      = attribute.Key("kirogate.request.id")
	AttrModel          = attribute.Key("kirogate.request.model")
	AttrTools          = attribute.Key("kirogate.request.tools")
	AttrStream         = attribute.Key("kirogate.request.stream")
	AttrCredentialID   = attribute.Key("kirogate.credential.id")
	AttrCooldownReason = attribute.Key("kirogate.cooldown.reason")
	AttrCooldownSecs   = attribute.Key("kirogate.cooldown.seconds")
	AttrAttempts       = attribute.Key("kirogate.attempts")
	AttrTruncations    = attribute.Key("kirogate.truncations")
	AttrTool           = attribute.Key("kirogate.tool.name")
	AttrToolUseID      = attribute.Key("kirogate.tool.use_id")
	AttrTruncationKind = attribute.Key("kirogate.truncation.kind")
	AttrUpstream       = attribute.Key("kirogate.upstream")
	AttrCredentials    = attribute.Key("kirogate.credentials")
)

// Tracer returns the gateway tracer, versioned with the build.
func Tracer() trace.Tracer {
	return otel.Tracer(scopeName, trace.WithInstrumentationVersion(version.Version))
}

// Gateway describes the running gateway on the trace resource.
type Gateway struct {
	Upstream    string
	Credentials int
}

type exporterFactory func(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error)

var exporters = map[string]exporterFactory{
	"stdout": func(context.Context, config.TracingConfig) (sdktrace.SpanExporter, error) {
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	},
	"otlp-grpc": func(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
		var opts []otlptracegrpc.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	},
	"otlp-http": func(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
		var opts []otlptracehttp.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	},
}

// Init installs a global TracerProvider exporting through cfg.Exporter and
// the W3C trace-context propagator. The returned function flushes pending
// spans and must be called on shutdown.
func Init(ctx context.Context, cfg config.TracingConfig, gw Gateway) (func(context.Context) error, error) {
	factory, ok := exporters[cfg.Exporter]
	if !ok {
		return nil, fmt.Errorf("unknown tracing exporter %q (supported: %s)", cfg.Exporter, supportedExporters())
	}
	exp, err := factory(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating %s exporter: %w", cfg.Exporter, err)
	}

	res, err := newResource(ctx, cfg.ServiceName, gw)
	if err != nil {
		return nil, fmt.Errorf("creating otel resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

func newResource(ctx context.Context, serviceName string, gw Gateway) (*resource.Resource, error) {
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	return resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(version.Version),
		AttrUpstream.String(gw.Upstream),
		AttrCredentials.Int(gw.Credentials),
	))
}

func supportedExporters() string {
	names := make([]string, 0, len(exporters))
	for name := range exporters {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
