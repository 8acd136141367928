package tracing

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/allaspectsdev/kirogate/internal/cooldown"
)

// Span event names.
const (
	EventCooldown   = "credential.cooldown"
	EventTruncation = "tool_use.truncated"
)

// StartMiddlewareSpan starts the span for one pipeline middleware phase.
func StartMiddlewareSpan(ctx context.Context, name, phase string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "middleware."+name+"."+phase,
		trace.WithAttributes(
			attribute.String("middleware.name", name),
			attribute.String("middleware.phase", phase),
		),
	)
}

// StartUpstreamSpan starts the client span for one upstream attempt made
// with the given credential.
func StartUpstreamSpan(ctx context.Context, url string, credentialID uint64) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "kiro.generate",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("url.full", url),
			AttrCredentialID.Int64(int64(credentialID)),
		),
	)
}

// InjectHeaders writes the current trace context into req's headers.
func InjectHeaders(ctx context.Context, req *http.Request) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
}

// SetRequestAttributes tags the request span with what the client asked for.
func SetRequestAttributes(ctx context.Context, requestID, model string, tools int, stream bool) {
	trace.SpanFromContext(ctx).SetAttributes(
		AttrRequestID.String(requestID),
		AttrModel.String(model),
		AttrTools.Int(tools),
		AttrStream.Bool(stream),
	)
}

// SetResponseAttributes tags the request span with the outcome. Statuses of
// 500 and above mark the span as failed.
func SetResponseAttributes(ctx context.Context, status, attempts, truncations int, credentialID uint64) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		AttrAttempts.Int(attempts),
		AttrTruncations.Int(truncations),
	)
	if credentialID != 0 {
		span.SetAttributes(AttrCredentialID.Int64(int64(credentialID)))
	}
	if status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(status))
	}
}

// RecordCooldown adds a cooldown event to the current span.
func RecordCooldown(ctx context.Context, credentialID uint64, reason cooldown.Reason, d time.Duration) {
	trace.SpanFromContext(ctx).AddEvent(EventCooldown, trace.WithAttributes(
		AttrCredentialID.Int64(int64(credentialID)),
		AttrCooldownReason.String(reason.String()),
		AttrCooldownSecs.Int64(int64(d/time.Second)),
	))
}

// RecordTruncation adds a truncated tool call event to the current span.
func RecordTruncation(ctx context.Context, tool, toolUseID, kind string) {
	trace.SpanFromContext(ctx).AddEvent(EventTruncation, trace.WithAttributes(
		AttrTool.String(tool),
		AttrToolUseID.String(toolUseID),
		AttrTruncationKind.String(kind),
	))
}

// RecordError records err on the current span.
func RecordError(ctx context.Context, err error) {
	if err != nil {
		trace.SpanFromContext(ctx).RecordError(err)
	}
}
