package tracing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/allaspectsdev/kirogate/internal/cooldown"
)

// installRecorder makes every span land in the returned exporter.
func installRecorder(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		tp.Shutdown(context.Background())
		otel.SetTracerProvider(noop.NewTracerProvider())
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator())
	})
	return exporter
}

func lookup(kvs []attribute.KeyValue, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range kvs {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func onlySpan(t *testing.T, exporter *tracetest.InMemoryExporter) tracetest.SpanStub {
	t.Helper()
	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	return spans[0]
}

func TestRecordCooldown(t *testing.T) {
	exporter := installRecorder(t)

	ctx, span := Tracer().Start(context.Background(), "request")
	RecordCooldown(ctx, 7, cooldown.RateLimitExceeded, 90*time.Second)
	span.End()

	s := onlySpan(t, exporter)
	if len(s.Events) != 1 || s.Events[0].Name != EventCooldown {
		t.Fatalf("events = %+v", s.Events)
	}
	attrs := s.Events[0].Attributes
	if v, _ := lookup(attrs, AttrCredentialID); v.AsInt64() != 7 {
		t.Errorf("credential id = %v", v.Emit())
	}
	if v, _ := lookup(attrs, AttrCooldownReason); v.AsString() != "rate_limit_exceeded" {
		t.Errorf("reason = %q", v.AsString())
	}
	if v, _ := lookup(attrs, AttrCooldownSecs); v.AsInt64() != 90 {
		t.Errorf("seconds = %d", v.AsInt64())
	}
}

func TestRecordTruncation(t *testing.T) {
	exporter := installRecorder(t)

	ctx, span := Tracer().Start(context.Background(), "middleware.truncation.response")
	RecordTruncation(ctx, "fsWrite", "toolu_1", "missing_fields")
	span.End()

	s := onlySpan(t, exporter)
	if len(s.Events) != 1 || s.Events[0].Name != EventTruncation {
		t.Fatalf("events = %+v", s.Events)
	}
	if v, _ := lookup(s.Events[0].Attributes, AttrTruncationKind); v.AsString() != "missing_fields" {
		t.Errorf("kind = %q", v.AsString())
	}
	if v, _ := lookup(s.Events[0].Attributes, AttrTool); v.AsString() != "fsWrite" {
		t.Errorf("tool = %q", v.AsString())
	}
}

func TestSetRequestAndResponseAttributes(t *testing.T) {
	exporter := installRecorder(t)

	ctx, span := Tracer().Start(context.Background(), "POST /v1/messages")
	SetRequestAttributes(ctx, "req-1", "claude-sonnet-4-5", 12, true)
	SetResponseAttributes(ctx, http.StatusOK, 2, 1, 3)
	span.End()

	s := onlySpan(t, exporter)
	checks := map[attribute.Key]string{
		AttrRequestID:    "req-1",
		AttrModel:        "claude-sonnet-4-5",
		AttrTools:        "12",
		AttrStream:       "true",
		AttrAttempts:     "2",
		AttrTruncations:  "1",
		AttrCredentialID: "3",
	}
	for key, want := range checks {
		v, ok := lookup(s.Attributes, key)
		if !ok || v.Emit() != want {
			t.Errorf("%s = %q, want %q", key, v.Emit(), want)
		}
	}
	if s.Status.Code == codes.Error {
		t.Error("200 response marked as error")
	}
}

func TestSetResponseAttributes_GatewayFailure(t *testing.T) {
	exporter := installRecorder(t)

	ctx, span := Tracer().Start(context.Background(), "POST /v1/messages")
	SetResponseAttributes(ctx, http.StatusBadGateway, 3, 0, 0)
	span.End()

	s := onlySpan(t, exporter)
	if s.Status.Code != codes.Error {
		t.Errorf("status = %v, want error", s.Status.Code)
	}
	if _, ok := lookup(s.Attributes, AttrCredentialID); ok {
		t.Error("credential id set without a credential")
	}
}

func TestStartUpstreamSpan(t *testing.T) {
	exporter := installRecorder(t)

	_, span := StartUpstreamSpan(context.Background(), "https://q.example/generateAssistantResponse", 4)
	span.End()

	s := onlySpan(t, exporter)
	if s.Name != "kiro.generate" || s.SpanKind != trace.SpanKindClient {
		t.Errorf("span = %q kind %v", s.Name, s.SpanKind)
	}
	if v, _ := lookup(s.Attributes, AttrCredentialID); v.AsInt64() != 4 {
		t.Errorf("credential id = %v", v.Emit())
	}
}

func TestStartMiddlewareSpan(t *testing.T) {
	exporter := installRecorder(t)

	_, span := StartMiddlewareSpan(context.Background(), "tools", "request")
	span.End()

	if s := onlySpan(t, exporter); s.Name != "middleware.tools.request" {
		t.Errorf("name = %q", s.Name)
	}
}

func TestInjectHeaders(t *testing.T) {
	installRecorder(t)

	ctx, span := Tracer().Start(context.Background(), "request")
	defer span.End()

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	InjectHeaders(ctx, req)
	if req.Header.Get("traceparent") == "" {
		t.Error("traceparent not injected")
	}
}

func TestRecordError(t *testing.T) {
	exporter := installRecorder(t)

	ctx, span := Tracer().Start(context.Background(), "request")
	RecordError(ctx, nil)
	RecordError(ctx, errors.New("upstream reset"))
	span.End()

	s := onlySpan(t, exporter)
	if len(s.Events) != 1 || s.Events[0].Name != "exception" {
		t.Errorf("events = %+v", s.Events)
	}
}
