package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func TestNewTracerNoEndpoint(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "toolgate"})
	if tracer == nil {
		t.Fatal("NewTracer() returned nil")
	}
	defer shutdown(context.Background())

	ctx, span := tracer.Start(context.Background(), "test")
	defer span.End()
	if ctx == nil {
		t.Fatal("Start returned nil context")
	}
}

func TestTraceDecision(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "toolgate"})
	defer shutdown(context.Background())

	ctx, span := tracer.TraceDecision(context.Background(), "exec", "hitl", "interactive")
	defer span.End()

	if got := trace.SpanFromContext(ctx); !got.SpanContext().Equal(span.SpanContext()) {
		t.Error("span not stored in returned context")
	}
}

func TestTraceDomainSpans(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "toolgate"})
	defer shutdown(context.Background())

	ctx := context.Background()
	_, shieldSpan := tracer.TraceShieldCheck(ctx)
	shieldSpan.End()
	_, reviewSpan := tracer.TraceReview(ctx, "write", "claude-sonnet-4-20250514")
	reviewSpan.End()
	_, waitSpan := tracer.TraceApprovalWait(ctx, "tc-1")
	waitSpan.End()
	_, httpSpan := tracer.TraceHTTPRequest(ctx, "PUT", "/api/guardrails/config")
	httpSpan.End()
}

func TestRecordError(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "toolgate"})
	defer shutdown(context.Background())

	_, span := tracer.Start(context.Background(), "test")
	defer span.End()

	tracer.RecordError(span, errors.New("review backend unavailable"))
	tracer.RecordError(span, nil) // must not panic
}

func TestSetAttributesSkipsNonStringKeys(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "toolgate"})
	defer shutdown(context.Background())

	_, span := tracer.Start(context.Background(), "test")
	defer span.End()

	tracer.SetAttributes(span, "tool", "exec", 42, "ignored", "count", 3)
	tracer.AddEvent(span, "approval_request", "channel", "chat")
}

func TestWithSpan(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "toolgate"})
	defer shutdown(context.Background())

	wantErr := errors.New("boom")
	err := WithSpan(context.Background(), tracer, "op", func(ctx context.Context, span trace.Span) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("err = %v", err)
	}

	err = WithSpan(context.Background(), tracer, "op", func(ctx context.Context, span trace.Span) error {
		return nil
	})
	if err != nil {
		t.Errorf("err = %v", err)
	}
}

func TestGetTraceIDWithoutSpan(t *testing.T) {
	if id := GetTraceID(context.Background()); id != "" {
		t.Errorf("trace id without span = %q", id)
	}
}
