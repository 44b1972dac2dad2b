package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// spanContext returns a context carrying a freshly started recording span.
func spanContext(t *testing.T) context.Context {
	t.Helper()
	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	ctx, span := tp.Tracer("test").Start(context.Background(), "test-span")
	t.Cleanup(func() { span.End() })
	return ctx
}

func TestCorrelationIDWithoutSpan(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID = %q, want empty outside a span", got)
	}
}

func TestCorrelationIDIsTheTraceID(t *testing.T) {
	ctx := spanContext(t)

	want := trace.SpanContextFromContext(ctx).TraceID().String()
	got := CorrelationID(ctx)
	if got != want {
		t.Errorf("CorrelationID = %q, want trace id %q", got, want)
	}
	if len(got) != 32 {
		t.Errorf("CorrelationID length = %d, want 32 hex digits", len(got))
	}
}

func TestStartSpanRecordsThroughGlobalProvider(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})

	ctx, span := StartSpan(context.Background(), "extraction.run")
	if CorrelationID(ctx) == "" {
		t.Error("StartSpan produced no trace id")
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].Name != "extraction.run" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "extraction.run")
	}
}

func TestWithTraceCarriesSpanIdentifiers(t *testing.T) {
	ctx := spanContext(t)

	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))

	WithTrace(ctx, base).Info("run finished")

	out := buf.String()
	if !strings.Contains(out, "trace_id=") || !strings.Contains(out, "span_id=") {
		t.Errorf("log line missing span identifiers: %s", out)
	}
}

func TestWithTraceOutsideSpanLeavesLoggerBare(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))

	WithTrace(context.Background(), base).Info("run finished")

	if out := buf.String(); strings.Contains(out, "trace_id") {
		t.Errorf("log line carries a trace id without a span: %s", out)
	}
}

func TestWithTraceNilLoggerFallsBackToDefault(t *testing.T) {
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })

	WithTrace(spanContext(t), nil).Info("run finished")

	if out := buf.String(); !strings.Contains(out, "trace_id=") {
		t.Errorf("log line missing trace id: %s", out)
	}
}
