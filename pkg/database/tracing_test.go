package database

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	t.Cleanup(func() {
		tp.Shutdown(context.Background()) //nolint:errcheck
		otel.SetTracerProvider(prev)
	})

	return exporter
}

func TestTraceOp_Success(t *testing.T) {
	exporter := setupTestTracer(t)

	_, end := TraceOp(context.Background(), "sqlite", "Get", "products")
	end(nil)

	spans := exporter.GetSpans()
	if len(spans) == 0 {
		t.Fatal("expected at least one span")
	}

	span := spans[0]
	if span.Name != "sqlite.Get" {
		t.Errorf("span name = %q, want %q", span.Name, "sqlite.Get")
	}

	attrs := make(map[string]string)
	for _, a := range span.Attributes {
		attrs[string(a.Key)] = a.Value.Emit()
	}
	if attrs["db.system"] != "sqlite" {
		t.Errorf("db.system = %q, want %q", attrs["db.system"], "sqlite")
	}
	if attrs["db.operation"] != "Get" {
		t.Errorf("db.operation = %q, want %q", attrs["db.operation"], "Get")
	}
	if attrs["db.key"] != "products" {
		t.Errorf("db.key = %q, want %q", attrs["db.key"], "products")
	}
	if span.Status.Code != codes.Unset {
		t.Errorf("span status = %d, want Unset", span.Status.Code)
	}
}

func TestTraceOp_Error(t *testing.T) {
	exporter := setupTestTracer(t)

	_, end := TraceOp(context.Background(), "redis", "Set", "products")
	end(errors.New("connection refused"))

	spans := exporter.GetSpans()
	if len(spans) == 0 {
		t.Fatal("expected at least one span")
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("span status = %d, want Error", spans[0].Status.Code)
	}
	if len(spans[0].Events) == 0 {
		t.Error("expected error event to be recorded on span")
	}
}

func TestSlowOpLogging_SlowOp(t *testing.T) {
	setupTestTracer(t)

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	SetSlowOpLogging(1*time.Nanosecond, logger)
	t.Cleanup(func() { SetSlowOpLogging(0, nil) })

	_, end := TraceOp(context.Background(), "sqlite", "Set", "products")
	end(errors.New("database is locked"))

	out := buf.String()
	if !strings.Contains(out, "slow storage operation") {
		t.Errorf("expected slow op log, got: %s", out)
	}
	if !strings.Contains(out, "products") {
		t.Errorf("expected key in log, got: %s", out)
	}
	if !strings.Contains(out, "database is locked") {
		t.Errorf("expected error in log, got: %s", out)
	}
}

func TestSlowOpLogging_FastOp_NoLog(t *testing.T) {
	setupTestTracer(t)

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	SetSlowOpLogging(1*time.Hour, logger)
	t.Cleanup(func() { SetSlowOpLogging(0, nil) })

	_, end := TraceOp(context.Background(), "sqlite", "Get", "products")
	end(nil)

	if buf.Len() != 0 {
		t.Errorf("did not expect a log line, got: %s", buf.String())
	}
}

func TestSlowOpLogging_Disabled(t *testing.T) {
	setupTestTracer(t)
	SetSlowOpLogging(0, nil)

	_, end := TraceOp(context.Background(), "memory", "Get", "products")
	end(nil)
}
