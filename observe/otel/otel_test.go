package otel

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/deskflowhq/deskflow/observe"
)

func newRecordingSink(t *testing.T) (*Sink, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return NewSink(tp), exporter
}

func TestSinkEmit_ToolSpan(t *testing.T) {
	sink, exporter := newRecordingSink(t)

	start := time.Now().UTC().Add(-time.Second)
	err := sink.Emit(context.Background(), observe.Event{
		Timestamp:    start,
		DiscussionID: "disc-1",
		Kind:         observe.KindTool,
		Status:       observe.StatusCompleted,
		ToolName:     "process_refund",
		NodeName:     "refunds",
		DurationMs:   120,
	})
	if err != nil {
		t.Fatalf("Emit failed: %v", err)
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != "deskflow.tool.process_refund" {
		t.Errorf("span name = %q", span.Name)
	}
	if span.Status.Code != codes.Ok {
		t.Errorf("status = %v", span.Status)
	}
	if got := span.EndTime.Sub(span.StartTime); got != 120*time.Millisecond {
		t.Errorf("span duration = %v", got)
	}
	found := map[string]string{}
	for _, attr := range span.Attributes {
		found[string(attr.Key)] = attr.Value.Emit()
	}
	if found["deskflow.discussion.id"] != "disc-1" {
		t.Errorf("attributes = %v", found)
	}
	if found["deskflow.node.name"] != "refunds" {
		t.Errorf("attributes = %v", found)
	}
}

func TestSinkEmit_FailureRecordsError(t *testing.T) {
	sink, exporter := newRecordingSink(t)

	err := sink.Emit(context.Background(), observe.Event{
		Timestamp: time.Now().UTC(),
		Kind:      observe.KindProvider,
		Status:    observe.StatusFailed,
		Provider:  "openai",
		Error:     "rate limited",
	})
	if err != nil {
		t.Fatalf("Emit failed: %v", err)
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != "deskflow.llm.openai" {
		t.Errorf("span name = %q", span.Name)
	}
	if span.Status.Code != codes.Error || span.Status.Description != "rate limited" {
		t.Errorf("status = %v", span.Status)
	}
	if len(span.Events) == 0 {
		t.Error("expected a recorded error event")
	}
}

func TestNewSink_NilProviderIsNoop(t *testing.T) {
	sink := NewSink(nil)
	if err := sink.Emit(context.Background(), observe.Event{Kind: observe.KindRun}); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
}
