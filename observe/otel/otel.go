// Package otel bridges the observe.Sink to OpenTelemetry tracing.
//
// It converts observe.Event objects into OTel spans so that discussion runs,
// node transitions, tool calls, and provider interactions are visible in any
// OpenTelemetry-compatible backend (Jaeger, Zipkin, Grafana, etc.).
package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/deskflowhq/deskflow/observe"
)

const instrumentationName = "github.com/deskflowhq/deskflow"

// Sink implements observe.Sink by emitting OpenTelemetry spans.
type Sink struct {
	tracer trace.Tracer
}

// NewSink creates an OTel sink using the given TracerProvider.
// If tp is nil, it uses a noop tracer provider.
func NewSink(tp trace.TracerProvider) *Sink {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	return &Sink{
		tracer: tp.Tracer(instrumentationName),
	}
}

// Emit converts an observe.Event into an OTel span.
func (s *Sink) Emit(_ context.Context, event observe.Event) error {
	event.Normalize()

	spanName := spanNameFor(event)
	ctx := context.Background()
	startTime := event.Timestamp

	_, span := s.tracer.Start(ctx, spanName, trace.WithTimestamp(startTime))

	attrs := []attribute.KeyValue{
		attribute.String("deskflow.event.kind", string(event.Kind)),
	}
	if event.DiscussionID != "" {
		attrs = append(attrs, attribute.String("deskflow.discussion.id", event.DiscussionID))
	}
	if event.SpanID != "" {
		attrs = append(attrs, attribute.String("deskflow.span.id", event.SpanID))
	}
	if event.ParentSpanID != "" {
		attrs = append(attrs, attribute.String("deskflow.parent_span.id", event.ParentSpanID))
	}
	if event.NodeName != "" {
		attrs = append(attrs, attribute.String("deskflow.node.name", event.NodeName))
	}
	if event.Provider != "" {
		attrs = append(attrs, attribute.String("deskflow.provider", event.Provider))
	}
	if event.ToolName != "" {
		attrs = append(attrs, attribute.String("deskflow.tool.name", event.ToolName))
	}
	if event.Target != "" {
		attrs = append(attrs, attribute.String("deskflow.handoff.target", event.Target))
	}
	if event.Name != "" {
		attrs = append(attrs, attribute.String("deskflow.event.name", event.Name))
	}
	if event.Status != "" {
		attrs = append(attrs, attribute.String("deskflow.status", string(event.Status)))
	}
	if event.Message != "" {
		attrs = append(attrs, attribute.String("deskflow.message", truncate(event.Message, 1024)))
	}
	if event.DurationMs > 0 {
		attrs = append(attrs, attribute.Int64("deskflow.duration_ms", event.DurationMs))
	}

	for k, v := range event.Attributes {
		attrs = append(attrs, attribute.String("deskflow.attr."+k, fmt.Sprintf("%v", v)))
	}

	span.SetAttributes(attrs...)

	if event.Status == observe.StatusFailed {
		span.SetStatus(codes.Error, event.Error)
		if event.Error != "" {
			span.RecordError(fmt.Errorf("%s", event.Error))
		}
	} else if event.Status == observe.StatusCompleted {
		span.SetStatus(codes.Ok, "")
	}

	endTime := startTime
	if event.DurationMs > 0 {
		endTime = startTime.Add(time.Duration(event.DurationMs) * time.Millisecond)
	}
	span.End(trace.WithTimestamp(endTime))
	return nil
}

func spanNameFor(event observe.Event) string {
	switch event.Kind {
	case observe.KindRun:
		return "deskflow.run"
	case observe.KindProvider:
		if event.Provider != "" {
			return "deskflow.llm." + event.Provider
		}
		return "deskflow.llm.generate"
	case observe.KindTool:
		if event.ToolName != "" {
			return "deskflow.tool." + event.ToolName
		}
		return "deskflow.tool.call"
	case observe.KindGraph:
		if event.NodeName != "" {
			return "deskflow.graph." + event.NodeName
		}
		return "deskflow.graph.step"
	case observe.KindCheckpoint:
		return "deskflow.checkpoint"
	default:
		if event.Name != "" {
			return "deskflow." + event.Name
		}
		return "deskflow.event"
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
