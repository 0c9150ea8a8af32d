package observe

import (
	"fmt"
	"strings"

	"github.com/deskflowhq/deskflow/types"
)

// FromEngineEvent converts an engine lifecycle event into the sink schema.
func FromEngineEvent(in types.Event) Event {
	e := Event{
		Timestamp:    in.Timestamp,
		DiscussionID: in.DiscussionID,
		NodeName:     in.NodeName,
		Provider:     in.Provider,
		ToolName:     in.ToolName,
		Target:       in.Target,
		Message:      in.Message,
		Error:        in.Error,
		Attributes: map[string]any{
			"eventType": string(in.Type),
		},
	}
	if in.Iteration > 0 {
		e.Attributes["iteration"] = in.Iteration
	}
	if in.ToolCallID != "" {
		e.Attributes["toolCallId"] = in.ToolCallID
	}

	eventType := string(in.Type)
	switch {
	case strings.Contains(eventType, "generate"):
		e.Kind = KindProvider
	case strings.Contains(eventType, "tool"):
		e.Kind = KindTool
	case strings.HasPrefix(eventType, "graph."):
		e.Kind = KindGraph
	case strings.HasPrefix(eventType, "run."):
		e.Kind = KindRun
	default:
		e.Kind = KindCustom
	}

	switch {
	case strings.Contains(eventType, "before"), strings.Contains(eventType, "started"), strings.Contains(eventType, "resumed"):
		e.Status = StatusStarted
	case strings.Contains(eventType, "suspended"):
		e.Status = StatusSuspended
	case strings.Contains(eventType, "failed"):
		e.Status = StatusFailed
	default:
		e.Status = StatusCompleted
	}

	e.SpanID = spanIDForEngineEvent(in)
	e.ParentSpanID = parentSpanIDForEngineEvent(in)
	e.Normalize()
	return e
}

func spanIDForEngineEvent(in types.Event) string {
	if in.DiscussionID == "" {
		return ""
	}
	if in.ToolCallID != "" {
		return fmt.Sprintf("%s:tool:%d:%s", in.DiscussionID, in.Iteration, in.ToolCallID)
	}
	if in.NodeName != "" && strings.HasPrefix(string(in.Type), "graph.") {
		return fmt.Sprintf("%s:node:%s", in.DiscussionID, in.NodeName)
	}
	if in.Iteration > 0 {
		return fmt.Sprintf("%s:gen:%s:%d", in.DiscussionID, in.NodeName, in.Iteration)
	}
	return in.DiscussionID
}

func parentSpanIDForEngineEvent(in types.Event) string {
	if in.DiscussionID == "" {
		return ""
	}
	if in.ToolCallID != "" {
		return fmt.Sprintf("%s:gen:%s:%d", in.DiscussionID, in.NodeName, in.Iteration)
	}
	if in.NodeName != "" && strings.HasPrefix(string(in.Type), "graph.") {
		return in.DiscussionID
	}
	if in.Iteration > 0 {
		return fmt.Sprintf("%s:node:%s", in.DiscussionID, in.NodeName)
	}
	return ""
}
