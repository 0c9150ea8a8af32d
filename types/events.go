package types

import "time"

type EventType string

const (
	EventRunStarted     EventType = "run.started"
	EventBeforeGenerate EventType = "run.before_generate"
	EventAfterGenerate  EventType = "run.after_generate"
	EventBeforeTool     EventType = "run.before_tool"
	EventAfterTool      EventType = "run.after_tool"
	EventNodeStarted    EventType = "graph.node.started"
	EventNodeCompleted  EventType = "graph.node.completed"
	EventHandoff        EventType = "graph.handoff"
	EventRunSuspended   EventType = "run.suspended"
	EventRunResumed     EventType = "run.resumed"
	EventRunCompleted   EventType = "run.completed"
	EventRunFailed      EventType = "run.failed"
)

type Event struct {
	Type         EventType `json:"type"`
	Timestamp    time.Time `json:"timestamp"`
	DiscussionID string    `json:"discussionId,omitempty"`
	NodeName     string    `json:"nodeName,omitempty"`
	Provider     string    `json:"provider,omitempty"`
	Iteration    int       `json:"iteration,omitempty"`
	ToolName     string    `json:"toolName,omitempty"`
	ToolCallID   string    `json:"toolCallId,omitempty"`
	Target       string    `json:"target,omitempty"` // Handoff target node.
	Message      string    `json:"message,omitempty"`
	Error        string    `json:"error,omitempty"`
}
