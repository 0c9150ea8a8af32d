package types

import (
	"encoding/json"
	"reflect"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type Message struct {
	ID         string     `json:"id,omitempty"`
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	Name       string     `json:"name,omitempty"` // Tool name for tool role messages, agent name otherwise.
	ToolCallID string     `json:"toolCallId,omitempty"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
	// Transient marks messages that exist only to carry a handoff between
	// nodes. The runner keeps driving the graph while the newest message
	// is transient.
	Transient bool `json:"transient,omitempty"`
}

type ToolCall struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolCallRecord is the audit entry appended to conversation state for every
// executed tool call. Equality is structural; the reducers use it to dedup
// replayed deltas.
type ToolCallRecord struct {
	Name       string         `json:"name"`
	Content    string         `json:"content"`
	ToolCallID string         `json:"toolCallId"`
	ID         string         `json:"id"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

func (r ToolCallRecord) Equal(other ToolCallRecord) bool {
	return r.Name == other.Name &&
		r.Content == other.Content &&
		r.ToolCallID == other.ToolCallID &&
		r.ID == other.ID &&
		reflect.DeepEqual(r.Parameters, other.Parameters)
}

type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	JSONSchema  map[string]any `json:"jsonSchema,omitempty"`
}

type Request struct {
	Model           string           `json:"model,omitempty"`
	SystemPrompt    string           `json:"systemPrompt,omitempty"`
	Messages        []Message        `json:"messages"`
	Tools           []ToolDefinition `json:"tools,omitempty"`
	MaxOutputTokens int              `json:"maxOutputTokens,omitempty"`
	// ParallelToolCalls requests that the provider emit at most one tool
	// call per turn when false. Supervisors always set it to false.
	ParallelToolCalls *bool `json:"parallelToolCalls,omitempty"`
}

type Usage struct {
	InputTokens  int `json:"inputTokens,omitempty"`
	OutputTokens int `json:"outputTokens,omitempty"`
	TotalTokens  int `json:"totalTokens,omitempty"`
}

type Response struct {
	Message Message `json:"message"`
	Usage   *Usage  `json:"usage,omitempty"`
}
