package state

import (
	"time"

	"github.com/deskflowhq/deskflow/control"
	"github.com/deskflowhq/deskflow/types"
)

type Status string

const (
	StatusRunning    Status = "running"
	StatusSuspended  Status = "suspended"
	StatusTerminated Status = "terminated"
)

// Metadata keys written by the engine.
const (
	MetaNextNode         = "next_node"
	MetaTargetEntity     = "target_entity"
	MetaAgentMessageMode = "agent_message_mode"
	MetaCompleteHandoff  = "complete_handoff"
)

// Conversation is the durable state of one discussion. One instance exists
// per in-flight run; it is loaded, mutated through Apply for the duration of
// one inbound-message cycle, and checkpointed at suspension points and at
// completion.
type Conversation struct {
	DiscussionID     string                    `json:"discussionId"`
	Messages         []types.Message           `json:"messages"`
	Metadata         map[string]string         `json:"metadata,omitempty"`
	ToolsCalled      []types.ToolCallRecord    `json:"toolsCalled,omitempty"`
	FromSupervisor   []string                  `json:"fromSupervisor,omitempty"`
	RemainingSteps   int                       `json:"remainingSteps"`
	Status           Status                    `json:"status"`
	PendingInterrupt *control.InterruptPayload `json:"pendingInterrupt,omitempty"`
	// SuspendedNode is the node to land back on when the interrupt is
	// resumed; SuspendedToolCallID identifies the tool call whose result the
	// resume answer becomes.
	SuspendedNode       string    `json:"suspendedNode,omitempty"`
	SuspendedToolCallID string    `json:"suspendedToolCallId,omitempty"`
	SuspendedToolName   string    `json:"suspendedToolName,omitempty"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

func NewConversation(discussionID string, stepBudget int, now time.Time) *Conversation {
	return &Conversation{
		DiscussionID:   discussionID,
		Metadata:       map[string]string{},
		RemainingSteps: stepBudget,
		Status:         StatusRunning,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Delta is the mergeable unit produced by one node execution. Applying the
// same delta twice yields the same conversation as applying it once for all
// list-valued fields; metadata is last-write-wins and therefore
// order-sensitive.
type Delta struct {
	Messages    []types.Message        `json:"messages,omitempty"`
	Metadata    map[string]string      `json:"metadata,omitempty"`
	ToolsCalled []types.ToolCallRecord `json:"toolsCalled,omitempty"`
	// FromSupervisor entries append a directive; a nil entry pops the
	// newest one instead, modeling "consume once delivered".
	FromSupervisor []*string `json:"fromSupervisor,omitempty"`
}

// Apply merges a delta into the conversation using the per-field reducers.
func (c *Conversation) Apply(delta Delta) {
	if c.Metadata == nil {
		c.Metadata = map[string]string{}
	}

	for _, msg := range delta.Messages {
		if msg.ID != "" && c.hasMessage(msg.ID) {
			continue
		}
		c.Messages = append(c.Messages, msg)
	}

	for key, value := range delta.Metadata {
		c.Metadata[key] = value
	}

	for _, record := range delta.ToolsCalled {
		if c.hasToolRecord(record) {
			continue
		}
		c.ToolsCalled = append(c.ToolsCalled, record)
	}

	for _, entry := range delta.FromSupervisor {
		if entry == nil {
			// Pop clamps at empty instead of underflowing.
			if n := len(c.FromSupervisor); n > 0 {
				c.FromSupervisor = c.FromSupervisor[:n-1]
			}
			continue
		}
		if c.hasSupervisorMessage(*entry) {
			continue
		}
		c.FromSupervisor = append(c.FromSupervisor, *entry)
	}
}

func (c *Conversation) hasMessage(id string) bool {
	for _, msg := range c.Messages {
		if msg.ID == id {
			return true
		}
	}
	return false
}

func (c *Conversation) hasToolRecord(record types.ToolCallRecord) bool {
	for _, existing := range c.ToolsCalled {
		if existing.Equal(record) {
			return true
		}
	}
	return false
}

func (c *Conversation) hasSupervisorMessage(text string) bool {
	for _, existing := range c.FromSupervisor {
		if existing == text {
			return true
		}
	}
	return false
}

// LastMessage returns the newest message, or a zero Message when empty.
func (c *Conversation) LastMessage() (types.Message, bool) {
	if len(c.Messages) == 0 {
		return types.Message{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}

// NextNode returns the routing directive left by a handoff, or fallback when
// none is set.
func (c *Conversation) NextNode(fallback string) string {
	if c.Metadata == nil {
		return fallback
	}
	if next := c.Metadata[MetaNextNode]; next != "" {
		return next
	}
	return fallback
}

func (c *Conversation) SetNextNode(node string) {
	if c.Metadata == nil {
		c.Metadata = map[string]string{}
	}
	c.Metadata[MetaNextNode] = node
}

func (c *Conversation) ClearNextNode() {
	if c.Metadata != nil {
		delete(c.Metadata, MetaNextNode)
	}
}

// PeekSupervisorMessage returns the newest undelivered supervisor directive.
func (c *Conversation) PeekSupervisorMessage() (string, bool) {
	if len(c.FromSupervisor) == 0 {
		return "", false
	}
	return c.FromSupervisor[len(c.FromSupervisor)-1], true
}

// Suspend records an interrupt and transitions the conversation to
// StatusSuspended.
func (c *Conversation) Suspend(node string, interrupt control.Interrupt) {
	payload := interrupt.Payload
	c.Status = StatusSuspended
	c.SuspendedNode = node
	c.SuspendedToolCallID = interrupt.ToolCallID
	c.SuspendedToolName = interrupt.ToolName
	c.PendingInterrupt = &payload
	if c.Metadata == nil {
		c.Metadata = map[string]string{}
	}
	c.Metadata[MetaTargetEntity] = string(payload.Destination)
	c.Metadata[MetaAgentMessageMode] = string(payload.AgentMessageMode)
	if payload.IsCompleteHandoff() {
		c.Metadata[MetaCompleteHandoff] = "true"
	} else {
		c.Metadata[MetaCompleteHandoff] = "false"
	}
	c.SetNextNode(node)
}

// ClearInterrupt transitions a suspended conversation back to running.
func (c *Conversation) ClearInterrupt() {
	c.Status = StatusRunning
	c.PendingInterrupt = nil
	c.SuspendedNode = ""
	c.SuspendedToolCallID = ""
	c.SuspendedToolName = ""
}
