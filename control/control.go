// Package control defines the typed control-flow signals that move execution
// between graph nodes: handoffs and human-input interrupts. Both are carried
// through tool execution as errors so the agent loop can distinguish them
// from ordinary tool failures with errors.As.
package control

import (
	"errors"
	"fmt"
	"strings"

	"github.com/deskflowhq/deskflow/types"
)

// Handoff tools follow a strict naming convention so the loop can tell them
// apart from ordinary tools without executing them.
const (
	// TransferToolPrefix prefixes tools that hand control to a named node.
	TransferToolPrefix = "transfer_to_"
	// ReturnToolPrefix prefixes tools that hand control back to the parent
	// supervisor.
	ReturnToolPrefix = "transfer_back_to_"
)

// IsHandoffToolName reports whether name follows the handoff naming
// convention.
func IsHandoffToolName(name string) bool {
	return strings.HasPrefix(name, TransferToolPrefix) ||
		strings.HasPrefix(name, ReturnToolPrefix)
}

// Scope selects how far up the compiled-graph stack a transfer target is
// resolved.
type Scope string

const (
	// ScopeLocal targets a node registered in the current graph.
	ScopeLocal Scope = "local"
	// ScopeParent targets a node registered in the parent graph, used by a
	// child agent handing control to a sibling of its parent.
	ScopeParent Scope = "parent"
)

// Transfer is the control-transfer instruction produced by a handoff tool.
// It never executes target logic inline: the runner interprets it as an edge
// traversal to Target.
type Transfer struct {
	Target  string
	Scope   Scope
	Message string // Optional directive for the target agent.
	// ToolCallID links the transfer back to the tool call that produced it
	// so the loop can append the matching tool-result message.
	ToolCallID string
	ToolName   string
}

func (t *Transfer) Error() string {
	return fmt.Sprintf("control: transfer to %q", t.Target)
}

// AsTransfer unwraps a Transfer from err, if present.
func AsTransfer(err error) (*Transfer, bool) {
	var transfer *Transfer
	if errors.As(err, &transfer) {
		return transfer, true
	}
	return nil, false
}

type AgentMessageMode string

const (
	ModeCompleteHandoff AgentMessageMode = "complete_handoff"
	ModeQuestion        AgentMessageMode = "question"
	ModeConfirmation    AgentMessageMode = "confirmation"
	ModeActionRequest   AgentMessageMode = "action_request"
)

type Destination string

const (
	DestinationAgent Destination = "agent"
	DestinationUser  Destination = "user"
)

// CompleteHandoffSentinel is the legacy message text compared against to
// derive the complete_handoff metadata flag. New code keys off
// AgentMessageMode instead.
const CompleteHandoffSentinel = "Handoff the full conversation to a real agent."

// InterruptPayload is the value serialized across a suspension boundary and
// returned to the caller. The caller echoes back a string answer to resume.
type InterruptPayload struct {
	UserMessage      string                 `json:"user_message"`
	AgentMessageMode AgentMessageMode       `json:"agent_message_mode"`
	Destination      Destination            `json:"destination"`
	ToolsCalled      []types.ToolCallRecord `json:"tools_called,omitempty"`
}

// IsCompleteHandoff reports whether the payload hands the whole conversation
// to a human operator.
func (p InterruptPayload) IsCompleteHandoff() bool {
	return p.AgentMessageMode == ModeCompleteHandoff ||
		p.UserMessage == CompleteHandoffSentinel
}

// Interrupt suspends the run until the caller supplies a resume value. It
// propagates unmodified through the agent loop and runner.
type Interrupt struct {
	Payload InterruptPayload
	// ToolCallID identifies the suspended tool call; the resume value
	// becomes that call's result.
	ToolCallID string
	ToolName   string
}

func (i *Interrupt) Error() string {
	return fmt.Sprintf("control: interrupt (%s)", i.Payload.AgentMessageMode)
}

// AsInterrupt unwraps an Interrupt from err, if present.
func AsInterrupt(err error) (*Interrupt, bool) {
	var interrupt *Interrupt
	if errors.As(err, &interrupt) {
		return interrupt, true
	}
	return nil, false
}
