package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/deskflowhq/deskflow/control"
	"github.com/deskflowhq/deskflow/observe"
	"github.com/deskflowhq/deskflow/state"
	"github.com/deskflowhq/deskflow/types"
)

// ErrNoPendingInterrupt is returned when a resume value arrives for a
// discussion that is not suspended. Nothing is persisted in that case.
var ErrNoPendingInterrupt = errors.New("graph: no pending interrupt for discussion")

// Graph is a compiled, runnable conversation flow. It is safe for concurrent
// use across discussion ids; calls for one discussion id must be serialized
// by the caller.
type Graph struct {
	runtime Runtime
	entry   string
	nodes   map[string]*node
}

// EntryNode returns the normalized name of the top-level supervisor, the
// default dispatch target of the router entry.
func (g *Graph) EntryNode() string { return g.entry }

// Nodes lists the normalized node names registered in the graph.
func (g *Graph) Nodes() []string {
	names := make([]string, 0, len(g.nodes))
	for name := range g.nodes {
		names = append(names, name)
	}
	return names
}

// RunOutput is the aggregated result of processing one inbound message or
// one resume value.
type RunOutput struct {
	DiscussionID string
	Reply        string
	Status       state.Status
	Interrupt    *control.InterruptPayload
	ToolsCalled  []types.ToolCallRecord
	// Node is the node that produced the reply or suspension.
	Node string
}

// Run processes one inbound user message. A new discussion id starts fresh
// at the router entry; a terminated discussion starts a fresh running phase
// with its history retained; a suspended discussion treats the message as
// the answer to the pending interrupt.
func (g *Graph) Run(ctx context.Context, discussionID, text string) (*RunOutput, error) {
	if discussionID == "" {
		return nil, errors.New("graph: discussion id is required")
	}
	if text == "" {
		return nil, errors.New("graph: message text is required")
	}

	conv, seq, err := g.loadOrCreate(ctx, discussionID)
	if err != nil {
		return nil, err
	}

	if conv.Status == state.StatusSuspended {
		return g.resume(ctx, conv, seq, text)
	}

	if conv.Status == state.StatusTerminated {
		// A new inbound message reopens the discussion from the router entry
		// with a fresh step budget; history stays.
		conv.Status = state.StatusRunning
		conv.RemainingSteps = g.runtime.StepBudget
	}

	conv.Apply(state.Delta{Messages: []types.Message{{
		ID:      uuid.NewString(),
		Role:    types.RoleUser,
		Content: text,
	}}})

	g.emit(ctx, types.Event{
		Type:         types.EventRunStarted,
		Timestamp:    g.runtime.Clock(),
		DiscussionID: discussionID,
		Message:      "run started",
	})

	return g.drive(ctx, conv, seq)
}

// Resume supplies the answer for a pending interrupt. The answer becomes the
// suspended tool call's result and execution continues on the suspended node
// exactly as if the tool had returned synchronously. Returns
// ErrNoPendingInterrupt, with no state mutated, when the discussion is not
// suspended.
func (g *Graph) Resume(ctx context.Context, discussionID, answer string) (*RunOutput, error) {
	if discussionID == "" {
		return nil, errors.New("graph: discussion id is required")
	}

	conv, seq, err := g.loadOrCreate(ctx, discussionID)
	if err != nil {
		return nil, err
	}
	if conv.Status != state.StatusSuspended {
		return nil, fmt.Errorf("%w: %s", ErrNoPendingInterrupt, discussionID)
	}
	return g.resume(ctx, conv, seq, answer)
}

func (g *Graph) resume(ctx context.Context, conv *state.Conversation, seq int, answer string) (*RunOutput, error) {
	if conv.SuspendedNode == "" || conv.SuspendedToolCallID == "" {
		return nil, fmt.Errorf("graph: discussion %s has a corrupt suspension record", conv.DiscussionID)
	}

	// Encode exactly like a synchronous tool return so a resumed run is
	// indistinguishable from one where the tool answered inline.
	encoded, err := json.Marshal(answer)
	if err != nil {
		return nil, fmt.Errorf("graph: failed to encode resume answer: %w", err)
	}

	node := conv.SuspendedNode
	conv.Apply(state.Delta{
		Messages: []types.Message{{
			ID:         uuid.NewString(),
			Role:       types.RoleTool,
			Name:       conv.SuspendedToolName,
			ToolCallID: conv.SuspendedToolCallID,
			Content:    string(encoded),
		}},
		ToolsCalled: []types.ToolCallRecord{{
			Name:       conv.SuspendedToolName,
			Content:    string(encoded),
			ToolCallID: conv.SuspendedToolCallID,
			ID:         uuid.NewString(),
		}},
	})
	conv.ClearInterrupt()
	conv.SetNextNode(node)

	g.emit(ctx, types.Event{
		Type:         types.EventRunResumed,
		Timestamp:    g.runtime.Clock(),
		DiscussionID: conv.DiscussionID,
		NodeName:     node,
	})

	return g.drive(ctx, conv, seq)
}

func (g *Graph) loadOrCreate(ctx context.Context, discussionID string) (*state.Conversation, int, error) {
	record, err := g.runtime.Store.LoadLatestCheckpoint(ctx, discussionID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			conv := state.NewConversation(discussionID, g.runtime.StepBudget, g.runtime.Clock())
			return conv, 1, nil
		}
		return nil, 0, fmt.Errorf("graph: failed to load checkpoint for %s: %w", discussionID, err)
	}
	conv := record.Conversation
	return &conv, record.Seq + 1, nil
}

// drive executes graph steps until a user-facing message or a suspension is
// produced, re-driving across handoffs up to the hop ceiling.
func (g *Graph) drive(ctx context.Context, conv *state.Conversation, seq int) (*RunOutput, error) {
	current := conv.NextNode(g.entry)

	for hop := 0; hop < g.runtime.MaxHops; hop++ {
		n, ok := g.nodes[current]
		if !ok {
			return nil, fmt.Errorf("graph: dispatch to unknown node %q", current)
		}
		if conv.RemainingSteps <= 0 {
			return g.settle(ctx, conv, seq, current, "")
		}

		g.emit(ctx, types.Event{
			Type:         types.EventNodeStarted,
			Timestamp:    g.runtime.Clock(),
			DiscussionID: conv.DiscussionID,
			NodeName:     current,
		})

		result, err := n.agent.RunStep(ctx, conv)
		if err != nil {
			g.emit(ctx, types.Event{
				Type:         types.EventRunFailed,
				Timestamp:    g.runtime.Clock(),
				DiscussionID: conv.DiscussionID,
				NodeName:     current,
				Error:        err.Error(),
			})
			return nil, fmt.Errorf("graph: node %q failed: %w", current, err)
		}

		conv.Apply(result.Delta)

		if result.Interrupt != nil {
			// Suspension does not consume a reasoning step.
			interrupt := *result.Interrupt
			interrupt.Payload.ToolsCalled = append([]types.ToolCallRecord(nil), conv.ToolsCalled...)
			conv.Suspend(current, interrupt)
			if err := g.checkpoint(ctx, conv, seq, current); err != nil {
				return nil, err
			}
			g.emit(ctx, types.Event{
				Type:         types.EventRunSuspended,
				Timestamp:    g.runtime.Clock(),
				DiscussionID: conv.DiscussionID,
				NodeName:     current,
				Message:      interrupt.Payload.UserMessage,
			})
			payload := *conv.PendingInterrupt
			return &RunOutput{
				DiscussionID: conv.DiscussionID,
				Reply:        payload.UserMessage,
				Status:       state.StatusSuspended,
				Interrupt:    &payload,
				ToolsCalled:  conv.ToolsCalled,
				Node:         current,
			}, nil
		}

		conv.RemainingSteps--

		if result.Transfer != nil {
			target := result.Transfer.Target
			if _, ok := g.nodes[target]; !ok {
				return nil, fmt.Errorf("graph: node %q handed off to unknown target %q", current, target)
			}

			switch {
			case result.Transfer.Scope == control.ScopeParent:
				// Returning consumes the directive delivered on the way down.
				conv.Apply(state.Delta{FromSupervisor: []*string{nil}})
			case result.Transfer.Message != "":
				directive := result.Transfer.Message
				conv.Apply(state.Delta{FromSupervisor: []*string{&directive}})
			}

			conv.SetNextNode(target)
			g.emit(ctx, types.Event{
				Type:         types.EventNodeCompleted,
				Timestamp:    g.runtime.Clock(),
				DiscussionID: conv.DiscussionID,
				NodeName:     current,
				Target:       target,
			})
			if err := g.checkpoint(ctx, conv, seq, current); err != nil {
				return nil, err
			}
			seq++
			current = target
			continue
		}

		return g.settle(ctx, conv, seq, current, result.Output)
	}

	// Hop ceiling reached mid-handoff; settle with whatever the discussion
	// has instead of bouncing forever.
	return g.settle(ctx, conv, seq, current, "")
}

// settle terminates the run with the given reply, falling back to the last
// assistant message when the budget or hop ceiling cut the run short.
func (g *Graph) settle(ctx context.Context, conv *state.Conversation, seq int, nodeName, reply string) (*RunOutput, error) {
	if reply == "" {
		for i := len(conv.Messages) - 1; i >= 0; i-- {
			msg := conv.Messages[i]
			if msg.Role == types.RoleAssistant && msg.Content != "" && !msg.Transient {
				reply = msg.Content
				break
			}
		}
	}
	if reply == "" {
		reply = "I was unable to finish handling this request. A human representative will follow up shortly."
	}

	conv.ClearNextNode()
	conv.Status = state.StatusTerminated
	if err := g.checkpoint(ctx, conv, seq, nodeName); err != nil {
		return nil, err
	}

	g.emit(ctx, types.Event{
		Type:         types.EventRunCompleted,
		Timestamp:    g.runtime.Clock(),
		DiscussionID: conv.DiscussionID,
		NodeName:     nodeName,
		Message:      "run completed",
	})

	return &RunOutput{
		DiscussionID: conv.DiscussionID,
		Reply:        reply,
		Status:       state.StatusTerminated,
		ToolsCalled:  conv.ToolsCalled,
		Node:         nodeName,
	}, nil
}

func (g *Graph) checkpoint(ctx context.Context, conv *state.Conversation, seq int, nodeID string) error {
	now := g.runtime.Clock()
	conv.UpdatedAt = now
	record := state.CheckpointRecord{
		DiscussionID: conv.DiscussionID,
		Seq:          seq,
		NodeID:       nodeID,
		Conversation: *conv,
		CreatedAt:    now,
	}
	if err := g.runtime.Store.SaveCheckpoint(ctx, record); err != nil {
		return fmt.Errorf("graph: failed to checkpoint discussion %s at seq %d: %w", conv.DiscussionID, seq, err)
	}
	return nil
}

func (g *Graph) emit(ctx context.Context, event types.Event) {
	if g.runtime.Observer == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	_ = g.runtime.Observer.Emit(ctx, observe.FromEngineEvent(event))
}
