package graph

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/deskflowhq/deskflow/control"
	"github.com/deskflowhq/deskflow/llm"
	"github.com/deskflowhq/deskflow/state"
	sqlitestore "github.com/deskflowhq/deskflow/state/sqlite"
	"github.com/deskflowhq/deskflow/tools"
	"github.com/deskflowhq/deskflow/types"
)

// routeFunc decides the response for one generate call; keyed by node so a
// single provider instance can stand in for every agent in the graph.
type routeFunc func(req types.Request) types.Response

type scenarioProvider struct {
	routes map[string]routeFunc
	calls  int
}

func (p *scenarioProvider) Name() string { return "scenario" }

func (p *scenarioProvider) Capabilities() llm.Capabilities {
	return llm.Capabilities{Tools: true, ParallelToolCalls: true}
}

func (p *scenarioProvider) Generate(ctx context.Context, req types.Request) (types.Response, error) {
	_ = ctx
	p.calls++
	for marker, route := range p.routes {
		if strings.Contains(req.SystemPrompt, marker) {
			return route(req), nil
		}
	}
	return types.Response{}, errors.New("no route matched system prompt")
}

func text(content string) types.Response {
	return types.Response{Message: types.Message{Role: types.RoleAssistant, Content: content}}
}

func call(id, name, args string) types.Response {
	return types.Response{Message: types.Message{
		Role:      types.RoleAssistant,
		ToolCalls: []types.ToolCall{{ID: id, Name: name, Arguments: json.RawMessage(args)}},
	}}
}

func hasToolResult(req types.Request, toolName, contains string) bool {
	for _, msg := range req.Messages {
		if msg.Role == types.RoleTool && msg.Name == toolName && strings.Contains(msg.Content, contains) {
			return true
		}
	}
	return false
}

func newTestStore(t *testing.T) state.Store {
	t.Helper()
	s, err := sqlitestore.New(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("failed to open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func refundTool(t *testing.T) tools.Tool {
	t.Helper()
	return tools.NewFuncTool("process_refund", "processes a refund", nil,
		func(ctx context.Context, args json.RawMessage) (any, error) {
			_ = ctx
			_ = args
			return map[string]any{"refundId": "rf-1", "status": "processed"}, nil
		})
}

// refundRoutes scripts the happy path: supervisor hands off to the refund
// agent, which asks for confirmation, processes the refund once approved,
// and answers.
func refundRoutes(t *testing.T) map[string]routeFunc {
	t.Helper()
	return map[string]routeFunc{
		"You route the conversation": func(req types.Request) types.Response {
			if hasToolResult(req, "transfer_to_refunds_and_cancellations", "transferred") {
				return text("anything else I can help with?")
			}
			return call("sup-1", "transfer_to_refunds_and_cancellations",
				`{"messageForAgent":"customer wants a refund for order 12345, wrong item"}`)
		},
		"You handle refunds": func(req types.Request) types.Response {
			switch {
			case hasToolResult(req, "process_refund", "processed"):
				return text("Your refund for order 12345 has been processed.")
			case hasToolResult(req, "request_confirmation", "approved"):
				return call("ref-2", "process_refund", `{"orderId":"12345"}`)
			default:
				return call("ref-1", "request_confirmation",
					`{"actionDescription":"Refund order 12345, reason: wrong item"}`)
			}
		},
	}
}

func refundGraph(t *testing.T, store state.Store, provider llm.Provider) *Graph {
	t.Helper()
	b := NewBuilder(Runtime{Provider: provider, Store: store, StepBudget: 25})
	b.Supervisor("supervisor", "You are the customer service supervisor.")
	b.AddAgent(NodeSpec{
		Name:        "Refunds And Cancellations",
		Description: "handles refund and cancellation requests",
		Prompt:      "You handle refunds.",
		Tools:       []tools.Tool{refundTool(t)},
		HumanInput:  true,
	})
	g, err := b.Compile()
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	return g
}

func TestCompile_DuplicateNormalizedNamesFail(t *testing.T) {
	provider := &scenarioProvider{}
	b := NewBuilder(Runtime{Provider: provider, Store: newTestStore(t)})
	b.AddAgent(NodeSpec{Name: "Refund Agent", Description: "a"})
	b.AddAgent(NodeSpec{Name: "refund  AGENT", Description: "b"})

	if _, err := b.Compile(); err == nil {
		t.Fatal("expected a collision error")
	} else if !strings.Contains(err.Error(), "collide") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCompile_ReservedRouterNameFails(t *testing.T) {
	provider := &scenarioProvider{}
	b := NewBuilder(Runtime{Provider: provider, Store: newTestStore(t)})
	b.AddAgent(NodeSpec{Name: "Router", Description: "entry"})

	if _, err := b.Compile(); err == nil {
		t.Fatal("expected a reserved-name error")
	}
}

func TestCompile_MissingDescriptionFails(t *testing.T) {
	provider := &scenarioProvider{}
	b := NewBuilder(Runtime{Provider: provider, Store: newTestStore(t)})
	b.AddAgent(NodeSpec{Name: "Refund Agent"})

	if _, err := b.Compile(); err == nil {
		t.Fatal("expected a missing-description error")
	}
}

func TestCompile_HandoffNamedToolRejected(t *testing.T) {
	provider := &scenarioProvider{}
	rogue := tools.NewFuncTool("transfer_to_nowhere", "rogue", nil,
		func(ctx context.Context, args json.RawMessage) (any, error) { return nil, nil })

	b := NewBuilder(Runtime{Provider: provider, Store: newTestStore(t)})
	b.AddAgent(NodeSpec{Name: "Refund Agent", Description: "refunds", Tools: []tools.Tool{rogue}})

	if _, err := b.Compile(); err == nil {
		t.Fatal("expected a reserved-prefix error")
	}
}

func TestCompile_NoAgentsFails(t *testing.T) {
	provider := &scenarioProvider{}
	b := NewBuilder(Runtime{Provider: provider, Store: newTestStore(t)})
	if _, err := b.Compile(); err == nil {
		t.Fatal("expected an error for an empty graph")
	}
}

func TestRun_SupervisorAnswersDirectly(t *testing.T) {
	provider := &scenarioProvider{routes: map[string]routeFunc{
		"You route the conversation": func(req types.Request) types.Response {
			return text("hello! how can I help?")
		},
	}}
	g := refundGraph(t, newTestStore(t), provider)

	out, err := g.Run(context.Background(), "disc-1", "hi")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out.Status != state.StatusTerminated {
		t.Fatalf("unexpected status: %q", out.Status)
	}
	if out.Reply != "hello! how can I help?" {
		t.Fatalf("unexpected reply: %q", out.Reply)
	}
	if out.Node != "supervisor" {
		t.Fatalf("unexpected node: %q", out.Node)
	}
}

func TestRun_RefundScenarioSuspendsAndResumes(t *testing.T) {
	store := newTestStore(t)
	g := refundGraph(t, store, &scenarioProvider{routes: refundRoutes(t)})

	out, err := g.Run(context.Background(), "disc-7", "I'd like a refund for order 12345, reason: wrong item.")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out.Status != state.StatusSuspended {
		t.Fatalf("expected suspension, got %q", out.Status)
	}
	if out.Interrupt == nil {
		t.Fatal("expected an interrupt payload")
	}
	if out.Interrupt.Destination != control.DestinationAgent {
		t.Fatalf("confirmation should target the operator, got %q", out.Interrupt.Destination)
	}
	if out.Interrupt.AgentMessageMode != control.ModeConfirmation {
		t.Fatalf("unexpected mode: %q", out.Interrupt.AgentMessageMode)
	}
	if !strings.Contains(out.Reply, "12345") {
		t.Fatalf("confirmation text should carry the order id: %q", out.Reply)
	}

	// A fresh compiled graph over the same store stands in for a process
	// restart: resumption must work from persisted state alone.
	g2 := refundGraph(t, store, &scenarioProvider{routes: refundRoutes(t)})
	final, err := g2.Resume(context.Background(), "disc-7", "approved")
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if final.Status != state.StatusTerminated {
		t.Fatalf("expected termination, got %q", final.Status)
	}
	if final.Reply != "Your refund for order 12345 has been processed." {
		t.Fatalf("unexpected final reply: %q", final.Reply)
	}

	var processed bool
	for _, record := range final.ToolsCalled {
		if record.Name == "process_refund" {
			processed = true
		}
	}
	if !processed {
		t.Fatalf("expected the refund tool in tools_called: %#v", final.ToolsCalled)
	}
}

func TestRun_UserReplyResumesSuspendedDiscussion(t *testing.T) {
	store := newTestStore(t)
	g := refundGraph(t, store, &scenarioProvider{routes: refundRoutes(t)})

	if _, err := g.Run(context.Background(), "disc-8", "refund order 12345"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// The next inbound user message answers the pending interrupt.
	out, err := g.Run(context.Background(), "disc-8", "approved")
	if err != nil {
		t.Fatalf("Run-as-resume failed: %v", err)
	}
	if out.Status != state.StatusTerminated {
		t.Fatalf("expected termination, got %q", out.Status)
	}
}

func TestResume_WithoutPendingInterruptMutatesNothing(t *testing.T) {
	store := newTestStore(t)
	provider := &scenarioProvider{routes: map[string]routeFunc{
		"You route the conversation": func(req types.Request) types.Response { return text("done") },
	}}
	g := refundGraph(t, store, provider)

	if _, err := g.Run(context.Background(), "disc-9", "hi"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	before, err := store.LoadLatestCheckpoint(context.Background(), "disc-9")
	if err != nil {
		t.Fatalf("LoadLatestCheckpoint failed: %v", err)
	}

	if _, err := g.Resume(context.Background(), "disc-9", "answer"); !errors.Is(err, ErrNoPendingInterrupt) {
		t.Fatalf("expected ErrNoPendingInterrupt, got %v", err)
	}

	after, err := store.LoadLatestCheckpoint(context.Background(), "disc-9")
	if err != nil {
		t.Fatalf("LoadLatestCheckpoint failed: %v", err)
	}
	if after.Seq != before.Seq {
		t.Fatal("a rejected resume must not write a checkpoint")
	}

	if _, err := g.Resume(context.Background(), "disc-unknown", "answer"); !errors.Is(err, ErrNoPendingInterrupt) {
		t.Fatalf("expected ErrNoPendingInterrupt for an unknown discussion, got %v", err)
	}
}

func TestRun_DirectiveDeliveredAndConsumed(t *testing.T) {
	store := newTestStore(t)
	var agentPrompt string
	provider := &scenarioProvider{routes: map[string]routeFunc{
		"You route the conversation": func(req types.Request) types.Response {
			if hasToolResult(req, "transfer_to_refunds_and_cancellations", "transferred") {
				return text("all sorted")
			}
			return call("sup-1", "transfer_to_refunds_and_cancellations",
				`{"messageForAgent":"verified customer, proceed"}`)
		},
		"You handle refunds": func(req types.Request) types.Response {
			agentPrompt = req.SystemPrompt
			return call("ref-1", "transfer_back_to_supervisor", `{"summary":"nothing to do"}`)
		},
	}}
	g := refundGraph(t, store, provider)

	out, err := g.Run(context.Background(), "disc-10", "refund please")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out.Status != state.StatusTerminated || out.Reply != "all sorted" {
		t.Fatalf("unexpected outcome: %#v", out)
	}
	if !strings.Contains(agentPrompt, "verified customer, proceed") {
		t.Fatalf("directive missing from the agent prompt: %q", agentPrompt)
	}

	record, err := store.LoadLatestCheckpoint(context.Background(), "disc-10")
	if err != nil {
		t.Fatalf("LoadLatestCheckpoint failed: %v", err)
	}
	if len(record.Conversation.FromSupervisor) != 0 {
		t.Fatalf("directive must be consumed on return: %#v", record.Conversation.FromSupervisor)
	}
}

func TestRun_BudgetTerminationNeverLoopsForever(t *testing.T) {
	// Supervisor and agent bounce the discussion back and forth endlessly;
	// the step budget has to force a settled answer anyway.
	provider := &scenarioProvider{routes: map[string]routeFunc{
		"You route the conversation": func(req types.Request) types.Response {
			return call("sup", "transfer_to_refunds_and_cancellations", `{"messageForAgent":"go"}`)
		},
		"You handle refunds": func(req types.Request) types.Response {
			return call("ref", "transfer_back_to_supervisor", `{"summary":"cannot handle"}`)
		},
	}}

	b := NewBuilder(Runtime{Provider: provider, Store: newTestStore(t), StepBudget: 1})
	b.Supervisor("supervisor", "You are the customer service supervisor.")
	b.AddAgent(NodeSpec{
		Name:        "Refunds And Cancellations",
		Description: "handles refunds",
		Prompt:      "You handle refunds.",
	})
	g, err := b.Compile()
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	out, err := g.Run(context.Background(), "disc-11", "refund")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out.Status != state.StatusTerminated {
		t.Fatalf("expected forced termination, got %q", out.Status)
	}
	if out.Reply == "" {
		t.Fatal("forced termination still owes the caller a message")
	}
}

func TestRun_HopCeilingSettles(t *testing.T) {
	provider := &scenarioProvider{routes: map[string]routeFunc{
		"You route the conversation": func(req types.Request) types.Response {
			return call("sup", "transfer_to_refunds_and_cancellations", `{"messageForAgent":"go"}`)
		},
		"You handle refunds": func(req types.Request) types.Response {
			return call("ref", "transfer_back_to_supervisor", `{"summary":"bounce"}`)
		},
	}}
	g := refundGraph(t, newTestStore(t), provider)

	out, err := g.Run(context.Background(), "disc-12", "refund")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out.Status != state.StatusTerminated || out.Reply == "" {
		t.Fatalf("expected a settled answer, got %#v", out)
	}
}

func TestRun_TerminatedDiscussionReopens(t *testing.T) {
	store := newTestStore(t)
	provider := &scenarioProvider{routes: map[string]routeFunc{
		"You route the conversation": func(req types.Request) types.Response {
			return text("answered")
		},
	}}
	g := refundGraph(t, store, provider)

	if _, err := g.Run(context.Background(), "disc-13", "first"); err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	out, err := g.Run(context.Background(), "disc-13", "second")
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if out.Status != state.StatusTerminated {
		t.Fatalf("unexpected status: %q", out.Status)
	}

	record, err := store.LoadLatestCheckpoint(context.Background(), "disc-13")
	if err != nil {
		t.Fatalf("LoadLatestCheckpoint failed: %v", err)
	}
	var userMsgs int
	for _, msg := range record.Conversation.Messages {
		if msg.Role == types.RoleUser {
			userMsgs++
		}
	}
	if userMsgs != 2 {
		t.Fatalf("history must be retained across terminated runs, got %d user messages", userMsgs)
	}
}

func TestRun_NestedChildReachableThroughParent(t *testing.T) {
	store := newTestStore(t)
	provider := &scenarioProvider{routes: map[string]routeFunc{
		"You route the conversation": func(req types.Request) types.Response {
			if hasToolResult(req, "transfer_to_orders", "transferred") {
				return text("done")
			}
			return call("sup", "transfer_to_orders", `{"messageForAgent":"order question"}`)
		},
		"You handle orders": func(req types.Request) types.Response {
			if hasToolResult(req, "transfer_to_order_tracking", "transferred") {
				return call("ord-2", "transfer_back_to_supervisor", `{"summary":"tracked"}`)
			}
			return call("ord-1", "transfer_to_order_tracking", `{"messageForAgent":"track order 9"}`)
		},
		"You track orders": func(req types.Request) types.Response {
			return call("trk-1", "transfer_back_to_orders", `{"summary":"order 9 in transit"}`)
		},
	}}

	b := NewBuilder(Runtime{Provider: provider, Store: store, MaxHops: 8})
	b.Supervisor("supervisor", "You are the customer service supervisor.")
	b.AddAgent(NodeSpec{
		Name:        "Orders",
		Description: "handles order questions",
		Prompt:      "You handle orders.",
		Children: []NodeSpec{{
			Name:        "Order Tracking",
			Description: "tracks shipments",
			Prompt:      "You track orders.",
		}},
	})
	g, err := b.Compile()
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	out, err := g.Run(context.Background(), "disc-14", "where is order 9?")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out.Status != state.StatusTerminated || out.Reply != "done" {
		t.Fatalf("unexpected outcome: %#v", out)
	}
}
