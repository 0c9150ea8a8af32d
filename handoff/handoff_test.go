package handoff

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/deskflowhq/deskflow/control"
)

func TestNormalizeName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Refund Agent", "refund_agent"},
		{"refund_agent", "refund_agent"},
		{"  Address   Change  ", "address_change"},
		{"Tier2\tSupport", "tier2_support"},
		{"SUPERVISOR", "supervisor"},
	}
	for _, tc := range cases {
		if got := NormalizeName(tc.in); got != tc.want {
			t.Errorf("NormalizeName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeName_CollidingDisplayNames(t *testing.T) {
	// Distinct display names can normalize to the same tool name; builders
	// must reject such sets, so the collision has to be detectable here.
	a := NormalizeName("Refund Agent")
	b := NormalizeName("refund  AGENT")
	if a != b {
		t.Fatalf("expected collision, got %q and %q", a, b)
	}
}

func TestTransferTool_ProducesTransfer(t *testing.T) {
	tool := NewTransferTool("Refund Agent", "handles refunds", control.ScopeLocal)

	def := tool.Definition()
	if def.Name != "transfer_to_refund_agent" {
		t.Fatalf("unexpected tool name: %q", def.Name)
	}
	if !control.IsHandoffToolName(def.Name) {
		t.Fatal("transfer tool name must match the handoff convention")
	}

	_, err := tool.Execute(context.Background(), json.RawMessage(`{"messageForAgent":"refund order o-12"}`))
	transfer, ok := control.AsTransfer(err)
	if !ok {
		t.Fatalf("expected a transfer, got %v", err)
	}
	if transfer.Target != "refund_agent" {
		t.Fatalf("unexpected target: %q", transfer.Target)
	}
	if transfer.Scope != control.ScopeLocal {
		t.Fatalf("unexpected scope: %q", transfer.Scope)
	}
	if transfer.Message != "refund order o-12" {
		t.Fatalf("unexpected directive: %q", transfer.Message)
	}
}

func TestReturnTool_TargetsParentScope(t *testing.T) {
	tool := NewReturnTool("Supervisor")

	def := tool.Definition()
	if def.Name != "transfer_back_to_supervisor" {
		t.Fatalf("unexpected tool name: %q", def.Name)
	}

	_, err := tool.Execute(context.Background(), json.RawMessage(`{"summary":"address updated"}`))
	transfer, ok := control.AsTransfer(err)
	if !ok {
		t.Fatalf("expected a transfer, got %v", err)
	}
	if transfer.Scope != control.ScopeParent {
		t.Fatalf("return tool must target the parent scope, got %q", transfer.Scope)
	}
	if transfer.Message != "address updated" {
		t.Fatalf("unexpected summary: %q", transfer.Message)
	}
}

func TestAskHumanTool_Interrupts(t *testing.T) {
	tool := NewAskHumanTool()

	_, err := tool.Execute(context.Background(), json.RawMessage(`{"question":"what is the order number?"}`))
	interrupt, ok := control.AsInterrupt(err)
	if !ok {
		t.Fatalf("expected an interrupt, got %v", err)
	}
	if interrupt.Payload.AgentMessageMode != control.ModeQuestion {
		t.Fatalf("unexpected mode: %q", interrupt.Payload.AgentMessageMode)
	}
	if interrupt.Payload.Destination != control.DestinationUser {
		t.Fatalf("unexpected destination: %q", interrupt.Payload.Destination)
	}
	if interrupt.Payload.UserMessage != "what is the order number?" {
		t.Fatalf("unexpected message: %q", interrupt.Payload.UserMessage)
	}
	if interrupt.Payload.IsCompleteHandoff() {
		t.Fatal("a question is not a complete handoff")
	}
}

func TestAskHumanTool_RequiresQuestion(t *testing.T) {
	tool := NewAskHumanTool()
	_, err := tool.Execute(context.Background(), json.RawMessage(`{}`))
	if _, ok := control.AsInterrupt(err); ok {
		t.Fatal("an empty question must not suspend the run")
	}
	if err == nil {
		t.Fatal("expected an error for a missing question")
	}
}

func TestConfirmationTool_Interrupts(t *testing.T) {
	tool := NewConfirmationTool()

	_, err := tool.Execute(context.Background(), json.RawMessage(`{"actionDescription":"refund $42 to order o-12"}`))
	interrupt, ok := control.AsInterrupt(err)
	if !ok {
		t.Fatalf("expected an interrupt, got %v", err)
	}
	if interrupt.Payload.AgentMessageMode != control.ModeConfirmation {
		t.Fatalf("unexpected mode: %q", interrupt.Payload.AgentMessageMode)
	}
	if interrupt.Payload.Destination != control.DestinationAgent {
		t.Fatalf("confirmations go to the operator, got %q", interrupt.Payload.Destination)
	}
}

func TestCompleteHandoffTool_SetsSentinel(t *testing.T) {
	tool := NewCompleteHandoffTool()

	_, err := tool.Execute(context.Background(), json.RawMessage(`{"reason":"angry customer"}`))
	interrupt, ok := control.AsInterrupt(err)
	if !ok {
		t.Fatalf("expected an interrupt, got %v", err)
	}
	if !interrupt.Payload.IsCompleteHandoff() {
		t.Fatalf("expected a complete handoff payload: %#v", interrupt.Payload)
	}
	if interrupt.Payload.Destination != control.DestinationAgent {
		t.Fatalf("unexpected destination: %q", interrupt.Payload.Destination)
	}
}
